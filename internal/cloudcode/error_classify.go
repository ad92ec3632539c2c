// Package cloudcode provides Cloud Code API client implementation.
package cloudcode

import "strings"

// IsPermanentAuthFailure reports whether a 401 body indicates the refresh
// token itself was revoked (invalid_grant) rather than a transient auth
// hiccup — the former needs the account marked invalid, the latter just
// rotated away from for this request.
func IsPermanentAuthFailure(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "invalid_grant") ||
		strings.Contains(lower, "token has been revoked") ||
		strings.Contains(lower, "token has been expired or revoked")
}

// ForbiddenReason classifies a 403 response body.
type ForbiddenReason string

const (
	ForbiddenTOSBanned         ForbiddenReason = "tos_banned"
	ForbiddenNeedsVerification ForbiddenReason = "needs_verification"
	ForbiddenOther             ForbiddenReason = "other"
)

// ClassifyForbidden inspects a 403 body for the two markers the upstream
// uses to distinguish a permanent account ban from a recoverable
// verification hold.
func ClassifyForbidden(body string) ForbiddenReason {
	lower := strings.ToLower(body)
	switch {
	case strings.Contains(lower, "terminated"),
		strings.Contains(lower, "violat"),
		strings.Contains(lower, "tos_ban"),
		strings.Contains(lower, "banned"):
		return ForbiddenTOSBanned
	case strings.Contains(lower, "verify"),
		strings.Contains(lower, "verification"),
		strings.Contains(lower, "suspicious activity"),
		strings.Contains(lower, "project") && strings.Contains(lower, "access"):
		return ForbiddenNeedsVerification
	default:
		return ForbiddenOther
	}
}

// IsSignatureError reports whether a 400 body names a malformed or missing
// thinking/tool-use signature — the one 400 shape the dispatcher retries
// once (after clearing the cached signature) instead of failing outright.
func IsSignatureError(body string) bool {
	lower := strings.ToLower(body)
	patterns := []string{
		"signature",
		"thinking.signature",
		"thought signature",
		"failed to deserialise body",
		"failed to deserialize body",
		"found `text` instead of thinking",
		"must be `thinking` type",
	}
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
