package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/poemonsense/antigravity-proxy-go/internal/account"
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/errors"
	"github.com/poemonsense/antigravity-proxy-go/internal/ratelimit"
	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
	"github.com/poemonsense/antigravity-proxy-go/pkg/redis"
)

// newTestDispatcher builds a Dispatcher around a Manager that was never
// Initialize()'d (no redis round trip): the account used in classify tests
// is not in m.accounts, so MarkInvalid's account-store write is a no-op and
// the notify hooks skip the nil strategy.
func newTestDispatcher() *Dispatcher {
	m := account.NewManager(nil, &config.Config{})
	return New(m, &config.Config{})
}

func testAccount(email string) *redis.Account {
	return &redis.Account{Email: email}
}

func TestSessionIDForUsesOnlyUserText(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Messages: []anthropic.Message{
			{Role: "system", Content: []anthropic.ContentBlock{{Type: "text", Text: "ignored"}}},
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hello there"}}},
			{Role: "assistant", Content: []anthropic.ContentBlock{{Type: "text", Text: "ignored too"}}},
		},
	}
	otherReq := &anthropic.MessagesRequest{
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hello there"}}},
		},
	}
	if sessionIDFor(req) != sessionIDFor(otherReq) {
		t.Fatalf("expected same session id for requests sharing user text, got %q and %q", sessionIDFor(req), sessionIDFor(otherReq))
	}

	diffReq := &anthropic.MessagesRequest{
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "goodbye"}}},
		},
	}
	if sessionIDFor(req) == sessionIDFor(diffReq) {
		t.Fatal("expected different user text to derive a different session id")
	}
}

func TestClassifyPermanentAuthFailureMarksInvalid(t *testing.T) {
	d := newTestDispatcher()
	acc := testAccount("revoked@x.com")

	action := d.classify(acc, "gpt-4", 401, http.Header{}, `{"error":"invalid_grant"}`, false, false)

	if !action.rotate {
		t.Fatal("expected rotate on 401")
	}
	ae, ok := action.err.(*errors.AuthError)
	if !ok {
		t.Fatalf("expected *errors.AuthError, got %T", action.err)
	}
	if ae.Reason != "permanent" {
		t.Fatalf("expected permanent reason, got %q", ae.Reason)
	}
}

func TestClassifyTransientAuthFailure(t *testing.T) {
	d := newTestDispatcher()
	acc := testAccount("flaky@x.com")

	action := d.classify(acc, "gpt-4", 401, http.Header{}, `{"error":"temporary upstream hiccup"}`, false, false)

	ae, ok := action.err.(*errors.AuthError)
	if !ok {
		t.Fatalf("expected *errors.AuthError, got %T", action.err)
	}
	if ae.Reason != "transient" {
		t.Fatalf("expected transient reason, got %q", ae.Reason)
	}
}

func TestClassifyModelCapacityExhaustedRetriesSameEndpoint(t *testing.T) {
	d := newTestDispatcher()
	acc := testAccount("busy@x.com")
	body := `{"error":{"details":[{"reason":"MODEL_CAPACITY_EXHAUSTED"}]}}`

	action := d.classify(acc, "gpt-4", 429, http.Header{}, body, false, false)

	if !action.retrySameEndpoint {
		t.Fatal("expected retrySameEndpoint for model capacity exhaustion")
	}
	if action.rotate {
		t.Fatal("capacity exhaustion should not rotate accounts")
	}
	if _, ok := action.err.(*errors.CapacityExhaustedError); !ok {
		t.Fatalf("expected *errors.CapacityExhaustedError, got %T", action.err)
	}
	if action.waitMs <= 0 {
		t.Fatalf("expected a positive backoff, got %d", action.waitMs)
	}
}

func TestClassifyCapacityExhaustedUsesHeaderBackoff(t *testing.T) {
	d := newTestDispatcher()
	acc := testAccount("busy2@x.com")
	headers := http.Header{}
	headers.Set("retry-after", "7")
	body := `{"error":{"details":[{"reason":"MODEL_CAPACITY_EXHAUSTED"}]}}`

	action := d.classify(acc, "gpt-4", 429, headers, body, false, false)

	if action.waitMs != 7000 {
		t.Fatalf("expected header-derived 7000ms backoff, got %d", action.waitMs)
	}
}

func TestClassifyBadRequestDoesNotRotate(t *testing.T) {
	d := newTestDispatcher()
	acc := testAccount("caller@x.com")

	action := d.classify(acc, "gpt-4", 400, http.Header{}, "malformed payload", false, false)

	if action.rotate {
		t.Fatal("400 should not rotate — it will fail identically on every account")
	}
	ue, ok := action.err.(*errors.UpstreamError)
	if !ok {
		t.Fatalf("expected *errors.UpstreamError, got %T", action.err)
	}
	if ue.ErrorType != "invalid_request_error" {
		t.Fatalf("expected invalid_request_error, got %q", ue.ErrorType)
	}
}

func TestClassifyServerErrorRotates(t *testing.T) {
	d := newTestDispatcher()
	acc := testAccount("unlucky@x.com")

	action := d.classify(acc, "gpt-4", 500, http.Header{}, "internal error", false, false)

	if !action.rotate {
		t.Fatal("expected a 500 to rotate to the next account")
	}
	if action.retrySameEndpoint {
		t.Fatal("a plain 500 should not be treated as capacity exhaustion")
	}
}

func TestClassifyRateLimitExceededGraceRetriesOnce(t *testing.T) {
	d := newTestDispatcher()
	acc := testAccount("limited@x.com")
	body := `{"error":{"details":[{"reason":"RATE_LIMIT_EXCEEDED"}]}}`

	first := d.classify(acc, "gpt-4", 429, http.Header{}, body, false, false)
	if !first.retrySameEndpoint || !first.markGraced {
		t.Fatal("expected the first RATE_LIMIT_EXCEEDED to grace-retry on the same account")
	}
	if first.rotate {
		t.Fatal("a grace retry must not rotate")
	}

	second := d.classify(acc, "gpt-4", 429, http.Header{}, body, true, false)
	if !second.rotate {
		t.Fatal("expected the repeat RATE_LIMIT_EXCEEDED after a grace retry to rotate")
	}
	if second.retrySameEndpoint {
		t.Fatal("a second consecutive RATE_LIMIT_EXCEEDED should not grace-retry again")
	}
}

func TestClassifyForbiddenTOSBanLocksOutAndRotates(t *testing.T) {
	d := newTestDispatcher()
	acc := testAccount("banned@x.com")

	action := d.classify(acc, "gpt-4", 403, http.Header{}, "Your account has been terminated for violating the terms of service", false, false)

	if !action.rotate {
		t.Fatal("expected a TOS ban to rotate away from the account")
	}
	ae, ok := action.err.(*errors.AuthError)
	if !ok {
		t.Fatalf("expected *errors.AuthError, got %T", action.err)
	}
	if ae.Reason != "tos_banned" {
		t.Fatalf("expected tos_banned reason, got %q", ae.Reason)
	}
}

func TestClassifyForbiddenNeedsVerificationLocksOutAndRotates(t *testing.T) {
	d := newTestDispatcher()
	acc := testAccount("unverified@x.com")

	action := d.classify(acc, "gpt-4", 403, http.Header{}, "This project needs verification before it can be used", false, false)

	ae, ok := action.err.(*errors.AuthError)
	if !ok {
		t.Fatalf("expected *errors.AuthError, got %T", action.err)
	}
	if ae.Reason != "needs_verification" {
		t.Fatalf("expected needs_verification reason, got %q", ae.Reason)
	}
	if !action.rotate {
		t.Fatal("expected a verification hold to rotate away from the account")
	}
}

func TestClassifySignatureErrorRetriesOnceThenRotates(t *testing.T) {
	d := newTestDispatcher()
	acc := testAccount("sig@x.com")
	body := "Invalid `signature` in thinking block"

	first := d.classify(acc, "gpt-4", 400, http.Header{}, body, false, false)
	if !first.retrySameEndpoint || !first.markSignatureRetried {
		t.Fatal("expected the first signature-shaped 400 to retry once on the same account")
	}
	if first.rotate {
		t.Fatal("a signature retry must not rotate")
	}

	second := d.classify(acc, "gpt-4", 400, http.Header{}, body, false, true)
	if second.retrySameEndpoint {
		t.Fatal("a repeat signature error after the retry should not retry again")
	}
	if second.rotate {
		t.Fatal("a terminal 400 should not rotate — it will fail identically on every account")
	}
}

func TestIsPermanentUpstreamError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"permanent auth", errors.NewAuthError("revoked", "a@x.com", "permanent"), true},
		{"transient auth", errors.NewAuthError("blip", "a@x.com", "transient"), false},
		{"bad request", errors.NewUpstreamError("bad", 400, "invalid_request_error"), true},
		{"server error", errors.NewUpstreamError("boom", 500, string(ratelimit.ReasonServerError)), false},
		{"other error type", errors.NewMaxRetriesError("", 3), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isPermanentUpstreamError(tc.err); got != tc.want {
				t.Fatalf("isPermanentUpstreamError(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestDoRequestSuccessLeavesBodyOpenForCaller(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	d := newTestDispatcher()
	resp, body, status, err := d.doRequest(context.Background(), srv.URL, "tok", "gpt-4", "application/json", nil, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if body != "" {
		t.Fatalf("expected doRequest to leave the body unread on success, got %q", body)
	}
}

func TestDoRequestFailureReadsBodyAndCloses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	d := newTestDispatcher()
	resp, body, status, err := d.doRequest(context.Background(), srv.URL, "tok", "gpt-4", "application/json", nil, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", status)
	}
	if body != "slow down" {
		t.Fatalf("expected body to be read back, got %q", body)
	}
	// A second Close must be safe — Send/Stream call it again defensively
	// was removed, but doRequest itself already closed the body once.
	if err := resp.Body.Close(); err != nil {
		t.Fatalf("second Close should be a harmless no-op, got %v", err)
	}
}

func TestMaxHelper(t *testing.T) {
	if max(3, 5) != 5 {
		t.Fatal("max(3, 5) should be 5")
	}
	if max(5, 3) != 5 {
		t.Fatal("max(5, 3) should be 5")
	}
}
