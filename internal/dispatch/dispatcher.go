// Package dispatch implements the account-aware retry loop that turns a
// translated request into an upstream call: resolve a token from the pool,
// send the request, classify the outcome, and either return or rotate to
// the next account.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/poemonsense/antigravity-proxy-go/internal/account"
	"github.com/poemonsense/antigravity-proxy-go/internal/cloudcode"
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/errors"
	"github.com/poemonsense/antigravity-proxy-go/internal/format"
	"github.com/poemonsense/antigravity-proxy-go/internal/ratelimit"
	"github.com/poemonsense/antigravity-proxy-go/internal/session"
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
	"github.com/poemonsense/antigravity-proxy-go/pkg/redis"
)

// Dispatcher owns the retry/rotation policy around the token pool. One
// Dispatcher is shared across all requests; it holds no per-request state.
type Dispatcher struct {
	pool       *account.Manager
	httpClient *http.Client
	cfg        *config.Config

	proxyMu      sync.Mutex
	proxyClients map[string]*http.Client
}

// New creates a Dispatcher backed by pool for account/token resolution.
func New(pool *account.Manager, cfg *config.Config) *Dispatcher {
	return &Dispatcher{
		pool: pool,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
		cfg:          cfg,
		proxyClients: make(map[string]*http.Client),
	}
}

// clientFor returns the shared direct-egress client when proxyURL is empty,
// or a client dedicated to that proxy (cached across calls so each
// account's connections get reused instead of rebuilt per request).
func (d *Dispatcher) clientFor(proxyURL string) (*http.Client, error) {
	if proxyURL == "" {
		return d.httpClient, nil
	}

	d.proxyMu.Lock()
	defer d.proxyMu.Unlock()
	if client, ok := d.proxyClients[proxyURL]; ok {
		return client, nil
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil, errors.NewCredentialCorruptedError("malformed proxy_url: "+err.Error(), "")
	}
	client := &http.Client{
		Timeout: 10 * time.Minute,
		Transport: &http.Transport{
			Proxy: http.ProxyURL(parsed),
		},
	}
	d.proxyClients[proxyURL] = client
	return client, nil
}

// sessionIDFor derives the binding-table key for a request from its first
// user message, the same text the legacy per-request cache key used.
func sessionIDFor(req *anthropic.MessagesRequest) string {
	texts := make([]string, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if msg.Role != "user" {
			continue
		}
		for _, block := range msg.Content {
			if block.Type == "text" && block.Text != "" {
				texts = append(texts, block.Text)
			}
		}
	}
	return session.DeriveID(texts)
}

// Send performs a non-streaming dispatch of req, rotating across accounts
// and endpoints per spec §4.7 until it gets a response, exhausts retries, or
// falls back to a cheaper model.
func (d *Dispatcher) Send(ctx context.Context, req *anthropic.MessagesRequest, fallbackEnabled bool) (*anthropic.MessagesResponse, error) {
	model := req.Model
	isThinking := config.IsThinkingModel(model)
	sessionID := sessionIDFor(req)
	exclusions := make(map[string]struct{})

	maxAttempts := max(config.MaxRetries, d.pool.GetAccountCount()+1)

	for i := 0; i < maxAttempts; i++ {
		token, acc, release, err := d.acquire(ctx, sessionID, model, exclusions)
		if err != nil {
			if resp, fbErr, handled := d.maybeFallback(ctx, req, fallbackEnabled, err); handled {
				return resp, fbErr
			}
			return nil, err
		}

		if d.cfg.EnforceProxy && acc.ProxyURL == "" {
			release()
			return nil, errors.NewPoolExhaustedError(
				"ENFORCE_PROXY is set and the selected account has no proxy_url", 0)
		}

		projectID := acc.ProjectID
		if projectID == "" {
			projectID = config.DefaultProjectID
		}

		payload, err := cloudcode.BuildCloudCodeRequest(req, projectID)
		if err != nil {
			release()
			return nil, err
		}

		var accept, url string
		if isThinking {
			accept = "text/event-stream"
		} else {
			accept = "application/json"
		}

		var lastErr error
		succeeded := false
		var result *anthropic.MessagesResponse
		graced := false
		sigRetried := false

		for _, endpoint := range config.AntigravityEndpointFallbacks {
			if isThinking {
				url = endpoint + "/v1internal:streamGenerateContent?alt=sse"
			} else {
				url = endpoint + "/v1internal:generateContent"
			}

			resp, body, status, err := d.doRequest(ctx, url, token, model, accept, payload, acc.ProxyURL)
			if err != nil {
				lastErr = err
				continue
			}

			if status == http.StatusOK {
				if isThinking {
					result, err = cloudcode.ParseThinkingSSEResponse(resp.Body, model)
					resp.Body.Close()
				} else {
					var data map[string]interface{}
					err = json.NewDecoder(resp.Body).Decode(&data)
					resp.Body.Close()
					if err == nil {
						googleResp := format.GoogleResponseFromMap(data)
						result = format.ConvertGoogleToAnthropic(googleResp, model)
					}
				}
				if err != nil {
					lastErr = err
					continue
				}
				succeeded = true
				break
			}

			action := d.classify(acc, model, status, resp.Header, body, graced, sigRetried)
			lastErr = action.err
			if action.markGraced {
				graced = true
			}
			if action.markSignatureRetried {
				sigRetried = true
				format.ClearThinkingSignatureCache()
			}
			if action.retrySameEndpoint {
				utils.SleepMs(action.waitMs)
				continue
			}
			if action.rotate {
				exclusions[acc.Email] = struct{}{}
			}
			break
		}

		if succeeded {
			release()
			d.pool.NotifyUpstreamOutcome(acc, model, 0, "")
			return result, nil
		}

		release()
		if lastErr != nil && isPermanentUpstreamError(lastErr) {
			return nil, lastErr
		}
	}

	maxRetriesErr := errors.NewMaxRetriesError("", maxAttempts)
	if resp, fbErr, handled := d.maybeFallback(ctx, req, fallbackEnabled, maxRetriesErr); handled {
		return resp, fbErr
	}
	return nil, maxRetriesErr
}

// acquire resolves a live access token for (sessionID, model) from the pool,
// excluding any account already tried this request.
func (d *Dispatcher) acquire(ctx context.Context, sessionID, model string, exclusions map[string]struct{}) (token string, acc *redis.Account, release func(), err error) {
	result, err := d.pool.GetToken(ctx, sessionID, model, exclusions)
	if err != nil {
		return "", nil, nil, err
	}
	acc, err = d.pool.GetAccountByEmail(ctx, result.Email)
	if err != nil {
		result.Release()
		return "", nil, nil, err
	}
	return result.AccessToken, acc, result.Release, nil
}

// doRequest issues a single HTTP call and returns the raw response (caller
// closes the body on success), the error body, and status on failure. When
// proxyURL is set the request is routed through it (spec §4.7 step b);
// otherwise the shared direct-egress client is used.
func (d *Dispatcher) doRequest(ctx context.Context, url, token, model, accept string, payload *cloudcode.CloudCodePayload, proxyURL string) (*http.Response, string, int, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, "", 0, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payloadBytes))
	if err != nil {
		return nil, "", 0, err
	}
	for k, v := range cloudcode.BuildHeaders(token, model, accept) {
		httpReq.Header.Set(k, v)
	}

	client, err := d.clientFor(proxyURL)
	if err != nil {
		return nil, "", 0, err
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, "", 0, err
	}
	if resp.StatusCode == http.StatusOK {
		return resp, "", http.StatusOK, nil
	}
	bodyBytes, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, string(bodyBytes), resp.StatusCode, nil
}

// routeAction is what classify decides to do with a non-200 response.
type routeAction struct {
	retrySameEndpoint    bool
	rotate               bool
	waitMs               int64
	err                  error
	markGraced           bool // Send should remember this account already used its grace retry
	markSignatureRetried bool // Send should remember this account already retried past a signature error
}

// classify implements the §7 error-taxonomy action table: permanent auth
// failures invalidate the account, capacity exhaustion and rate-limit grace
// retries stay on the same account for one more attempt, 403s apply a
// fixed-duration lockout and flag the account for manual review, a
// signature-shaped 400 clears the cached signature and retries once, and
// every other reason rotates to the next account after recording it with
// the pool.
//
// graced and signatureRetried report whether this account already used its
// one-shot retry for the corresponding reason earlier in this same dispatch
// attempt, so a repeat of the same failure rotates instead of looping.
func (d *Dispatcher) classify(acc *redis.Account, model string, status int, headers http.Header, body string, graced, signatureRetried bool) routeAction {
	reason := ratelimit.ReasonForStatus(status, body)

	if status == 401 {
		if cloudcode.IsPermanentAuthFailure(body) {
			_ = d.pool.MarkInvalid(context.Background(), acc.Email, "Token revoked - re-authentication required")
			return routeAction{rotate: true, err: errors.NewAuthError("token refresh failed: "+body, acc.Email, "permanent")}
		}
		return routeAction{rotate: true, err: errors.NewAuthError("transient auth error", acc.Email, "transient")}
	}

	if status == 403 {
		return d.classifyForbidden(acc, body)
	}

	if (status == 429 || status == 503 || status == 529) && reason == ratelimit.ReasonModelCapacityExhausted {
		d.pool.NotifyUpstreamOutcome(acc, model, status, reason)
		waitMs := ratelimit.ParseResetMsFromHeaders(headers)
		if waitMs <= 0 {
			waitMs = config.CapacityBackoffTiersMs[0]
		}
		return routeAction{retrySameEndpoint: true, waitMs: waitMs, err: errors.NewCapacityExhaustedError("model capacity exhausted", &waitMs)}
	}

	if status == 429 && reason == ratelimit.ReasonRateLimitExceeded && !graced {
		utils.Warn("[Dispatch] Grace retry: RATE_LIMIT_EXCEEDED on %s, waiting %dms before one retry on the same account", acc.Email, config.GraceRetryWaitMs)
		resetMs := int64(config.GraceRetryWaitMs)
		return routeAction{
			retrySameEndpoint: true,
			markGraced:        true,
			waitMs:            config.GraceRetryWaitMs,
			err:               errors.NewRateLimitError("rate limit exceeded, grace retry", &resetMs, acc.Email),
		}
	}

	if status == 400 && cloudcode.IsSignatureError(body) && !signatureRetried {
		return routeAction{
			retrySameEndpoint:    true,
			markSignatureRetried: true,
			waitMs:               config.SignatureRetryWaitMs,
			err:                  errors.NewUpstreamError(body, status, "invalid_request_error"),
		}
	}

	d.pool.NotifyUpstreamOutcome(acc, model, status, reason)

	if status == 400 {
		return routeAction{err: errors.NewUpstreamError(body, status, "invalid_request_error")}
	}

	return routeAction{rotate: true, err: errors.NewUpstreamError(body, status, string(reason))}
}

// classifyForbidden implements the two 403 taxonomy entries: a TOS ban locks
// the account out for 24h, an unverified/flagged account for 1h. Both flag
// the account for manual review and rotate away from it; an unrecognized
// 403 body falls back to the generic rotate-and-record path.
func (d *Dispatcher) classifyForbidden(acc *redis.Account, body string) routeAction {
	ctx := context.Background()
	switch cloudcode.ClassifyForbidden(body) {
	case cloudcode.ForbiddenTOSBanned:
		utils.Error("[Dispatch] Account %s is TOS-banned, 24h lockout", acc.Email)
		d.pool.LockoutAccount(acc.Email, time.Now().Add(config.ForbiddenTOSLockoutMs*time.Millisecond), ratelimit.ReasonForbiddenTOS)
		_ = d.pool.MarkNeedsVerification(ctx, acc.Email)
		return routeAction{rotate: true, err: errors.NewAuthError("account TOS-banned: "+body, acc.Email, "tos_banned")}
	case cloudcode.ForbiddenNeedsVerification:
		utils.Warn("[Dispatch] Account %s needs verification, 1h lockout", acc.Email)
		d.pool.LockoutAccount(acc.Email, time.Now().Add(config.ForbiddenVerifyLockoutMs*time.Millisecond), ratelimit.ReasonForbiddenVerify)
		_ = d.pool.MarkNeedsVerification(ctx, acc.Email)
		return routeAction{rotate: true, err: errors.NewAuthError("account needs verification: "+body, acc.Email, "needs_verification")}
	default:
		d.pool.NotifyUpstreamOutcome(acc, "", 403, ratelimit.ReasonUnknown)
		return routeAction{rotate: true, err: errors.NewUpstreamError(body, 403, "forbidden")}
	}
}

// maybeFallback retries the whole dispatch on a cheaper model when the
// caller opted in and a fallback mapping exists for model; otherwise it
// reports the original error unchanged.
func (d *Dispatcher) maybeFallback(ctx context.Context, req *anthropic.MessagesRequest, fallbackEnabled bool, cause error) (*anthropic.MessagesResponse, error, bool) {
	if !fallbackEnabled {
		return nil, nil, false
	}
	fallbackModel, ok := config.GetFallbackModel(req.Model)
	if !ok {
		return nil, nil, false
	}
	utils.Warn("[Dispatch] %v — falling back from %s to %s", cause, req.Model, fallbackModel)
	fallbackReq := *req
	fallbackReq.Model = fallbackModel
	resp, err := d.Send(ctx, &fallbackReq, false)
	return resp, err, true
}

// isPermanentUpstreamError reports whether err should abort the whole
// dispatch instead of rotating to the next account: a confirmed-revoked
// credential, or a malformed request that would fail identically everywhere.
func isPermanentUpstreamError(err error) bool {
	if ae, ok := err.(*errors.AuthError); ok {
		return ae.Reason == "permanent"
	}
	if ue, ok := err.(*errors.UpstreamError); ok {
		return ue.StatusCode == 400
	}
	return false
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
