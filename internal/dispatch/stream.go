package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/poemonsense/antigravity-proxy-go/internal/cloudcode"
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/errors"
	"github.com/poemonsense/antigravity-proxy-go/internal/format"
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

// Stream performs a streaming dispatch of req, forwarding upstream SSE
// events on the returned channel and rotating accounts the same way Send
// does. An empty upstream stream (no content parts) is retried a bounded
// number of times before a synthetic fallback message is emitted.
func (d *Dispatcher) Stream(ctx context.Context, req *anthropic.MessagesRequest, fallbackEnabled bool) (<-chan *cloudcode.SSEEvent, <-chan error) {
	events := make(chan *cloudcode.SSEEvent, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)
		if err := d.streamWithRetry(ctx, req, fallbackEnabled, events); err != nil {
			errs <- err
		}
	}()

	return events, errs
}

func (d *Dispatcher) streamWithRetry(ctx context.Context, req *anthropic.MessagesRequest, fallbackEnabled bool, events chan<- *cloudcode.SSEEvent) error {
	model := req.Model
	sessionID := sessionIDFor(req)
	exclusions := make(map[string]struct{})

	maxAttempts := max(config.MaxRetries, d.pool.GetAccountCount()+1)

	for i := 0; i < maxAttempts; i++ {
		token, acc, release, err := d.acquire(ctx, sessionID, model, exclusions)
		if err != nil {
			if handled, fbErr := d.maybeFallbackStream(ctx, req, fallbackEnabled, err, events); handled {
				return fbErr
			}
			return err
		}

		if d.cfg.EnforceProxy && acc.ProxyURL == "" {
			release()
			return errors.NewPoolExhaustedError(
				"ENFORCE_PROXY is set and the selected account has no proxy_url", 0)
		}

		projectID := acc.ProjectID
		if projectID == "" {
			projectID = config.DefaultProjectID
		}

		payload, err := cloudcode.BuildCloudCodeRequest(req, projectID)
		if err != nil {
			release()
			return err
		}

		var lastErr error
		succeeded := false
		graced := false
		sigRetried := false

		for _, endpoint := range config.AntigravityEndpointFallbacks {
			url := endpoint + "/v1internal:streamGenerateContent?alt=sse"

			resp, body, status, err := d.doRequest(ctx, url, token, model, "text/event-stream", payload, acc.ProxyURL)
			if err != nil {
				lastErr = err
				continue
			}

			if status != http.StatusOK {
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

			if err := d.forwardStream(ctx, resp, token, model, url, payload, events); err != nil {
				lastErr = err
				break
			}
			succeeded = true
			break
		}

		if succeeded {
			release()
			d.pool.NotifyUpstreamOutcome(acc, model, 0, "")
			return nil
		}

		release()
		if lastErr != nil && isPermanentUpstreamError(lastErr) {
			return lastErr
		}
	}

	maxRetriesErr := errors.NewMaxRetriesError("", maxAttempts)
	if handled, fbErr := d.maybeFallbackStream(ctx, req, fallbackEnabled, maxRetriesErr, events); handled {
		return fbErr
	}
	return maxRetriesErr
}

// forwardStream relays a 200 response's SSE events onto events, retrying a
// bounded number of times when the upstream yields no content at all before
// emitting a synthetic fallback message.
func (d *Dispatcher) forwardStream(ctx context.Context, resp *http.Response, token, model, url string, payload *cloudcode.CloudCodePayload, events chan<- *cloudcode.SSEEvent) error {
	currentResp := resp

	for emptyRetries := 0; emptyRetries <= config.MaxEmptyResponseRetries; emptyRetries++ {
		sseEvents, sseErrs := cloudcode.StreamSSEResponse(currentResp.Body, model)
		for event := range sseEvents {
			events <- event
		}

		err := <-sseErrs
		if err == nil {
			currentResp.Body.Close()
			return nil
		}

		if !errors.IsEmptyResponseError(err) {
			currentResp.Body.Close()
			return err
		}
		currentResp.Body.Close()

		if emptyRetries >= config.MaxEmptyResponseRetries {
			utils.Error("[Dispatch] Empty response after %d retries", config.MaxEmptyResponseRetries)
			emitEmptyResponseFallback(events, model)
			return nil
		}

		backoffMs := int64(500 * (1 << uint(emptyRetries)))
		utils.Warn("[Dispatch] Empty response, retry %d/%d after %dms...",
			emptyRetries+1, config.MaxEmptyResponseRetries, backoffMs)
		utils.SleepMs(backoffMs)

		payloadBytes, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		newReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payloadBytes))
		if err != nil {
			return err
		}
		for k, v := range cloudcode.BuildHeaders(token, model, "text/event-stream") {
			newReq.Header.Set(k, v)
		}
		retried, err := d.httpClient.Do(newReq)
		if err != nil || retried.StatusCode != http.StatusOK {
			if retried != nil {
				retried.Body.Close()
			}
			return errors.NewUpstreamError("retry after empty response failed", 0, "retry_failed")
		}
		currentResp = retried
	}

	return nil
}

func (d *Dispatcher) maybeFallbackStream(ctx context.Context, req *anthropic.MessagesRequest, fallbackEnabled bool, cause error, events chan<- *cloudcode.SSEEvent) (bool, error) {
	if !fallbackEnabled {
		return false, nil
	}
	fallbackModel, ok := config.GetFallbackModel(req.Model)
	if !ok {
		return false, nil
	}
	utils.Warn("[Dispatch] %v — falling back from %s to %s (streaming)", cause, req.Model, fallbackModel)
	fallbackReq := *req
	fallbackReq.Model = fallbackModel
	return true, d.streamWithRetry(ctx, &fallbackReq, false, events)
}

// emitEmptyResponseFallback emits a minimal assistant turn so the client
// still gets a well-formed response when every retry came back empty.
func emitEmptyResponseFallback(events chan<- *cloudcode.SSEEvent, model string) {
	messageID := "msg_" + uuid.New().String()[:16]
	events <- &cloudcode.SSEEvent{
		Type: "message_start",
		Message: &anthropic.MessagesResponse{
			ID:      messageID,
			Type:    "message",
			Role:    "assistant",
			Content: []anthropic.ContentBlock{},
			Model:   model,
		},
	}
	events <- &cloudcode.SSEEvent{
		Type:  "content_block_start",
		Index: 0,
		ContentBlock: &anthropic.ContentBlock{
			Type: "text",
			Text: "",
		},
	}
	events <- &cloudcode.SSEEvent{
		Type:  "content_block_delta",
		Index: 0,
		Delta: map[string]interface{}{
			"type": "text_delta",
			"text": "I apologize, but I was unable to generate a response. Please try again.",
		},
	}
	events <- &cloudcode.SSEEvent{Type: "content_block_stop", Index: 0}
	events <- &cloudcode.SSEEvent{
		Type:  "message_delta",
		Delta: map[string]interface{}{"stop_reason": "end_turn"},
	}
	events <- &cloudcode.SSEEvent{Type: "message_stop"}
}
