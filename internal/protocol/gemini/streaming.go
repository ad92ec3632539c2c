package gemini

import (
	"encoding/json"

	"github.com/poemonsense/antigravity-proxy-go/internal/cloudcode"
)

// StreamGenerateContentChunks reads this proxy's internal Anthropic-shaped
// SSE events and re-encodes them as streamGenerateContent `data:` lines, one
// GoogleResponse-shaped candidate chunk per event, matching the native
// Gemini SSE convention (alt=sse): no closing sentinel, the channel close is
// the end-of-stream signal.
func StreamGenerateContentChunks(events <-chan *cloudcode.SSEEvent, model string) <-chan []byte {
	out := make(chan []byte, 100)

	go func() {
		defer close(out)

		toolName, toolID, toolArgsBuf := "", "", ""
		inTool := false

		emit := func(part any, finishReason string) {
			candidate := map[string]interface{}{
				"content": map[string]interface{}{
					"role":  "model",
					"parts": []any{part},
				},
			}
			if finishReason != "" {
				candidate["finishReason"] = finishReason
			}
			chunk := map[string]interface{}{
				"candidates": []any{candidate},
				"modelVersion": model,
			}
			raw, err := json.Marshal(chunk)
			if err != nil {
				return
			}
			out <- append([]byte("data: "), append(raw, '\n', '\n')...)
		}

		for ev := range events {
			switch ev.Type {
			case "content_block_start":
				if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
					inTool = true
					toolID = ev.ContentBlock.ID
					toolName = ev.ContentBlock.Name
					toolArgsBuf = ""
				}

			case "content_block_delta":
				switch ev.Delta["type"] {
				case "text_delta":
					if text, ok := ev.Delta["text"].(string); ok {
						emit(map[string]interface{}{"text": text}, "")
					}
				case "thinking_delta":
					if thinking, ok := ev.Delta["thinking"].(string); ok {
						emit(map[string]interface{}{"text": thinking, "thought": true}, "")
					}
				case "input_json_delta":
					if frag, ok := ev.Delta["partial_json"].(string); ok {
						toolArgsBuf += frag
					}
				}

			case "content_block_stop":
				if inTool {
					var args map[string]interface{}
					if json.Valid([]byte(toolArgsBuf)) {
						_ = json.Unmarshal([]byte(toolArgsBuf), &args)
					}
					emit(map[string]interface{}{
						"functionCall": map[string]interface{}{
							"name": toolName,
							"args": args,
							"id":   toolID,
						},
					}, "")
					inTool = false
				}

			case "message_delta":
				if reason, ok := ev.Delta["stop_reason"].(string); ok {
					emit(map[string]interface{}{"text": ""}, geminiFinishReason(reason))
				}
			}
		}
	}()

	return out
}

func geminiFinishReason(stopReason string) string {
	switch stopReason {
	case "max_tokens":
		return "MAX_TOKENS"
	case "":
		return "STOP"
	default:
		return "STOP"
	}
}
