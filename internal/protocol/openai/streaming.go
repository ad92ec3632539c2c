package openai

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/poemonsense/antigravity-proxy-go/internal/cloudcode"
)

// StreamChatCompletionChunks reads this proxy's internal Anthropic-shaped SSE
// events and re-encodes them as OpenAI chat.completion.chunk `data:` lines,
// ending with the `data: [DONE]` sentinel. When codexEvents is true, completed
// tool_use blocks additionally surface as response.output_item.added/done
// events (local_shell_call/web_search_call/function_call), the event
// vocabulary Codex-style clients expect alongside the plain chunk stream.
func StreamChatCompletionChunks(events <-chan *cloudcode.SSEEvent, model string, codexEvents bool) <-chan []byte {
	out := make(chan []byte, 100)

	go func() {
		defer close(out)

		id := "chatcmpl-" + generateStreamHexID(24)
		created := time.Now().Unix()

		toolIndex := -1
		var currentBlockType, currentToolID, currentToolName, toolArgsBuf string

		emit := func(delta Delta, finish *string) {
			chunk := StreamChunk{
				ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
				Choices: []Choice{{Index: 0, Delta: &delta, FinishReason: finish}},
			}
			raw, err := json.Marshal(chunk)
			if err != nil {
				return
			}
			out <- append([]byte("data: "), append(raw, '\n', '\n')...)
		}

		for ev := range events {
			switch ev.Type {
			case "message_start":
				emit(Delta{Role: "assistant"}, nil)

			case "content_block_start":
				if ev.ContentBlock == nil {
					continue
				}
				currentBlockType = ev.ContentBlock.Type
				if currentBlockType == "tool_use" {
					toolIndex++
					currentToolID = ev.ContentBlock.ID
					currentToolName = ev.ContentBlock.Name
					toolArgsBuf = ""
					idx := toolIndex
					emit(Delta{ToolCalls: []ToolCall{{
						Index: &idx, ID: currentToolID, Type: "function",
						Function: FunctionCallData{Name: currentToolName, Arguments: ""},
					}}}, nil)
					if codexEvents {
						emitToolCallEvent(out, "response.output_item.added", currentToolName, "{}", currentToolID)
					}
				}

			case "content_block_delta":
				switch ev.Delta["type"] {
				case "text_delta":
					if text, ok := ev.Delta["text"].(string); ok {
						emit(Delta{Content: text}, nil)
					}
				case "thinking_delta":
					if thinking, ok := ev.Delta["thinking"].(string); ok {
						emit(Delta{ReasoningContent: thinking}, nil)
					}
				case "input_json_delta":
					if frag, ok := ev.Delta["partial_json"].(string); ok {
						toolArgsBuf += frag
						idx := toolIndex
						emit(Delta{ToolCalls: []ToolCall{{
							Index:    &idx,
							Function: FunctionCallData{Arguments: frag},
						}}}, nil)
					}
				}

			case "content_block_stop":
				if currentBlockType == "tool_use" && codexEvents {
					args := toolArgsBuf
					if args == "" || !json.Valid([]byte(args)) {
						args = "{}"
					}
					emitToolCallEvent(out, "response.output_item.done", currentToolName, args, currentToolID)
				}
				currentBlockType = ""

			case "message_delta":
				if reason, ok := ev.Delta["stop_reason"].(string); ok {
					emit(Delta{}, finishReasonFromStopReason(reason))
				}

			case "message_stop":
				out <- []byte("data: [DONE]\n\n")
			}
		}
	}()

	return out
}

// emitToolCallEvent writes a Codex-style response.output_item.{added,done}
// event for a function call, mirroring generate_item_added_event/
// generate_item_done_event: shell/local_shell calls get an exec action,
// googleSearch/web_search/google_search calls get a search action,
// everything else is a bare function_call item.
func emitToolCallEvent(out chan<- []byte, eventType, name, argsJSON, callID string) {
	var item map[string]interface{}

	switch name {
	case "shell", "local_shell":
		item = map[string]interface{}{
			"type": "local_shell_call", "status": "in_progress", "call_id": callID,
			"action": map[string]interface{}{"type": "exec", "command": shellCommandFromArgs(argsJSON)},
		}
	case "googleSearch", "web_search", "google_search":
		item = map[string]interface{}{
			"type": "web_search_call", "status": "in_progress", "call_id": callID,
			"action": map[string]interface{}{"type": "search", "query": searchQueryFromArgs(argsJSON)},
		}
	default:
		item = map[string]interface{}{
			"type": "function_call", "name": name, "arguments": argsJSON, "call_id": callID,
		}
	}

	raw, err := json.Marshal(map[string]interface{}{"type": eventType, "item": item})
	if err != nil {
		return
	}
	out <- append([]byte("data: "), append(raw, '\n', '\n')...)
}

// shellCommandFromArgs accepts either `{"command": [...]}` or
// `{"command": "..."}` tool-call argument shapes.
func shellCommandFromArgs(argsJSON string) []string {
	var args struct {
		Command []string `json:"command"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err == nil && len(args.Command) > 0 {
		return args.Command
	}
	var single struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &single); err == nil && single.Command != "" {
		return []string{single.Command}
	}
	return []string{"true"}
}

func searchQueryFromArgs(argsJSON string) string {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err == nil {
		return args.Query
	}
	return ""
}

func generateStreamHexID(length int) string {
	b := make([]byte, length/2)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
