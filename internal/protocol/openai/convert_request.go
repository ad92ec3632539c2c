package openai

import (
	"encoding/json"
	"strings"

	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

// ConvertToAnthropic maps an OpenAI chat-completions request onto the
// Anthropic-shaped request this proxy's translator/dispatcher pipeline
// already understands: system messages collapse into System, tool_calls
// become tool_use blocks, and tool/function-role messages become
// tool_result blocks, mirroring the role remapping in
// transform_message/transform_tool_calls/transform_tool_response but
// targeting Anthropic's content-block vocabulary instead of Google's.
func ConvertToAnthropic(req *ChatCompletionRequest) *anthropic.MessagesRequest {
	out := &anthropic.MessagesRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
		TopP:        req.TopP,
		Temperature: req.Temperature,
	}
	if len(req.Stop) > 0 {
		out.StopSequences = req.Stop
	}

	var systemParts []string
	var messages []anthropic.Message

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system", "developer":
			if text := msg.Content.Text; text != "" {
				systemParts = append(systemParts, text)
			}
		case "tool", "function":
			messages = append(messages, toolResultMessage(msg))
		default:
			messages = append(messages, chatMessage(msg))
		}
	}

	if len(systemParts) > 0 {
		out.System = strings.Join(systemParts, "\n\n")
	}

	out.Messages = mergeConsecutiveRoles(messages)

	if len(req.Tools) > 0 {
		out.Tools = make([]anthropic.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			schema, _ := json.Marshal(t.Function.Parameters)
			out.Tools = append(out.Tools, anthropic.Tool{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				InputSchema: schema,
			})
		}
	}

	if config.IsThinkingModel(req.Model) && req.ReasoningEffort != "" {
		out.Thinking = &anthropic.ThinkingConfig{
			Type:         "enabled",
			BudgetTokens: reasoningEffortBudget(req.ReasoningEffort),
		}
	}

	return out
}

// reasoningEffortBudget maps OpenAI's coarse low/medium/high knob onto a
// concrete thinking-token budget for the underlying thinking-capable model.
func reasoningEffortBudget(effort string) int {
	switch effort {
	case "low":
		return 4096
	case "high":
		return 32768
	default:
		return 16000
	}
}

// chatMessage converts a user/assistant message, folding tool_calls into
// trailing tool_use blocks.
func chatMessage(msg Message) anthropic.Message {
	var blocks []anthropic.ContentBlock

	if msg.Content.IsArray() {
		for _, part := range msg.Content.Parts {
			if block, ok := contentPartToBlock(part); ok {
				blocks = append(blocks, block)
			}
		}
	} else if text := msg.Content.Text; text != "" {
		blocks = append(blocks, anthropic.ContentBlock{Type: "text", Text: text})
	}

	for _, tc := range msg.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage("{}")
		}
		blocks = append(blocks, anthropic.ContentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: args,
		})
	}

	if len(blocks) == 0 {
		blocks = append(blocks, anthropic.ContentBlock{Type: "text", Text: ""})
	}

	return anthropic.Message{Role: msg.Role, Content: blocks}
}

// toolResultMessage converts a tool/function-role message into a user
// message carrying a single tool_result block, the shape the translator's
// downstream (functionResponse) conversion already expects.
func toolResultMessage(msg Message) anthropic.Message {
	var text string
	if msg.Content.IsArray() {
		var parts []string
		for _, p := range msg.Content.Parts {
			if p.Type == "text" {
				parts = append(parts, p.Text)
			}
		}
		text = strings.Join(parts, "\n")
	} else {
		text = msg.Content.Text
	}

	return anthropic.Message{
		Role: "user",
		Content: []anthropic.ContentBlock{{
			Type:      "tool_result",
			ToolUseID: msg.ToolCallID,
			Content:   text,
		}},
	}
}

// contentPartToBlock converts one OpenAI content-part (text or image_url)
// into an Anthropic content block, mirroring transform_content_block's
// data:/http split but trimmed to the shapes this proxy accepts inline
// (no local filesystem reads — handler-body file access is out of scope).
func contentPartToBlock(part ContentPart) (anthropic.ContentBlock, bool) {
	switch part.Type {
	case "text":
		if part.Text == "" {
			return anthropic.ContentBlock{}, false
		}
		return anthropic.ContentBlock{Type: "text", Text: part.Text}, true
	case "image_url":
		if part.ImageURL == nil {
			return anthropic.ContentBlock{}, false
		}
		url := part.ImageURL.URL
		if strings.HasPrefix(url, "data:") {
			comma := strings.IndexByte(url, ',')
			if comma < 0 {
				return anthropic.ContentBlock{}, false
			}
			mimePart := url[5:comma]
			mediaType := mimePart
			if semi := strings.IndexByte(mimePart, ';'); semi >= 0 {
				mediaType = mimePart[:semi]
			}
			return anthropic.ContentBlock{
				Type: "image",
				Source: &anthropic.ImageSource{
					Type:      "base64",
					MediaType: mediaType,
					Data:      url[comma+1:],
				},
			}, true
		}
		return anthropic.ContentBlock{
			Type: "image",
			Source: &anthropic.ImageSource{
				Type: "url",
				URL:  url,
			},
		}, true
	default:
		return anthropic.ContentBlock{}, false
	}
}

// mergeConsecutiveRoles folds adjacent same-role messages into one, the
// same normalization merge_consecutive_roles applies after tool-role
// messages have been rewritten to "user" and may now sit next to a real
// user turn or another tool result.
func mergeConsecutiveRoles(messages []anthropic.Message) []anthropic.Message {
	merged := make([]anthropic.Message, 0, len(messages))
	for _, msg := range messages {
		if n := len(merged); n > 0 && merged[n-1].Role == msg.Role {
			merged[n-1].Content = append(merged[n-1].Content, msg.Content...)
			continue
		}
		merged = append(merged, msg)
	}
	return merged
}
