package openai

import (
	"strings"

	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

// ConvertFromAnthropic maps this proxy's Anthropic-shaped response back onto
// the OpenAI chat-completions wire format: text/thinking blocks collapse
// into Content/ReasoningContent, tool_use blocks become tool_calls, and
// stop_reason is remapped to OpenAI's finish_reason vocabulary.
func ConvertFromAnthropic(resp *anthropic.MessagesResponse) *ChatCompletionResponse {
	message := &Message{Role: "assistant"}

	var textParts []string
	var reasoningParts []string
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			textParts = append(textParts, block.Text)
		case "thinking":
			reasoningParts = append(reasoningParts, block.Thinking)
		case "tool_use":
			args := "{}"
			if len(block.Input) > 0 {
				args = string(block.Input)
			}
			message.ToolCalls = append(message.ToolCalls, ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: FunctionCallData{
					Name:      block.Name,
					Arguments: args,
				},
			})
		}
	}

	if len(textParts) > 0 {
		message.Content = StringContent(strings.Join(textParts, ""))
	}
	if len(reasoningParts) > 0 {
		message.ReasoningContent = strings.Join(reasoningParts, "")
	}

	finish := finishReasonFromStopReason(resp.StopReason)

	out := &ChatCompletionResponse{
		ID:      "chatcmpl-" + strings.TrimPrefix(resp.ID, "msg_"),
		Object:  "chat.completion",
		Model:   resp.Model,
		Choices: []Choice{{Index: 0, Message: message, FinishReason: finish}},
	}

	if resp.Usage != nil {
		out.Usage = &Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		}
	}

	return out
}

// finishReasonFromStopReason remaps Anthropic's stop_reason vocabulary onto
// OpenAI's finish_reason strings.
func finishReasonFromStopReason(stopReason string) *string {
	switch stopReason {
	case "max_tokens":
		return stringPtr("length")
	case "tool_use":
		return stringPtr("tool_calls")
	case "":
		return nil
	default:
		return stringPtr("stop")
	}
}
