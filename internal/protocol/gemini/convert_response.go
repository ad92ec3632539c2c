package gemini

import (
	"encoding/json"

	"github.com/poemonsense/antigravity-proxy-go/internal/format"
	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

// ConvertFromAnthropic maps this proxy's Anthropic-shaped response back onto
// the Gemini-native generateContent reply shape: content blocks become
// candidate parts and stop_reason is remapped to Gemini's finishReason
// vocabulary, the mirror image of format.ConvertGoogleToAnthropic.
func ConvertFromAnthropic(resp *anthropic.MessagesResponse) *format.GoogleResponse {
	parts := make([]format.ResponsePart, 0, len(resp.Content))
	hasToolCalls := false

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			parts = append(parts, format.ResponsePart{Text: block.Text})
		case "thinking":
			parts = append(parts, format.ResponsePart{
				Text:             block.Thinking,
				Thought:          true,
				ThoughtSignature: block.Signature,
			})
		case "tool_use":
			var args map[string]interface{}
			if len(block.Input) > 0 {
				_ = json.Unmarshal(block.Input, &args)
			}
			parts = append(parts, format.ResponsePart{
				FunctionCall: &format.ResponseFuncCall{
					Name: block.Name,
					Args: args,
					ID:   block.ID,
				},
				ThoughtSignature: block.ThoughtSignature,
			})
			hasToolCalls = true
		case "image":
			if block.Source != nil {
				parts = append(parts, format.ResponsePart{
					InlineData: &format.InlineData{
						MimeType: block.Source.MediaType,
						Data:     block.Source.Data,
					},
				})
			}
		}
	}

	candidate := format.Candidate{
		Content: &format.CandidateContent{
			Role:  "model",
			Parts: parts,
		},
		FinishReason: finishReasonFromStopReason(resp.StopReason, hasToolCalls),
	}

	out := &format.GoogleResponse{
		Candidates: []format.Candidate{candidate},
	}

	if resp.Usage != nil {
		out.UsageMetadata = &format.UsageMetadata{
			PromptTokenCount:        resp.Usage.InputTokens + resp.Usage.CacheReadInputTokens,
			CandidatesTokenCount:    resp.Usage.OutputTokens,
			CachedContentTokenCount: resp.Usage.CacheReadInputTokens,
		}
	}

	return out
}

// finishReasonFromStopReason remaps Anthropic's stop_reason vocabulary onto
// Gemini's finishReason strings.
func finishReasonFromStopReason(stopReason string, hasToolCalls bool) string {
	switch {
	case stopReason == "max_tokens":
		return "MAX_TOKENS"
	case stopReason == "tool_use" || hasToolCalls:
		return "STOP"
	case stopReason == "":
		return ""
	default:
		return "STOP"
	}
}
