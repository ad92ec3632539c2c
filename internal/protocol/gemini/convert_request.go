// Package gemini translates the Gemini-native generateContent wire format to
// and from this proxy's internal Anthropic-shaped request/response pipeline,
// the same way internal/protocol/openai does for /v1/chat/completions: the
// dispatcher, translator, and streaming core built for /v1/messages serve
// /v1beta/models/{model}:generateContent too, instead of duplicating
// retry/rotation logic for a third wire format.
//
// internal/format already has the opposite pair (ConvertAnthropicToGoogle/
// ConvertGoogleToAnthropic) for the egress leg that shapes requests for the
// Google-speaking backend and reads its replies; this package reuses
// format's GoogleRequest/GoogleResponse wire types directly since an
// inbound Gemini-native client request is the same JSON shape the backend
// itself accepts.
package gemini

import (
	"encoding/json"

	"github.com/poemonsense/antigravity-proxy-go/internal/format"
	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

// ConvertToAnthropic maps an inbound Gemini-native generateContent request
// onto the Anthropic-shaped request this proxy's translator/dispatcher
// pipeline understands: contents become messages, systemInstruction becomes
// System, and functionDeclarations become Tools.
func ConvertToAnthropic(req *format.GoogleRequest, model string) *anthropic.MessagesRequest {
	out := &anthropic.MessagesRequest{
		Model: model,
	}

	if req.SystemInstruction != nil {
		if text := joinPartText(req.SystemInstruction.Parts); text != "" {
			out.System = text
		}
	}

	out.Messages = make([]anthropic.Message, 0, len(req.Contents))
	for _, content := range req.Contents {
		out.Messages = append(out.Messages, contentToMessage(content))
	}

	if req.GenerationConfig != nil {
		gc := req.GenerationConfig
		if gc.MaxOutputTokens > 0 {
			out.MaxTokens = gc.MaxOutputTokens
		}
		if gc.Temperature != nil {
			out.Temperature = gc.Temperature
		}
		if gc.TopP != nil {
			out.TopP = gc.TopP
		}
		if gc.TopK != nil {
			out.TopK = gc.TopK
		}
		if len(gc.StopSequences) > 0 {
			out.StopSequences = gc.StopSequences
		}
		if tc := gc.ThinkingConfig; tc != nil {
			budget := tc.ThinkingBudget
			if budget == 0 {
				budget = tc.ThinkingBudgetGemini
			}
			if tc.IncludeThoughts || tc.IncludeThoughtsGemini || budget > 0 {
				out.Thinking = &anthropic.ThinkingConfig{Type: "enabled", BudgetTokens: budget}
			}
		}
	}

	if out.MaxTokens == 0 {
		out.MaxTokens = 4096
	}

	if len(req.Tools) > 0 {
		for _, t := range req.Tools {
			for _, fn := range t.FunctionDeclarations {
				out.Tools = append(out.Tools, functionDeclToTool(fn))
			}
		}
	}

	return out
}

func functionDeclToTool(fn format.FunctionDeclaration) anthropic.Tool {
	schema := fn.Parameters
	if schema == nil {
		schema = map[string]interface{}{"type": "object"}
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		raw = []byte(`{"type":"object"}`)
	}
	return anthropic.Tool{
		Name:        fn.Name,
		Description: fn.Description,
		InputSchema: raw,
	}
}

// contentToMessage converts one GoogleContent turn into an Anthropic
// message, mapping "model" back onto "assistant" (the reverse of
// format.ConvertRole) and functionCall/functionResponse parts onto
// tool_use/tool_result blocks.
func contentToMessage(content format.GoogleContent) anthropic.Message {
	role := "user"
	if content.Role == "model" {
		role = "assistant"
	}

	blocks := make([]anthropic.ContentBlock, 0, len(content.Parts))
	for _, part := range content.Parts {
		switch {
		case part.FunctionCall != nil:
			args, _ := json.Marshal(part.FunctionCall.Args)
			if len(args) == 0 {
				args = []byte("{}")
			}
			blocks = append(blocks, anthropic.ContentBlock{
				Type:  "tool_use",
				ID:    part.FunctionCall.ID,
				Name:  part.FunctionCall.Name,
				Input: args,
			})
		case part.FunctionResponse != nil:
			blocks = append(blocks, anthropic.ContentBlock{
				Type:      "tool_result",
				ToolUseID: part.FunctionResponse.Name,
				Content:   functionResponseText(part.FunctionResponse),
			})
		case part.InlineData != nil:
			blocks = append(blocks, anthropic.ContentBlock{
				Type: "image",
				Source: &anthropic.ImageSource{
					Type:      "base64",
					MediaType: part.InlineData.MimeType,
					Data:      part.InlineData.Data,
				},
			})
		case part.Thought:
			blocks = append(blocks, anthropic.ContentBlock{
				Type:             "thinking",
				Thinking:         part.Text,
				ThoughtSignature: part.ThoughtSignature,
			})
		case part.Text != "":
			blocks = append(blocks, anthropic.ContentBlock{Type: "text", Text: part.Text})
		}
	}

	if len(blocks) == 0 {
		blocks = append(blocks, anthropic.ContentBlock{Type: "text", Text: ""})
	}

	return anthropic.Message{Role: role, Content: blocks}
}

func functionResponseText(fr *format.FunctionResponse) string {
	if fr.Response == nil {
		return ""
	}
	if result, ok := fr.Response["result"].(string); ok {
		return result
	}
	raw, err := json.Marshal(fr.Response)
	if err != nil {
		return ""
	}
	return string(raw)
}

func joinPartText(parts []format.GooglePart) string {
	var out string
	for i, p := range parts {
		if p.Text == "" {
			continue
		}
		if i > 0 && out != "" {
			out += "\n\n"
		}
		out += p.Text
	}
	return out
}
