package gemini

import (
	"encoding/json"
	"testing"

	"github.com/poemonsense/antigravity-proxy-go/internal/format"
	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

func TestConvertToAnthropicMapsSystemAndRoles(t *testing.T) {
	req := &format.GoogleRequest{
		SystemInstruction: &format.GoogleContent{
			Parts: []format.GooglePart{{Text: "be terse"}},
		},
		Contents: []format.GoogleContent{
			{Role: "user", Parts: []format.GooglePart{{Text: "what is the weather in paris?"}}},
			{Role: "model", Parts: []format.GooglePart{{
				FunctionCall: &format.FunctionCall{Name: "get_weather", Args: map[string]interface{}{"city": "paris"}, ID: "call_1"},
			}}},
			{Role: "user", Parts: []format.GooglePart{{
				FunctionResponse: &format.FunctionResponse{Name: "call_1", Response: map[string]interface{}{"result": "18C and cloudy"}},
			}}},
		},
	}

	out := ConvertToAnthropic(req, "gemini-2.0-flash")

	if out.System != "be terse" {
		t.Fatalf("system not preserved: got %q", out.System)
	}
	if out.Model != "gemini-2.0-flash" {
		t.Fatalf("model not set: got %q", out.Model)
	}
	wantRoles := []string{"user", "assistant", "user"}
	if len(out.Messages) != len(wantRoles) {
		t.Fatalf("got %d messages, want %d", len(out.Messages), len(wantRoles))
	}
	for i, role := range wantRoles {
		if out.Messages[i].Role != role {
			t.Fatalf("message %d: got role %q, want %q", i, out.Messages[i].Role, role)
		}
	}

	var toolUseID string
	for _, block := range out.Messages[1].Content {
		if block.Type == "tool_use" {
			toolUseID = block.ID
			if block.Name != "get_weather" {
				t.Fatalf("tool name not preserved: got %q", block.Name)
			}
		}
	}
	if toolUseID != "call_1" {
		t.Fatalf("tool_use id not preserved: got %q", toolUseID)
	}

	var toolResultID string
	for _, block := range out.Messages[2].Content {
		if block.Type == "tool_result" {
			toolResultID = block.ToolUseID
		}
	}
	if toolResultID != "call_1" {
		t.Fatalf("tool_result id not preserved: got %q", toolResultID)
	}
}

func TestConvertToAnthropicDefaultsMaxTokens(t *testing.T) {
	req := &format.GoogleRequest{
		Contents: []format.GoogleContent{{Role: "user", Parts: []format.GooglePart{{Text: "hi"}}}},
	}
	out := ConvertToAnthropic(req, "gemini-2.0-flash")
	if out.MaxTokens != 4096 {
		t.Fatalf("expected default max_tokens 4096, got %d", out.MaxTokens)
	}
}

func TestConvertToAnthropicMapsThinkingConfig(t *testing.T) {
	req := &format.GoogleRequest{
		Contents: []format.GoogleContent{{Role: "user", Parts: []format.GooglePart{{Text: "hi"}}}},
		GenerationConfig: &format.GenerationConfig{
			ThinkingConfig: &format.ThinkingConfig{IncludeThoughtsGemini: true, ThinkingBudgetGemini: 8192},
		},
	}
	out := ConvertToAnthropic(req, "gemini-2.0-flash")
	if out.Thinking == nil || out.Thinking.BudgetTokens != 8192 {
		t.Fatalf("expected thinking budget 8192, got %+v", out.Thinking)
	}
}

func TestConvertFromAnthropicMapsContentAndFinishReason(t *testing.T) {
	resp := &anthropic.MessagesResponse{
		ID:    "msg_01abc",
		Model: "gemini-2.0-flash",
		Role:  "assistant",
		Content: []anthropic.ContentBlock{
			{Type: "text", Text: "It is 18C and cloudy in Paris."},
			{Type: "tool_use", ID: "call_xyz", Name: "get_weather", Input: json.RawMessage(`{"city":"paris"}`)},
		},
		StopReason: "tool_use",
		Usage:      &anthropic.Usage{InputTokens: 10, OutputTokens: 5},
	}

	out := ConvertFromAnthropic(resp)

	if len(out.Candidates) != 1 {
		t.Fatalf("got %d candidates, want 1", len(out.Candidates))
	}
	cand := out.Candidates[0]
	if cand.FinishReason != "STOP" {
		t.Fatalf("expected STOP finish reason for tool_use, got %q", cand.FinishReason)
	}

	var sawText, sawCall bool
	for _, part := range cand.Content.Parts {
		if part.Text == "It is 18C and cloudy in Paris." {
			sawText = true
		}
		if part.FunctionCall != nil && part.FunctionCall.ID == "call_xyz" && part.FunctionCall.Name == "get_weather" {
			sawCall = true
		}
	}
	if !sawText {
		t.Fatal("response text not preserved")
	}
	if !sawCall {
		t.Fatal("function call id/name not preserved")
	}

	if out.UsageMetadata == nil || out.UsageMetadata.PromptTokenCount != 10 || out.UsageMetadata.CandidatesTokenCount != 5 {
		t.Fatalf("usage not preserved: %+v", out.UsageMetadata)
	}
}

func TestConvertFromAnthropicMaxTokensFinishReason(t *testing.T) {
	resp := &anthropic.MessagesResponse{
		Content:    []anthropic.ContentBlock{{Type: "text", Text: "truncated"}},
		StopReason: "max_tokens",
	}
	out := ConvertFromAnthropic(resp)
	if out.Candidates[0].FinishReason != "MAX_TOKENS" {
		t.Fatalf("expected MAX_TOKENS, got %q", out.Candidates[0].FinishReason)
	}
}
