package openai

import (
	"encoding/json"
	"testing"

	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

func TestContentUnmarshalString(t *testing.T) {
	var c Content
	if err := json.Unmarshal([]byte(`"hello"`), &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c.IsArray() {
		t.Fatal("expected string content, got array")
	}
	if c.Text != "hello" {
		t.Fatalf("got text %q, want hello", c.Text)
	}
}

func TestContentUnmarshalArray(t *testing.T) {
	var c Content
	raw := `[{"type":"text","text":"hi"},{"type":"image_url","image_url":{"url":"https://example.com/x.png"}}]`
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !c.IsArray() {
		t.Fatal("expected array content")
	}
	if len(c.Parts) != 2 {
		t.Fatalf("got %d parts, want 2", len(c.Parts))
	}
}

func TestContentUnmarshalNull(t *testing.T) {
	var c Content
	if err := json.Unmarshal([]byte(`null`), &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !c.IsEmpty() {
		t.Fatal("expected empty content for null")
	}
}

func TestContentMarshalRoundTrip(t *testing.T) {
	c := StringContent("hello")
	raw, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `"hello"` {
		t.Fatalf("got %s, want \"hello\"", raw)
	}

	var empty Content
	raw, err = json.Marshal(empty)
	if err != nil {
		t.Fatalf("marshal empty: %v", err)
	}
	if string(raw) != "null" {
		t.Fatalf("got %s, want null", raw)
	}
}

func TestContentPartToBlockDataURI(t *testing.T) {
	part := ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: "data:image/png;base64,QUJD"}}
	block, ok := contentPartToBlock(part)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if block.Source == nil || block.Source.Type != "base64" || block.Source.MediaType != "image/png" || block.Source.Data != "QUJD" {
		t.Fatalf("unexpected block: %+v", block.Source)
	}
}

func TestContentPartToBlockHTTPURL(t *testing.T) {
	part := ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: "https://example.com/x.png"}}
	block, ok := contentPartToBlock(part)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if block.Source == nil || block.Source.Type != "url" || block.Source.URL != "https://example.com/x.png" {
		t.Fatalf("unexpected block: %+v", block.Source)
	}
}

func TestContentPartToBlockUnsupportedType(t *testing.T) {
	part := ContentPart{Type: "input_audio"}
	if _, ok := contentPartToBlock(part); ok {
		t.Fatal("expected unsupported content part type to be skipped")
	}
}

func TestMergeConsecutiveRoles(t *testing.T) {
	messages := []anthropic.Message{
		{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "a"}}},
		{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "b"}}},
		{Role: "assistant", Content: []anthropic.ContentBlock{{Type: "text", Text: "c"}}},
	}
	merged := mergeConsecutiveRoles(messages)
	if len(merged) != 2 {
		t.Fatalf("got %d messages, want 2", len(merged))
	}
	if len(merged[0].Content) != 2 {
		t.Fatalf("expected the two consecutive user messages' content merged, got %d blocks", len(merged[0].Content))
	}
}

func TestFinishReasonFromStopReason(t *testing.T) {
	cases := map[string]string{
		"max_tokens": "length",
		"tool_use":   "tool_calls",
		"end_turn":   "stop",
		"stop_sequence": "stop",
	}
	for stopReason, want := range cases {
		got := finishReasonFromStopReason(stopReason)
		if got == nil || *got != want {
			t.Fatalf("stop_reason %q: got %v, want %q", stopReason, got, want)
		}
	}
	if got := finishReasonFromStopReason(""); got != nil {
		t.Fatalf("expected nil finish_reason for empty stop_reason, got %v", *got)
	}
}

// TestRoundTripPreservesContentAndRoles covers the translate(OpenAI ->
// upstream -> OpenAI) property: converting a request to the internal
// Anthropic shape and a simulated reply back to OpenAI must preserve
// user-visible text, tool_call ids, and the role sequence (up to the
// adjacent-role merge normalization).
func TestRoundTripPreservesContentAndRoles(t *testing.T) {
	req := &ChatCompletionRequest{
		Model: "claude-3-5-sonnet",
		Messages: []Message{
			{Role: "system", Content: StringContent("be terse")},
			{Role: "user", Content: StringContent("what is the weather in paris?")},
			{
				Role: "assistant",
				ToolCalls: []ToolCall{{
					ID:   "call_abc123",
					Type: "function",
					Function: FunctionCallData{Name: "get_weather", Arguments: `{"city":"paris"}`},
				}},
			},
			{Role: "tool", ToolCallID: "call_abc123", Content: StringContent("18C and cloudy")},
		},
	}

	anthropicReq := ConvertToAnthropic(req)

	if anthropicReq.System != "be terse" {
		t.Fatalf("system content not preserved: got %q", anthropicReq.System)
	}
	if len(anthropicReq.Messages) != 3 {
		t.Fatalf("got %d messages, want 3 (user, assistant-with-tool-call, tool-result-as-user)", len(anthropicReq.Messages))
	}
	wantRoles := []string{"user", "assistant", "user"}
	for i, role := range wantRoles {
		if anthropicReq.Messages[i].Role != role {
			t.Fatalf("message %d: got role %q, want %q", i, anthropicReq.Messages[i].Role, role)
		}
	}

	var toolUseID string
	for _, block := range anthropicReq.Messages[1].Content {
		if block.Type == "tool_use" {
			toolUseID = block.ID
			if block.Name != "get_weather" {
				t.Fatalf("tool name not preserved: got %q", block.Name)
			}
		}
	}
	if toolUseID != "call_abc123" {
		t.Fatalf("tool_use id not preserved: got %q", toolUseID)
	}

	var toolResultID string
	for _, block := range anthropicReq.Messages[2].Content {
		if block.Type == "tool_result" {
			toolResultID = block.ToolUseID
		}
	}
	if toolResultID != "call_abc123" {
		t.Fatalf("tool_result id not preserved: got %q", toolResultID)
	}

	// Simulate an upstream reply carrying the same call id back and forth.
	resp := &anthropic.MessagesResponse{
		ID:    "msg_01abc",
		Model: "claude-3-5-sonnet",
		Role:  "assistant",
		Content: []anthropic.ContentBlock{
			{Type: "text", Text: "It is 18C and cloudy in Paris."},
			{Type: "tool_use", ID: "call_xyz", Name: "get_weather", Input: json.RawMessage(`{"city":"paris"}`)},
		},
		StopReason: "tool_use",
		Usage:      &anthropic.Usage{InputTokens: 10, OutputTokens: 5},
	}

	out := ConvertFromAnthropic(resp)
	if out.Choices[0].Message.Content.Text != "It is 18C and cloudy in Paris." {
		t.Fatalf("response text not preserved: got %q", out.Choices[0].Message.Content.Text)
	}
	if len(out.Choices[0].Message.ToolCalls) != 1 || out.Choices[0].Message.ToolCalls[0].ID != "call_xyz" {
		t.Fatalf("tool call id not preserved through response conversion: %+v", out.Choices[0].Message.ToolCalls)
	}
	if out.Choices[0].FinishReason == nil || *out.Choices[0].FinishReason != "tool_calls" {
		t.Fatalf("expected finish_reason tool_calls, got %v", out.Choices[0].FinishReason)
	}
	if out.Usage == nil || out.Usage.TotalTokens != 15 {
		t.Fatalf("usage not preserved/summed: %+v", out.Usage)
	}
}
