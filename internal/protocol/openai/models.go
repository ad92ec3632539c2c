// Package openai translates the OpenAI chat-completions wire format to and
// from this proxy's internal Anthropic-shaped request/response pipeline, so
// the dispatcher, translators, and streaming core built for /v1/messages
// serve /v1/chat/completions too.
// This file corresponds to src/format/openai-types.js in the Node.js version.
package openai

import "encoding/json"

// ChatCompletionRequest mirrors POST /v1/chat/completions.
type ChatCompletionRequest struct {
	Model       string         `json:"model"`
	Messages    []Message      `json:"messages"`
	Stream      bool           `json:"stream,omitempty"`
	Tools       []Tool         `json:"tools,omitempty"`
	ToolChoice  any            `json:"tool_choice,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	TopP        *float64       `json:"top_p,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Stop        []string       `json:"stop,omitempty"`
	N           int            `json:"n,omitempty"`
	ReasoningEffort string     `json:"reasoning_effort,omitempty"`
}

// Message is one entry in ChatCompletionRequest.Messages. Content is either
// a plain string or an array of typed content parts, matching the OpenAI
// union; Content.UnmarshalJSON/MarshalJSON handle both shapes.
type Message struct {
	Role             string    `json:"role"`
	Content          Content   `json:"content,omitempty"`
	Name             string    `json:"name,omitempty"`
	ToolCallID       string    `json:"tool_call_id,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	ReasoningContent string    `json:"reasoning_content,omitempty"`
}

// Content holds either a bare string or a slice of ContentPart.
type Content struct {
	Text  string
	Parts []ContentPart
	isSet bool
}

// IsArray reports whether the content was sent as a content-part array.
func (c Content) IsArray() bool { return c.Parts != nil }

// IsEmpty reports whether no content was sent at all (a tool-role message
// with its result carried entirely by ToolCallID, for instance).
func (c Content) IsEmpty() bool { return !c.isSet }

// StringContent builds a plain-string Content value.
func StringContent(text string) Content {
	return Content{Text: text, isSet: true}
}

func (c *Content) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = Content{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = Content{Text: s, isSet: true}
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	*c = Content{Parts: parts, isSet: true}
	return nil
}

func (c Content) MarshalJSON() ([]byte, error) {
	if !c.isSet {
		return []byte("null"), nil
	}
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// ContentPart is one element of an array-form Content: text or image_url.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries either a data: URI or an http(s) image reference.
type ImageURL struct {
	URL string `json:"url"`
}

// Tool declares a function the model may call.
type Tool struct {
	Type     string       `json:"type"`
	Function FunctionDef  `json:"function"`
}

// FunctionDef is the JSON-schema-carrying body of a Tool.
type FunctionDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ToolCall is one function invocation the model produced. Index is only
// populated on streaming deltas, where it disambiguates interleaved
// concurrent tool calls; non-streaming responses never set it.
type ToolCall struct {
	Index    *int             `json:"index,omitempty"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function FunctionCallData `json:"function"`
}

// FunctionCallData holds a tool call's name and raw JSON argument string.
type FunctionCallData struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatCompletionResponse is the non-streaming POST /v1/chat/completions reply.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice is one completion candidate; this proxy only ever returns one (n=1).
type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	Delta        *Delta   `json:"delta,omitempty"`
	FinishReason *string  `json:"finish_reason"`
}

// Usage reports token accounting, renamed from Anthropic's input/output split.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk is one `data:` line of a chat.completion.chunk SSE stream.
type StreamChunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

// Delta is the incremental content of one streaming chunk.
type Delta struct {
	Role             string     `json:"role,omitempty"`
	Content          string     `json:"content,omitempty"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
}

func stringPtr(s string) *string { return &s }
