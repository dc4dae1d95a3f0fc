// Package anthropic models the subset of the Claude Messages API the proxy
// inspects. Request and response bodies are open-ended; every parsed block
// keeps its raw bytes so bodies serialize back unchanged.
package anthropic

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Block type constants for the finite set the proxy understands. Anything
// else round-trips through the Unknown raw bytes.
const (
	BlockTypeText       = "text"
	BlockTypeImage      = "image"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
)

// TaskToolName is the tool whose invocations spawn sub-task conversations.
const TaskToolName = "Task"

// ContentBlock is one element of a message's content array.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`

	// Raw preserves the original bytes, including fields outside the known
	// set, so re-serialization is byte-faithful.
	Raw json.RawMessage `json:"-"`
}

func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	type alias ContentBlock
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*b = ContentBlock(a)
	b.Raw = append(json.RawMessage(nil), data...)
	return nil
}

func (b ContentBlock) MarshalJSON() ([]byte, error) {
	if len(b.Raw) > 0 {
		return b.Raw, nil
	}
	type alias ContentBlock
	return json.Marshal(alias(b))
}

// MessageContent is either a plain string or an array of content blocks.
type MessageContent struct {
	Blocks   []ContentBlock
	IsString bool
}

func (mc *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		mc.IsString = true
		mc.Blocks = []ContentBlock{{Type: BlockTypeText, Text: s}}
		return nil
	}
	mc.IsString = false
	return json.Unmarshal(trimmed, &mc.Blocks)
}

func (mc MessageContent) MarshalJSON() ([]byte, error) {
	if mc.IsString {
		text := ""
		if len(mc.Blocks) > 0 {
			text = mc.Blocks[0].Text
		}
		return json.Marshal(text)
	}
	return json.Marshal(mc.Blocks)
}

// Message is one turn of a conversation.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// Text returns the concatenated text content of the message.
func (m Message) Text() string {
	var sb strings.Builder
	for _, b := range m.Content.Blocks {
		if b.Type == BlockTypeText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// SystemBlock is one element of an array-form system prompt.
type SystemBlock struct {
	Type         string          `json:"type"`
	Text         string          `json:"text"`
	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

// SystemPrompt is either a plain string or an array of system blocks.
type SystemPrompt struct {
	Blocks   []SystemBlock
	IsString bool
	Present  bool
}

func (sp *SystemPrompt) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if string(trimmed) == "null" {
		return nil
	}
	sp.Present = true
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		sp.IsString = true
		sp.Blocks = []SystemBlock{{Type: BlockTypeText, Text: s}}
		return nil
	}
	sp.IsString = false
	return json.Unmarshal(trimmed, &sp.Blocks)
}

func (sp SystemPrompt) MarshalJSON() ([]byte, error) {
	if !sp.Present {
		return []byte("null"), nil
	}
	if sp.IsString {
		text := ""
		if len(sp.Blocks) > 0 {
			text = sp.Blocks[0].Text
		}
		return json.Marshal(text)
	}
	return json.Marshal(sp.Blocks)
}

// Text returns the concatenated text of all system blocks, cache_control
// stripped.
func (sp SystemPrompt) Text() string {
	var sb strings.Builder
	for _, b := range sp.Blocks {
		sb.WriteString(b.Text)
	}
	return sb.String()
}

// BlockCount reports how many system blocks the prompt carries. A string
// prompt counts as one.
func (sp SystemPrompt) BlockCount() int {
	if !sp.Present {
		return 0
	}
	return len(sp.Blocks)
}

// MessagesRequest is the parsed view of a POST /v1/messages body.
type MessagesRequest struct {
	Model     string       `json:"model"`
	Messages  []Message    `json:"messages"`
	System    SystemPrompt `json:"system,omitempty"`
	Stream    bool         `json:"stream,omitempty"`
	MaxTokens int          `json:"max_tokens,omitempty"`
}

// ParseMessagesRequest parses the fields the proxy inspects. The original
// body bytes are forwarded upstream untouched; this view is for hashing,
// classification, and linking only.
func ParseMessagesRequest(body []byte) (*MessagesRequest, error) {
	var req MessagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// Usage is the token accounting block returned by the upstream.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// Total returns the combined token count.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// MessagesResponse is the parsed view of a non-streaming response body.
type MessagesResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      *Usage         `json:"usage"`
}

// ParseMessagesResponse parses a response body. Returns nil without error on
// bodies that are not a messages response (error payloads).
func ParseMessagesResponse(body []byte) (*MessagesResponse, error) {
	var resp MessagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Text returns the concatenated text content of the response.
func (r *MessagesResponse) Text() string {
	var sb strings.Builder
	for _, b := range r.Content {
		if b.Type == BlockTypeText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// TaskInvocation records a Task tool_use block found in a response.
type TaskInvocation struct {
	ToolID string `json:"tool_id"`
	Prompt string `json:"prompt"`
}

// ExtractTaskInvocations scans content blocks for Task tool invocations and
// returns their prompts in order of appearance.
func ExtractTaskInvocations(blocks []ContentBlock) []TaskInvocation {
	var out []TaskInvocation
	for _, b := range blocks {
		if b.Type != BlockTypeToolUse || b.Name != TaskToolName {
			continue
		}
		var input struct {
			Prompt string `json:"prompt"`
		}
		if err := json.Unmarshal(b.Input, &input); err != nil || input.Prompt == "" {
			continue
		}
		out = append(out, TaskInvocation{ToolID: b.ID, Prompt: input.Prompt})
	}
	return out
}
