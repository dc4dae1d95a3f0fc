package anthropic

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Stream event types emitted by the Messages API.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
)

// StreamAccumulator rebuilds a MessagesResponse from SSE data lines so
// streamed exchanges can be persisted and scanned like buffered ones. Feed it
// every line of the stream; lines that are not data events are ignored.
type StreamAccumulator struct {
	id         string
	model      string
	role       string
	stopReason string
	usage      Usage
	sawUsage   bool
	complete   bool

	blocks    []ContentBlock
	inputJSON map[int]*bytes.Buffer
}

// NewStreamAccumulator returns an empty accumulator.
func NewStreamAccumulator() *StreamAccumulator {
	return &StreamAccumulator{inputJSON: make(map[int]*bytes.Buffer)}
}

type streamEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message *struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Role  string `json:"role"`
		Usage *Usage `json:"usage"`
	} `json:"message"`
	ContentBlock *ContentBlock `json:"content_block"`
	Delta        *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage *struct {
		OutputTokens             int  `json:"output_tokens"`
		InputTokens              *int `json:"input_tokens"`
		CacheCreationInputTokens *int `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     *int `json:"cache_read_input_tokens"`
	} `json:"usage"`
}

// FeedLine consumes one line of the SSE stream.
func (a *StreamAccumulator) FeedLine(line string) {
	data, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return
	}
	data = strings.TrimSpace(data)
	if data == "" || data == "[DONE]" {
		return
	}

	var ev streamEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return
	}

	switch ev.Type {
	case EventMessageStart:
		if ev.Message != nil {
			a.id = ev.Message.ID
			a.model = ev.Message.Model
			a.role = ev.Message.Role
			if ev.Message.Usage != nil {
				a.usage = *ev.Message.Usage
				a.sawUsage = true
			}
		}

	case EventContentBlockStart:
		if ev.ContentBlock != nil {
			a.ensureIndex(ev.Index)
			block := *ev.ContentBlock
			block.Raw = nil
			a.blocks[ev.Index] = block
		}

	case EventContentBlockDelta:
		if ev.Delta == nil {
			return
		}
		a.ensureIndex(ev.Index)
		switch ev.Delta.Type {
		case "text_delta":
			a.blocks[ev.Index].Text += ev.Delta.Text
		case "input_json_delta":
			buf := a.inputJSON[ev.Index]
			if buf == nil {
				buf = &bytes.Buffer{}
				a.inputJSON[ev.Index] = buf
			}
			buf.WriteString(ev.Delta.PartialJSON)
		}

	case EventContentBlockStop:
		if buf, ok := a.inputJSON[ev.Index]; ok && ev.Index < len(a.blocks) {
			a.blocks[ev.Index].Input = json.RawMessage(buf.Bytes())
			delete(a.inputJSON, ev.Index)
		}

	case EventMessageDelta:
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			a.stopReason = ev.Delta.StopReason
		}
		if ev.Usage != nil {
			a.usage.OutputTokens = ev.Usage.OutputTokens
			if ev.Usage.InputTokens != nil {
				a.usage.InputTokens = *ev.Usage.InputTokens
			}
			if ev.Usage.CacheCreationInputTokens != nil {
				a.usage.CacheCreationInputTokens = *ev.Usage.CacheCreationInputTokens
			}
			if ev.Usage.CacheReadInputTokens != nil {
				a.usage.CacheReadInputTokens = *ev.Usage.CacheReadInputTokens
			}
			a.sawUsage = true
		}

	case EventMessageStop:
		a.complete = true
	}
}

func (a *StreamAccumulator) ensureIndex(i int) {
	for len(a.blocks) <= i {
		a.blocks = append(a.blocks, ContentBlock{})
	}
}

// Complete reports whether a message_stop event arrived.
func (a *StreamAccumulator) Complete() bool {
	return a.complete
}

// Usage returns the accumulated token usage and whether any usage data was
// seen at all.
func (a *StreamAccumulator) Usage() (Usage, bool) {
	return a.usage, a.sawUsage
}

// Response assembles the reconstructed message. Blocks still mid-stream keep
// whatever content arrived before the stream ended.
func (a *StreamAccumulator) Response() *MessagesResponse {
	// Flush partial tool inputs from truncated streams.
	for i, buf := range a.inputJSON {
		if i < len(a.blocks) && json.Valid(buf.Bytes()) {
			a.blocks[i].Input = json.RawMessage(buf.Bytes())
		}
	}

	var usage *Usage
	if a.sawUsage {
		u := a.usage
		usage = &u
	}
	return &MessagesResponse{
		ID:         a.id,
		Type:       "message",
		Role:       a.role,
		Model:      a.model,
		Content:    a.blocks,
		StopReason: a.stopReason,
		Usage:      usage,
	}
}
