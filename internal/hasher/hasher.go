// Package hasher produces stable content fingerprints of conversation
// prefixes. Two requests that continue from the same prior state hash to the
// same value regardless of how the client formatted the content.
package hasher

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/lumenlabs/claude-nexus/internal/anthropic"
)

const (
	reminderOpen  = "<system-reminder>"
	reminderClose = "</system-reminder>"
)

// canonicalBlock is the serialized block shape. Field order is fixed; json
// encoding of a struct preserves declaration order, which gives the
// deterministic key order the hash depends on.
type canonicalBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

type canonicalMessage struct {
	Role   string           `json:"role"`
	Blocks []canonicalBlock `json:"blocks"`
}

// MessageHash returns the SHA-256 hex digest of the normalized message list.
func MessageHash(messages []anthropic.Message) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	for _, m := range messages {
		// Encode errors cannot occur for these value types.
		enc.Encode(canonicalize(m)) //nolint:errcheck
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ParentHash returns the hash of the message list minus its last message, or
// "" when the list has one message or fewer.
func ParentHash(messages []anthropic.Message) string {
	if len(messages) <= 1 {
		return ""
	}
	return MessageHash(messages[:len(messages)-1])
}

// SystemHash returns the SHA-256 hex digest of the normalized system prompt,
// or "" when the prompt is absent or empty.
func SystemHash(system anthropic.SystemPrompt) string {
	if !system.Present {
		return ""
	}
	text := system.Text()
	if text == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// canonicalize applies the normalization rules: string content is already a
// single text block after parsing, system-reminder spans are stripped, empty
// text blocks dropped, and adjacent identical tool_result blocks deduplicated.
func canonicalize(m anthropic.Message) canonicalMessage {
	out := canonicalMessage{Role: m.Role}
	var prev *canonicalBlock
	for _, b := range m.Content.Blocks {
		cb := canonicalBlock{
			Type:      b.Type,
			Text:      b.Text,
			ID:        b.ID,
			Name:      b.Name,
			Input:     b.Input,
			ToolUseID: b.ToolUseID,
			Content:   b.Content,
		}
		if cb.Type == anthropic.BlockTypeText {
			cb.Text = strings.TrimSpace(StripSystemReminders(cb.Text))
			if cb.Text == "" {
				continue
			}
		}
		if cb.Type == anthropic.BlockTypeToolResult && prev != nil && sameToolResult(*prev, cb) {
			continue
		}
		out.Blocks = append(out.Blocks, cb)
		prev = &out.Blocks[len(out.Blocks)-1]
	}
	return out
}

func sameToolResult(a, b canonicalBlock) bool {
	return a.Type == anthropic.BlockTypeToolResult &&
		a.ToolUseID == b.ToolUseID &&
		bytes.Equal(a.Content, b.Content)
}

// StripSystemReminders removes every <system-reminder>…</system-reminder>
// span from text. Markers are paired and non-nested; an unterminated opener
// is left in place.
func StripSystemReminders(text string) string {
	if !strings.Contains(text, reminderOpen) {
		return text
	}
	var sb strings.Builder
	for {
		start := strings.Index(text, reminderOpen)
		if start < 0 {
			sb.WriteString(text)
			break
		}
		end := strings.Index(text[start:], reminderClose)
		if end < 0 {
			sb.WriteString(text)
			break
		}
		sb.WriteString(text[:start])
		text = text[start+end+len(reminderClose):]
	}
	return sb.String()
}
