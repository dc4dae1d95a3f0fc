package analysis

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

const (
	// truncatedContentNotice is appended to a message whose text had to be
	// cut to fit the budget.
	truncatedContentNotice = "…[CONTENT TRUNCATED]…"
	// truncationMarker replaces the dropped middle of a conversation.
	truncationMarker = "[…conversation truncated…]"

	// charsPerTokenEstimate sizes the first character-level cut before the
	// tokenizer verifies it.
	charsPerTokenEstimate = 12

	// perMessageOverhead approximates the role and framing tokens each turn
	// adds on top of its content.
	perMessageOverhead = 4
)

// Truncator fits transcripts under the analysis model's prompt budget while
// preserving the head and tail of the conversation.
type Truncator struct {
	codec     tokenizer.Codec
	maxTokens int
	head      int
	tail      int
}

// NewTruncator builds a truncator over the cl100k vocabulary, a close enough
// stand-in for the analysis model's own tokenizer given the safety margin in
// the budget.
func NewTruncator(maxTokens, head, tail int) (*Truncator, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	return &Truncator{codec: codec, maxTokens: maxTokens, head: head, tail: tail}, nil
}

// CountTokens returns the token count of text.
func (t *Truncator) CountTokens(text string) int {
	ids, _, err := t.codec.Encode(text)
	if err != nil {
		// Encoding only fails on invalid UTF-8; fall back to the estimate.
		return len(text) / charsPerTokenEstimate
	}
	return len(ids)
}

func (t *Truncator) messageTokens(m TranscriptMessage) int {
	return t.CountTokens(m.Content) + perMessageOverhead
}

func (t *Truncator) totalTokens(msgs []TranscriptMessage) int {
	total := 0
	for _, m := range msgs {
		total += t.messageTokens(m)
	}
	return total
}

// Truncate returns the transcript fitted under the budget and whether
// anything was cut. Untouched transcripts are returned as-is.
func (t *Truncator) Truncate(msgs []TranscriptMessage) ([]TranscriptMessage, bool) {
	if t.totalTokens(msgs) <= t.maxTokens {
		return msgs, false
	}

	marker := TranscriptMessage{Role: "user", Content: truncationMarker}

	headEnd := t.head
	if headEnd > len(msgs) {
		headEnd = len(msgs)
	}
	head := msgs[:headEnd]

	tailStart := len(msgs) - t.tail
	if tailStart < headEnd {
		tailStart = headEnd
	}
	tail := msgs[tailStart:]

	// Budget left for the tail after the head and the marker.
	budget := t.maxTokens - t.totalTokens(head) - t.messageTokens(marker)
	if budget < 0 {
		// Head alone blows the budget; keep only the tail.
		head = nil
		budget = t.maxTokens - t.messageTokens(marker)
	}

	for len(tail) > 0 && t.totalTokens(tail) > budget {
		tail = tail[1:]
	}

	if len(tail) == 0 {
		// Even a single tail message exceeds the budget; keep the final
		// message with its content cut down.
		last := msgs[len(msgs)-1]
		last.Content = t.truncateText(last.Content, budget-perMessageOverhead)
		tail = []TranscriptMessage{last}
	}

	out := make([]TranscriptMessage, 0, len(head)+1+len(tail))
	out = append(out, head...)
	out = append(out, marker)
	out = append(out, tail...)
	return out, true
}

// truncateText cuts text so that it plus the truncation notice fits in
// budgetTokens. The first cut uses the character estimate; the tokenizer then
// verifies and shrinks further if needed.
func (t *Truncator) truncateText(text string, budgetTokens int) string {
	if budgetTokens < 1 {
		budgetTokens = 1
	}

	runes := []rune(text)
	keep := budgetTokens * charsPerTokenEstimate
	if keep > len(runes) {
		keep = len(runes)
	}

	for keep > 0 {
		candidate := string(runes[:keep]) + truncatedContentNotice
		if t.CountTokens(candidate) <= budgetTokens {
			return candidate
		}
		keep = keep * 3 / 4
	}
	return truncatedContentNotice
}
