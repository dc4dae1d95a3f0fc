package analysis

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTranscript(n int, text string) []TranscriptMessage {
	msgs := make([]TranscriptMessage, n)
	for i := range msgs {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msgs[i] = TranscriptMessage{Role: role, Content: text}
	}
	return msgs
}

func TestTruncatePassesSmallTranscriptsThrough(t *testing.T) {
	tr, err := NewTruncator(10000, 5, 20)
	require.NoError(t, err)

	msgs := buildTranscript(10, "short message")
	out, truncated := tr.Truncate(msgs)
	assert.False(t, truncated)
	assert.Equal(t, msgs, out)
}

func TestTruncateKeepsHeadAndTailUnderBudget(t *testing.T) {
	tr, err := NewTruncator(400, 3, 5)
	require.NoError(t, err)

	filler := strings.Repeat("the quick brown fox jumps over the lazy dog ", 6)
	msgs := buildTranscript(30, filler)

	out, truncated := tr.Truncate(msgs)
	require.True(t, truncated)
	assert.LessOrEqual(t, tr.totalTokens(out), 400)

	// The final message always survives.
	assert.Equal(t, msgs[len(msgs)-1], out[len(out)-1])

	markers := 0
	for _, m := range out {
		if m.Content == truncationMarker {
			markers++
			assert.Equal(t, "user", m.Role)
		}
	}
	assert.Equal(t, 1, markers, "exactly one truncation marker at the cut")
}

func TestTruncateCutsOversizedSingleMessage(t *testing.T) {
	tr, err := NewTruncator(200, 5, 20)
	require.NoError(t, err)

	huge := strings.Repeat("the quick brown fox jumps over the lazy dog ", 500)
	out, truncated := tr.Truncate([]TranscriptMessage{{Role: "user", Content: huge}})
	require.True(t, truncated)

	assert.LessOrEqual(t, tr.totalTokens(out), 200)
	last := out[len(out)-1]
	assert.True(t, strings.HasSuffix(last.Content, truncatedContentNotice))
}
