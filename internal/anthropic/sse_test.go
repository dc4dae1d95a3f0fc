package anthropic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedAll(acc *StreamAccumulator, lines []string) {
	for _, line := range lines {
		acc.FeedLine(line)
	}
}

func TestStreamAccumulatorRebuildsTextMessage(t *testing.T) {
	acc := NewStreamAccumulator()
	feedAll(acc, []string{
		"event: message_start",
		`data: {"type":"message_start","message":{"id":"msg_01","model":"claude-sonnet-4","role":"assistant","usage":{"input_tokens":25,"output_tokens":1}}}`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":", world"}}`,
		`data: {"type":"content_block_stop","index":0}`,
		`data: {"type":"message_delta","delta":{"type":"message_delta","stop_reason":"end_turn"},"usage":{"output_tokens":12}}`,
		`data: {"type":"message_stop"}`,
	})

	assert.True(t, acc.Complete())

	usage, ok := acc.Usage()
	require.True(t, ok)
	assert.Equal(t, 25, usage.InputTokens)
	assert.Equal(t, 12, usage.OutputTokens)

	resp := acc.Response()
	assert.Equal(t, "msg_01", resp.ID)
	assert.Equal(t, "assistant", resp.Role)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, "Hello, world", resp.Text())
}

func TestStreamAccumulatorAssemblesToolInput(t *testing.T) {
	acc := NewStreamAccumulator()
	feedAll(acc, []string{
		`data: {"type":"message_start","message":{"id":"msg_02","role":"assistant"}}`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tu_1","name":"Task"}}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"prompt\":"}}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"scan the repo\"}"}}`,
		`data: {"type":"content_block_stop","index":0}`,
		`data: {"type":"message_stop"}`,
	})

	resp := acc.Response()
	invocations := ExtractTaskInvocations(resp.Content)
	require.Len(t, invocations, 1)
	assert.Equal(t, "tu_1", invocations[0].ToolID)
	assert.Equal(t, "scan the repo", invocations[0].Prompt)
}

func TestStreamAccumulatorTruncatedStream(t *testing.T) {
	acc := NewStreamAccumulator()
	feedAll(acc, []string{
		`data: {"type":"message_start","message":{"id":"msg_03","role":"assistant","usage":{"input_tokens":10,"output_tokens":1}}}`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial answ"}}`,
	})

	assert.False(t, acc.Complete())
	resp := acc.Response()
	assert.Equal(t, "partial answ", resp.Text(), "text that arrived is preserved")
}

func TestStreamAccumulatorIgnoresNoise(t *testing.T) {
	acc := NewStreamAccumulator()
	feedAll(acc, []string{
		"",
		"event: ping",
		`data: {"type":"ping"}`,
		"data: [DONE]",
		"data: not json",
	})
	assert.False(t, acc.Complete())
	_, ok := acc.Usage()
	assert.False(t, ok)
}
