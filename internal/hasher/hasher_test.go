package hasher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenlabs/claude-nexus/internal/anthropic"
)

func parseMessages(t *testing.T, body string) []anthropic.Message {
	t.Helper()
	req, err := anthropic.ParseMessagesRequest([]byte(body))
	require.NoError(t, err)
	return req.Messages
}

func TestMessageHashIgnoresContentFormat(t *testing.T) {
	asString := parseMessages(t, `{"messages":[{"role":"user","content":"hello world"}]}`)
	asBlocks := parseMessages(t, `{"messages":[{"role":"user","content":[{"type":"text","text":"hello world"}]}]}`)

	assert.Equal(t, MessageHash(asString), MessageHash(asBlocks))
}

func TestMessageHashIgnoresSystemReminders(t *testing.T) {
	plain := parseMessages(t, `{"messages":[{"role":"user","content":"fix the test"}]}`)
	reminded := parseMessages(t, `{"messages":[{"role":"user","content":"<system-reminder>internal note</system-reminder>fix the test"}]}`)
	padded := parseMessages(t, `{"messages":[{"role":"user","content":"  fix the test\n"}]}`)

	assert.Equal(t, MessageHash(plain), MessageHash(reminded))
	assert.Equal(t, MessageHash(plain), MessageHash(padded))
}

func TestMessageHashDropsEmptyTextBlocks(t *testing.T) {
	bare := parseMessages(t, `{"messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`)
	withEmpty := parseMessages(t, `{"messages":[{"role":"user","content":[{"type":"text","text":"hi"},{"type":"text","text":"   "}]}]}`)

	assert.Equal(t, MessageHash(bare), MessageHash(withEmpty))
}

func TestMessageHashDedupesAdjacentToolResults(t *testing.T) {
	single := parseMessages(t, `{"messages":[{"role":"user","content":[
		{"type":"tool_result","tool_use_id":"tu_1","content":"ok"}]}]}`)
	doubled := parseMessages(t, `{"messages":[{"role":"user","content":[
		{"type":"tool_result","tool_use_id":"tu_1","content":"ok"},
		{"type":"tool_result","tool_use_id":"tu_1","content":"ok"}]}]}`)
	distinct := parseMessages(t, `{"messages":[{"role":"user","content":[
		{"type":"tool_result","tool_use_id":"tu_1","content":"ok"},
		{"type":"tool_result","tool_use_id":"tu_2","content":"ok"}]}]}`)

	assert.Equal(t, MessageHash(single), MessageHash(doubled))
	assert.NotEqual(t, MessageHash(single), MessageHash(distinct))
}

func TestMessageHashSensitiveToRoleAndOrder(t *testing.T) {
	a := parseMessages(t, `{"messages":[{"role":"user","content":"x"},{"role":"assistant","content":"y"}]}`)
	b := parseMessages(t, `{"messages":[{"role":"assistant","content":"x"},{"role":"user","content":"y"}]}`)

	assert.NotEqual(t, MessageHash(a), MessageHash(b))
}

func TestParentHash(t *testing.T) {
	one := parseMessages(t, `{"messages":[{"role":"user","content":"first"}]}`)
	two := parseMessages(t, `{"messages":[{"role":"user","content":"first"},{"role":"assistant","content":"reply"}]}`)

	assert.Empty(t, ParentHash(one))
	assert.Equal(t, MessageHash(one), ParentHash(two))
}

func TestSystemHashFormats(t *testing.T) {
	var none anthropic.SystemPrompt
	assert.Empty(t, SystemHash(none))

	reqStr, err := anthropic.ParseMessagesRequest([]byte(`{"system":"be terse","messages":[]}`))
	require.NoError(t, err)
	reqBlocks, err := anthropic.ParseMessagesRequest([]byte(`{"system":[{"type":"text","text":"be terse","cache_control":{"type":"ephemeral"}}],"messages":[]}`))
	require.NoError(t, err)

	assert.NotEmpty(t, SystemHash(reqStr.System))
	assert.Equal(t, SystemHash(reqStr.System), SystemHash(reqBlocks.System))
}

func TestStripSystemReminders(t *testing.T) {
	assert.Equal(t, "ab", StripSystemReminders("a<system-reminder>x</system-reminder>b"))
	assert.Equal(t, "ab", StripSystemReminders("<system-reminder>1</system-reminder>a<system-reminder>2</system-reminder>b"))
	assert.Equal(t, "a<system-reminder>open", StripSystemReminders("a<system-reminder>open"))
	assert.Equal(t, "plain", StripSystemReminders("plain"))
}
