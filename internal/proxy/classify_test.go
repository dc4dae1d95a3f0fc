package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenlabs/claude-nexus/internal/anthropic"
	"github.com/lumenlabs/claude-nexus/internal/storage"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			"quota probe",
			`{"messages":[{"role":"user","content":"quota"}]}`,
			storage.RequestTypeQuota,
		},
		{
			"quota probe case and whitespace insensitive",
			`{"messages":[{"role":"user","content":" Quota \n"}]}`,
			storage.RequestTypeQuota,
		},
		{
			"no system prompt",
			`{"messages":[{"role":"user","content":"hello"}]}`,
			storage.RequestTypeQuery,
		},
		{
			"single system block",
			`{"system":"you are helpful","messages":[{"role":"user","content":"hello"}]}`,
			storage.RequestTypeQuery,
		},
		{
			"multi block system prompt",
			`{"system":[{"type":"text","text":"a"},{"type":"text","text":"b"}],"messages":[{"role":"user","content":"hello"}]}`,
			storage.RequestTypeInference,
		},
		{
			"quota word inside longer conversation",
			`{"system":[{"type":"text","text":"a"},{"type":"text","text":"b"}],"messages":[{"role":"user","content":"quota"},{"role":"assistant","content":"?"},{"role":"user","content":"more"}]}`,
			storage.RequestTypeInference,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := anthropic.ParseMessagesRequest([]byte(tc.body))
			require.NoError(t, err)
			assert.Equal(t, tc.want, Classify(req))
		})
	}
}
