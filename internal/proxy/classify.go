package proxy

import (
	"strings"

	"github.com/lumenlabs/claude-nexus/internal/anthropic"
	"github.com/lumenlabs/claude-nexus/internal/storage"
)

// Classify labels a request by its shape. Quota probes are a lone user
// message saying "quota"; requests with at most one system block are
// evaluation traffic rather than interactive inference.
func Classify(req *anthropic.MessagesRequest) string {
	if len(req.Messages) == 1 && req.Messages[0].Role == "user" &&
		strings.EqualFold(strings.TrimSpace(req.Messages[0].Text()), "quota") {
		return storage.RequestTypeQuota
	}
	if req.System.BlockCount() <= 1 {
		return storage.RequestTypeQuery
	}
	return storage.RequestTypeInference
}
