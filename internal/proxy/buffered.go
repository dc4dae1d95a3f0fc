package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/lumenlabs/claude-nexus/internal/anthropic"
)

// tapBuffered captures a non-streaming response body before it is written to
// the client, then finalizes in the background.
func (h *Handler) tapBuffered(resp *http.Response, st *requestState) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBufferedResponseBytes))
	closeErr := resp.Body.Close()
	if err != nil {
		return fmt.Errorf("read upstream response: %w", err)
	}
	if closeErr != nil {
		st.log.Warn("failed to close upstream body", "error", closeErr)
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Set("Content-Length", fmt.Sprint(len(body)))

	st.mu.Lock()
	if json.Valid(body) {
		st.respBody = json.RawMessage(bytes.Clone(body))
	}
	if resp.StatusCode == http.StatusOK {
		if parsed, err := anthropic.ParseMessagesResponse(body); err == nil {
			st.response = parsed
			st.toolCalls = countToolCalls(parsed)
			if parsed.Usage != nil {
				st.usage = *parsed.Usage
				st.sawUsage = true
			}
		} else {
			st.log.Warn("failed to parse upstream response body", "error", err)
		}
	} else {
		st.errMsg = fmt.Sprintf("upstream returned status %d", resp.StatusCode)
	}
	st.mu.Unlock()

	// Finalization writes rows; do not hold up the client response for it.
	go st.finalize()
	return nil
}
