package proxy

import (
	"bufio"
	"io"
	"net/http"

	"github.com/lumenlabs/claude-nexus/internal/anthropic"
)

// scanner buffer sizes: SSE data lines carry whole content deltas and can get
// large on tool-heavy responses.
const (
	scanInitialBuffer = 64 * 1024
	scanMaxBuffer     = 10 * 1024 * 1024
)

// tapStreaming swaps the response body for a pipe and tees the SSE stream:
// bytes flow to the client as they arrive while the accumulator rebuilds the
// message for storage. The goroutine finalizes the exchange even when the
// client goes away mid-stream.
func (h *Handler) tapStreaming(resp *http.Response, st *requestState) error {
	pr, pw := io.Pipe()
	upstream := resp.Body
	resp.Body = pr

	// Chunked streaming; the upstream length is meaningless now.
	resp.Header.Del("Content-Length")

	go func() {
		defer pw.Close()       //nolint:errcheck
		defer upstream.Close() //nolint:errcheck

		defer func() {
			if r := recover(); r != nil {
				st.log.Error("panic in streaming tee", "panic", r)
			}
		}()
		defer st.finalize()

		acc := anthropic.NewStreamAccumulator()
		scanner := bufio.NewScanner(upstream)
		scanner.Buffer(make([]byte, scanInitialBuffer), scanMaxBuffer)

		clientGone := false
		for scanner.Scan() {
			line := scanner.Text()

			if !clientGone {
				if _, err := pw.Write(append([]byte(line), '\n')); err != nil {
					// Keep draining upstream so the stored message is
					// complete even without a client.
					clientGone = true
				}
			}

			// Chunks hold the same bytes the client saw, event lines and
			// separators included, so replaying them in index order
			// rebuilds the exact stream.
			if st.stored {
				st.appendChunk(append([]byte(line), '\n'))
			}

			if line == "" {
				continue
			}

			st.markFirstToken()
			acc.FeedLine(line)
		}

		st.mu.Lock()
		if err := scanner.Err(); err != nil && st.errMsg == "" {
			st.errMsg = "stream read failed: " + err.Error()
		} else if clientGone && st.errMsg == "" {
			st.errMsg = "client disconnected mid-stream"
		} else if !acc.Complete() && st.errMsg == "" && st.status < 400 {
			st.errMsg = "stream ended before message_stop"
		}
		if u, ok := acc.Usage(); ok {
			st.usage = u
			st.sawUsage = true
		}
		st.response = acc.Response()
		st.toolCalls = countToolCalls(st.response)
		st.mu.Unlock()
	}()

	return nil
}

func countToolCalls(resp *anthropic.MessagesResponse) int {
	if resp == nil {
		return 0
	}
	n := 0
	for _, b := range resp.Content {
		if b.Type == anthropic.BlockTypeToolUse {
			n++
		}
	}
	return n
}
