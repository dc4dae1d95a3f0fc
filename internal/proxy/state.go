package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lumenlabs/claude-nexus/internal/anthropic"
	"github.com/lumenlabs/claude-nexus/internal/logger"
	"github.com/lumenlabs/claude-nexus/internal/metrics"
	"github.com/lumenlabs/claude-nexus/internal/notifications"
	"github.com/lumenlabs/claude-nexus/internal/storage"
	"github.com/lumenlabs/claude-nexus/internal/usage"
)

// finalizeTimeout bounds the storage writes that run after the client side of
// the exchange is already over.
const finalizeTimeout = 30 * time.Second

// requestState carries one exchange through the pipeline and into
// finalization. The upstream tee and the error handler both reach it through
// the handler closure; finalize runs exactly once no matter which path ends
// the exchange.
type requestState struct {
	handler *Handler
	log     *logger.Logger

	requestID   uuid.UUID
	shortID     string
	domain      string
	accountID   string
	model       string
	requestType string
	stored      bool
	start       time.Time

	mu           sync.Mutex
	finalized    bool
	streaming    bool
	status       int
	respHeaders  json.RawMessage
	respBody     json.RawMessage
	respText     string
	usage        anthropic.Usage
	sawUsage     bool
	toolCalls    int
	firstTokenMs *int64
	errMsg       string
	response     *anthropic.MessagesResponse
	chunks       [][]byte
}

// markFirstToken records time to first streamed byte once.
func (st *requestState) markFirstToken() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.firstTokenMs != nil {
		return
	}
	ms := time.Since(st.start).Milliseconds()
	st.firstTokenMs = &ms
	metrics.FirstTokenSeconds.WithLabelValues(st.domain).Observe(time.Since(st.start).Seconds())
}

// appendChunk buffers one raw stream line for persistence at finalization.
func (st *requestState) appendChunk(line []byte) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.chunks = append(st.chunks, append([]byte(nil), line...))
}

// finalize completes the request row, persists buffered chunks, scans for
// Task invocations, records usage, and fires error notifications. Runs at
// most once.
func (st *requestState) finalize() {
	st.mu.Lock()
	if st.finalized {
		st.mu.Unlock()
		return
	}
	st.finalized = true
	st.mu.Unlock()

	elapsed := time.Since(st.start)
	metrics.RequestDuration.WithLabelValues(st.domain).Observe(elapsed.Seconds())
	metrics.RequestsTotal.WithLabelValues(st.domain, st.requestType, statusClass(st.status)).Inc()
	if st.sawUsage {
		metrics.InputTokens.WithLabelValues(st.domain).Add(float64(st.usage.InputTokens))
		metrics.OutputTokens.WithLabelValues(st.domain).Add(float64(st.usage.OutputTokens))
	}

	if st.sawUsage && st.accountID != "" {
		st.handler.tracker.Record(st.accountID, st.usage, time.Now())
	}

	st.logOutcome(elapsed)
	st.notifyOnError()

	if !st.stored {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	rec := &storage.ResponseRecord{
		RequestID:    st.requestID,
		Status:       st.status,
		Headers:      st.respHeaders,
		Body:         st.respBody,
		Streaming:    st.streaming,
		DurationMs:   elapsed.Milliseconds(),
		FirstTokenMs: st.firstTokenMs,
	}
	if st.response != nil {
		rec.Text = st.response.Text()
	} else {
		rec.Text = st.respText
	}
	if st.sawUsage {
		rec.InputTokens = &st.usage.InputTokens
		rec.OutputTokens = &st.usage.OutputTokens
		total := st.usage.Total()
		rec.TotalTokens = &total
		rec.CacheCreationInputTokens = &st.usage.CacheCreationInputTokens
		rec.CacheReadInputTokens = &st.usage.CacheReadInputTokens
	}
	if st.toolCalls > 0 {
		rec.ToolCallCount = &st.toolCalls
	}
	if st.errMsg != "" {
		rec.Error = &st.errMsg
	}

	if err := st.handler.store.StoreResponse(ctx, rec); err != nil {
		st.log.LogError(ctx, err, "failed to store response")
	}

	for i, chunk := range st.chunks {
		err := st.handler.store.StoreChunk(ctx, &storage.Chunk{
			RequestID: st.requestID,
			Index:     i,
			Timestamp: time.Now(),
			Data:      chunk,
		})
		if err != nil {
			st.log.LogError(ctx, err, "failed to store streaming chunk", "chunk_index", i)
			break
		}
	}

	if st.response != nil && st.status == 200 {
		if err := st.handler.store.ProcessTaskToolInvocations(ctx, st.requestID, st.response); err != nil {
			st.log.LogError(ctx, err, "failed to record task invocations")
		}
	}

	if st.status == 429 && st.accountID != "" {
		info := st.rateLimitInfo()
		err := st.handler.store.Writer().UpsertRateLimit(ctx, st.accountID, time.Now(), info.RetryUntil, info.LimitType)
		if err != nil {
			st.log.LogError(ctx, err, "failed to record rate limit hit")
		}
	}
}

// rateLimitInfo classifies a 429 from whatever body was captured.
func (st *requestState) rateLimitInfo() usage.RateLimitInfo {
	info := usage.ParseRateLimit(st.respBody, st.respHeadersAsHTTP(), time.Now())
	metrics.RateLimitHits.WithLabelValues(st.domain, info.LimitType).Inc()
	return info
}

// respHeadersAsHTTP rebuilds enough of the response headers for retry
// parsing.
func (st *requestState) respHeadersAsHTTP() http.Header {
	h := http.Header{}
	if len(st.respHeaders) == 0 {
		return h
	}
	var flat map[string]string
	if err := json.Unmarshal(st.respHeaders, &flat); err != nil {
		return h
	}
	for k, v := range flat {
		h.Set(k, v)
	}
	return h
}

func (st *requestState) logOutcome(elapsed time.Duration) {
	args := []any{
		"status", st.status,
		"type", st.requestType,
		"model", st.model,
		"streaming", st.streaming,
		"duration_ms", elapsed.Milliseconds(),
	}
	if st.firstTokenMs != nil {
		args = append(args, "first_token_ms", *st.firstTokenMs)
	}
	if st.sawUsage {
		args = append(args, "input_tokens", st.usage.InputTokens, "output_tokens", st.usage.OutputTokens)
	}
	if st.errMsg != "" {
		args = append(args, "error", st.errMsg)
	}

	if st.status >= 400 || st.errMsg != "" {
		st.log.Warn("proxy request failed", args...)
	} else {
		st.log.Info("proxy request completed", args...)
	}
}

func (st *requestState) notifyOnError() {
	if st.status < 500 && st.errMsg == "" {
		return
	}
	msg := st.errMsg
	if msg == "" {
		msg = fmt.Sprintf("upstream returned status %d", st.status)
	}
	st.handler.notifier.NotifyError(notifications.ErrorEvent{
		Domain:     st.domain,
		RequestID:  st.shortID,
		Model:      st.model,
		StatusCode: st.status,
		Message:    msg,
		OccurredAt: time.Now(),
	})
}

func statusClass(status int) string {
	if status == 0 {
		return "error"
	}
	return strconv.Itoa(status/100) + "xx"
}
