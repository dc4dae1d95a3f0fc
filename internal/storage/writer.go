package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/lumenlabs/claude-nexus/internal/conversation"
	"github.com/lumenlabs/claude-nexus/internal/logger"
)

// Writer executes all SQL against the request store. It implements
// conversation.Store for the linker.
type Writer struct {
	db            *sqlx.DB
	log           *logger.Logger
	debugSQL      bool
	slowThreshold time.Duration
}

// NewWriter wraps the pool. When debugSQL is set every statement is logged;
// otherwise only statements slower than slowThreshold are.
func NewWriter(db *sqlx.DB, log *logger.Logger, debugSQL bool, slowThreshold time.Duration) *Writer {
	return &Writer{
		db:            db,
		log:           log,
		debugSQL:      debugSQL,
		slowThreshold: slowThreshold,
	}
}

// observe logs statement timing per the debug/slow-query settings.
func (w *Writer) observe(ctx context.Context, name string, started time.Time) {
	elapsed := time.Since(started)
	switch {
	case w.debugSQL:
		w.log.DebugContext(ctx, "query executed", "query", name, "duration_ms", elapsed.Milliseconds())
	case w.slowThreshold > 0 && elapsed > w.slowThreshold:
		w.log.WarnContext(ctx, "slow query", "query", name, "duration_ms", elapsed.Milliseconds())
	}
}

// InsertRequest writes the request row before the upstream call is made.
func (w *Writer) InsertRequest(ctx context.Context, rec *RequestRecord) error {
	defer w.observe(ctx, "insert_request", time.Now())

	_, err := w.db.NamedExecContext(ctx, `
		INSERT INTO api_requests (
			request_id, domain, account_id, timestamp, method, path,
			request_headers, request_body, model, request_type,
			current_message_hash, parent_message_hash, system_hash,
			conversation_id, branch_id, message_count,
			parent_request_id, parent_task_request_id, is_subtask, subtask_sequence
		) VALUES (
			:request_id, :domain, :account_id, :timestamp, :method, :path,
			:request_headers, :request_body, :model, :request_type,
			:current_message_hash, :parent_message_hash, :system_hash,
			:conversation_id, :branch_id, :message_count,
			:parent_request_id, :parent_task_request_id, :is_subtask, :subtask_sequence
		)`, rec)
	if err != nil {
		return fmt.Errorf("insert request %s: %w", rec.RequestID, err)
	}
	return nil
}

// UpdateResponse completes the request row after the upstream exchange.
func (w *Writer) UpdateResponse(ctx context.Context, rec *ResponseRecord) error {
	defer w.observe(ctx, "update_response", time.Now())

	res, err := w.db.NamedExecContext(ctx, `
		UPDATE api_requests SET
			response_status = :response_status,
			response_headers = :response_headers,
			response_body = :response_body,
			response_text = :response_text,
			response_streaming = :response_streaming,
			input_tokens = :input_tokens,
			output_tokens = :output_tokens,
			total_tokens = :total_tokens,
			cache_creation_input_tokens = :cache_creation_input_tokens,
			cache_read_input_tokens = :cache_read_input_tokens,
			tool_call_count = :tool_call_count,
			first_token_ms = :first_token_ms,
			duration_ms = :duration_ms,
			error = :error
		WHERE request_id = :request_id`, rec)
	if err != nil {
		return fmt.Errorf("update response %s: %w", rec.RequestID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update response %s: request row not found", rec.RequestID)
	}
	return nil
}

// InsertChunk appends one streaming chunk.
func (w *Writer) InsertChunk(ctx context.Context, chunk *Chunk) error {
	defer w.observe(ctx, "insert_chunk", time.Now())

	_, err := w.db.NamedExecContext(ctx, `
		INSERT INTO streaming_chunks (request_id, chunk_index, timestamp, data, token_count)
		VALUES (:request_id, :chunk_index, :timestamp, :data, :token_count)
		ON CONFLICT (request_id, chunk_index) DO NOTHING`, chunk)
	if err != nil {
		return fmt.Errorf("insert chunk %s/%d: %w", chunk.RequestID, chunk.Index, err)
	}
	return nil
}

// UpdateTaskInvocations records the Task tool calls found in a response on
// the originating request row.
func (w *Writer) UpdateTaskInvocations(ctx context.Context, requestID uuid.UUID, invocations []TaskInvocationRecord) error {
	defer w.observe(ctx, "update_task_invocations", time.Now())

	payload, err := json.Marshal(invocations)
	if err != nil {
		return fmt.Errorf("marshal task invocations: %w", err)
	}
	_, err = w.db.ExecContext(ctx,
		`UPDATE api_requests SET task_tool_invocation = $1 WHERE request_id = $2`,
		payload, requestID)
	if err != nil {
		return fmt.Errorf("update task invocations %s: %w", requestID, err)
	}
	return nil
}

// GetRequest fetches one request row by id.
func (w *Writer) GetRequest(ctx context.Context, requestID uuid.UUID) (*RequestRow, error) {
	defer w.observe(ctx, "get_request", time.Now())

	var row RequestRow
	err := w.db.GetContext(ctx, &row, `
		SELECT request_id, domain, timestamp, model, request_type,
		       response_status, response_streaming,
		       COALESCE(input_tokens, 0) AS input_tokens,
		       COALESCE(output_tokens, 0) AS output_tokens,
		       duration_ms, error,
		       conversation_id, branch_id, parent_request_id, is_subtask
		FROM api_requests WHERE request_id = $1`, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get request %s: %w", requestID, err)
	}
	return &row, nil
}

// RequestRow is the dashboard view of one request.
type RequestRow struct {
	RequestID         uuid.UUID  `db:"request_id" json:"request_id"`
	Domain            string     `db:"domain" json:"domain"`
	Timestamp         time.Time  `db:"timestamp" json:"timestamp"`
	Model             *string    `db:"model" json:"model,omitempty"`
	RequestType       string     `db:"request_type" json:"request_type"`
	ResponseStatus    *int       `db:"response_status" json:"response_status,omitempty"`
	ResponseStreaming bool       `db:"response_streaming" json:"response_streaming"`
	InputTokens       int        `db:"input_tokens" json:"input_tokens"`
	OutputTokens      int        `db:"output_tokens" json:"output_tokens"`
	DurationMs        *int64     `db:"duration_ms" json:"duration_ms,omitempty"`
	Error             *string    `db:"error" json:"error,omitempty"`
	ConversationID    *uuid.UUID `db:"conversation_id" json:"conversation_id,omitempty"`
	BranchID          string     `db:"branch_id" json:"branch_id"`
	ParentRequestID   *uuid.UUID `db:"parent_request_id" json:"parent_request_id,omitempty"`
	IsSubtask         bool       `db:"is_subtask" json:"is_subtask"`
}

// TokenStats aggregates reported usage per domain since the cutoff.
func (w *Writer) TokenStats(ctx context.Context, since time.Time) ([]DomainTokenStats, error) {
	defer w.observe(ctx, "token_stats", time.Now())

	var stats []DomainTokenStats
	err := w.db.SelectContext(ctx, &stats, `
		SELECT domain,
		       COUNT(*) AS request_count,
		       COALESCE(SUM(input_tokens), 0) AS input_tokens,
		       COALESCE(SUM(output_tokens), 0) AS output_tokens,
		       COALESCE(SUM(cache_read_input_tokens), 0) AS cache_read,
		       COALESCE(SUM(cache_creation_input_tokens), 0) AS cache_write
		FROM api_requests
		WHERE timestamp >= $1
		GROUP BY domain
		ORDER BY domain`, since)
	if err != nil {
		return nil, fmt.Errorf("token stats: %w", err)
	}
	return stats, nil
}

// UpsertRateLimit records one upstream 429 against the account summary.
func (w *Writer) UpsertRateLimit(ctx context.Context, accountID string, at time.Time, retryUntil *time.Time, limitType string) error {
	defer w.observe(ctx, "upsert_rate_limit", time.Now())

	_, err := w.db.ExecContext(ctx, `
		INSERT INTO rate_limit_summaries (account_id, first_triggered_at, last_triggered_at, retry_until, total_hits, last_limit_type)
		VALUES ($1, $2, $2, $3, 1, $4)
		ON CONFLICT (account_id) DO UPDATE SET
			last_triggered_at = EXCLUDED.last_triggered_at,
			retry_until = COALESCE(EXCLUDED.retry_until, rate_limit_summaries.retry_until),
			total_hits = rate_limit_summaries.total_hits + 1,
			last_limit_type = EXCLUDED.last_limit_type`,
		accountID, at, retryUntil, limitType)
	if err != nil {
		return fmt.Errorf("upsert rate limit %s: %w", accountID, err)
	}
	return nil
}

// --- conversation.Store ---

type parentCandidateRow struct {
	RequestID      uuid.UUID `db:"request_id"`
	ConversationID uuid.UUID `db:"conversation_id"`
	BranchID       string    `db:"branch_id"`
	SystemHash     string    `db:"system_hash"`
	Timestamp      time.Time `db:"timestamp"`
}

// FindByCurrentHash returns prior requests whose current hash matches.
func (w *Writer) FindByCurrentHash(ctx context.Context, domain, hash string, before time.Time) ([]conversation.ParentCandidate, error) {
	defer w.observe(ctx, "find_by_current_hash", time.Now())

	var rows []parentCandidateRow
	err := w.db.SelectContext(ctx, &rows, `
		SELECT request_id, conversation_id, branch_id,
		       COALESCE(system_hash, '') AS system_hash, timestamp
		FROM api_requests
		WHERE domain = $1 AND current_message_hash = $2
		  AND timestamp < $3 AND conversation_id IS NOT NULL
		ORDER BY timestamp ASC`, domain, hash, before)
	if err != nil {
		return nil, fmt.Errorf("find by current hash: %w", err)
	}

	out := make([]conversation.ParentCandidate, len(rows))
	for i, r := range rows {
		out[i] = conversation.ParentCandidate{
			RequestID:      r.RequestID,
			ConversationID: r.ConversationID,
			BranchID:       r.BranchID,
			SystemHash:     strings.TrimSpace(r.SystemHash),
			Timestamp:      r.Timestamp,
		}
	}
	return out, nil
}

// FindTaskInvocation searches recorded Task tool calls for an exact prompt
// match using JSONB containment.
func (w *Writer) FindTaskInvocation(ctx context.Context, domain, prompt string, since, until time.Time) ([]conversation.TaskMatch, error) {
	defer w.observe(ctx, "find_task_invocation", time.Now())

	needle, err := json.Marshal([]map[string]string{{"prompt": prompt}})
	if err != nil {
		return nil, fmt.Errorf("marshal task needle: %w", err)
	}

	var rows []struct {
		RequestID      uuid.UUID `db:"request_id"`
		ConversationID uuid.UUID `db:"conversation_id"`
		Timestamp      time.Time `db:"timestamp"`
	}
	err = w.db.SelectContext(ctx, &rows, `
		SELECT request_id, conversation_id, timestamp
		FROM api_requests
		WHERE domain = $1 AND task_tool_invocation @> $2
		  AND timestamp >= $3 AND timestamp < $4
		  AND conversation_id IS NOT NULL
		ORDER BY timestamp DESC`, domain, needle, since, until)
	if err != nil {
		return nil, fmt.Errorf("find task invocation: %w", err)
	}

	out := make([]conversation.TaskMatch, len(rows))
	for i, r := range rows {
		out[i] = conversation.TaskMatch(r)
	}
	return out, nil
}

// MaxSubtaskSequence returns the highest subtask sequence recorded for the
// conversation before ts.
func (w *Writer) MaxSubtaskSequence(ctx context.Context, conversationID uuid.UUID, before time.Time) (int, error) {
	defer w.observe(ctx, "max_subtask_sequence", time.Now())

	var max int
	err := w.db.GetContext(ctx, &max, `
		SELECT COALESCE(MAX(subtask_sequence), 0)
		FROM api_requests
		WHERE conversation_id = $1 AND is_subtask AND timestamp < $2`,
		conversationID, before)
	if err != nil {
		return 0, fmt.Errorf("max subtask sequence: %w", err)
	}
	return max, nil
}

// MaxCompactSequence returns the highest compact_N branch number used within
// the conversation.
func (w *Writer) MaxCompactSequence(ctx context.Context, conversationID uuid.UUID) (int, error) {
	defer w.observe(ctx, "max_compact_sequence", time.Now())

	var branches []string
	err := w.db.SelectContext(ctx, &branches, `
		SELECT DISTINCT branch_id FROM api_requests
		WHERE conversation_id = $1 AND branch_id LIKE 'compact_%'`,
		conversationID)
	if err != nil {
		return 0, fmt.Errorf("max compact sequence: %w", err)
	}

	max := 0
	for _, b := range branches {
		n, err := strconv.Atoi(strings.TrimPrefix(b, "compact_"))
		if err == nil && n > max {
			max = n
		}
	}
	return max, nil
}

// FindCompactParent finds the most recent prior response whose text contains
// needle. strpos avoids LIKE wildcard escaping on caller-controlled text.
func (w *Writer) FindCompactParent(ctx context.Context, domain, needle string, before time.Time) (*conversation.CompactMatch, error) {
	defer w.observe(ctx, "find_compact_parent", time.Now())

	var row struct {
		RequestID      uuid.UUID `db:"request_id"`
		ConversationID uuid.UUID `db:"conversation_id"`
	}
	err := w.db.GetContext(ctx, &row, `
		SELECT request_id, conversation_id
		FROM api_requests
		WHERE domain = $1 AND conversation_id IS NOT NULL
		  AND response_text IS NOT NULL AND strpos(response_text, $2) > 0
		  AND timestamp < $3
		ORDER BY timestamp DESC
		LIMIT 1`, domain, needle, before)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find compact parent: %w", err)
	}
	return &conversation.CompactMatch{RequestID: row.RequestID, ConversationID: row.ConversationID}, nil
}

// BranchHasChildren reports whether the parent request already has a child on
// the branch.
func (w *Writer) BranchHasChildren(ctx context.Context, conversationID uuid.UUID, branchID string, parentRequestID uuid.UUID) (bool, error) {
	defer w.observe(ctx, "branch_has_children", time.Now())

	var exists bool
	err := w.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM api_requests
			WHERE conversation_id = $1 AND branch_id = $2 AND parent_request_id = $3
		)`, conversationID, branchID, parentRequestID)
	if err != nil {
		return false, fmt.Errorf("branch has children: %w", err)
	}
	return exists, nil
}

// BranchExists reports whether the branch id is already used within the
// conversation.
func (w *Writer) BranchExists(ctx context.Context, conversationID uuid.UUID, branchID string) (bool, error) {
	defer w.observe(ctx, "branch_exists", time.Now())

	var exists bool
	err := w.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM api_requests
			WHERE conversation_id = $1 AND branch_id = $2
		)`, conversationID, branchID)
	if err != nil {
		return false, fmt.Errorf("branch exists: %w", err)
	}
	return exists, nil
}
