package analysis

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/lumenlabs/claude-nexus/internal/anthropic"
)

// ErrAlreadyExists is returned when an analysis row already exists for the
// (conversation, branch).
var ErrAlreadyExists = errors.New("analysis already exists")

// ErrNotFound is returned for lookups of unknown (conversation, branch)
// pairs.
var ErrNotFound = errors.New("analysis not found")

// ErrProcessing is returned when a regenerate targets a job that is currently
// being worked.
var ErrProcessing = errors.New("analysis is processing")

// Store runs the job-table SQL.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps the shared pool.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Create enqueues a new analysis job. ErrAlreadyExists when a row is already
// present.
func (s *Store) Create(ctx context.Context, conversationID uuid.UUID, branchID string, customPrompt *string) (*Job, error) {
	var job Job
	err := s.db.GetContext(ctx, &job, `
		INSERT INTO conversation_analyses (conversation_id, branch_id, custom_prompt)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id, branch_id) DO NOTHING
		RETURNING *`, conversationID, branchID, customPrompt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlreadyExists
	}
	if err != nil {
		return nil, fmt.Errorf("create analysis job: %w", err)
	}
	return &job, nil
}

// Get fetches the job for a (conversation, branch).
func (s *Store) Get(ctx context.Context, conversationID uuid.UUID, branchID string) (*Job, error) {
	var job Job
	err := s.db.GetContext(ctx, &job, `
		SELECT * FROM conversation_analyses
		WHERE conversation_id = $1 AND branch_id = $2`, conversationID, branchID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis job: %w", err)
	}
	return &job, nil
}

// Claim atomically moves up to limit claimable jobs to processing. Row-level
// locking with SKIP LOCKED keeps concurrent workers from claiming the same
// row. Pending jobs become claimable once process_after passes, which is how
// released retries back off; jobs stuck in processing past stuckAfter are
// reclaimed.
func (s *Store) Claim(ctx context.Context, limit int, stuckAfter time.Duration) ([]Job, error) {
	var jobs []Job
	err := s.db.SelectContext(ctx, &jobs, `
		UPDATE conversation_analyses SET
			status = 'processing',
			processing_started_at = now(),
			updated_at = now(),
			attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM conversation_analyses
			WHERE (status = 'pending' AND process_after <= now())
			   OR (status = 'processing' AND processing_started_at < now() - $2::interval)
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		RETURNING *`, limit, fmt.Sprintf("%d milliseconds", stuckAfter.Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("claim analysis jobs: %w", err)
	}
	return jobs, nil
}

// Complete stores a successful result.
func (s *Store) Complete(ctx context.Context, id int64, result *Result, markdown, modelUsed string, promptTokens, completionTokens int, duration time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal analysis result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE conversation_analyses SET
			status = 'completed',
			result_data = $2,
			result_markdown = $3,
			model_used = $4,
			prompt_tokens = $5,
			completion_tokens = $6,
			duration_ms = $7,
			last_error = NULL,
			completed_at = now(),
			updated_at = now()
		WHERE id = $1`,
		id, data, markdown, modelUsed, promptTokens, completionTokens, duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("complete analysis job %d: %w", id, err)
	}
	return nil
}

// Release records a recoverable failure: the job returns to pending and
// becomes claimable again after retryAfter.
func (s *Store) Release(ctx context.Context, id int64, jobErr error, retryAfter time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversation_analyses SET
			status = 'pending',
			last_error = $2,
			process_after = now() + $3::interval,
			updated_at = now()
		WHERE id = $1`, id, jobErr.Error(), fmt.Sprintf("%d milliseconds", retryAfter.Milliseconds()))
	if err != nil {
		return fmt.Errorf("release analysis job %d: %w", id, err)
	}
	return nil
}

// MarkFailed terminally fails the job, keeping the last error verbatim.
func (s *Store) MarkFailed(ctx context.Context, id int64, jobErr error) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversation_analyses SET
			status = 'failed',
			last_error = $2,
			updated_at = now()
		WHERE id = $1`, id, jobErr.Error())
	if err != nil {
		return fmt.Errorf("fail analysis job %d: %w", id, err)
	}
	return nil
}

// Regenerate resets an existing job to pending with fresh attempts, or
// creates the row when none exists yet. A job currently being worked stays
// untouched; resetting it would race the in-flight worker's terminal write.
func (s *Store) Regenerate(ctx context.Context, conversationID uuid.UUID, branchID string, customPrompt *string) (*Job, error) {
	var job Job
	err := s.db.GetContext(ctx, &job, `
		UPDATE conversation_analyses SET
			status = 'pending',
			attempts = 0,
			custom_prompt = $3,
			last_error = NULL,
			process_after = now(),
			updated_at = now()
		WHERE conversation_id = $1 AND branch_id = $2 AND status <> 'processing'
		RETURNING *`, conversationID, branchID, customPrompt)
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := s.Get(ctx, conversationID, branchID); gerr == nil {
			return nil, ErrProcessing
		} else if !errors.Is(gerr, ErrNotFound) {
			return nil, gerr
		}
		return s.Create(ctx, conversationID, branchID, customPrompt)
	}
	if err != nil {
		return nil, fmt.Errorf("regenerate analysis job: %w", err)
	}
	return &job, nil
}

// Transcript loads the merged conversation for a (conversation, branch). The
// latest request body already embeds the full prior exchange; the final
// assistant turn comes from that request's stored response text.
func (s *Store) Transcript(ctx context.Context, conversationID uuid.UUID, branchID string) ([]TranscriptMessage, error) {
	var row struct {
		RequestBody  []byte         `db:"request_body"`
		ResponseText sql.NullString `db:"response_text"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT request_body, response_text
		FROM api_requests
		WHERE conversation_id = $1 AND branch_id = $2 AND request_body IS NOT NULL
		ORDER BY timestamp DESC
		LIMIT 1`, conversationID, branchID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}

	req, err := anthropic.ParseMessagesRequest(row.RequestBody)
	if err != nil {
		return nil, fmt.Errorf("parse stored request body: %w", err)
	}

	out := make([]TranscriptMessage, 0, len(req.Messages)+1)
	for _, m := range req.Messages {
		text := m.Text()
		if text == "" {
			continue
		}
		out = append(out, TranscriptMessage{Role: m.Role, Content: text})
	}
	if row.ResponseText.Valid && row.ResponseText.String != "" {
		out = append(out, TranscriptMessage{Role: "assistant", Content: row.ResponseText.String})
	}
	return out, nil
}
