// Package storage persists proxied requests, responses, and streaming chunks,
// and resolves conversation linkage for each incoming request.
package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Request statuses and types recorded in api_requests.
const (
	RequestTypeInference = "inference"
	RequestTypeQuery     = "query_evaluation"
	RequestTypeQuota     = "quota"
)

// RequestRecord is the row written when a request is accepted, before the
// upstream call.
type RequestRecord struct {
	RequestID           uuid.UUID       `db:"request_id"`
	Domain              string          `db:"domain"`
	AccountID           *string         `db:"account_id"`
	Timestamp           time.Time       `db:"timestamp"`
	Method              string          `db:"method"`
	Path                string          `db:"path"`
	RequestHeaders      json.RawMessage `db:"request_headers"`
	RequestBody         json.RawMessage `db:"request_body"`
	Model               string          `db:"model"`
	RequestType         string          `db:"request_type"`
	CurrentMessageHash  *string         `db:"current_message_hash"`
	ParentMessageHash   *string         `db:"parent_message_hash"`
	SystemHash          *string         `db:"system_hash"`
	ConversationID      *uuid.UUID      `db:"conversation_id"`
	BranchID            string          `db:"branch_id"`
	MessageCount        *int            `db:"message_count"`
	ParentRequestID     *uuid.UUID      `db:"parent_request_id"`
	ParentTaskRequestID *uuid.UUID      `db:"parent_task_request_id"`
	IsSubtask           bool            `db:"is_subtask"`
	SubtaskSequence     *int            `db:"subtask_sequence"`
}

// ResponseRecord completes a request row once the upstream exchange finishes
// or fails.
type ResponseRecord struct {
	RequestID                uuid.UUID       `db:"request_id"`
	Status                   int             `db:"response_status"`
	Headers                  json.RawMessage `db:"response_headers"`
	Body                     json.RawMessage `db:"response_body"`
	Text                     string          `db:"response_text"`
	Streaming                bool            `db:"response_streaming"`
	InputTokens              *int            `db:"input_tokens"`
	OutputTokens             *int            `db:"output_tokens"`
	TotalTokens              *int            `db:"total_tokens"`
	CacheCreationInputTokens *int            `db:"cache_creation_input_tokens"`
	CacheReadInputTokens     *int            `db:"cache_read_input_tokens"`
	ToolCallCount            *int            `db:"tool_call_count"`
	FirstTokenMs             *int64          `db:"first_token_ms"`
	DurationMs               int64           `db:"duration_ms"`
	Error                    *string         `db:"error"`
}

// Chunk is one streamed SSE segment in arrival order.
type Chunk struct {
	RequestID  uuid.UUID `db:"request_id"`
	Index      int       `db:"chunk_index"`
	Timestamp  time.Time `db:"timestamp"`
	Data       []byte    `db:"data"`
	TokenCount *int      `db:"token_count"`
}

// TaskInvocationRecord is one Task tool call found in a response, persisted as
// a JSONB array element on the originating request row.
type TaskInvocationRecord struct {
	ToolID string `json:"tool_id"`
	Prompt string `json:"prompt"`
}

// DomainTokenStats is one row of the token usage summary.
type DomainTokenStats struct {
	Domain       string `db:"domain"`
	RequestCount int64  `db:"request_count"`
	InputTokens  int64  `db:"input_tokens"`
	OutputTokens int64  `db:"output_tokens"`
	CacheRead    int64  `db:"cache_read"`
	CacheWrite   int64  `db:"cache_write"`
}
