// Package analysis runs background conversation analysis jobs: claiming work
// from the job table, truncating transcripts to a token budget, calling the
// analysis model, and persisting validated results.
package analysis

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Job is one row of conversation_analyses.
type Job struct {
	ID                  int64           `db:"id" json:"id"`
	ConversationID      uuid.UUID       `db:"conversation_id" json:"conversation_id"`
	BranchID            string          `db:"branch_id" json:"branch_id"`
	Status              string          `db:"status" json:"status"`
	Attempts            int             `db:"attempts" json:"attempts"`
	LastError           *string         `db:"last_error" json:"last_error,omitempty"`
	CustomPrompt        *string         `db:"custom_prompt" json:"custom_prompt,omitempty"`
	ResultMarkdown      *string         `db:"result_markdown" json:"result_markdown,omitempty"`
	ResultData          json.RawMessage `db:"result_data" json:"result_data,omitempty"`
	ModelUsed           *string         `db:"model_used" json:"model_used,omitempty"`
	PromptTokens        *int            `db:"prompt_tokens" json:"prompt_tokens,omitempty"`
	CompletionTokens    *int            `db:"completion_tokens" json:"completion_tokens,omitempty"`
	DurationMs          *int64          `db:"duration_ms" json:"duration_ms,omitempty"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at" json:"updated_at"`
	ProcessAfter        time.Time       `db:"process_after" json:"process_after"`
	ProcessingStartedAt *time.Time      `db:"processing_started_at" json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
}

// TranscriptMessage is one turn of the merged conversation sent to the
// analysis model.
type TranscriptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Result is the structured output the analysis model must return.
type Result struct {
	Summary             string              `json:"summary"`
	KeyTopics           []string            `json:"keyTopics"`
	Sentiment           string              `json:"sentiment"`
	UserIntent          string              `json:"userIntent"`
	Outcomes            []string            `json:"outcomes"`
	ActionItems         []ActionItem        `json:"actionItems"`
	PromptingTips       []PromptingTip      `json:"promptingTips"`
	InteractionPatterns InteractionPatterns `json:"interactionPatterns"`
	TechnicalDetails    TechnicalDetails    `json:"technicalDetails"`
	ConversationQuality ConversationQuality `json:"conversationQuality"`
}

// ActionItem is a follow-up the analysis identified.
type ActionItem struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Priority    string `json:"priority,omitempty"`
}

// PromptingTip suggests how the user could prompt more effectively.
type PromptingTip struct {
	Category   string `json:"category"`
	Issue      string `json:"issue"`
	Suggestion string `json:"suggestion"`
	Example    string `json:"example,omitempty"`
}

// InteractionPatterns scores how the conversation flowed.
type InteractionPatterns struct {
	PromptClarity         int      `json:"promptClarity"`
	ContextCompleteness   int      `json:"contextCompleteness"`
	FollowUpEffectiveness string   `json:"followUpEffectiveness"`
	CommonIssues          []string `json:"commonIssues"`
	Strengths             []string `json:"strengths"`
}

// TechnicalDetails captures the stack and problems discussed.
type TechnicalDetails struct {
	Frameworks              []string `json:"frameworks"`
	Issues                  []string `json:"issues"`
	Solutions               []string `json:"solutions"`
	ToolUsageEfficiency     string   `json:"toolUsageEfficiency,omitempty"`
	ContextWindowManagement string   `json:"contextWindowManagement,omitempty"`
}

// ConversationQuality is the qualitative assessment.
type ConversationQuality struct {
	Clarity                string `json:"clarity"`
	Completeness           string `json:"completeness"`
	Effectiveness          string `json:"effectiveness"`
	ClarityImprovement     string `json:"clarityImprovement,omitempty"`
	CompletenessSuggestion string `json:"completenessSuggestion,omitempty"`
}

var validSentiments = map[string]bool{
	"positive": true,
	"neutral":  true,
	"negative": true,
	"mixed":    true,
}

// Validate checks the fields the schema constrains. Transient model sloppiness
// here is retryable.
func (r *Result) Validate() error {
	if r.Summary == "" {
		return fmt.Errorf("analysis result missing summary")
	}
	if !validSentiments[r.Sentiment] {
		return fmt.Errorf("analysis result has invalid sentiment %q", r.Sentiment)
	}
	if r.InteractionPatterns.PromptClarity < 0 || r.InteractionPatterns.PromptClarity > 10 {
		return fmt.Errorf("promptClarity %d out of range", r.InteractionPatterns.PromptClarity)
	}
	if r.InteractionPatterns.ContextCompleteness < 0 || r.InteractionPatterns.ContextCompleteness > 10 {
		return fmt.Errorf("contextCompleteness %d out of range", r.InteractionPatterns.ContextCompleteness)
	}
	return nil
}
