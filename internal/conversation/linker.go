// Package conversation assigns incoming requests to conversations, detects
// branches, and links sub-tasks spawned by Task tool invocations. The linker
// is a pure algorithm over query executors supplied by the storage adapter.
package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lumenlabs/claude-nexus/internal/anthropic"
	"github.com/lumenlabs/claude-nexus/internal/hasher"
)

const (
	// DefaultBranch is the branch assigned to the first thread of a
	// conversation.
	DefaultBranch = "main"

	// subtaskQueryWindow bounds how far back Task invocations are searched.
	subtaskQueryWindow = 24 * time.Hour
	// subtaskMatchWindow is how recently the Task invocation must have been
	// recorded for the new request to count as its sub-task.
	subtaskMatchWindow = 30 * time.Second

	// compactNeedleMax caps the substring used to search prior responses for
	// a compact-continuation summary.
	compactNeedleMax = 200
)

// ParentCandidate is a prior request whose current message hash matches the
// incoming request's parent hash.
type ParentCandidate struct {
	RequestID      uuid.UUID
	ConversationID uuid.UUID
	BranchID       string
	SystemHash     string
	Timestamp      time.Time
}

// TaskMatch is a prior request whose response contained a Task invocation
// with the searched prompt.
type TaskMatch struct {
	RequestID      uuid.UUID
	ConversationID uuid.UUID
	Timestamp      time.Time
}

// CompactMatch is a prior request whose response text contains a
// compact-continuation summary.
type CompactMatch struct {
	RequestID      uuid.UUID
	ConversationID uuid.UUID
}

// Store is the query surface the linker needs. The storage adapter supplies
// an implementation bound to its connection pool.
type Store interface {
	// FindByCurrentHash returns prior requests in domain whose
	// current_message_hash equals hash, created before ts.
	FindByCurrentHash(ctx context.Context, domain, hash string, before time.Time) ([]ParentCandidate, error)

	// FindTaskInvocation returns prior requests in domain whose response
	// carried a Task invocation with exactly prompt, created in [since, until).
	FindTaskInvocation(ctx context.Context, domain, prompt string, since, until time.Time) ([]TaskMatch, error)

	// MaxSubtaskSequence returns the highest subtask sequence number recorded
	// for the conversation before ts, or 0.
	MaxSubtaskSequence(ctx context.Context, conversationID uuid.UUID, before time.Time) (int, error)

	// MaxCompactSequence returns the highest compact branch sequence number
	// recorded for the conversation, or 0.
	MaxCompactSequence(ctx context.Context, conversationID uuid.UUID) (int, error)

	// FindCompactParent returns the prior request in domain whose response
	// text contains needle, created before ts. Nil when none match.
	FindCompactParent(ctx context.Context, domain, needle string, before time.Time) (*CompactMatch, error)

	// BranchHasChildren reports whether any request on the conversation's
	// branch names parentRequestID as its parent.
	BranchHasChildren(ctx context.Context, conversationID uuid.UUID, branchID string, parentRequestID uuid.UUID) (bool, error)

	// BranchExists reports whether the branch id is already used within the
	// conversation.
	BranchExists(ctx context.Context, conversationID uuid.UUID, branchID string) (bool, error)
}

// Linkage is the computed conversation assignment for one request.
type Linkage struct {
	ConversationID      uuid.UUID
	BranchID            string
	ParentRequestID     *uuid.UUID
	ParentTaskRequestID *uuid.UUID
	CurrentMessageHash  string
	ParentMessageHash   string // empty = null
	SystemHash          string // empty = null
	MessageCount        int
	IsSubtask           bool
	SubtaskSequence     int
}

// Linker computes conversation linkage. Safe for concurrent use.
type Linker struct {
	store               Store
	compactMarkerPrefix string
}

// NewLinker creates a linker over the given store. compactMarkerPrefix is the
// text a first user message starts with when it continues a compacted
// conversation.
func NewLinker(store Store, compactMarkerPrefix string) *Linker {
	return &Linker{
		store:               store,
		compactMarkerPrefix: compactMarkerPrefix,
	}
}

// Link assigns the request to a conversation. Storage errors propagate; a
// query that finds nothing is not an error, it means a new conversation.
func (l *Linker) Link(ctx context.Context, domain string, messages []anthropic.Message, system anthropic.SystemPrompt, ts time.Time) (*Linkage, error) {
	link := &Linkage{
		CurrentMessageHash: hasher.MessageHash(messages),
		ParentMessageHash:  hasher.ParentHash(messages),
		SystemHash:         hasher.SystemHash(system),
		MessageCount:       len(messages),
		BranchID:           DefaultBranch,
	}

	// Sub-task detection runs first for single-user-message requests.
	if len(messages) == 1 && messages[0].Role == "user" {
		matched, err := l.linkSubtask(ctx, domain, messages[0], ts, link)
		if err != nil {
			return nil, err
		}
		if matched {
			return link, nil
		}
	}

	// Compact-continuation detection. Requires the marker prefix: probing
	// every single-message request against prior response text would link
	// trivial first messages to unrelated conversations.
	if needle, ok := l.compactNeedle(messages); ok {
		matched, err := l.linkCompact(ctx, domain, needle, ts, link)
		if err != nil {
			return nil, err
		}
		if matched {
			return link, nil
		}
	}

	return link, l.linkParent(ctx, domain, ts, link)
}

// linkSubtask probes for a Task invocation whose prompt equals the single
// user message. Ties inside the match window bind to the most recent
// invocation.
func (l *Linker) linkSubtask(ctx context.Context, domain string, msg anthropic.Message, ts time.Time, link *Linkage) (bool, error) {
	prompt := strings.TrimSpace(hasher.StripSystemReminders(msg.Text()))
	if prompt == "" {
		return false, nil
	}

	matches, err := l.store.FindTaskInvocation(ctx, domain, prompt, ts.Add(-subtaskQueryWindow), ts)
	if err != nil {
		return false, fmt.Errorf("subtask probe: %w", err)
	}

	var best *TaskMatch
	for i := range matches {
		m := matches[i]
		if ts.Sub(m.Timestamp) > subtaskMatchWindow {
			continue
		}
		if best == nil || m.Timestamp.After(best.Timestamp) {
			best = &matches[i]
		}
	}
	if best == nil {
		return false, nil
	}

	seq, err := l.store.MaxSubtaskSequence(ctx, best.ConversationID, ts)
	if err != nil {
		return false, fmt.Errorf("subtask sequence: %w", err)
	}

	link.ConversationID = best.ConversationID
	link.IsSubtask = true
	link.SubtaskSequence = seq + 1
	link.BranchID = fmt.Sprintf("subtask_%d", seq+1)
	link.ParentTaskRequestID = &best.RequestID
	link.ParentRequestID = nil
	return true, nil
}

// compactNeedle extracts the search needle from a first user message that
// begins with the compact-continuation marker.
func (l *Linker) compactNeedle(messages []anthropic.Message) (string, bool) {
	if len(messages) == 0 || messages[0].Role != "user" {
		return "", false
	}
	text := strings.TrimSpace(messages[0].Text())
	if !strings.HasPrefix(text, l.compactMarkerPrefix) {
		return "", false
	}
	needle := strings.TrimSpace(strings.TrimPrefix(text, l.compactMarkerPrefix))
	needle = strings.TrimLeft(needle, ".: \n")
	if len(needle) > compactNeedleMax {
		needle = needle[:compactNeedleMax]
	}
	return needle, needle != ""
}

func (l *Linker) linkCompact(ctx context.Context, domain, needle string, ts time.Time, link *Linkage) (bool, error) {
	if needle == "" {
		return false, nil
	}
	match, err := l.store.FindCompactParent(ctx, domain, needle, ts)
	if err != nil {
		return false, fmt.Errorf("compact probe: %w", err)
	}
	if match == nil {
		return false, nil
	}

	seq, err := l.store.MaxCompactSequence(ctx, match.ConversationID)
	if err != nil {
		return false, fmt.Errorf("compact sequence: %w", err)
	}

	link.ConversationID = match.ConversationID
	link.BranchID = fmt.Sprintf("compact_%d", seq+1)
	link.ParentRequestID = nil
	return true, nil
}

// linkParent resolves the normal parent match on parent_message_hash.
func (l *Linker) linkParent(ctx context.Context, domain string, ts time.Time, link *Linkage) error {
	if link.ParentMessageHash == "" {
		link.ConversationID = uuid.New()
		return nil
	}

	candidates, err := l.store.FindByCurrentHash(ctx, domain, link.ParentMessageHash, ts)
	if err != nil {
		return fmt.Errorf("parent search: %w", err)
	}

	switch len(candidates) {
	case 0:
		link.ConversationID = uuid.New()
		return nil

	case 1:
		parent := candidates[0]
		link.ConversationID = parent.ConversationID
		link.ParentRequestID = &parent.RequestID

		hasChildren, err := l.store.BranchHasChildren(ctx, parent.ConversationID, parent.BranchID, parent.RequestID)
		if err != nil {
			return fmt.Errorf("branch children: %w", err)
		}
		if hasChildren {
			branch, err := l.newBranchID(ctx, parent.ConversationID, ts)
			if err != nil {
				return err
			}
			link.BranchID = branch
		} else {
			link.BranchID = parent.BranchID
		}
		return nil

	default:
		// Divergent branch: conversation identity comes from the earliest
		// candidate, the parent pointer from the best tie-break.
		earliest := candidates[0]
		for _, c := range candidates[1:] {
			if c.Timestamp.Before(earliest.Timestamp) {
				earliest = c
			}
		}
		best := pickParent(candidates, link.SystemHash)

		link.ConversationID = earliest.ConversationID
		link.ParentRequestID = &best.RequestID

		branch, err := l.newBranchID(ctx, earliest.ConversationID, ts)
		if err != nil {
			return err
		}
		link.BranchID = branch
		return nil
	}
}

// pickParent breaks ties among candidates: same system hash preferred, then
// most recent timestamp.
func pickParent(candidates []ParentCandidate, systemHash string) ParentCandidate {
	best := candidates[0]
	bestScore := parentScore(best, systemHash)
	for _, c := range candidates[1:] {
		score := parentScore(c, systemHash)
		if score > bestScore || (score == bestScore && c.Timestamp.After(best.Timestamp)) {
			best = c
			bestScore = score
		}
	}
	return best
}

func parentScore(c ParentCandidate, systemHash string) int {
	if c.SystemHash == systemHash {
		return 1
	}
	return 0
}

// newBranchID builds "branch_HHMMSS" from the request timestamp, appending
// _k until the id is unused within the conversation.
func (l *Linker) newBranchID(ctx context.Context, conversationID uuid.UUID, ts time.Time) (string, error) {
	base := "branch_" + ts.UTC().Format("150405")
	branch := base
	for k := 1; ; k++ {
		exists, err := l.store.BranchExists(ctx, conversationID, branch)
		if err != nil {
			return "", fmt.Errorf("branch uniqueness: %w", err)
		}
		if !exists {
			return branch, nil
		}
		branch = fmt.Sprintf("%s_%d", base, k)
	}
}
