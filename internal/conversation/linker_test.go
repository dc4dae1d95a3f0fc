package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenlabs/claude-nexus/internal/anthropic"
	"github.com/lumenlabs/claude-nexus/internal/hasher"
)

const testCompactMarker = "This session is being continued from a previous conversation"

type fakeStore struct {
	parents        []ParentCandidate
	taskMatches    []TaskMatch
	compactMatch   *CompactMatch
	maxSubtaskSeq  int
	maxCompactSeq  int
	hasChildren    bool
	existingBranch map[string]bool

	lastHashQuery   string
	lastTaskPrompt  string
	lastCompactNeed string
}

func (f *fakeStore) FindByCurrentHash(_ context.Context, _, hash string, _ time.Time) ([]ParentCandidate, error) {
	f.lastHashQuery = hash
	return f.parents, nil
}

func (f *fakeStore) FindTaskInvocation(_ context.Context, _, prompt string, _, _ time.Time) ([]TaskMatch, error) {
	f.lastTaskPrompt = prompt
	return f.taskMatches, nil
}

func (f *fakeStore) MaxSubtaskSequence(context.Context, uuid.UUID, time.Time) (int, error) {
	return f.maxSubtaskSeq, nil
}

func (f *fakeStore) MaxCompactSequence(context.Context, uuid.UUID) (int, error) {
	return f.maxCompactSeq, nil
}

func (f *fakeStore) FindCompactParent(_ context.Context, _, needle string, _ time.Time) (*CompactMatch, error) {
	f.lastCompactNeed = needle
	return f.compactMatch, nil
}

func (f *fakeStore) BranchHasChildren(context.Context, uuid.UUID, string, uuid.UUID) (bool, error) {
	return f.hasChildren, nil
}

func (f *fakeStore) BranchExists(_ context.Context, _ uuid.UUID, branchID string) (bool, error) {
	return f.existingBranch[branchID], nil
}

func userMessages(t *testing.T, body string) []anthropic.Message {
	t.Helper()
	req, err := anthropic.ParseMessagesRequest([]byte(body))
	require.NoError(t, err)
	return req.Messages
}

func TestLinkNewConversation(t *testing.T) {
	store := &fakeStore{}
	l := NewLinker(store, testCompactMarker)

	msgs := userMessages(t, `{"messages":[{"role":"user","content":"hello"}]}`)
	link, err := l.Link(context.Background(), "team.example.com", msgs, anthropic.SystemPrompt{}, time.Now())
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, link.ConversationID)
	assert.Equal(t, DefaultBranch, link.BranchID)
	assert.Nil(t, link.ParentRequestID)
	assert.Empty(t, link.ParentMessageHash)
	assert.Equal(t, 1, link.MessageCount)
	assert.False(t, link.IsSubtask)
}

func TestLinkContinuationInheritsBranch(t *testing.T) {
	parentConv := uuid.New()
	parentReq := uuid.New()
	store := &fakeStore{
		parents: []ParentCandidate{{
			RequestID:      parentReq,
			ConversationID: parentConv,
			BranchID:       "main",
			Timestamp:      time.Now().Add(-time.Minute),
		}},
	}
	l := NewLinker(store, testCompactMarker)

	msgs := userMessages(t, `{"messages":[{"role":"user","content":"hello"},{"role":"assistant","content":"hi"},{"role":"user","content":"next"}]}`)
	link, err := l.Link(context.Background(), "team.example.com", msgs, anthropic.SystemPrompt{}, time.Now())
	require.NoError(t, err)

	assert.Equal(t, parentConv, link.ConversationID)
	assert.Equal(t, "main", link.BranchID)
	require.NotNil(t, link.ParentRequestID)
	assert.Equal(t, parentReq, *link.ParentRequestID)
	assert.Equal(t, hasher.ParentHash(msgs), store.lastHashQuery)
}

func TestLinkRetryCreatesBranch(t *testing.T) {
	parentConv := uuid.New()
	store := &fakeStore{
		parents: []ParentCandidate{{
			RequestID:      uuid.New(),
			ConversationID: parentConv,
			BranchID:       "main",
			Timestamp:      time.Now().Add(-time.Minute),
		}},
		hasChildren: true,
	}
	l := NewLinker(store, testCompactMarker)

	ts := time.Date(2026, 8, 26, 14, 30, 45, 0, time.UTC)
	msgs := userMessages(t, `{"messages":[{"role":"user","content":"hello"},{"role":"user","content":"retry"}]}`)
	link, err := l.Link(context.Background(), "team.example.com", msgs, anthropic.SystemPrompt{}, ts)
	require.NoError(t, err)

	assert.Equal(t, parentConv, link.ConversationID)
	assert.Equal(t, "branch_143045", link.BranchID)
}

func TestLinkBranchIDCollisionAppendsSuffix(t *testing.T) {
	store := &fakeStore{
		parents: []ParentCandidate{{
			RequestID:      uuid.New(),
			ConversationID: uuid.New(),
			BranchID:       "main",
		}},
		hasChildren:    true,
		existingBranch: map[string]bool{"branch_143045": true},
	}
	l := NewLinker(store, testCompactMarker)

	ts := time.Date(2026, 8, 26, 14, 30, 45, 0, time.UTC)
	msgs := userMessages(t, `{"messages":[{"role":"user","content":"a"},{"role":"user","content":"b"}]}`)
	link, err := l.Link(context.Background(), "team.example.com", msgs, anthropic.SystemPrompt{}, ts)
	require.NoError(t, err)

	assert.Equal(t, "branch_143045_1", link.BranchID)
}

func TestLinkDivergentCandidatesPrefersMatchingSystemHash(t *testing.T) {
	conv := uuid.New()
	early := ParentCandidate{
		RequestID:      uuid.New(),
		ConversationID: conv,
		BranchID:       "main",
		SystemHash:     "other",
		Timestamp:      time.Now().Add(-2 * time.Hour),
	}
	matching := ParentCandidate{
		RequestID:      uuid.New(),
		ConversationID: uuid.New(),
		BranchID:       "main",
		Timestamp:      time.Now().Add(-time.Hour),
	}
	store := &fakeStore{parents: []ParentCandidate{early, matching}}
	l := NewLinker(store, testCompactMarker)

	msgs := userMessages(t, `{"messages":[{"role":"user","content":"a"},{"role":"user","content":"b"}]}`)
	link, err := l.Link(context.Background(), "team.example.com", msgs, anthropic.SystemPrompt{}, time.Now())
	require.NoError(t, err)

	// Conversation identity from the earliest candidate, parent pointer from
	// the system-hash match.
	assert.Equal(t, early.ConversationID, link.ConversationID)
	require.NotNil(t, link.ParentRequestID)
	assert.Equal(t, matching.RequestID, *link.ParentRequestID)
	assert.NotEqual(t, "main", link.BranchID)
}

func TestLinkSubtask(t *testing.T) {
	conv := uuid.New()
	taskReq := uuid.New()
	now := time.Now()
	store := &fakeStore{
		taskMatches: []TaskMatch{{
			RequestID:      taskReq,
			ConversationID: conv,
			Timestamp:      now.Add(-5 * time.Second),
		}},
		maxSubtaskSeq: 2,
	}
	l := NewLinker(store, testCompactMarker)

	msgs := userMessages(t, `{"messages":[{"role":"user","content":"<system-reminder>x</system-reminder>  search the codebase for usages  "}]}`)
	link, err := l.Link(context.Background(), "team.example.com", msgs, anthropic.SystemPrompt{}, now)
	require.NoError(t, err)

	assert.True(t, link.IsSubtask)
	assert.Equal(t, conv, link.ConversationID)
	assert.Equal(t, 3, link.SubtaskSequence)
	assert.Equal(t, "subtask_3", link.BranchID)
	require.NotNil(t, link.ParentTaskRequestID)
	assert.Equal(t, taskReq, *link.ParentTaskRequestID)
	assert.Nil(t, link.ParentRequestID)
	assert.Equal(t, "search the codebase for usages", store.lastTaskPrompt)
}

func TestLinkSubtaskIgnoresStaleInvocations(t *testing.T) {
	store := &fakeStore{
		taskMatches: []TaskMatch{{
			RequestID:      uuid.New(),
			ConversationID: uuid.New(),
			Timestamp:      time.Now().Add(-2 * time.Minute),
		}},
	}
	l := NewLinker(store, testCompactMarker)

	msgs := userMessages(t, `{"messages":[{"role":"user","content":"search the codebase"}]}`)
	link, err := l.Link(context.Background(), "team.example.com", msgs, anthropic.SystemPrompt{}, time.Now())
	require.NoError(t, err)

	assert.False(t, link.IsSubtask)
	assert.Equal(t, DefaultBranch, link.BranchID)
}

func TestLinkCompactContinuation(t *testing.T) {
	conv := uuid.New()
	store := &fakeStore{
		compactMatch:  &CompactMatch{RequestID: uuid.New(), ConversationID: conv},
		maxCompactSeq: 1,
	}
	l := NewLinker(store, testCompactMarker)

	body := `{"messages":[{"role":"user","content":"` + testCompactMarker + `. The summary covers the auth refactor."}]}`
	link, err := l.Link(context.Background(), "team.example.com", userMessages(t, body), anthropic.SystemPrompt{}, time.Now())
	require.NoError(t, err)

	assert.Equal(t, conv, link.ConversationID)
	assert.Equal(t, "compact_2", link.BranchID)
	assert.Equal(t, "The summary covers the auth refactor.", store.lastCompactNeed)
}

func TestLinkCompactMarkerWithoutMatchStartsFresh(t *testing.T) {
	store := &fakeStore{}
	l := NewLinker(store, testCompactMarker)

	body := `{"messages":[{"role":"user","content":"` + testCompactMarker + `. Orphaned summary."}]}`
	link, err := l.Link(context.Background(), "team.example.com", userMessages(t, body), anthropic.SystemPrompt{}, time.Now())
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, link.ConversationID)
	assert.Equal(t, DefaultBranch, link.BranchID)
}
