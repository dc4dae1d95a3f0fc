package proxy

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenlabs/claude-nexus/internal/anthropic"
	"github.com/lumenlabs/claude-nexus/internal/config"
	"github.com/lumenlabs/claude-nexus/internal/conversation"
	"github.com/lumenlabs/claude-nexus/internal/credentials"
	"github.com/lumenlabs/claude-nexus/internal/logger"
	"github.com/lumenlabs/claude-nexus/internal/notifications"
	"github.com/lumenlabs/claude-nexus/internal/storage"
	"github.com/lumenlabs/claude-nexus/internal/usage"
)

func newTestRouter(t *testing.T, upstreamURL, credsDir string, apiTimeout time.Duration, store Store) (*gin.Engine, *Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		ClaudeAPIURL:             upstreamURL,
		ClaudeAPITimeout:         apiTimeout,
		ProxyMaxIdleConns:        10,
		ProxyMaxIdleConnsPerHost: 5,
		ProxyIdleConnTimeout:     time.Minute,
		MaxMessageCount:          8,
		MaxTotalTextChars:        4096,
	}
	log := logger.New(logger.Config{})

	h, err := New(cfg, log, credentials.NewManager(credsDir, log), store,
		usage.NewTracker(), notifications.NewNotifier("", log))
	require.NoError(t, err)

	r := gin.New()
	r.POST("/v1/messages", h.Messages())
	return r, h
}

// fakeStore captures what the pipeline persists.
type fakeStore struct {
	mu        sync.Mutex
	requests  []*storage.RequestRecord
	responses []*storage.ResponseRecord
	chunks    []*storage.Chunk
}

func (f *fakeStore) RegisterRequest(uuid.UUID) string        { return "TESTREQX" }
func (f *fakeStore) ResolveShortID(string) (uuid.UUID, bool) { return uuid.Nil, false }
func (f *fakeStore) Writer() *storage.Writer                 { return nil }

func (f *fakeStore) LinkConversation(_ context.Context, _ string, req *anthropic.MessagesRequest, _ time.Time) (*conversation.Linkage, error) {
	return &conversation.Linkage{
		ConversationID: uuid.New(),
		BranchID:       "main",
		MessageCount:   len(req.Messages),
	}, nil
}

func (f *fakeStore) StoreRequest(_ context.Context, rec *storage.RequestRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, rec)
	return nil
}

func (f *fakeStore) StoreResponse(_ context.Context, rec *storage.ResponseRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, rec)
	return nil
}

func (f *fakeStore) StoreChunk(_ context.Context, chunk *storage.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, chunk)
	return nil
}

func (f *fakeStore) ProcessTaskToolInvocations(context.Context, uuid.UUID, *anthropic.MessagesResponse) error {
	return nil
}

func (f *fakeStore) responseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.responses)
}

func (f *fakeStore) storedChunks() []*storage.Chunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*storage.Chunk(nil), f.chunks...)
}

func writeAPIKeyCredential(t *testing.T, dir, domain, key, accountID string) {
	t.Helper()
	body := fmt.Sprintf(`{"type":"api_key","api_key":%q,"accountId":%q}`, key, accountID)
	require.NoError(t, os.WriteFile(filepath.Join(dir, domain+".credentials.json"), []byte(body), 0o600))
}

func TestMessagesRejectsBadBodies(t *testing.T) {
	r, _ := newTestRouter(t, "http://127.0.0.1:1", t.TempDir(), time.Second, nil)

	// The test router caps messages at 8 and total text at 4096 characters.
	tooMany := `{"messages":[` +
		strings.TrimSuffix(strings.Repeat(`{"role":"user","content":"hi"},`, 9), ",") + `]}`
	tooLong := fmt.Sprintf(`{"messages":[{"role":"user","content":%q}]}`, strings.Repeat("a", 5000))

	cases := []struct {
		name string
		body string
	}{
		{"not json", `hello`},
		{"empty messages", `{"messages":[]}`},
		{"too many messages", tooMany},
		{"total text too long", tooLong},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(tc.body))
			r.ServeHTTP(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestMessagesBufferedAppliesCredentialAndTracksUsage(t *testing.T) {
	var gotAuth, gotAPIKey, gotVersion string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAPIKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"msg_01","type":"message","role":"assistant","model":"claude-sonnet-4",
			"content":[{"type":"text","text":"hi"}],"stop_reason":"end_turn",
			"usage":{"input_tokens":10,"output_tokens":42}}`)
	}))
	defer upstream.Close()

	credsDir := t.TempDir()
	writeAPIKeyCredential(t, credsDir, "team.example.com", "sk-ant-upstream", "acct-1")
	r, h := newTestRouter(t, upstream.URL, credsDir, 5*time.Second, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"model":"claude-sonnet-4","messages":[{"role":"user","content":"hello"}]}`))
	req.Host = "team.example.com"
	req.Header.Set("Authorization", "Bearer client-side-key")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"msg_01"`)

	// Client auth never reaches the upstream; the domain credential does.
	assert.Empty(t, gotAuth)
	assert.Equal(t, "sk-ant-upstream", gotAPIKey)
	assert.Equal(t, "2023-06-01", gotVersion)

	assert.Eventually(t, func() bool {
		return h.Tracker().AccountSnapshot("acct-1", time.Now()).WindowTokens == 42
	}, 2*time.Second, 10*time.Millisecond, "output tokens recorded against the account")
}

func TestMessagesStreamingPassesBytesThrough(t *testing.T) {
	sse := strings.Join([]string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_02","role":"assistant","usage":{"input_tokens":5,"output_tokens":1}}}`,
		``,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		``,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"streamed"}}`,
		``,
		`data: {"type":"message_delta","delta":{"type":"message_delta","stop_reason":"end_turn"},"usage":{"output_tokens":7}}`,
		``,
		`data: {"type":"message_stop"}`,
		``,
	}, "\n")

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sse)
	}))
	defer upstream.Close()

	credsDir := t.TempDir()
	writeAPIKeyCredential(t, credsDir, "team.example.com", "sk-ant-upstream", "acct-2")
	r, h := newTestRouter(t, upstream.URL, credsDir, 5*time.Second, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"model":"claude-sonnet-4","stream":true,"messages":[{"role":"user","content":"hello"}]}`))
	req.Host = "team.example.com"
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, sse, w.Body.String(), "client stream is byte-identical to the upstream stream")

	// Usage comes out of the reconstructed stream, not the client bytes.
	assert.Eventually(t, func() bool {
		return h.Tracker().AccountSnapshot("acct-2", time.Now()).WindowTokens == 7
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMessagesStreamingPersistsChunksByteFaithfully(t *testing.T) {
	sse := strings.Join([]string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_03","role":"assistant","usage":{"input_tokens":5,"output_tokens":1}}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"chunked"}}`,
		``,
		`data: {"type":"message_delta","delta":{"type":"message_delta","stop_reason":"end_turn"},"usage":{"output_tokens":4}}`,
		``,
		`data: {"type":"message_stop"}`,
		``,
	}, "\n")

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sse)
	}))
	defer upstream.Close()

	credsDir := t.TempDir()
	writeAPIKeyCredential(t, credsDir, "team.example.com", "sk-ant-upstream", "acct-3")
	fs := &fakeStore{}
	r, _ := newTestRouter(t, upstream.URL, credsDir, 5*time.Second, fs)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"model":"claude-sonnet-4","stream":true,"messages":[{"role":"user","content":"hello"}]}`))
	req.Host = "team.example.com"
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, sse, w.Body.String())

	require.Eventually(t, func() bool {
		return fs.responseCount() == 1
	}, 2*time.Second, 10*time.Millisecond, "streaming response never finalized")

	chunks := fs.storedChunks()
	require.NotEmpty(t, chunks)

	// Replaying chunks in index order reproduces the client stream exactly,
	// event lines and blank separators included.
	var replay bytes.Buffer
	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.Index, "chunk indexes must be dense")
		replay.Write(chunk.Data)
	}
	assert.Equal(t, w.Body.String(), replay.String())

	rec := fs.responses[0]
	assert.True(t, rec.Streaming)
	require.NotNil(t, rec.OutputTokens)
	assert.Equal(t, 4, *rec.OutputTokens)
}

func TestMessagesUpstreamTimeoutReturns504(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer upstream.Close()

	r, _ := newTestRouter(t, upstream.URL, t.TempDir(), 50*time.Millisecond, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"messages":[{"role":"user","content":"hello"}]}`))
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestMessagesUnreachableUpstreamReturns502(t *testing.T) {
	// A server that is immediately closed leaves a port nothing listens on.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close()

	r, _ := newTestRouter(t, upstream.URL, t.TempDir(), time.Second, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"messages":[{"role":"user","content":"hello"}]}`))
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestMessagesPassesErrorStatusesThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"type":"rate_limit_error","message":"tokens per minute"}}`)
	}))
	defer upstream.Close()

	r, _ := newTestRouter(t, upstream.URL, t.TempDir(), time.Second, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"messages":[{"role":"user","content":"hello"}]}`))
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "rate_limit_error")
}
