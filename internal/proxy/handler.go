package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lumenlabs/claude-nexus/internal/anthropic"
	"github.com/lumenlabs/claude-nexus/internal/apierrors"
	"github.com/lumenlabs/claude-nexus/internal/config"
	"github.com/lumenlabs/claude-nexus/internal/conversation"
	"github.com/lumenlabs/claude-nexus/internal/credentials"
	"github.com/lumenlabs/claude-nexus/internal/logger"
	"github.com/lumenlabs/claude-nexus/internal/metrics"
	"github.com/lumenlabs/claude-nexus/internal/notifications"
	"github.com/lumenlabs/claude-nexus/internal/storage"
	"github.com/lumenlabs/claude-nexus/internal/usage"
)

// Default request body bounds, used when the config leaves them unset. The
// Messages API itself rejects anything near these sizes.
const (
	defaultMaxRequestBytes = 32 << 20
	defaultMaxMessages     = 1000
	defaultMaxTextChars    = 8 << 20
)

// maxBufferedResponseBytes bounds non-streaming response capture.
const maxBufferedResponseBytes = 64 << 20

// Store is the persistence surface the pipeline uses. *storage.Adapter
// implements it; nil disables persistence.
type Store interface {
	RegisterRequest(requestID uuid.UUID) string
	ResolveShortID(short string) (uuid.UUID, bool)
	LinkConversation(ctx context.Context, domain string, req *anthropic.MessagesRequest, ts time.Time) (*conversation.Linkage, error)
	StoreRequest(ctx context.Context, rec *storage.RequestRecord) error
	StoreResponse(ctx context.Context, rec *storage.ResponseRecord) error
	StoreChunk(ctx context.Context, chunk *storage.Chunk) error
	ProcessTaskToolInvocations(ctx context.Context, requestID uuid.UUID, resp *anthropic.MessagesResponse) error
	Writer() *storage.Writer
}

// Handler is the streaming proxy pipeline.
type Handler struct {
	cfg       *config.Config
	log       *logger.Logger
	creds     *credentials.Manager
	store     Store
	tracker   *usage.Tracker
	notifier  *notifications.Notifier
	target    *url.URL
	transport *http.Transport

	maxBodyBytes int64
	maxMessages  int
	maxTextChars int
}

// New builds the handler. store may be nil when storage is disabled.
func New(
	cfg *config.Config,
	log *logger.Logger,
	creds *credentials.Manager,
	store Store,
	tracker *usage.Tracker,
	notifier *notifications.Notifier,
) (*Handler, error) {
	target, err := url.Parse(cfg.ClaudeAPIURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url %q: %w", cfg.ClaudeAPIURL, err)
	}
	h := &Handler{
		cfg:          cfg,
		log:          log,
		creds:        creds,
		store:        store,
		tracker:      tracker,
		notifier:     notifier,
		target:       target,
		transport:    newTransport(cfg),
		maxBodyBytes: cfg.MaxRequestBodyBytes,
		maxMessages:  cfg.MaxMessageCount,
		maxTextChars: cfg.MaxTotalTextChars,
	}
	if h.maxBodyBytes <= 0 {
		h.maxBodyBytes = defaultMaxRequestBytes
	}
	if h.maxMessages <= 0 {
		h.maxMessages = defaultMaxMessages
	}
	if h.maxTextChars <= 0 {
		h.maxTextChars = defaultMaxTextChars
	}
	return h, nil
}

// Tracker exposes the usage tracker for the stats endpoints.
func (h *Handler) Tracker() *usage.Tracker {
	return h.tracker
}

// Messages proxies POST /v1/messages.
func (h *Handler) Messages() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		domain := c.Request.Host

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, h.maxBodyBytes+1))
		if err != nil {
			apierrors.AbortWithBadRequest(c, "failed to read request body", nil)
			return
		}
		if int64(len(body)) > h.maxBodyBytes {
			apierrors.AbortWithBadRequest(c, "request body too large", map[string]interface{}{
				"max_bytes": h.maxBodyBytes,
			})
			return
		}

		req, err := anthropic.ParseMessagesRequest(body)
		if err != nil {
			apierrors.AbortWithBadRequest(c, "request body is not valid JSON", nil)
			return
		}
		if len(req.Messages) == 0 {
			apierrors.AbortWithBadRequest(c, "messages must not be empty", nil)
			return
		}
		if len(req.Messages) > h.maxMessages {
			apierrors.AbortWithBadRequest(c, "too many messages", map[string]interface{}{
				"max_messages": h.maxMessages,
			})
			return
		}
		if n := totalTextChars(req.Messages); n > h.maxTextChars {
			apierrors.AbortWithBadRequest(c, "total message text too long", map[string]interface{}{
				"max_text_chars": h.maxTextChars,
			})
			return
		}

		requestID := uuid.New()
		shortID := requestID.String()[:8]
		if h.store != nil {
			shortID = h.store.RegisterRequest(requestID)
		}

		ctx := logger.WithRequestID(c.Request.Context(), shortID)
		ctx = logger.WithDomain(ctx, domain)
		log := h.log.WithContext(ctx).WithComponent("proxy")

		cred, err := h.resolveCredential(c, ctx, log, domain)
		if err != nil {
			// Response already written.
			return
		}

		st := &requestState{
			handler:     h,
			log:         log,
			requestID:   requestID,
			shortID:     shortID,
			domain:      domain,
			model:       req.Model,
			requestType: Classify(req),
			start:       start,
		}
		if cred != nil {
			st.accountID = cred.AccountID
		}

		if h.store != nil {
			st.stored = h.recordRequest(ctx, c, log, req, body, st)
		}

		log.Info("proxy request started",
			"type", st.requestType,
			"model", st.model,
			"message_count", len(req.Messages),
			"stream", req.Stream,
			"request_size", len(body))

		h.forward(c, st, cred, body)
	}
}

// resolveCredential maps the domain to its upstream credential. A domain with
// no credential file falls through with nil: the client's own key is already
// stripped, so the upstream will reject it, but header-level passthrough
// stays possible for domains that proxy their own keys.
func (h *Handler) resolveCredential(c *gin.Context, ctx context.Context, log *logger.Logger, domain string) (*credentials.Credential, error) {
	cred, err := h.creds.GetCredential(ctx, domain)
	if err == nil {
		return cred, nil
	}
	if errors.Is(err, credentials.ErrNotConfigured) {
		log.Debug("no credential configured for domain, passing through client auth")
		return nil, nil
	}

	var rerr *credentials.RefreshError
	if errors.As(err, &rerr) && rerr.Permanent() {
		log.LogError(ctx, err, "oauth refresh rejected, domain must re-authenticate")
		apierrors.AbortWithUpstream(c, "upstream credential refresh was rejected", rerr.StatusCode)
		return nil, err
	}

	log.LogError(ctx, err, "credential resolution failed")
	apierrors.AbortWithUpstream(c, "could not refresh upstream credential", http.StatusBadGateway)
	return nil, err
}

// recordRequest links the conversation and writes the request row. Storage
// trouble degrades to pass-through proxying rather than failing the request.
func (h *Handler) recordRequest(ctx context.Context, c *gin.Context, log *logger.Logger, req *anthropic.MessagesRequest, body []byte, st *requestState) bool {
	linkage, err := h.store.LinkConversation(ctx, st.domain, req, st.start)
	if err != nil {
		log.LogError(ctx, err, "conversation linking failed")
		return false
	}

	rec := &storage.RequestRecord{
		RequestID:           st.requestID,
		Domain:              st.domain,
		Timestamp:           st.start,
		Method:              c.Request.Method,
		Path:                c.Request.URL.Path,
		RequestHeaders:      storedHeaders(c.Request.Header),
		Model:               req.Model,
		RequestType:         st.requestType,
		ConversationID:      &linkage.ConversationID,
		BranchID:            linkage.BranchID,
		ParentRequestID:     linkage.ParentRequestID,
		ParentTaskRequestID: linkage.ParentTaskRequestID,
		IsSubtask:           linkage.IsSubtask,
	}
	if st.accountID != "" {
		rec.AccountID = &st.accountID
	}
	if json.Valid(body) {
		rec.RequestBody = json.RawMessage(body)
	}
	if linkage.CurrentMessageHash != "" {
		rec.CurrentMessageHash = &linkage.CurrentMessageHash
	}
	if linkage.ParentMessageHash != "" {
		rec.ParentMessageHash = &linkage.ParentMessageHash
	}
	if linkage.SystemHash != "" {
		rec.SystemHash = &linkage.SystemHash
	}
	if linkage.MessageCount > 0 {
		rec.MessageCount = &linkage.MessageCount
	}
	if linkage.IsSubtask {
		rec.SubtaskSequence = &linkage.SubtaskSequence
	}

	if err := h.store.StoreRequest(ctx, rec); err != nil {
		log.LogError(ctx, err, "failed to store request row")
		return false
	}

	log.Info("conversation linked",
		"conversation_id", linkage.ConversationID,
		"branch_id", linkage.BranchID,
		"is_subtask", linkage.IsSubtask,
		"message_count", linkage.MessageCount)
	return true
}

// forward runs the upstream exchange through a pooled reverse proxy. The
// response tee keeps the client byte stream untouched while capturing chunks,
// usage, and the reconstructed message.
func (h *Handler) forward(c *gin.Context, st *requestState, cred *credentials.Credential, body []byte) {
	proxy := httputil.NewSingleHostReverseProxy(h.target)
	proxy.Transport = h.transport
	proxy.FlushInterval = -1

	orig := proxy.Director
	proxy.Director = func(r *http.Request) {
		orig(r)
		r.Host = h.target.Host
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))

		sanitizeForward(r.Header)
		if cred != nil {
			cred.Apply(r.Header)
		}
		if r.Header.Get("anthropic-version") == "" {
			r.Header.Set("anthropic-version", "2023-06-01")
		}
		r.Header.Set("Accept-Encoding", "identity")
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		h.handleUpstreamError(c, st, err)
	}

	proxy.ModifyResponse = func(resp *http.Response) error {
		st.mu.Lock()
		st.status = resp.StatusCode
		st.respHeaders = storedHeaders(resp.Header)
		st.streaming = strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")
		streaming := st.streaming
		st.mu.Unlock()

		if streaming {
			return h.tapStreaming(resp, st)
		}
		return h.tapBuffered(resp, st)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.cfg.ClaudeAPITimeout)
	defer cancel()

	// Canceled client requests can panic inside ServeHTTP.
	// See: https://github.com/gin-gonic/gin/issues/2279
	select {
	case <-c.Request.Context().Done():
		st.mu.Lock()
		st.errMsg = "client canceled request before forwarding"
		st.mu.Unlock()
		st.finalize()
		return
	default:
		proxy.ServeHTTP(c.Writer, c.Request.WithContext(ctx))
	}
}

// totalTextChars sums the text content across all messages.
func totalTextChars(msgs []anthropic.Message) int {
	n := 0
	for _, m := range msgs {
		n += len(m.Text())
	}
	return n
}

// handleUpstreamError classifies transport failures: deadline means the
// upstream outran the configured timeout, anything else is a bad gateway.
// Client disconnects only finalize.
func (h *Handler) handleUpstreamError(c *gin.Context, st *requestState, err error) {
	st.mu.Lock()
	clientGone := c.Request.Context().Err() != nil && !errors.Is(err, context.DeadlineExceeded)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		st.status = http.StatusGatewayTimeout
		st.errMsg = fmt.Sprintf("upstream timed out after %s", h.cfg.ClaudeAPITimeout)
	case clientGone:
		st.status = 0
		st.errMsg = "client disconnected"
	default:
		st.status = http.StatusBadGateway
		st.errMsg = fmt.Sprintf("upstream request failed: %v", err)
	}
	status := st.status
	msg := st.errMsg
	st.mu.Unlock()

	metrics.UpstreamErrors.WithLabelValues(st.domain, statusClass(status)).Inc()

	if !clientGone && !c.Writer.Written() {
		switch status {
		case http.StatusGatewayTimeout:
			apierrors.AbortWithTimeout(c, msg)
		default:
			apierrors.AbortWithUpstream(c, msg, http.StatusBadGateway)
		}
	}

	st.finalize()
}
