package storage

import (
	"context"
	"crypto/rand"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/lumenlabs/claude-nexus/internal/anthropic"
	"github.com/lumenlabs/claude-nexus/internal/conversation"
	"github.com/lumenlabs/claude-nexus/internal/hasher"
	"github.com/lumenlabs/claude-nexus/internal/logger"
	"github.com/lumenlabs/claude-nexus/internal/metrics"
)

// Short request IDs use an unambiguous alphabet (no 0/O/1/I) so they can be
// read back from logs without confusion.
const (
	shortIDAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	shortIDLength   = 8
)

// slowCleanupThreshold flags cleanup cycles that held the lock too long.
const slowCleanupThreshold = 100 * time.Millisecond

type shortIDEntry struct {
	requestID uuid.UUID
	storedAt  time.Time
}

// AdapterConfig tunes the in-memory short ID map.
type AdapterConfig struct {
	CompactMarkerPrefix string
	DebugSQL            bool
	SlowQueryThreshold  time.Duration
	CleanupInterval     time.Duration
	RetentionWindow     time.Duration
}

// Adapter is the storage surface the proxy uses: row writes, conversation
// linkage, and the short-ID to UUID map for log correlation.
type Adapter struct {
	writer *Writer
	linker *conversation.Linker
	log    *logger.Logger

	retention       time.Duration
	cleanupInterval time.Duration

	mu       sync.RWMutex
	shortIDs map[string]shortIDEntry

	timerMu sync.Mutex
	timer   *time.Timer
	closed  bool
}

// NewAdapter builds the adapter and starts the cleanup cycle.
func NewAdapter(db *sqlx.DB, cfg AdapterConfig, log *logger.Logger) *Adapter {
	writer := NewWriter(db, log, cfg.DebugSQL, cfg.SlowQueryThreshold)
	a := &Adapter{
		writer:          writer,
		linker:          conversation.NewLinker(writer, cfg.CompactMarkerPrefix),
		log:             log,
		retention:       cfg.RetentionWindow,
		cleanupInterval: cfg.CleanupInterval,
		shortIDs:        make(map[string]shortIDEntry),
	}
	a.scheduleCleanup()
	return a
}

// Writer exposes the underlying query layer for components that read rows
// directly, such as the analysis worker.
func (a *Adapter) Writer() *Writer {
	return a.writer
}

// RegisterRequest allocates a fresh short ID and maps it to the request UUID.
func (a *Adapter) RegisterRequest(requestID uuid.UUID) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	for {
		short := newShortID()
		if _, taken := a.shortIDs[short]; taken {
			continue
		}
		a.shortIDs[short] = shortIDEntry{requestID: requestID, storedAt: time.Now()}
		metrics.ShortIDMapSize.Set(float64(len(a.shortIDs)))
		return short
	}
}

// ResolveShortID returns the UUID a short ID maps to, if still retained.
func (a *Adapter) ResolveShortID(short string) (uuid.UUID, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	entry, ok := a.shortIDs[short]
	return entry.requestID, ok
}

// MapSize returns the number of live short ID entries.
func (a *Adapter) MapSize() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.shortIDs)
}

// scheduleCleanup arms a one-shot timer for the next cleanup cycle. The cycle
// re-arms itself; a ticker would pile up cycles behind a slow sweep.
func (a *Adapter) scheduleCleanup() {
	a.timerMu.Lock()
	defer a.timerMu.Unlock()
	if a.closed || a.cleanupInterval <= 0 {
		return
	}
	a.timer = time.AfterFunc(a.cleanupInterval, func() {
		a.cleanupExpired()
		a.scheduleCleanup()
	})
}

// cleanupExpired evicts short ID entries past the retention window.
func (a *Adapter) cleanupExpired() {
	started := time.Now()
	cutoff := started.Add(-a.retention)

	a.mu.Lock()
	evicted := 0
	for short, entry := range a.shortIDs {
		if entry.storedAt.Before(cutoff) {
			delete(a.shortIDs, short)
			evicted++
		}
	}
	remaining := len(a.shortIDs)
	a.mu.Unlock()

	elapsed := time.Since(started)
	metrics.CleanupDuration.Observe(elapsed.Seconds())
	metrics.ShortIDEvictions.Add(float64(evicted))
	metrics.ShortIDMapSize.Set(float64(remaining))

	if elapsed > slowCleanupThreshold {
		a.log.Warn("slow short ID cleanup cycle",
			"duration_ms", elapsed.Milliseconds(),
			"evicted", evicted,
			"remaining", remaining)
	} else if evicted > 0 {
		a.log.Debug("short ID cleanup cycle",
			"evicted", evicted,
			"remaining", remaining)
	}
}

// Close stops the cleanup cycle and clears the short ID map. Safe to call
// more than once.
func (a *Adapter) Close() {
	a.timerMu.Lock()
	a.closed = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.timerMu.Unlock()

	a.mu.Lock()
	a.shortIDs = make(map[string]shortIDEntry)
	a.mu.Unlock()
	metrics.ShortIDMapSize.Set(0)
}

// LinkConversation computes the conversation assignment for an incoming
// request.
func (a *Adapter) LinkConversation(ctx context.Context, domain string, req *anthropic.MessagesRequest, ts time.Time) (*conversation.Linkage, error) {
	return a.linker.Link(ctx, domain, req.Messages, req.System, ts)
}

// StoreRequest persists the request row.
func (a *Adapter) StoreRequest(ctx context.Context, rec *RequestRecord) error {
	return a.writer.InsertRequest(ctx, rec)
}

// StoreResponse completes the request row.
func (a *Adapter) StoreResponse(ctx context.Context, rec *ResponseRecord) error {
	return a.writer.UpdateResponse(ctx, rec)
}

// StoreChunk appends one streaming chunk.
func (a *Adapter) StoreChunk(ctx context.Context, chunk *Chunk) error {
	return a.writer.InsertChunk(ctx, chunk)
}

// ProcessTaskToolInvocations scans a completed response for Task tool calls
// and records them so later single-message requests can be linked as
// sub-tasks.
func (a *Adapter) ProcessTaskToolInvocations(ctx context.Context, requestID uuid.UUID, resp *anthropic.MessagesResponse) error {
	invocations := anthropic.ExtractTaskInvocations(resp.Content)
	if len(invocations) == 0 {
		return nil
	}
	// Prompts are normalized the same way sub-task probes normalize the
	// incoming user message, so containment matches are exact.
	records := make([]TaskInvocationRecord, len(invocations))
	for i, inv := range invocations {
		records[i] = TaskInvocationRecord{
			ToolID: inv.ToolID,
			Prompt: strings.TrimSpace(hasher.StripSystemReminders(inv.Prompt)),
		}
	}
	return a.writer.UpdateTaskInvocations(ctx, requestID, records)
}

// newShortID draws a random ID from the unambiguous alphabet.
func newShortID() string {
	buf := make([]byte, shortIDLength)
	maxIdx := big.NewInt(int64(len(shortIDAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, maxIdx)
		if err != nil {
			panic(err)
		}
		buf[i] = shortIDAlphabet[n.Int64()]
	}
	return string(buf)
}
