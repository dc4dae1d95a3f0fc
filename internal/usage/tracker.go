// Package usage tracks token consumption per account and classifies upstream
// rate limit responses.
package usage

import (
	"sync"
	"time"

	"github.com/lumenlabs/claude-nexus/internal/anthropic"
)

// WindowDuration is the rolling quota window used by the upstream plans.
const WindowDuration = 300 * time.Minute

type event struct {
	at     time.Time
	input  int64
	output int64
}

// Snapshot is the usage summary for one account. WindowTokens counts output
// tokens, which is what the upstream quota windows meter.
type Snapshot struct {
	AccountID    string    `json:"account_id"`
	WindowTokens int64     `json:"window_tokens"`
	WindowStart  time.Time `json:"window_start"`
	DailyTokens  int64     `json:"daily_tokens"`
	RequestCount int64     `json:"request_count"`
}

// Tracker accumulates per-account token usage in memory. Safe for concurrent
// use.
type Tracker struct {
	mu     sync.Mutex
	window time.Duration
	events map[string][]event
	daily  map[string]map[string]int64 // account -> yyyy-mm-dd -> tokens
	counts map[string]int64
}

// NewTracker creates a tracker over the standard quota window.
func NewTracker() *Tracker {
	return &Tracker{
		window: WindowDuration,
		events: make(map[string][]event),
		daily:  make(map[string]map[string]int64),
		counts: make(map[string]int64),
	}
}

// Record adds one response's token usage to the account.
func (t *Tracker) Record(accountID string, usage anthropic.Usage, at time.Time) {
	if accountID == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.events[accountID] = append(t.trimmed(accountID, at), event{
		at:     at,
		input:  int64(usage.InputTokens),
		output: int64(usage.OutputTokens),
	})
	t.counts[accountID]++

	day := at.UTC().Format("2006-01-02")
	if t.daily[accountID] == nil {
		t.daily[accountID] = make(map[string]int64)
	}
	t.daily[accountID][day] += int64(usage.Total())
}

// trimmed drops events that fell out of the rolling window. Caller holds the
// lock.
func (t *Tracker) trimmed(accountID string, now time.Time) []event {
	evs := t.events[accountID]
	cutoff := now.Add(-t.window)
	i := 0
	for i < len(evs) && evs[i].at.Before(cutoff) {
		i++
	}
	return evs[i:]
}

// AccountSnapshot returns the current usage for one account.
func (t *Tracker) AccountSnapshot(accountID string, now time.Time) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	evs := t.trimmed(accountID, now)
	t.events[accountID] = evs

	snap := Snapshot{
		AccountID:    accountID,
		DailyTokens:  t.daily[accountID][now.UTC().Format("2006-01-02")],
		RequestCount: t.counts[accountID],
	}
	for _, e := range evs {
		snap.WindowTokens += e.output
	}
	if len(evs) > 0 {
		snap.WindowStart = evs[0].at
	}
	return snap
}

// DayUsage is one UTC day's token aggregate for an account.
type DayUsage struct {
	Day    string `json:"day"`
	Tokens int64  `json:"tokens"`
}

// DailyUsage returns per-day totals for the last days UTC days ending at now,
// oldest first. Days with no traffic report zero.
func (t *Tracker) DailyUsage(accountID string, days int, now time.Time) []DayUsage {
	if days < 1 {
		days = 1
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]DayUsage, 0, days)
	today := now.UTC()
	for i := days - 1; i >= 0; i-- {
		day := today.AddDate(0, 0, -i).Format("2006-01-02")
		out = append(out, DayUsage{Day: day, Tokens: t.daily[accountID][day]})
	}
	return out
}

// Snapshots returns usage for every account seen, sorted by account id at the
// call site if needed.
func (t *Tracker) Snapshots(now time.Time) []Snapshot {
	t.mu.Lock()
	accounts := make([]string, 0, len(t.counts))
	for id := range t.counts {
		accounts = append(accounts, id)
	}
	t.mu.Unlock()

	out := make([]Snapshot, 0, len(accounts))
	for _, id := range accounts {
		out = append(out, t.AccountSnapshot(id, now))
	}
	return out
}
