package memory

import (
	"context"
	"sync"
	"time"

	"github.com/sitepulse/indexd/internal/indexing"
)

type quotaKey struct {
	siteID   string
	provider indexing.ProviderID
	day      string
}

// Ledger tracks confirmed successes and daily reservations in memory.
type Ledger struct {
	mu       sync.Mutex
	success  map[indexing.DedupKey]struct{}
	reserved map[quotaKey]int
}

// NewLedger constructs a Ledger.
func NewLedger() *Ledger {
	return &Ledger{
		success:  make(map[indexing.DedupKey]struct{}),
		reserved: make(map[quotaKey]int),
	}
}

// HasSuccess reports whether a key has a confirmed successful submission.
func (l *Ledger) HasSuccess(_ context.Context, key indexing.DedupKey) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.success[key]
	return ok, nil
}

// Reserve performs an atomic check-and-increment against the daily cap.
// A cap of zero or below means unlimited.
func (l *Ledger) Reserve(_ context.Context, siteID string, provider indexing.ProviderID, day time.Time, cap int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	qk := quotaKey{siteID: siteID, provider: provider, day: dayKey(day)}
	if cap > 0 && l.reserved[qk] >= cap {
		return false, nil
	}
	l.reserved[qk]++
	return true, nil
}

// Release returns one reservation after a terminal failure or cancellation.
func (l *Ledger) Release(_ context.Context, siteID string, provider indexing.ProviderID, day time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	qk := quotaKey{siteID: siteID, provider: provider, day: dayKey(day)}
	if l.reserved[qk] > 0 {
		l.reserved[qk]--
	}
	return nil
}

// ConfirmSuccess marks a key as successfully submitted. The reservation made
// at admission stays counted against the day's quota.
func (l *Ledger) ConfirmSuccess(_ context.Context, key indexing.DedupKey, _ time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.success[key] = struct{}{}
	return nil
}

// Usage reports the reservations held for one quota window. Cap is not known
// to the ledger; callers fill it from provider configuration.
func (l *Ledger) Usage(_ context.Context, siteID string, provider indexing.ProviderID, day time.Time) (indexing.QuotaUsage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	qk := quotaKey{siteID: siteID, provider: provider, day: dayKey(day)}
	return indexing.QuotaUsage{Used: l.reserved[qk]}, nil
}

func dayKey(day time.Time) string {
	return day.UTC().Format("2006-01-02")
}
