package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/sitepulse/indexd/internal/indexing"
)

// Ledger tracks confirmed successes and daily quota reservations in Postgres.
type Ledger struct {
	pool pgxPool
}

// NewLedger constructs a Ledger from an existing pool.
func NewLedger(pool pgxPool) (*Ledger, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Ledger{pool: pool}, nil
}

// HasSuccess reports whether a key has a confirmed successful submission.
func (l *Ledger) HasSuccess(ctx context.Context, key indexing.DedupKey) (bool, error) {
	query := `
SELECT EXISTS (
	SELECT 1 FROM indexed_urls
	WHERE site_id = $1 AND url = $2 AND provider = $3
)`
	var exists bool
	if err := l.pool.QueryRow(ctx, query, key.SiteID, key.URL, key.Provider).Scan(&exists); err != nil {
		return false, fmt.Errorf("query indexed_urls: %w", err)
	}
	return exists, nil
}

// Reserve performs an atomic check-and-increment against the daily cap. The
// conditional upsert refuses the reservation once used reaches the cap, so
// concurrent submission bursts cannot race past it. A cap of zero or below
// means unlimited.
func (l *Ledger) Reserve(ctx context.Context, siteID string, provider indexing.ProviderID, day time.Time, cap int) (bool, error) {
	if cap <= 0 {
		query := `
INSERT INTO quota_usage (site_id, provider, day, used)
VALUES ($1,$2,$3,1)
ON CONFLICT (site_id, provider, day)
DO UPDATE SET used = quota_usage.used + 1`
		if _, err := l.pool.Exec(ctx, query, siteID, provider, quotaDay(day)); err != nil {
			return false, fmt.Errorf("reserve quota: %w", err)
		}
		return true, nil
	}
	query := `
INSERT INTO quota_usage (site_id, provider, day, used)
VALUES ($1,$2,$3,1)
ON CONFLICT (site_id, provider, day)
DO UPDATE SET used = quota_usage.used + 1
WHERE quota_usage.used < $4`
	tag, err := l.pool.Exec(ctx, query, siteID, provider, quotaDay(day), cap)
	if err != nil {
		return false, fmt.Errorf("reserve quota: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Release returns one reservation after a terminal failure or cancellation.
func (l *Ledger) Release(ctx context.Context, siteID string, provider indexing.ProviderID, day time.Time) error {
	query := `
UPDATE quota_usage SET used = used - 1
WHERE site_id = $1 AND provider = $2 AND day = $3 AND used > 0`
	if _, err := l.pool.Exec(ctx, query, siteID, provider, quotaDay(day)); err != nil {
		return fmt.Errorf("release quota: %w", err)
	}
	return nil
}

// ConfirmSuccess records a confirmed successful submission for a key.
func (l *Ledger) ConfirmSuccess(ctx context.Context, key indexing.DedupKey, day time.Time) error {
	query := `
INSERT INTO indexed_urls (site_id, url, provider, day, confirmed_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (site_id, url, provider) DO NOTHING`
	if _, err := l.pool.Exec(ctx, query, key.SiteID, key.URL, key.Provider, quotaDay(day), time.Now().UTC()); err != nil {
		return fmt.Errorf("confirm success: %w", err)
	}
	return nil
}

// Usage reports the reservations held for one quota window. Cap is filled by
// the caller from provider configuration.
func (l *Ledger) Usage(ctx context.Context, siteID string, provider indexing.ProviderID, day time.Time) (indexing.QuotaUsage, error) {
	query := `
SELECT COALESCE(
	(SELECT used FROM quota_usage WHERE site_id = $1 AND provider = $2 AND day = $3),
	0
)`
	var used int
	if err := l.pool.QueryRow(ctx, query, siteID, provider, quotaDay(day)).Scan(&used); err != nil {
		return indexing.QuotaUsage{}, fmt.Errorf("query quota_usage: %w", err)
	}
	return indexing.QuotaUsage{Used: used}, nil
}

func quotaDay(day time.Time) string {
	return day.UTC().Format("2006-01-02")
}
