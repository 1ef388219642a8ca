// Package redis provides a Redis-backed quota and success ledger.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sitepulse/indexd/internal/indexing"
)

// Quota windows expire well after the day rolls over so late releases and
// usage queries still resolve.
const quotaTTL = 48 * time.Hour

// reserveScript is an atomic check-and-increment. It refuses once the counter
// reaches the cap; a cap of zero or below means unlimited.
var reserveScript = redis.NewScript(`
local used = tonumber(redis.call("GET", KEYS[1]) or "0")
local cap = tonumber(ARGV[1])
if cap > 0 and used >= cap then
	return 0
end
redis.call("INCR", KEYS[1])
redis.call("EXPIRE", KEYS[1], ARGV[2])
return 1
`)

// releaseScript decrements without going below zero.
var releaseScript = redis.NewScript(`
local used = tonumber(redis.call("GET", KEYS[1]) or "0")
if used > 0 then
	redis.call("DECR", KEYS[1])
end
return used
`)

// Ledger tracks confirmed successes and daily reservations in Redis.
type Ledger struct {
	client *redis.Client
	prefix string
}

// NewLedger initializes a Redis-backed Ledger.
func NewLedger(addr, password string, db int, prefix string) *Ledger {
	return &Ledger{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		prefix: prefix,
	}
}

// Close closes the Redis client.
func (l *Ledger) Close() error {
	return l.client.Close()
}

// Ping verifies connectivity, for readiness checks.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// HasSuccess reports whether a key has a confirmed successful submission.
func (l *Ledger) HasSuccess(ctx context.Context, key indexing.DedupKey) (bool, error) {
	n, err := l.client.SIsMember(ctx, l.successKey(key.SiteID, key.Provider), key.URL).Result()
	if err != nil {
		return false, fmt.Errorf("sismember: %w", err)
	}
	return n, nil
}

// Reserve performs an atomic check-and-increment against the daily cap.
func (l *Ledger) Reserve(ctx context.Context, siteID string, provider indexing.ProviderID, day time.Time, cap int) (bool, error) {
	key := l.quotaKey(siteID, provider, day)
	granted, err := reserveScript.Run(ctx, l.client, []string{key}, cap, int(quotaTTL.Seconds())).Int()
	if err != nil {
		return false, fmt.Errorf("reserve quota: %w", err)
	}
	return granted == 1, nil
}

// Release returns one reservation after a terminal failure or cancellation.
func (l *Ledger) Release(ctx context.Context, siteID string, provider indexing.ProviderID, day time.Time) error {
	key := l.quotaKey(siteID, provider, day)
	if err := releaseScript.Run(ctx, l.client, []string{key}).Err(); err != nil {
		return fmt.Errorf("release quota: %w", err)
	}
	return nil
}

// ConfirmSuccess records a confirmed successful submission for a key. Success
// membership has no TTL: a URL stays indexed until an operator forces a
// re-submission.
func (l *Ledger) ConfirmSuccess(ctx context.Context, key indexing.DedupKey, _ time.Time) error {
	if err := l.client.SAdd(ctx, l.successKey(key.SiteID, key.Provider), key.URL).Err(); err != nil {
		return fmt.Errorf("sadd: %w", err)
	}
	return nil
}

// Usage reports the reservations held for one quota window.
func (l *Ledger) Usage(ctx context.Context, siteID string, provider indexing.ProviderID, day time.Time) (indexing.QuotaUsage, error) {
	used, err := l.client.Get(ctx, l.quotaKey(siteID, provider, day)).Int()
	if err != nil {
		if err == redis.Nil {
			return indexing.QuotaUsage{}, nil
		}
		return indexing.QuotaUsage{}, fmt.Errorf("get quota: %w", err)
	}
	return indexing.QuotaUsage{Used: used}, nil
}

func (l *Ledger) quotaKey(siteID string, provider indexing.ProviderID, day time.Time) string {
	return fmt.Sprintf("%squota:%s:%s:%s", l.prefix, siteID, provider, day.UTC().Format("20060102"))
}

func (l *Ledger) successKey(siteID string, provider indexing.ProviderID) string {
	return fmt.Sprintf("%sindexed:%s:%s", l.prefix, siteID, provider)
}
