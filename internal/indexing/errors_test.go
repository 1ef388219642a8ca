package indexing_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitepulse/indexd/internal/indexing"
)

func TestKindOf(t *testing.T) {
	t.Parallel()
	require.Equal(t, indexing.AuthError, indexing.KindOf(indexing.E(indexing.AuthError, "login failed")))
	require.Equal(t, indexing.TransientProviderError, indexing.KindOf(context.DeadlineExceeded))
	require.Equal(t, indexing.UnexpectedError, indexing.KindOf(errors.New("mystery")))

	wrapped := fmt.Errorf("submit: %w", indexing.E(indexing.TerminalProviderError, "domain not verified"))
	require.Equal(t, indexing.TerminalProviderError, indexing.KindOf(wrapped))
}

func TestRetryable(t *testing.T) {
	t.Parallel()
	require.True(t, indexing.Retryable(indexing.E(indexing.TransientProviderError, "503")))
	require.True(t, indexing.Retryable(context.DeadlineExceeded))
	require.False(t, indexing.Retryable(indexing.E(indexing.AuthError, "401")))
	require.False(t, indexing.Retryable(indexing.E(indexing.TerminalProviderError, "bad url")))
	require.False(t, indexing.Retryable(errors.New("mystery")))
	require.False(t, indexing.Retryable(nil))
}

func TestRecordError(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()

	rec := indexing.RecordError(indexing.E(indexing.TerminalProviderError, "rejected").WithDetail(`{"code":"URL_MALFORMED"}`), now)
	require.Equal(t, indexing.TerminalProviderError, rec.Kind)
	require.Equal(t, "rejected", rec.Message)
	require.Equal(t, `{"code":"URL_MALFORMED"}`, rec.Detail)
	require.Equal(t, now, rec.At)

	rec = indexing.RecordError(errors.New("mystery"), now)
	require.Equal(t, indexing.UnexpectedError, rec.Kind)
	require.Equal(t, "mystery", rec.Message)

	require.Nil(t, indexing.RecordError(nil, now))
}

func TestBackoffPolicy(t *testing.T) {
	t.Parallel()
	p := indexing.NewBackoffPolicy()

	require.True(t, p.Allows(0))
	require.True(t, p.Allows(2))
	require.False(t, p.Allows(3))

	for attempt := 0; attempt < 8; attempt++ {
		d := p.Delay(attempt)
		require.Positive(t, d)
		require.LessOrEqual(t, d, 60*time.Second)
	}
	// First retry waits at least half the 2s base.
	require.GreaterOrEqual(t, p.Delay(0), time.Second)
}

func TestQuotaDay(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+9", 9*3600)
	local := time.Date(2025, 6, 2, 1, 30, 0, 0, loc) // 2025-06-01T16:30Z
	require.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), indexing.QuotaDay(local))
}
