package redis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQuotaKeyLayout(t *testing.T) {
	t.Parallel()

	l := &Ledger{prefix: "indexd:"}
	day := time.Date(2023, 11, 14, 23, 30, 0, 0, time.FixedZone("EST", -5*3600))

	// 23:30 EST is already the next day in UTC; quota windows are UTC days.
	require.Equal(t, "indexd:quota:S1:indexapi:20231115", l.quotaKey("S1", "indexapi", day))
	require.Equal(t, "indexd:indexed:S1:indexapi", l.successKey("S1", "indexapi"))
}

func TestQuotaKeyWithoutPrefix(t *testing.T) {
	t.Parallel()

	l := &Ledger{}
	day := time.Date(2023, 11, 14, 10, 0, 0, 0, time.UTC)
	require.Equal(t, "quota:S1:webconsole:20231114", l.quotaKey("S1", "webconsole", day))
}
