package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitepulse/indexd/internal/indexing"
	"github.com/sitepulse/indexd/internal/progress"
	"github.com/sitepulse/indexd/internal/storage/memory"
)

// TestStoreSinkPersistsTransitions ensures audit rows riding on events reach the store.
func TestStoreSinkPersistsTransitions(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	sink := NewStoreSink(store, nil)
	now := time.Now().UTC()

	batch := []progress.Event{
		{JobID: "j1", Stage: progress.StageJobCreated, TS: now, Provider: "indexapi"},
		{
			JobID:    "j1",
			Stage:    progress.StageAttemptStart,
			TS:       now.Add(time.Second),
			Provider: "indexapi",
			Attempt:  1,
			Transition: &indexing.Transition{
				JobID: "j1", SiteID: "S1", Provider: "indexapi",
				From: indexing.JobPending, To: indexing.JobInProgress, At: now.Add(time.Second),
			},
		},
		{
			JobID:    "j1",
			Stage:    progress.StageJobDone,
			TS:       now.Add(2 * time.Second),
			Provider: "indexapi",
			Result:   progress.ResultSuccess,
			Transition: &indexing.Transition{
				JobID: "j1", SiteID: "S1", Provider: "indexapi",
				From: indexing.JobInProgress, To: indexing.JobSucceeded, At: now.Add(2 * time.Second),
			},
		},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	trs := store.Transitions("j1")
	require.Len(t, trs, 2, "only events carrying a transition persist rows")
	require.Equal(t, indexing.JobInProgress, trs[0].To)
	require.Equal(t, indexing.JobSucceeded, trs[1].To)
}

// TestStoreSinkWithoutStore verifies a nil store is a no-op rather than a panic.
func TestStoreSinkWithoutStore(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(nil, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{JobID: "j1", Stage: progress.StageJobCreated, TS: time.Now()},
	})
	require.NoError(t, err)
}
