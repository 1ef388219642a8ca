package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sitepulse/indexd/internal/indexing"
	"github.com/sitepulse/indexd/internal/progress"
)

// StoreSink persists the transition audit trail carried on progress events.
// Authoritative job rows are written synchronously by the workers; the audit
// rows ride the asynchronous event stream so submission latency never waits
// on them.
type StoreSink struct {
	store  indexing.JobStore
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided job store.
func NewStoreSink(store indexing.JobStore, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{store: store, logger: logger}
}

// Consume appends every transition in the batch. It respects ctx deadlines
// and returns store errors verbatim.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.store == nil {
		return nil
	}
	for _, evt := range batch {
		if evt.Transition == nil {
			continue
		}
		if err := s.store.AppendTransition(ctx, *evt.Transition); err != nil {
			return fmt.Errorf("append transition: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
