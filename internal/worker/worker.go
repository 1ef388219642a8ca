// Package worker implements the submission attempt loop that drives a job
// from PENDING to a terminal state.
package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sitepulse/indexd/internal/indexing"
	"github.com/sitepulse/indexd/internal/progress"
)

// CancelSignal lets the dispatcher interrupt a job between checkpoints.
// Cancellation never aborts an in-flight provider call; it takes effect
// before the next attempt and during retry waits.
type CancelSignal interface {
	Done() <-chan struct{}
	Cancelled() bool
}

// SessionInvalidator drops a cached browser session after an auth rejection
// so the next attempt re-authenticates.
type SessionInvalidator interface {
	Invalidate(provider indexing.ProviderID, account string)
}

// Config controls Worker behavior.
type Config struct {
	// Topic is the destination for terminal outcome messages. Empty disables
	// publishing.
	Topic string
}

// Worker executes one job at a time: it runs submission attempts through the
// provider adapter, applies the retry policy, settles the quota ledger and
// emits progress events.
type Worker struct {
	jobs      indexing.JobStore
	ledger    indexing.Ledger
	configs   indexing.ProviderConfigSource
	clock     indexing.Clock
	backoff   indexing.BackoffPolicy
	publisher indexing.Publisher
	hub       *progress.Hub
	sessions  SessionInvalidator
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. Publisher and sessions may be nil.
func New(
	jobs indexing.JobStore,
	ledger indexing.Ledger,
	configs indexing.ProviderConfigSource,
	clock indexing.Clock,
	backoff indexing.BackoffPolicy,
	publisher indexing.Publisher,
	hub *progress.Hub,
	sessions SessionInvalidator,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		jobs:      jobs,
		ledger:    ledger,
		configs:   configs,
		clock:     clock,
		backoff:   backoff,
		publisher: publisher,
		hub:       hub,
		sessions:  sessions,
		cfg:       cfg,
		logger:    logger,
	}
}

// Outcome is the terminal message published for every completed job.
type Outcome struct {
	JobID       string                  `json:"job_id"`
	SiteID      string                  `json:"site_id"`
	URL         string                  `json:"url"`
	Provider    indexing.ProviderID     `json:"provider"`
	State       indexing.JobState       `json:"state"`
	Attempts    int                     `json:"attempts"`
	CompletedAt time.Time               `json:"completed_at"`
	Error       *indexing.ErrorRecord   `json:"error,omitempty"`
	Receipt     *indexing.SubmitReceipt `json:"receipt,omitempty"`
}

// Attributes exposes filterable message attributes to the Pub/Sub publisher.
func (o Outcome) Attributes() map[string]string {
	return map[string]string{
		"site_id":  o.SiteID,
		"provider": string(o.Provider),
		"state":    string(o.State),
	}
}

// Process runs the job until it reaches a terminal state or the context ends.
// Jobs recovered in IN_PROGRESS resume their attempt loop without a fresh
// PENDING transition. On context cancellation the job is left in its last
// persisted state for crash recovery to re-enqueue.
func (w *Worker) Process(ctx context.Context, adapter indexing.Adapter, job indexing.Job, signal CancelSignal) {
	cfg, ok := w.configs.Lookup(job.SiteID, job.Provider)
	if !ok {
		w.finalizeFailed(ctx, &job, indexing.E(indexing.ConfigError,
			fmt.Sprintf("provider %s is no longer enabled for site %s", job.Provider, job.SiteID)))
		return
	}
	policy := w.backoff
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}

	for {
		if cancelled(signal) {
			w.finalizeCancelled(ctx, &job)
			return
		}

		var startTr *indexing.Transition
		if job.State != indexing.JobInProgress {
			tr, err := job.Advance(indexing.JobInProgress, w.clock.Now(), nil)
			if err != nil {
				w.logger.Error("job cannot start attempt", zap.String("job_id", job.ID), zap.Error(err))
				return
			}
			startTr = &tr
		}
		job.Attempts++
		if err := w.jobs.UpdateJob(ctx, job); err != nil {
			w.logger.Error("persist attempt start", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		w.emit(progress.Event{
			JobID:      job.ID,
			TS:         w.clock.Now(),
			Stage:      progress.StageAttemptStart,
			SiteID:     job.SiteID,
			Provider:   job.Provider,
			URL:        job.URL,
			Attempt:    job.Attempts,
			Transition: startTr,
		})

		start := w.clock.Now()
		receipt, err := w.submit(ctx, adapter, cfg, job)
		dur := w.clock.Now().Sub(start)

		if err == nil {
			w.emit(progress.Event{
				JobID:    job.ID,
				TS:       w.clock.Now(),
				Stage:    progress.StageAttemptDone,
				SiteID:   job.SiteID,
				Provider: job.Provider,
				URL:      job.URL,
				Attempt:  job.Attempts,
				Result:   progress.ResultSuccess,
				Dur:      dur,
			})
			w.finalizeSuccess(ctx, &job, receipt)
			return
		}
		if ctx.Err() != nil {
			// Shutdown, not a provider verdict. The job stays persisted
			// IN_PROGRESS and is re-enqueued on restart.
			return
		}

		kind := indexing.KindOf(err)
		w.emit(progress.Event{
			JobID:     job.ID,
			TS:        w.clock.Now(),
			Stage:     progress.StageAttemptDone,
			SiteID:    job.SiteID,
			Provider:  job.Provider,
			URL:       job.URL,
			Attempt:   job.Attempts,
			Result:    progress.ResultError,
			ErrorKind: kind,
			Dur:       dur,
			Note:      err.Error(),
		})
		w.logger.Warn("submission attempt failed",
			zap.String("job_id", job.ID),
			zap.String("provider", string(job.Provider)),
			zap.Int("attempt", job.Attempts),
			zap.String("kind", string(kind)),
			zap.Error(err))

		if kind == indexing.AuthError && cfg.Kind == indexing.ProviderBrowser && w.sessions != nil {
			w.sessions.Invalidate(cfg.ID, cfg.Account)
		}

		if cancelled(signal) {
			w.finalizeCancelled(ctx, &job)
			return
		}
		if !indexing.Retryable(err) || !policy.Allows(job.Attempts) {
			w.finalizeFailed(ctx, &job, err)
			return
		}

		delay := policy.Delay(job.Attempts)
		if !w.scheduleRetry(ctx, &job, err, delay) {
			return
		}
		var done <-chan struct{}
		if signal != nil {
			done = signal.Done()
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			// Stays RETRY_SCHEDULED for crash recovery.
			return
		case <-done:
			w.finalizeCancelled(ctx, &job)
			return
		}
	}
}

func cancelled(signal CancelSignal) bool {
	return signal != nil && signal.Cancelled()
}

// submit runs one adapter call under the provider's per-attempt timeout.
func (w *Worker) submit(ctx context.Context, adapter indexing.Adapter, cfg indexing.ProviderConfig, job indexing.Job) (indexing.SubmitReceipt, error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	return adapter.Submit(ctx, job)
}

// scheduleRetry moves the job to RETRY_SCHEDULED with its next-run timestamp.
func (w *Worker) scheduleRetry(ctx context.Context, job *indexing.Job, cause error, delay time.Duration) bool {
	now := w.clock.Now()
	next := now.Add(delay)
	job.ScheduledAt = &next
	tr, err := job.Advance(indexing.JobRetryScheduled, now, indexing.RecordError(cause, now))
	if err != nil {
		w.logger.Error("schedule retry", zap.String("job_id", job.ID), zap.Error(err))
		return false
	}
	if err := w.jobs.UpdateJob(ctx, *job); err != nil {
		w.logger.Error("persist retry schedule", zap.String("job_id", job.ID), zap.Error(err))
		return false
	}
	w.emit(progress.Event{
		JobID:      job.ID,
		TS:         now,
		Stage:      progress.StageRetryWait,
		SiteID:     job.SiteID,
		Provider:   job.Provider,
		URL:        job.URL,
		Attempt:    job.Attempts,
		Dur:        delay,
		Transition: &tr,
	})
	return true
}

func (w *Worker) finalizeSuccess(ctx context.Context, job *indexing.Job, receipt indexing.SubmitReceipt) {
	now := w.clock.Now()
	job.Result = &receipt
	tr, err := job.Advance(indexing.JobSucceeded, now, nil)
	if err != nil {
		w.logger.Error("finalize success", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if err := w.jobs.UpdateJob(ctx, *job); err != nil {
		w.logger.Error("persist success", zap.String("job_id", job.ID), zap.Error(err))
	}
	if err := w.ledger.ConfirmSuccess(ctx, job.Key(), indexing.QuotaDay(job.CreatedAt)); err != nil {
		w.logger.Error("confirm success in ledger", zap.String("job_id", job.ID), zap.Error(err))
	}
	w.emit(progress.Event{
		JobID:      job.ID,
		TS:         now,
		Stage:      progress.StageJobDone,
		SiteID:     job.SiteID,
		Provider:   job.Provider,
		URL:        job.URL,
		Result:     progress.ResultSuccess,
		Dur:        now.Sub(job.CreatedAt),
		Transition: &tr,
	})
	w.publish(ctx, *job)
}

func (w *Worker) finalizeFailed(ctx context.Context, job *indexing.Job, cause error) {
	now := w.clock.Now()
	tr, err := job.Advance(indexing.JobFailed, now, indexing.RecordError(cause, now))
	if err != nil {
		w.logger.Error("finalize failure", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if err := w.jobs.UpdateJob(ctx, *job); err != nil {
		w.logger.Error("persist failure", zap.String("job_id", job.ID), zap.Error(err))
	}
	w.release(ctx, *job)
	w.emit(progress.Event{
		JobID:      job.ID,
		TS:         now,
		Stage:      progress.StageJobError,
		SiteID:     job.SiteID,
		Provider:   job.Provider,
		URL:        job.URL,
		Result:     progress.ResultFailed,
		ErrorKind:  indexing.KindOf(cause),
		Dur:        now.Sub(job.CreatedAt),
		Note:       cause.Error(),
		Transition: &tr,
	})
	w.publish(ctx, *job)
}

func (w *Worker) finalizeCancelled(ctx context.Context, job *indexing.Job) {
	now := w.clock.Now()
	tr, err := job.Advance(indexing.JobCancelled, now, nil)
	if err != nil {
		w.logger.Error("finalize cancellation", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if err := w.jobs.UpdateJob(ctx, *job); err != nil {
		w.logger.Error("persist cancellation", zap.String("job_id", job.ID), zap.Error(err))
	}
	w.release(ctx, *job)
	w.emit(progress.Event{
		JobID:      job.ID,
		TS:         now,
		Stage:      progress.StageJobDone,
		SiteID:     job.SiteID,
		Provider:   job.Provider,
		URL:        job.URL,
		Result:     progress.ResultCancelled,
		Dur:        now.Sub(job.CreatedAt),
		Transition: &tr,
	})
	w.publish(ctx, *job)
}

// release returns the admission-time quota reservation for jobs that never
// produced a confirmed success.
func (w *Worker) release(ctx context.Context, job indexing.Job) {
	day := indexing.QuotaDay(job.CreatedAt)
	if err := w.ledger.Release(ctx, job.SiteID, job.Provider, day); err != nil {
		w.logger.Error("release quota reservation",
			zap.String("job_id", job.ID),
			zap.String("provider", string(job.Provider)),
			zap.Error(err))
	}
}

func (w *Worker) publish(ctx context.Context, job indexing.Job) {
	if w.publisher == nil || w.cfg.Topic == "" {
		return
	}
	completed := job.CreatedAt
	if job.CompletedAt != nil {
		completed = *job.CompletedAt
	}
	msg := Outcome{
		JobID:       job.ID,
		SiteID:      job.SiteID,
		URL:         job.URL,
		Provider:    job.Provider,
		State:       job.State,
		Attempts:    job.Attempts,
		CompletedAt: completed,
		Error:       job.LastError,
		Receipt:     job.Result,
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, msg); err != nil {
		w.logger.Error("publish job outcome", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (w *Worker) emit(evt progress.Event) {
	if w.hub != nil {
		w.hub.Emit(evt)
	}
}
