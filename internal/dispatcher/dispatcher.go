// Package dispatcher admits submissions into the job store and feeds
// per-provider worker pools.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sitepulse/indexd/internal/indexing"
	"github.com/sitepulse/indexd/internal/progress"
	"github.com/sitepulse/indexd/internal/worker"
)

// Executor runs one job to a terminal state.
type Executor interface {
	Process(ctx context.Context, adapter indexing.Adapter, job indexing.Job, signal worker.CancelSignal)
}

// Options tune the dispatcher.
type Options struct {
	// QueueDepth bounds each provider's pending-job channel (default 64).
	QueueDepth int
}

// Deps collects the dispatcher's collaborators.
type Deps struct {
	Jobs     indexing.JobStore
	Ledger   indexing.Ledger
	Configs  indexing.ProviderConfigSource
	Clock    indexing.Clock
	IDs      indexing.IDGenerator
	Executor Executor
	Hub      *progress.Hub
	Logger   *zap.Logger
}

type pool struct {
	adapter indexing.Adapter
	workers int
	queue   chan indexing.Job
}

// Dispatcher owns the admission pipeline: URL normalization, dedup against
// the job store and success ledger, quota reservation and job creation. One
// bounded queue and worker pool exists per registered provider.
type Dispatcher struct {
	deps Deps
	opts Options

	mu      sync.Mutex
	pools   map[indexing.ProviderID]*pool
	handles map[string]*jobHandle
	started bool
	wg      sync.WaitGroup
}

// New constructs a Dispatcher. Adapters are attached via Register before
// Start.
func New(deps Deps, opts Options) *Dispatcher {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 64
	}
	return &Dispatcher{
		deps:    deps,
		opts:    opts,
		pools:   make(map[indexing.ProviderID]*pool),
		handles: make(map[string]*jobHandle),
	}
}

// Register attaches a provider adapter with its worker count. It must be
// called before Start.
func (d *Dispatcher) Register(adapter indexing.Adapter, workers int) {
	if workers <= 0 {
		workers = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pools[adapter.Provider()] = &pool{
		adapter: adapter,
		workers: workers,
		queue:   make(chan indexing.Job, d.opts.QueueDepth),
	}
}

// Start launches the per-provider worker pools. Workers exit when ctx ends.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	for _, p := range d.pools {
		for i := 0; i < p.workers; i++ {
			d.wg.Add(1)
			go func(p *pool) {
				defer d.wg.Done()
				d.runPool(ctx, p)
			}(p)
		}
	}
}

// Wait blocks until every worker has exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) runPool(ctx context.Context, p *pool) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.queue:
			handle := d.handle(job.ID)
			d.deps.Executor.Process(ctx, p.adapter, job, handle)
			d.dropHandle(job.ID)
		}
	}
}

// Submit admits every (url, provider) pair from one request. An empty
// provider list expands to every provider enabled for the site. Invalid URLs
// come back rejected; admission failures never abort the rest of the batch.
func (d *Dispatcher) Submit(ctx context.Context, siteID string, rawURLs []string, providers []indexing.ProviderID) []indexing.SubmissionOutcome {
	valid, invalid := indexing.NormalizeBatch(rawURLs)
	if len(providers) == 0 {
		providers = d.deps.Configs.EnabledFor(siteID)
	}

	outcomes := make([]indexing.SubmissionOutcome, 0, len(valid)*len(providers)+len(invalid))
	for raw, err := range invalid {
		outcomes = append(outcomes, indexing.SubmissionOutcome{
			URL:    raw,
			Status: indexing.SubmissionRejected,
			Reason: err.Error(),
		})
	}
	for _, url := range valid {
		for _, provider := range providers {
			outcomes = append(outcomes, d.admit(ctx, siteID, url, provider))
		}
	}
	return outcomes
}

func (d *Dispatcher) admit(ctx context.Context, siteID, url string, provider indexing.ProviderID) indexing.SubmissionOutcome {
	reject := func(reason string) indexing.SubmissionOutcome {
		return indexing.SubmissionOutcome{URL: url, Provider: provider, Status: indexing.SubmissionRejected, Reason: reason}
	}

	cfg, ok := d.deps.Configs.Lookup(siteID, provider)
	if !ok {
		return reject(fmt.Sprintf("provider %s is not enabled for site %s", provider, siteID))
	}

	key := indexing.DedupKey{SiteID: siteID, URL: url, Provider: provider}
	indexed, err := d.deps.Ledger.HasSuccess(ctx, key)
	if err != nil {
		return reject(fmt.Sprintf("success ledger: %v", err))
	}
	if indexed {
		return indexing.SubmissionOutcome{URL: url, Provider: provider, Status: indexing.SubmissionAlreadyIndexed}
	}

	var rewind *indexing.Job
	existing, err := d.deps.Jobs.GetJobByKey(ctx, key)
	switch {
	case err == nil && existing.State == indexing.JobSucceeded:
		return indexing.SubmissionOutcome{URL: url, Provider: provider, Status: indexing.SubmissionAlreadyIndexed, JobID: existing.ID}
	case err == nil && !existing.State.IsTerminal():
		return indexing.SubmissionOutcome{URL: url, Provider: provider, Status: indexing.SubmissionReused, JobID: existing.ID}
	case err == nil:
		// FAILED or CANCELLED: the key keeps its single row, rewound below.
		rewind = &existing
	case !errors.Is(err, indexing.ErrNotFound):
		return reject(fmt.Sprintf("job store: %v", err))
	}

	now := d.deps.Clock.Now()
	day := indexing.QuotaDay(now)
	granted, err := d.deps.Ledger.Reserve(ctx, siteID, provider, day, cfg.QuotaCap)
	if err != nil {
		return reject(fmt.Sprintf("quota ledger: %v", err))
	}
	if !granted {
		d.emit(progress.Event{
			TS:       now,
			Stage:    progress.StageQuotaRefused,
			SiteID:   siteID,
			Provider: provider,
			URL:      url,
		})
		return indexing.SubmissionOutcome{
			URL:      url,
			Provider: provider,
			Status:   indexing.SubmissionQuotaExceeded,
			Reason:   fmt.Sprintf("daily quota of %d reached", cfg.QuotaCap),
		}
	}

	var job indexing.Job
	if rewind != nil {
		job = *rewind
		if err := job.ResetForRetry(now); err != nil {
			d.releaseQuietly(ctx, siteID, provider)
			return reject(fmt.Sprintf("rewind job: %v", err))
		}
		if err := d.deps.Jobs.UpdateJob(ctx, job); err != nil {
			d.releaseQuietly(ctx, siteID, provider)
			return reject(fmt.Sprintf("persist rewound job: %v", err))
		}
	} else {
		id, err := d.deps.IDs.NewID()
		if err != nil {
			d.releaseQuietly(ctx, siteID, provider)
			return reject(fmt.Sprintf("generate job id: %v", err))
		}
		job = indexing.Job{
			ID:        id,
			SiteID:    siteID,
			URL:       url,
			Provider:  provider,
			State:     indexing.JobPending,
			CreatedAt: now,
		}
		if err := d.deps.Jobs.CreateJob(ctx, job); err != nil {
			d.releaseQuietly(ctx, siteID, provider)
			// A concurrent Submit for the same key may have won the race.
			if winner, getErr := d.deps.Jobs.GetJobByKey(ctx, key); getErr == nil && !winner.State.IsTerminal() {
				return indexing.SubmissionOutcome{URL: url, Provider: provider, Status: indexing.SubmissionReused, JobID: winner.ID}
			}
			return reject(fmt.Sprintf("create job: %v", err))
		}
	}

	d.emit(progress.Event{
		JobID:    job.ID,
		TS:       now,
		Stage:    progress.StageJobCreated,
		SiteID:   siteID,
		Provider: provider,
		URL:      url,
	})
	d.enqueue(ctx, job)
	return indexing.SubmissionOutcome{URL: url, Provider: provider, Status: indexing.SubmissionCreated, JobID: job.ID}
}

// Retry rewinds a FAILED or CANCELLED job and feeds it back through quota
// admission. SUCCESS and non-terminal jobs are rejected.
func (d *Dispatcher) Retry(ctx context.Context, jobID string) (indexing.Job, error) {
	job, err := d.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return indexing.Job{}, err
	}
	cfg, ok := d.deps.Configs.Lookup(job.SiteID, job.Provider)
	if !ok {
		return indexing.Job{}, indexing.E(indexing.ConfigError,
			fmt.Sprintf("provider %s is not enabled for site %s", job.Provider, job.SiteID))
	}

	now := d.deps.Clock.Now()
	if err := job.ResetForRetry(now); err != nil {
		return indexing.Job{}, err
	}

	day := indexing.QuotaDay(now)
	granted, err := d.deps.Ledger.Reserve(ctx, job.SiteID, job.Provider, day, cfg.QuotaCap)
	if err != nil {
		return indexing.Job{}, fmt.Errorf("quota ledger: %w", err)
	}
	if !granted {
		d.emit(progress.Event{
			TS:       now,
			Stage:    progress.StageQuotaRefused,
			SiteID:   job.SiteID,
			Provider: job.Provider,
			URL:      job.URL,
		})
		return indexing.Job{}, indexing.E(indexing.QuotaExceeded,
			fmt.Sprintf("daily quota of %d reached for %s", cfg.QuotaCap, job.Provider))
	}

	if err := d.deps.Jobs.UpdateJob(ctx, job); err != nil {
		d.releaseQuietly(ctx, job.SiteID, job.Provider)
		return indexing.Job{}, fmt.Errorf("persist retried job: %w", err)
	}

	d.emit(progress.Event{
		JobID:    job.ID,
		TS:       now,
		Stage:    progress.StageJobCreated,
		SiteID:   job.SiteID,
		Provider: job.Provider,
		URL:      job.URL,
	})
	d.enqueue(ctx, job)
	return job, nil
}

// Cancel requests cancellation of a non-terminal job. In-flight provider
// calls are not interrupted; the worker finalizes CANCELLED at its next
// checkpoint.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	job, err := d.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.IsTerminal() {
		return fmt.Errorf("job %s is already %s", jobID, job.State)
	}
	d.handle(jobID).cancel()
	// The worker may have finalized the job between the read above and the
	// signal, leaving a handle nothing will ever dequeue or drop.
	if cur, err := d.deps.Jobs.GetJob(ctx, jobID); err == nil && cur.State.IsTerminal() {
		d.dropHandle(jobID)
		return fmt.Errorf("job %s is already %s", jobID, cur.State)
	}
	return nil
}

// Recover re-enqueues every non-terminal job after a restart and returns how
// many were queued.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	active, err := d.deps.Jobs.ListActiveJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active jobs: %w", err)
	}
	queued := 0
	for _, job := range active {
		if d.enqueue(ctx, job) {
			queued++
		}
	}
	return queued, nil
}

func (d *Dispatcher) enqueue(ctx context.Context, job indexing.Job) bool {
	d.mu.Lock()
	p, ok := d.pools[job.Provider]
	d.mu.Unlock()
	if !ok {
		d.deps.Logger.Error("no worker pool for provider",
			zap.String("job_id", job.ID),
			zap.String("provider", string(job.Provider)))
		return false
	}
	select {
	case p.queue <- job:
		return true
	case <-ctx.Done():
		// The job stays persisted and is re-enqueued by Recover.
		d.deps.Logger.Warn("enqueue interrupted by shutdown", zap.String("job_id", job.ID))
		return false
	}
}

func (d *Dispatcher) releaseQuietly(ctx context.Context, siteID string, provider indexing.ProviderID) {
	day := indexing.QuotaDay(d.deps.Clock.Now())
	if err := d.deps.Ledger.Release(ctx, siteID, provider, day); err != nil {
		d.deps.Logger.Error("release quota reservation",
			zap.String("site_id", siteID),
			zap.String("provider", string(provider)),
			zap.Error(err))
	}
}

func (d *Dispatcher) emit(evt progress.Event) {
	if d.deps.Hub != nil {
		d.deps.Hub.Emit(evt)
	}
}

func (d *Dispatcher) handle(jobID string) *jobHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.handles[jobID]
	if !ok {
		h = newJobHandle()
		d.handles[jobID] = h
	}
	return h
}

func (d *Dispatcher) dropHandle(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handles, jobID)
}

// jobHandle carries the cancel signal for one queued or running job.
type jobHandle struct {
	once sync.Once
	done chan struct{}
}

func newJobHandle() *jobHandle {
	return &jobHandle{done: make(chan struct{})}
}

func (h *jobHandle) cancel() {
	h.once.Do(func() { close(h.done) })
}

// Done implements worker.CancelSignal.
func (h *jobHandle) Done() <-chan struct{} {
	return h.done
}

// Cancelled implements worker.CancelSignal.
func (h *jobHandle) Cancelled() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}
