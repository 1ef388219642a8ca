package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sitepulse/indexd/internal/progress"
)

// PrometheusSink exports submission progress metrics via Prometheus. It owns
// all collectors for job creation/completion, per-attempt latency, quota
// refusals and session state churn.
type PrometheusSink struct {
	jobsCreated   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsActive    prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec

	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	quotaRefusals   *prometheus.CounterVec
	sessionStates   *prometheus.CounterVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexd_jobs_created_total",
			Help: "Total submission jobs created, partitioned by provider.",
		}, []string{"provider"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexd_jobs_completed_total",
			Help: "Total jobs reaching a terminal state, partitioned by provider and result.",
		}, []string{"provider", "result"}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "indexd_jobs_active",
			Help: "Current number of non-terminal jobs.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "indexd_job_runtime_seconds",
			Help:    "Wall time from creation to terminal state per job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"provider", "result"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexd_attempts_total",
			Help: "Submission attempts partitioned by provider and result.",
		}, []string{"provider", "result"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "indexd_attempt_duration_seconds",
			Help:    "Attempt duration partitioned by provider and result.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "result"}),
		quotaRefusals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexd_quota_refusals_total",
			Help: "Submissions refused at admission because the daily quota was exhausted.",
		}, []string{"provider"}),
		sessionStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexd_session_transitions_total",
			Help: "Browser session state transitions partitioned by provider and state.",
		}, []string{"provider", "state"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsCreated,
		s.jobsCompleted,
		s.jobsActive,
		s.jobRuntime,
		s.attempts,
		s.attemptDuration,
		s.quotaRefusals,
		s.sessionStates,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	provider := string(evt.Provider)
	if provider == "" {
		provider = "unknown"
	}
	switch evt.Stage {
	case progress.StageJobCreated:
		s.jobsCreated.WithLabelValues(provider).Inc()
		if s.tracker.start(evt.JobID) {
			s.jobsActive.Inc()
		}
	case progress.StageJobDone, progress.StageJobError:
		result := evt.Result
		if result == "" {
			result = progress.ResultError
		}
		s.jobsCompleted.WithLabelValues(provider, result).Inc()
		if evt.Dur > 0 {
			s.jobRuntime.WithLabelValues(provider, result).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.JobID) {
			s.jobsActive.Dec()
		}
	case progress.StageAttemptDone:
		result := evt.Result
		if result == "" {
			result = progress.ResultError
		}
		s.attempts.WithLabelValues(provider, result).Inc()
		if evt.Dur > 0 {
			s.attemptDuration.WithLabelValues(provider, result).Observe(evt.Dur.Seconds())
		}
	case progress.StageQuotaRefused:
		s.quotaRefusals.WithLabelValues(provider).Inc()
	case progress.StageSessionState:
		s.sessionStates.WithLabelValues(provider, string(evt.SessionState)).Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
