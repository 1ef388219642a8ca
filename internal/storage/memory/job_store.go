package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/sitepulse/indexd/internal/indexing"
)

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu          sync.RWMutex
	jobs        map[string]indexing.Job
	byKey       map[indexing.DedupKey]string
	transitions map[string][]indexing.Transition
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:        make(map[string]indexing.Job),
		byKey:       make(map[indexing.DedupKey]string),
		transitions: make(map[string][]indexing.Transition),
	}
}

// CreateJob stores a new job row and registers its dedup key.
func (s *JobStore) CreateJob(_ context.Context, job indexing.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	if id, exists := s.byKey[job.Key()]; exists {
		if existing := s.jobs[id]; !existing.State.IsTerminal() {
			return errors.New("active job already exists for key")
		}
	}
	s.jobs[job.ID] = job
	s.byKey[job.Key()] = job.ID
	return nil
}

// UpdateJob replaces the stored row for job.ID.
func (s *JobStore) UpdateJob(_ context.Context, job indexing.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return indexing.ErrNotFound
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (indexing.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return indexing.Job{}, indexing.ErrNotFound
	}
	return job, nil
}

// GetJobByKey fetches the job registered for a dedup key.
func (s *JobStore) GetJobByKey(_ context.Context, key indexing.DedupKey) (indexing.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return indexing.Job{}, indexing.ErrNotFound
	}
	return s.jobs[id], nil
}

// ListJobs returns jobs for a site, newest first, narrowed by filter.
func (s *JobStore) ListJobs(_ context.Context, siteID string, filter indexing.JobFilter) ([]indexing.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []indexing.Job
	for _, job := range s.jobs {
		if job.SiteID != siteID {
			continue
		}
		if filter.Provider != "" && job.Provider != filter.Provider {
			continue
		}
		if len(filter.States) > 0 && !containsState(filter.States, job.State) {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ListActiveJobs returns every non-terminal job across all sites.
func (s *JobStore) ListActiveJobs(_ context.Context) ([]indexing.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []indexing.Job
	for _, job := range s.jobs {
		if !job.State.IsTerminal() {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// AppendTransition records one audit-trail row for a job.
func (s *JobStore) AppendTransition(_ context.Context, tr indexing.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions[tr.JobID] = append(s.transitions[tr.JobID], tr)
	return nil
}

// ListTransitions returns the recorded audit trail for a job in append order.
func (s *JobStore) ListTransitions(_ context.Context, jobID string) ([]indexing.Transition, error) {
	return s.Transitions(jobID), nil
}

// Transitions returns the recorded audit trail for a job.
func (s *JobStore) Transitions(jobID string) []indexing.Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	trs := s.transitions[jobID]
	out := make([]indexing.Transition, len(trs))
	copy(out, trs)
	return out
}

func containsState(states []indexing.JobState, state indexing.JobState) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}
