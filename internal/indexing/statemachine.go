package indexing

import (
	"fmt"
	"time"
)

// transitions is the authoritative edge set of the job state machine.
var transitions = map[JobState][]JobState{
	JobPending:        {JobInProgress, JobCancelled},
	JobInProgress:     {JobSucceeded, JobFailed, JobRetryScheduled, JobCancelled},
	JobRetryScheduled: {JobInProgress, JobCancelled},
	JobSucceeded:      nil,
	JobFailed:         nil,
	JobCancelled:      nil,
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to JobState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Advance moves the job to the target state, stamping the lifecycle
// timestamps and attaching the triggering error verbatim. It returns the
// audit transition. Illegal edges are rejected.
func (j *Job) Advance(to JobState, now time.Time, trigger *ErrorRecord) (Transition, error) {
	from := j.State
	if !CanTransition(from, to) {
		return Transition{}, fmt.Errorf("illegal transition %s -> %s for job %s", from, to, j.ID)
	}

	j.State = to
	switch to {
	case JobInProgress:
		if j.StartedAt == nil {
			ts := now
			j.StartedAt = &ts
		}
		j.ScheduledAt = nil
	case JobRetryScheduled:
		// ScheduledAt is set by the retry controller from the backoff policy.
	case JobSucceeded, JobFailed, JobCancelled:
		ts := now
		j.CompletedAt = &ts
	}
	if trigger != nil {
		j.LastError = trigger
	}

	return Transition{
		JobID:    j.ID,
		SiteID:   j.SiteID,
		Provider: j.Provider,
		From:     from,
		To:       to,
		At:       now,
		Err:      trigger,
	}, nil
}

// ResetForRetry rewinds a terminal failed or cancelled job so the same row
// is reused for an explicit operator re-submission. Attempt count and
// timestamps start over; the dedup invariant of one row per key is kept.
func (j *Job) ResetForRetry(now time.Time) error {
	if j.State != JobFailed && j.State != JobCancelled {
		return fmt.Errorf("job %s in state %s cannot be retried", j.ID, j.State)
	}
	j.State = JobPending
	j.Attempts = 0
	j.CreatedAt = now
	j.ScheduledAt = nil
	j.StartedAt = nil
	j.CompletedAt = nil
	j.LastError = nil
	j.Result = nil
	return nil
}
