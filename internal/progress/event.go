// Package progress defines the event structures emitted by the submission
// workers and dispatcher.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/sitepulse/indexd/internal/indexing"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobCreated   Stage = "JOB_CREATED"
	StageAttemptStart Stage = "ATTEMPT_START"
	StageAttemptDone  Stage = "ATTEMPT_DONE"
	StageRetryWait    Stage = "RETRY_WAIT"
	StageJobDone      Stage = "JOB_DONE"
	StageJobError     Stage = "JOB_ERROR"
	StageQuotaRefused Stage = "QUOTA_REFUSED"
	StageSessionState Stage = "SESSION_STATE"
)

// Attempt and job results reported on ATTEMPT_DONE and JOB_DONE events.
const (
	ResultSuccess   = "success"
	ResultError     = "error"
	ResultFailed    = "failed"
	ResultCancelled = "cancelled"
)

// Event captures a single milestone of job or session progress.
type Event struct {
	// JobID identifies the job. Empty for QUOTA_REFUSED and SESSION_STATE,
	// which occur outside any job's lifecycle.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// SiteID scopes the event to a site.
	SiteID string
	// Provider scopes the event to an indexing channel.
	Provider indexing.ProviderID
	// URL is the submitted content URL, when relevant.
	URL string
	// Attempt is the 1-based attempt number for attempt-scoped stages.
	Attempt int
	// Result summarizes the outcome for ATTEMPT_DONE, JOB_DONE and JOB_ERROR.
	Result string
	// ErrorKind carries the classification when Result is an error.
	ErrorKind indexing.ErrorKind
	// Dur captures execution latency for attempts and completed jobs.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
	// Transition, when set, is the audit-trail row to persist for this event.
	Transition *indexing.Transition
	// SessionState carries the new state for SESSION_STATE events.
	SessionState indexing.SessionState
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobCreated, StageJobDone, StageJobError:
		if e.JobID == "" {
			return errors.New("job id is required")
		}
	case StageAttemptStart, StageAttemptDone, StageRetryWait:
		if e.JobID == "" {
			return errors.New("job id is required")
		}
		if e.Attempt <= 0 {
			return errors.New("attempt number is required")
		}
	case StageQuotaRefused:
		if e.Provider == "" {
			return errors.New("quota refusal requires provider")
		}
	case StageSessionState:
		if e.Provider == "" {
			return errors.New("session event requires provider")
		}
		if e.SessionState == "" {
			return errors.New("session event requires state")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
