// Package indexing defines core types shared across the submission engine.
package indexing

import "time"

// ProviderID identifies an external indexing channel.
type ProviderID string

// ProviderKind distinguishes API-token providers from browser-automation ones.
type ProviderKind string

// Supported provider kinds.
const (
	ProviderAPIToken ProviderKind = "api_token"
	ProviderBrowser  ProviderKind = "browser"
)

// JobState represents the lifecycle state of a submission job.
type JobState string

// Job states persisted in the job store. SUCCESS, FAILED and CANCELLED are
// terminal; terminal rows are kept as an audit trail and never deleted
// automatically.
const (
	JobPending        JobState = "PENDING"
	JobInProgress     JobState = "IN_PROGRESS"
	JobRetryScheduled JobState = "RETRY_SCHEDULED"
	JobSucceeded      JobState = "SUCCESS"
	JobFailed         JobState = "FAILED"
	JobCancelled      JobState = "CANCELLED"
)

// IsTerminal reports whether the state admits no further transitions.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// DedupKey uniquely identifies a job: exactly one non-cancelled job exists
// per key at any time. URL must already be normalized via NormalizeURL.
type DedupKey struct {
	SiteID   string
	URL      string
	Provider ProviderID
}

// Job represents one tracked attempt to make one URL indexed by one provider.
type Job struct {
	ID          string        `json:"id"`
	SiteID      string        `json:"site_id"`
	URL         string        `json:"url"`
	Provider    ProviderID    `json:"provider"`
	State       JobState      `json:"state"`
	Attempts    int           `json:"attempts"`
	CreatedAt   time.Time     `json:"created_at"`
	ScheduledAt *time.Time    `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	LastError   *ErrorRecord  `json:"last_error,omitempty"`
	Result      *SubmitReceipt `json:"result,omitempty"`
}

// Key returns the job's dedup key.
func (j Job) Key() DedupKey {
	return DedupKey{SiteID: j.SiteID, URL: j.URL, Provider: j.Provider}
}

// ErrorRecord is the structured form of a classified failure attached to a
// job or transition. Message carries the engine-side description; Detail
// carries the provider's raw error text verbatim when available.
type ErrorRecord struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// SubmitReceipt is the per-provider result payload, decoded at the adapter
// boundary. Nothing untyped crosses into the dispatcher or job layer.
type SubmitReceipt struct {
	Provider   ProviderID        `json:"provider"`
	StatusLine string            `json:"status_line,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// Transition is one timestamped state-machine step, kept as the audit trail.
type Transition struct {
	JobID    string       `json:"job_id"`
	SiteID   string       `json:"site_id"`
	Provider ProviderID   `json:"provider"`
	From     JobState     `json:"from"`
	To       JobState     `json:"to"`
	At       time.Time    `json:"at"`
	Err      *ErrorRecord `json:"error,omitempty"`
}

// SubmissionStatus is the per-(url, provider) result of a Submit call.
type SubmissionStatus string

// Submission outcomes returned by the dispatcher.
const (
	SubmissionCreated        SubmissionStatus = "created"
	SubmissionReused         SubmissionStatus = "reused"
	SubmissionAlreadyIndexed SubmissionStatus = "already_indexed"
	SubmissionQuotaExceeded  SubmissionStatus = "quota_exceeded"
	SubmissionRejected       SubmissionStatus = "rejected"
)

// SubmissionOutcome reports what the dispatcher decided for one pair.
type SubmissionOutcome struct {
	URL      string           `json:"url"`
	Provider ProviderID       `json:"provider"`
	Status   SubmissionStatus `json:"status"`
	JobID    string           `json:"job_id,omitempty"`
	Reason   string           `json:"reason,omitempty"`
}

// SessionState represents the lifecycle state of an authenticated browser
// session.
type SessionState string

// Session states. ACTIVE reverts to LOGIN_REQUIRED when a later operation
// detects a logged-out page.
const (
	SessionNone            SessionState = "NO_SESSION"
	SessionCookieLoaded    SessionState = "COOKIE_LOADED"
	SessionValidating      SessionState = "VALIDATING"
	SessionActive          SessionState = "ACTIVE"
	SessionLoginRequired   SessionState = "LOGIN_REQUIRED"
	SessionAuthenticating  SessionState = "AUTHENTICATING"
	SessionCaptchaRequired SessionState = "CAPTCHA_REQUIRED"
	SessionLoginFailed     SessionState = "LOGIN_FAILED"
)

// Session is one authenticated browser identity for one (account, provider)
// pair. The cookie blob is owned by the session manager; adapters borrow it
// for the duration of one submission and must not mutate it.
type Session struct {
	Provider        ProviderID   `json:"provider"`
	Account         string       `json:"account"`
	State           SessionState `json:"state"`
	LastValidatedAt time.Time    `json:"last_validated_at,omitempty"`
}

// FlowSelectors names the DOM hooks a browser provider's pages expose.
// Selector drift shows up as UnexpectedError results flagged for review.
type FlowSelectors struct {
	URLField         string `mapstructure:"url_field" json:"url_field"`
	SubmitButton     string `mapstructure:"submit_button" json:"submit_button"`
	SuccessIndicator string `mapstructure:"success_indicator" json:"success_indicator"`
	LoginUser        string `mapstructure:"login_user" json:"login_user"`
	LoginPass        string `mapstructure:"login_pass" json:"login_pass"`
	LoginSubmit      string `mapstructure:"login_submit" json:"login_submit"`
	LoggedInMarker   string `mapstructure:"logged_in_marker" json:"logged_in_marker"`
	CaptchaImage     string `mapstructure:"captcha_image" json:"captcha_image"`
	CaptchaField     string `mapstructure:"captcha_field" json:"captcha_field"`
}

// ProviderConfig is externally supplied, read-only provider configuration.
// The engine never persists credentials itself.
type ProviderConfig struct {
	ID           ProviderID
	Kind         ProviderKind
	Enabled      bool
	Endpoint     string
	APIKey       string
	QuotaCap     int
	Concurrency  int
	Timeout      time.Duration
	MaxAttempts  int
	SingleFlight bool
	Account      string
	Username     string
	Password     string
	LoginURL     string
	ProbeURL     string
	QueryURL     string
	Selectors    FlowSelectors
}

// QuotaUsage reports ledger consumption for one (site, provider) quota window.
type QuotaUsage struct {
	Used int `json:"used"`
	Cap  int `json:"cap"`
}

// JobFilter narrows ListJobs results.
type JobFilter struct {
	States   []JobState
	Provider ProviderID
	Limit    int
}
