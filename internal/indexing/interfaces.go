package indexing

import (
	"context"
	"time"
)

// JobStore persists job rows and the transition audit trail.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	GetJobByKey(ctx context.Context, key DedupKey) (Job, error)
	ListJobs(ctx context.Context, siteID string, filter JobFilter) ([]Job, error)
	ListActiveJobs(ctx context.Context) ([]Job, error)
	AppendTransition(ctx context.Context, tr Transition) error
	ListTransitions(ctx context.Context, jobID string) ([]Transition, error)
}

// Ledger tracks confirmed successes and daily quota consumption per
// (site, provider). Reserve must be an atomic check-and-increment so
// concurrent submission bursts cannot race past the cap.
type Ledger interface {
	HasSuccess(ctx context.Context, key DedupKey) (bool, error)
	Reserve(ctx context.Context, siteID string, provider ProviderID, day time.Time, cap int) (bool, error)
	Release(ctx context.Context, siteID string, provider ProviderID, day time.Time) error
	ConfirmSuccess(ctx context.Context, key DedupKey, day time.Time) error
	Usage(ctx context.Context, siteID string, provider ProviderID, day time.Time) (QuotaUsage, error)
}

// Adapter submits one job to its provider backend. Errors must be classified
// (*Error); successful submissions return the decoded receipt.
type Adapter interface {
	Provider() ProviderID
	Submit(ctx context.Context, job Job) (SubmitReceipt, error)
}

// Checker reports whether a URL is already visible in a provider's public
// index.
type Checker interface {
	Check(ctx context.Context, provider ProviderID, url string) (bool, error)
}

// CookieStore persists named cookie blobs per (provider, account).
type CookieStore interface {
	Load(ctx context.Context, provider ProviderID, account string) ([]byte, error)
	Save(ctx context.Context, provider ProviderID, account string, blob []byte) error
	Delete(ctx context.Context, provider ProviderID, account string) error
}

// Challenge is a CAPTCHA challenge captured from a login page.
type Challenge struct {
	Provider ProviderID
	Account  string
	PageURL  string
	Image    []byte
}

// CaptchaSolver resolves a challenge into a token, or fails.
type CaptchaSolver interface {
	Solve(ctx context.Context, ch Challenge) (string, error)
}

// BrowserFlow opens automation tabs. Implementations drive a real browser;
// tests use a scripted fake.
type BrowserFlow interface {
	Open(ctx context.Context, cookies []byte) (BrowserTab, error)
}

// BrowserTab is one page being driven. Steps honor the caller's context
// deadline; Close releases the underlying browser resources.
type BrowserTab interface {
	Navigate(ctx context.Context, url string) error
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	Exists(ctx context.Context, selector string) (bool, error)
	Text(ctx context.Context, selector string) (string, error)
	Location(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Cookies(ctx context.Context) ([]byte, error)
	Close(ctx context.Context) error
}

// ArtifactStore writes operator-review artifacts (failure-page snapshots)
// and returns a URI.
type ArtifactStore interface {
	PutArtifact(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes terminal job outcome events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// ProviderConfigSource is the read-only configuration collaborator.
type ProviderConfigSource interface {
	Lookup(siteID string, provider ProviderID) (ProviderConfig, bool)
	EnabledFor(siteID string) []ProviderID
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
