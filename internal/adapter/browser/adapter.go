// Package browser submits URLs through a provider's web console using an
// authenticated browser session.
package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sitepulse/indexd/internal/indexing"
	"github.com/sitepulse/indexd/internal/session"
)

// The success indicator must appear within this long after the submit click.
const submitSettleTimeout = 10 * time.Second

// Adapter implements indexing.Adapter by driving the provider's submission
// form. Sessions are owned by the manager; the adapter borrows cookie blobs
// per submission.
type Adapter struct {
	cfg       indexing.ProviderConfig
	sessions  *session.Manager
	flow      indexing.BrowserFlow
	artifacts indexing.ArtifactStore
	clock     indexing.Clock
	logger    *zap.Logger
}

// New constructs an Adapter for one configured browser provider.
func New(cfg indexing.ProviderConfig, sessions *session.Manager, flow indexing.BrowserFlow, artifacts indexing.ArtifactStore, clock indexing.Clock, logger *zap.Logger) (*Adapter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("provider %s: endpoint is required", cfg.ID)
	}
	if cfg.Account == "" {
		return nil, fmt.Errorf("provider %s: account is required", cfg.ID)
	}
	sel := cfg.Selectors
	if sel.URLField == "" || sel.SubmitButton == "" || sel.SuccessIndicator == "" {
		return nil, fmt.Errorf("provider %s: submission selectors are required", cfg.ID)
	}
	return &Adapter{
		cfg:       cfg,
		sessions:  sessions,
		flow:      flow,
		artifacts: artifacts,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Provider returns the provider this adapter submits to.
func (a *Adapter) Provider() indexing.ProviderID {
	return a.cfg.ID
}

// Submit drives the provider's form for one URL. Single-flight accounts are
// serialized on the session manager's flow lock.
func (a *Adapter) Submit(ctx context.Context, job indexing.Job) (indexing.SubmitReceipt, error) {
	if a.cfg.SingleFlight {
		lock := a.sessions.FlowLock(a.cfg.ID, a.cfg.Account)
		lock.Lock()
		defer lock.Unlock()
	}

	cookies, err := a.sessions.Acquire(ctx, a.flow, a.cfg)
	if err != nil {
		return indexing.SubmitReceipt{}, err
	}

	tab, err := a.flow.Open(ctx, cookies)
	if err != nil {
		return indexing.SubmitReceipt{}, indexing.Wrap(indexing.TransientProviderError, "open browser tab", err)
	}
	defer func() {
		if closeErr := tab.Close(ctx); closeErr != nil {
			a.logger.Warn("close submission tab", zap.Error(closeErr))
		}
	}()

	if err := tab.Navigate(ctx, a.cfg.Endpoint); err != nil {
		return indexing.SubmitReceipt{}, indexing.Wrap(indexing.TransientProviderError, "navigate submission page", err)
	}

	// A login form on the submission page means the session died since it
	// was validated. Invalidate and let the retry re-authenticate.
	if a.cfg.Selectors.LoginUser != "" {
		loggedOut, err := tab.Exists(ctx, a.cfg.Selectors.LoginUser)
		if err != nil {
			return indexing.SubmitReceipt{}, indexing.Wrap(indexing.TransientProviderError, "inspect submission page", err)
		}
		if loggedOut {
			a.sessions.Invalidate(a.cfg.ID, a.cfg.Account)
			return indexing.SubmitReceipt{}, indexing.E(indexing.TransientProviderError,
				fmt.Sprintf("provider %s session expired mid-flow", a.cfg.ID))
		}
	}

	if err := tab.Fill(ctx, a.cfg.Selectors.URLField, job.URL); err != nil {
		return indexing.SubmitReceipt{}, a.unexpected(ctx, tab, job, "fill url field", err)
	}
	if err := tab.Click(ctx, a.cfg.Selectors.SubmitButton); err != nil {
		return indexing.SubmitReceipt{}, a.unexpected(ctx, tab, job, "click submit button", err)
	}
	// An absent indicator usually means the console is slow, not broken;
	// retry under the attempt budget. Genuine structure surprises (Fill and
	// Click failures above) stay terminal.
	if err := tab.WaitVisible(ctx, a.cfg.Selectors.SuccessIndicator, submitSettleTimeout); err != nil {
		werr := indexing.Wrap(indexing.TransientProviderError,
			fmt.Sprintf("provider %s: success indicator not observed within %s", a.cfg.ID, submitSettleTimeout), err)
		if uri := a.snapshot(ctx, tab, job); uri != "" {
			werr = werr.WithDetail("snapshot: " + uri)
		}
		return indexing.SubmitReceipt{}, werr
	}

	confirmation, err := tab.Text(ctx, a.cfg.Selectors.SuccessIndicator)
	if err != nil {
		confirmation = ""
	}
	receipt := indexing.SubmitReceipt{
		Provider:   a.cfg.ID,
		StatusLine: strings.TrimSpace(confirmation),
	}
	return receipt, nil
}

// unexpected classifies a page-structure surprise and snapshots the page for
// operator review.
func (a *Adapter) unexpected(ctx context.Context, tab indexing.BrowserTab, job indexing.Job, message string, cause error) error {
	uri := a.snapshot(ctx, tab, job)
	err := indexing.Wrap(indexing.UnexpectedError,
		fmt.Sprintf("provider %s: %s", a.cfg.ID, message), cause)
	if uri != "" {
		err = err.WithDetail("snapshot: " + uri)
	}
	return err
}

// snapshot persists the page HTML and a screenshot, returning the HTML URI.
// Snapshot failures are logged, never fatal.
func (a *Adapter) snapshot(ctx context.Context, tab indexing.BrowserTab, job indexing.Job) string {
	if a.artifacts == nil {
		return ""
	}
	stamp := a.clock.Now().Format("20060102T150405Z")
	base := fmt.Sprintf("jobs/%s/%s", job.ID, stamp)

	var htmlURI string
	if html, err := tab.HTML(ctx); err == nil {
		uri, putErr := a.artifacts.PutArtifact(ctx, base+"/page.html", "text/html", []byte(html))
		if putErr != nil {
			a.logger.Warn("store page snapshot", zap.String("job_id", job.ID), zap.Error(putErr))
		} else {
			htmlURI = uri
		}
	}
	if png, err := tab.Screenshot(ctx); err == nil {
		if _, putErr := a.artifacts.PutArtifact(ctx, base+"/page.png", "image/png", png); putErr != nil {
			a.logger.Warn("store screenshot", zap.String("job_id", job.ID), zap.Error(putErr))
		}
	}
	return htmlURI
}
