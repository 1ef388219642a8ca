// Package session manages authenticated browser sessions for browser-automation
// providers. One session exists per (provider, account) pair; establishing or
// revalidating a session is serialized per pair so concurrent submissions never
// race through the login flow.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sitepulse/indexd/internal/indexing"
)

// Markers are polled for up to this long after a login submit before the
// attempt is considered failed.
const loginSettleTimeout = 10 * time.Second

// Options tune the manager.
type Options struct {
	// CaptchaAttempts bounds how many CAPTCHA solve attempts one login may
	// consume before the session is marked LOGIN_FAILED.
	CaptchaAttempts int
	// Revalidate is how long an ACTIVE session is trusted before the next
	// Acquire probes the provider again.
	Revalidate time.Duration
}

type entry struct {
	mu   sync.Mutex
	sess indexing.Session
	blob []byte
}

// Manager owns session state and cookie blobs for every (provider, account)
// pair.
type Manager struct {
	cookies indexing.CookieStore
	solver  indexing.CaptchaSolver
	clock   indexing.Clock
	logger  *zap.Logger
	opts    Options

	// OnState, when set, observes every session state change.
	OnState func(indexing.Session)

	mu      sync.Mutex
	entries map[accountKey]*entry
	locks   map[accountKey]*sync.Mutex
}

type accountKey struct {
	provider indexing.ProviderID
	account  string
}

// NewManager constructs a Manager. The solver may be nil when no browser
// provider needs CAPTCHA handling.
func NewManager(cookies indexing.CookieStore, solver indexing.CaptchaSolver, clock indexing.Clock, logger *zap.Logger, opts Options) *Manager {
	if opts.CaptchaAttempts <= 0 {
		opts.CaptchaAttempts = 3
	}
	if opts.Revalidate <= 0 {
		opts.Revalidate = 15 * time.Minute
	}
	return &Manager{
		cookies: cookies,
		solver:  solver,
		clock:   clock,
		logger:  logger,
		opts:    opts,
		entries: make(map[accountKey]*entry),
		locks:   make(map[accountKey]*sync.Mutex),
	}
}

// FlowLock returns the mutex serializing submissions for a single-flight
// account. Callers hold it for the duration of one browser submission.
func (m *Manager) FlowLock(provider indexing.ProviderID, account string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := accountKey{provider: provider, account: account}
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	return lock
}

// State reports the current session for a pair.
func (m *Manager) State(provider indexing.ProviderID, account string) indexing.Session {
	e := m.entry(provider, account)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess
}

// Acquire returns the cookie blob of an ACTIVE session, establishing one if
// needed: stored cookies are validated against the probe page, and a full
// login (including bounded CAPTCHA solving) runs when validation fails.
// Returned blobs are borrowed; callers must not mutate them.
func (m *Manager) Acquire(ctx context.Context, flow indexing.BrowserFlow, cfg indexing.ProviderConfig) ([]byte, error) {
	e := m.entry(cfg.ID, cfg.Account)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := m.clock.Now()
	if e.sess.State == indexing.SessionActive && e.blob != nil && now.Sub(e.sess.LastValidatedAt) < m.opts.Revalidate {
		return e.blob, nil
	}

	blob := e.blob
	if blob == nil {
		stored, err := m.cookies.Load(ctx, cfg.ID, cfg.Account)
		switch {
		case err == nil:
			blob = stored
			m.setState(e, cfg, indexing.SessionCookieLoaded)
		case errors.Is(err, indexing.ErrNotFound):
			m.setState(e, cfg, indexing.SessionNone)
		default:
			return nil, indexing.Wrap(indexing.UnexpectedError, "load cookies", err)
		}
	}

	tab, err := flow.Open(ctx, blob)
	if err != nil {
		return nil, indexing.Wrap(indexing.TransientProviderError, "open browser tab", err)
	}
	defer func() {
		if closeErr := tab.Close(ctx); closeErr != nil && m.logger != nil {
			m.logger.Warn("close session tab", zap.Error(closeErr))
		}
	}()

	if blob != nil {
		m.setState(e, cfg, indexing.SessionValidating)
		ok, err := m.probe(ctx, tab, cfg)
		if err != nil {
			return nil, err
		}
		if ok {
			return m.activate(ctx, e, tab, cfg)
		}
	}

	m.setState(e, cfg, indexing.SessionLoginRequired)
	if cfg.Username == "" || cfg.Password == "" {
		return nil, indexing.E(indexing.ConfigError, fmt.Sprintf("provider %s requires login but has no credentials", cfg.ID))
	}
	if err := m.login(ctx, e, tab, cfg); err != nil {
		return nil, err
	}
	return m.activate(ctx, e, tab, cfg)
}

// Invalidate drops the cached session after a logged-out page or an auth
// rejection was observed mid-flow. The next Acquire revalidates from scratch.
func (m *Manager) Invalidate(provider indexing.ProviderID, account string) {
	e := m.entry(provider, account)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.blob = nil
	m.setState(e, indexing.ProviderConfig{ID: provider, Account: account}, indexing.SessionLoginRequired)
}

// Reset deletes the stored cookie blob and returns the pair to NO_SESSION.
// Exposed to operators for recovering from corrupted sessions.
func (m *Manager) Reset(ctx context.Context, provider indexing.ProviderID, account string) error {
	e := m.entry(provider, account)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := m.cookies.Delete(ctx, provider, account); err != nil {
		return fmt.Errorf("delete cookies: %w", err)
	}
	e.blob = nil
	m.setState(e, indexing.ProviderConfig{ID: provider, Account: account}, indexing.SessionNone)
	return nil
}

func (m *Manager) entry(provider indexing.ProviderID, account string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := accountKey{provider: provider, account: account}
	e, ok := m.entries[key]
	if !ok {
		e = &entry{sess: indexing.Session{Provider: provider, Account: account, State: indexing.SessionNone}}
		m.entries[key] = e
	}
	return e
}

// probe loads the probe page and reports whether the logged-in marker is
// present. Absence means the cookies no longer carry a valid session.
func (m *Manager) probe(ctx context.Context, tab indexing.BrowserTab, cfg indexing.ProviderConfig) (bool, error) {
	if err := tab.Navigate(ctx, cfg.ProbeURL); err != nil {
		return false, indexing.Wrap(indexing.TransientProviderError, "navigate probe page", err)
	}
	ok, err := tab.Exists(ctx, cfg.Selectors.LoggedInMarker)
	if err != nil {
		return false, indexing.Wrap(indexing.TransientProviderError, "check logged-in marker", err)
	}
	return ok, nil
}

// login drives the provider's login form. Each CAPTCHA round consumes one
// attempt; exhausting the budget marks the session LOGIN_FAILED.
func (m *Manager) login(ctx context.Context, e *entry, tab indexing.BrowserTab, cfg indexing.ProviderConfig) error {
	m.setState(e, cfg, indexing.SessionAuthenticating)
	sel := cfg.Selectors

	for attempt := 1; attempt <= m.opts.CaptchaAttempts; attempt++ {
		if err := tab.Navigate(ctx, cfg.LoginURL); err != nil {
			return indexing.Wrap(indexing.TransientProviderError, "navigate login page", err)
		}
		if err := tab.Fill(ctx, sel.LoginUser, cfg.Username); err != nil {
			return indexing.Wrap(indexing.TransientProviderError, "fill username", err)
		}
		if err := tab.Fill(ctx, sel.LoginPass, cfg.Password); err != nil {
			return indexing.Wrap(indexing.TransientProviderError, "fill password", err)
		}

		if sel.CaptchaImage != "" {
			hasCaptcha, err := tab.Exists(ctx, sel.CaptchaImage)
			if err != nil {
				return indexing.Wrap(indexing.TransientProviderError, "check captcha", err)
			}
			if hasCaptcha {
				if m.solver == nil {
					m.setState(e, cfg, indexing.SessionLoginFailed)
					return indexing.E(indexing.AuthError, fmt.Sprintf("provider %s presented a captcha but no solver is configured", cfg.ID))
				}
				if err := m.solveCaptcha(ctx, e, tab, cfg); err != nil {
					if m.logger != nil {
						m.logger.Warn("captcha attempt failed",
							zap.String("provider", string(cfg.ID)),
							zap.String("account", cfg.Account),
							zap.Int("attempt", attempt),
							zap.Error(err))
					}
					continue
				}
			}
		}

		if err := tab.Click(ctx, sel.LoginSubmit); err != nil {
			return indexing.Wrap(indexing.TransientProviderError, "submit login", err)
		}
		if err := tab.WaitVisible(ctx, sel.LoggedInMarker, loginSettleTimeout); err == nil {
			return nil
		}
		if m.logger != nil {
			m.logger.Warn("login attempt did not reach logged-in state",
				zap.String("provider", string(cfg.ID)),
				zap.String("account", cfg.Account),
				zap.Int("attempt", attempt))
		}
	}

	m.setState(e, cfg, indexing.SessionLoginFailed)
	return indexing.E(indexing.AuthError, fmt.Sprintf("login failed for %s account %s", cfg.ID, cfg.Account))
}

func (m *Manager) solveCaptcha(ctx context.Context, e *entry, tab indexing.BrowserTab, cfg indexing.ProviderConfig) error {
	m.setState(e, cfg, indexing.SessionCaptchaRequired)
	defer m.setState(e, cfg, indexing.SessionAuthenticating)

	image, err := tab.Screenshot(ctx)
	if err != nil {
		return fmt.Errorf("capture captcha: %w", err)
	}
	pageURL, err := tab.Location(ctx)
	if err != nil {
		return fmt.Errorf("read page location: %w", err)
	}
	token, err := m.solver.Solve(ctx, indexing.Challenge{
		Provider: cfg.ID,
		Account:  cfg.Account,
		PageURL:  pageURL,
		Image:    image,
	})
	if err != nil {
		return fmt.Errorf("solve captcha: %w", err)
	}
	if err := tab.Fill(ctx, cfg.Selectors.CaptchaField, token); err != nil {
		return fmt.Errorf("fill captcha token: %w", err)
	}
	return nil
}

// activate persists the tab's cookies and marks the session ACTIVE.
func (m *Manager) activate(ctx context.Context, e *entry, tab indexing.BrowserTab, cfg indexing.ProviderConfig) ([]byte, error) {
	blob, err := tab.Cookies(ctx)
	if err != nil {
		return nil, indexing.Wrap(indexing.TransientProviderError, "export cookies", err)
	}
	if err := m.cookies.Save(ctx, cfg.ID, cfg.Account, blob); err != nil {
		return nil, indexing.Wrap(indexing.UnexpectedError, "persist cookies", err)
	}
	e.blob = blob
	e.sess.LastValidatedAt = m.clock.Now()
	m.setState(e, cfg, indexing.SessionActive)
	return blob, nil
}

// setState mutates the entry under its lock and notifies the observer.
func (m *Manager) setState(e *entry, cfg indexing.ProviderConfig, state indexing.SessionState) {
	if e.sess.State == state {
		return
	}
	e.sess.Provider = cfg.ID
	e.sess.Account = cfg.Account
	e.sess.State = state
	if m.logger != nil {
		m.logger.Info("session state",
			zap.String("provider", string(cfg.ID)),
			zap.String("account", cfg.Account),
			zap.String("state", string(state)))
	}
	if m.OnState != nil {
		m.OnState(e.sess)
	}
}
