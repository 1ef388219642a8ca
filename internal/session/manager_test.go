package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sitepulse/indexd/internal/indexing"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeCookieStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	saves int
}

func newFakeCookieStore() *fakeCookieStore {
	return &fakeCookieStore{blobs: make(map[string][]byte)}
}

func (s *fakeCookieStore) key(p indexing.ProviderID, a string) string { return string(p) + "/" + a }

func (s *fakeCookieStore) Load(_ context.Context, p indexing.ProviderID, a string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.blobs[s.key(p, a)]
	if !ok {
		return nil, indexing.ErrNotFound
	}
	return blob, nil
}

func (s *fakeCookieStore) Save(_ context.Context, p indexing.ProviderID, a string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[s.key(p, a)] = blob
	s.saves++
	return nil
}

func (s *fakeCookieStore) Delete(_ context.Context, p indexing.ProviderID, a string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, s.key(p, a))
	return nil
}

// fakeTab scripts one provider page. Selector behavior follows the config
// used by testConfig.
type fakeTab struct {
	loggedIn      bool
	captcha       bool
	loginSucceeds bool
	exported      []byte

	navigations []string
	fills       map[string]string
	clicks      []string
	closed      bool
}

func newFakeTab() *fakeTab {
	return &fakeTab{fills: make(map[string]string), exported: []byte("exported-cookies")}
}

func (t *fakeTab) Navigate(_ context.Context, url string) error {
	t.navigations = append(t.navigations, url)
	return nil
}

func (t *fakeTab) Fill(_ context.Context, selector, value string) error {
	t.fills[selector] = value
	return nil
}

func (t *fakeTab) Click(_ context.Context, selector string) error {
	t.clicks = append(t.clicks, selector)
	if selector == "#login-submit" && t.loginSucceeds {
		t.loggedIn = true
	}
	return nil
}

func (t *fakeTab) WaitVisible(_ context.Context, selector string, _ time.Duration) error {
	if selector == "#logged-in" && t.loggedIn {
		return nil
	}
	return errors.New("selector not visible")
}

func (t *fakeTab) Exists(_ context.Context, selector string) (bool, error) {
	switch selector {
	case "#logged-in":
		return t.loggedIn, nil
	case "#captcha-img":
		return t.captcha, nil
	default:
		return false, nil
	}
}

func (t *fakeTab) Text(context.Context, string) (string, error) { return "", nil }
func (t *fakeTab) Location(context.Context) (string, error)    { return "https://console.example/login", nil }
func (t *fakeTab) HTML(context.Context) (string, error)        { return "<html></html>", nil }
func (t *fakeTab) Screenshot(context.Context) ([]byte, error)  { return []byte("png"), nil }
func (t *fakeTab) Cookies(context.Context) ([]byte, error)     { return t.exported, nil }
func (t *fakeTab) Close(context.Context) error                 { t.closed = true; return nil }

type fakeFlow struct {
	mu     sync.Mutex
	tab    *fakeTab
	opens  int
	opened [][]byte
}

func (f *fakeFlow) Open(_ context.Context, cookies []byte) (indexing.BrowserTab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	f.opened = append(f.opened, cookies)
	return f.tab, nil
}

type fakeSolver struct {
	token string
	err   error
	calls int
}

func (s *fakeSolver) Solve(context.Context, indexing.Challenge) (string, error) {
	s.calls++
	return s.token, s.err
}

func testConfig() indexing.ProviderConfig {
	return indexing.ProviderConfig{
		ID:       "webconsole",
		Kind:     indexing.ProviderBrowser,
		Account:  "acct1",
		Username: "user",
		Password: "pass",
		LoginURL: "https://console.example/login",
		ProbeURL: "https://console.example/dashboard",
		Selectors: indexing.FlowSelectors{
			URLField:         "#url",
			SubmitButton:     "#submit",
			SuccessIndicator: "#ok",
			LoginUser:        "#login-user",
			LoginPass:        "#login-pass",
			LoginSubmit:      "#login-submit",
			LoggedInMarker:   "#logged-in",
			CaptchaImage:     "#captcha-img",
			CaptchaField:     "#captcha-field",
		},
	}
}

func newTestManager(cookies indexing.CookieStore, solver indexing.CaptchaSolver) (*Manager, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	m := NewManager(cookies, solver, clock, zap.NewNop(), Options{CaptchaAttempts: 3, Revalidate: 15 * time.Minute})
	return m, clock
}

func TestAcquireReusesValidCookies(t *testing.T) {
	t.Parallel()

	cookies := newFakeCookieStore()
	require.NoError(t, cookies.Save(context.Background(), "webconsole", "acct1", []byte("stored-cookies")))
	cookies.saves = 0

	tab := newFakeTab()
	tab.loggedIn = true
	flow := &fakeFlow{tab: tab}
	m, clock := newTestManager(cookies, nil)

	blob, err := m.Acquire(context.Background(), flow, testConfig())
	require.NoError(t, err)
	require.Equal(t, []byte("exported-cookies"), blob)
	require.Equal(t, indexing.SessionActive, m.State("webconsole", "acct1").State)
	require.Empty(t, tab.fills, "valid cookies must not trigger the login form")
	require.Equal(t, []byte("stored-cookies"), flow.opened[0], "stored cookies seed the tab")
	require.True(t, tab.closed)

	// A fresh Acquire inside the revalidate window skips the browser entirely.
	clock.advance(time.Minute)
	blob, err = m.Acquire(context.Background(), flow, testConfig())
	require.NoError(t, err)
	require.Equal(t, []byte("exported-cookies"), blob)
	require.Equal(t, 1, flow.opens)
}

func TestAcquireRevalidatesAfterWindow(t *testing.T) {
	t.Parallel()

	cookies := newFakeCookieStore()
	tab := newFakeTab()
	tab.loggedIn = true
	flow := &fakeFlow{tab: tab}
	m, clock := newTestManager(cookies, nil)

	_, err := m.Acquire(context.Background(), flow, testConfig())
	require.NoError(t, err)
	require.Equal(t, 1, flow.opens)

	clock.advance(time.Hour)
	_, err = m.Acquire(context.Background(), flow, testConfig())
	require.NoError(t, err)
	require.Equal(t, 2, flow.opens, "stale sessions are probed again")
}

func TestAcquireLogsInWhenCookiesStale(t *testing.T) {
	t.Parallel()

	cookies := newFakeCookieStore()
	require.NoError(t, cookies.Save(context.Background(), "webconsole", "acct1", []byte("stale")))

	tab := newFakeTab()
	tab.loginSucceeds = true
	flow := &fakeFlow{tab: tab}
	m, _ := newTestManager(cookies, nil)

	blob, err := m.Acquire(context.Background(), flow, testConfig())
	require.NoError(t, err)
	require.Equal(t, []byte("exported-cookies"), blob)
	require.Equal(t, "user", tab.fills["#login-user"])
	require.Equal(t, "pass", tab.fills["#login-pass"])
	require.Contains(t, tab.clicks, "#login-submit")
	require.Equal(t, indexing.SessionActive, m.State("webconsole", "acct1").State)

	stored, err := cookies.Load(context.Background(), "webconsole", "acct1")
	require.NoError(t, err)
	require.Equal(t, []byte("exported-cookies"), stored, "fresh cookies replace the stale blob")
}

func TestAcquireSolvesCaptcha(t *testing.T) {
	t.Parallel()

	var states []indexing.SessionState
	cookies := newFakeCookieStore()
	tab := newFakeTab()
	tab.captcha = true
	tab.loginSucceeds = true
	flow := &fakeFlow{tab: tab}
	solver := &fakeSolver{token: "captcha-token"}
	m, _ := newTestManager(cookies, solver)
	m.OnState = func(s indexing.Session) { states = append(states, s.State) }

	_, err := m.Acquire(context.Background(), flow, testConfig())
	require.NoError(t, err)
	require.Equal(t, 1, solver.calls)
	require.Equal(t, "captcha-token", tab.fills["#captcha-field"])
	require.Contains(t, states, indexing.SessionCaptchaRequired)
	require.Equal(t, indexing.SessionActive, m.State("webconsole", "acct1").State)
}

func TestAcquireLoginFailedIsAuthError(t *testing.T) {
	t.Parallel()

	cookies := newFakeCookieStore()
	tab := newFakeTab()
	flow := &fakeFlow{tab: tab}
	m, _ := newTestManager(cookies, nil)

	_, err := m.Acquire(context.Background(), flow, testConfig())
	require.Error(t, err)
	require.Equal(t, indexing.AuthError, indexing.KindOf(err))
	require.Equal(t, indexing.SessionLoginFailed, m.State("webconsole", "acct1").State)
	require.Len(t, tab.clicks, 3, "login attempts are bounded")
}

func TestAcquireCaptchaSolverExhaustion(t *testing.T) {
	t.Parallel()

	cookies := newFakeCookieStore()
	tab := newFakeTab()
	tab.captcha = true
	flow := &fakeFlow{tab: tab}
	solver := &fakeSolver{err: errors.New("solver outage")}
	m, _ := newTestManager(cookies, solver)

	_, err := m.Acquire(context.Background(), flow, testConfig())
	require.Error(t, err)
	require.Equal(t, indexing.AuthError, indexing.KindOf(err))
	require.Equal(t, 3, solver.calls, "each failed solve consumes one attempt")
}

func TestAcquireWithoutCredentials(t *testing.T) {
	t.Parallel()

	cookies := newFakeCookieStore()
	tab := newFakeTab()
	flow := &fakeFlow{tab: tab}
	m, _ := newTestManager(cookies, nil)

	cfg := testConfig()
	cfg.Username = ""
	_, err := m.Acquire(context.Background(), flow, cfg)
	require.Error(t, err)
	require.Equal(t, indexing.ConfigError, indexing.KindOf(err))
}

func TestInvalidateForcesRevalidation(t *testing.T) {
	t.Parallel()

	cookies := newFakeCookieStore()
	tab := newFakeTab()
	tab.loggedIn = true
	flow := &fakeFlow{tab: tab}
	m, _ := newTestManager(cookies, nil)

	_, err := m.Acquire(context.Background(), flow, testConfig())
	require.NoError(t, err)
	require.Equal(t, 1, flow.opens)

	m.Invalidate("webconsole", "acct1")
	require.Equal(t, indexing.SessionLoginRequired, m.State("webconsole", "acct1").State)

	_, err = m.Acquire(context.Background(), flow, testConfig())
	require.NoError(t, err)
	require.Equal(t, 2, flow.opens, "invalidated sessions go back through the browser")
}

func TestResetDeletesStoredCookies(t *testing.T) {
	t.Parallel()

	cookies := newFakeCookieStore()
	require.NoError(t, cookies.Save(context.Background(), "webconsole", "acct1", []byte("blob")))
	m, _ := newTestManager(cookies, nil)

	require.NoError(t, m.Reset(context.Background(), "webconsole", "acct1"))
	require.Equal(t, indexing.SessionNone, m.State("webconsole", "acct1").State)

	_, err := cookies.Load(context.Background(), "webconsole", "acct1")
	require.ErrorIs(t, err, indexing.ErrNotFound)
}
