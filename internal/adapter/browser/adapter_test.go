package browser

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sitepulse/indexd/internal/indexing"
	"github.com/sitepulse/indexd/internal/session"
	"github.com/sitepulse/indexd/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fakeCookieStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func (s *fakeCookieStore) Load(_ context.Context, p indexing.ProviderID, a string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.blobs[string(p)+"/"+a]
	if !ok {
		return nil, indexing.ErrNotFound
	}
	return blob, nil
}

func (s *fakeCookieStore) Save(_ context.Context, p indexing.ProviderID, a string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blobs == nil {
		s.blobs = make(map[string][]byte)
	}
	s.blobs[string(p)+"/"+a] = blob
	return nil
}

func (s *fakeCookieStore) Delete(_ context.Context, p indexing.ProviderID, a string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, string(p)+"/"+a)
	return nil
}

// fakeTab scripts the provider console. Selector names follow testConfig.
type fakeTab struct {
	loggedIn         bool
	loginFormVisible bool
	submitWorks      bool
	successVisible   bool
	clickErr         error

	fills       map[string]string
	navigations []string
}

func newFakeTab() *fakeTab { return &fakeTab{fills: make(map[string]string)} }

func (t *fakeTab) Navigate(_ context.Context, url string) error {
	t.navigations = append(t.navigations, url)
	return nil
}

func (t *fakeTab) Fill(_ context.Context, selector, value string) error {
	t.fills[selector] = value
	return nil
}

func (t *fakeTab) Click(_ context.Context, selector string) error {
	if t.clickErr != nil {
		return t.clickErr
	}
	if selector == "#submit" && t.submitWorks {
		t.successVisible = true
	}
	return nil
}

func (t *fakeTab) WaitVisible(_ context.Context, selector string, _ time.Duration) error {
	switch selector {
	case "#ok":
		if t.successVisible {
			return nil
		}
	case "#logged-in":
		if t.loggedIn {
			return nil
		}
	}
	return errors.New("selector not visible")
}

func (t *fakeTab) Exists(_ context.Context, selector string) (bool, error) {
	switch selector {
	case "#logged-in":
		return t.loggedIn, nil
	case "#login-user":
		return t.loginFormVisible, nil
	default:
		return false, nil
	}
}

func (t *fakeTab) Text(_ context.Context, selector string) (string, error) {
	if selector == "#ok" && t.successVisible {
		return " URL submitted ", nil
	}
	return "", errors.New("no text")
}

func (t *fakeTab) Location(context.Context) (string, error)   { return "https://console.example", nil }
func (t *fakeTab) HTML(context.Context) (string, error)       { return "<html>broken page</html>", nil }
func (t *fakeTab) Screenshot(context.Context) ([]byte, error) { return []byte("png"), nil }
func (t *fakeTab) Cookies(context.Context) ([]byte, error)    { return []byte("exported"), nil }
func (t *fakeTab) Close(context.Context) error                { return nil }

type fakeFlow struct {
	tab   *fakeTab
	opens int
}

func (f *fakeFlow) Open(context.Context, []byte) (indexing.BrowserTab, error) {
	f.opens++
	return f.tab, nil
}

func testConfig() indexing.ProviderConfig {
	return indexing.ProviderConfig{
		ID:           "webconsole",
		Kind:         indexing.ProviderBrowser,
		Endpoint:     "https://console.example/submit",
		LoginURL:     "https://console.example/login",
		ProbeURL:     "https://console.example/dashboard",
		Account:      "acct1",
		Username:     "user",
		Password:     "pass",
		SingleFlight: true,
		Selectors: indexing.FlowSelectors{
			URLField:         "#url",
			SubmitButton:     "#submit",
			SuccessIndicator: "#ok",
			LoginUser:        "#login-user",
			LoginPass:        "#login-pass",
			LoginSubmit:      "#login-submit",
			LoggedInMarker:   "#logged-in",
		},
	}
}

func newTestAdapter(t *testing.T, tab *fakeTab, artifacts indexing.ArtifactStore) (*Adapter, *session.Manager, *fakeFlow) {
	t.Helper()
	clock := fixedClock{now: time.Unix(1700000000, 0).UTC()}
	cookies := &fakeCookieStore{blobs: map[string][]byte{"webconsole/acct1": []byte("stored")}}
	sessions := session.NewManager(cookies, nil, clock, zap.NewNop(), session.Options{})
	flow := &fakeFlow{tab: tab}

	adapter, err := New(testConfig(), sessions, flow, artifacts, clock, zap.NewNop())
	require.NoError(t, err)
	return adapter, sessions, flow
}

func testJob() indexing.Job {
	return indexing.Job{ID: "j1", SiteID: "S1", URL: "https://example.com/post", Provider: "webconsole"}
}

func TestSubmitSuccess(t *testing.T) {
	t.Parallel()

	tab := newFakeTab()
	tab.loggedIn = true
	tab.submitWorks = true
	adapter, _, flow := newTestAdapter(t, tab, nil)

	receipt, err := adapter.Submit(context.Background(), testJob())
	require.NoError(t, err)
	require.Equal(t, indexing.ProviderID("webconsole"), receipt.Provider)
	require.Equal(t, "URL submitted", receipt.StatusLine)
	require.Equal(t, "https://example.com/post", tab.fills["#url"])
	require.Contains(t, tab.navigations, "https://console.example/submit")
	require.Equal(t, 2, flow.opens, "one tab validates the session, one submits")
}

func TestSubmitSessionExpiredMidFlow(t *testing.T) {
	t.Parallel()

	tab := newFakeTab()
	tab.loggedIn = true
	tab.loginFormVisible = true
	adapter, sessions, _ := newTestAdapter(t, tab, nil)

	_, err := adapter.Submit(context.Background(), testJob())
	require.Error(t, err)
	require.Equal(t, indexing.TransientProviderError, indexing.KindOf(err))
	require.Equal(t, indexing.SessionLoginRequired, sessions.State("webconsole", "acct1").State,
		"mid-flow logout must invalidate the session")
	require.NotContains(t, tab.fills, "#url", "no submission on an expired session")
}

func TestSubmitIndicatorTimeoutIsRetryable(t *testing.T) {
	t.Parallel()

	tab := newFakeTab()
	tab.loggedIn = true
	tab.submitWorks = false
	artifacts := memory.NewArtifactStore()
	adapter, _, _ := newTestAdapter(t, tab, artifacts)

	_, err := adapter.Submit(context.Background(), testJob())
	require.Error(t, err)
	require.Equal(t, indexing.TransientProviderError, indexing.KindOf(err))
	require.True(t, indexing.Retryable(err), "a slow console gets another attempt")

	_, ok := artifacts.Get("jobs/j1/20231114T221320Z/page.html")
	require.True(t, ok, "the page is still snapshotted for review")
}

func TestSubmitUnexpectedStructureSnapshotsPage(t *testing.T) {
	t.Parallel()

	tab := newFakeTab()
	tab.loggedIn = true
	tab.clickErr = errors.New("node #submit not found")
	artifacts := memory.NewArtifactStore()
	adapter, _, _ := newTestAdapter(t, tab, artifacts)

	_, err := adapter.Submit(context.Background(), testJob())
	require.Error(t, err)
	require.Equal(t, indexing.UnexpectedError, indexing.KindOf(err))
	require.False(t, indexing.Retryable(err), "structure drift needs human attention")

	var classified *indexing.Error
	require.ErrorAs(t, err, &classified)
	require.Contains(t, classified.Detail, "memory://jobs/j1/")

	html, ok := artifacts.Get("jobs/j1/20231114T221320Z/page.html")
	require.True(t, ok, "page snapshot must be stored for review")
	require.Contains(t, string(html), "broken page")

	_, ok = artifacts.Get("jobs/j1/20231114T221320Z/page.png")
	require.True(t, ok, "screenshot must be stored for review")
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Selectors.SuccessIndicator = ""
	_, err := New(cfg, nil, nil, nil, fixedClock{}, zap.NewNop())
	require.ErrorContains(t, err, "selectors")

	cfg = testConfig()
	cfg.Account = ""
	_, err = New(cfg, nil, nil, nil, fixedClock{}, zap.NewNop())
	require.ErrorContains(t, err, "account")
}
