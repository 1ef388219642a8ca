// Package headless drives provider consoles with chromedp and headless Chrome.
package headless

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"

	"github.com/sitepulse/indexd/internal/indexing"
)

// Config controls the behavior of the headless browser flow.
type Config struct {
	MaxParallel int
	UserAgent   string
}

// Flow implements indexing.BrowserFlow using chromedp. One Flow owns a shared
// Chrome allocator; every Open gets its own browser context (tab).
type Flow struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates a chromedp-backed browser flow.
func New(cfg Config) (*Flow, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Flow{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context, shutting down the browser.
func (f *Flow) Close() {
	f.allocCancel()
}

// Open starts a new tab seeded with the given cookie blob, if any.
func (f *Flow) Open(ctx context.Context, cookies []byte) (indexing.BrowserTab, error) {
	if err := f.acquire(ctx); err != nil {
		return nil, err
	}

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	tab := &Tab{ctx: taskCtx, cancel: taskCancel, release: f.release}

	setup := []chromedp.Action{chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})}
	if len(cookies) > 0 {
		params, err := decodeCookies(cookies)
		if err != nil {
			_ = tab.Close(ctx)
			return nil, err
		}
		setup = append(setup, chromedp.ActionFunc(func(ctx context.Context) error {
			if err := storage.SetCookies(params).Do(ctx); err != nil {
				return fmt.Errorf("restore cookies: %w", err)
			}
			return nil
		}))
	}

	if err := tab.run(ctx, setup...); err != nil {
		_ = tab.Close(ctx)
		return nil, fmt.Errorf("start tab: %w", err)
	}
	return tab, nil
}

func (f *Flow) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (f *Flow) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

// Tab is one chromedp browser context implementing indexing.BrowserTab.
type Tab struct {
	ctx     context.Context
	cancel  context.CancelFunc
	release func()
	closed  bool
}

// run executes actions on the tab while honoring the caller's context.
func (t *Tab) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

// Navigate loads a URL and waits for the document body.
func (t *Tab) Navigate(ctx context.Context, url string) error {
	return t.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// Fill sets the value of a form field.
func (t *Tab) Fill(ctx context.Context, selector, value string) error {
	return t.run(ctx, chromedp.SetValue(selector, value, chromedp.ByQuery))
}

// Click clicks the first element matching the selector.
func (t *Tab) Click(ctx context.Context, selector string) error {
	return t.run(ctx, chromedp.Click(selector, chromedp.ByQuery))
}

// WaitVisible waits until the selector is visible, up to the given timeout.
func (t *Tab) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return t.run(waitCtx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

// Exists reports whether the selector matches any element right now.
func (t *Tab) Exists(ctx context.Context, selector string) (bool, error) {
	var found bool
	expr := fmt.Sprintf("document.querySelector(%s) !== null", strconv.Quote(selector))
	if err := t.run(ctx, chromedp.Evaluate(expr, &found)); err != nil {
		return false, err
	}
	return found, nil
}

// Text returns the text content of the first matching element.
func (t *Tab) Text(ctx context.Context, selector string) (string, error) {
	var out string
	if err := t.run(ctx, chromedp.Text(selector, &out, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return out, nil
}

// Location returns the page's current URL.
func (t *Tab) Location(ctx context.Context) (string, error) {
	var url string
	if err := t.run(ctx, chromedp.Location(&url)); err != nil {
		return "", err
	}
	return url, nil
}

// HTML returns the full document markup.
func (t *Tab) HTML(ctx context.Context) (string, error) {
	var html string
	if err := t.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// Screenshot captures the visible viewport as PNG.
func (t *Tab) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := t.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Cookies exports the browser's cookie jar as a JSON blob.
func (t *Tab) Cookies(ctx context.Context) ([]byte, error) {
	var cookies []*network.Cookie
	err := t.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("export cookies: %w", err)
	}
	return encodeCookies(cookies)
}

// Close tears down the browser context and frees the parallelism slot.
func (t *Tab) Close(context.Context) error {
	if t.closed {
		return nil
	}
	t.closed = true
	t.cancel()
	if t.release != nil {
		t.release()
	}
	return nil
}

func encodeCookies(cookies []*network.Cookie) ([]byte, error) {
	blob, err := json.Marshal(cookies)
	if err != nil {
		return nil, fmt.Errorf("encode cookies: %w", err)
	}
	return blob, nil
}

// decodeCookies turns a stored blob back into settable cookie params.
func decodeCookies(blob []byte) ([]*network.CookieParam, error) {
	var cookies []*network.Cookie
	if err := json.Unmarshal(blob, &cookies); err != nil {
		return nil, fmt.Errorf("decode cookies: %w", err)
	}
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		if c == nil {
			continue
		}
		param := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: c.SameSite,
		}
		if c.Expires > 0 {
			expires := cdp.TimeSinceEpoch(time.Unix(0, int64(c.Expires*float64(time.Second))))
			param.Expires = &expires
		}
		params = append(params, param)
	}
	return params, nil
}
