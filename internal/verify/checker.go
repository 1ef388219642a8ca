// Package verify checks whether submitted URLs are visible in a provider's
// public index.
package verify

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/sitepulse/indexd/internal/indexing"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// QueryURLFunc resolves the provider's result-page template. The template
// must contain one %s placeholder for the escaped target URL.
type QueryURLFunc func(provider indexing.ProviderID) (string, bool)

// Checker implements indexing.Checker by scraping the provider's public
// result page with Colly.
type Checker struct {
	cfg      Config
	queryURL QueryURLFunc
	base     *colly.Collector
}

// New builds a Checker.
func New(cfg Config, queryURL QueryURLFunc) *Checker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	return &Checker{cfg: cfg, queryURL: queryURL, base: c}
}

// Check queries the provider's index for target and reports whether the
// result page references it.
func (c *Checker) Check(ctx context.Context, provider indexing.ProviderID, target string) (bool, error) {
	template, ok := c.queryURL(provider)
	if !ok || template == "" {
		return false, indexing.E(indexing.ConfigError,
			fmt.Sprintf("provider %s has no query url configured", provider))
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	queryURL := fmt.Sprintf(template, url.QueryEscape(target))

	collector := c.base.Clone()
	if c.cfg.UserAgent != "" {
		collector.UserAgent = c.cfg.UserAgent
	}
	collector.SetRequestTimeout(c.cfg.Timeout)

	var (
		body     []byte
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		body = r.Body
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	if err := collector.Visit(queryURL); err != nil {
		return false, indexing.Wrap(indexing.TransientProviderError, "query provider index", err)
	}
	collector.Wait()
	if fetchErr != nil {
		return false, indexing.Wrap(indexing.TransientProviderError, "query provider index", fetchErr)
	}
	return strings.Contains(string(body), target), nil
}
