package indexing

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL standardizes a URL before it is used in a dedup key.
// It lowercases the scheme and host, removes default ports, strips
// fragments, sorts query parameters, and drops the trailing slash on
// non-root paths.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""

	if len(u.Path) > 1 {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	q := u.Query()
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// NormalizeBatch normalizes and de-duplicates a URL list, preserving first
// occurrence order. Invalid entries are returned separately with their
// errors.
func NormalizeBatch(rawURLs []string) (valid []string, invalid map[string]error) {
	invalid = make(map[string]error)
	seen := make(map[string]struct{}, len(rawURLs))
	for _, raw := range rawURLs {
		norm, err := NormalizeURL(raw)
		if err != nil {
			invalid[raw] = err
			continue
		}
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		valid = append(valid, norm)
	}
	return valid, invalid
}
