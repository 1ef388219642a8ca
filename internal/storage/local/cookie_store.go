package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sitepulse/indexd/internal/indexing"
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// CookieStore persists session cookie blobs as files, one per
// (provider, account) pair. Blobs carry credentials, so files are 0600 and
// writes go through a temp file plus rename to stay crash-safe.
type CookieStore struct {
	dir string
}

// NewCookieStore creates a filesystem-backed cookie store rooted at dir.
func NewCookieStore(dir string) (*CookieStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("cookie directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create cookie directory: %w", err)
	}
	return &CookieStore{dir: dir}, nil
}

// Load returns the stored blob, or indexing.ErrNotFound when none exists.
func (s *CookieStore) Load(_ context.Context, provider indexing.ProviderID, account string) ([]byte, error) {
	data, err := os.ReadFile(s.path(provider, account))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, indexing.ErrNotFound
		}
		return nil, fmt.Errorf("read cookie blob: %w", err)
	}
	return data, nil
}

// Save writes the blob atomically.
func (s *CookieStore) Save(_ context.Context, provider indexing.ProviderID, account string, blob []byte) error {
	path := s.path(provider, account)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return fmt.Errorf("write cookie blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename cookie blob: %w", err)
	}
	return nil
}

// Delete removes the stored blob. Deleting a missing blob is not an error.
func (s *CookieStore) Delete(_ context.Context, provider indexing.ProviderID, account string) error {
	if err := os.Remove(s.path(provider, account)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove cookie blob: %w", err)
	}
	return nil
}

func (s *CookieStore) path(provider indexing.ProviderID, account string) string {
	name := fmt.Sprintf("%s_%s.cookies", sanitize(string(provider)), sanitize(account))
	return filepath.Join(s.dir, name)
}

func sanitize(s string) string {
	return unsafeNameChars.ReplaceAllString(s, "_")
}
