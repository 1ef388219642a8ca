// Package captcha integrates an external CAPTCHA solving service.
package captcha

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sitepulse/indexd/internal/indexing"
)

// HTTPSolver submits challenges to a solving service over HTTP.
type HTTPSolver struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPSolver constructs a solver client for the given endpoint.
func NewHTTPSolver(endpoint, apiKey string, timeout time.Duration) (*HTTPSolver, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("solver endpoint is required")
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPSolver{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

type solveRequest struct {
	Provider string `json:"provider"`
	Account  string `json:"account"`
	PageURL  string `json:"page_url"`
	Image    string `json:"image"`
}

type solveResponse struct {
	Token string `json:"token"`
	Error string `json:"error,omitempty"`
}

// Solve posts the challenge image and returns the solved token.
func (s *HTTPSolver) Solve(ctx context.Context, ch indexing.Challenge) (string, error) {
	body, err := json.Marshal(solveRequest{
		Provider: string(ch.Provider),
		Account:  ch.Account,
		PageURL:  ch.PageURL,
		Image:    base64.StdEncoding.EncodeToString(ch.Image),
	})
	if err != nil {
		return "", fmt.Errorf("marshal challenge: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build solver request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call solver: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read solver response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("solver returned status %d: %s", resp.StatusCode, data)
	}
	var decoded solveResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return "", fmt.Errorf("decode solver response: %w", err)
	}
	if decoded.Error != "" {
		return "", fmt.Errorf("solver rejected challenge: %s", decoded.Error)
	}
	if decoded.Token == "" {
		return "", fmt.Errorf("solver returned an empty token")
	}
	return decoded.Token, nil
}
