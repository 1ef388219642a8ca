// Package apitoken submits URLs to REST-style indexing providers authenticated
// with a bearer token.
package apitoken

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sitepulse/indexd/internal/indexing"
)

// Responses are read fully for error detail but never beyond this.
const maxResponseBytes = 1 << 20

// Adapter implements indexing.Adapter over a provider's HTTP API.
type Adapter struct {
	cfg    indexing.ProviderConfig
	client *http.Client
}

// New constructs an Adapter for one configured provider.
func New(cfg indexing.ProviderConfig) (*Adapter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("provider %s: endpoint is required", cfg.ID)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider %s: api key is required", cfg.ID)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// Provider returns the provider this adapter submits to.
func (a *Adapter) Provider() indexing.ProviderID {
	return a.cfg.ID
}

type submitRequest struct {
	URL string `json:"url"`
}

// Submit posts the job's URL to the provider endpoint and decodes the result.
func (a *Adapter) Submit(ctx context.Context, job indexing.Job) (indexing.SubmitReceipt, error) {
	body, err := json.Marshal(submitRequest{URL: job.URL})
	if err != nil {
		return indexing.SubmitReceipt{}, indexing.Wrap(indexing.UnexpectedError, "marshal submit request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return indexing.SubmitReceipt{}, indexing.Wrap(indexing.UnexpectedError, "build submit request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return indexing.SubmitReceipt{}, indexing.Wrap(indexing.TransientProviderError, "call provider", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return indexing.SubmitReceipt{}, indexing.Wrap(indexing.TransientProviderError, "read provider response", err)
	}
	return a.classify(resp, data)
}

// classify maps the provider's HTTP status onto the error taxonomy. The raw
// response body travels along as detail so operators see what the provider
// actually said.
func (a *Adapter) classify(resp *http.Response, body []byte) (indexing.SubmitReceipt, error) {
	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		return a.decodeReceipt(resp, body)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return indexing.SubmitReceipt{}, indexing.E(indexing.AuthError,
			fmt.Sprintf("provider %s rejected credentials (status %d)", a.cfg.ID, status)).
			WithDetail(string(body))
	case status == http.StatusTooManyRequests:
		msg := fmt.Sprintf("provider %s throttled the request", a.cfg.ID)
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			msg = fmt.Sprintf("%s (retry after %ss)", msg, retryAfter)
		}
		return indexing.SubmitReceipt{}, indexing.E(indexing.TransientProviderError, msg).
			WithDetail(string(body))
	case status >= 500:
		return indexing.SubmitReceipt{}, indexing.E(indexing.TransientProviderError,
			fmt.Sprintf("provider %s returned status %d", a.cfg.ID, status)).
			WithDetail(string(body))
	case status >= 400:
		return indexing.SubmitReceipt{}, indexing.E(indexing.TerminalProviderError,
			fmt.Sprintf("provider %s refused the submission (status %d)", a.cfg.ID, status)).
			WithDetail(string(body))
	default:
		return indexing.SubmitReceipt{}, indexing.E(indexing.UnexpectedError,
			fmt.Sprintf("provider %s returned unexpected status %d", a.cfg.ID, status)).
			WithDetail(string(body))
	}
}

// decodeReceipt flattens the provider's JSON payload into receipt fields. A
// non-JSON 2xx body is still a success; the body just becomes the status line.
func (a *Adapter) decodeReceipt(resp *http.Response, body []byte) (indexing.SubmitReceipt, error) {
	receipt := indexing.SubmitReceipt{
		Provider:   a.cfg.ID,
		StatusLine: resp.Status,
	}
	if len(body) == 0 {
		return receipt, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		receipt.StatusLine = string(body)
		return receipt, nil
	}
	fields := make(map[string]string, len(payload))
	for key, value := range payload {
		fields[key] = flatten(value)
	}
	receipt.Fields = fields
	return receipt, nil
}

func flatten(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}
