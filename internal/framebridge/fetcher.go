package framebridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Fetcher performs the privileged HTTP POST requested by a frame.
type Fetcher interface {
	Post(ctx context.Context, url string, body json.RawMessage) (json.RawMessage, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, url string, body json.RawMessage) (json.RawMessage, error)

func (f FetcherFunc) Post(ctx context.Context, url string, body json.RawMessage) (json.RawMessage, error) {
	return f(ctx, url, body)
}

// HTTPFetcher posts JSON bodies and expects JSON responses. Non-JSON response
// bodies are returned as a JSON string.
type HTTPFetcher struct {
	Client *http.Client
	// MaxBody caps the response size; 0 means 16 MiB.
	MaxBody int64
}

// NewHTTPFetcher returns a fetcher with the given request timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: timeout}}
}

func (f *HTTPFetcher) Post(ctx context.Context, url string, body json.RawMessage) (json.RawMessage, error) {
	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	limit := f.MaxBody
	if limit <= 0 {
		limit = 16 << 20
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	if json.Valid(b) && len(bytes.TrimSpace(b)) > 0 {
		return b, nil
	}
	return json.Marshal(string(b))
}
