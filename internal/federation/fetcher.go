package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxConfigSize bounds the descriptor body read from a guardian.
const maxConfigSize = 1 << 20

// ErrConfigFetchFailed is returned when the federation config cannot be downloaded.
var ErrConfigFetchFailed = errors.New("fetch federation config failed")

// ConfigFetcher downloads a federation descriptor from a guardian.
type ConfigFetcher interface {
	Fetch(ctx context.Context, baseURL string) (*Descriptor, error)
}

// HTTPFetcher fetches GET {baseURL}/config over HTTP.
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher creates a fetcher with the given request timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: timeout}}
}

// Fetch downloads and decodes the descriptor. It does not validate it.
func (f *HTTPFetcher) Fetch(ctx context.Context, baseURL string) (*Descriptor, error) {
	url := strings.TrimRight(baseURL, "/") + "/config"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %v:\n%w", url, err, ErrConfigFetchFailed)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %v:\n%w", url, err, ErrConfigFetchFailed)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d:\n%w", url, resp.StatusCode, ErrConfigFetchFailed)
	}

	var desc Descriptor
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxConfigSize)).Decode(&desc); err != nil {
		return nil, fmt.Errorf("decode config from %s: %v:\n%w", url, err, ErrConfigFetchFailed)
	}

	return &desc, nil
}
