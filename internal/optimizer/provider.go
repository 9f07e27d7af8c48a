package optimizer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// StatusProvider supplies the collaborator's status.
type StatusProvider interface {
	Status(ctx context.Context) (Status, error)
}

// StaticProvider serves a status held in memory.
type StaticProvider struct {
	mu     sync.RWMutex
	status Status
}

// NewStaticProvider returns a provider serving s.
func NewStaticProvider(s Status) *StaticProvider {
	return &StaticProvider{status: s}
}

// Set replaces the served status.
func (p *StaticProvider) Set(s Status) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

func (p *StaticProvider) Status(context.Context) (Status, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status, nil
}

const (
	defaultTimeout = 5 * time.Second
	maxStatusBytes = 8 << 20
)

// HTTPProvider fetches the status document from a URL with GET.
type HTTPProvider struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewHTTPProvider creates a provider for url. A zero timeout uses five seconds.
func NewHTTPProvider(url string, timeout time.Duration, headers map[string]string) *HTTPProvider {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPProvider{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) Status(ctx context.Context) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return Status{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("optimizer unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Status{}, fmt.Errorf("optimizer status: HTTP %d", resp.StatusCode)
	}

	var s Status
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxStatusBytes)).Decode(&s); err != nil {
		return Status{}, fmt.Errorf("decode optimizer status: %w", err)
	}
	return s, nil
}
