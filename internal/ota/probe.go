package ota

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"
)

// Probe reports whether the OTA endpoint can be reached right now.
type Probe interface {
	Reachable(ctx context.Context) bool
}

// HTTPProbe treats any HTTP response from the endpoint, whatever its
// status, as proof of connectivity.
type HTTPProbe struct {
	client  *http.Client
	url     string
	timeout time.Duration
}

// NewHTTPProbe returns a Probe issuing HEAD requests to url.
func NewHTTPProbe(client *http.Client, url string, timeout time.Duration) *HTTPProbe {
	return &HTTPProbe{client: client, url: url, timeout: timeout}
}

// Reachable sends a HEAD request bounded by the probe timeout.
func (p *HTTPProbe) Reachable(ctx context.Context) bool {
	if p.url == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// StaticProbe is a Probe with a settable answer.
type StaticProbe struct {
	up atomic.Bool
}

// NewStaticProbe returns a StaticProbe answering up.
func NewStaticProbe(up bool) *StaticProbe {
	p := &StaticProbe{}
	p.up.Store(up)
	return p
}

// Set changes the answer.
func (p *StaticProbe) Set(up bool) {
	p.up.Store(up)
}

// Reachable returns the configured answer.
func (p *StaticProbe) Reachable(context.Context) bool {
	return p.up.Load()
}
