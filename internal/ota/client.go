// Package ota fetches over-the-air update bundles.
package ota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/net/http2"
)

// UserAgent is sent with every OTA request.
const UserAgent = "LilithOS-Update/1.0"

// Response headers an update server may use to describe the bundle.
const (
	HeaderKind   = "X-Update-Kind"
	HeaderBlake3 = "X-Update-Blake3"
)

var (
	// ErrTooLarge is returned when the body exceeds the byte ceiling.
	ErrTooLarge = errors.New("download exceeds size ceiling")
	// ErrEmpty is returned when the server sent no bytes.
	ErrEmpty = errors.New("download is empty")
)

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.StatusCode)
}

// Result describes a completed download.
type Result struct {
	Bytes        int64
	DeclaredKind string
	Blake3       string
	Encoding     string
}

// Client downloads bundles with a hard size ceiling.
type Client struct {
	http *http.Client
}

// NewClient returns a Client whose transport negotiates HTTP/2 when the
// server offers it.
func NewClient(timeout time.Duration) (*Client, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          2,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("failed to configure HTTP/2 transport: %w", err)
	}

	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
	}, nil
}

// NewClientWith wraps an existing http.Client.
func NewClientWith(hc *http.Client) *Client {
	return &Client{http: hc}
}

// HTTPClient exposes the underlying client, e.g. for a Probe.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// Fetch GETs url and streams the (decoded) body into dst. At most limit
// bytes are ever written to dst; if the body is longer the copy stops
// and ErrTooLarge is returned, leaving dst holding a partial body that
// the caller must discard.
func (c *Client) Fetch(ctx context.Context, url string, dst io.Writer, limit int64) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept-Encoding", "zstd, identity")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, &StatusError{StatusCode: resp.StatusCode}
	}

	result := Result{
		DeclaredKind: strings.TrimSpace(resp.Header.Get(HeaderKind)),
		Blake3:       strings.TrimSpace(resp.Header.Get(HeaderBlake3)),
		Encoding:     strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))),
	}

	var body io.Reader = resp.Body
	switch result.Encoding {
	case "", "identity":
		// Content-Length is the decoded size only for identity bodies.
		if resp.ContentLength > limit {
			return result, ErrTooLarge
		}
	case "zstd":
		decoder, err := zstd.NewReader(resp.Body, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return result, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		defer decoder.Close()
		body = decoder
	default:
		return result, fmt.Errorf("unsupported content encoding %q", result.Encoding)
	}

	n, err := io.Copy(&ceilingWriter{w: dst, remaining: limit}, body)
	result.Bytes = n
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			return result, ErrTooLarge
		}
		return result, fmt.Errorf("download interrupted after %d bytes: %w", n, err)
	}
	if n == 0 {
		return result, ErrEmpty
	}
	return result, nil
}

// ceilingWriter refuses writes that would take the total past remaining.
type ceilingWriter struct {
	w         io.Writer
	remaining int64
}

func (cw *ceilingWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > cw.remaining {
		return 0, ErrTooLarge
	}
	n, err := cw.w.Write(p)
	cw.remaining -= int64(n)
	return n, err
}
