package ota

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
)

func TestFetchIdentity(t *testing.T) {
	body := bytes.Repeat([]byte("v"), 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != UserAgent {
			t.Errorf("User-Agent = %q", r.Header.Get("User-Agent"))
		}
		w.Header().Set(HeaderKind, "package")
		w.Header().Set(HeaderBlake3, "feedface")
		w.Write(body)
	}))
	defer srv.Close()

	var dst bytes.Buffer
	res, err := NewClientWith(srv.Client()).Fetch(context.Background(), srv.URL, &dst, 8192)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Bytes != int64(len(body)) || !bytes.Equal(dst.Bytes(), body) {
		t.Errorf("downloaded %d bytes, want %d", res.Bytes, len(body))
	}
	if res.DeclaredKind != "package" || res.Blake3 != "feedface" {
		t.Errorf("headers not captured: %+v", res)
	}
}

func TestFetchContentLengthOverCeiling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(2048))
		w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	var dst bytes.Buffer
	_, err := NewClientWith(srv.Client()).Fetch(context.Background(), srv.URL, &dst, 1024)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if dst.Len() != 0 {
		t.Errorf("expected nothing written, got %d bytes", dst.Len())
	}
}

func TestFetchStreamOverCeiling(t *testing.T) {
	// No Content-Length: the overflow is only discovered mid-stream.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		chunk := make([]byte, 512)
		for i := 0; i < 8; i++ {
			w.Write(chunk)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	var dst bytes.Buffer
	res, err := NewClientWith(srv.Client()).Fetch(context.Background(), srv.URL, &dst, 1500)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if dst.Len() > 1500 || res.Bytes > 1500 {
		t.Errorf("wrote %d bytes past a 1500 byte ceiling", dst.Len())
	}
}

func TestFetchZstd(t *testing.T) {
	plain := bytes.Repeat([]byte("config=1\n"), 200)
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	compressed := enc.EncodeAll(plain, nil)
	enc.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "zstd")
		w.Write(compressed)
	}))
	defer srv.Close()

	var dst bytes.Buffer
	res, err := NewClientWith(srv.Client()).Fetch(context.Background(), srv.URL, &dst, int64(len(plain)))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !bytes.Equal(dst.Bytes(), plain) {
		t.Error("decoded body differs from original")
	}
	if res.Encoding != "zstd" {
		t.Errorf("Encoding = %q", res.Encoding)
	}

	// The ceiling applies to decoded bytes.
	dst.Reset()
	_, err = NewClientWith(srv.Client()).Fetch(context.Background(), srv.URL, &dst, int64(len(plain)-1))
	if !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected ErrTooLarge on decoded overflow, got %v", err)
	}
}

func TestFetchErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		case "/empty":
			w.WriteHeader(http.StatusOK)
		case "/brotli":
			w.Header().Set("Content-Encoding", "br")
			w.Write([]byte("x"))
		}
	}))
	defer srv.Close()

	client := NewClientWith(srv.Client())

	var statusErr *StatusError
	if _, err := client.Fetch(context.Background(), srv.URL+"/missing", &bytes.Buffer{}, 10); !errors.As(err, &statusErr) || statusErr.StatusCode != 404 {
		t.Errorf("expected 404 StatusError, got %v", err)
	}
	if _, err := client.Fetch(context.Background(), srv.URL+"/empty", &bytes.Buffer{}, 10); !errors.Is(err, ErrEmpty) {
		t.Errorf("expected ErrEmpty, got %v", err)
	}
	if _, err := client.Fetch(context.Background(), srv.URL+"/brotli", &bytes.Buffer{}, 10); err == nil {
		t.Error("expected unsupported encoding error")
	}
}

func TestNewClientConfiguresTransport(t *testing.T) {
	c, err := NewClient(5 * time.Second)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.HTTPClient().Timeout != 5*time.Second {
		t.Errorf("timeout = %v", c.HTTPClient().Timeout)
	}
}

func TestProbes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	probe := NewHTTPProbe(srv.Client(), srv.URL, time.Second)
	if !probe.Reachable(context.Background()) {
		t.Error("a 404 still proves the endpoint is reachable")
	}
	srv.Close()
	if probe.Reachable(context.Background()) {
		t.Error("closed server should be unreachable")
	}
	if NewHTTPProbe(http.DefaultClient, "", time.Second).Reachable(context.Background()) {
		t.Error("empty URL should be unreachable")
	}

	static := NewStaticProbe(false)
	if static.Reachable(context.Background()) {
		t.Error("static probe should start down")
	}
	static.Set(true)
	if !static.Reachable(context.Background()) {
		t.Error("static probe should report up after Set")
	}
}
