package fetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestFetchJSONPostsBody(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Fatalf("unexpected content type %q", ct)
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got)
		_, _ = w.Write([]byte(`{"BTC":"65000.5"}`))
	}))
	defer srv.Close()

	c := NewClient(Options{Timeout: time.Second}, noopLogger())
	body, err := c.FetchJSON(context.Background(), Request{
		URL:    srv.URL,
		Method: http.MethodPost,
		Body:   map[string]string{"type": "allMids"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["type"] != "allMids" {
		t.Fatalf("request body not forwarded: %#v", got)
	}
	if string(body) != `{"BTC":"65000.5"}` {
		t.Fatalf("unexpected body %s", body)
	}
}

func TestFetchJSONRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewClient(Options{Timeout: time.Second, MaxRetries: 2, RetryBackoff: time.Millisecond}, noopLogger())
	if _, err := c.FetchJSON(context.Background(), Request{URL: srv.URL}); err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestFetchJSONClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	c := NewClient(Options{Timeout: time.Second, MaxRetries: 3, RetryBackoff: time.Millisecond}, noopLogger())
	_, err := c.FetchJSON(context.Background(), Request{URL: srv.URL})

	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if fe.Status != http.StatusBadRequest || fe.Retryable {
		t.Fatalf("unexpected error fields: %+v", fe)
	}
	if calls != 1 {
		t.Fatalf("4xx should not be retried, got %d calls", calls)
	}
}

func TestFetchJSONMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>maintenance</html>`))
	}))
	defer srv.Close()

	c := NewClient(Options{Timeout: time.Second}, noopLogger())
	_, err := c.FetchJSON(context.Background(), Request{URL: srv.URL})
	if !IsFetchError(err) {
		t.Fatalf("malformed body should be a fetch error: %v", err)
	}
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("malformed body should wrap a ParseError: %v", err)
	}
	if pe.Payload == "" {
		t.Fatal("payload should be kept for logging")
	}
}

func TestFetchJSONTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(Options{Timeout: 50 * time.Millisecond}, noopLogger())
	_, err := c.FetchJSON(context.Background(), Request{URL: srv.URL})

	var fe *FetchError
	if !errors.As(err, &fe) || !fe.Retryable {
		t.Fatalf("timeout should be a retryable FetchError: %v", err)
	}
}

func TestFetchJSONBreakerOpens(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(Options{Timeout: time.Second, BreakerFailures: 2, BreakerTimeout: time.Minute}, noopLogger())
	for i := 0; i < 2; i++ {
		_, _ = c.FetchJSON(context.Background(), Request{URL: srv.URL})
	}
	_, err := c.FetchJSON(context.Background(), Request{URL: srv.URL})
	if !IsFetchError(err) {
		t.Fatalf("expected FetchError when breaker is open: %v", err)
	}
	if calls != 2 {
		t.Fatalf("breaker should short-circuit the third call, got %d upstream calls", calls)
	}
}

func TestFetchJSONInvalidURL(t *testing.T) {
	c := NewClient(Options{}, noopLogger())
	if _, err := c.FetchJSON(context.Background(), Request{URL: "not a url"}); !IsFetchError(err) {
		t.Fatalf("expected FetchError for invalid url, got %v", err)
	}
}

func TestParseErrorPayloadKeepsRuneBoundary(t *testing.T) {
	// 255 ASCII bytes followed by a 3-byte rune straddling the limit.
	payload := strings.Repeat("a", maxPayloadLog-1) + "€€"
	pe := NewParseError("test", []byte(payload), errors.New("bad shape"))

	if !utf8.ValidString(pe.Payload) {
		t.Fatalf("payload is not valid UTF-8: %q", pe.Payload)
	}
	if want := strings.Repeat("a", maxPayloadLog-1) + "..."; pe.Payload != want {
		t.Fatalf("unexpected payload %q", pe.Payload)
	}

	short := NewParseError("test", []byte("€"), errors.New("bad shape"))
	if short.Payload != "€" {
		t.Fatalf("short payloads must be kept intact, got %q", short.Payload)
	}
}
