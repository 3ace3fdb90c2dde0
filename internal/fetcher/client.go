package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"hl-sentinel/internal/metrics"
)

const maxResponseBytes = 16 << 20

// Options parameterise the outbound HTTP client.
type Options struct {
	Timeout         time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	RatePerSecond   float64
	Burst           int
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	UserAgent       string
}

// Request describes one outbound JSON call.
type Request struct {
	URL     string
	Method  string
	Body    any
	Headers map[string]string
}

// Client performs paced, retried, circuit-broken JSON requests. Every attempt
// is bounded by Options.Timeout.
type Client struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	limiter *rate.Limiter

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[[]byte]
}

// NewClient constructs a fetch client with defaults for unset options.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 250 * time.Millisecond
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "hl-sentinel/1.0"
	}

	limit := rate.Inf
	burst := opts.Burst
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
		if burst <= 0 {
			burst = 1
		}
	}

	return &Client{
		opts:     opts,
		logger:   logger.With().Str("component", "fetch_client").Logger(),
		client:   &http.Client{Timeout: opts.Timeout},
		limiter:  rate.NewLimiter(limit, burst),
		breakers: make(map[string]*gobreaker.CircuitBreaker[[]byte]),
	}
}

// FetchJSON performs the request and returns the raw JSON body. Failures are
// always *FetchError values.
func (c *Client) FetchJSON(ctx context.Context, req Request) ([]byte, error) {
	target, err := url.Parse(req.URL)
	if err != nil || target.Host == "" {
		return nil, &FetchError{URL: req.URL, Err: fmt.Errorf("invalid url")}
	}

	var body []byte
	if req.Body != nil {
		body, err = json.Marshal(req.Body)
		if err != nil {
			return nil, &FetchError{URL: req.URL, Err: fmt.Errorf("marshal body: %w", err)}
		}
	}

	breaker := c.breaker(target.Host)

	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, c.opts.RetryBackoff<<(attempt-1)); err != nil {
				break
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			lastErr = &FetchError{URL: req.URL, Retryable: true, Err: err}
			break
		}

		payload, err := breaker.Execute(func() ([]byte, error) {
			return c.do(ctx, req, body)
		})
		if err == nil {
			metrics.FetchRequests.WithLabelValues(target.Host, "ok").Inc()
			return payload, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.FetchRequests.WithLabelValues(target.Host, "breaker_open").Inc()
			return nil, &FetchError{URL: req.URL, Retryable: true, Err: err}
		}

		metrics.FetchRequests.WithLabelValues(target.Host, "error").Inc()
		lastErr = err

		var fe *FetchError
		if !errors.As(err, &fe) || !fe.Retryable || ctx.Err() != nil {
			break
		}
		c.logger.Debug().Err(err).Int("attempt", attempt+1).Str("url", req.URL).Msg("retrying upstream request")
	}

	if lastErr == nil {
		lastErr = &FetchError{URL: req.URL, Retryable: true, Err: ctx.Err()}
	}
	var fe *FetchError
	if !errors.As(lastErr, &fe) {
		lastErr = &FetchError{URL: req.URL, Retryable: true, Err: lastErr}
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, req Request, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, reader)
	if err != nil {
		return nil, &FetchError{URL: req.URL, Err: err}
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.opts.UserAgent)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &FetchError{URL: req.URL, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &FetchError{URL: req.URL, Status: resp.StatusCode, Retryable: true, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{
			URL:       req.URL,
			Status:    resp.StatusCode,
			Retryable: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			Err:       parseHTTPError(resp.StatusCode, payload),
		}
	}

	if !gjson.ValidBytes(payload) {
		perr := NewParseError(hostOf(req.URL), payload, errors.New("body is not valid json"))
		c.logger.Warn().Str("url", req.URL).Str("payload", perr.Payload).Msg("malformed upstream body")
		return nil, &FetchError{URL: req.URL, Status: resp.StatusCode, Err: perr}
	}

	return payload, nil
}

func (c *Client) breaker(host string) *gobreaker.CircuitBreaker[[]byte] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[host]; ok {
		return cb
	}

	failures := c.opts.BreakerFailures
	logger := c.logger
	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     c.opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var fe *FetchError
			if errors.As(err, &fe) {
				return fe.Status >= 400 && fe.Status < 500 && fe.Status != http.StatusTooManyRequests
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn().Str("host", name).Str("from", from.String()).Str("to", to.String()).Msg("upstream circuit breaker state changed")
		},
	})
	c.breakers[host] = cb
	return cb
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimSpace(raw)
	}
	return u.Host
}
