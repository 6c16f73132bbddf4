package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

const (
	ctxBody   = "body"
	ctxStatus = "status"

	maxBackoff = 30 * time.Second
)

// Options configures a CollyFetcher
type Options struct {
	Timeout       time.Duration
	MaxRetries    int
	BackoffFactor time.Duration
	Delay         time.Duration
	UserAgent     string
	Headers       map[string]string
	Logger        zerolog.Logger
}

// CollyFetcher implements the Fetcher interface using colly.
// Each instance owns its own cookie jar and connection pool, so one fetcher
// maps to one remote browsing session.
type CollyFetcher struct {
	collector *colly.Collector
	retry     *retryablehttp.Client
	logger    zerolog.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	// call is the context of the Send in progress
	call context.Context
}

// retryExhausted carries the last status seen when the retry budget ran out
type retryExhausted struct {
	status   int
	attempts int
	err      error
}

func (e *retryExhausted) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("giving up after %d attempt(s), last status %d", e.attempts, e.status)
}

func (e *retryExhausted) Unwrap() error {
	return e.err
}

// NewCollyFetcher creates a new CollyFetcher instance
func NewCollyFetcher(opts Options) (*CollyFetcher, error) {
	cf := &CollyFetcher{
		logger: opts.Logger.With().Str("component", "fetcher").Logger(),
		done:   make(chan struct{}),
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.MaxRetries
	rc.RetryWaitMin = opts.BackoffFactor
	rc.RetryWaitMax = maxBackoff
	rc.Logger = &leveledLogger{logger: cf.logger}
	rc.CheckRetry = cf.checkRetry
	rc.Backoff = exponentialBackoff
	rc.ErrorHandler = func(resp *http.Response, err error, numTries int) (*http.Response, error) {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
		return nil, &retryExhausted{status: status, attempts: numTries, err: err}
	}
	rc.HTTPClient.Timeout = opts.Timeout
	// redirects are followed by the collector so its cookie jar sees every hop
	rc.HTTPClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	cf.retry = rc

	c := colly.NewCollector(
		colly.UserAgent(opts.UserAgent),
		colly.AllowURLRevisit(),
	)
	c.ParseHTTPErrorResponse = true
	c.WithTransport(&retryablehttp.RoundTripper{Client: rc})
	c.SetRequestTimeout(totalBudget(opts))

	if err := c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 1,
		Delay:       opts.Delay,
	}); err != nil {
		return nil, fmt.Errorf("failed to set rate limit: %w", err)
	}

	headers := opts.Headers
	c.OnRequest(func(r *colly.Request) {
		for k, v := range headers {
			r.Headers.Set(k, v)
		}
	})

	c.OnResponse(func(r *colly.Response) {
		r.Ctx.Put(ctxBody, r.Body)
		r.Ctx.Put(ctxStatus, r.StatusCode)
	})

	c.OnError(func(r *colly.Response, err error) {
		cf.logger.Debug().Err(err).Str("url", r.Request.URL.String()).Msg("request failed")
	})

	cf.collector = c
	return cf, nil
}

// totalBudget bounds one Send including every retry and backoff wait
func totalBudget(opts Options) time.Duration {
	budget := opts.Timeout
	for i := 0; i < opts.MaxRetries; i++ {
		budget += opts.Timeout + exponentialBackoff(opts.BackoffFactor, maxBackoff, i, nil)
	}
	return budget
}

// Send implements the Fetcher interface
func (cf *CollyFetcher) Send(ctx context.Context, method, rawURL string, form url.Values) ([]byte, error) {
	if cf.isClosed() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hdr := http.Header{}
	var body io.Reader
	if form != nil {
		hdr.Set("Content-Type", "application/x-www-form-urlencoded")
		body = strings.NewReader(form.Encode())
	}

	cf.setCall(ctx)
	defer cf.setCall(nil)

	reqCtx := colly.NewContext()
	start := time.Now()
	err := cf.collector.Request(method, rawURL, body, reqCtx, hdr)
	if err != nil {
		var exhausted *retryExhausted
		if errors.As(err, &exhausted) {
			return nil, &TransportError{
				Method:     method,
				URL:        rawURL,
				StatusCode: exhausted.status,
				Attempts:   exhausted.attempts,
				Err:        exhausted,
			}
		}
		return nil, &TransportError{Method: method, URL: rawURL, Attempts: 1, Err: err}
	}

	status, _ := reqCtx.GetAny(ctxStatus).(int)
	data, _ := reqCtx.GetAny(ctxBody).([]byte)

	cf.logger.Debug().
		Str("method", method).
		Str("url", rawURL).
		Int("status", status).
		Int("bytes", len(data)).
		Dur("elapsed", time.Since(start)).
		Msg("request completed")

	if status >= http.StatusBadRequest {
		return nil, &TransportError{
			Method:     method,
			URL:        rawURL,
			StatusCode: status,
			Attempts:   1,
			Err:        fmt.Errorf("unexpected status %s", http.StatusText(status)),
		}
	}

	return data, nil
}

// Close releases pooled connections; further calls to Send fail with ErrClosed
func (cf *CollyFetcher) Close() error {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	if cf.closed {
		return nil
	}
	cf.closed = true
	close(cf.done)
	cf.retry.HTTPClient.CloseIdleConnections()
	return nil
}

func (cf *CollyFetcher) setCall(ctx context.Context) {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	cf.call = ctx
}

func (cf *CollyFetcher) callErr() error {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	if cf.call == nil {
		return nil
	}
	return cf.call.Err()
}

func (cf *CollyFetcher) isClosed() bool {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return cf.closed
}

// checkRetry retries throttling, gateway failures and connection errors.
// A cancelled Send stops retrying; ctx is colly's request context.
func (cf *CollyFetcher) checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	select {
	case <-cf.done:
		return false, ErrClosed
	default:
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err := cf.callErr(); err != nil {
		return false, err
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true, nil
	}
	return false, nil
}

// exponentialBackoff waits min * 2^attempt, capped at max. 429 responses
// defer to the Retry-After header when present.
func exponentialBackoff(min, max time.Duration, attempt int, resp *http.Response) time.Duration {
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests && resp.Header.Get("Retry-After") != "" {
		return retryablehttp.DefaultBackoff(min, max, attempt, resp)
	}
	if min <= 0 {
		return 0
	}
	wait := min << uint(attempt)
	if wait <= 0 || wait > max {
		return max
	}
	return wait
}

// leveledLogger routes retryablehttp logging into zerolog
type leveledLogger struct {
	logger zerolog.Logger
}

func (l *leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error().Fields(keysAndValues).Msg(msg)
}

func (l *leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l *leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Trace().Fields(keysAndValues).Msg(msg)
}

func (l *leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Fields(keysAndValues).Msg(msg)
}
