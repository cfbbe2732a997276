package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"
)

// ErrNoContent indicates the page fetched fine but extraction produced no text.
var ErrNoContent = errors.New("no textual content extracted")

// Result is the extracted payload of a successful fetch.
type Result struct {
	URL           string
	Title         string
	Description   string
	Body          string
	ContentLength int
	StatusCode    int
	FetchedAt     time.Time
}

// Error carries the terminal failure of a fetch, including how many attempts
// were made and the last HTTP status seen (0 for transport errors).
type Error struct {
	URL        string
	Attempts   int
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Fetcher retrieves and extracts the readable content of a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Result, error)
}

// Options bounds a fetcher's behavior.
type Options struct {
	Timeout      time.Duration
	MaxBodyBytes int64
	MaxAttempts  int
	BaseDelay    time.Duration
}

func (o Options) normalized() Options {
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 5 * 1024 * 1024
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 2 * time.Second
	}
	return o
}

// HTTPFetcher fetches pages with a plain HTTP client and retries transient
// failures with exponential backoff.
type HTTPFetcher struct {
	client *http.Client
	opts   Options
	logger *log.Logger
}

func NewHTTPFetcher(opts Options, logger *log.Logger) *HTTPFetcher {
	opts = opts.normalized()
	if logger == nil {
		logger = log.New(os.Stdout, "[FETCH] ", log.LstdFlags)
	}
	return &HTTPFetcher{
		client: &http.Client{Timeout: opts.Timeout},
		opts:   opts,
		logger: logger,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (Result, error) {
	var lastErr error
	lastStatus := 0
	for attempt := 1; attempt <= f.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := f.opts.BaseDelay * time.Duration(1<<(attempt-2))
			f.logger.Printf("retrying %s in %s (attempt %d/%d)", url, delay, attempt, f.opts.MaxAttempts)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Result{}, &Error{URL: url, Attempts: attempt - 1, StatusCode: lastStatus, Err: ctx.Err()}
			}
		}
		res, status, err := f.fetchOnce(ctx, url)
		if err == nil {
			return res, nil
		}
		lastErr = err
		lastStatus = status
		if !retryable(err, status) {
			return Result{}, &Error{URL: url, Attempts: attempt, StatusCode: status, Err: err}
		}
	}
	return Result{}, &Error{URL: url, Attempts: f.opts.MaxAttempts, StatusCode: lastStatus, Retryable: true, Err: lastErr}
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, url string) (Result, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, 0, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Result{}, resp.StatusCode, fmt.Errorf("server returned %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodyBytes))
	if err != nil {
		return Result{}, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	res, err := ExtractHTML(string(raw), url)
	if err != nil {
		return Result{}, resp.StatusCode, err
	}
	res.StatusCode = resp.StatusCode
	return res, resp.StatusCode, nil
}

// retryable reports whether a failed attempt is worth repeating: timeouts,
// connection refusals, 429 and 5xx. Everything else fails immediately.
func retryable(err error, status int) bool {
	if status == http.StatusTooManyRequests || status >= 500 {
		return true
	}
	if status >= 400 {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	// http.Client wraps transport errors in *url.Error; catch the common text.
	if err != nil && strings.Contains(err.Error(), "connection refused") {
		return true
	}
	return false
}
