package fetch

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/chromedp/chromedp"
)

// ChromeFetcher renders pages in headless Chrome before extraction, for
// sites that only produce content after executing JavaScript. It satisfies
// the same Fetcher interface as HTTPFetcher and is selected via config.
type ChromeFetcher struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	opts        Options
	logger      *log.Logger
}

func NewChromeFetcher(opts Options, logger *log.Logger) *ChromeFetcher {
	opts = opts.normalized()
	if logger == nil {
		logger = log.New(os.Stdout, "[FETCH] ", log.LstdFlags)
	}
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(),
		append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
		)...,
	)
	return &ChromeFetcher{allocCtx: allocCtx, allocCancel: cancel, opts: opts, logger: logger}
}

func (f *ChromeFetcher) Close() {
	f.allocCancel()
}

func (f *ChromeFetcher) Fetch(ctx context.Context, url string) (Result, error) {
	var lastErr error
	for attempt := 1; attempt <= f.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := f.opts.BaseDelay * time.Duration(1<<(attempt-2))
			f.logger.Printf("retrying %s in %s (attempt %d/%d)", url, delay, attempt, f.opts.MaxAttempts)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Result{}, &Error{URL: url, Attempts: attempt - 1, Err: ctx.Err()}
			}
		}
		res, err := f.fetchOnce(ctx, url)
		if err == nil {
			return res, nil
		}
		lastErr = err
	}
	return Result{}, &Error{URL: url, Attempts: f.opts.MaxAttempts, Retryable: true, Err: lastErr}
}

func (f *ChromeFetcher) fetchOnce(ctx context.Context, url string) (Result, error) {
	tabCtx, cancel := chromedp.NewContext(f.allocCtx)
	defer cancel()
	runCtx, cancelTimeout := context.WithTimeout(tabCtx, f.opts.Timeout)
	defer cancelTimeout()

	var html string
	err := chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		return Result{}, err
	}
	if int64(len(html)) > f.opts.MaxBodyBytes {
		html = html[:f.opts.MaxBodyBytes]
	}
	res, err := ExtractHTML(html, url)
	if err != nil {
		return Result{}, err
	}
	res.StatusCode = 200
	return res, nil
}
