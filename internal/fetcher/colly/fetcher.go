// Package collyfetcher fetches article pages with gocolly, one collector and
// connection pool per worker.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/Dankin/vmware-kb/internal/kb"
	"github.com/Dankin/vmware-kb/internal/metrics"
)

// Defaults applied when Config leaves a field empty.
const (
	DefaultUserAgent    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"
	DefaultTimeout      = 30 * time.Second
	DefaultMaxAttempts  = 3
	DefaultMinBodyBytes = 1000
)

// Config controls collector behavior.
type Config struct {
	BaseURL      string
	UserAgent    string
	Headers      http.Header
	Timeout      time.Duration
	MaxAttempts  int
	MinBodyBytes int
	// RespectRobots consults the site's robots.txt before each fetch.
	RespectRobots bool
}

// Pacer spaces requests and applies retry backoff.
type Pacer interface {
	Throttle(ctx context.Context, rawURL string) error
	WaitBackoff(ctx context.Context, k int) error
}

// Fetcher implements kb.Fetcher using the Colly collector. A Fetcher belongs
// to a single worker and must not be shared.
type Fetcher struct {
	cfg           Config
	transport     *http.Transport
	baseCollector *colly.Collector
	pacer         Pacer
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

type attemptResult struct {
	statusCode int
	body       []byte
	duration   time.Duration
}

// New builds a Fetcher with its own pooled transport.
func New(cfg Config, pacer Pacer, logger *zap.Logger) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.MinBodyBytes <= 0 {
		cfg.MinBodyBytes = DefaultMinBodyBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := newHTTPTransport()
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.ParseHTTPErrorResponse = true
	c.UserAgent = cfg.UserAgent
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
		pacer:         pacer,
		logger:        logger,
	}
}

// Transport exposes the worker's connection pool so asset downloads reuse it.
func (f *Fetcher) Transport() http.RoundTripper {
	return f.transport
}

// Close releases idle connections held by the worker's pool.
func (f *Fetcher) Close() {
	f.transport.CloseIdleConnections()
}

// Fetch retrieves the article page for id, retrying transient failures. The
// returned page carries the attempt count even when err is non-nil.
func (f *Fetcher) Fetch(ctx context.Context, id int) (kb.RawPage, error) {
	url := kb.ArticleURL(f.cfg.BaseURL, id)
	page := kb.RawPage{ID: id, URL: url}
	var lastErr error
	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		if f.pacer != nil {
			if err := f.pacer.Throttle(ctx, url); err != nil {
				return page, fmt.Errorf("throttle: %w", err)
			}
			if attempt > 1 {
				if err := f.pacer.WaitBackoff(ctx, attempt-1); err != nil {
					return page, fmt.Errorf("backoff: %w", err)
				}
			}
		}
		page.Attempts = attempt

		res, err := f.attempt(ctx, url)
		page.Duration += res.duration
		err = classify(res, err, f.cfg.MinBodyBytes)
		metrics.ObserveFetch(resultLabel(err), res.duration)
		if err == nil {
			page.StatusCode = res.statusCode
			page.Body = res.body
			return page, nil
		}
		if !errors.Is(err, kb.ErrTransient) {
			return page, err
		}
		lastErr = err
		f.logger.Debug("retryable fetch failure",
			zap.Int("kb", id),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return page, fmt.Errorf("%w after %d attempts: %w", kb.ErrTerminal, page.Attempts, lastErr)
}

func (f *Fetcher) attempt(ctx context.Context, url string) (attemptResult, error) {
	var (
		result   attemptResult
		fetchErr error
	)
	collector := f.baseCollector.Clone()
	collector.ParseHTTPErrorResponse = true
	f.configureCollectorHooks(collector, time.Now(), &result, &fetchErr)
	err := f.runCollector(ctx, collector, url, &fetchErr)
	return result, err
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	result *attemptResult,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = attemptResult{
			statusCode: r.StatusCode,
			body:       append([]byte(nil), r.Body...),
			duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		result.duration = time.Since(start)
		if r != nil {
			result.statusCode = r.StatusCode
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(r *colly.Request) {
	if f.cfg.Headers == nil {
		return
	}
	for key, values := range f.cfg.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

// classify maps one attempt to the error taxonomy. A nil return means the page is usable.
func classify(res attemptResult, err error, minBody int) error {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		if errors.Is(err, colly.ErrRobotsTxtBlocked) {
			return fmt.Errorf("%w: %w", kb.ErrTerminal, err)
		}
		return fmt.Errorf("%w: %w", kb.ErrTransient, err)
	}
	switch res.statusCode {
	case http.StatusOK:
		if len(res.body) < minBody {
			return fmt.Errorf("%w: body of %d bytes is below %d", kb.ErrTransient, len(res.body), minBody)
		}
		return nil
	case http.StatusNotFound:
		return kb.ErrNotFound
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return fmt.Errorf("%w: status %d", kb.ErrTransient, res.statusCode)
	default:
		return fmt.Errorf("%w: status %d", kb.ErrTerminal, res.statusCode)
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, kb.ErrNotFound):
		return "not_found"
	case errors.Is(err, kb.ErrTransient):
		return "retryable"
	case errors.Is(err, kb.ErrTerminal):
		return "terminal"
	default:
		return "error"
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}
}
