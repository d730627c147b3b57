// Package static fetches non-rendered listing pages with gocolly.
package static

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/propwatch/listing-harvester/internal/egress"
	"github.com/propwatch/listing-harvester/internal/metrics"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// RespectRobots makes the collector honor robots.txt. Off by default;
	// most listing sources are fetched under an explicit agreement instead.
	RespectRobots bool
}

// Page is the outcome of one fetch.
type Page struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	// EgressAddr is the proxy the page came through, empty for direct.
	EgressAddr string
	// RetriedDirect is set when a quarantined path forced the direct retry.
	RetriedDirect bool
}

// Fetcher fetches pages through the egress pool. Each fetch builds its own
// collector and transport; colly clones share an HTTP backend, so a per-path
// proxy would otherwise leak between requests.
type Fetcher struct {
	cfg    Config
	pool   *egress.Pool
	logger *zap.Logger
}

// New builds a Fetcher over the given egress pool.
func New(cfg Config, pool *egress.Pool, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if pool == nil {
		pool = egress.NewPool(egress.Config{}, nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:    cfg,
		pool:   pool,
		logger: logger.Named("fetcher.static"),
	}
}

// Fetch retrieves one page. An egress-classified failure quarantines the
// selected path and retries exactly once without a proxy; endpoint failures
// surface unchanged so the caller can skip the unit.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string, headers http.Header) (Page, error) {
	path := f.pool.Select()
	if path != nil {
		metrics.ObserveEgressSelection(path.Addr())
	}

	page, err := f.fetchVia(ctx, pageURL, headers, path)
	if err == nil || path == nil {
		return page, err
	}
	if egress.Classify(err) != egress.FailureEgress {
		return page, err
	}

	f.pool.MarkDead(path)
	metrics.ObserveEgressQuarantine(path.Addr())
	f.logger.Warn("egress path failed, retrying direct",
		zap.String("url", pageURL),
		zap.String("egress", path.Addr()),
		zap.Error(err),
	)
	metrics.ObserveEgressDirectRetry()
	page, err = f.fetchVia(ctx, pageURL, headers, nil)
	page.RetriedDirect = true
	return page, err
}

func (f *Fetcher) fetchVia(ctx context.Context, pageURL string, headers http.Header, path *egress.Path) (Page, error) {
	collector := f.newCollector(path)

	var (
		page     Page
		fetchErr error
	)
	start := time.Now()

	collector.OnRequest(func(r *colly.Request) {
		for key, values := range headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		page = Page{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
		if path != nil {
			page.EgressAddr = path.Addr()
		}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	if err := f.run(ctx, collector, pageURL); err != nil {
		return Page{}, err
	}
	if fetchErr != nil {
		return Page{}, fmt.Errorf("fetch %s: %w", pageURL, fetchErr)
	}
	return page, nil
}

func (f *Fetcher) newCollector(path *egress.Path) *colly.Collector {
	collector := colly.NewCollector(colly.Async(false))
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(newTransport(path))
	return collector
}

func newTransport(path *egress.Path) *http.Transport {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	if path != nil {
		transport.Proxy = http.ProxyURL(path.URL())
	}
	return transport
}

func (f *Fetcher) run(ctx context.Context, collector *colly.Collector, pageURL string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(pageURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("visit %s: %w", pageURL, err)
		}
		return nil
	}
}
