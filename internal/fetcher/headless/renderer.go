// Package headless renders JavaScript-driven listing pages on the shared
// browser session.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// ScrollProfile drives lazy-loaded result grids: listing portals append
// cards as the viewport scrolls, so the renderer walks to the bottom in
// steps and then lets the network settle.
type ScrollProfile struct {
	InitialWait time.Duration
	Steps       int
	StepDelay   time.Duration
	SettleWait  time.Duration
}

// DefaultScrollProfile matches the portals currently harvested.
func DefaultScrollProfile() ScrollProfile {
	return ScrollProfile{
		InitialWait: 2 * time.Second,
		Steps:       4,
		StepDelay:   800 * time.Millisecond,
		SettleWait:  2 * time.Second,
	}
}

// Config controls the renderer.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
	Scroll            ScrollProfile
}

// TabOpener hands out DevTools tab contexts bound to the shared browser
// session. Closing a tab context must never tear the session down.
type TabOpener interface {
	NewTab() (context.Context, context.CancelFunc)
}

// RenderedPage is the outcome of one render.
type RenderedPage struct {
	URL        string
	StatusCode int
	Headers    http.Header
	HTML       []byte
	Duration   time.Duration
}

// Renderer executes pages in tabs of the shared browser session.
type Renderer struct {
	cfg    Config
	tabs   TabOpener
	logger *zap.Logger
}

// NewRenderer builds a Renderer over a tab source.
func NewRenderer(cfg Config, tabs TabOpener, logger *zap.Logger) (*Renderer, error) {
	if tabs == nil {
		return nil, fmt.Errorf("tab opener is required")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.Scroll.Steps == 0 && cfg.Scroll.InitialWait == 0 {
		cfg.Scroll = DefaultScrollProfile()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{
		cfg:    cfg,
		tabs:   tabs,
		logger: logger.Named("renderer"),
	}, nil
}

// Render navigates a fresh tab, walks the scroll profile, and returns the
// settled DOM. Caller cancellation aborts the tab, not the session.
func (r *Renderer) Render(ctx context.Context, pageURL string, headers http.Header) (RenderedPage, error) {
	tabCtx, closeTab := r.tabs.NewTab()
	defer closeTab()

	tabCtx, cancel := context.WithTimeout(tabCtx, r.cfg.NavigationTimeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	var (
		html     string
		finalURL string
	)
	start := time.Now()

	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(tabCtx, r.renderActions(pageURL, headers, &html, &finalURL)...)
	}()

	select {
	case <-ctx.Done():
		cancel()
		<-done
		return RenderedPage{}, fmt.Errorf("render canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return RenderedPage{}, fmt.Errorf("render %s: %w", pageURL, err)
		}
	}

	status, respHeaders, responseURL := meta.snapshotWithFallbacks(pageURL, finalURL)
	if respHeaders == nil {
		respHeaders = http.Header{}
	}
	return RenderedPage{
		URL:        responseURL,
		StatusCode: status,
		Headers:    respHeaders,
		HTML:       []byte(html),
		Duration:   time.Since(start),
	}, nil
}

func (r *Renderer) renderActions(pageURL string, headers http.Header, html, finalURL *string) []chromedp.Action {
	actions := []chromedp.Action{
		r.networkSetupAction(headers),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if r.cfg.Scroll.InitialWait > 0 {
		actions = append(actions, chromedp.Sleep(r.cfg.Scroll.InitialWait))
	}
	for i := 0; i < r.cfg.Scroll.Steps; i++ {
		actions = append(actions,
			chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
			chromedp.Sleep(r.cfg.Scroll.StepDelay),
		)
	}
	if r.cfg.Scroll.SettleWait > 0 {
		actions = append(actions, chromedp.Sleep(r.cfg.Scroll.SettleWait))
	}
	actions = append(actions,
		chromedp.Location(finalURL),
		chromedp.OuterHTML("html", html, chromedp.ByQuery),
	)
	return actions
}

func (r *Renderer) networkSetupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

// snapshotWithFallbacks fills gaps left when no document response event
// arrived (cached pages, about:blank redirects).
func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, url := m.status, cloneHeader(m.headers), m.url
	m.mu.RUnlock()

	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	dst := make(http.Header, len(src))
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
	return dst
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
