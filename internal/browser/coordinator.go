package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/propwatch/listing-harvester/internal/metrics"
)

// ErrElectionTimeout is returned when no session became available within
// the configured wait. Fatal to the caller, never to other processes: the
// stale-lock reclamation keeps the next acquirer moving.
var ErrElectionTimeout = errors.New("browser session election timed out")

const (
	defaultDebugPort    = 9222
	defaultWaitTimeout  = 90 * time.Second
	defaultPollInterval = 500 * time.Millisecond
	probeTimeout        = 2 * time.Second
)

// Config controls session election and launch.
type Config struct {
	// LockPath and RegistryPath are the well-known coordination files
	// shared by every harvester process on the host.
	LockPath     string
	RegistryPath string
	// DebugPort is the fixed DevTools port the owner launches Chrome on.
	DebugPort int
	// StaleAfter is the lock age beyond which a previous owner is
	// presumed crashed and the lock reclaimed.
	StaleAfter time.Duration
	// WaitTimeout bounds how long a non-owner waits for an endpoint.
	WaitTimeout time.Duration
	// PollInterval is the registry polling cadence while waiting.
	PollInterval time.Duration
	// Headless launches Chrome without a display (the default).
	Headless bool
	// ExecPath pins the browser binary; empty uses chromedp's lookup order.
	ExecPath string
}

// Session is the shared automation session handle. One browser process
// serves every tab; NewTab opens a fresh tab without re-running election.
type Session struct {
	endpoint   string
	owned      bool
	browserCtx context.Context
	cancels    []context.CancelFunc
}

// Endpoint returns the DevTools websocket URL for this session.
func (s *Session) Endpoint() string { return s.endpoint }

// Owned reports whether this process launched the browser.
func (s *Session) Owned() bool { return s.owned }

// NewTab returns a chromedp context for a fresh tab on the shared browser.
// Cancel closes only that tab.
func (s *Session) NewTab() (context.Context, context.CancelFunc) {
	return chromedp.NewContext(s.browserCtx)
}

// Close releases the session: the owner's browser process exits, an
// attached process merely disconnects.
func (s *Session) Close() {
	for i := len(s.cancels) - 1; i >= 0; i-- {
		s.cancels[i]()
	}
}

// Coordinator elects exactly one browser owner per host and shares the
// session with everyone else. Acquire is attach-first: only when no live
// endpoint is advertised does a process compete for the launch lock.
type Coordinator struct {
	cfg      Config
	lock     *LockFile
	registry *Registry
	logger   *zap.Logger

	mu      sync.Mutex
	session *Session

	// Replaceable seams for tests.
	launch func(ctx context.Context) (*Session, error)
	probe  func(ctx context.Context, endpoint string) bool
	sleep  func(ctx context.Context, d time.Duration)
}

// NewCoordinator constructs a Coordinator over the configured lock and
// registry paths.
func NewCoordinator(cfg Config, logger *zap.Logger) *Coordinator {
	if cfg.DebugPort <= 0 {
		cfg.DebugPort = defaultDebugPort
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = defaultWaitTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		cfg:      cfg,
		lock:     NewLockFile(cfg.LockPath, cfg.StaleAfter),
		registry: NewRegistry(cfg.RegistryPath),
		logger:   logger.Named("browser"),
	}
	c.launch = c.launchChrome
	c.probe = probeEndpoint
	c.sleep = ctxSleep
	return c
}

// Acquire returns the shared session, electing an owner when needed. The
// cached handle is reused as long as its liveness probe passes; a failed
// probe clears the cache and re-runs election.
func (c *Coordinator) Acquire(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		if c.probe(ctx, c.session.endpoint) {
			return c.session, nil
		}
		c.logger.Warn("cached session failed liveness probe, re-electing",
			zap.String("endpoint", c.session.endpoint))
		c.session.Close()
		c.session = nil
	}

	sess, err := c.elect(ctx)
	if err != nil {
		return nil, err
	}
	c.session = sess
	return sess, nil
}

// Close releases the cached session, if any.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
}

func (c *Coordinator) elect(ctx context.Context) (*Session, error) {
	deadline := time.Now().Add(c.cfg.WaitTimeout)
	for {
		if sess := c.tryAttach(ctx); sess != nil {
			metrics.ObserveSessionElection(metrics.ElectionAttached)
			return sess, nil
		}

		held, err := c.lock.TryAcquire()
		if err != nil {
			return nil, fmt.Errorf("acquire session lock: %w", err)
		}
		if held {
			sess, err := c.launchAndAdvertise(ctx)
			if err == nil {
				metrics.ObserveSessionElection(metrics.ElectionLaunched)
			}
			return sess, err
		}

		if time.Now().After(deadline) {
			metrics.ObserveSessionElection(metrics.ElectionTimeout)
			return nil, fmt.Errorf("%w after %s waiting on %s",
				ErrElectionTimeout, c.cfg.WaitTimeout, c.cfg.RegistryPath)
		}
		c.sleep(ctx, c.cfg.PollInterval)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("session election canceled: %w", ctx.Err())
		}
	}
}

func (c *Coordinator) tryAttach(ctx context.Context) *Session {
	desc, err := c.registry.Read()
	if err != nil {
		if !errors.Is(err, ErrNoSession) {
			c.logger.Debug("session registry unreadable", zap.Error(err))
		}
		return nil
	}
	if !c.probe(ctx, desc.Endpoint) {
		c.logger.Debug("advertised session failed probe", zap.String("endpoint", desc.Endpoint))
		return nil
	}

	alloc, allocCancel := chromedp.NewRemoteAllocator(context.Background(), desc.Endpoint, chromedp.NoModifyURL)
	browserCtx, browserCancel := chromedp.NewContext(alloc)
	c.logger.Info("attached to shared browser session",
		zap.String("endpoint", desc.Endpoint),
		zap.Int("owner_pid", desc.PID),
	)
	return &Session{
		endpoint:   desc.Endpoint,
		browserCtx: browserCtx,
		cancels:    []context.CancelFunc{allocCancel, browserCancel},
	}
}

// launchAndAdvertise runs the owner path: launch Chrome, publish the
// endpoint, then release the lock win or lose so later processes can
// re-elect after this one exits.
func (c *Coordinator) launchAndAdvertise(ctx context.Context) (*Session, error) {
	defer func() {
		if err := c.lock.Release(); err != nil {
			c.logger.Warn("session lock release failed", zap.Error(err))
		}
	}()

	sess, err := c.launch(ctx)
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	desc := SessionDescriptor{
		Endpoint:   sess.endpoint,
		PID:        os.Getpid(),
		LaunchedAt: time.Now().UTC(),
	}
	if err := c.registry.Write(desc); err != nil {
		sess.Close()
		return nil, fmt.Errorf("advertise session: %w", err)
	}
	c.logger.Info("launched shared browser session", zap.String("endpoint", sess.endpoint))
	return sess, nil
}

func (c *Coordinator) launchChrome(ctx context.Context) (*Session, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("remote-debugging-port", strconv.Itoa(c.cfg.DebugPort)),
	)
	if c.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if c.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(c.cfg.ExecPath))
	}
	alloc, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	// The first context starts the browser process; it stays open for the
	// session lifetime so tabs can be created against it.
	browserCtx, browserCancel := chromedp.NewContext(alloc)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	endpoint, err := c.discoverEndpoint(ctx)
	if err != nil {
		browserCancel()
		allocCancel()
		return nil, err
	}
	return &Session{
		endpoint:   endpoint,
		owned:      true,
		browserCtx: browserCtx,
		cancels:    []context.CancelFunc{allocCancel, browserCancel},
	}, nil
}

// discoverEndpoint asks the local DevTools HTTP surface for the browser
// websocket URL other processes attach to.
func (c *Coordinator) discoverEndpoint(ctx context.Context) (string, error) {
	versionURL := fmt.Sprintf("http://127.0.0.1:%d/json/version", c.cfg.DebugPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, versionURL, nil)
	if err != nil {
		return "", fmt.Errorf("build version request: %w", err)
	}
	client := &http.Client{Timeout: probeTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("query devtools version: %w", err)
	}
	defer resp.Body.Close()

	var payload struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode devtools version: %w", err)
	}
	if payload.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("devtools version response missing websocket url")
	}
	return payload.WebSocketDebuggerURL, nil
}

// probeEndpoint checks liveness via the DevTools version endpoint derived
// from the websocket URL.
func probeEndpoint(ctx context.Context, endpoint string) bool {
	versionURL, err := versionURLFor(endpoint)
	if err != nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, versionURL, nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func versionURLFor(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint %q has no host", endpoint)
	}
	scheme := "http"
	if u.Scheme == "wss" || u.Scheme == "https" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/json/version", scheme, u.Host), nil
}

func ctxSleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
