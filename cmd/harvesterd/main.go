package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/propwatch/listing-harvester/internal/api"
	"github.com/propwatch/listing-harvester/internal/browser"
	"github.com/propwatch/listing-harvester/internal/clock/system"
	"github.com/propwatch/listing-harvester/internal/config"
	"github.com/propwatch/listing-harvester/internal/egress"
	headlessfetcher "github.com/propwatch/listing-harvester/internal/fetcher/headless"
	staticfetcher "github.com/propwatch/listing-harvester/internal/fetcher/static"
	"github.com/propwatch/listing-harvester/internal/harvest"
	"github.com/propwatch/listing-harvester/internal/hash/sha256"
	"github.com/propwatch/listing-harvester/internal/headless/detector"
	"github.com/propwatch/listing-harvester/internal/id/uuid"
	"github.com/propwatch/listing-harvester/internal/ingest"
	"github.com/propwatch/listing-harvester/internal/logging"
	"github.com/propwatch/listing-harvester/internal/metrics"
	"github.com/propwatch/listing-harvester/internal/policy/ratelimit"
	"github.com/propwatch/listing-harvester/internal/progress"
	"github.com/propwatch/listing-harvester/internal/progress/sinks"
	memorypublisher "github.com/propwatch/listing-harvester/internal/publisher/memory"
	pubsubpublisher "github.com/propwatch/listing-harvester/internal/publisher/pubsub"
	"github.com/propwatch/listing-harvester/internal/storage/gcs"
	localstorage "github.com/propwatch/listing-harvester/internal/storage/local"
	memorystorage "github.com/propwatch/listing-harvester/internal/storage/memory"
	noopstorage "github.com/propwatch/listing-harvester/internal/storage/noop"
	"github.com/propwatch/listing-harvester/internal/storage/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	if err := run(cfg, logger); err != nil {
		logger.Error("harvester exited", zap.Error(err))
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.NewPool(ctx, postgres.Config{
		DSN:             cfg.DB.DSN,
		CheckpointTable: cfg.DB.CheckpointTable,
		ListingTable:    cfg.DB.ListingTable,
		MaxConns:        int32(cfg.DB.MaxConns),
		MinConns:        int32(cfg.DB.MinConns),
		MaxConnLifetime: cfg.DB.ConnLifetime(),
	})
	if err != nil {
		return fmt.Errorf("init postgres: %w", err)
	}
	defer db.Close()

	checkpoints, err := postgres.NewCheckpointStore(db, cfg.DB.CheckpointTable)
	if err != nil {
		return fmt.Errorf("init checkpoint store: %w", err)
	}
	listings, err := postgres.NewListingStore(db, cfg.DB.ListingTable)
	if err != nil {
		return fmt.Errorf("init listing store: %w", err)
	}

	snapshots, closeSnapshots, err := buildSnapshotStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSnapshots()

	publisher, closePublisher, err := buildPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closePublisher()

	entries, err := egress.ParseEntries(cfg.Egress.Paths)
	if err != nil {
		return fmt.Errorf("parse egress paths: %w", err)
	}
	mode := egress.ModeDirect
	if cfg.Egress.Mode == "pool" {
		mode = egress.ModePooled
	}
	egressPool := egress.NewPool(egress.Config{
		Mode:     mode,
		Cooldown: cfg.Egress.Quarantine(),
		Entries:  entries,
	}, logger)

	fetcher := staticfetcher.New(staticfetcher.Config{
		UserAgent:     cfg.Fetch.UserAgent,
		Timeout:       cfg.Fetch.Timeout(),
		RespectRobots: cfg.Fetch.RespectRobots,
	}, egressPool, logger)

	// The browser session is acquired up front so an election failure is
	// fatal at startup instead of surfacing one unit at a time.
	var (
		renderer       ingest.PageRenderer
		renderDetector ingest.RenderDetector
	)
	if cfg.Headless.Enabled {
		coordinator := browser.NewCoordinator(browser.Config{
			LockPath:     cfg.Session.LockPath,
			RegistryPath: cfg.Session.RegistryPath,
			DebugPort:    cfg.Session.DebugPort,
			StaleAfter:   cfg.Session.StaleLockTTL(),
			WaitTimeout:  cfg.Session.ElectionTimeout(),
			PollInterval: cfg.Session.PollInterval(),
			Headless:     true,
			ExecPath:     cfg.Session.BrowserPath,
		}, logger)
		defer coordinator.Close()

		session, err := coordinator.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("acquire browser session: %w", err)
		}
		renderer, err = headlessfetcher.NewRenderer(headlessfetcher.Config{
			UserAgent:         cfg.Fetch.UserAgent,
			NavigationTimeout: cfg.Headless.NavTimeout(),
			Scroll: headlessfetcher.ScrollProfile{
				InitialWait: time.Duration(cfg.Headless.ScrollInitialWaitMs) * time.Millisecond,
				Steps:       cfg.Headless.ScrollSteps,
				StepDelay:   time.Duration(cfg.Headless.ScrollStepDelayMs) * time.Millisecond,
				SettleWait:  time.Duration(cfg.Headless.ScrollSettleWaitMs) * time.Millisecond,
			},
		}, session, logger)
		if err != nil {
			return fmt.Errorf("init renderer: %w", err)
		}
		if cfg.Headless.AutoPromote {
			renderDetector = detector.NewHeuristic(cfg.Headless.PromotionThresholdBytes)
		}
	}

	stateSink := sinks.NewStateSink()
	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("init prometheus sink: %w", err)
	}
	hub := progress.NewHub(progress.Config{Logger: logger},
		sinks.NewLogSink(logger), promSink, stateSink)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hub.Close(flushCtx); err != nil {
			logger.Warn("progress hub close failed", zap.Error(err))
		}
	}()

	clock := system.New()
	pipeline, err := ingest.New(
		fetcher,
		renderer,
		renderDetector,
		ingest.NewJSONFeedExtractor(),
		listings,
		snapshots,
		publisher,
		ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Pacing.DefaultRPS,
			DefaultBurst: cfg.Pacing.DefaultBurst,
			HostRPS:      cfg.Pacing.HostRPS,
		}),
		sha256.New(),
		uuid.New(),
		clock,
		ingest.Config{
			Topic:       cfg.PubSub.Topic,
			ContentType: cfg.Snapshots.ContentType,
			BlobPrefix:  cfg.Snapshots.Prefix,
		},
		logger,
	)
	if err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}

	abort := harvest.NewAbortSignal()
	go func() {
		<-ctx.Done()
		abort.RequestAbort()
	}()

	governor := harvest.NewGovernor(harvest.GovernorConfig{
		Threshold: cfg.Harvest.BacklogThreshold,
	}, listings, logger)
	driver := harvest.NewDriver(checkpoints, pipeline, governor, abort, clock, hub,
		harvest.DriverConfig{UnitDelay: cfg.Harvest.UnitDelay()}, logger)

	var wg sync.WaitGroup
	for _, source := range cfg.Sources {
		wg.Add(1)
		go func(src harvest.Source) {
			defer wg.Done()
			runSource(ctx, driver, src, cfg.Harvest, abort, logger)
		}(source)
	}

	apiServer := api.NewServer(checkpoints, listings, abort, stateSink, egressPool, db, cfg, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")
	abort.RequestAbort()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()
	logger.Info("shutdown complete")
	return nil
}

// runSource drives repeated passes over one source until shutdown. Pass
// failures and pauses never end the loop; only abort does.
func runSource(
	ctx context.Context,
	driver *harvest.Driver,
	source harvest.Source,
	cfg config.HarvestConfig,
	abort *harvest.AbortSignal,
	logger *zap.Logger,
) {
	logger = logger.Named("loop").With(zap.String("source", source.Name))
	for {
		if ctx.Err() != nil || abort.Aborted() {
			return
		}

		report, err := driver.Run(ctx, source)
		var wait time.Duration
		switch {
		case err != nil:
			logger.Error("pass failed", zap.Error(err))
			wait = cfg.CycleDelay()
		case report.Outcome == harvest.OutcomeAborted:
			logger.Info("crawl stopped")
			return
		case report.Outcome == harvest.OutcomePaused:
			wait = cfg.PauseRetry()
		default:
			logger.Info("cycle finished",
				zap.Int("units_processed", report.UnitsProcessed),
				zap.Int("units_skipped", report.UnitsSkipped),
				zap.Int("listings_new", report.ListingsNew),
			)
			wait = cfg.CycleDelay()
		}

		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func buildSnapshotStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (harvest.BlobStore, func(), error) {
	none := func() {}
	switch cfg.Snapshots.Backend {
	case "none":
		return noopstorage.New(), none, nil
	case "memory":
		return memorystorage.NewBlobStore(), none, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.Snapshots.BaseDir})
		if err != nil {
			return nil, nil, fmt.Errorf("init local snapshot store: %w", err)
		}
		return store, none, nil
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("init gcs client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{
			Bucket: cfg.Snapshots.Bucket,
			Prefix: cfg.Snapshots.Prefix,
		})
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("init gcs snapshot store: %w", err)
		}
		return store, func() {
			if err := client.Close(); err != nil {
				logger.Warn("gcs client close failed", zap.Error(err))
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown snapshots backend %q", cfg.Snapshots.Backend)
	}
}

func buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (harvest.Publisher, func(), error) {
	none := func() {}
	switch cfg.PubSub.Backend {
	case "none":
		return nil, none, nil
	case "memory":
		return memorypublisher.New(), none, nil
	case "pubsub":
		pub, err := pubsubpublisher.New(ctx, cfg.PubSub.ProjectID, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		return pub, func() {
			if err := pub.Close(); err != nil {
				logger.Warn("pubsub publisher close failed", zap.Error(err))
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown pubsub backend %q", cfg.PubSub.Backend)
	}
}
