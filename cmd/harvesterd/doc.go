// Package main hosts the harvester service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, progress, and
//     control endpoints. The /v1 group can be API-key guarded; probes and
//     /metrics stay open for load balancers and Prometheus.
//   - Drive loop: one goroutine per configured source runs internal/harvest.Driver
//     in a cycle: load checkpoint, walk regions and sub-regions from the saved
//     cursor, fetch each unit, persist the cursor after every unit and region.
//     Completed cycles idle for harvest.cycle_delay_seconds; passes paused on
//     backlog retry after harvest.pause_retry_seconds.
//   - Fetch pipeline: internal/ingest.Pipeline paces per-host, fetches the unit
//     page via the Colly-based static fetcher (through the egress proxy pool)
//     or renders it on the shared Chrome session for JavaScript-driven
//     portals. With headless.auto_promote on, a static body that looks like
//     an unrendered client shell is re-fetched in the browser before
//     extraction. Listings are extracted from the JSON feed, content-hashed
//     and upserted into Postgres, the raw page archived to the configured
//     snapshot store, and new-listing events published.
//   - Browser coordination: internal/browser elects exactly one Chrome owner
//     per host via a lock file and shares its DevTools endpoint through a
//     registry file, so any number of harvester processes reuse one browser.
//   - Backpressure: internal/harvest.Governor pauses intake cooperatively when
//     the pending-review backlog reaches harvest.backlog_threshold; the
//     driver persists its position and yields rather than blocking.
//   - Configuration & plumbing: Viper populates config from file/env; zap
//     provides structured logging; Prometheus metrics are exported via the
//     metrics middleware and /metrics handler; progress events fan out to
//     log, Prometheus, and in-memory state sinks.
//
// Operational notes:
//   - Shutdown: SIGINT/SIGTERM trips the abort signal; drivers stop at the
//     next unit boundary with their cursor saved, then the HTTP server drains.
//     POST /v1/control/abort stops crawling the same way but leaves the
//     process serving HTTP for inspection.
//   - Crash recovery: checkpoints are written after every unit, so a restart
//     resumes at the saved cursor and re-fetches at most the in-flight unit.
//     Units already marked processed in the current cycle are skipped.
//   - Egress: in pool mode, failed proxies are quarantined for
//     egress.quarantine_seconds and the fetch retried once without a proxy;
//     with the whole pool quarantined, quarantine is cleared rather than
//     stalling the crawl.
//
// Quick checklist:
//   - Configure env vars with the HARVESTER_ prefix: HARVESTER_DB_DSN,
//     HARVESTER_SERVER_PORT, HARVESTER_HEADLESS_ENABLED,
//     HARVESTER_EGRESS_MODE, snapshot and pubsub backends, or supply a
//     harvester.yaml. Sources (regions and URL templates) come from the file.
//   - Run locally: go run ./cmd/harvesterd -config harvester.yaml.
//   - The database schema ships in migrations/; apply it before first run.
package main
