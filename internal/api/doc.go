// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/control/abort to request a cooperative shutdown of all crawls.
//   - GET /v1/control/status, /v1/progress, and /v1/sources/{source}/checkpoint
//     for run state reporting.
package api
