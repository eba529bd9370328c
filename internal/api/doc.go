// Package api hosts the status HTTP server that runs alongside a backfill.
// Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/progress for live completion counts.
//   - GET /v1/failed for ranges whose retries ran out.
package api
