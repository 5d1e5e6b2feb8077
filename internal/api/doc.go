// Package api hosts the operator HTTP server that runs alongside a crawl.
// Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for the live counters of the current run.
//   - GET /v1/runs and /v1/runs/{run_id} for run history via store.RunRepository.
package api
