// Package api hosts the HTTP server, middleware, and REST handlers of the
// media fetch service. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes (/health is kept as an
//     alias of /healthz).
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/downloads to submit a URL, GET /v1/downloads to list jobs.
//   - GET /v1/downloads/{job_id} for status and progress.
//   - POST or GET /v1/downloads/{job_id}/cancel to cancel.
package api
