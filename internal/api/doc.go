// Package api hosts the HTTP server, middleware, and REST handlers for the
// tracker. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/ingest/... and /v1/import for job submission.
//   - GET /v1/jobs/... and POST /v1/jobs/{job_id}/cancel for job tracking.
//   - /v1/records/... and /v1/export for the record history.
//
// Everything under /v1 requires a bearer token and is rate limited per
// client IP.
package api
