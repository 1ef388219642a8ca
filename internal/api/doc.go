// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/sites/{site_id}/submissions for URL submission.
//   - GET/POST /v1/jobs/{job_id}... for job inspection, retry and cancel.
//   - /v1/sessions/... for browser session inspection and reset.
package api
