// Package api hosts the HTTP server, middleware, and REST handlers for workers
// and operators. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/users/{user_id}/extractions for the per-source progress view.
//   - POST /v1/users/{user_id}/extractions/{source}/{action} for worker
//     heartbeats and operator actions.
//   - POST /v1/admin/sweep and GET /v1/admin/stats for administration.
package api
