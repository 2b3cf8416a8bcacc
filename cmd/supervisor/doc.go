// Package main hosts the extraction supervisor entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, readiness, metrics and the /v1 worker and operator endpoints.
//     Workers start runs, report heartbeats and finish them; operators list progress, pause, reset and trigger sweeps.
//   - Supervisor: internal/supervisor owns the lifecycle state machine. Every mutation is a single-record
//     read-modify-write against the configured progress store (memory, Postgres or SQLite).
//   - Watchdog: internal/scheduler runs the stale sweep on a cron schedule. A running record whose last heartbeat is
//     older than supervisor.stale_threshold is flipped to error with its counters kept.
//   - Fanout: accepted transitions are handed to the progress Hub, which batches them into Prometheus, log and
//     Pub/Sub sinks without blocking the request path.
//   - Downstream: resets can clear a source's extracted artifacts from memory, a local directory or a GCS bucket.
//
// Commands:
//   - serve (default): HTTP server, sweeper and signal handler run as one oklog/run group; SIGINT/SIGTERM drains
//     in-flight requests, then the hub is flushed and the store closed.
//   - sweep: one stale sweep, printed as JSON. Suited to an external scheduler when supervisor.sweep_enabled=false.
//   - migrate: applies the embedded schema for the postgres or sqlite store.
//
// Quick checklist:
//   - Configure env vars: SUPERVISOR_CONFIG for a config file, SUPERVISOR_STORE_BACKEND, SUPERVISOR_DB_DSN,
//     SUPERVISOR_SUPERVISOR_STALE_THRESHOLD, SUPERVISOR_AUTH_API_KEY, downstream (SUPERVISOR_DOWNSTREAM_*) and pubsub.
//   - Run locally: go run ./cmd/supervisor --config config.yaml (or rely solely on env overrides).
package main
