// Package cmd defines the CLI commands of the media-fetcher executable.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, readiness, metrics, and the /v1/downloads job endpoints.
//     Submissions are validated, recorded as Queued in the job store, and handed to the dispatcher.
//   - Dispatcher & queue: executions flow through the configured queue (bounded in-memory channel or Pub/Sub) to a
//     fixed worker pool sized by workers.concurrency. Each execution carries a handle that a cancel request revokes.
//   - Fetch pipeline: workers resolve a fetcher per URL (yt-dlp, plain HTTP, or the native YouTube client), stream
//     the media into blob storage (memory/local/GCS), and record progress, filename, size, and checksum.
//   - Persistence & fanout: job records live in memory, Postgres, or SQLite. Lifecycle events are batched by the
//     progress hub into log, Prometheus, and Pub/Sub notification sinks.
//   - Configuration & plumbing: Viper populates config from files, MEDIAFETCH_* env vars, and .env; zap provides
//     structured logging; OpenTelemetry traces each execution.
//
// Operational notes:
//   - Shutdown: SIGINT/SIGTERM stop the HTTP server, cancel running executions (recorded as Failed, "interrupted"),
//     and close the queue and stores.
//   - Restart: with jobs.recover_on_start, jobs left InProgress are failed and Queued ones are re-dispatched.
//
// Quick checklist:
//   - Run locally: go run . serve --config config.yaml (or rely solely on env overrides).
//   - Apply the SQL schema ahead of a rollout: go run . migrate.
package cmd
