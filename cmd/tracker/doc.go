// Package main hosts the tracker entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, job submission and record endpoints behind a bearer
//     token and a per-IP fixed-window limiter. Requests are validated by internal/jobs.Service, registered in the
//     in-memory job registry and enqueued for the worker pool.
//   - Dispatcher & queue: jobs flow through a bounded in-memory queue sized by jobs.queue_depth and are fanned out
//     to a fixed worker pool sized by jobs.concurrency. A soft cap (jobs.max_concurrent_refresh) refuses new
//     refresh-all jobs while others are running.
//   - Unit pipeline: each record is deduplicated against its latest snapshot, throttled by the outbound limiter,
//     fetched through the colly or chromedp scraper, unlocked by the OpenAI CAPTCHA solver (bounded attempts, a
//     fresh challenge per attempt), parsed with goquery and appended to the record store.
//   - Persistence & fanout: snapshots and failures go to memory, SQLite (GORM) or Postgres (pgx). Raw pages of
//     failed lookups go to the diagnostics blob store (memory/local/GCS). A Pub/Sub notification ordered by record
//     key is published per refreshed record when a topic is configured.
//   - Configuration & plumbing: Viper populates config from file, .env and TRACKER_* env vars; zap provides
//     structured logging; Prometheus metrics are served on /metrics; progress events are batched by the progress
//     Hub into log and Prometheus sinks; OpenTelemetry spans wrap every unit when telemetry.enabled is set.
//
// Operational notes:
//   - Job state lives in process memory and is lost on restart; record history is durable with SQLite or Postgres.
//   - Cancellation is cooperative: a running job stops at the next record boundary.
//   - schedule.refresh_cron runs refresh-all jobs in-process; `tracker refresh` does the same once for external
//     schedulers.
//
// Quick checklist:
//   - Configure env vars: TRACKER_AUTH_TOKEN, TRACKER_CAPTCHA_API_KEY, TRACKER_STORAGE_PROVIDER and its DSN or
//     path, TRACKER_PUBSUB_PROJECT_ID/TOPIC_NAME when notifications are wanted.
//   - Run locally: go run ./cmd/tracker serve --config config.yaml (or rely solely on env overrides).
package main
