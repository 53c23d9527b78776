/*
Package store provides the single-file embedded SQL store that owns all
durable podup state.

The store wraps one sqlite pool (mattn/go-sqlite3 through sqlx) and runs
forward-only goose migrations at open time. All durable rows live here:

	┌──────────────────── SQLITE STORE ────────────────────────┐
	│                                                           │
	│  event_log              append-only HTTP/system audit     │
	│  tasks                  rollout task lifecycle            │
	│  task_units             per-unit outcome within a task    │
	│  task_logs              append-only task log rows         │
	│  rate_limit_tokens      sliding-window counters           │
	│  image_locks            at-most-one rollout per image     │
	│  discovered_units       quadlet-dir + podman ps inventory │
	│  registry_digest_cache  HEAD-manifest digest cache        │
	│                                                           │
	└───────────────────────────────────────────────────────────┘

If the configured DB URL cannot be opened the store falls back to an
in-memory instance, still migrated, and records the failure in a
DbInitStatus that /health reads. The request path never hard-fails on a
degraded store; writes report errors that callers log and move past.

Time columns are unix milliseconds. Task log readers observe insertion
order via (ts, rowid); sqlite's single-writer model serialises the
appends.
*/
package store
