// Package app assembles the process-wide application context: store,
// host backend, task executor, rate limiter, discovery, registry
// resolver and audit writer, plus the lazily probed podman health.
package app
