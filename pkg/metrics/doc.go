// Package metrics declares the Prometheus collectors exported at
// /metrics: request counters, task dispatch/finish counters, rate-limit
// rejections and scheduler tick outcomes.
package metrics
