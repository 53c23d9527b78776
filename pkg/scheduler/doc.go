// Package scheduler runs the periodic auto-update loop: one task
// dispatch per tick, with the interval clamped to a configured floor
// and an optional iteration budget for bounded runs.
package scheduler
