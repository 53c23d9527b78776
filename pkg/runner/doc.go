/*
Package runner executes task bodies: webhook image refreshes, manual
triggers, auto-update kicks, and state pruning. A runner instance lives
in the dispatched task process; everything durable it produces goes
through the store (task status, per-unit outcomes, append-only task
logs), and every host side effect goes through the host backend.
*/
package runner
