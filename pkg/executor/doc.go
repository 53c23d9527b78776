/*
Package executor dispatches task runners for asynchronous execution.

Two interchangeable backends implement TaskExecutor. SystemdRunExecutor
wraps each task in a transient systemd --user unit via systemd-run,
falling back to a detached child when systemd-run cannot be spawned.
LocalChildExecutor supervises detached children directly, tracking pids
in-process and in atomic pidfiles so duplicate dispatch is refused even
across a service restart.
*/
package executor
