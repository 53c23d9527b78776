package executor

import (
	"context"
	"sort"
)

// Executor kinds recorded in task meta
const (
	KindSystemdRun = "systemd-run"
	KindLocalChild = "local-child"
)

// DispatchRequest carries the per-dispatch parameters. Webhook tasks
// set RunnerUnit so the systemd backend runs them under a named
// transient unit; manual tasks pass a free-form action label through
// for logging. Env is the run-task environment propagated to the
// runner process.
type DispatchRequest struct {
	RunnerUnit string
	Action     string
	Env        map[string]string
}

// envSlice renders Env as sorted K=V pairs for deterministic argv
func (r DispatchRequest) envSlice() []string {
	if len(r.Env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(r.Env))
	for k := range r.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + r.Env[k]
	}
	return pairs
}

// TaskExecutor dispatches task runners for asynchronous execution and
// supports best-effort stop and force-stop.
type TaskExecutor interface {
	// Kind is "systemd-run" or "local-child"
	Kind() string
	// Dispatch arranges for `<exe> run-task <taskID>` to execute
	Dispatch(ctx context.Context, taskID string, req DispatchRequest) error
	// Stop requests graceful termination of a dispatched task
	Stop(ctx context.Context, taskID, runnerUnit string) error
	// ForceStop kills a dispatched task
	ForceStop(ctx context.Context, taskID, runnerUnit string) error
}
