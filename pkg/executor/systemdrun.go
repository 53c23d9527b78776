package executor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/podup/podup/pkg/log"
	"github.com/podup/podup/pkg/types"
)

// SystemdRunExecutor runs each task under a transient systemd --user
// unit via systemd-run. When systemd-run itself cannot be spawned, it
// degrades to a detached child of the service executable.
type SystemdRunExecutor struct {
	exe          string
	snapshotPath string
	run          func(ctx context.Context, name string, argv, env []string) (int, error)
}

// NewSystemdRunExecutor builds the systemd-run backend. snapshotPath is
// the test hook: when non-empty, dispatch writes the argv to that file
// instead of spawning anything.
func NewSystemdRunExecutor(exe, snapshotPath string) *SystemdRunExecutor {
	return &SystemdRunExecutor{
		exe:          exe,
		snapshotPath: snapshotPath,
		run:          runCommand,
	}
}

func runCommand(ctx context.Context, name string, argv, env []string) (int, error) {
	cmd := exec.CommandContext(ctx, name, argv...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}

func (e *SystemdRunExecutor) Kind() string { return KindSystemdRun }

// dispatchArgv builds the systemd-run invocation. Webhook dispatches
// name the transient unit so stop/force-stop can target it; manual
// dispatches pass the run-task env through --setenv.
func (e *SystemdRunExecutor) dispatchArgv(taskID string, req DispatchRequest) []string {
	argv := []string{"--user"}
	if req.RunnerUnit != "" {
		argv = append(argv, "--collect", "--quiet", "--unit="+req.RunnerUnit)
	} else {
		argv = append(argv, "--quiet")
		for _, pair := range req.envSlice() {
			argv = append(argv, "--setenv="+pair)
		}
	}
	return append(argv, e.exe, "run-task", taskID)
}

func (e *SystemdRunExecutor) Dispatch(ctx context.Context, taskID string, req DispatchRequest) error {
	argv := e.dispatchArgv(taskID, req)

	if e.snapshotPath != "" {
		lines := append([]string{"systemd-run"}, argv...)
		if err := os.WriteFile(e.snapshotPath, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
			return types.WrapKind(types.ErrIO, err)
		}
		return nil
	}

	exit, err := e.run(ctx, "systemd-run", argv, req.envSlice())
	if err != nil {
		log.WithTaskID(taskID).Warn().Err(err).
			Msg("systemd-run unavailable, falling back to detached child")
		return e.spawnDetached(taskID, req)
	}
	if exit != 0 {
		return types.NewKindError(types.ErrSystemdRunExitNonzero, taskID)
	}
	return nil
}

// spawnDetached runs the task as a session-leader child of this
// process, the same shape the local-child backend uses.
func (e *SystemdRunExecutor) spawnDetached(taskID string, req DispatchRequest) error {
	cmd := exec.Command(e.exe, "run-task", taskID)
	cmd.Env = append(os.Environ(), req.envSlice()...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return types.WrapKind(types.ErrSpawnFailed, err)
	}
	return cmd.Process.Release()
}

func (e *SystemdRunExecutor) Stop(ctx context.Context, taskID, runnerUnit string) error {
	if runnerUnit == "" {
		return types.NewKindError(types.ErrRunnerUnitMissing, taskID)
	}
	exit, err := e.run(ctx, "systemctl", []string{"--user", "stop", runnerUnit}, nil)
	if err != nil || exit != 0 {
		return types.WrapKind(types.ErrRunnerStopFailed, err)
	}
	return nil
}

func (e *SystemdRunExecutor) ForceStop(ctx context.Context, taskID, runnerUnit string) error {
	if runnerUnit == "" {
		return types.NewKindError(types.ErrRunnerUnitMissing, taskID)
	}
	exit, err := e.run(ctx, "systemctl",
		[]string{"--user", "kill", "--signal=SIGKILL", runnerUnit}, nil)
	if err != nil || exit != 0 {
		return types.WrapKind(types.ErrRunnerKillFailed, err)
	}
	return nil
}
