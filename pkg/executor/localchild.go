package executor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/podup/podup/pkg/log"
	"github.com/podup/podup/pkg/types"
)

const reaperPollInterval = 200 * time.Millisecond

// LocalChildExecutor runs each task as a supervised detached child of
// the service executable. Live pids are tracked in an in-process map
// mirrored to atomic pidfiles under the pid directory, so a restarted
// service can still see (and refuse to double-dispatch) running tasks.
type LocalChildExecutor struct {
	exe    string
	pidDir string

	mu   sync.Mutex
	pids map[string]int

	spawn  func(exe string, args, env []string) (*os.Process, error)
	signal func(pid int, sig syscall.Signal) error
}

// NewLocalChildExecutor builds the local-child backend and reconciles
// any pidfiles left behind by a previous process: live pids are
// re-adopted into the map, stale ones are removed.
func NewLocalChildExecutor(exe, pidDir string) *LocalChildExecutor {
	e := &LocalChildExecutor{
		exe:    exe,
		pidDir: pidDir,
		pids:   map[string]int{},
		spawn:  spawnDetachedProcess,
		signal: syscall.Kill,
	}
	e.reconcilePidfiles()
	return e
}

func spawnDetachedProcess(exe string, args, env []string) (*os.Process, error) {
	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd.Process, nil
}

func (e *LocalChildExecutor) Kind() string { return KindLocalChild }

func (e *LocalChildExecutor) pidfilePath(taskID string) string {
	return filepath.Join(e.pidDir, types.SanitizeImageKey(taskID)+".pid")
}

// pidAlive probes a pid with signal 0
func (e *LocalChildExecutor) pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return e.signal(pid, 0) == nil
}

func readPidfile(path string) (int, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// writePidfileAtomic writes via a temp file and rename so a concurrent
// reader never sees a partial pid.
func (e *LocalChildExecutor) writePidfileAtomic(taskID string, pid int) error {
	if err := os.MkdirAll(e.pidDir, 0o755); err != nil {
		return err
	}
	path := e.pidfilePath(taskID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// reconcilePidfiles scans the pid directory at construction. A pidfile
// whose pid is still alive belongs to a task dispatched by a previous
// process; it is re-adopted so Dispatch keeps refusing duplicates and
// Stop can still reach it.
func (e *LocalChildExecutor) reconcilePidfiles() {
	entries, err := os.ReadDir(e.pidDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".pid") {
			continue
		}
		path := filepath.Join(e.pidDir, name)
		pid, ok := readPidfile(path)
		taskKey := strings.TrimSuffix(name, ".pid")
		if ok && e.pidAlive(pid) {
			e.pids[taskKey] = pid
			e.pollUntilGone(taskKey, pid)
			continue
		}
		if err := os.Remove(path); err != nil {
			log.WithComponent("executor").Warn().Err(err).
				Str("pidfile", path).Msg("failed to remove stale pidfile")
		}
	}
}

func (e *LocalChildExecutor) Dispatch(ctx context.Context, taskID string, req DispatchRequest) error {
	key := types.SanitizeImageKey(taskID)

	e.mu.Lock()
	if pid, ok := e.pids[key]; ok && e.pidAlive(pid) {
		e.mu.Unlock()
		return types.NewKindError(types.ErrTaskAlreadyDispatched, taskID)
	}
	if pid, ok := readPidfile(e.pidfilePath(taskID)); ok && e.pidAlive(pid) {
		e.pids[key] = pid
		e.mu.Unlock()
		return types.NewKindError(types.ErrTaskAlreadyDispatched, taskID)
	}
	e.mu.Unlock()

	proc, err := e.spawn(e.exe, []string{"run-task", taskID}, req.envSlice())
	if err != nil {
		return types.WrapKind(types.ErrSpawnFailed, err)
	}

	e.mu.Lock()
	e.pids[key] = proc.Pid
	e.mu.Unlock()
	if err := e.writePidfileAtomic(taskID, proc.Pid); err != nil {
		log.WithTaskID(taskID).Warn().Err(err).Msg("failed to write pidfile")
	}

	go e.reap(key, proc)
	return nil
}

// reap waits on the child and cleans up tracking state when it exits.
// When the wait itself fails (ECHILD after a re-adopt, EINTR), it falls
// back to liveness polling.
func (e *LocalChildExecutor) reap(key string, proc *os.Process) {
	_, err := proc.Wait()
	if err != nil && (errors.Is(err, syscall.ECHILD) || errors.Is(err, syscall.EINTR)) {
		e.pollUntilGone(key, proc.Pid)
		return
	}
	e.forget(key)
}

func (e *LocalChildExecutor) pollUntilGone(key string, pid int) {
	go func() {
		for e.pidAlive(pid) {
			time.Sleep(reaperPollInterval)
		}
		e.forget(key)
	}()
}

func (e *LocalChildExecutor) forget(key string) {
	e.mu.Lock()
	delete(e.pids, key)
	e.mu.Unlock()
	if err := os.Remove(filepath.Join(e.pidDir, key+".pid")); err != nil && !os.IsNotExist(err) {
		log.WithComponent("executor").Warn().Err(err).Str("task", key).
			Msg("failed to remove pidfile")
	}
}

// lookupPid resolves a task to its pid from the map or the pidfile
func (e *LocalChildExecutor) lookupPid(taskID string) (int, bool) {
	key := types.SanitizeImageKey(taskID)
	e.mu.Lock()
	pid, ok := e.pids[key]
	e.mu.Unlock()
	if ok {
		return pid, true
	}
	return readPidfile(e.pidfilePath(taskID))
}

func (e *LocalChildExecutor) signalTask(taskID string, sig syscall.Signal) error {
	pid, ok := e.lookupPid(taskID)
	if !ok {
		return types.NewKindError(types.ErrPidNotFound, taskID)
	}
	err := e.signal(pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		e.forget(types.SanitizeImageKey(taskID))
		return types.NewKindError(types.ErrPidNotFound, taskID)
	}
	if err != nil {
		return types.WrapKind(types.ErrSignalFailed, err)
	}
	return nil
}

func (e *LocalChildExecutor) Stop(ctx context.Context, taskID, runnerUnit string) error {
	return e.signalTask(taskID, syscall.SIGTERM)
}

func (e *LocalChildExecutor) ForceStop(ctx context.Context, taskID, runnerUnit string) error {
	return e.signalTask(taskID, syscall.SIGKILL)
}
