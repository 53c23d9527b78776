package host

import (
	"context"
	"fmt"

	"github.com/podup/podup/pkg/types"
)

// Backend performs all side-effectful host operations. One instance is
// constructed at startup and shared; implementations are safe for
// concurrent use.
type Backend interface {
	// Kind is "local", "ssh", or "failing"; recorded in task meta
	Kind() string

	// Podman runs `podman <args...>` on the target host
	Podman(ctx context.Context, args ...string) (types.CommandExecResult, error)
	// Systemctl runs `systemctl --user <args...>`
	Systemctl(ctx context.Context, args ...string) (types.CommandExecResult, error)
	// Journalctl runs `journalctl --user <args...>`
	Journalctl(ctx context.Context, args ...string) (types.CommandExecResult, error)
	// Busctl runs `busctl --user <args...>`. Exit 127 surfaces as
	// ExecFailed("busctl-not-found") so callers can fall back.
	Busctl(ctx context.Context, args ...string) (types.CommandExecResult, error)

	// Read-only filesystem probes. Missing paths yield (false, nil) or
	// empty results, not errors.
	Exists(ctx context.Context, path string) (bool, error)
	IsFile(ctx context.Context, path string) (bool, error)
	IsDir(ctx context.Context, path string) (bool, error)
	ListDir(ctx context.Context, path string) ([]string, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	Stat(ctx context.Context, path string) (*StatInfo, error)

	// RedactOutputs reports whether captured stdout/stderr must be
	// replaced by a redaction marker before reaching logs or audit meta.
	RedactOutputs() bool
}

// StatInfo is the portable subset of a stat result
type StatInfo struct {
	Exists bool  `json:"exists"`
	IsDir  bool  `json:"is_dir"`
	Size   int64 `json:"size"`
}

// Error is the typed failure of a backend operation
type Error struct {
	Kind   types.ErrorKind
	Op     string
	Exit   *int
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	if e.Exit != nil {
		return fmt.Sprintf("%s: %s exited %d: %s", e.Kind, e.Op, *e.Exit, e.Stderr)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Op)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func invalidInput(op, msg string) *Error {
	return &Error{Kind: types.ErrInvalidInput, Op: op + ": " + msg}
}

func execFailed(op string, err error) *Error {
	return &Error{Kind: types.ErrExecFailed, Op: op, Err: err}
}

func nonZeroExit(op string, exit int, stderr string) *Error {
	return &Error{Kind: types.ErrNonZeroExit, Op: op, Exit: &exit, Stderr: stderr}
}

const redactedMarker = "<redacted>"

// CommandMeta builds the audit meta for one executed command. Outputs
// are redacted when the backend demands it.
func CommandMeta(b Backend, command string, argv []string, res types.CommandExecResult) map[string]any {
	stdout, stderr := res.Stdout, res.Stderr
	if b.RedactOutputs() {
		stdout, stderr = redactedMarker, redactedMarker
	}
	meta := map[string]any{
		"type":    "command",
		"command": command,
		"argv":    argv,
		"stdout":  stdout,
		"stderr":  stderr,
	}
	if res.ExitCode != nil {
		meta["exit"] = *res.ExitCode
	}
	return meta
}
