package host

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"

	"github.com/podup/podup/pkg/types"
)

// LocalBackend executes commands and filesystem probes on the host the
// service itself runs on.
type LocalBackend struct{}

// NewLocalBackend builds a backend for the local host
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{}
}

func (b *LocalBackend) Kind() string        { return "local" }
func (b *LocalBackend) RedactOutputs() bool { return false }

func runLocal(ctx context.Context, name string, args ...string) (types.CommandExecResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := types.CommandExecResult{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		code := 0
		res.ExitCode = &code
		return res, nil
	case errors.As(err, &exitErr):
		code := exitErr.ExitCode()
		res.ExitCode = &code
		return res, nil
	default:
		return res, execFailed(name, err)
	}
}

func (b *LocalBackend) command(ctx context.Context, name string, userFlag bool, args []string) (types.CommandExecResult, error) {
	argv := args
	if userFlag {
		argv = append([]string{"--user"}, args...)
	}
	res, err := runLocal(ctx, name, argv...)
	if err != nil {
		return res, err
	}
	if !res.Success() {
		if name == "busctl" && res.ExitCode != nil && *res.ExitCode == 127 {
			return res, execFailed("busctl-not-found", nil)
		}
		return res, nonZeroExit(name, *res.ExitCode, res.Stderr)
	}
	return res, nil
}

func (b *LocalBackend) Podman(ctx context.Context, args ...string) (types.CommandExecResult, error) {
	return b.command(ctx, "podman", false, args)
}

func (b *LocalBackend) Systemctl(ctx context.Context, args ...string) (types.CommandExecResult, error) {
	return b.command(ctx, "systemctl", true, args)
}

func (b *LocalBackend) Journalctl(ctx context.Context, args ...string) (types.CommandExecResult, error) {
	return b.command(ctx, "journalctl", true, args)
}

func (b *LocalBackend) Busctl(ctx context.Context, args ...string) (types.CommandExecResult, error) {
	return b.command(ctx, "busctl", true, args)
}

func (b *LocalBackend) Exists(ctx context.Context, path string) (bool, error) {
	if _, err := types.ParseHostAbsPath(path); err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, &Error{Kind: types.ErrIO, Op: "stat " + path, Err: err}
	}
	return true, nil
}

func (b *LocalBackend) IsFile(ctx context.Context, path string) (bool, error) {
	if _, err := types.ParseHostAbsPath(path); err != nil {
		return false, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, &Error{Kind: types.ErrIO, Op: "stat " + path, Err: err}
	}
	return fi.Mode().IsRegular(), nil
}

func (b *LocalBackend) IsDir(ctx context.Context, path string) (bool, error) {
	if _, err := types.ParseHostAbsPath(path); err != nil {
		return false, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, &Error{Kind: types.ErrIO, Op: "stat " + path, Err: err}
	}
	return fi.IsDir(), nil
}

func (b *LocalBackend) ListDir(ctx context.Context, path string) ([]string, error) {
	if _, err := types.ParseHostAbsPath(path); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &Error{Kind: types.ErrIO, Op: "readdir " + path, Err: err}
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (b *LocalBackend) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if _, err := types.ParseHostAbsPath(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Kind: types.ErrIO, Op: "read " + path, Err: err}
	}
	return data, nil
}

func (b *LocalBackend) Stat(ctx context.Context, path string) (*StatInfo, error) {
	if _, err := types.ParseHostAbsPath(path); err != nil {
		return nil, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &StatInfo{}, nil
		}
		return nil, &Error{Kind: types.ErrIO, Op: "stat " + path, Err: err}
	}
	return &StatInfo{Exists: true, IsDir: fi.IsDir(), Size: fi.Size()}, nil
}
