package host

import (
	"context"

	"github.com/podup/podup/pkg/types"
)

// FailingBackend answers every capability call with a fixed exec-failed
// error. It is installed when SSH target validation fails at startup so
// the process still serves reads and reports its degradation instead of
// refusing to boot.
type FailingBackend struct {
	reason string
}

// NewFailingBackend records why the real backend could not be built
func NewFailingBackend(reason string) *FailingBackend {
	return &FailingBackend{reason: reason}
}

func (b *FailingBackend) Kind() string        { return "failing" }
func (b *FailingBackend) RedactOutputs() bool { return false }

func (b *FailingBackend) err() error {
	return &Error{Kind: types.ErrExecFailed, Op: "backend-unavailable: " + b.reason}
}

func (b *FailingBackend) Podman(ctx context.Context, args ...string) (types.CommandExecResult, error) {
	return types.CommandExecResult{}, b.err()
}

func (b *FailingBackend) Systemctl(ctx context.Context, args ...string) (types.CommandExecResult, error) {
	return types.CommandExecResult{}, b.err()
}

func (b *FailingBackend) Journalctl(ctx context.Context, args ...string) (types.CommandExecResult, error) {
	return types.CommandExecResult{}, b.err()
}

func (b *FailingBackend) Busctl(ctx context.Context, args ...string) (types.CommandExecResult, error) {
	return types.CommandExecResult{}, b.err()
}

func (b *FailingBackend) Exists(ctx context.Context, path string) (bool, error) {
	return false, b.err()
}

func (b *FailingBackend) IsFile(ctx context.Context, path string) (bool, error) {
	return false, b.err()
}

func (b *FailingBackend) IsDir(ctx context.Context, path string) (bool, error) {
	return false, b.err()
}

func (b *FailingBackend) ListDir(ctx context.Context, path string) ([]string, error) {
	return nil, b.err()
}

func (b *FailingBackend) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return nil, b.err()
}

func (b *FailingBackend) Stat(ctx context.Context, path string) (*StatInfo, error) {
	return nil, b.err()
}

// FromConfig picks the backend: SSH when a target is configured, local
// otherwise. A bad target installs the failing variant.
func FromConfig(sshTarget string) Backend {
	if sshTarget == "" {
		return NewLocalBackend()
	}
	b, err := NewSSHBackend(sshTarget)
	if err != nil {
		return NewFailingBackend(err.Error())
	}
	return b
}
