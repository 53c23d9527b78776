package host

import (
	"context"
	"strings"

	"github.com/podup/podup/pkg/types"
)

// allowedRemoteCommands is the closed whitelist for the first remote
// argv token. Anything else is refused before ssh is even spawned.
var allowedRemoteCommands = map[string]bool{
	"podman":     true,
	"systemctl":  true,
	"journalctl": true,
	"busctl":     true,
	"ls":         true,
	"cat":        true,
	"test":       true,
	"stat":       true,
}

var sshBaseOpts = []string{
	"-oBatchMode=yes",
	"-oStrictHostKeyChecking=accept-new",
	"-oConnectTimeout=5",
	"-oConnectionAttempts=1",
}

// runFunc executes a local argv; swapped out in tests
type runFunc func(ctx context.Context, name string, args ...string) (types.CommandExecResult, error)

// SSHBackend runs everything through `ssh <target> -- <argv>`. The
// target is validated once at construction; remote argv is validated on
// every call and never interpolated into a shell.
type SSHBackend struct {
	target string
	alias  bool
	run    runFunc
}

// NewSSHBackend validates the target and builds the backend
func NewSSHBackend(target string) (*SSHBackend, error) {
	if err := types.ValidateSSHTarget(target); err != nil {
		return nil, err
	}
	return &SSHBackend{
		target: target,
		alias:  types.IsAliasSSHTarget(target),
		run:    runLocal,
	}, nil
}

func (b *SSHBackend) Kind() string { return "ssh" }

// RedactOutputs is true for non-alias targets: anything the remote side
// printed may embed the target and must not reach logs verbatim.
func (b *SSHBackend) RedactOutputs() bool { return !b.alias }

func (b *SSHBackend) remote(ctx context.Context, argv ...string) (types.CommandExecResult, error) {
	if len(argv) == 0 {
		return types.CommandExecResult{}, invalidInput("ssh", "empty-argv")
	}
	if !allowedRemoteCommands[argv[0]] {
		return types.CommandExecResult{}, invalidInput("ssh", "remote-command-not-allowed")
	}
	for _, tok := range argv {
		if !types.ShellSafeToken(tok) {
			return types.CommandExecResult{}, invalidInput("ssh", "argv-unsafe-token")
		}
	}

	full := make([]string, 0, len(sshBaseOpts)+len(argv)+2)
	full = append(full, sshBaseOpts...)
	full = append(full, b.target, "--")
	full = append(full, argv...)

	res, err := b.run(ctx, "ssh", full...)
	if err != nil {
		return res, err
	}
	if !res.Success() {
		cmd := argv[0]
		if cmd == "busctl" && res.ExitCode != nil && *res.ExitCode == 127 {
			return res, execFailed("busctl-not-found", nil)
		}
		return res, nonZeroExit(cmd, *res.ExitCode, res.Stderr)
	}
	return res, nil
}

func (b *SSHBackend) userCommand(ctx context.Context, name string, args []string) (types.CommandExecResult, error) {
	argv := append([]string{name, "--user"}, args...)
	return b.remote(ctx, argv...)
}

func (b *SSHBackend) Podman(ctx context.Context, args ...string) (types.CommandExecResult, error) {
	return b.remote(ctx, append([]string{"podman"}, args...)...)
}

func (b *SSHBackend) Systemctl(ctx context.Context, args ...string) (types.CommandExecResult, error) {
	return b.userCommand(ctx, "systemctl", args)
}

func (b *SSHBackend) Journalctl(ctx context.Context, args ...string) (types.CommandExecResult, error) {
	return b.userCommand(ctx, "journalctl", args)
}

func (b *SSHBackend) Busctl(ctx context.Context, args ...string) (types.CommandExecResult, error) {
	return b.userCommand(ctx, "busctl", args)
}

// testFlag probes a remote path with `test <flag> -- <path>`. Exit 1
// means the predicate is false, not an error.
func (b *SSHBackend) testFlag(ctx context.Context, flag, path string) (bool, error) {
	clean, err := types.ParseHostAbsPath(path)
	if err != nil {
		return false, err
	}
	_, err = b.remote(ctx, "test", flag, clean)
	if err == nil {
		return true, nil
	}
	var be *Error
	if isExit(err, &be, 1) {
		return false, nil
	}
	return false, err
}

func isExit(err error, target **Error, code int) bool {
	be, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = be
	return be.Kind == types.ErrNonZeroExit && be.Exit != nil && *be.Exit == code
}

func (b *SSHBackend) Exists(ctx context.Context, path string) (bool, error) {
	return b.testFlag(ctx, "-e", path)
}

func (b *SSHBackend) IsFile(ctx context.Context, path string) (bool, error) {
	return b.testFlag(ctx, "-f", path)
}

func (b *SSHBackend) IsDir(ctx context.Context, path string) (bool, error) {
	return b.testFlag(ctx, "-d", path)
}

func (b *SSHBackend) ListDir(ctx context.Context, path string) ([]string, error) {
	clean, err := types.ParseHostAbsPath(path)
	if err != nil {
		return nil, err
	}
	res, err := b.remote(ctx, "ls", "-1", clean)
	if err != nil {
		var be *Error
		if isExit(err, &be, 2) {
			// missing directory is non-fatal
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		name := strings.TrimSpace(line)
		if name == "" || !safeDirEntry(name) {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// safeDirEntry applies the path-component charset to a single name;
// anything weirder is silently dropped from listings.
func safeDirEntry(name string) bool {
	if name == "." || name == ".." {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return false
		}
	}
	return name != ""
}

func (b *SSHBackend) ReadFile(ctx context.Context, path string) ([]byte, error) {
	clean, err := types.ParseHostAbsPath(path)
	if err != nil {
		return nil, err
	}
	res, err := b.remote(ctx, "cat", clean)
	if err != nil {
		return nil, err
	}
	return []byte(res.Stdout), nil
}

func (b *SSHBackend) Stat(ctx context.Context, path string) (*StatInfo, error) {
	clean, err := types.ParseHostAbsPath(path)
	if err != nil {
		return nil, err
	}
	res, err := b.remote(ctx, "stat", "-c", "%F:%s", clean)
	if err != nil {
		var be *Error
		if isExit(err, &be, 1) {
			return &StatInfo{}, nil
		}
		return nil, err
	}
	parts := strings.SplitN(strings.TrimSpace(res.Stdout), ":", 2)
	info := &StatInfo{Exists: true}
	if len(parts) == 2 {
		info.IsDir = parts[0] == "directory"
		if n, err := parseSize(parts[1]); err == nil {
			info.Size = n
		}
	}
	return info, nil
}

func parseSize(s string) (int64, error) {
	var n int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, invalidInput("stat", "bad-size")
		}
		n = n*10 + int64(r-'0')
	}
	return n, nil
}
