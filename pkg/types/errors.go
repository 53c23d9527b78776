package types

// ErrorKind is a stable identifier used in logs and audit meta. These
// strings are part of the observable contract; user-facing prose may
// vary but kinds may not.
type ErrorKind string

const (
	ErrInvalidInput           ErrorKind = "invalid-input"
	ErrExecFailed             ErrorKind = "exec-failed"
	ErrNonZeroExit            ErrorKind = "non-zero-exit"
	ErrIO                     ErrorKind = "io"
	ErrDBUnavailable          ErrorKind = "db-unavailable"
	ErrPodmanUnavailable      ErrorKind = "podman-unavailable"
	ErrUnauthorized           ErrorKind = "unauthorized"
	ErrSignature              ErrorKind = "signature"
	ErrMissingSignature       ErrorKind = "missing-signature"
	ErrRateLimit              ErrorKind = "rate-limit"
	ErrLockTimeout            ErrorKind = "lock-timeout"
	ErrTaskAlreadyDispatched  ErrorKind = "task-already-dispatched"
	ErrPidNotFound            ErrorKind = "pid-not-found"
	ErrSignalFailed           ErrorKind = "signal-failed"
	ErrSpawnFailed            ErrorKind = "spawn-failed"
	ErrSystemdRunSpawnFailed  ErrorKind = "systemd-run-spawn-failed"
	ErrSystemdRunExitNonzero  ErrorKind = "systemd-run-exit-nonzero"
	ErrRunnerUnitMissing      ErrorKind = "runner-unit-missing"
	ErrRunnerStopFailed       ErrorKind = "runner-stop-failed"
	ErrRunnerKillFailed       ErrorKind = "runner-kill-failed"
	ErrAuthMissing            ErrorKind = "auth-missing"
	ErrDigestMissing          ErrorKind = "digest-missing"
	ErrTagMismatch            ErrorKind = "tag-mismatch"
	ErrMissingPackageNode     ErrorKind = "missing-package-node"
	ErrMissingPackageName     ErrorKind = "missing-package-name"
	ErrMissingTag             ErrorKind = "missing-tag"
	ErrUnsupportedPackageType ErrorKind = "unsupported-package-type"
)

// KindError pairs a stable kind with a human-readable message
type KindError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *KindError) Error() string {
	if e.Msg != "" {
		return string(e.Kind) + ": " + e.Msg
	}
	return string(e.Kind)
}

func (e *KindError) Unwrap() error {
	return e.Err
}

// NewKindError builds a KindError
func NewKindError(kind ErrorKind, msg string) *KindError {
	return &KindError{Kind: kind, Msg: msg}
}

// WrapKind attaches a stable kind to an underlying error
func WrapKind(kind ErrorKind, err error) *KindError {
	if err == nil {
		return &KindError{Kind: kind}
	}
	return &KindError{Kind: kind, Msg: err.Error(), Err: err}
}
