package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskKind identifies what kind of work a task performs
type TaskKind string

const (
	TaskKindWebhook       TaskKind = "webhook"
	TaskKindManualTrigger TaskKind = "manual-trigger"
	TaskKindManualService TaskKind = "manual-service"
	TaskKindAutoUpdate    TaskKind = "auto-update"
	TaskKindPrune         TaskKind = "prune"
	TaskKindSchedulerTick TaskKind = "scheduler-tick"
	TaskKindCLITrigger    TaskKind = "cli-trigger"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusSkipped   TaskStatus = "skipped"
)

// Terminal reports whether the status is final. Terminal is final: no
// transition leaves a terminal status.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled, TaskStatusSkipped:
		return true
	}
	return false
}

// Task is a unit of rollout work. Identity is immutable; status moves
// pending -> running -> terminal.
type Task struct {
	ID            string         `json:"task_id" db:"task_id"`
	Kind          TaskKind       `json:"kind" db:"kind"`
	Status        TaskStatus     `json:"status" db:"status"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty" db:"started_at"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty" db:"finished_at"`
	Summary       string         `json:"summary" db:"summary"`
	TriggerSource string         `json:"trigger_source" db:"trigger_source"`
	Meta          map[string]any `json:"meta,omitempty" db:"-"`
}

// UnitStatus is the per-unit outcome within a task
type UnitStatus string

const (
	UnitStatusPending   UnitStatus = "pending"
	UnitStatusRunning   UnitStatus = "running"
	UnitStatusSucceeded UnitStatus = "succeeded"
	UnitStatusFailed    UnitStatus = "failed"
	UnitStatusDryRun    UnitStatus = "dry-run"
	// UnitStatusError means the invocation itself could not be made,
	// as opposed to the remote command returning non-zero.
	UnitStatusError UnitStatus = "error"
)

// TaskUnit tracks the outcome for one systemd unit within a task
type TaskUnit struct {
	TaskID string     `json:"task_id" db:"task_id"`
	Unit   string     `json:"unit" db:"unit_name"`
	Status UnitStatus `json:"status" db:"status"`
	Detail string     `json:"detail,omitempty" db:"detail"`
}

// TaskLogEntry is one append-only log row for a task
type TaskLogEntry struct {
	TaskID  string         `json:"task_id" db:"task_id"`
	TS      time.Time      `json:"ts" db:"ts"`
	Level   string         `json:"level" db:"level"`
	Action  string         `json:"action" db:"action"`
	Status  string         `json:"status,omitempty" db:"status"`
	Summary string         `json:"summary" db:"summary"`
	Meta    map[string]any `json:"meta,omitempty" db:"-"`
}

// Event is one append-only audit row. A request_id uniquely identifies
// an HTTP exchange but may repeat across events for the same request.
type Event struct {
	RequestID  string         `json:"request_id" db:"request_id"`
	TS         time.Time      `json:"ts" db:"ts"`
	Method     string         `json:"method" db:"method"`
	Path       string         `json:"path,omitempty" db:"path"`
	Status     int            `json:"status" db:"status"`
	Action     string         `json:"action" db:"action"`
	DurationMS int64          `json:"duration_ms" db:"duration_ms"`
	Meta       map[string]any `json:"meta,omitempty" db:"-"`
}

// DiscoveredUnit is a unit found by quadlet-dir scan or podman ps
type DiscoveredUnit struct {
	Unit         string    `json:"unit" db:"unit_name"`
	Source       string    `json:"source" db:"source"` // dir | ps
	DiscoveredAt time.Time `json:"discovered_at" db:"discovered_at"`
}

// DigestStatus marks a registry digest cache row as usable or not
type DigestStatus string

const (
	DigestStatusOK    DigestStatus = "ok"
	DigestStatusError DigestStatus = "error"
)

// DigestEntry is one registry-digest cache row
type DigestEntry struct {
	Image     string       `json:"image" db:"image"`
	Digest    string       `json:"digest,omitempty" db:"digest"`
	CheckedAt time.Time    `json:"checked_at" db:"checked_at"`
	Status    DigestStatus `json:"status" db:"status"`
	Error     string       `json:"error,omitempty" db:"error"`
}

// Fresh reports whether the entry can be served from cache at the given
// instant. Only ok rows within the TTL are fresh.
func (e DigestEntry) Fresh(now time.Time, ttl time.Duration) bool {
	return e.Status == DigestStatusOK && now.Sub(e.CheckedAt) <= ttl
}

// ForwardAuthPolicy is the process-wide forward-auth configuration.
// Immutable after first read.
type ForwardAuthPolicy struct {
	HeaderName         string
	ExpectedAdminValue string
	NicknameHeader     string
	DevOpen            bool
}

// Open reports whether admin routes are unauthenticated: either the dev
// flag is set or the header pair is not fully configured.
func (p ForwardAuthPolicy) Open() bool {
	return p.DevOpen || p.HeaderName == "" || p.ExpectedAdminValue == ""
}

// CommandExecResult captures the outcome of one host command
type CommandExecResult struct {
	ExitCode *int   `json:"exit,omitempty"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Success reports whether the command exited zero
func (r CommandExecResult) Success() bool {
	return r.ExitCode != nil && *r.ExitCode == 0
}

// NewTaskID returns a stable, monotonically sortable task identifier
func NewTaskID(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()[:8])
}

// NewRequestID returns a unique identifier for one HTTP exchange
func NewRequestID() string {
	return uuid.NewString()
}
