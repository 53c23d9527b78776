package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/podup/podup/pkg/types"
)

// ErrNotFound is returned when a row does not exist
var ErrNotFound = errors.New("not found")

func marshalMeta(meta map[string]any) string {
	if len(meta) == 0 {
		return "{}"
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func unmarshalMeta(data string) map[string]any {
	if data == "" || data == "{}" {
		return nil
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(data), &meta); err != nil {
		return nil
	}
	return meta
}

type taskRow struct {
	TaskID        string `db:"task_id"`
	Kind          string `db:"kind"`
	Status        string `db:"status"`
	CreatedAt     int64  `db:"created_at"`
	StartedAt     *int64 `db:"started_at"`
	FinishedAt    *int64 `db:"finished_at"`
	Summary       string `db:"summary"`
	TriggerSource string `db:"trigger_source"`
	Meta          string `db:"meta"`
}

func (r taskRow) toTask() *types.Task {
	return &types.Task{
		ID:            r.TaskID,
		Kind:          types.TaskKind(r.Kind),
		Status:        types.TaskStatus(r.Status),
		CreatedAt:     fromMillis(r.CreatedAt),
		StartedAt:     fromMillisPtr(r.StartedAt),
		FinishedAt:    fromMillisPtr(r.FinishedAt),
		Summary:       r.Summary,
		TriggerSource: r.TriggerSource,
		Meta:          unmarshalMeta(r.Meta),
	}
}

// CreateTask persists a new task row in pending state
func (s *Store) CreateTask(task *types.Task) error {
	if !s.Ready() {
		return ErrNotReady
	}
	_, err := s.db.Exec(
		`INSERT INTO tasks (task_id, kind, status, created_at, summary, trigger_source, meta)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		task.ID, string(task.Kind), string(task.Status), toMillis(task.CreatedAt),
		task.Summary, task.TriggerSource, marshalMeta(task.Meta),
	)
	if err != nil {
		return fmt.Errorf("inserting task %s: %w", task.ID, err)
	}
	return nil
}

// MarkTaskStarted moves a pending task to running
func (s *Store) MarkTaskStarted(taskID string, at time.Time) error {
	if !s.Ready() {
		return ErrNotReady
	}
	_, err := s.db.Exec(
		`UPDATE tasks SET status = ?, started_at = ? WHERE task_id = ? AND status = ?`,
		string(types.TaskStatusRunning), toMillis(at), taskID, string(types.TaskStatusPending),
	)
	return err
}

// FinishTask records the terminal status and summary for a task.
// Terminal statuses never change afterwards.
func (s *Store) FinishTask(taskID string, status types.TaskStatus, summary string, at time.Time) error {
	if !s.Ready() {
		return ErrNotReady
	}
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	_, err := s.db.Exec(
		`UPDATE tasks SET status = ?, summary = ?, finished_at = ?
		 WHERE task_id = ? AND status IN (?, ?)`,
		string(status), summary, toMillis(at),
		taskID, string(types.TaskStatusPending), string(types.TaskStatusRunning),
	)
	return err
}

// MarkTaskCancelled terminates a task without a finished_at timestamp;
// used when the runner was stop-killed and never reported back.
func (s *Store) MarkTaskCancelled(taskID, summary string) error {
	if !s.Ready() {
		return ErrNotReady
	}
	_, err := s.db.Exec(
		`UPDATE tasks SET status = ?, summary = ? WHERE task_id = ? AND status IN (?, ?)`,
		string(types.TaskStatusCancelled), summary,
		taskID, string(types.TaskStatusPending), string(types.TaskStatusRunning),
	)
	return err
}

// GetTask fetches one task by id
func (s *Store) GetTask(taskID string) (*types.Task, error) {
	if !s.Ready() {
		return nil, ErrNotReady
	}
	var row taskRow
	err := s.db.Get(&row, `SELECT * FROM tasks WHERE task_id = ?`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toTask(), nil
}

// ListTasks returns tasks newest-first with limit/offset pagination
func (s *Store) ListTasks(limit, offset int) ([]*types.Task, error) {
	if !s.Ready() {
		return nil, ErrNotReady
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []taskRow
	err := s.db.Select(&rows,
		`SELECT * FROM tasks ORDER BY created_at DESC, task_id DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	tasks := make([]*types.Task, len(rows))
	for i, r := range rows {
		tasks[i] = r.toTask()
	}
	return tasks, nil
}

// UpsertTaskUnit records or updates the per-unit outcome for a task
func (s *Store) UpsertTaskUnit(unit *types.TaskUnit) error {
	if !s.Ready() {
		return ErrNotReady
	}
	_, err := s.db.Exec(
		`INSERT INTO task_units (task_id, unit_name, status, detail) VALUES (?, ?, ?, ?)
		 ON CONFLICT (task_id, unit_name) DO UPDATE SET status = excluded.status, detail = excluded.detail`,
		unit.TaskID, unit.Unit, string(unit.Status), unit.Detail,
	)
	return err
}

// ListTaskUnits returns the unit rows for a task
func (s *Store) ListTaskUnits(taskID string) ([]*types.TaskUnit, error) {
	if !s.Ready() {
		return nil, ErrNotReady
	}
	type unitRow struct {
		TaskID string `db:"task_id"`
		Unit   string `db:"unit_name"`
		Status string `db:"status"`
		Detail string `db:"detail"`
	}
	var rows []unitRow
	err := s.db.Select(&rows,
		`SELECT task_id, unit_name, status, detail FROM task_units WHERE task_id = ? ORDER BY unit_name`,
		taskID)
	if err != nil {
		return nil, err
	}
	units := make([]*types.TaskUnit, len(rows))
	for i, r := range rows {
		units[i] = &types.TaskUnit{
			TaskID: r.TaskID,
			Unit:   r.Unit,
			Status: types.UnitStatus(r.Status),
			Detail: r.Detail,
		}
	}
	return units, nil
}

// AppendTaskLog appends one task log row. Writers only ever append;
// readers observe a prefix ordered by (ts, rowid).
func (s *Store) AppendTaskLog(entry *types.TaskLogEntry) error {
	if !s.Ready() {
		return ErrNotReady
	}
	_, err := s.db.Exec(
		`INSERT INTO task_logs (task_id, ts, level, action, status, summary, meta)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.TaskID, toMillis(entry.TS), entry.Level, entry.Action,
		entry.Status, entry.Summary, marshalMeta(entry.Meta),
	)
	return err
}

// ListTaskLogs returns all log rows for a task in insertion order
func (s *Store) ListTaskLogs(taskID string) ([]*types.TaskLogEntry, error) {
	if !s.Ready() {
		return nil, ErrNotReady
	}
	type logRow struct {
		TaskID  string  `db:"task_id"`
		TS      int64   `db:"ts"`
		Level   string  `db:"level"`
		Action  string  `db:"action"`
		Status  *string `db:"status"`
		Summary string  `db:"summary"`
		Meta    string  `db:"meta"`
	}
	var rows []logRow
	err := s.db.Select(&rows,
		`SELECT task_id, ts, level, action, status, summary, meta
		 FROM task_logs WHERE task_id = ? ORDER BY ts, id`,
		taskID)
	if err != nil {
		return nil, err
	}
	entries := make([]*types.TaskLogEntry, len(rows))
	for i, r := range rows {
		status := ""
		if r.Status != nil {
			status = *r.Status
		}
		entries[i] = &types.TaskLogEntry{
			TaskID:  r.TaskID,
			TS:      fromMillis(r.TS),
			Level:   r.Level,
			Action:  r.Action,
			Status:  status,
			Summary: r.Summary,
			Meta:    unmarshalMeta(r.Meta),
		}
	}
	return entries, nil
}
