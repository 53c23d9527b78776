package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/podup/podup/pkg/types"
)

// ErrNotReady is returned when the pool never came up
var ErrNotReady = errors.New("store not ready")

// InsertEvent appends one audit row
func (s *Store) InsertEvent(ev *types.Event) error {
	if !s.Ready() {
		return ErrNotReady
	}
	_, err := s.db.Exec(
		`INSERT INTO event_log (request_id, ts, method, path, status, action, duration_ms, meta)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RequestID, toMillis(ev.TS), ev.Method, ev.Path, ev.Status,
		ev.Action, ev.DurationMS, marshalMeta(ev.Meta),
	)
	return err
}

// EventFilter narrows a ListEvents query. Zero values mean "any".
type EventFilter struct {
	RequestID  string
	PathPrefix string
	Status     int
	Action     string
	FromTS     *time.Time
	ToTS       *time.Time
	Limit      int
	Page       int
	PerPage    int
}

// ListEvents returns audit rows newest-first. Either Limit or
// (Page, PerPage) drives pagination; Limit wins when both are set.
func (s *Store) ListEvents(f EventFilter) ([]*types.Event, error) {
	if !s.Ready() {
		return nil, ErrNotReady
	}

	var conds []string
	var args []any
	if f.RequestID != "" {
		conds = append(conds, "request_id = ?")
		args = append(args, f.RequestID)
	}
	if f.PathPrefix != "" {
		conds = append(conds, "path LIKE ?")
		args = append(args, f.PathPrefix+"%")
	}
	if f.Status != 0 {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, f.Action)
	}
	if f.FromTS != nil {
		conds = append(conds, "ts >= ?")
		args = append(args, toMillis(*f.FromTS))
	}
	if f.ToTS != nil {
		conds = append(conds, "ts <= ?")
		args = append(args, toMillis(*f.ToTS))
	}

	query := `SELECT request_id, ts, method, path, status, action, duration_ms, meta FROM event_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts DESC, id DESC"

	limit, offset := 100, 0
	switch {
	case f.Limit > 0:
		limit = f.Limit
	case f.PerPage > 0:
		limit = f.PerPage
		if f.Page > 1 {
			offset = (f.Page - 1) * f.PerPage
		}
	}
	if limit > 1000 {
		limit = 1000
	}
	query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)

	type eventRow struct {
		RequestID  string  `db:"request_id"`
		TS         int64   `db:"ts"`
		Method     string  `db:"method"`
		Path       *string `db:"path"`
		Status     int     `db:"status"`
		Action     string  `db:"action"`
		DurationMS int64   `db:"duration_ms"`
		Meta       string  `db:"meta"`
	}
	var rows []eventRow
	if err := s.db.Select(&rows, query, args...); err != nil {
		return nil, err
	}

	events := make([]*types.Event, len(rows))
	for i, r := range rows {
		path := ""
		if r.Path != nil {
			path = *r.Path
		}
		events[i] = &types.Event{
			RequestID:  r.RequestID,
			TS:         fromMillis(r.TS),
			Method:     r.Method,
			Path:       path,
			Status:     r.Status,
			Action:     r.Action,
			DurationMS: r.DurationMS,
			Meta:       unmarshalMeta(r.Meta),
		}
	}
	return events, nil
}

// LastWebhookEvents aggregates the most recent github-webhook event per
// unit, read from the meta column.
func (s *Store) LastWebhookEvents() (map[string]*types.Event, error) {
	events, err := s.ListEvents(EventFilter{Action: "github-webhook", Limit: 1000})
	if err != nil {
		return nil, err
	}
	latest := make(map[string]*types.Event)
	for _, ev := range events {
		unit, _ := ev.Meta["unit"].(string)
		if unit == "" {
			continue
		}
		if _, seen := latest[unit]; !seen {
			latest[unit] = ev
		}
	}
	return latest, nil
}
