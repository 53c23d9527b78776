package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/podup/podup/pkg/config"
	"github.com/podup/podup/pkg/executor"
	"github.com/podup/podup/pkg/log"
	"github.com/podup/podup/pkg/metrics"
	"github.com/podup/podup/pkg/ratelimit"
	"github.com/podup/podup/pkg/runner"
	"github.com/podup/podup/pkg/store"
	"github.com/podup/podup/pkg/types"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	setAction(r, "health")
	st := s.app.Store.InitStatus()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"profile": s.app.Cfg.Profile,
		"db":      st,
	})
}

func (s *Server) handleSSEHello(w http.ResponseWriter, r *http.Request) {
	setAction(r, "sse-hello")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	payload, _ := json.Marshal(map[string]any{
		"message":   "hello",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	fmt.Fprintf(w, "event: hello\ndata: %s\n\n", payload)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	setAction(r, "config")
	prefix := "/" + s.app.Cfg.GHPathPrefix
	writeJSON(w, http.StatusOK, map[string]any{
		"webhook_url_prefix": strings.TrimRight(s.app.Cfg.PublicBaseURL, "/") + prefix,
		"github_path_prefix": s.app.Cfg.GHPathPrefix,
	})
}

// handleSettings returns the operator-visible configuration. Secrets
// never appear here, only whether they are set.
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	setAction(r, "settings")
	cfg := s.app.Cfg
	writeJSON(w, http.StatusOK, map[string]any{
		"profile":                 cfg.Profile,
		"http_addr":               cfg.HTTPAddr,
		"state_dir":               cfg.StateDir,
		"container_dir":           cfg.ContainerDir,
		"github_path_prefix":      cfg.GHPathPrefix,
		"manual_units":            cfg.ManualUnits,
		"manual_auto_update_unit": cfg.ManualAutoUpdateUnit,
		"scheduler_interval_secs": cfg.SchedulerIntervalSecs,
		"audit_sync":              cfg.AuditSync,
		"executor":                s.app.Executor.Kind(),
		"host_backend":            s.app.Backend.Kind(),
		"forward_auth_open":       s.app.ForwardAuth.Open(),
		"token_set":               cfg.Token != "",
		"manual_token_set":        cfg.ManualToken != "",
		"webhook_secret_set":      cfg.GHWebhookSecret != "",
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	setAction(r, "events")
	q := r.URL.Query()
	filter := store.EventFilter{
		RequestID:  q.Get("request_id"),
		PathPrefix: q.Get("path_prefix"),
		Action:     q.Get("action"),
	}
	if v := q.Get("status"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid-input", "status must be numeric")
			return
		}
		filter.Status = n
	}
	filter.FromTS = parseUnixMillis(q.Get("from_ts"))
	filter.ToTS = parseUnixMillis(q.Get("to_ts"))
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	} else {
		filter.Page, _ = strconv.Atoi(q.Get("page"))
		filter.PerPage, _ = strconv.Atoi(q.Get("per_page"))
	}

	events, err := s.app.Store.ListEvents(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db-unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func parseUnixMillis(v string) *time.Time {
	if v == "" {
		return nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

func (s *Server) handleWebhooksStatus(w http.ResponseWriter, r *http.Request) {
	setAction(r, "webhooks-status")
	last, err := s.app.Store.LastWebhookEvents()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db-unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"units": last})
}

func (s *Server) handleImageLocks(w http.ResponseWriter, r *http.Request) {
	setAction(r, "image-locks")
	locks, err := s.app.Locks.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db-unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"locks": locks})
}

func (s *Server) handleImageLockDelete(w http.ResponseWriter, r *http.Request) {
	setAction(r, "image-lock-delete")
	bucket := chi.URLParam(r, "bucket")
	addMeta(r, "bucket", bucket)
	if err := s.app.Locks.Release(bucket); err != nil {
		writeError(w, http.StatusInternalServerError, "db-unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": bucket})
}

// handlePruneState deletes expired rate-limit tokens, stale image locks
// and legacy state files. Dry-run reports the counts a subsequent real
// run would delete.
func (s *Server) handlePruneState(w http.ResponseWriter, r *http.Request) {
	setAction(r, "prune-state")
	var body struct {
		MaxAgeHours int  `json:"max_age_hours"`
		DryRun      bool `json:"dry_run"`
	}
	if !decodeJSONBody(w, r, &body) {
		return
	}
	if body.MaxAgeHours <= 0 {
		body.MaxAgeHours = 24
	}
	cutoff := time.Now().UTC().Add(-time.Duration(body.MaxAgeHours) * time.Hour)
	addMeta(r, "max_age_hours", body.MaxAgeHours)
	addMeta(r, "dry_run", body.DryRun)

	var counts store.PruneCounts
	var err error
	if body.DryRun {
		counts, err = s.app.Store.CountPrunable(cutoff)
		counts.LegacyFiles = runner.CountLegacyFiles(s.app.Cfg.StateDir)
	} else {
		counts, err = s.app.Store.PruneBefore(cutoff)
		counts.LegacyFiles = runner.RemoveLegacyFiles(s.app.Cfg.StateDir)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db-unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dry_run": body.DryRun, "deleted": counts})
}

// handleManualServices lists triggerable units: the configured manual
// list plus everything discovery found. refresh=1 forces a rescan.
func (s *Server) handleManualServices(w http.ResponseWriter, r *http.Request) {
	refresh := config.Truthy(r.URL.Query().Get("refresh"))
	if refresh {
		setAction(r, "discovery")
		// a forced rescan writes discovered_units; hold it to the same
		// readiness bar as the write routes
		if ready, breakdown := s.app.Ready(r.Context()); !ready {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error":      "infra-not-ready",
				"components": breakdown,
			})
			return
		}
	} else {
		setAction(r, "manual-services")
	}

	discovered, err := s.app.Discovery.Run(r.Context(), refresh)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db-unavailable", err.Error())
		return
	}

	type svc struct {
		Unit   string `json:"unit"`
		Source string `json:"source"`
	}
	discoveredOut := make([]svc, len(discovered))
	for i, u := range discovered {
		discoveredOut[i] = svc{Unit: u.Unit, Source: "discovered"}
	}
	configuredOut := make([]svc, len(s.app.Cfg.ManualUnits))
	for i, u := range s.app.Cfg.ManualUnits {
		configuredOut[i] = svc{Unit: u, Source: "configured"}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"discovered": map[string]any{"units": discoveredOut},
		"configured": map[string]any{"units": configuredOut},
	})
}

// manualBody is the shared manual-trigger request shape
type manualBody struct {
	Token  string   `json:"token"`
	All    bool     `json:"all"`
	Units  []string `json:"units"`
	DryRun bool     `json:"dry_run"`
	Caller string   `json:"caller"`
	Reason string   `json:"reason"`
	Image  string   `json:"image"`
}

// checkManualToken enforces the manual token outside dev profiles
func (s *Server) checkManualToken(w http.ResponseWriter, r *http.Request, token string) bool {
	cfg := s.app.Cfg
	if cfg.Profile == config.ProfileDev || cfg.ManualToken == "" {
		return true
	}
	if !constantTimeEqual(token, cfg.ManualToken) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "")
		return false
	}
	return true
}

func (s *Server) handleManualTrigger(w http.ResponseWriter, r *http.Request) {
	setAction(r, "manual-trigger")
	var body manualBody
	if !decodeJSONBody(w, r, &body) {
		return
	}
	if !s.checkManualToken(w, r, body.Token) {
		return
	}

	units := body.Units
	if body.All || len(units) == 0 {
		units = s.app.Cfg.ManualUnits
	}
	resolved := make([]string, 0, len(units))
	for _, u := range units {
		unit, err := types.ResolveUnitIdentifier(u, s.app.Cfg.GHPathPrefix)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid-input", err.Error())
			return
		}
		resolved = append(resolved, unit)
	}
	if len(resolved) == 0 {
		writeError(w, http.StatusBadRequest, "invalid-input", "no units to trigger")
		return
	}

	task, err := s.createAndDispatch(r, types.TaskKindManualTrigger, "manual", map[string]any{
		runner.MetaUnits:  resolved,
		runner.MetaDryRun: body.DryRun,
		"caller":          body.Caller,
		"reason":          body.Reason,
	}, executor.DispatchRequest{Action: "manual-trigger"})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "spawn-failed", err.Error())
		return
	}
	addMeta(r, "units", resolved)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id": task.ID, "units": resolved, "dry_run": body.DryRun,
	})
}

func (s *Server) handleManualService(w http.ResponseWriter, r *http.Request) {
	setAction(r, "manual-service")
	slug := chi.URLParam(r, "slug")
	unit, err := types.ResolveUnitIdentifier(slug, s.app.Cfg.GHPathPrefix)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid-input", err.Error())
		return
	}

	var body manualBody
	if !decodeJSONBody(w, r, &body) {
		return
	}
	if !s.checkManualToken(w, r, body.Token) {
		return
	}

	meta := map[string]any{
		runner.MetaUnit:   unit,
		runner.MetaDryRun: body.DryRun,
		"caller":          body.Caller,
		"reason":          body.Reason,
	}
	if body.Image != "" {
		meta[runner.MetaImage] = body.Image
	}
	task, err := s.createAndDispatch(r, types.TaskKindManualService, "manual",
		meta, executor.DispatchRequest{Action: "manual-service"})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "spawn-failed", err.Error())
		return
	}
	addMeta(r, "unit", unit)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id": task.ID, "unit": unit, "dry_run": body.DryRun,
	})
}

// handleAutoUpdate is the token-gated manual auto-update kick. It
// enforces the manual rate windows before dispatching.
func (s *Server) handleAutoUpdate(w http.ResponseWriter, r *http.Request) {
	setAction(r, "auto-update")
	token := s.app.Cfg.Token
	if token == "" || !constantTimeEqual(r.URL.Query().Get("token"), token) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "")
		return
	}

	err := s.app.Limiter.Check(ratelimit.ScopeManual, ratelimit.BucketManualAutoUpdate,
		time.Now().UTC(), s.app.ManualWindows(), true)
	var exceeded *ratelimit.ExceededError
	if errors.As(err, &exceeded) {
		metrics.RateLimitRejections.WithLabelValues(ratelimit.ScopeManual).Inc()
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": "rate-limit", "detail": exceeded,
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db-unavailable", err.Error())
		return
	}

	task, err := s.createAndDispatch(r, types.TaskKindAutoUpdate, "manual",
		nil, executor.DispatchRequest{Action: "auto-update"})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "spawn-failed", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": task.ID})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	setAction(r, "tasks")
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	tasks, err := s.app.Store.ListTasks(limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db-unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	setAction(r, "task-detail")
	id := chi.URLParam(r, "id")
	task, err := s.app.Store.GetTask(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "invalid-input", "no such task")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db-unavailable", err.Error())
		return
	}
	units, err := s.app.Store.ListTaskUnits(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db-unavailable", err.Error())
		return
	}
	logs, err := s.app.Store.ListTaskLogs(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db-unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task": task, "units": units, "logs": logs,
	})
}

// handleImageDigest answers "what digest does this tag point at" from
// the store-backed cache, hitting the registry only on miss or force.
func (s *Server) handleImageDigest(w http.ResponseWriter, r *http.Request) {
	setAction(r, "image-digest")
	image := r.URL.Query().Get("image")
	if image == "" {
		writeError(w, http.StatusBadRequest, "invalid-input", "image is required")
		return
	}
	force := config.Truthy(r.URL.Query().Get("force"))
	addMeta(r, "image", image)

	res, err := s.app.Resolver.Resolve(r.Context(), image, s.app.Cfg.DigestCacheTTL(), force)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db-unavailable", err.Error())
		return
	}
	switch {
	case res.FromCache:
		metrics.DigestCacheLookups.WithLabelValues("hit").Inc()
	case res.Stale:
		metrics.DigestCacheLookups.WithLabelValues("stale").Inc()
	default:
		metrics.DigestCacheLookups.WithLabelValues("miss").Inc()
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLastPayload(w http.ResponseWriter, r *http.Request) {
	setAction(r, "last-payload")
	path := s.app.Cfg.DebugPayloadPath
	if path == "" {
		writeText(w, http.StatusNotFound, "not found")
		return
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		writeText(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(raw)
	}
}

// createAndDispatch persists a task row and hands it to the executor.
// A dispatch failure finishes the task as failed so no pending row is
// orphaned.
func (s *Server) createAndDispatch(r *http.Request, kind types.TaskKind, source string, meta map[string]any, req executor.DispatchRequest) (*types.Task, error) {
	now := time.Now()
	if meta == nil {
		meta = map[string]any{}
	}
	meta["task_executor"] = s.app.Executor.Kind()
	meta["host_backend"] = s.app.Backend.Kind()

	task := &types.Task{
		ID:            types.NewTaskID(now),
		Kind:          kind,
		Status:        types.TaskStatusPending,
		CreatedAt:     now.UTC(),
		TriggerSource: source,
		Meta:          meta,
	}
	if err := s.app.Store.CreateTask(task); err != nil {
		return nil, err
	}
	addMeta(r, "task_id", task.ID)

	if err := s.app.Executor.Dispatch(r.Context(), task.ID, req); err != nil {
		if lerr := s.app.Store.AppendTaskLog(&types.TaskLogEntry{
			TaskID:  task.ID,
			TS:      time.Now().UTC(),
			Level:   "error",
			Action:  "dispatch",
			Status:  "failed",
			Summary: "executor dispatch failed: " + err.Error(),
			Meta:    map[string]any{"executor": s.app.Executor.Kind()},
		}); lerr != nil {
			log.WithTaskID(task.ID).Warn().Err(lerr).Msg("failed to append dispatch-failure log")
		}
		if ferr := s.app.Store.FinishTask(task.ID, types.TaskStatusFailed,
			"dispatch failed: "+err.Error(), time.Now().UTC()); ferr != nil {
			return nil, ferr
		}
		return nil, err
	}
	metrics.TasksDispatched.WithLabelValues(string(kind)).Inc()
	return task, nil
}
