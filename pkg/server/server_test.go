package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podup/podup/pkg/app"
	"github.com/podup/podup/pkg/config"
	"github.com/podup/podup/pkg/discovery"
	"github.com/podup/podup/pkg/executor"
	"github.com/podup/podup/pkg/host"
	"github.com/podup/podup/pkg/store"
	"github.com/podup/podup/pkg/types"
)

// stubBackend reports healthy podman without touching the host
type stubBackend struct {
	host.Backend
}

func (stubBackend) Kind() string { return "local" }

func (stubBackend) Podman(ctx context.Context, args ...string) (types.CommandExecResult, error) {
	zero := 0
	return types.CommandExecResult{ExitCode: &zero, Stdout: "podman version 5.0.0"}, nil
}

// fakeExec records dispatches instead of spawning runners
type fakeExec struct {
	mu         sync.Mutex
	dispatched []executor.DispatchRequest
	taskIDs    []string
	err        error
}

func (f *fakeExec) Kind() string { return "fake" }

func (f *fakeExec) Dispatch(ctx context.Context, taskID string, req executor.DispatchRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, req)
	f.taskIDs = append(f.taskIDs, taskID)
	return f.err
}

func (f *fakeExec) Stop(ctx context.Context, taskID, runnerUnit string) error      { return nil }
func (f *fakeExec) ForceStop(ctx context.Context, taskID, runnerUnit string) error { return nil }

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *app.App, *fakeExec) {
	t.Helper()
	cfg := config.Defaults(config.ProfileTest)
	cfg.StateDir = t.TempDir()
	cfg.ContainerDir = filepath.Join(cfg.StateDir, "containers")
	require.NoError(t, os.MkdirAll(cfg.ContainerDir, 0o755))
	cfg.DebugPayloadPath = filepath.Join(cfg.StateDir, "last_payload.bin")
	cfg.AuditSync = true
	cfg.Token = "manual-token"
	cfg.GHWebhookSecret = "s"
	if mutate != nil {
		mutate(cfg)
	}

	a := app.New(cfg)
	t.Cleanup(a.Close)

	backend := stubBackend{Backend: host.NewLocalBackend()}
	a.Backend = backend
	a.Discovery = discovery.New(a.Store, backend, cfg.ContainerDir)
	fe := &fakeExec{}
	a.Executor = fe

	return New(a), a, fe
}

func doJSON(t *testing.T, s *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestHealthOpen(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	rec := doJSON(t, s, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Equal(t, "close", rec.Header().Get("Connection"))
}

func TestUnknownRouteIs404WithAuditRow(t *testing.T) {
	s, a, _ := newTestServer(t, nil)
	rec := doJSON(t, s, http.MethodGet, "/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	events, err := a.Store.ListEvents(store.EventFilter{PathPrefix: "/nope"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 404, events[0].Status)
}

func TestMethodNotAllowed(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	rec := doJSON(t, s, http.MethodDelete, "/health", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestForwardAuthClosedPolicy(t *testing.T) {
	s, _, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.FwdAuthHeader = "x-forwarded-groups"
		cfg.FwdAuthAdminValue = "admins"
	})

	rec := doJSON(t, s, http.MethodGet, "/api/settings", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/settings", nil,
		map[string]string{"x-forwarded-groups": "admins"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/settings", nil,
		map[string]string{"x-forwarded-groups": "users"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSettingsRedactsSecrets(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	rec := doJSON(t, s, http.MethodGet, "/api/settings", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "manual-token")
	assert.Contains(t, rec.Body.String(), `"token_set":true`)
}

func TestCSRFRequiredOnWrites(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	rec := doJSON(t, s, http.MethodPost, "/api/manual/trigger",
		map[string]any{"units": []string{"svc-alpha"}}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "x-podup-csrf")
}

func TestManualTriggerDispatches(t *testing.T) {
	s, a, fe := newTestServer(t, nil)
	rec := doJSON(t, s, http.MethodPost, "/api/manual/trigger",
		map[string]any{"units": []string{"svc-alpha"}, "dry_run": true},
		map[string]string{"x-podup-csrf": "1"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		TaskID string   `json:"task_id"`
		Units  []string `json:"units"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"svc-alpha.service"}, resp.Units)

	task, err := a.Store.GetTask(resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskKindManualTrigger, task.Kind)

	fe.mu.Lock()
	assert.Len(t, fe.dispatched, 1)
	fe.mu.Unlock()
}

func TestDispatchFailureRecordsTaskLog(t *testing.T) {
	s, a, fe := newTestServer(t, nil)
	fe.err = errors.New("spawn refused")

	rec := doJSON(t, s, http.MethodPost, "/api/manual/trigger",
		map[string]any{"units": []string{"svc-alpha"}},
		map[string]string{"x-podup-csrf": "1"})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "spawn-failed")

	tasks, err := a.Store.ListTasks(1, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, types.TaskStatusFailed, tasks[0].Status)
	assert.Contains(t, tasks[0].Summary, "dispatch failed")

	// a failed task always carries a log entry naming the failure
	logs, err := a.Store.ListTaskLogs(tasks[0].ID)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, "dispatch", logs[0].Action)
	assert.Contains(t, logs[0].Summary, "spawn refused")
}

func TestManualTriggerRejectsBadUnit(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	rec := doJSON(t, s, http.MethodPost, "/api/manual/trigger",
		map[string]any{"units": []string{"../evil"}},
		map[string]string{"x-podup-csrf": "1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestManualServiceSlugResolution(t *testing.T) {
	s, a, _ := newTestServer(t, nil)
	rec := doJSON(t, s, http.MethodPost, "/api/manual/services/svc-alpha",
		map[string]any{"dry_run": true},
		map[string]string{"x-podup-csrf": "1"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"unit":"svc-alpha.service"`)

	tasks, err := a.Store.ListTasks(1, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, types.TaskKindManualService, tasks[0].Kind)
}

func TestAutoUpdateTokenGate(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	rec := doJSON(t, s, http.MethodGet, "/auto-update", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/auto-update?token=wrong", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/auto-update?token=manual-token", nil, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "task_id")
}

func TestAutoUpdateRateLimited(t *testing.T) {
	s, a, _ := newTestServer(t, nil)

	for i := 0; i < 2; i++ {
		rec := doJSON(t, s, http.MethodGet, "/auto-update?token=manual-token", nil, nil)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	rec := doJSON(t, s, http.MethodGet, "/auto-update?token=manual-token", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "rate-limit")

	// the audit row keeps the token out of the query meta
	events, err := a.Store.ListEvents(store.EventFilter{Action: "auto-update"})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	for _, ev := range events {
		q, _ := ev.Meta["query"].(string)
		assert.NotContains(t, q, "manual-token")
	}
}

func TestEventsFilterByAction(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	doJSON(t, s, http.MethodGet, "/health", nil, nil)
	doJSON(t, s, http.MethodGet, "/api/config", nil, nil)

	rec := doJSON(t, s, http.MethodGet, "/api/events?action=health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Events []types.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 1)
	assert.Equal(t, "health", resp.Events[0].Action)
}

func TestManualServicesDiscovery(t *testing.T) {
	s, a, _ := newTestServer(t, nil)
	require.NoError(t, os.WriteFile(
		filepath.Join(a.Cfg.ContainerDir, "svc-gamma.container"),
		[]byte("[Container]\nImage=x\nAutoupdate=registry\n"), 0o644))
	require.NoError(t, os.WriteFile(
		filepath.Join(a.Cfg.ContainerDir, "svc-delta.service"), []byte(""), 0o644))

	rec := doJSON(t, s, http.MethodGet, "/api/manual/services?refresh=1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Discovered struct {
			Units []struct {
				Unit   string `json:"unit"`
				Source string `json:"source"`
			} `json:"units"`
		} `json:"discovered"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Discovered.Units, 2)
	var names []string
	for _, u := range resp.Discovered.Units {
		names = append(names, u.Unit)
		assert.Equal(t, "discovered", u.Source)
	}
	assert.ElementsMatch(t, []string{"svc-gamma.service", "svc-delta.service"}, names)
}

// downPodmanBackend simulates a host without a usable podman
type downPodmanBackend struct {
	host.Backend
}

func (downPodmanBackend) Podman(ctx context.Context, args ...string) (types.CommandExecResult, error) {
	return types.CommandExecResult{}, errors.New("podman: command not found")
}

func TestManualServicesRefreshRequiresReadyInfra(t *testing.T) {
	s, a, _ := newTestServer(t, nil)
	backend := downPodmanBackend{Backend: host.NewLocalBackend()}
	a.Backend = backend
	a.Discovery = discovery.New(a.Store, backend, a.Cfg.ContainerDir)

	// a forced rescan writes discovered_units, so degraded infra is 503
	rec := doJSON(t, s, http.MethodGet, "/api/manual/services?refresh=1", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "infra-not-ready")

	// the read-only listing stays available
	rec = doJSON(t, s, http.MethodGet, "/api/manual/services", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSSEHelloFrame(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	rec := doJSON(t, s, http.MethodGet, "/sse/hello", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "event: hello\ndata: "))
	assert.Contains(t, rec.Body.String(), `"message":"hello"`)
}

func TestTaskDetailNotFound(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	rec := doJSON(t, s, http.MethodGet, "/api/tasks/does-not-exist", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPruneStateDryRunMatchesRealRun(t *testing.T) {
	s, a, _ := newTestServer(t, nil)
	old := time.Now().Add(-72 * time.Hour).UnixMilli()
	for i := 0; i < 3; i++ {
		_, err := a.Store.DB().Exec(
			`INSERT INTO rate_limit_tokens (scope, bucket, ts) VALUES ('manual', 'b', ?)`, old)
		require.NoError(t, err)
	}

	rec := doJSON(t, s, http.MethodPost, "/api/prune-state",
		map[string]any{"max_age_hours": 48, "dry_run": true},
		map[string]string{"x-podup-csrf": "1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"rate_limit_tokens":3`)

	rec = doJSON(t, s, http.MethodPost, "/api/prune-state",
		map[string]any{"max_age_hours": 48},
		map[string]string{"x-podup-csrf": "1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"rate_limit_tokens":3`)

	var n int
	require.NoError(t, a.Store.DB().Get(&n, `SELECT COUNT(*) FROM rate_limit_tokens`))
	assert.Equal(t, 0, n)
}

func TestServeSingleRequest(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	in := strings.NewReader("GET /health HTTP/1.1\r\nHost: localhost\r\n\r\n")
	var out bytes.Buffer
	require.NoError(t, s.ServeSingle(in, &out))

	raw := out.String()
	assert.True(t, strings.HasPrefix(raw, "HTTP/1.1 200"))
	assert.Contains(t, raw, "Connection: close")
	assert.Contains(t, raw, `"status":"ok"`)
}
