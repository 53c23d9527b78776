package runner

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podup/podup/pkg/config"
	"github.com/podup/podup/pkg/host"
	"github.com/podup/podup/pkg/store"
	"github.com/podup/podup/pkg/types"
)

// scriptedBackend answers podman/systemctl calls from a script keyed by
// the joined argv, recording every invocation.
type scriptedBackend struct {
	host.Backend
	mu    sync.Mutex
	calls []string
	fail  map[string]bool // argv prefix -> exit 1
}

func newScriptedBackend() *scriptedBackend {
	return &scriptedBackend{Backend: host.NewLocalBackend(), fail: map[string]bool{}}
}

func (b *scriptedBackend) record(command string, args []string) types.CommandExecResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	line := command + " " + strings.Join(args, " ")
	b.calls = append(b.calls, line)
	exit := 0
	for prefix := range b.fail {
		if strings.HasPrefix(line, prefix) {
			exit = 1
		}
	}
	return types.CommandExecResult{ExitCode: &exit, Stderr: map[bool]string{true: "boom"}[exit != 0]}
}

func (b *scriptedBackend) Podman(ctx context.Context, args ...string) (types.CommandExecResult, error) {
	return b.record("podman", args), nil
}

func (b *scriptedBackend) Systemctl(ctx context.Context, args ...string) (types.CommandExecResult, error) {
	return b.record("systemctl", args), nil
}

func (b *scriptedBackend) callLines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func newTestRunner(t *testing.T) (*Runner, *store.Store, *scriptedBackend) {
	t.Helper()
	s := store.Open("sqlite::memory:")
	require.True(t, s.Ready())
	t.Cleanup(func() { s.Close() })

	cfg := config.Defaults(config.ProfileTest)
	cfg.StateDir = t.TempDir()
	b := newScriptedBackend()
	r := New(cfg, s, b)
	r.sleep = func(time.Duration) {}
	return r, s, b
}

func seedTask(t *testing.T, s *store.Store, kind types.TaskKind, meta map[string]any) *types.Task {
	t.Helper()
	task := &types.Task{
		ID:            types.NewTaskID(time.Now()),
		Kind:          kind,
		Status:        types.TaskStatusPending,
		CreatedAt:     time.Now().UTC(),
		TriggerSource: "test",
		Meta:          meta,
	}
	require.NoError(t, s.CreateTask(task))
	return task
}

func TestRunWebhookHappyPath(t *testing.T) {
	r, s, b := newTestRunner(t)
	task := seedTask(t, s, types.TaskKindWebhook, map[string]any{
		MetaUnit:  "svc-alpha.service",
		MetaImage: "ghcr.io/koha/svc-alpha:main",
	})

	require.NoError(t, r.Run(context.Background(), task.ID))

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusSucceeded, got.Status)

	calls := b.callLines()
	assert.Contains(t, calls, "podman pull ghcr.io/koha/svc-alpha:main")
	assert.Contains(t, calls, "systemctl restart svc-alpha.service")
	assert.Contains(t, calls, "podman image prune -f")

	units, err := s.ListTaskUnits(task.ID)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, types.UnitStatusSucceeded, units[0].Status)

	// lock must be released on the success path
	locks, err := s.DB().Query(`SELECT bucket FROM image_locks`)
	require.NoError(t, err)
	assert.False(t, locks.Next())
	locks.Close()
}

func TestRunWebhookPullRetriesThenFails(t *testing.T) {
	r, s, b := newTestRunner(t)
	b.fail["podman pull"] = true
	task := seedTask(t, s, types.TaskKindWebhook, map[string]any{
		MetaUnit:  "svc-alpha.service",
		MetaImage: "ghcr.io/koha/svc-alpha:main",
	})

	require.NoError(t, r.Run(context.Background(), task.ID))

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, got.Status)

	pulls := 0
	for _, line := range b.callLines() {
		if strings.HasPrefix(line, "podman pull") {
			pulls++
		}
	}
	assert.Equal(t, 3, pulls)

	// restart must not run after a failed pull
	assert.NotContains(t, b.callLines(), "systemctl restart svc-alpha.service")
}

func TestRunWebhookReleasesLockOnFailure(t *testing.T) {
	r, s, b := newTestRunner(t)
	b.fail["systemctl restart"] = true
	task := seedTask(t, s, types.TaskKindWebhook, map[string]any{
		MetaUnit:  "svc-alpha.service",
		MetaImage: "ghcr.io/koha/svc-alpha:main",
	})

	require.NoError(t, r.Run(context.Background(), task.ID))

	var n int
	require.NoError(t, s.DB().Get(&n, `SELECT COUNT(*) FROM image_locks`))
	assert.Equal(t, 0, n)
}

func TestRunWebhookLockTimeoutRecordsUnit(t *testing.T) {
	r, s, b := newTestRunner(t)
	task := seedTask(t, s, types.TaskKindWebhook, map[string]any{
		MetaUnit:  "svc-alpha.service",
		MetaImage: "ghcr.io/koha/svc-alpha:main",
	})

	// another holder owns the bucket; an advancing clock expires the
	// acquisition window without real waiting
	bucket := types.SanitizeImageKey("ghcr.io/koha/svc-alpha:main")
	_, err := s.DB().Exec(
		`INSERT INTO image_locks (bucket, acquired_at) VALUES (?, ?)`,
		bucket, time.Now().UnixMilli())
	require.NoError(t, err)
	base := time.Now()
	calls := 0
	r.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * 3 * time.Second)
	}

	require.NoError(t, r.Run(context.Background(), task.ID))

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, got.Status)
	assert.Contains(t, got.Summary, "lock")
	assert.Empty(t, b.callLines())

	units, err := s.ListTaskUnits(task.ID)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, types.UnitStatusError, units[0].Status)
	assert.Contains(t, units[0].Detail, "lock")
}

func TestRunWebhookRateLimitedRecordsUnit(t *testing.T) {
	r, s, b := newTestRunner(t)
	task := seedTask(t, s, types.TaskKindWebhook, map[string]any{
		MetaUnit:  "svc-alpha.service",
		MetaImage: "ghcr.io/koha/svc-alpha:main",
	})

	bucket := types.SanitizeImageKey("ghcr.io/koha/svc-alpha:main")
	now := time.Now().UnixMilli()
	for i := 0; i < 60; i++ {
		_, err := s.DB().Exec(
			`INSERT INTO rate_limit_tokens (scope, bucket, ts) VALUES ('github-image', ?, ?)`,
			bucket, now)
		require.NoError(t, err)
	}

	require.NoError(t, r.Run(context.Background(), task.ID))

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, got.Status)
	assert.Contains(t, got.Summary, "rate limit")
	assert.Empty(t, b.callLines())

	units, err := s.ListTaskUnits(task.ID)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, types.UnitStatusError, units[0].Status)
}

func TestRunManualTriggerMixedOutcome(t *testing.T) {
	r, s, b := newTestRunner(t)
	b.fail["systemctl restart svc-beta.service"] = true
	task := seedTask(t, s, types.TaskKindManualTrigger, map[string]any{
		MetaUnits: []string{"svc-alpha.service", "svc-beta.service", "svc-alpha.service"},
	})

	require.NoError(t, r.Run(context.Background(), task.ID))

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, got.Status)
	assert.Contains(t, got.Summary, "1 of 2")

	units, err := s.ListTaskUnits(task.ID)
	require.NoError(t, err)
	require.Len(t, units, 2)
}

func TestRunManualTriggerDryRun(t *testing.T) {
	r, s, b := newTestRunner(t)
	task := seedTask(t, s, types.TaskKindManualTrigger, map[string]any{
		MetaUnits:  []string{"svc-alpha.service"},
		MetaDryRun: true,
	})

	require.NoError(t, r.Run(context.Background(), task.ID))

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusSucceeded, got.Status)
	assert.Empty(t, b.callLines())

	units, err := s.ListTaskUnits(task.ID)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, types.UnitStatusDryRun, units[0].Status)
}

func TestRunManualTriggerAutoUpdateUnitUsesStart(t *testing.T) {
	r, s, b := newTestRunner(t)
	task := seedTask(t, s, types.TaskKindManualTrigger, map[string]any{
		MetaUnits: []string{r.cfg.ManualAutoUpdateUnit},
	})

	require.NoError(t, r.Run(context.Background(), task.ID))
	assert.Contains(t, b.callLines(), "systemctl start "+r.cfg.ManualAutoUpdateUnit)
}

func TestRunManualServicePullsFirst(t *testing.T) {
	r, s, b := newTestRunner(t)
	task := seedTask(t, s, types.TaskKindManualService, map[string]any{
		MetaUnit:  "svc-alpha.service",
		MetaImage: "ghcr.io/koha/svc-alpha:main",
	})

	require.NoError(t, r.Run(context.Background(), task.ID))

	calls := b.callLines()
	require.GreaterOrEqual(t, len(calls), 2)
	assert.Equal(t, "podman pull ghcr.io/koha/svc-alpha:main", calls[0])
	assert.Equal(t, "systemctl restart svc-alpha.service", calls[1])
}

func TestRunAutoUpdate(t *testing.T) {
	r, s, b := newTestRunner(t)
	task := seedTask(t, s, types.TaskKindAutoUpdate, nil)

	require.NoError(t, r.Run(context.Background(), task.ID))

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusSucceeded, got.Status)
	assert.Contains(t, b.callLines(), "systemctl start "+r.cfg.ManualAutoUpdateUnit)
}

func TestRunPrune(t *testing.T) {
	r, s, _ := newTestRunner(t)

	old := time.Now().Add(-48 * time.Hour).UnixMilli()
	_, err := s.DB().Exec(
		`INSERT INTO rate_limit_tokens (scope, bucket, ts) VALUES ('manual', 'b', ?)`, old)
	require.NoError(t, err)
	_, err = s.DB().Exec(
		`INSERT INTO image_locks (bucket, acquired_at) VALUES ('stuck', ?)`, old)
	require.NoError(t, err)

	task := seedTask(t, s, types.TaskKindPrune, map[string]any{MetaRetention: 86400})
	require.NoError(t, r.Run(context.Background(), task.ID))

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusSucceeded, got.Status)
	assert.Contains(t, got.Summary, "1 tokens")
	assert.Contains(t, got.Summary, "1 locks")
}

func TestRunRejectsTerminalTask(t *testing.T) {
	r, s, _ := newTestRunner(t)
	task := seedTask(t, s, types.TaskKindAutoUpdate, nil)
	require.NoError(t, s.MarkTaskStarted(task.ID, time.Now()))
	require.NoError(t, s.FinishTask(task.ID, types.TaskStatusSucceeded, "done", time.Now()))

	err := r.Run(context.Background(), task.ID)
	require.Error(t, err)
}

func TestTaskLogsRecorded(t *testing.T) {
	r, s, _ := newTestRunner(t)
	task := seedTask(t, s, types.TaskKindWebhook, map[string]any{
		MetaUnit:  "svc-alpha.service",
		MetaImage: "ghcr.io/koha/svc-alpha:main",
	})

	require.NoError(t, r.Run(context.Background(), task.ID))

	logs, err := s.ListTaskLogs(task.ID)
	require.NoError(t, err)
	require.NotEmpty(t, logs)

	var actions []string
	for _, entry := range logs {
		actions = append(actions, entry.Action)
	}
	assert.Contains(t, actions, "pull-image")
	assert.Contains(t, actions, "restart-unit")
}
