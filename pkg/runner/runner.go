package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/podup/podup/pkg/config"
	"github.com/podup/podup/pkg/host"
	"github.com/podup/podup/pkg/log"
	"github.com/podup/podup/pkg/ratelimit"
	"github.com/podup/podup/pkg/store"
	"github.com/podup/podup/pkg/types"
)

const (
	pullAttempts = 3
	pullBackoff  = 5 * time.Second
)

// Task meta keys the runner reads back from the persisted task row
const (
	MetaUnit      = "unit"
	MetaUnits     = "units"
	MetaImage     = "image"
	MetaDryRun    = "dry_run"
	MetaAction    = "action"
	MetaRetention = "retention_secs"
)

// Runner executes the body of one task in its own process. All durable
// state flows through the store; command side effects flow through the
// host backend.
type Runner struct {
	cfg     *config.Config
	store   *store.Store
	backend host.Backend
	limiter *ratelimit.Limiter
	locks   *ratelimit.ImageLocks

	now   func() time.Time
	sleep func(time.Duration)
}

// New builds a runner over the shared service dependencies
func New(cfg *config.Config, s *store.Store, b host.Backend) *Runner {
	return &Runner{
		cfg:     cfg,
		store:   s,
		backend: b,
		limiter: ratelimit.NewLimiter(s),
		locks:   ratelimit.NewImageLocks(s),
		now:     time.Now,
		sleep:   time.Sleep,
	}
}

// Run loads the task, marks it running, executes its body and records
// the terminal status. A missing or already-terminal task is an error.
func (r *Runner) Run(ctx context.Context, taskID string) error {
	task, err := r.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return types.NewKindError(types.ErrInvalidInput, "task already terminal: "+taskID)
	}
	if err := r.store.MarkTaskStarted(taskID, r.now().UTC()); err != nil {
		return err
	}

	status, summary := r.execute(ctx, task)
	if err := r.store.FinishTask(taskID, status, summary, r.now().UTC()); err != nil {
		log.WithTaskID(taskID).Error().Err(err).Msg("failed to record terminal task status")
		return err
	}
	log.WithTaskID(taskID).Info().
		Str("kind", string(task.Kind)).Str("status", string(status)).Msg("task finished")
	return nil
}

func (r *Runner) execute(ctx context.Context, task *types.Task) (types.TaskStatus, string) {
	switch task.Kind {
	case types.TaskKindWebhook:
		return r.runWebhook(ctx, task)
	case types.TaskKindManualTrigger, types.TaskKindCLITrigger:
		return r.runManualTrigger(ctx, task)
	case types.TaskKindManualService:
		return r.runManualService(ctx, task)
	case types.TaskKindAutoUpdate, types.TaskKindSchedulerTick:
		return r.runAutoUpdate(ctx, task)
	case types.TaskKindPrune:
		return r.runPrune(task)
	default:
		return types.TaskStatusFailed, "unknown task kind: " + string(task.Kind)
	}
}

// runWebhook is the image-refresh body: serialize on the image, enforce
// the per-image window, pull, restart, then prune dangling images.
func (r *Runner) runWebhook(ctx context.Context, task *types.Task) (types.TaskStatus, string) {
	unit := metaString(task.Meta, MetaUnit)
	image := metaString(task.Meta, MetaImage)
	if unit == "" || image == "" {
		return types.TaskStatusFailed, "webhook task missing unit or image"
	}
	bucket := types.SanitizeImageKey(image)

	if err := r.locks.Acquire(bucket, r.now); err != nil {
		r.logStep(task.ID, "image-lock", "error", err.Error(), nil)
		r.recordUnit(task.ID, unit, types.UnitStatusError, "image lock: "+err.Error())
		return types.TaskStatusFailed, "image lock: " + err.Error()
	}
	defer func() {
		if err := r.locks.Release(bucket); err != nil {
			log.WithTaskID(task.ID).Warn().Err(err).Str("bucket", bucket).
				Msg("failed to release image lock")
		}
	}()

	if err := r.limiter.Check(ratelimit.ScopeGithubImage, bucket, r.now().UTC(),
		ratelimit.GithubImageWindows(), true); err != nil {
		r.logStep(task.ID, "rate-limit", "error", err.Error(), nil)
		r.recordUnit(task.ID, unit, types.UnitStatusError, "rate limit: "+err.Error())
		return types.TaskStatusFailed, "rate limit: " + err.Error()
	}

	if status, detail, _ := r.pullImage(ctx, task.ID, image); status != types.UnitStatusSucceeded {
		r.recordUnit(task.ID, unit, status, detail)
		return types.TaskStatusFailed, "image pull failed: " + detail
	}

	status, detail, meta := r.systemctl(ctx, "restart", unit)
	r.logStep(task.ID, "restart-unit", string(status), detail, meta)
	r.recordUnit(task.ID, unit, status, detail)
	if status != types.UnitStatusSucceeded {
		return types.TaskStatusFailed, "restart failed: " + detail
	}

	// best-effort cleanup of dangling layers
	if res, err := r.backend.Podman(ctx, "image", "prune", "-f"); err != nil || !res.Success() {
		r.logStep(task.ID, "image-prune", "warn", "podman image prune failed",
			host.CommandMeta(r.backend, "podman", []string{"image", "prune", "-f"}, res))
	}

	return types.TaskStatusSucceeded, "updated " + unit
}

// runManualTrigger restarts each requested unit, or starts it when it
// is the configured auto-update unit. Dry runs record the per-unit
// outcome without touching the host.
func (r *Runner) runManualTrigger(ctx context.Context, task *types.Task) (types.TaskStatus, string) {
	units := metaStrings(task.Meta, MetaUnits)
	if len(units) == 0 {
		units = r.cfg.ManualUnits
	}
	dryRun := metaBool(task.Meta, MetaDryRun)

	var failed int
	seen := map[string]bool{}
	for _, unit := range units {
		if unit == "" || seen[unit] {
			continue
		}
		seen[unit] = true
		if !r.triggerUnit(ctx, task.ID, unit, dryRun) {
			failed++
		}
	}
	if len(seen) == 0 {
		return types.TaskStatusFailed, "no units to trigger"
	}
	if failed > 0 {
		return types.TaskStatusFailed, fmt.Sprintf("%d of %d units failed", failed, len(seen))
	}
	if dryRun {
		return types.TaskStatusSucceeded, fmt.Sprintf("dry-run for %d units", len(seen))
	}
	return types.TaskStatusSucceeded, fmt.Sprintf("triggered %d units", len(seen))
}

// triggerUnit handles one unit and reports success (dry-run counts)
func (r *Runner) triggerUnit(ctx context.Context, taskID, unit string, dryRun bool) bool {
	if dryRun {
		r.recordUnit(taskID, unit, types.UnitStatusDryRun, "")
		return true
	}
	verb := "restart"
	if unit == r.cfg.ManualAutoUpdateUnit {
		verb = "start"
	}
	status, detail, meta := r.systemctl(ctx, verb, unit)
	r.logStep(taskID, verb+"-unit", string(status), detail, meta)
	r.recordUnit(taskID, unit, status, detail)
	return status == types.UnitStatusSucceeded
}

// runManualService is the single-unit variant, with an optional image
// pull ahead of the restart.
func (r *Runner) runManualService(ctx context.Context, task *types.Task) (types.TaskStatus, string) {
	unit := metaString(task.Meta, MetaUnit)
	if unit == "" {
		return types.TaskStatusFailed, "manual-service task missing unit"
	}
	dryRun := metaBool(task.Meta, MetaDryRun)
	image := metaString(task.Meta, MetaImage)

	if image != "" && !dryRun {
		if status, detail, _ := r.pullImage(ctx, task.ID, image); status != types.UnitStatusSucceeded {
			r.recordUnit(task.ID, unit, status, detail)
			return types.TaskStatusFailed, "image pull failed: " + detail
		}
	}
	if !r.triggerUnit(ctx, task.ID, unit, dryRun) {
		return types.TaskStatusFailed, "trigger failed for " + unit
	}
	return types.TaskStatusSucceeded, "triggered " + unit
}

func (r *Runner) runAutoUpdate(ctx context.Context, task *types.Task) (types.TaskStatus, string) {
	unit := r.cfg.ManualAutoUpdateUnit
	status, detail, meta := r.systemctl(ctx, "start", unit)
	r.logStep(task.ID, "auto-update", string(status), detail, meta)
	r.recordUnit(task.ID, unit, status, detail)
	if status != types.UnitStatusSucceeded {
		return types.TaskStatusFailed, "auto-update start failed: " + detail
	}
	return types.TaskStatusSucceeded, "started " + unit
}

// legacyStateFiles are pre-store on-disk artefacts a prune removes
var legacyStateFiles = []string{
	"github-image-limits",
	"github-image-locks",
	"ratelimit.db",
	"ratelimit.lock",
}

// runPrune deletes expired rate-limit tokens, stale image locks and
// legacy state files older than the retention cutoff. Dry runs report
// the counts a real run would delete.
func (r *Runner) runPrune(task *types.Task) (types.TaskStatus, string) {
	retention := time.Duration(metaInt(task.Meta, MetaRetention)) * time.Second
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	cutoff := r.now().UTC().Add(-retention)
	dryRun := metaBool(task.Meta, MetaDryRun)

	var counts store.PruneCounts
	var err error
	if dryRun {
		counts, err = r.store.CountPrunable(cutoff)
		counts.LegacyFiles = CountLegacyFiles(r.cfg.StateDir)
	} else {
		counts, err = r.store.PruneBefore(cutoff)
		counts.LegacyFiles = RemoveLegacyFiles(r.cfg.StateDir)
	}
	if err != nil {
		return types.TaskStatusFailed, "prune: " + err.Error()
	}

	r.logStep(task.ID, "prune", "succeeded", "", map[string]any{
		"rate_limit_tokens": counts.RateLimitTokens,
		"image_locks":       counts.ImageLocks,
		"legacy_files":      counts.LegacyFiles,
		"dry_run":           dryRun,
	})
	verb := "pruned"
	if dryRun {
		verb = "would prune"
	}
	return types.TaskStatusSucceeded, fmt.Sprintf(
		"%s %d tokens, %d locks, %d legacy files",
		verb, counts.RateLimitTokens, counts.ImageLocks, counts.LegacyFiles)
}

// RemoveLegacyFiles deletes the pre-store state files and reports how
// many existed.
func RemoveLegacyFiles(stateDir string) int {
	if stateDir == "" {
		return 0
	}
	removed := 0
	for _, name := range legacyStateFiles {
		path := filepath.Join(stateDir, name)
		if err := os.Remove(path); err == nil {
			removed++
		} else if !os.IsNotExist(err) {
			log.WithComponent("runner").Warn().Err(err).Str("file", path).
				Msg("failed to remove legacy state file")
		}
	}
	return removed
}

// CountLegacyFiles reports how many legacy state files a prune would
// remove, without removing them.
func CountLegacyFiles(stateDir string) int {
	if stateDir == "" {
		return 0
	}
	present := 0
	for _, name := range legacyStateFiles {
		if _, err := os.Stat(filepath.Join(stateDir, name)); err == nil {
			present++
		}
	}
	return present
}

// pullImage pulls with bounded retries; transient registry hiccups are
// retried, a final failure fails the task.
func (r *Runner) pullImage(ctx context.Context, taskID, image string) (types.UnitStatus, string, map[string]any) {
	var status types.UnitStatus
	var detail string
	var meta map[string]any
	for attempt := 1; attempt <= pullAttempts; attempt++ {
		res, err := r.backend.Podman(ctx, "pull", image)
		meta = host.CommandMeta(r.backend, "podman", []string{"pull", image}, res)
		switch {
		case err != nil:
			status, detail = types.UnitStatusError, err.Error()
		case !res.Success():
			status, detail = types.UnitStatusFailed, "podman pull exited non-zero"
		default:
			r.logStep(taskID, "pull-image", "succeeded", image, meta)
			return types.UnitStatusSucceeded, "", meta
		}
		r.logStep(taskID, "pull-image", string(status),
			fmt.Sprintf("attempt %d/%d: %s", attempt, pullAttempts, detail), meta)
		if attempt < pullAttempts {
			r.sleep(pullBackoff)
		}
	}
	return status, detail, meta
}

// systemctl runs one systemctl --user verb against a unit and folds the
// outcome into a unit status.
func (r *Runner) systemctl(ctx context.Context, verb, unit string) (types.UnitStatus, string, map[string]any) {
	res, err := r.backend.Systemctl(ctx, verb, unit)
	meta := host.CommandMeta(r.backend, "systemctl", []string{verb, unit}, res)
	if err != nil {
		return types.UnitStatusError, err.Error(), meta
	}
	if !res.Success() {
		detail := strings.TrimSpace(res.Stderr)
		if detail == "" {
			detail = "systemctl " + verb + " exited non-zero"
		}
		return types.UnitStatusFailed, detail, meta
	}
	return types.UnitStatusSucceeded, "", meta
}

func (r *Runner) recordUnit(taskID, unit string, status types.UnitStatus, detail string) {
	err := r.store.UpsertTaskUnit(&types.TaskUnit{
		TaskID: taskID, Unit: unit, Status: status, Detail: detail,
	})
	if err != nil {
		log.WithTaskID(taskID).Warn().Err(err).Str("unit", unit).
			Msg("failed to record task unit outcome")
	}
}

func (r *Runner) logStep(taskID, action, status, summary string, meta map[string]any) {
	err := r.store.AppendTaskLog(&types.TaskLogEntry{
		TaskID:  taskID,
		TS:      r.now().UTC(),
		Level:   levelFor(status),
		Action:  action,
		Status:  status,
		Summary: log.RedactTokens(summary),
		Meta:    meta,
	})
	if err != nil {
		log.WithTaskID(taskID).Warn().Err(err).Str("action", action).
			Msg("failed to append task log")
	}
}

func levelFor(status string) string {
	switch status {
	case "error", "failed":
		return "error"
	case "warn":
		return "warn"
	default:
		return "info"
	}
}

func metaString(meta map[string]any, key string) string {
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}

func metaStrings(meta map[string]any, key string) []string {
	switch v := meta[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func metaBool(meta map[string]any, key string) bool {
	switch v := meta[key].(type) {
	case bool:
		return v
	case string:
		return config.Truthy(v)
	}
	return false
}

func metaInt(meta map[string]any, key string) int {
	switch v := meta[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
