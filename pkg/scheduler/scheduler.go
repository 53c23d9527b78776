package scheduler

import (
	"context"
	"time"

	"github.com/podup/podup/pkg/config"
	"github.com/podup/podup/pkg/executor"
	"github.com/podup/podup/pkg/log"
	"github.com/podup/podup/pkg/metrics"
	"github.com/podup/podup/pkg/store"
	"github.com/podup/podup/pkg/types"
)

// Scheduler periodically dispatches auto-update tasks. Each tick
// creates a task row, hands it to the executor, and records a
// `scheduler` event with status 202 on success or 500 on failure.
type Scheduler struct {
	cfg   *config.Config
	store *store.Store
	exec  executor.TaskExecutor

	interval      time.Duration
	maxIterations int

	stopCh chan struct{}
	now    func() time.Time
}

// New builds a scheduler. interval is clamped to the configured floor;
// maxIterations of zero means run until stopped.
func New(cfg *config.Config, s *store.Store, exec executor.TaskExecutor, interval time.Duration, maxIterations int) *Scheduler {
	if floor := time.Duration(cfg.SchedulerMinIntervalSecs) * time.Second; interval < floor {
		interval = floor
	}
	return &Scheduler{
		cfg:           cfg,
		store:         s,
		exec:          exec,
		interval:      interval,
		maxIterations: maxIterations,
		stopCh:        make(chan struct{}),
		now:           time.Now,
	}
}

// Start begins ticking in the background
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		if err := s.Run(ctx); err != nil {
			log.WithComponent("scheduler").Error().Err(err).Msg("scheduler loop exited")
		}
	}()
}

// Stop stops the loop after the current tick
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

// Run ticks until the context is cancelled, Stop is called, or the
// iteration budget is spent. The first tick fires immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	iterations := 0
	for {
		s.Tick(ctx)
		iterations++
		if s.maxIterations > 0 && iterations >= s.maxIterations {
			return nil
		}
		select {
		case <-ticker.C:
		case <-s.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Tick dispatches one auto-update task
func (s *Scheduler) Tick(ctx context.Context) {
	start := s.now()
	task := &types.Task{
		ID:            types.NewTaskID(start),
		Kind:          types.TaskKindSchedulerTick,
		Status:        types.TaskStatusPending,
		CreatedAt:     start.UTC(),
		Summary:       "scheduled auto-update",
		TriggerSource: "scheduler",
		Meta:          map[string]any{"task_executor": s.exec.Kind()},
	}

	status := 202
	err := s.store.CreateTask(task)
	if err == nil {
		err = s.exec.Dispatch(ctx, task.ID, executor.DispatchRequest{Action: "scheduler-tick"})
	}
	if err != nil {
		status = 500
		log.WithTaskID(task.ID).Error().Err(err).Msg("scheduler tick failed")
		metrics.SchedulerTicks.WithLabelValues("error").Inc()
	} else {
		metrics.SchedulerTicks.WithLabelValues("dispatched").Inc()
		metrics.TasksDispatched.WithLabelValues(string(types.TaskKindSchedulerTick)).Inc()
	}

	ev := &types.Event{
		RequestID:  types.NewRequestID(),
		TS:         start.UTC(),
		Method:     "SCHED",
		Path:       "/scheduler/tick",
		Status:     status,
		Action:     "scheduler",
		DurationMS: s.now().Sub(start).Milliseconds(),
		Meta:       map[string]any{"task_id": task.ID},
	}
	if err != nil {
		ev.Meta["error"] = err.Error()
	}
	if ierr := s.store.InsertEvent(ev); ierr != nil {
		log.WithComponent("scheduler").Warn().Err(ierr).Msg("failed to record scheduler event")
	}
}
