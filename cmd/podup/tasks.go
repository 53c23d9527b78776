package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/podup/podup/pkg/app"
	"github.com/podup/podup/pkg/runner"
	"github.com/podup/podup/pkg/types"
)

func init() {
	rootCmd.AddCommand(triggerUnitsCmd)
	rootCmd.AddCommand(triggerAllCmd)
	rootCmd.AddCommand(pruneStateCmd)
	rootCmd.AddCommand(seedDemoCmd)

	for _, c := range []*cobra.Command{triggerUnitsCmd, triggerAllCmd} {
		c.Flags().Bool("dry-run", false, "Log what would run without touching the host")
		c.Flags().String("caller", "", "Recorded in the task meta")
		c.Flags().String("reason", "", "Recorded in the task meta")
	}
	pruneStateCmd.Flags().Int("max-age-hours", 24, "Delete state older than this")
	pruneStateCmd.Flags().Bool("dry-run", false, "Report counts without deleting")
}

// runInline persists a task and executes it in this process instead of
// handing it to an executor. Exit status follows the task outcome.
func runInline(a *app.App, kind types.TaskKind, meta map[string]any) error {
	now := time.Now()
	task := &types.Task{
		ID:            types.NewTaskID(now),
		Kind:          kind,
		Status:        types.TaskStatusPending,
		CreatedAt:     now.UTC(),
		TriggerSource: "cli",
		Meta:          meta,
	}
	if err := a.Store.CreateTask(task); err != nil {
		return fmt.Errorf("persisting task: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runner.New(a.Cfg, a.Store, a.Backend).Run(ctx, task.ID); err != nil {
		return err
	}

	done, err := a.Store.GetTask(task.ID)
	if err != nil {
		return err
	}
	fmt.Printf("task %s: %s", done.ID, done.Status)
	if done.Summary != "" {
		fmt.Printf(" (%s)", done.Summary)
	}
	fmt.Println()
	if done.Status != types.TaskStatusSucceeded && done.Status != types.TaskStatusSkipped {
		return fmt.Errorf("task finished %s", done.Status)
	}
	return nil
}

func triggerMeta(cmd *cobra.Command) map[string]any {
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	caller, _ := cmd.Flags().GetString("caller")
	reason, _ := cmd.Flags().GetString("reason")
	return map[string]any{
		runner.MetaDryRun: dryRun,
		"caller":          caller,
		"reason":          reason,
	}
}

var triggerUnitsCmd = &cobra.Command{
	Use:   "trigger-units UNIT...",
	Short: "Pull and restart the given units now",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		units := make([]string, 0, len(args))
		for _, arg := range args {
			unit, err := types.ResolveUnitIdentifier(arg, a.Cfg.GHPathPrefix)
			if err != nil {
				return fmt.Errorf("%w: %v", errUsage, err)
			}
			units = append(units, unit)
		}

		meta := triggerMeta(cmd)
		meta[runner.MetaUnits] = units
		return runInline(a, types.TaskKindCLITrigger, meta)
	},
}

var triggerAllCmd = &cobra.Command{
	Use:   "trigger-all",
	Short: "Pull and restart every configured manual unit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if len(a.Cfg.ManualUnits) == 0 {
			return fmt.Errorf("%w: no manual units configured", errUsage)
		}
		meta := triggerMeta(cmd)
		meta[runner.MetaUnits] = a.Cfg.ManualUnits
		return runInline(a, types.TaskKindCLITrigger, meta)
	},
}

var pruneStateCmd = &cobra.Command{
	Use:   "prune-state",
	Short: "Delete expired rate-limit tokens, stale locks and legacy files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		maxAgeHours, _ := cmd.Flags().GetInt("max-age-hours")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		return runInline(a, types.TaskKindPrune, map[string]any{
			runner.MetaRetention: maxAgeHours * 3600,
			runner.MetaDryRun:    dryRun,
		})
	},
}

// seedDemoCmd populates the store with enough state to click through
// the admin API against an empty deployment.
var seedDemoCmd = &cobra.Command{
	Use:   "seed-demo",
	Short: "Seed the store with demo units, a finished task and events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		now := time.Now().UTC()
		for _, unit := range []string{"svc-alpha.service", "svc-beta.service"} {
			if err := a.Store.UpsertDiscoveredUnit(&types.DiscoveredUnit{
				Unit: unit, Source: "dir", DiscoveredAt: now,
			}); err != nil {
				return err
			}
		}

		started := now.Add(-5 * time.Minute)
		task := &types.Task{
			ID:            types.NewTaskID(started),
			Kind:          types.TaskKindWebhook,
			Status:        types.TaskStatusPending,
			CreatedAt:     started,
			TriggerSource: "github-webhook",
			Meta: map[string]any{
				runner.MetaUnit:  "svc-alpha.service",
				runner.MetaImage: "ghcr.io/demo/svc-alpha:main",
				"delivery":       "demo-delivery-1",
			},
		}
		if err := a.Store.CreateTask(task); err != nil {
			return err
		}
		if err := a.Store.MarkTaskStarted(task.ID, started.Add(time.Second)); err != nil {
			return err
		}
		if err := a.Store.UpsertTaskUnit(&types.TaskUnit{
			TaskID: task.ID, Unit: "svc-alpha.service",
			Status: types.UnitStatusSucceeded, Detail: "restarted",
		}); err != nil {
			return err
		}
		if err := a.Store.AppendTaskLog(&types.TaskLogEntry{
			TaskID: task.ID, TS: started.Add(2 * time.Second),
			Level: "info", Action: "pull-image", Status: "succeeded",
			Summary: "pulled ghcr.io/demo/svc-alpha:main",
		}); err != nil {
			return err
		}
		if err := a.Store.FinishTask(task.ID, types.TaskStatusSucceeded,
			"1 unit restarted", started.Add(30*time.Second)); err != nil {
			return err
		}

		if err := a.Store.InsertEvent(&types.Event{
			RequestID: types.NewRequestID(), TS: started,
			Method: "POST", Path: "/" + a.Cfg.GHPathPrefix + "/svc-alpha",
			Status: 202, Action: "github-webhook", DurationMS: 12,
			Meta: map[string]any{"unit": "svc-alpha.service", "task_id": task.ID},
		}); err != nil {
			return err
		}

		fmt.Println("demo data seeded")
		return nil
	},
}
