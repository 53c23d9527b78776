package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/podup/podup/pkg/app"
	"github.com/podup/podup/pkg/config"
	"github.com/podup/podup/pkg/log"
	"github.com/podup/podup/pkg/runner"
	"github.com/podup/podup/pkg/scheduler"
	"github.com/podup/podup/pkg/server"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// errUsage marks errors that should exit with status 2
var errUsage = errors.New("usage")

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "podup",
	Short: "Podup - webhook-driven container image rollouts for podman Quadlets",
	Long: `Podup listens for GitHub package webhooks and restarts the systemd
user units running the affected podman Quadlet services, pulling the
fresh image first. Manual triggers, a periodic scheduler and state
pruning round out the control plane.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := log.InfoLevel
		if config.Truthy(os.Getenv("PODUP_DEBUG")) {
			level = log.DebugLevel
		}
		log.Init(log.Config{Level: level, JSONOutput: true})
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Podup version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(httpServerCmd)
	rootCmd.AddCommand(schedulerCmd)
	rootCmd.AddCommand(runTaskCmd)
}

// loadApp resolves configuration and wires the application context
func loadApp() (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("resolving configuration: %w", err)
	}
	return app.New(cfg), nil
}

// serverCmd handles exactly one HTTP exchange on stdin/stdout. It is
// the target of a socket-activated systemd unit: the accept loop lives
// in systemd, podup only answers.
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Answer a single HTTP request on stdin/stdout",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return server.New(a).ServeSingle(os.Stdin, os.Stdout)
	},
}

var httpServerCmd = &cobra.Command{
	Use:   "http-server",
	Short: "Run the HTTP control plane with its own accept loop",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(),
			os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.WithComponent("main").Info().
			Str("addr", a.Cfg.HTTPAddr).Str("profile", string(a.Cfg.Profile)).
			Msg("starting http server")
		return server.New(a).ListenAndServe(ctx)
	},
}

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the periodic auto-update scheduler",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		intervalSecs, _ := cmd.Flags().GetInt("interval")
		maxIterations, _ := cmd.Flags().GetInt("max-iterations")

		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		interval := a.Cfg.SchedulerInterval()
		if intervalSecs > 0 {
			interval = time.Duration(intervalSecs) * time.Second
		}
		if maxIterations == 0 {
			maxIterations = a.Cfg.SchedulerMaxTicks
		}

		ctx, stop := signal.NotifyContext(context.Background(),
			os.Interrupt, syscall.SIGTERM)
		defer stop()

		sched := scheduler.New(a.Cfg, a.Store, a.Executor, interval, maxIterations)
		return sched.Run(ctx)
	},
}

// runTaskCmd is the runner entry point. The executor re-invokes this
// binary with the task id; everything else the task needs is in its
// persisted meta.
var runTaskCmd = &cobra.Command{
	Use:    "run-task TASK-ID",
	Short:  "Execute one persisted task (internal)",
	Hidden: true,
	Args:   cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(),
			os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runner.New(a.Cfg, a.Store, a.Backend).Run(ctx, args[0])
	},
}

func init() {
	schedulerCmd.Flags().Int("interval", 0, "Tick interval in seconds (0 = configured default)")
	schedulerCmd.Flags().Int("max-iterations", 0, "Stop after N ticks (0 = run forever)")
}
