package app

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/podup/podup/pkg/audit"
	"github.com/podup/podup/pkg/config"
	"github.com/podup/podup/pkg/discovery"
	"github.com/podup/podup/pkg/executor"
	"github.com/podup/podup/pkg/host"
	"github.com/podup/podup/pkg/log"
	"github.com/podup/podup/pkg/ratelimit"
	"github.com/podup/podup/pkg/registry"
	"github.com/podup/podup/pkg/store"
	"github.com/podup/podup/pkg/types"
)

// PodmanHealth is the once-computed result of `podman --version`
type PodmanHealth struct {
	OK      bool   `json:"ok"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// App is the process-wide application context. It is constructed once
// at startup and passed by reference to every handler; the lazily
// initialised members hide behind their own locks.
type App struct {
	Cfg       *config.Config
	Store     *store.Store
	Backend   host.Backend
	Executor  executor.TaskExecutor
	Limiter   *ratelimit.Limiter
	Locks     *ratelimit.ImageLocks
	Discovery *discovery.Discovery
	Resolver  *registry.Resolver
	Audit     *audit.Writer

	ForwardAuth types.ForwardAuthPolicy

	podmanOnce   sync.Once
	podmanHealth PodmanHealth
}

// New wires the application context from resolved configuration. The
// store falls back to in-memory on open failure; an invalid SSH target
// installs the failing backend. Neither is fatal here — /health and the
// infra-ready middleware surface the degradation.
func New(cfg *config.Config) *App {
	s := store.Open(cfg.DBURL)
	if st := s.InitStatus(); st.Fallback {
		log.WithComponent("app").Warn().Str("error", st.Error).
			Msg("store fell back to in-memory instance")
	}

	backend := host.FromConfig(cfg.SSHTarget)

	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	var exec executor.TaskExecutor
	if cfg.Executor == executor.KindLocalChild {
		exec = executor.NewLocalChildExecutor(exe, cfg.PidDir())
	} else {
		exec = executor.NewSystemdRunExecutor(exe, cfg.SystemdRunSnapshot)
	}

	return &App{
		Cfg:       cfg,
		Store:     s,
		Backend:   backend,
		Executor:  exec,
		Limiter:   ratelimit.NewLimiter(s),
		Locks:     ratelimit.NewImageLocks(s),
		Discovery: discovery.New(s, backend, cfg.ContainerDir),
		Resolver:  registry.NewResolver(s),
		Audit:     audit.NewWriter(s, cfg.AuditSync),
		ForwardAuth: types.ForwardAuthPolicy{
			HeaderName:         cfg.FwdAuthHeader,
			ExpectedAdminValue: cfg.FwdAuthAdminValue,
			NicknameHeader:     cfg.FwdAuthNicknameHeader,
			DevOpen:            cfg.DevOpenAdmin,
		},
	}
}

// Podman reports host podman health, probed once per process
func (a *App) Podman(ctx context.Context) PodmanHealth {
	a.podmanOnce.Do(func() {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		res, err := a.Backend.Podman(ctx, "--version")
		switch {
		case err != nil:
			a.podmanHealth = PodmanHealth{Error: err.Error()}
		case !res.Success():
			a.podmanHealth = PodmanHealth{Error: "podman --version exited non-zero"}
		default:
			a.podmanHealth = PodmanHealth{OK: true, Version: strings.TrimSpace(res.Stdout)}
		}
	})
	return a.podmanHealth
}

// Ready reports whether the write paths can run, with a per-component
// breakdown for the 503 body.
func (a *App) Ready(ctx context.Context) (bool, map[string]any) {
	dbOK := a.Store.Ready() && !a.Store.InitStatus().Fallback
	pod := a.Podman(ctx)
	breakdown := map[string]any{
		"db":     map[string]any{"ok": dbOK, "fallback": a.Store.InitStatus().Fallback},
		"podman": pod,
	}
	return dbOK && pod.OK, breakdown
}

// ManualWindows resolves the manual rate-limit windows, honouring the
// LIMIT1/LIMIT2 overrides.
func (a *App) ManualWindows() []ratelimit.Window {
	windows := ratelimit.ManualWindows()
	if a.Cfg.Limit1Count > 0 && a.Cfg.Limit1Window > 0 {
		windows[0] = ratelimit.Window{
			Limit:  a.Cfg.Limit1Count,
			Length: time.Duration(a.Cfg.Limit1Window) * time.Second,
		}
	}
	if a.Cfg.Limit2Count > 0 && a.Cfg.Limit2Window > 0 {
		windows[1] = ratelimit.Window{
			Limit:  a.Cfg.Limit2Count,
			Length: time.Duration(a.Cfg.Limit2Window) * time.Second,
		}
	}
	return windows
}

// Close releases long-lived resources
func (a *App) Close() {
	a.Audit.Close()
	if err := a.Store.Close(); err != nil {
		log.WithComponent("app").Warn().Err(err).Msg("store close failed")
	}
}
