package server

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/podup/podup/pkg/app"
	"github.com/podup/podup/pkg/log"
	"github.com/podup/podup/pkg/metrics"
)

// Server is the HTTP control plane surface
type Server struct {
	app    *app.App
	router chi.Router
}

// New builds the server and its routing table
func New(a *app.App) *Server {
	s := &Server{app: a}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.eventLog)

	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		setAction(req, "method-not-allowed")
		writeText(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	r.NotFound(s.handleStatic)

	// open routes
	r.Get("/health", s.handleHealth)
	r.Get("/sse/hello", s.handleSSEHello)
	r.Get("/api/config", s.handleConfig)

	// token-gated manual auto-update kick
	r.Get("/auto-update", s.handleAutoUpdate)
	r.Post("/auto-update", s.handleAutoUpdate)

	// HMAC-gated GitHub webhook
	prefix := "/" + s.app.Cfg.GHPathPrefix
	r.Post(prefix+"/{slug}", s.handleGithubWebhook)
	r.Post(prefix+"/{slug}/redeploy", s.handleGithubWebhook)

	// admin routes
	r.Group(func(admin chi.Router) {
		admin.Use(s.forwardAuth)

		admin.Get("/api/settings", s.handleSettings)
		admin.Get("/api/events", s.handleEvents)
		admin.Get("/api/webhooks/status", s.handleWebhooksStatus)
		admin.Get("/api/image-locks", s.handleImageLocks)
		admin.Get("/api/manual/services", s.handleManualServices)
		admin.Get("/api/tasks", s.handleTasks)
		admin.Get("/api/tasks/{id}", s.handleTaskDetail)
		admin.Get("/api/image-digest", s.handleImageDigest)
		admin.Get("/last_payload.bin", s.handleLastPayload)
		admin.Head("/last_payload.bin", s.handleLastPayload)
		admin.Handle("/metrics", metrics.Handler())

		// state-changing admin routes
		admin.Group(func(write chi.Router) {
			write.Use(s.infraReady, s.csrf)
			write.Delete("/api/image-locks/{bucket}", s.handleImageLockDelete)
			write.Post("/api/prune-state", s.handlePruneState)
			write.Post("/api/manual/trigger", s.handleManualTrigger)
			write.Post("/api/manual/services/{slug}", s.handleManualService)
		})
	})

	return r
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe runs the accept loop until the context is cancelled
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.app.Cfg.HTTPAddr,
		Handler: s.router,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	log.WithComponent("server").Info().Str("addr", s.app.Cfg.HTTPAddr).Msg("http server listening")
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ServeSingle handles exactly one HTTP exchange on a byte stream: the
// single-request mode where stdin/stdout are the socket. Observable
// behaviour matches the accept-loop server, including the audit row.
func (s *Server) ServeSingle(r io.Reader, w io.Writer) error {
	req, err := http.ReadRequest(bufio.NewReader(r))
	if err != nil {
		return err
	}
	rec := newBufferedResponse()
	s.router.ServeHTTP(rec, req)
	return rec.writeTo(w, req)
}

// handleStatic serves the web UI assets, falling back to 404
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	setAction(r, "static")
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeText(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	root := s.app.Cfg.AssetRoot()
	if root == "" {
		writeText(w, http.StatusNotFound, "not found")
		return
	}
	rel := strings.TrimPrefix(filepath.Clean(r.URL.Path), "/")
	if rel == "" || rel == "." {
		rel = "index.html"
	}
	path := filepath.Join(root, rel)
	if !strings.HasPrefix(path, filepath.Clean(root)+string(os.PathSeparator)) {
		writeText(w, http.StatusNotFound, "not found")
		return
	}
	if fi, err := os.Stat(path); err != nil || fi.IsDir() {
		writeText(w, http.StatusNotFound, "not found")
		return
	}
	http.ServeFile(w, r, path)
}
