package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/podup/podup/pkg/log"
	"github.com/podup/podup/pkg/metrics"
	"github.com/podup/podup/pkg/types"
)

const csrfHeader = "x-podup-csrf"

type ctxKey int

const reqInfoKey ctxKey = iota

// reqInfo accumulates handler-specific audit fields over the lifetime
// of one request.
type reqInfo struct {
	mu        sync.Mutex
	RequestID string
	Action    string
	Meta      map[string]any
}

func infoFrom(r *http.Request) *reqInfo {
	if info, ok := r.Context().Value(reqInfoKey).(*reqInfo); ok {
		return info
	}
	return &reqInfo{Meta: map[string]any{}}
}

// setAction names the audit action for the current request
func setAction(r *http.Request, action string) {
	info := infoFrom(r)
	info.mu.Lock()
	info.Action = action
	info.mu.Unlock()
}

// addMeta attaches one audit meta field to the current request
func addMeta(r *http.Request, key string, value any) {
	info := infoFrom(r)
	info.mu.Lock()
	info.Meta[key] = value
	info.mu.Unlock()
}

func requestID(r *http.Request) string {
	return infoFrom(r).RequestID
}

// statusRecorder captures status and size for the audit row
type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	n, err := rec.ResponseWriter.Write(b)
	rec.size += n
	return n, err
}

func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// eventLog is the outermost middleware: it assigns the request id,
// forces Connection: close for single-request-mode parity, and emits
// exactly one event_log row per exchange with the query token redacted.
func (s *Server) eventLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		info := &reqInfo{
			RequestID: types.NewRequestID(),
			Meta:      map[string]any{},
		}
		r = r.WithContext(context.WithValue(r.Context(), reqInfoKey, info))

		w.Header().Set("Connection", "close")
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		duration := time.Since(start)

		info.mu.Lock()
		action := info.Action
		meta := info.Meta
		info.mu.Unlock()
		if action == "" {
			action = "http"
		}
		meta["path"] = r.URL.Path
		if q := r.URL.RawQuery; q != "" {
			meta["query"] = log.RedactTokens(q)
		}
		meta["response_size"] = rec.size

		s.app.Audit.Record(&types.Event{
			RequestID:  info.RequestID,
			TS:         start.UTC(),
			Method:     r.Method,
			Path:       r.URL.Path,
			Status:     rec.status,
			Action:     action,
			DurationMS: duration.Milliseconds(),
			Meta:       meta,
		})

		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method).Observe(duration.Seconds())

		log.WithRequestID(info.RequestID).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", duration).
			Msg("request")
	})
}

// forwardAuth gates admin routes on the reverse-proxy header. An open
// policy (dev flag, or incomplete header configuration) lets everything
// through; the nickname header is recorded for auditing either way.
func (s *Server) forwardAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		policy := s.app.ForwardAuth
		if nick := policy.NicknameHeader; nick != "" {
			if v := r.Header.Get(nick); v != "" {
				addMeta(r, "nickname", v)
			}
		}
		if !policy.Open() {
			got := r.Header.Get(policy.HeaderName)
			if subtle.ConstantTimeCompare([]byte(got), []byte(policy.ExpectedAdminValue)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized", "")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// infraReady refuses state-touching admin routes while the DB is in
// fallback or podman is unavailable.
func (s *Server) infraReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ready, breakdown := s.app.Ready(r.Context())
		if !ready {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error":      "infra-not-ready",
				"components": breakdown,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// csrf requires the x-podup-csrf header on state-changing admin
// routes. Only presence is checked; the proxy layer owns the value.
func (s *Server) csrf(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(csrfHeader) == "" {
			writeError(w, http.StatusBadRequest, "invalid-input",
				fmt.Sprintf("missing %s header", csrfHeader))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// constantTimeEqual compares secrets without short-circuiting
func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
