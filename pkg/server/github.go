package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/podup/podup/pkg/executor"
	"github.com/podup/podup/pkg/log"
	"github.com/podup/podup/pkg/metrics"
	"github.com/podup/podup/pkg/ratelimit"
	"github.com/podup/podup/pkg/runner"
	"github.com/podup/podup/pkg/types"
)

const (
	signatureHeader = "X-Hub-Signature-256"
	eventHeader     = "X-GitHub-Event"
	deliveryHeader  = "X-GitHub-Delivery"

	maxWebhookBody = 5 << 20
)

// verifySignature checks the sha256= HMAC header against the raw body
// in constant time.
func verifySignature(secret string, body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(strings.ToLower(strings.TrimPrefix(header, prefix))))
}

// githubPackage is the subset of the package webhook payload we read
type githubPackage struct {
	PackageType string `json:"package_type"`
	Name        string `json:"name"`
	Owner       struct {
		Login string `json:"login"`
	} `json:"owner"`
	Registry struct {
		URL string `json:"url"`
	} `json:"registry"`
	PackageVersion struct {
		ContainerMetadata struct {
			Tag struct {
				Name string `json:"name"`
			} `json:"tag"`
		} `json:"container_metadata"`
		Tags []string `json:"tags"`
	} `json:"package_version"`
}

type githubPayload struct {
	Package         *githubPackage `json:"package"`
	RegistryPackage *githubPackage `json:"registry_package"`
}

// extractImage builds `<registry_host>/<owner>/<name>:<tag>` from the
// webhook payload. Failures come back as a coarse 202 reason.
func extractImage(body []byte) (string, string) {
	var payload githubPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", "invalid-json"
	}
	pkg := payload.Package
	if pkg == nil {
		pkg = payload.RegistryPackage
	}
	if pkg == nil {
		return "", string(types.ErrMissingPackageNode)
	}
	if pkg.PackageType != "container" {
		return "", string(types.ErrUnsupportedPackageType)
	}
	if pkg.Name == "" {
		return "", string(types.ErrMissingPackageName)
	}

	tag := pkg.PackageVersion.ContainerMetadata.Tag.Name
	if tag == "" {
		for _, t := range pkg.PackageVersion.Tags {
			if t != "" {
				tag = t
				break
			}
		}
	}
	if tag == "" {
		return "", string(types.ErrMissingTag)
	}

	host := pkg.Registry.URL
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	host = strings.TrimSuffix(host, "/")
	if host == "" {
		host = "ghcr.io"
	}

	owner := strings.ToLower(pkg.Owner.Login)
	name := strings.ToLower(pkg.Name)
	if owner == "" {
		return host + "/" + name + ":" + tag, ""
	}
	return host + "/" + owner + "/" + name + ":" + tag, ""
}

// eventAllowed checks the optional comma-separated event allow-list
func (s *Server) eventAllowed(event string) bool {
	allowed := strings.TrimSpace(s.app.Cfg.GHAllowedEvents)
	if allowed == "" {
		return true
	}
	for _, e := range strings.Split(allowed, ",") {
		if strings.TrimSpace(e) == event {
			return true
		}
	}
	return false
}

// dumpDebugPayload atomically overwrites the debug payload file with
// the raw body of a delivery that failed signature verification.
func (s *Server) dumpDebugPayload(body []byte) {
	path := s.app.Cfg.DebugPayloadPath
	if path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.WithComponent("server").Warn().Err(err).Msg("failed to create debug payload dir")
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o600); err != nil {
		log.WithComponent("server").Warn().Err(err).Msg("failed to write debug payload")
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		log.WithComponent("server").Warn().Err(err).Msg("failed to move debug payload")
	}
}

// handleGithubWebhook is the HMAC-gated rollout trigger. Deliveries
// that pass authentication but cannot be acted on are acknowledged with
// 202 and a coarse reason, never an error status.
func (s *Server) handleGithubWebhook(w http.ResponseWriter, r *http.Request) {
	setAction(r, "github-webhook")
	delivery := r.Header.Get(deliveryHeader)
	addMeta(r, "delivery", delivery)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid-input", "unreadable body")
		return
	}

	secret := s.app.Cfg.GHWebhookSecret
	sig := r.Header.Get(signatureHeader)
	if secret == "" || sig == "" {
		metrics.WebhooksReceived.WithLabelValues("missing-signature").Inc()
		writeError(w, http.StatusUnauthorized, string(types.ErrMissingSignature), "")
		return
	}
	if !verifySignature(secret, body, sig) {
		s.dumpDebugPayload(body)
		metrics.WebhooksReceived.WithLabelValues("bad-signature").Inc()
		writeError(w, http.StatusUnauthorized, string(types.ErrSignature), "")
		return
	}

	if event := r.Header.Get(eventHeader); !s.eventAllowed(event) {
		metrics.WebhooksReceived.WithLabelValues("ignored").Inc()
		writeIgnored(w, "event-ignored")
		return
	}
	if len(body) == 0 {
		metrics.WebhooksReceived.WithLabelValues("ignored").Inc()
		writeIgnored(w, "empty-body")
		return
	}

	unit, err := types.ResolveUnitIdentifier(chi.URLParam(r, "slug"), s.app.Cfg.GHPathPrefix)
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues("ignored").Inc()
		writeIgnored(w, "event-ignored")
		return
	}
	addMeta(r, "unit", unit)

	image, reason := extractImage(body)
	if reason != "" {
		metrics.WebhooksReceived.WithLabelValues("ignored").Inc()
		writeIgnored(w, reason)
		return
	}
	addMeta(r, "image", image)

	// a configured Quadlet image must match the delivery exactly
	if expected, ok := s.app.Discovery.UnitImage(r.Context(), unit); ok {
		if strings.TrimSpace(expected) != strings.TrimSpace(image) {
			metrics.WebhooksReceived.WithLabelValues("tag-mismatch").Inc()
			writeIgnored(w, string(types.ErrTagMismatch))
			return
		}
	}

	bucket := types.SanitizeImageKey(image)
	err = s.app.Limiter.Check(ratelimit.ScopeGithubImage, bucket, time.Now().UTC(),
		ratelimit.GithubImageWindows(), false)
	var exceeded *ratelimit.ExceededError
	if errors.As(err, &exceeded) {
		metrics.RateLimitRejections.WithLabelValues(ratelimit.ScopeGithubImage).Inc()
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": "rate-limit", "detail": exceeded,
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db-unavailable", err.Error())
		return
	}

	runnerUnit := "podup-task-" + types.SanitizeImageKey(delivery+"-"+bucket) + ".service"
	task, err := s.createAndDispatch(r, types.TaskKindWebhook, "github-webhook", map[string]any{
		runner.MetaUnit:  unit,
		runner.MetaImage: image,
		"delivery":       delivery,
		"runner_unit":    runnerUnit,
	}, executor.DispatchRequest{RunnerUnit: runnerUnit})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "spawn-failed", err.Error())
		return
	}

	metrics.WebhooksReceived.WithLabelValues("accepted").Inc()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id":  task.ID,
		"unit":     unit,
		"image":    image,
		"delivery": delivery,
	})
}
