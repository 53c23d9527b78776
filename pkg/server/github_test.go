package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podup/podup/pkg/config"
	"github.com/podup/podup/pkg/types"
)

func packagePayload(owner, name, tag string) []byte {
	body, _ := json.Marshal(map[string]any{
		"package": map[string]any{
			"package_type": "container",
			"name":         name,
			"owner":        map[string]any{"login": owner},
			"registry":     map[string]any{"url": "https://ghcr.io"},
			"package_version": map[string]any{
				"container_metadata": map[string]any{
					"tag": map[string]any{"name": tag},
				},
			},
		},
	})
	return body
}

func postWebhook(t *testing.T, s *Server, slug string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost,
		"/github-package-update/"+slug, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestWebhookAccepted(t *testing.T) {
	s, a, fe := newTestServer(t, nil)
	body := packagePayload("Koha", "Svc-Alpha", "main")

	rec := postWebhook(t, s, "svc-alpha", body, map[string]string{
		signatureHeader: sign("s", body),
		deliveryHeader:  "d-123",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		TaskID   string `json:"task_id"`
		Unit     string `json:"unit"`
		Image    string `json:"image"`
		Delivery string `json:"delivery"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "svc-alpha.service", resp.Unit)
	assert.Equal(t, "ghcr.io/koha/svc-alpha:main", resp.Image)
	assert.Equal(t, "d-123", resp.Delivery)

	task, err := a.Store.GetTask(resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskKindWebhook, task.Kind)
	assert.Equal(t, "svc-alpha.service", task.Meta["unit"])
	assert.Equal(t, "ghcr.io/koha/svc-alpha:main", task.Meta["image"])

	fe.mu.Lock()
	require.Len(t, fe.dispatched, 1)
	assert.Contains(t, fe.dispatched[0].RunnerUnit, "podup-task-")
	fe.mu.Unlock()

	// acceptance only checks the window; the runner consumes the token
	var n int
	require.NoError(t, a.Store.DB().Get(&n,
		`SELECT COUNT(*) FROM rate_limit_tokens WHERE scope = 'github-image'`))
	assert.Equal(t, 0, n)
}

func TestWebhookBadSignatureDumpsPayload(t *testing.T) {
	s, a, fe := newTestServer(t, nil)
	body := packagePayload("koha", "svc-alpha", "main")

	rec := postWebhook(t, s, "svc-alpha", body, map[string]string{
		signatureHeader: "sha256=" + "00deadbeef",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "signature")

	dumped, err := os.ReadFile(a.Cfg.DebugPayloadPath)
	require.NoError(t, err)
	assert.Equal(t, body, dumped)

	fe.mu.Lock()
	assert.Empty(t, fe.dispatched)
	fe.mu.Unlock()

	// the dump is retrievable through the admin API
	rec2 := doJSON(t, s, http.MethodGet, "/last_payload.bin", nil, nil)
	require.Equal(t, http.StatusOK, rec2.Code)
	assert.Equal(t, body, rec2.Body.Bytes())
}

func TestWebhookMissingSignature(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	body := packagePayload("koha", "svc-alpha", "main")

	rec := postWebhook(t, s, "svc-alpha", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing-signature")
}

func TestWebhookEmptyBodyIgnored(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	rec := postWebhook(t, s, "svc-alpha", nil, map[string]string{
		signatureHeader: sign("s", nil),
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "empty-body")
}

func TestWebhookNonContainerIgnored(t *testing.T) {
	s, _, fe := newTestServer(t, nil)
	body, _ := json.Marshal(map[string]any{
		"package": map[string]any{"package_type": "npm", "name": "left-pad"},
	})

	rec := postWebhook(t, s, "svc-alpha", body, map[string]string{
		signatureHeader: sign("s", body),
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "unsupported-package-type")

	fe.mu.Lock()
	assert.Empty(t, fe.dispatched)
	fe.mu.Unlock()
}

func TestWebhookEventAllowList(t *testing.T) {
	s, _, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.GHAllowedEvents = "package,registry_package"
	})
	body := packagePayload("koha", "svc-alpha", "main")

	rec := postWebhook(t, s, "svc-alpha", body, map[string]string{
		signatureHeader: sign("s", body),
		eventHeader:     "ping",
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "event-ignored")

	rec = postWebhook(t, s, "svc-alpha", body, map[string]string{
		signatureHeader: sign("s", body),
		eventHeader:     "package",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "task_id")
}

func TestWebhookTagMismatch(t *testing.T) {
	s, a, fe := newTestServer(t, nil)
	require.NoError(t, os.WriteFile(
		filepath.Join(a.Cfg.ContainerDir, "svc-alpha.container"),
		[]byte("[Container]\nImage=ghcr.io/koha/svc-alpha:stable\n"), 0o644))

	body := packagePayload("koha", "svc-alpha", "main")
	rec := postWebhook(t, s, "svc-alpha", body, map[string]string{
		signatureHeader: sign("s", body),
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "tag-mismatch")

	fe.mu.Lock()
	assert.Empty(t, fe.dispatched)
	fe.mu.Unlock()
}

func TestWebhookMatchingQuadletImage(t *testing.T) {
	s, a, _ := newTestServer(t, nil)
	require.NoError(t, os.WriteFile(
		filepath.Join(a.Cfg.ContainerDir, "svc-alpha.container"),
		[]byte("[Container]\nImage=ghcr.io/koha/svc-alpha:main\n"), 0o644))

	body := packagePayload("koha", "svc-alpha", "main")
	rec := postWebhook(t, s, "svc-alpha", body, map[string]string{
		signatureHeader: sign("s", body),
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "task_id")
}

func TestExtractImage(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		image  string
		reason string
	}{
		{
			name:   "registry package node",
			body:   `{"registry_package":{"package_type":"container","name":"App","owner":{"login":"Org"},"package_version":{"tags":["v2"]}}}`,
			image:  "ghcr.io/org/app:v2",
			reason: "",
		},
		{
			name:   "missing package node",
			body:   `{"action":"published"}`,
			reason: "missing-package-node",
		},
		{
			name:   "missing name",
			body:   `{"package":{"package_type":"container"}}`,
			reason: "missing-package-name",
		},
		{
			name:   "missing tag",
			body:   `{"package":{"package_type":"container","name":"app","package_version":{}}}`,
			reason: "missing-tag",
		},
		{
			name:   "not json",
			body:   `{{{`,
			reason: "invalid-json",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			image, reason := extractImage([]byte(tt.body))
			assert.Equal(t, tt.reason, reason)
			if tt.reason == "" {
				assert.Equal(t, tt.image, image)
			}
		})
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte("payload")
	assert.True(t, verifySignature("s", body, sign("s", body)))
	assert.False(t, verifySignature("s", body, sign("other", body)))
	assert.False(t, verifySignature("s", body, "sha1=abc"))
	assert.False(t, verifySignature("s", body, ""))
}
