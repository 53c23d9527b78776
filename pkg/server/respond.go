package server

import (
	"encoding/json"
	"net/http"

	"github.com/podup/podup/pkg/log"
)

const maxJSONBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithComponent("server").Warn().Err(err).Msg("failed to encode response")
	}
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body + "\n"))
}

// writeError emits the JSON error shape used by every failing write
// path: a stable `error` identifier plus an optional human message.
func writeError(w http.ResponseWriter, status int, kind, msg string) {
	body := map[string]any{"error": kind}
	if msg != "" {
		body["message"] = msg
	}
	writeJSON(w, status, body)
}

// writeIgnored is the 202-with-reason shape for webhook deliveries the
// service accepts but does not act on.
func writeIgnored(w http.ResponseWriter, reason string) {
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "ignored", "reason": reason})
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-input", "malformed JSON body")
		return false
	}
	return true
}
