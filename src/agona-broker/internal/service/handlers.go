package service

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mhiscox/agona/src/agona-broker/internal/middleware"
	"github.com/mhiscox/agona/src/agona-broker/internal/model"
	"github.com/mhiscox/agona/src/agona-broker/internal/store"
)

// DefaultPrompt answers GET /api/query without a prompt parameter.
const DefaultPrompt = "In one sentence, what does Agona do?"

const maxBodyBytes = 1 << 20

const (
	defaultLogLimit = 20
	maxLogLimit     = 100
)

// HandleQuery serves both the POST body form and the GET query-string form.
func (b *Broker) HandleQuery(w http.ResponseWriter, r *http.Request) {
	var prompt string
	switch r.Method {
	case http.MethodGet:
		prompt = r.URL.Query().Get("prompt")
		if prompt == "" {
			prompt = DefaultPrompt
		}
	default:
		var req model.QueryRequest
		if err := decodeBody(r, &req); err != nil {
			b.serverError(w, err)
			return
		}
		prompt = req.Prompt
	}

	resp, err := b.Query(r.Context(), requestID(r), prompt)
	if errors.Is(err, ErrMissingPrompt) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing prompt"})
		return
	}
	if err != nil {
		b.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (b *Broker) HandleBulkQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompts json.RawMessage `json:"prompts"`
	}
	if err := decodeBody(r, &req); err != nil {
		b.serverError(w, err)
		return
	}

	// Anything other than a JSON array of strings is a client error.
	var prompts []string
	if len(req.Prompts) == 0 || json.Unmarshal(req.Prompts, &prompts) != nil {
		prompts = nil
	}

	resp, err := b.BulkQuery(r.Context(), requestID(r), prompts)
	if errors.Is(err, ErrInvalidPrompts) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing or invalid prompts array"})
		return
	}
	if err != nil {
		b.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (b *Broker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"service": "health",
		"t":       time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (b *Broker) HandlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":    true,
		"route": "ping",
		"t":     time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (b *Broker) HandleEnv(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "env": b.env})
}

// HandleDemoAuth gates the demo UI. With no password configured every
// caller is let in.
func (b *Broker) HandleDemoAuth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"authenticated": false,
			"error":         "Authentication failed",
		})
		return
	}

	if b.demoPassword == "" || subtle.ConstantTimeCompare([]byte(req.Password), []byte(b.demoPassword)) == 1 {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true})
		return
	}
	writeJSON(w, http.StatusUnauthorized, map[string]any{
		"authenticated": false,
		"error":         "Incorrect password",
	})
}

// HandleProbe runs the default prompt end to end without writing telemetry.
func (b *Broker) HandleProbe(w http.ResponseWriter, r *http.Request) {
	resp := b.decide(r.Context(), requestID(r), DefaultPrompt)

	status := http.StatusOK
	if resp.Winner == nil {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ok":         resp.Winner != nil,
		"winner":     resp.Winner,
		"latency_ms": resp.LatencyMs,
	})
}

// HandleLogs replays recent query log entries, newest first. Development
// only, and only for sinks that can read back.
func (b *Broker) HandleLogs(w http.ResponseWriter, r *http.Request) {
	reader, ok := b.store.(store.Reader)
	if !b.development || !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
		return
	}

	n := defaultLogLimit
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "n must be a positive integer"})
			return
		}
		n = min(v, maxLogLimit)
	}

	logs, err := reader.Recent(r.Context(), n)
	if err != nil {
		b.serverError(w, err)
		return
	}
	if logs == nil {
		logs = []model.QueryLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "logs": logs})
}

func (b *Broker) serverError(w http.ResponseWriter, err error) {
	body := map[string]string{"error": "Server error"}
	if b.development {
		body["details"] = err.Error()
	}
	writeJSON(w, http.StatusInternalServerError, body)
}

func requestID(r *http.Request) string {
	if id := middleware.GetRequestID(r.Context()); id != "" {
		return id
	}
	return uuid.NewString()
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
