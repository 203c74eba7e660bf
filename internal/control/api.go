// Package control implements the firewall's out-of-core HTTP surface
// (spec §1 "Out of scope: the HTTP/RPC transport"; SPEC_FULL.md §6
// [AMBIENT] Control API): a thin net/http.ServeMux-based handler exposing
// Validate, health, stats, and an optional forward-on-allow endpoint over
// the pipeline.
package control

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"promptfirewall/internal/forwarder"
	"promptfirewall/internal/model"
	"promptfirewall/internal/pipeline"
	"promptfirewall/internal/sink"
)

// StatsSource is satisfied by sink.SQLiteStore; narrowed so the control
// package depends on a capability, not a concrete storage backend.
type StatsSource interface {
	GetStats(since *time.Time) (*sink.Stats, error)
}

// Handler serves the prompt firewall's control API.
type Handler struct {
	pipeline  *pipeline.Pipeline
	stats     StatsSource
	forwarder *forwarder.Forwarder
	mux       *http.ServeMux

	authEnabled bool
	apiKey      string
}

// New creates a control API handler over p with no authentication and no
// stats source.
func New(p *pipeline.Pipeline) *Handler {
	return NewWithAuth(p, nil, false, "")
}

// NewWithAuth creates a control API handler with an optional stats source
// and bearer-token authentication, mirroring the teacher's layered
// constructor chain (New -> NewWithHistory -> ... -> NewWithAuth).
func NewWithAuth(p *pipeline.Pipeline, stats StatsSource, authEnabled bool, apiKey string) *Handler {
	return NewWithForwarder(p, stats, authEnabled, apiKey, nil)
}

// NewWithForwarder is the fully parameterized constructor: it adds an
// optional Forwarder (spec §2 item 14) serving POST /forward, which
// validates a prompt and, only if the verdict is allowed, relays it to a
// downstream backend.
func NewWithForwarder(p *pipeline.Pipeline, stats StatsSource, authEnabled bool, apiKey string, fwd *forwarder.Forwarder) *Handler {
	h := &Handler{
		pipeline:    p,
		stats:       stats,
		forwarder:   fwd,
		mux:         http.NewServeMux(),
		authEnabled: authEnabled,
		apiKey:      apiKey,
	}

	h.mux.HandleFunc("/validate", h.handleValidate)
	h.mux.HandleFunc("/validate/batch", h.handleValidateBatch)
	h.mux.HandleFunc("/forward", h.handleForward)
	h.mux.HandleFunc("/healthz", h.handleHealthz)
	h.mux.HandleFunc("/stats", h.handleStats)
	h.mux.HandleFunc("/dashboard", h.handleDashboard)
	h.mux.HandleFunc("/", h.handleDashboard)

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	if h.authEnabled && (strings.HasPrefix(r.URL.Path, "/validate") || strings.HasPrefix(r.URL.Path, "/forward")) {
		if !h.checkAuth(r) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="Prompt Firewall Control API"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error":   "unauthorized",
				"message": "Valid API key required. Use 'Authorization: Bearer <api_key>' header.",
			})
			return
		}
	}

	h.mux.ServeHTTP(w, r)
}

func (h *Handler) checkAuth(r *http.Request) bool {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		if strings.HasPrefix(authHeader, "Bearer ") {
			if strings.TrimPrefix(authHeader, "Bearer ") == h.apiKey {
				return true
			}
		}
		if authHeader == h.apiKey {
			return true
		}
	}
	return r.Header.Get("X-API-Key") == h.apiKey
}

// validateRequest is the POST /validate JSON body (spec §6 Validate input).
type validateRequest struct {
	Text     string            `json:"text"`
	UserID   string            `json:"user_id,omitempty"`
	PolicyID string            `json:"policy_id,omitempty"`
	Context  map[string]string `json:"context,omitempty"`
}

type validateBatchRequest struct {
	Requests []validateRequest `json:"requests"`
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}

	result := h.pipeline.Validate(r.Context(), pipeline.Request{
		Text:     req.Text,
		UserID:   req.UserID,
		PolicyID: req.PolicyID,
		Context:  req.Context,
	})

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleValidateBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body validateBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}

	reqs := make([]pipeline.Request, 0, len(body.Requests))
	for _, req := range body.Requests {
		reqs = append(reqs, pipeline.Request{
			Text:     req.Text,
			UserID:   req.UserID,
			PolicyID: req.PolicyID,
			Context:  req.Context,
		})
	}

	results := h.pipeline.ValidateBatch(r.Context(), reqs)
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// forwardRequest is the POST /forward JSON body: a validateRequest plus
// optional backend-selection hints (spec §2 item 14).
type forwardRequest struct {
	validateRequest
	Backend string `json:"backend,omitempty"`
	Model   string `json:"model,omitempty"`
	Body    string `json:"body,omitempty"` // raw downstream payload; defaults to {"model":...,"prompt":text}
}

// forwardResponse reports the validation outcome and, only when the
// prompt was allowed and a Forwarder is configured, the downstream
// backend's response body.
type forwardResponse struct {
	Validation model.ValidationResult `json:"validation"`
	Forwarded  bool                   `json:"forwarded"`
	Backend    string                 `json:"backend,omitempty"`
	Response   json.RawMessage        `json:"response,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

func (h *Handler) handleForward(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req forwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}

	result := h.pipeline.Validate(r.Context(), pipeline.Request{
		Text:     req.Text,
		UserID:   req.UserID,
		PolicyID: req.PolicyID,
		Context:  req.Context,
	})

	resp := forwardResponse{Validation: result}

	if !result.Verdict.IsSafe {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if h.forwarder == nil {
		resp.Error = "forwarder not configured"
		writeJSON(w, http.StatusOK, resp)
		return
	}

	payload := []byte(req.Body)
	if len(payload) == 0 {
		payload, _ = json.Marshal(map[string]string{"model": req.Model, "prompt": req.Text})
	}

	backend := h.forwarder.Select(req.Backend, req.Model)
	downstream, err := h.forwarder.Forward(r.Context(), backend, payload)
	if err != nil {
		slog.Error("control: forward failed", "backend", backend.Name, "error", err)
		resp.Error = err.Error()
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}

	body, err := forwarder.DrainAndClose(downstream)
	if err != nil {
		slog.Error("control: failed to read downstream response", "backend", backend.Name, "error", err)
		resp.Error = err.Error()
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}

	resp.Forwarded = true
	resp.Backend = backend.Name
	resp.Response = json.RawMessage(body)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Timestamp: time.Now()})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.stats == nil {
		writeJSON(w, http.StatusOK, map[string]string{"error": "storage not enabled"})
		return
	}

	stats, err := h.stats.GetStats(nil)
	if err != nil {
		slog.Error("control: failed to get stats", "error", err)
		http.Error(w, "Failed to retrieve stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("control: failed to encode response", "error", err)
	}
}

// HealthResponse is the GET /healthz body.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}
