package control

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"promptfirewall/internal/detector/regexdetector"
	"promptfirewall/internal/detector/semanticdetector"
	"promptfirewall/internal/embedding"
	"promptfirewall/internal/forwarder"
	"promptfirewall/internal/model"
	"promptfirewall/internal/patternstore"
	"promptfirewall/internal/pipeline"
	"promptfirewall/internal/policyengine"
	"promptfirewall/internal/policyprovider"
	"promptfirewall/internal/resultcache"
	"promptfirewall/internal/vectorindex"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	patterns := patternstore.DefaultProvider()
	policies := policyprovider.DefaultProvider()
	engine := policyengine.New()
	regex := regexdetector.New(patterns)
	idx := vectorindex.NewMemoryIndex(nil)
	semantic := semanticdetector.New(embedding.NewHashEmbedder(), idx)
	cache := resultcache.New(10)
	p := pipeline.New(policies, engine, regex, semantic, cache)
	return New(p)
}

func TestHandleHealthz(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var health HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("expected status 'ok', got %s", health.Status)
	}
}

func TestHandleValidateSafePrompt(t *testing.T) {
	h := newTestHandler(t)

	body, _ := json.Marshal(validateRequest{Text: "what's the weather like?"})
	req := httptest.NewRequest(http.MethodPost, "/validate", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var result model.ValidationResult
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result.Verdict.Status != model.StatusAllowed {
		t.Errorf("expected allowed, got %s", result.Verdict.Status)
	}
}

func TestHandleValidateMalformedBody(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/validate", bytes.NewReader([]byte("not json")))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
}

func TestHandleValidateMethodNotAllowed(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/validate", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405, got %d", w.Code)
	}
}

func TestHandleStatsWithoutStorageConfigured(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["error"] != "storage not enabled" {
		t.Errorf("expected storage-not-enabled message, got %+v", body)
	}
}

func TestAuthRejectsMissingAPIKey(t *testing.T) {
	p := newTestHandler(t).pipeline
	h := NewWithAuth(p, nil, true, "secret")

	req := httptest.NewRequest(http.MethodPost, "/validate", bytes.NewReader([]byte(`{"text":"hi"}`)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", w.Code)
	}
}

func TestAuthAcceptsBearerToken(t *testing.T) {
	p := newTestHandler(t).pipeline
	h := NewWithAuth(p, nil, true, "secret")

	req := httptest.NewRequest(http.MethodPost, "/validate", bytes.NewReader([]byte(`{"text":"hi"}`)))
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleForwardWithoutForwarderConfigured(t *testing.T) {
	h := newTestHandler(t)

	body, _ := json.Marshal(forwardRequest{validateRequest: validateRequest{Text: "hello there"}})
	req := httptest.NewRequest(http.MethodPost, "/forward", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp forwardResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Forwarded {
		t.Error("expected Forwarded to be false")
	}
	if resp.Error != "forwarder not configured" {
		t.Errorf("expected not-configured error, got %q", resp.Error)
	}
}

func TestHandleForwardRelaysAllowedPrompt(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"completion":"ok"}`))
	}))
	defer backend.Close()

	fwd, err := forwarder.New(map[string]forwarder.BackendConfig{
		"default": {URL: backend.URL, Default: true},
	})
	if err != nil {
		t.Fatalf("failed to build forwarder: %v", err)
	}

	p := newTestHandler(t).pipeline
	h := NewWithForwarder(p, nil, false, "", fwd)

	body, _ := json.Marshal(forwardRequest{validateRequest: validateRequest{Text: "what's the weather like?"}})
	req := httptest.NewRequest(http.MethodPost, "/forward", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp forwardResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Forwarded {
		t.Fatalf("expected Forwarded to be true, got response %+v", resp)
	}
	if resp.Backend != "default" {
		t.Errorf("expected backend 'default', got %q", resp.Backend)
	}
}

func TestHandleForwardDoesNotForwardBlockedPrompt(t *testing.T) {
	called := false
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	fwd, err := forwarder.New(map[string]forwarder.BackendConfig{
		"default": {URL: backend.URL, Default: true},
	})
	if err != nil {
		t.Fatalf("failed to build forwarder: %v", err)
	}

	p := newTestHandler(t).pipeline
	h := NewWithForwarder(p, nil, false, "", fwd)

	body, _ := json.Marshal(forwardRequest{validateRequest: validateRequest{
		Text: "my api key is sk-abcdefghijklmnopqrstuvwxyz1234567890ABCDEF",
	}})
	req := httptest.NewRequest(http.MethodPost, "/forward", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp forwardResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Forwarded {
		t.Error("expected a blocked prompt not to be forwarded")
	}
	if called {
		t.Error("expected downstream backend not to be called for a blocked prompt")
	}
}
