// Package forwarder implements the optional, cmd-level-only forward-on-allow
// path (SPEC_FULL.md §2 item 14): once a prompt has been validated as
// allowed, an operator may wire a Forwarder to relay it to one of several
// downstream LLM backends chosen by model-name or header routing, adapted
// from elida's internal/router multi-backend Router. The core pipeline
// never imports this package — Validate's contract is unaffected by
// whether a Forwarder is configured.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"time"
)

// BackendConfig describes one downstream backend a Forwarder can route to.
type BackendConfig struct {
	URL     string
	Models  []string // glob patterns, e.g. "gpt-*", "claude-*"
	Default bool
}

// Backend is a configured, resolved downstream target.
type Backend struct {
	Name    string
	URL     *url.URL
	Models  []string
	Default bool
}

// Forwarder routes allowed prompts to a downstream backend by model-name
// or explicit header selection, falling back to the configured default.
type Forwarder struct {
	backends       map[string]*Backend
	defaultBackend *Backend
	client         *http.Client
}

// New builds a Forwarder from a name-keyed backend config map. Exactly one
// backend must be marked Default (config.validate enforces this before
// New is ever called).
func New(backends map[string]BackendConfig) (*Forwarder, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("forwarder: no backends configured")
	}

	f := &Forwarder{
		backends: make(map[string]*Backend, len(backends)),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	for name, bc := range backends {
		u, err := url.Parse(bc.URL)
		if err != nil {
			return nil, fmt.Errorf("forwarder: invalid url for backend %q: %w", name, err)
		}
		b := &Backend{Name: name, URL: u, Models: bc.Models, Default: bc.Default}
		f.backends[name] = b
		if bc.Default {
			f.defaultBackend = b
		}
		slog.Info("forwarder backend configured", "name", name, "url", bc.URL, "models", bc.Models, "default", bc.Default)
	}

	if f.defaultBackend == nil {
		return nil, fmt.Errorf("forwarder: no default backend configured")
	}

	return f, nil
}

// Select chooses a backend for an outgoing prompt: an explicit
// backendHint (e.g. an X-Backend header) wins, then the first backend
// whose Models glob-matches model, then the default backend.
func (f *Forwarder) Select(backendHint, model string) *Backend {
	if backendHint != "" {
		if b, ok := f.backends[backendHint]; ok {
			return b
		}
		slog.Warn("forwarder: unknown backend hint, falling back", "hint", backendHint)
	}

	if model != "" {
		for _, b := range f.backends {
			for _, pattern := range b.Models {
				if matched, err := filepath.Match(pattern, model); err == nil && matched {
					return b
				}
			}
		}
	}

	return f.defaultBackend
}

// Forward relays an allowed prompt's body to backend and returns the
// downstream response. Callers are responsible for closing the response
// body.
func (f *Forwarder) Forward(ctx context.Context, backend *Backend, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, backend.URL.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("forwarder: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forwarder: request to backend %q failed: %w", backend.Name, err)
	}
	return resp, nil
}

// ExtractModel parses a JSON request body's top-level "model" field, the
// same shape elida's router.extractModel reads from chat-completion
// bodies.
func ExtractModel(body []byte) string {
	var payload struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Model
}

// DrainAndClose reads resp.Body to completion and closes it, returning the
// bytes read. Used by callers that need the full downstream body before
// relaying it to their own caller.
func DrainAndClose(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// Backends returns every configured backend, for diagnostics.
func (f *Forwarder) Backends() map[string]*Backend {
	return f.backends
}
