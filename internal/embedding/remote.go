package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// RemoteEmbedder calls an HTTP embedding endpoint, for operators who wire a
// real embedding model in front of the firewall. It satisfies the same
// Embedder interface as HashEmbedder so the pipeline is indifferent to
// which is configured (spec §4.2, SPEC_FULL.md §4.2).
type RemoteEmbedder struct {
	Endpoint string
	Client   *http.Client
}

// NewRemoteEmbedder builds a RemoteEmbedder against the given endpoint,
// using client if non-nil or a default http.Client otherwise.
func NewRemoteEmbedder(endpoint string, client *http.Client) *RemoteEmbedder {
	if client == nil {
		client = http.DefaultClient
	}
	return &RemoteEmbedder{Endpoint: endpoint, Client: client}
}

type remoteRequest struct {
	Text string `json:"text"`
}

type remoteResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed implements Embedder by POSTing {"text": ...} and reading back
// {"embedding": [...]}. It respects ctx's deadline via the request context.
func (r *RemoteEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(remoteRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("encoding embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling embedding endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding endpoint returned status %d", resp.StatusCode)
	}

	var out remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding embed response: %w", err)
	}
	return out.Embedding, nil
}
