// Package semanticdetector composes an Embedder and a VectorIndex into the
// semantic nearest-neighbor detection layer (spec §4.2).
package semanticdetector

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"promptfirewall/internal/embedding"
	"promptfirewall/internal/model"
	"promptfirewall/internal/vectorindex"
)

// DefaultMaxEmbedChars truncates text before embedding (spec §4.2 step 1).
const DefaultMaxEmbedChars = 2048

// DefaultTopK is how many nearest references are queried per call.
const DefaultTopK = 5

// Detector is the semantic similarity detection layer.
type Detector struct {
	embedder      embedding.Embedder
	index         vectorindex.Index
	maxEmbedChars int
	topK          int
}

// Option configures a Detector.
type Option func(*Detector)

// WithMaxEmbedChars overrides DefaultMaxEmbedChars.
func WithMaxEmbedChars(n int) Option { return func(d *Detector) { d.maxEmbedChars = n } }

// WithTopK overrides DefaultTopK.
func WithTopK(k int) Option { return func(d *Detector) { d.topK = k } }

// New builds a Detector over the given Embedder and VectorIndex.
func New(embedder embedding.Embedder, index vectorindex.Index, opts ...Option) *Detector {
	d := &Detector{
		embedder:      embedder,
		index:         index,
		maxEmbedChars: DefaultMaxEmbedChars,
		topK:          DefaultTopK,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name identifies this detector for degraded-detector reporting.
func (d *Detector) Name() string { return "semantic" }

// Detect embeds text (truncated to maxEmbedChars) and queries the vector
// index for matches at or above threshold. A failure in either the
// embedder or the index returns (nil, true): the detector is degraded, not
// the request (spec §4.2 degradation, §7 DetectorDegraded).
func (d *Detector) Detect(ctx context.Context, text string, threshold float64) (findings []model.Finding, degraded bool) {
	truncated := text
	if len(truncated) > d.maxEmbedChars {
		truncated = truncated[:d.maxEmbedChars]
	}

	vec, err := d.embedder.Embed(ctx, truncated)
	if err != nil {
		slog.Warn("semantic detector: embedder failed, degrading", "error", err)
		return nil, true
	}

	matches, err := d.index.Query(vec, d.topK)
	if err != nil {
		slog.Warn("semantic detector: vector index query failed, degrading", "error", err)
		return nil, true
	}

	for _, m := range matches {
		if m.Similarity < threshold {
			continue
		}
		findings = append(findings, model.Finding{
			ID:          uuid.NewString(),
			Type:        model.DetectorSemantic,
			PatternName: m.Reference.Label,
			Category:    m.Reference.Category,
			Severity:    m.Reference.Severity,
			Confidence:  m.Similarity,
			MatchSpans:  []model.Span{{Start: 0, End: len(text)}},
			Metadata: map[string]string{
				"similarity":   strconv.FormatFloat(m.Similarity, 'f', 4, 64),
				"reference_id": m.Reference.ID,
			},
		})
	}
	return findings, false
}
