// Package pipeline implements DetectorPipeline (spec §4.5): it
// orchestrates cache lookup, parallel detector fan-out under a shared
// deadline, finding merge/dedupe, policy evaluation, cache population,
// and sink publication for a single Validate call.
//
// The fan-out follows the same constructor-injected, linear-orchestration
// shape as elida's proxy.Proxy.ServeHTTP, generalized from a single HTTP
// round trip into a structured-concurrency fan-out over detectors; the
// deadline/cancellation propagation mirrors elida's failover controller's
// `select { case <-time.After(...): case <-ctx.Done(): }` idiom.
package pipeline

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"promptfirewall/internal/detector/regexdetector"
	"promptfirewall/internal/detector/semanticdetector"
	"promptfirewall/internal/model"
	"promptfirewall/internal/pfwerr"
	"promptfirewall/internal/policyengine"
	"promptfirewall/internal/policyprovider"
	"promptfirewall/internal/resultcache"
	"promptfirewall/internal/sink"
	"promptfirewall/internal/telemetry"
)

// DefaultDeadline is the per-request time budget propagated to every
// suspending subcall (spec §5).
const DefaultDeadline = 150 * time.Millisecond

// DefaultMaxBatchSize bounds ValidateBatch's input size (spec §6).
const DefaultMaxBatchSize = 100

// Request is the input to Validate (spec §6 Validate input shape).
type Request struct {
	Text     string
	UserID   string
	PolicyID string
	Context  map[string]string
}

// Pipeline is the DetectorPipeline: it wires together every collaborator
// the core consumes (spec §1 Out of scope list) behind one Validate
// entrypoint.
type Pipeline struct {
	policies  *policyprovider.Provider
	policy    *policyengine.Engine
	regex     *regexdetector.Detector
	semantic  *semanticdetector.Detector
	cache     *resultcache.Cache
	sink      sink.Sink
	telemetry *telemetry.Provider
	deadline  time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithDeadline overrides DefaultDeadline.
func WithDeadline(d time.Duration) Option { return func(p *Pipeline) { p.deadline = d } }

// WithSink installs a DetectionSink. Defaults to sink.NoopSink.
func WithSink(s sink.Sink) Option { return func(p *Pipeline) { p.sink = s } }

// WithTelemetry installs a telemetry.Provider. Defaults to a disabled
// (noop) provider.
func WithTelemetry(t *telemetry.Provider) Option { return func(p *Pipeline) { p.telemetry = t } }

// New builds a Pipeline from its required collaborators.
func New(
	policies *policyprovider.Provider,
	policyEngine *policyengine.Engine,
	regex *regexdetector.Detector,
	semantic *semanticdetector.Detector,
	cache *resultcache.Cache,
	opts ...Option,
) *Pipeline {
	p := &Pipeline{
		policies: policies,
		policy:   policyEngine,
		regex:    regex,
		semantic: semantic,
		cache:    cache,
		sink:     sink.NoopSink{},
		telemetry: telemetry.NoopProvider(),
		deadline: DefaultDeadline,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// detectorResult is one detector's contribution to the merged FindingSet.
type detectorResult struct {
	name     string
	findings []model.Finding
	degraded bool
}

// Validate implements the 9-step Validate contract (spec §4.5).
func (p *Pipeline) Validate(ctx context.Context, req Request) model.ValidationResult {
	start := time.Now()
	requestID := uuid.NewString()

	// Step 1: resolve policy.
	policy, err := p.policies.Get(req.PolicyID)
	if err != nil {
		return model.ValidationResult{
			RequestID: requestID,
			Verdict: model.Verdict{
				Status:  model.StatusError,
				Message: err.Error(),
			},
			PolicyID: req.PolicyID,
			Latency:  time.Since(start),
			Timestamp: time.Now(),
		}
	}

	ctx, span := p.telemetry.StartValidateSpan(ctx, requestID, policy.PolicyID)
	defer span.End()

	// Step 2: fingerprint.
	fingerprint := model.Fingerprint(policy.PolicyID, policy.Version, req.Text)

	// Step 3: cache lookup.
	if entry, ok := p.cache.Get(ctx, fingerprint); ok {
		result := model.ValidationResult{
			RequestID:         requestID,
			PromptFingerprint: fingerprint,
			Verdict:           entry.Verdict,
			PolicyID:          policy.PolicyID,
			PolicyVersion:     policy.Version,
			Latency:           time.Since(start),
			Cached:            true,
			Timestamp:         time.Now(),
		}
		p.telemetry.EndValidateSpan(span, string(result.Verdict.Status), len(result.Verdict.Findings), true, false, nil)
		p.publish(ctx, requestID, policy, fingerprint, req.UserID, result, nil)
		return result
	}

	// Steps 4-5: parallel detector fan-out under a shared deadline.
	deadlineCtx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()

	findings, degraded, truncated := p.fanOut(deadlineCtx, req, policy)

	// Step 6: policy evaluation.
	verdict := p.policy.Evaluate(policy, findings)

	// Risk ladder observation side channel (SPEC_FULL.md §4.3); never
	// affects the returned verdict.
	p.policy.Record(req.UserID, findings)

	// Step 7: cache if safe (best effort, enforced by Cache.Put itself).
	p.cache.Put(ctx, fingerprint, resultcache.Entry{
		Verdict:       verdict,
		PolicyID:      policy.PolicyID,
		PolicyVersion: policy.Version,
		RequestID:     requestID,
	})

	result := model.ValidationResult{
		RequestID:         requestID,
		PromptFingerprint: fingerprint,
		Verdict:           verdict,
		PolicyID:          policy.PolicyID,
		PolicyVersion:     policy.Version,
		Latency:           time.Since(start),
		Cached:            false,
		Timestamp:         time.Now(),
		DegradedDetectors: degraded,
		Truncated:         truncated,
	}

	p.telemetry.EndValidateSpan(span, string(verdict.Status), len(verdict.Findings), false, truncated, nil)

	// Step 8: publish to sink (best effort, non-blocking).
	p.publish(ctx, requestID, policy, fingerprint, req.UserID, result, degraded)

	// Step 9: return.
	return result
}

func (p *Pipeline) publish(ctx context.Context, requestID string, policy model.Policy, fingerprint, userID string, result model.ValidationResult, degraded []string) {
	rec := sink.Record{
		RequestID:         requestID,
		PolicyID:          policy.PolicyID,
		PolicyVersion:     policy.Version,
		PromptFingerprint: fingerprint,
		UserID:            userID,
		Verdict:           result.Verdict,
		Cached:            result.Cached,
		Truncated:         result.Truncated,
		DegradedDetectors: degraded,
	}
	if err := p.sink.Publish(ctx, rec); err != nil {
		slog.Warn("pipeline: sink publish failed", "request_id", requestID, "error", err)
	}
}

// fanOut runs the regex and semantic detectors concurrently, each bound
// by ctx's deadline. A detector that does not return before the deadline
// contributes no findings and is marked degraded; already-produced
// findings from the other detector are kept (spec §4.5 step 4, §5).
func (p *Pipeline) fanOut(ctx context.Context, req Request, policy model.Policy) (findings []model.Finding, degraded []string, truncated bool) {
	results := make(chan detectorResult, 2)

	go func() {
		_, span := p.telemetry.StartDetectorSpan(ctx, p.regex.Name())
		f := p.regex.Detect(req.Text, nil)
		p.telemetry.EndDetectorSpan(span, false, len(f))
		results <- detectorResult{name: p.regex.Name(), findings: f}
	}()

	go func() {
		dctx, span := p.telemetry.StartDetectorSpan(ctx, p.semantic.Name())
		f, deg := p.semantic.Detect(dctx, req.Text, policy.SemanticThreshold)
		p.telemetry.EndDetectorSpan(span, deg, len(f))
		results <- detectorResult{name: p.semantic.Name(), findings: f, degraded: deg}
	}()

	pending := map[string]bool{p.regex.Name(): true, p.semantic.Name(): true}
	for len(pending) > 0 {
		select {
		case r := <-results:
			delete(pending, r.name)
			findings = append(findings, r.findings...)
			if r.degraded {
				degraded = append(degraded, r.name)
			}
		case <-ctx.Done():
			// Remaining detectors missed the deadline; already-collected
			// findings are kept and the pipeline proceeds (spec §5).
			truncated = true
			for name := range pending {
				degraded = append(degraded, name)
			}
			findings = dedupe(findings)
			sortFindings(findings)
			return findings, dedupeStrings(degraded), truncated
		}
	}

	findings = dedupe(findings)
	sortFindings(findings)
	return findings, dedupeStrings(degraded), truncated
}

// dedupe removes findings that share (type, pattern_name, match_span),
// keeping the first occurrence (spec §4.5 step 5).
func dedupe(findings []model.Finding) []model.Finding {
	type key struct {
		typ     model.DetectorType
		pattern string
		start   int
		end     int
	}
	seen := make(map[key]bool, len(findings))
	out := make([]model.Finding, 0, len(findings))
	for _, f := range findings {
		span := model.Span{}
		if len(f.MatchSpans) > 0 {
			span = f.MatchSpans[0]
		}
		k := key{typ: f.Type, pattern: f.PatternName, start: span.Start, end: span.End}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, f)
	}
	return out
}

// sortFindings imposes a deterministic order on the merged FindingSet:
// by span start, then pattern name, then detector type.
func sortFindings(findings []model.Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		si, sj := model.Span{}, model.Span{}
		if len(findings[i].MatchSpans) > 0 {
			si = findings[i].MatchSpans[0]
		}
		if len(findings[j].MatchSpans) > 0 {
			sj = findings[j].MatchSpans[0]
		}
		if si.Start != sj.Start {
			return si.Start < sj.Start
		}
		if findings[i].PatternName != findings[j].PatternName {
			return findings[i].PatternName < findings[j].PatternName
		}
		return findings[i].Type < findings[j].Type
	})
}

func dedupeStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// ValidateBatch runs each request independently and in parallel under the
// same overall deadline, preserving input order; individual failures do
// not fail siblings (spec §4.5 Batch form).
func (p *Pipeline) ValidateBatch(ctx context.Context, reqs []Request) []model.ValidationResult {
	if len(reqs) > DefaultMaxBatchSize {
		reqs = reqs[:DefaultMaxBatchSize]
	}

	results := make([]model.ValidationResult, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					slog.Error("pipeline: validate panicked in batch", "index", i, "error", r)
					results[i] = model.ValidationResult{
						Verdict: model.Verdict{
							Status:  model.StatusError,
							Message: pfwerr.New(pfwerr.Internal, "panic during validation").Error(),
						},
						Timestamp: time.Now(),
					}
				}
			}()
			results[i] = p.Validate(ctx, req)
		}(i, req)
	}
	wg.Wait()
	return results
}
