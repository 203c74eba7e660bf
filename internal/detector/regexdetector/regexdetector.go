// Package regexdetector implements the deterministic pattern-matching layer
// of the detection pipeline (spec §4.1): it scans a prompt against every
// enabled pattern, applies content-aware validators and context-term
// windowing, and resolves same-category overlaps.
package regexdetector

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"promptfirewall/internal/model"
	"promptfirewall/internal/patternstore"
)

// DefaultMaxFindings bounds the aggregate number of findings a single scan
// will emit, giving the detector an early-exit complexity guarantee
// (spec §4.1: "O(n·k) ... with an early exit if an aggregate max finding
// count (default 64) is reached").
const DefaultMaxFindings = 64

// Detector is the deterministic regex-pattern detection layer.
type Detector struct {
	provider    *patternstore.Provider
	maxFindings int
}

// Option configures a Detector.
type Option func(*Detector)

// WithMaxFindings overrides DefaultMaxFindings.
func WithMaxFindings(n int) Option {
	return func(d *Detector) { d.maxFindings = n }
}

// New builds a Detector over the given pattern provider.
func New(provider *patternstore.Provider, opts ...Option) *Detector {
	d := &Detector{provider: provider, maxFindings: DefaultMaxFindings}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name identifies this detector for degraded-detector reporting.
func (d *Detector) Name() string { return "regex" }

// Detect scans text against the active pattern set, optionally restricted
// to the given categories. It never returns an error: a malformed pattern
// was already rejected at load time (spec §4.1), and a runtime panic from a
// single pattern's match is recovered and that pattern is skipped, with the
// remainder of the scan continuing (spec §4.1 failure semantics).
func (d *Detector) Detect(text string, categories []string) []model.Finding {
	patterns := d.provider.ByCategory(categories)

	var findings []model.Finding
	for _, pat := range patterns {
		if len(findings) >= d.maxFindings {
			break
		}
		matched := scanPattern(pat, text)
		findings = append(findings, matched...)
	}

	findings = resolveOverlaps(findings)
	if len(findings) > d.maxFindings {
		findings = findings[:d.maxFindings]
	}
	return findings
}

// scanPattern finds all validated, context-confirmed matches for one
// pattern, recovering from any runtime panic in a single pattern's matcher.
func scanPattern(pat *patternstore.Pattern, text string) (out []model.Finding) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("regex pattern match panicked, skipping pattern",
				"pattern", pat.Name, "category", pat.Category, "error", r)
			out = nil
		}
	}()

	if pat.Prefilter != nil && !pat.Prefilter.MatchString(text) {
		return nil
	}

	indices := pat.Regex.FindAllStringIndex(text, -1)
	for _, span := range indices {
		start, end := span[0], span[1]
		substr := text[start:end]

		if pat.Validator != nil && !pat.Validator(substr) {
			continue
		}
		if len(pat.ContextTerms) > 0 && !hasContextTerm(text, start, end, pat.ContextTerms, pat.Window) {
			continue
		}

		out = append(out, model.Finding{
			ID:          uuid.NewString(),
			Type:        model.DetectorRegex,
			PatternName: pat.Name,
			Category:    pat.Category,
			Severity:    pat.Severity,
			Confidence:  1.0,
			MatchSpans:  []model.Span{{Start: start, End: end}},
		})
	}
	return out
}

// hasContextTerm reports whether any of terms occurs within ±window
// characters of [start, end) in text (spec §4.1 step 2).
func hasContextTerm(text string, start, end int, terms []string, window int) bool {
	lo := start - window
	if lo < 0 {
		lo = 0
	}
	hi := end + window
	if hi > len(text) {
		hi = len(text)
	}
	around := strings.ToLower(text[lo:hi])
	for _, term := range terms {
		if strings.Contains(around, strings.ToLower(term)) {
			return true
		}
	}
	return false
}

// resolveOverlaps applies spec §4.1's overlap policy: findings from
// different categories that overlap are all kept; findings within the same
// category at an identical span are reduced to the single highest-severity
// one, ties broken by pattern name ascending.
func resolveOverlaps(findings []model.Finding) []model.Finding {
	type key struct {
		category   string
		start, end int
	}
	best := make(map[key]model.Finding)
	order := make(map[key]int)
	idx := 0

	for _, f := range findings {
		span := f.MatchSpans[0]
		k := key{category: f.Category, start: span.Start, end: span.End}
		existing, ok := best[k]
		if !ok {
			best[k] = f
			order[k] = idx
			idx++
			continue
		}
		if f.Severity.Rank() > existing.Severity.Rank() ||
			(f.Severity.Rank() == existing.Severity.Rank() && f.PatternName < existing.PatternName) {
			best[k] = f
		}
	}

	out := make([]model.Finding, 0, len(best))
	for k, f := range best {
		_ = order[k]
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := out[i].MatchSpans[0], out[j].MatchSpans[0]
		if si.Start != sj.Start {
			return si.Start < sj.Start
		}
		return out[i].PatternName < out[j].PatternName
	})
	return out
}
