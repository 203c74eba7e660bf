// Package patternstore compiles and serves the deterministic pattern set
// used by the regex detector: a PatternProvider that loads patterns from a
// YAML file, compiles and categorizes them, and publishes an immutable
// snapshot that is atomically swapped on reload (spec §3, §5, §9).
package patternstore

import (
	"fmt"
	"os"
	"regexp"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/coregx/coregex"

	"promptfirewall/internal/model"
	"promptfirewall/internal/pfwerr"
)

// Validator inspects a matched substring and reports whether it is a
// genuine instance of the pattern's category (e.g. a Luhn-valid card number).
type Validator func(match string) bool

// Pattern is a compiled, categorized deterministic detection rule.
type Pattern struct {
	Name         string
	Category     string
	Severity     model.Severity
	Description  string
	Regex        *regexp.Regexp
	// Prefilter is a fast reject-only check run before Regex; nil when the
	// pattern uses a feature coregex v1.0 cannot express (capture groups,
	// inline case-insensitivity).
	Prefilter    *coregex.Regex
	Validator    Validator
	ContextTerms []string
	Window       int // ± characters around a match a context term must occur within
}

// DefaultContextWindow is the ±N character window used when a pattern has
// context_terms and no explicit window override (spec §4.1).
const DefaultContextWindow = 64

// file is the on-disk YAML shape (spec §6 "Pattern file (YAML)").
type file struct {
	Patterns map[string][]patternDef `yaml:"patterns"`
}

type patternDef struct {
	Name         string   `yaml:"name"`
	Regex        string   `yaml:"regex"`
	Severity     string   `yaml:"severity"`
	Description  string   `yaml:"description"`
	Validator    string   `yaml:"validator"`
	ContextTerms []string `yaml:"context_terms"`
	Window       int      `yaml:"window"`
}

// Provider serves the currently active, compiled pattern set. Reload swaps
// the published snapshot atomically; callers that captured a snapshot at
// call entry continue to observe it for the duration of that call.
type Provider struct {
	snapshot atomic.Pointer[snapshotData]
}

type snapshotData struct {
	all        []*Pattern
	byCategory map[string][]*Pattern
}

// NewProvider builds a Provider from an initial compiled pattern set.
func NewProvider(patterns []*Pattern) *Provider {
	p := &Provider{}
	p.store(patterns)
	return p
}

func (p *Provider) store(patterns []*Pattern) {
	byCat := make(map[string][]*Pattern)
	for _, pat := range patterns {
		byCat[pat.Category] = append(byCat[pat.Category], pat)
	}
	p.snapshot.Store(&snapshotData{all: patterns, byCategory: byCat})
}

// All returns every enabled pattern in the currently active snapshot.
func (p *Provider) All() []*Pattern {
	return p.snapshot.Load().all
}

// ByCategory returns patterns restricted to the given categories. A nil or
// empty slice means "all categories".
func (p *Provider) ByCategory(categories []string) []*Pattern {
	snap := p.snapshot.Load()
	if len(categories) == 0 {
		return snap.all
	}
	var out []*Pattern
	for _, c := range categories {
		out = append(out, snap.byCategory[c]...)
	}
	return out
}

// LoadFile reads, parses, and compiles a pattern file, returning a ready
// Provider. A malformed pattern is a fatal load error — the whole set is
// refused — per spec §4.1 failure semantics.
func LoadFile(path string) (*Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pfwerr.Wrap(pfwerr.PatternLoadError, "reading pattern file", err)
	}
	patterns, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return NewProvider(patterns), nil
}

// Parse compiles a pattern file's YAML bytes into a flat, categorized slice.
func Parse(data []byte) ([]*Pattern, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, pfwerr.Wrap(pfwerr.PatternLoadError, "parsing pattern file", err)
	}

	var out []*Pattern
	for category, defs := range f.Patterns {
		for _, d := range defs {
			pat, err := compile(category, d)
			if err != nil {
				return nil, pfwerr.Wrap(pfwerr.PatternLoadError,
					fmt.Sprintf("pattern %q/%q", category, d.Name), err)
			}
			out = append(out, pat)
		}
	}
	return out, nil
}

func compile(category string, d patternDef) (*Pattern, error) {
	if d.Name == "" {
		return nil, fmt.Errorf("pattern missing name")
	}
	re, err := regexp.Compile(d.Regex)
	if err != nil {
		return nil, fmt.Errorf("invalid regex %q: %w", d.Regex, err)
	}

	sev := model.Severity(d.Severity)
	if sev == "" {
		sev = model.SeverityMedium
	}

	window := d.Window
	if window <= 0 {
		window = DefaultContextWindow
	}

	pat := &Pattern{
		Name:         d.Name,
		Category:     category,
		Severity:     sev,
		Description:  d.Description,
		Regex:        re,
		Validator:    lookupValidator(d.Validator),
		ContextTerms: d.ContextTerms,
		Window:       window,
	}

	// Try to build a coregex prefilter; coregex v1.0 lacks capture groups
	// and inline flags, so a compile failure there just means "no
	// prefilter", not a load error (spec does not require this fast path).
	if pre, err := coregex.Compile(d.Regex); err == nil {
		pat.Prefilter = pre
	}

	return pat, nil
}

func lookupValidator(name string) Validator {
	switch name {
	case "", "none":
		return nil
	case "luhn":
		return LuhnValidator
	case "ssh_key":
		return SSHKeyValidator
	default:
		return nil
	}
}
