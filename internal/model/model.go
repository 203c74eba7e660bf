// Package model defines the core data types shared across the detection and
// decision pipeline: prompts, findings, patterns, policies, and verdicts.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// DetectorType identifies which layer produced a Finding.
type DetectorType string

const (
	DetectorRegex      DetectorType = "regex"
	DetectorSemantic   DetectorType = "semantic"
	DetectorPolicy     DetectorType = "policy"
	DetectorContextual DetectorType = "contextual"
)

// Severity is an ordered classification of how dangerous a Finding is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank gives Severity a total order for comparisons; higher is worse.
var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:      3,
	SeverityCritical: 4,
}

// Rank returns the severity's position in the total order, -1 if unknown.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether s is equal to or more severe than other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// Span is a half-open [Start, End) byte offset range into Prompt.Text.
type Span struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

// Prompt is the transient input to a single Validate call.
type Prompt struct {
	Text     string            `json:"text"`
	UserID   string            `json:"user_id,omitempty"`
	PolicyID string            `json:"policy_id,omitempty"`
	Context  map[string]string `json:"context,omitempty"`
}

// NormalizedPolicyID returns the prompt's policy id, defaulting to "default".
func (p Prompt) NormalizedPolicyID() string {
	if p.PolicyID == "" {
		return "default"
	}
	return p.PolicyID
}

// Finding is a single detection event produced by one detector.
type Finding struct {
	ID          string            `json:"id"`
	Type        DetectorType      `json:"detection_type"`
	PatternName string            `json:"matched_pattern"`
	Category    string            `json:"category"`
	Severity    Severity          `json:"severity"`
	Confidence  float64           `json:"confidence_score"`
	MatchSpans  []Span            `json:"match_positions"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Action is what a matching Rule (or a Policy's default_action) prescribes.
type Action string

const (
	ActionAllow Action = "allow"
	ActionWarn  Action = "warn"
	ActionBlock Action = "block"
	ActionLog   Action = "log"
)

// actionRank gives Action a total order for precedence resolution (§4.3):
// block > warn > log > allow.
var actionRank = map[Action]int{
	ActionAllow: 0,
	ActionLog:   1,
	ActionWarn:  2,
	ActionBlock: 3,
}

// Rank returns the action's precedence; higher wins.
func (a Action) Rank() int { return actionRank[a] }

// Status is the terminal classification of a ValidationResult.
type Status string

const (
	StatusAllowed Status = "allowed"
	StatusBlocked Status = "blocked"
	StatusWarned  Status = "warned"
	StatusError   Status = "error"
)

// Match describes the predicate a Rule applies to a Finding (§3, §9 —
// "tagged structures" instead of a general predicate object).
type Match struct {
	Categories  []string          `yaml:"categories,omitempty" json:"categories,omitempty"`
	MinSeverity Severity          `yaml:"min_severity,omitempty" json:"min_severity,omitempty"`
	Types       []DetectorType    `yaml:"types,omitempty" json:"types,omitempty"`
}

// Matches reports whether f satisfies m. An empty field is unconstrained.
func (m Match) Matches(f Finding) bool {
	if len(m.Categories) > 0 && !containsStr(m.Categories, f.Category) {
		return false
	}
	if m.MinSeverity != "" && !f.Severity.AtLeast(m.MinSeverity) {
		return false
	}
	if len(m.Types) > 0 && !containsType(m.Types, f.Type) {
		return false
	}
	return true
}

func containsStr(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsType(set []DetectorType, v DetectorType) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Rule is one entry of a Policy's ordered rule list.
type Rule struct {
	Name    string `yaml:"name" json:"name"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Match   Match  `yaml:"match" json:"match"`
	Action  Action `yaml:"action" json:"action"`
	Index   int    `yaml:"-" json:"index"`
}

// Policy is a versioned, named set of rules governing how findings map to a
// verdict.
type Policy struct {
	PolicyID          string   `yaml:"policy_id" json:"policy_id"`
	Version           int64    `yaml:"version" json:"version"`
	Enabled           bool     `yaml:"enabled" json:"enabled"`
	Mode              string   `yaml:"mode" json:"mode"` // "enforce" (default) or "audit"
	Rules             []Rule   `yaml:"rules" json:"rules"`
	SemanticThreshold float64  `yaml:"semantic_threshold" json:"semantic_threshold"`
	DefaultAction     Action   `yaml:"default_action" json:"default_action"`
}

// IsAudit reports whether the policy runs in dry-run (audit) mode.
func (p Policy) IsAudit() bool { return p.Mode == "audit" }

// Verdict is the final decision for one Prompt.
type Verdict struct {
	Status      Status    `json:"status"`
	IsSafe      bool      `json:"is_safe"`
	MatchedRule string    `json:"matched_rule,omitempty"`
	Message     string    `json:"message"`
	Findings    []Finding `json:"findings"`
}

// ValidationResult is the full output of a single Validate call.
type ValidationResult struct {
	RequestID        string        `json:"request_id"`
	PromptFingerprint string       `json:"prompt_fingerprint"`
	Verdict          Verdict       `json:"verdict"`
	PolicyID         string        `json:"policy_id"`
	PolicyVersion    int64         `json:"policy_version"`
	Latency          time.Duration `json:"latency"`
	Cached           bool          `json:"cached"`
	Timestamp        time.Time     `json:"timestamp"`
	DegradedDetectors []string     `json:"degraded_detectors,omitempty"`
	Truncated        bool          `json:"truncated,omitempty"`
}

// Fingerprint computes SHA-256(policy_id || 0x00 || policy_version || 0x00 ||
// text) as lowercase hex (§3). It changes whenever the policy version
// changes, so policy edits can never serve stale cached verdicts.
func Fingerprint(policyID string, policyVersion int64, text string) string {
	h := sha256.New()
	h.Write([]byte(policyID))
	h.Write([]byte{0})
	h.Write([]byte(formatInt(policyVersion)))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

func formatInt(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// IsSafeResult reports whether v is eligible for caching: status allowed and
// no findings at all (§4.4 safety invariant).
func (v Verdict) IsSafeResult() bool {
	return v.Status == StatusAllowed && len(v.Findings) == 0
}
