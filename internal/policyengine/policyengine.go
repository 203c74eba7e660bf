// Package policyengine evaluates a FindingSet against a Policy and produces
// a Verdict (spec §4.3), and tracks an opt-in, per-user cumulative risk
// ladder (SPEC_FULL.md §4.3) adapted from the teacher's session-risk engine.
package policyengine

import (
	"fmt"
	"sync"
	"time"

	"promptfirewall/internal/model"
)

// Engine evaluates findings against a Policy.
type Engine struct {
	mu   sync.RWMutex
	risk riskLadder
}

// New builds an Engine. The risk ladder is disabled until Configure is
// called with RiskLadderConfig.Enabled = true.
func New() *Engine {
	return &Engine{risk: newRiskLadder(nil)}
}

// RiskLadderConfig configures the opt-in cumulative risk scoring side
// channel (SPEC_FULL.md §4.3).
type RiskLadderConfig struct {
	Enabled    bool
	Thresholds []RiskThreshold
	Window     time.Duration
}

// RiskThreshold maps a cumulative score to a ladder action.
type RiskThreshold struct {
	Score        float64
	Action       string // observe, warn, throttle, block, terminate
	ThrottleRate int
}

// Configure installs risk-ladder settings. Safe to call before first use;
// not safe to call concurrently with Evaluate (same snapshot-swap
// discipline as PatternProvider/PolicyProvider — callers reconfigure at
// startup or reload points, not mid-request).
func (e *Engine) Configure(cfg RiskLadderConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.risk = newRiskLadder(&cfg)
}

// Evaluate maps a FindingSet to a Verdict under policy (spec §4.3).
func (e *Engine) Evaluate(policy model.Policy, findings []model.Finding) model.Verdict {
	if !policy.Enabled {
		return model.Verdict{
			Status:   model.StatusAllowed,
			IsSafe:   true,
			Message:  "policy disabled",
			Findings: findings,
		}
	}

	var winningAction model.Action
	var winningRule string
	var winningFinding *model.Finding

	for _, rule := range policy.Rules {
		if !rule.Enabled {
			continue
		}
		match, mf := firstMatch(rule, findings)
		if !match {
			continue
		}
		if winningFinding == nil || rule.Action.Rank() > winningAction.Rank() {
			winningAction = rule.Action
			winningRule = rule.Name
			winningFinding = mf
		}
	}

	if winningFinding == nil {
		winningAction = policy.DefaultAction
		if winningAction == "" {
			winningAction = model.ActionAllow
		}
	}

	status := statusForAction(winningAction)
	message := buildMessage(status, winningAction, winningRule, winningFinding, findings)

	verdict := model.Verdict{
		Status:      status,
		IsSafe:      status == model.StatusAllowed,
		MatchedRule: winningRule,
		Message:     message,
		Findings:    findings,
	}

	if policy.IsAudit() {
		verdict = downgradeForAudit(verdict)
	}

	return verdict
}

// firstMatch reports whether any finding satisfies rule.Match, returning
// the first such finding (used for the verdict message).
func firstMatch(rule model.Rule, findings []model.Finding) (bool, *model.Finding) {
	for i := range findings {
		if rule.Match.Matches(findings[i]) {
			return true, &findings[i]
		}
	}
	return false, nil
}

func statusForAction(a model.Action) model.Status {
	switch a {
	case model.ActionBlock:
		return model.StatusBlocked
	case model.ActionWarn:
		return model.StatusWarned
	case model.ActionLog, model.ActionAllow:
		return model.StatusAllowed
	default:
		return model.StatusAllowed
	}
}

func buildMessage(status model.Status, action model.Action, ruleName string, mf *model.Finding, findings []model.Finding) string {
	switch status {
	case model.StatusBlocked:
		return fmt.Sprintf("Blocked by rule '%s': %s (%s)", ruleName, mf.PatternName, mf.Severity)
	case model.StatusWarned:
		return "Allowed with warnings"
	default: // allowed
		if len(findings) == 0 {
			return "Prompt is safe"
		}
		return "Allowed with warnings"
	}
}

// downgradeForAudit implements SPEC_FULL.md §4.3's audit-mode behavior:
// the verdict is computed exactly as in enforce mode, then the returned
// status is downgraded one step, leaving findings and matched_rule intact
// so operators can observe what a new rule would have done.
func downgradeForAudit(v model.Verdict) model.Verdict {
	switch v.Status {
	case model.StatusBlocked:
		v.Status = model.StatusWarned
	case model.StatusWarned:
		v.Status = model.StatusAllowed
	default:
		return v
	}
	v.IsSafe = v.Status == model.StatusAllowed
	v.Message += " (audit mode — not enforced)"
	return v
}
