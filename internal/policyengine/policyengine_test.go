package policyengine

import (
	"testing"
	"time"

	"promptfirewall/internal/model"
)

func blockRule(name string, categories []string) model.Rule {
	return model.Rule{
		Name:    name,
		Enabled: true,
		Match:   model.Match{Categories: categories},
		Action:  model.ActionBlock,
	}
}

func TestEvaluatePolicyDisabledAllowsRegardlessOfFindings(t *testing.T) {
	e := New()
	policy := model.Policy{PolicyID: "p1", Enabled: false}
	findings := []model.Finding{{Category: "pii", Severity: model.SeverityCritical}}

	v := e.Evaluate(policy, findings)
	if v.Status != model.StatusAllowed || !v.IsSafe {
		t.Fatalf("expected allowed verdict for disabled policy, got %+v", v)
	}
}

func TestEvaluateNoRulesNoFindingsIsSafe(t *testing.T) {
	e := New()
	policy := model.Policy{PolicyID: "p1", Enabled: true, DefaultAction: model.ActionAllow}

	v := e.Evaluate(policy, nil)
	if v.Status != model.StatusAllowed || v.Message != "Prompt is safe" {
		t.Fatalf("expected safe verdict, got %+v", v)
	}
}

func TestEvaluateBlockPrecedenceOverWarn(t *testing.T) {
	e := New()
	policy := model.Policy{
		PolicyID: "p1",
		Enabled:  true,
		Rules: []model.Rule{
			{Name: "warn-pii", Enabled: true, Match: model.Match{Categories: []string{"pii"}}, Action: model.ActionWarn, Index: 0},
			blockRule("block-api-keys", []string{"api_keys"}),
		},
		DefaultAction: model.ActionAllow,
	}
	findings := []model.Finding{
		{Category: "pii", PatternName: "us_ssn", Severity: model.SeverityHigh},
		{Category: "api_keys", PatternName: "openai_api_key", Severity: model.SeverityCritical},
	}

	v := e.Evaluate(policy, findings)
	if v.Status != model.StatusBlocked {
		t.Fatalf("expected blocked status, got %s", v.Status)
	}
	if v.MatchedRule != "block-api-keys" {
		t.Fatalf("expected block rule to win over warn rule, got %s", v.MatchedRule)
	}
}

func TestEvaluateDefaultActionFallbackWhenNoRuleMatches(t *testing.T) {
	e := New()
	policy := model.Policy{
		PolicyID:      "p1",
		Enabled:       true,
		Rules:         []model.Rule{blockRule("block-pii", []string{"pii"})},
		DefaultAction: model.ActionWarn,
	}
	findings := []model.Finding{{Category: "api_keys", PatternName: "jwt_token", Severity: model.SeverityMedium}}

	v := e.Evaluate(policy, findings)
	if v.Status != model.StatusWarned {
		t.Fatalf("expected default_action fallback to warn, got %s", v.Status)
	}
	if v.MatchedRule != "" {
		t.Fatalf("expected no matched_rule on default fallback, got %s", v.MatchedRule)
	}
}

func TestEvaluateMessageTemplates(t *testing.T) {
	e := New()

	blocked := e.Evaluate(model.Policy{
		PolicyID: "p1", Enabled: true,
		Rules: []model.Rule{blockRule("no-keys", []string{"api_keys"})},
	}, []model.Finding{{Category: "api_keys", PatternName: "aws_access_key", Severity: model.SeverityCritical}})
	if blocked.Message == "" || blocked.Status != model.StatusBlocked {
		t.Fatalf("expected non-empty blocked message, got %+v", blocked)
	}

	warned := e.Evaluate(model.Policy{
		PolicyID: "p1", Enabled: true,
		Rules: []model.Rule{{Name: "warn-pii", Enabled: true, Match: model.Match{Categories: []string{"pii"}}, Action: model.ActionWarn}},
	}, []model.Finding{{Category: "pii", PatternName: "email_address", Severity: model.SeverityLow}})
	if warned.Message != "Allowed with warnings" {
		t.Fatalf("expected warned message, got %q", warned.Message)
	}

	safe := e.Evaluate(model.Policy{PolicyID: "p1", Enabled: true, DefaultAction: model.ActionAllow}, nil)
	if safe.Message != "Prompt is safe" {
		t.Fatalf("expected safe message, got %q", safe.Message)
	}
}

func TestEvaluateAuditModeDowngradesStatusButKeepsFindings(t *testing.T) {
	e := New()
	policy := model.Policy{
		PolicyID: "p1",
		Enabled:  true,
		Mode:     "audit",
		Rules:    []model.Rule{blockRule("block-pii", []string{"pii"})},
	}
	findings := []model.Finding{{Category: "pii", PatternName: "us_ssn", Severity: model.SeverityHigh}}

	v := e.Evaluate(policy, findings)
	if v.Status != model.StatusWarned {
		t.Fatalf("expected block downgraded to warned in audit mode, got %s", v.Status)
	}
	if v.MatchedRule != "block-pii" {
		t.Fatalf("expected matched_rule preserved in audit mode, got %s", v.MatchedRule)
	}
	if len(v.Findings) != 1 {
		t.Fatalf("expected findings preserved in audit mode, got %d", len(v.Findings))
	}
}

func TestRiskLadderDisabledByDefault(t *testing.T) {
	e := New()
	action, rate := e.Record("user-1", []model.Finding{{Severity: model.SeverityCritical}})
	if action != ActionObserve || rate != 0 {
		t.Fatalf("expected observe/0 when risk ladder disabled, got %s/%d", action, rate)
	}
}

func TestRiskLadderAccumulatesAndEscalates(t *testing.T) {
	e := New()
	e.Configure(RiskLadderConfig{Enabled: true, Window: time.Hour})

	// Each call adds 10 (critical) points; thresholds: warn@5, throttle@15, block@30, terminate@50.
	var last string
	var lastRate int
	for i := 0; i < 5; i++ {
		last, lastRate = e.Record("user-1", []model.Finding{{Severity: model.SeverityCritical}})
	}
	if last != ActionTerminate {
		t.Fatalf("expected terminate action after 50 accumulated points, got %s", last)
	}
	_ = lastRate

	score, action, _ := e.RiskScore("user-1")
	if score != 50 {
		t.Fatalf("expected cumulative score 50, got %v", score)
	}
	if action != ActionTerminate {
		t.Fatalf("expected stored action terminate, got %s", action)
	}

	if !e.ShouldBlockByRisk("user-1") {
		t.Fatal("expected ShouldBlockByRisk true at terminate tier")
	}
}

func TestRiskLadderThrottleTierReportsRate(t *testing.T) {
	e := New()
	e.Configure(RiskLadderConfig{Enabled: true, Window: time.Hour})

	// Two critical findings (10 pts) = 20, crossing the throttle@15 threshold.
	e.Record("user-2", []model.Finding{{Severity: model.SeverityCritical}})
	action, rate := e.Record("user-2", []model.Finding{{Severity: model.SeverityCritical}})

	if action != ActionThrottle {
		t.Fatalf("expected throttle action, got %s", action)
	}
	if rate != 10 {
		t.Fatalf("expected throttle rate 10, got %d", rate)
	}

	throttled, throttledRate := e.ShouldThrottle("user-2")
	if !throttled || throttledRate != 10 {
		t.Fatalf("expected ShouldThrottle true/10, got %v/%d", throttled, throttledRate)
	}
}

func TestRiskLadderIsolatesUsers(t *testing.T) {
	e := New()
	e.Configure(RiskLadderConfig{Enabled: true, Window: time.Hour})

	e.Record("alice", []model.Finding{{Severity: model.SeverityCritical}})
	score, _, _ := e.RiskScore("bob")
	if score != 0 {
		t.Fatalf("expected bob unaffected by alice's findings, got %v", score)
	}
}
