package policyengine

import (
	"sync"
	"time"

	"promptfirewall/internal/model"
)

// severityWeight mirrors the teacher's SeverityWeights: risk score
// multipliers per finding severity (SPEC_FULL.md §4.3).
var severityWeight = map[model.Severity]float64{
	model.SeverityInfo:     1,
	model.SeverityLow:      2,
	model.SeverityMedium:   3,
	model.SeverityHigh:     6,
	model.SeverityCritical: 10,
}

const (
	ActionObserve   = "observe"
	ActionWarn      = "warn"
	ActionThrottle  = "throttle"
	ActionBlock     = "block"
	ActionTerminate = "terminate"
)

func defaultThresholds() []RiskThreshold {
	return []RiskThreshold{
		{Score: 5, Action: ActionWarn},
		{Score: 15, Action: ActionThrottle, ThrottleRate: 10},
		{Score: 30, Action: ActionBlock},
		{Score: 50, Action: ActionTerminate},
	}
}

// userRisk tracks one user's cumulative score and the events that produced
// it, so entries older than the configured window can be dropped.
type userRisk struct {
	score  float64
	action string
	rate   int
	events []scoredEvent
}

type scoredEvent struct {
	at    time.Time
	score float64
}

// riskLadder implements SPEC_FULL.md §4.3's cumulative, per-user scoring
// side channel. It is consulted by the pipeline/control layer, never by
// PolicyEngine.Evaluate itself — Validate's contract is unaffected.
type riskLadder struct {
	mu         sync.Mutex
	enabled    bool
	thresholds []RiskThreshold
	window     time.Duration
	users      map[string]*userRisk
}

func newRiskLadder(cfg *RiskLadderConfig) riskLadder {
	rl := riskLadder{users: make(map[string]*userRisk)}
	if cfg == nil {
		return rl
	}
	rl.enabled = cfg.Enabled
	rl.thresholds = cfg.Thresholds
	if rl.enabled && len(rl.thresholds) == 0 {
		rl.thresholds = defaultThresholds()
	}
	rl.window = cfg.Window
	if rl.window <= 0 {
		rl.window = time.Hour
	}
	return rl
}

// Record scores a completed validation's findings against userID's running
// total and returns the resulting action and throttle rate.
func (e *Engine) Record(userID string, findings []model.Finding) (action string, throttleRate int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.risk.enabled || userID == "" {
		return ActionObserve, 0
	}

	now := time.Now()
	u, ok := e.risk.users[userID]
	if !ok {
		u = &userRisk{action: ActionObserve}
		e.risk.users[userID] = u
	}

	var delta float64
	for _, f := range findings {
		w := severityWeight[f.Severity]
		if w == 0 {
			w = 1
		}
		delta += w
	}
	if delta > 0 {
		u.events = append(u.events, scoredEvent{at: now, score: delta})
	}

	cutoff := now.Add(-e.risk.window)
	kept := u.events[:0]
	var total float64
	for _, ev := range u.events {
		if ev.at.Before(cutoff) {
			continue
		}
		kept = append(kept, ev)
		total += ev.score
	}
	u.events = kept
	u.score = total

	u.action, u.rate = e.risk.determineAction(total)
	return u.action, u.rate
}

func (rl *riskLadder) determineAction(score float64) (string, int) {
	action := ActionObserve
	rate := 0
	for _, t := range rl.thresholds {
		if score >= t.Score {
			action = t.Action
			if t.Action == ActionThrottle {
				rate = t.ThrottleRate
			} else {
				rate = 0
			}
		}
	}
	return action, rate
}

// RiskScore returns the current cumulative score and action for a user.
func (e *Engine) RiskScore(userID string) (score float64, action string, throttleRate int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	u, ok := e.risk.users[userID]
	if !ok {
		return 0, ActionObserve, 0
	}
	return u.score, u.action, u.rate
}

// ShouldThrottle reports whether userID's current ladder action is throttle.
func (e *Engine) ShouldThrottle(userID string) (bool, int) {
	_, action, rate := e.RiskScore(userID)
	return action == ActionThrottle, rate
}

// ShouldBlockByRisk reports whether userID's ladder action is block or
// terminate.
func (e *Engine) ShouldBlockByRisk(userID string) bool {
	_, action, _ := e.RiskScore(userID)
	return action == ActionBlock || action == ActionTerminate
}

// IsRiskLadderEnabled reports whether risk scoring is active.
func (e *Engine) IsRiskLadderEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.risk.enabled
}
