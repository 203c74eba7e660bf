// Package policyprovider loads Policy definitions from YAML and serves
// them by policy_id behind an atomically-swapped snapshot (spec §3, §6),
// the same discipline patternstore.Provider uses for patterns.
package policyprovider

import (
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"promptfirewall/internal/model"
	"promptfirewall/internal/pfwerr"
)

// DefaultPolicyID is used when a request omits policy_id (spec §3).
const DefaultPolicyID = "default"

type matchFile struct {
	Categories []string `yaml:"categories"`
	MinSeverity string  `yaml:"min_severity"`
	Types      []string `yaml:"types"`
}

type ruleFile struct {
	Name    string    `yaml:"name"`
	Enabled *bool     `yaml:"enabled"`
	Match   matchFile `yaml:"match"`
	Action  string    `yaml:"action"`
}

type policyFile struct {
	PolicyID          string     `yaml:"policy_id"`
	Version           int64      `yaml:"version"`
	Enabled           *bool      `yaml:"enabled"`
	Mode              string     `yaml:"mode"`
	SemanticThreshold float64    `yaml:"semantic_threshold"`
	DefaultAction     string     `yaml:"default_action"`
	Rules             []ruleFile `yaml:"rules"`
}

// Provider serves Policy snapshots keyed by policy_id, swapped
// atomically on Reload so in-flight readers never observe a partial
// update (spec §5, Shared resources).
type Provider struct {
	snapshot atomic.Pointer[map[string]model.Policy]
}

// NewProvider builds a Provider from an initial set of policies.
func NewProvider(policies []model.Policy) *Provider {
	p := &Provider{}
	p.store(policies)
	return p
}

// NewProviderFromFiles loads one policy per YAML file path.
func NewProviderFromFiles(paths []string) (*Provider, error) {
	policies := make([]model.Policy, 0, len(paths))
	for _, path := range paths {
		pol, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		policies = append(policies, pol)
	}
	return NewProvider(policies), nil
}

func (p *Provider) store(policies []model.Policy) {
	m := make(map[string]model.Policy, len(policies))
	for _, pol := range policies {
		m[pol.PolicyID] = pol
	}
	p.snapshot.Store(&m)
}

// Reload atomically replaces the served policy set.
func (p *Provider) Reload(policies []model.Policy) {
	p.store(policies)
}

// Get returns the active policy for policyID, defaulting to
// DefaultPolicyID when policyID is empty.
func (p *Provider) Get(policyID string) (model.Policy, error) {
	if policyID == "" {
		policyID = DefaultPolicyID
	}
	m := p.snapshot.Load()
	if m == nil {
		return model.Policy{}, pfwerr.New(pfwerr.PolicyNotFound, fmt.Sprintf("policy %q not found", policyID))
	}
	pol, ok := (*m)[policyID]
	if !ok {
		return model.Policy{}, pfwerr.New(pfwerr.PolicyNotFound, fmt.Sprintf("policy %q not found", policyID))
	}
	return pol, nil
}

// LoadFile parses a single policy YAML file (spec §6 Policy file shape).
func LoadFile(path string) (model.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Policy{}, pfwerr.Wrap(pfwerr.PolicyMalformed, "read policy file", err)
	}
	return Parse(data)
}

// Parse decodes a policy YAML document into a model.Policy.
func Parse(data []byte) (model.Policy, error) {
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return model.Policy{}, pfwerr.Wrap(pfwerr.PolicyMalformed, "parse policy yaml", err)
	}
	if pf.PolicyID == "" {
		return model.Policy{}, pfwerr.New(pfwerr.PolicyMalformed, "policy file missing policy_id")
	}

	enabled := true
	if pf.Enabled != nil {
		enabled = *pf.Enabled
	}

	threshold := pf.SemanticThreshold
	if threshold == 0 {
		threshold = 0.85
	}

	defaultAction := model.Action(pf.DefaultAction)
	if defaultAction == "" {
		defaultAction = model.ActionAllow
	}

	rules := make([]model.Rule, 0, len(pf.Rules))
	for i, rf := range pf.Rules {
		ruleEnabled := true
		if rf.Enabled != nil {
			ruleEnabled = *rf.Enabled
		}
		rules = append(rules, model.Rule{
			Name:    rf.Name,
			Enabled: ruleEnabled,
			Match: model.Match{
				Categories:  rf.Match.Categories,
				MinSeverity: model.Severity(rf.Match.MinSeverity),
				Types:       rf.Match.Types,
			},
			Action: model.Action(rf.Action),
			Index:  i,
		})
	}

	return model.Policy{
		PolicyID:          pf.PolicyID,
		Version:           pf.Version,
		Enabled:           enabled,
		Mode:              pf.Mode,
		Rules:             rules,
		SemanticThreshold: threshold,
		DefaultAction:     defaultAction,
	}, nil
}

// DefaultPolicy is the baked-in fallback policy (spec §6 example),
// installed when no policy files are configured.
func DefaultPolicy() model.Policy {
	return model.Policy{
		PolicyID:          DefaultPolicyID,
		Version:           1,
		Enabled:           true,
		SemanticThreshold: 0.85,
		DefaultAction:     model.ActionAllow,
		Rules: []model.Rule{
			{
				Name:    "block_credentials",
				Enabled: true,
				Match: model.Match{
					Categories:  []string{"api_keys", "private_keys", "passwords"},
					MinSeverity: model.SeverityHigh,
				},
				Action: model.ActionBlock,
				Index:  0,
			},
			{
				Name:    "warn_pii",
				Enabled: true,
				Match: model.Match{
					Categories: []string{"pii"},
				},
				Action: model.ActionWarn,
				Index:  1,
			},
		},
	}
}

// DefaultProvider returns a Provider pre-seeded with DefaultPolicy.
func DefaultProvider() *Provider {
	return NewProvider([]model.Policy{DefaultPolicy()})
}
