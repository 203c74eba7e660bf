package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Settings represents runtime-tunable settings that can be changed without
// a restart, layered over the static Config loaded by Load. Adapted from
// the teacher's SettingsStore (defaults + local-override JSON file).
type Settings struct {
	Policy PolicySettings `json:"policy"`
	Cache  CacheSettings  `json:"cache"`
}

// PolicySettings holds policy-engine-related runtime settings.
type PolicySettings struct {
	Mode          *string             `json:"mode,omitempty"` // "enforce" or "audit"
	RiskLadder    *RiskLadderSettings `json:"risk_ladder,omitempty"`
	DisabledRules []string            `json:"disabled_rules,omitempty"`
}

// RiskLadderSettings holds the risk ladder's cumulative-score thresholds.
type RiskLadderSettings struct {
	Enabled        *bool `json:"enabled,omitempty"`
	WarnScore      *int  `json:"warn_score,omitempty"`
	ThrottleScore  *int  `json:"throttle_score,omitempty"`
	BlockScore     *int  `json:"block_score,omitempty"`
	TerminateScore *int  `json:"terminate_score,omitempty"`
}

// CacheSettings holds runtime-tunable result cache sizing.
type CacheSettings struct {
	L1Size *int `json:"l1_size,omitempty"`
}

// SettingsStore manages Settings with layered configuration: built-in
// defaults overridden by a local JSON file.
type SettingsStore struct {
	mu       sync.RWMutex
	defaults Settings
	local    Settings
	path     string
}

// NewSettingsStore creates a new settings store rooted at dataDir.
func NewSettingsStore(dataDir string) (*SettingsStore, error) {
	store := &SettingsStore{
		defaults: getDefaultSettings(),
		path:     filepath.Join(dataDir, "settings.json"),
	}

	if err := store.loadLocal(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load local settings: %w", err)
		}
	}

	return store, nil
}

// getDefaultSettings returns the firewall's built-in defaults.
func getDefaultSettings() Settings {
	enabled := true
	enforce := "enforce"

	warnScore := 5
	throttleScore := 15
	blockScore := 30
	terminateScore := 50

	l1Size := DefaultL1Size

	return Settings{
		Policy: PolicySettings{
			Mode: &enforce,
			RiskLadder: &RiskLadderSettings{
				Enabled:        &enabled,
				WarnScore:      &warnScore,
				ThrottleScore:  &throttleScore,
				BlockScore:     &blockScore,
				TerminateScore: &terminateScore,
			},
			DisabledRules: []string{},
		},
		Cache: CacheSettings{
			L1Size: &l1Size,
		},
	}
}

// DefaultL1Size mirrors resultcache.DefaultL1Size without importing that
// package (config sits below resultcache in the dependency graph).
const DefaultL1Size = 1000

// GetDefaults returns the built-in default settings (read-only).
func (s *SettingsStore) GetDefaults() Settings {
	return s.defaults
}

// GetLocal returns only the user's customizations.
func (s *SettingsStore) GetLocal() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.local
}

// GetMerged returns settings with local overriding defaults.
func (s *SettingsStore) GetMerged() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return mergeSettings(s.defaults, s.local)
}

// SaveLocal saves user customizations to disk.
func (s *SettingsStore) SaveLocal(settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.local = settings

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}

	return nil
}

// ResetToDefault removes all local customizations.
func (s *SettingsStore) ResetToDefault() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.local = Settings{}

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove settings file: %w", err)
	}

	return nil
}

func (s *SettingsStore) loadLocal() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, &s.local); err != nil {
		return fmt.Errorf("failed to parse settings file: %w", err)
	}

	return nil
}

// GetDiff returns which settings differ from defaults.
func (s *SettingsStore) GetDiff() map[string]SettingDiff {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return diffSettings(s.defaults, s.local)
}

// SettingDiff represents a single difference from default.
type SettingDiff struct {
	Path         string `json:"path"`
	DefaultValue any    `json:"default_value"`
	LocalValue   any    `json:"local_value"`
}

func diffSettings(defaults, local Settings) map[string]SettingDiff {
	diffs := make(map[string]SettingDiff)

	if local.Policy.Mode != nil && defaults.Policy.Mode != nil && *local.Policy.Mode != *defaults.Policy.Mode {
		diffs["policy.mode"] = SettingDiff{
			Path:         "policy.mode",
			DefaultValue: *defaults.Policy.Mode,
			LocalValue:   *local.Policy.Mode,
		}
	}

	if local.Policy.RiskLadder != nil && defaults.Policy.RiskLadder != nil {
		lr, dr := local.Policy.RiskLadder, defaults.Policy.RiskLadder
		if lr.WarnScore != nil && *lr.WarnScore != *dr.WarnScore {
			diffs["policy.risk_ladder.warn_score"] = SettingDiff{
				Path: "policy.risk_ladder.warn_score", DefaultValue: *dr.WarnScore, LocalValue: *lr.WarnScore,
			}
		}
		if lr.ThrottleScore != nil && *lr.ThrottleScore != *dr.ThrottleScore {
			diffs["policy.risk_ladder.throttle_score"] = SettingDiff{
				Path: "policy.risk_ladder.throttle_score", DefaultValue: *dr.ThrottleScore, LocalValue: *lr.ThrottleScore,
			}
		}
		if lr.BlockScore != nil && *lr.BlockScore != *dr.BlockScore {
			diffs["policy.risk_ladder.block_score"] = SettingDiff{
				Path: "policy.risk_ladder.block_score", DefaultValue: *dr.BlockScore, LocalValue: *lr.BlockScore,
			}
		}
		if lr.TerminateScore != nil && *lr.TerminateScore != *dr.TerminateScore {
			diffs["policy.risk_ladder.terminate_score"] = SettingDiff{
				Path: "policy.risk_ladder.terminate_score", DefaultValue: *dr.TerminateScore, LocalValue: *lr.TerminateScore,
			}
		}
	}

	if local.Cache.L1Size != nil && defaults.Cache.L1Size != nil && *local.Cache.L1Size != *defaults.Cache.L1Size {
		diffs["cache.l1_size"] = SettingDiff{
			Path:         "cache.l1_size",
			DefaultValue: *defaults.Cache.L1Size,
			LocalValue:   *local.Cache.L1Size,
		}
	}

	return diffs
}

func mergeSettings(defaults, local Settings) Settings {
	merged := defaults

	if local.Policy.Mode != nil {
		merged.Policy.Mode = local.Policy.Mode
	}
	if len(local.Policy.DisabledRules) > 0 {
		merged.Policy.DisabledRules = local.Policy.DisabledRules
	}
	if local.Policy.RiskLadder != nil {
		if merged.Policy.RiskLadder == nil {
			merged.Policy.RiskLadder = &RiskLadderSettings{}
		}
		lr := local.Policy.RiskLadder
		if lr.Enabled != nil {
			merged.Policy.RiskLadder.Enabled = lr.Enabled
		}
		if lr.WarnScore != nil {
			merged.Policy.RiskLadder.WarnScore = lr.WarnScore
		}
		if lr.ThrottleScore != nil {
			merged.Policy.RiskLadder.ThrottleScore = lr.ThrottleScore
		}
		if lr.BlockScore != nil {
			merged.Policy.RiskLadder.BlockScore = lr.BlockScore
		}
		if lr.TerminateScore != nil {
			merged.Policy.RiskLadder.TerminateScore = lr.TerminateScore
		}
	}

	if local.Cache.L1Size != nil {
		merged.Cache.L1Size = local.Cache.L1Size
	}

	return merged
}
