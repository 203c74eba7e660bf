package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSettingsStoreGetDefaults(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSettingsStore(dir)
	if err != nil {
		t.Fatalf("failed to create settings store: %v", err)
	}

	defaults := store.GetDefaults()

	if defaults.Policy.Mode == nil || *defaults.Policy.Mode != "enforce" {
		t.Error("expected policy.mode to be 'enforce' by default")
	}
	if defaults.Policy.RiskLadder == nil {
		t.Fatal("expected risk_ladder to be configured by default")
	}
	if defaults.Policy.RiskLadder.WarnScore == nil || *defaults.Policy.RiskLadder.WarnScore != 5 {
		t.Error("expected risk_ladder.warn_score to be 5 by default")
	}
	if defaults.Cache.L1Size == nil || *defaults.Cache.L1Size != DefaultL1Size {
		t.Error("expected cache.l1_size to default to DefaultL1Size")
	}
}

func TestSettingsStoreSaveAndLoadLocal(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSettingsStore(dir)
	if err != nil {
		t.Fatalf("failed to create settings store: %v", err)
	}

	audit := "audit"
	local := Settings{Policy: PolicySettings{Mode: &audit}}

	if err := store.SaveLocal(local); err != nil {
		t.Fatalf("failed to save local settings: %v", err)
	}

	settingsPath := filepath.Join(dir, "settings.json")
	if _, statErr := os.Stat(settingsPath); os.IsNotExist(statErr) {
		t.Error("settings.json file was not created")
	}

	store2, err := NewSettingsStore(dir)
	if err != nil {
		t.Fatalf("failed to create second settings store: %v", err)
	}

	loaded := store2.GetLocal()
	if loaded.Policy.Mode == nil || *loaded.Policy.Mode != "audit" {
		t.Error("failed to load saved policy.mode")
	}
}

func TestSettingsStoreGetMerged(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSettingsStore(dir)
	if err != nil {
		t.Fatalf("failed to create settings store: %v", err)
	}

	audit := "audit"
	local := Settings{Policy: PolicySettings{Mode: &audit}}
	if err := store.SaveLocal(local); err != nil {
		t.Fatalf("failed to save local settings: %v", err)
	}

	merged := store.GetMerged()

	if merged.Policy.Mode == nil || *merged.Policy.Mode != "audit" {
		t.Error("merged mode should be 'audit' from local")
	}
	if merged.Policy.RiskLadder == nil || *merged.Policy.RiskLadder.WarnScore != 5 {
		t.Error("merged risk_ladder should come from defaults when not overridden")
	}
}

func TestSettingsStoreResetToDefault(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSettingsStore(dir)
	if err != nil {
		t.Fatalf("failed to create settings store: %v", err)
	}

	audit := "audit"
	local := Settings{Policy: PolicySettings{Mode: &audit}}
	if err := store.SaveLocal(local); err != nil {
		t.Fatalf("failed to save local settings: %v", err)
	}

	if store.GetLocal().Policy.Mode == nil {
		t.Error("local settings should be set")
	}

	if err := store.ResetToDefault(); err != nil {
		t.Fatalf("failed to reset settings: %v", err)
	}

	if store.GetLocal().Policy.Mode != nil {
		t.Error("local settings should be cleared after reset")
	}

	settingsPath := filepath.Join(dir, "settings.json")
	if _, err := os.Stat(settingsPath); !os.IsNotExist(err) {
		t.Error("settings.json should be removed after reset")
	}
}

func TestSettingsStoreGetDiff(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSettingsStore(dir)
	if err != nil {
		t.Fatalf("failed to create settings store: %v", err)
	}

	if diff := store.GetDiff(); len(diff) != 0 {
		t.Errorf("expected no diff without local settings, got %d", len(diff))
	}

	audit := "audit"
	throttle := 20
	local := Settings{
		Policy: PolicySettings{
			Mode:       &audit,
			RiskLadder: &RiskLadderSettings{ThrottleScore: &throttle},
		},
	}
	if err := store.SaveLocal(local); err != nil {
		t.Fatalf("failed to save local settings: %v", err)
	}

	diff := store.GetDiff()
	if len(diff) != 2 {
		t.Errorf("expected 2 diffs, got %d: %+v", len(diff), diff)
	}
	if d, ok := diff["policy.mode"]; ok {
		if d.DefaultValue != "enforce" || d.LocalValue != "audit" {
			t.Errorf("unexpected policy.mode diff: %+v", d)
		}
	} else {
		t.Error("expected policy.mode in diff")
	}
}

func TestSettingsStoreMergeRiskLadder(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSettingsStore(dir)
	if err != nil {
		t.Fatalf("failed to create settings store: %v", err)
	}

	newWarn := 10
	local := Settings{
		Policy: PolicySettings{RiskLadder: &RiskLadderSettings{WarnScore: &newWarn}},
	}
	if err := store.SaveLocal(local); err != nil {
		t.Fatalf("failed to save local settings: %v", err)
	}

	merged := store.GetMerged()
	rl := merged.Policy.RiskLadder

	if rl.WarnScore == nil || *rl.WarnScore != 10 {
		t.Errorf("warn_score should be 10 from local, got %v", rl.WarnScore)
	}
	if rl.ThrottleScore == nil || *rl.ThrottleScore != 15 {
		t.Errorf("throttle_score should be 15 from defaults, got %v", rl.ThrottleScore)
	}
	if rl.BlockScore == nil || *rl.BlockScore != 30 {
		t.Errorf("block_score should be 30 from defaults, got %v", rl.BlockScore)
	}
}
