package sink

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"promptfirewall/internal/model"
)

func TestNoopSinkDiscards(t *testing.T) {
	var s Sink = NoopSink{}
	if err := s.Publish(context.Background(), Record{RequestID: "r1"}); err != nil {
		t.Fatalf("expected no error from noop publish, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("expected no error from noop close, got %v", err)
	}
}

func TestSQLiteStorePublishAndStats(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sink.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("failed to open sink store: %v", err)
	}
	defer store.Close()

	rec := Record{
		RequestID:         "r1",
		PolicyID:          "default",
		PolicyVersion:     1,
		PromptFingerprint: "abc123",
		UserID:            "user-1",
		Verdict: model.Verdict{
			Status:  model.StatusBlocked,
			IsSafe:  false,
			Message: "Blocked by rule 'x'",
		},
	}
	if err := store.Publish(context.Background(), rec); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	// Give the async writer a moment to persist the record.
	deadline := time.Now().Add(2 * time.Second)
	var stats *Stats
	for time.Now().Before(deadline) {
		stats, err = store.GetStats(nil)
		if err != nil {
			t.Fatalf("get stats failed: %v", err)
		}
		if stats.TotalValidations > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if stats.TotalValidations != 1 {
		t.Fatalf("expected 1 validation recorded, got %d", stats.TotalValidations)
	}
	if stats.ByStatus["blocked"] != 1 {
		t.Fatalf("expected 1 blocked record, got %+v", stats.ByStatus)
	}
}
