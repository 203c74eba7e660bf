// Package sink implements DetectionSink, the append-only consumer of
// validation outcomes published by the pipeline (spec §4.5 step 8). Sink
// writes are best-effort: a sink failure never changes the verdict
// already returned to the caller.
package sink

import (
	"context"

	"promptfirewall/internal/model"
)

// Record is what the pipeline publishes for each completed Validate call.
type Record struct {
	RequestID         string
	PolicyID          string
	PolicyVersion     int64
	PromptFingerprint string
	UserID            string
	Verdict           model.Verdict
	Cached            bool
	Truncated         bool
	DegradedDetectors []string
}

// Sink consumes validation records for downstream persistence. Publish
// must not block the pipeline for long; implementations that need to do
// I/O should queue internally.
type Sink interface {
	Publish(ctx context.Context, rec Record) error
	Close() error
}

// NoopSink discards every record; used when no sink is configured.
type NoopSink struct{}

// Publish implements Sink.
func (NoopSink) Publish(context.Context, Record) error { return nil }

// Close implements Sink.
func (NoopSink) Close() error { return nil }
