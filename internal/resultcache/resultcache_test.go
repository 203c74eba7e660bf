package resultcache

import (
	"context"
	"testing"
	"time"

	"promptfirewall/internal/model"
)

func safeEntry(policyID string, version int64) Entry {
	return Entry{
		Verdict:       model.Verdict{Status: model.StatusAllowed, IsSafe: true, Message: "Prompt is safe"},
		PolicyID:      policyID,
		PolicyVersion: version,
	}
}

func TestPutRejectsUnsafeVerdicts(t *testing.T) {
	c := New(10)
	ctx := context.Background()

	blocked := Entry{Verdict: model.Verdict{Status: model.StatusBlocked, IsSafe: false}}
	c.Put(ctx, "fp-blocked", blocked)
	if _, ok := c.Get(ctx, "fp-blocked"); ok {
		t.Fatal("expected blocked verdict not to be cached")
	}

	withFindings := Entry{Verdict: model.Verdict{
		Status: model.StatusAllowed, IsSafe: true,
		Findings: []model.Finding{{Category: "pii"}},
	}}
	c.Put(ctx, "fp-findings", withFindings)
	if _, ok := c.Get(ctx, "fp-findings"); ok {
		t.Fatal("expected allowed-with-findings verdict not to be cached")
	}

	if c.Stats().Rejections != 2 {
		t.Fatalf("expected 2 rejections, got %d", c.Stats().Rejections)
	}
}

func TestPutAndGetRoundTrip(t *testing.T) {
	c := New(10)
	ctx := context.Background()
	e := safeEntry("p1", 1)

	c.Put(ctx, "fp1", e)
	got, ok := c.Get(ctx, "fp1")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.PolicyID != "p1" || !got.Verdict.IsSafe {
		t.Fatalf("unexpected entry: %+v", got)
	}
	if c.Stats().Hits != 1 || c.Stats().Stores != 1 {
		t.Fatalf("unexpected stats: %+v", c.Stats())
	}
}

func TestGetMissIncrementsStats(t *testing.T) {
	c := New(10)
	if _, ok := c.Get(context.Background(), "nope"); ok {
		t.Fatal("expected miss")
	}
	if c.Stats().Misses != 1 {
		t.Fatalf("expected 1 miss, got %d", c.Stats().Misses)
	}
}

func TestL1EvictsLeastRecentlyUsed(t *testing.T) {
	c := New(2)
	ctx := context.Background()

	c.Put(ctx, "a", safeEntry("p1", 1))
	c.Put(ctx, "b", safeEntry("p1", 1))
	// touch "a" so "b" becomes the least recently used
	c.Get(ctx, "a")
	c.Put(ctx, "c", safeEntry("p1", 1))

	if _, ok := c.Get(ctx, "b"); ok {
		t.Fatal("expected b to be evicted as LRU")
	}
	if _, ok := c.Get(ctx, "a"); !ok {
		t.Fatal("expected a to survive eviction")
	}
	if _, ok := c.Get(ctx, "c"); !ok {
		t.Fatal("expected c to be present")
	}
}

func TestL1EntryExpiresAfterTTL(t *testing.T) {
	c := New(10, WithL1TTL(1*time.Millisecond))
	ctx := context.Background()
	c.Put(ctx, "fp", safeEntry("p1", 1))

	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Get(ctx, "fp"); ok {
		t.Fatal("expected entry to have expired")
	}
}

func TestStaleEntryIsTreatedAsMissAndDeleted(t *testing.T) {
	resolver := func(policyID string) (int64, bool) { return 2, true } // active version bumped to 2
	c := New(10, WithPolicyVersionResolver(resolver))
	ctx := context.Background()

	c.Put(ctx, "fp", safeEntry("p1", 1)) // cached at version 1
	if _, ok := c.Get(ctx, "fp"); ok {
		t.Fatal("expected stale entry to be treated as a miss")
	}
	if c.Stats().Stale != 1 {
		t.Fatalf("expected 1 stale counter, got %d", c.Stats().Stale)
	}
	// confirm it was actually deleted, not just reported stale once
	if c.l1.Len() != 0 {
		t.Fatalf("expected stale entry removed from L1, len=%d", c.l1.Len())
	}
}

type memoryL2 struct {
	data map[string]Entry
}

func newMemoryL2() *memoryL2 { return &memoryL2{data: make(map[string]Entry)} }

func (m *memoryL2) Get(_ context.Context, fp string) (Entry, bool, error) {
	e, ok := m.data[fp]
	return e, ok, nil
}

func (m *memoryL2) Set(_ context.Context, fp string, e Entry, _ time.Duration) error {
	m.data[fp] = e
	return nil
}

func TestL2HitPromotesIntoL1(t *testing.T) {
	l2 := newMemoryL2()
	l2.data["fp"] = safeEntry("p1", 1)

	c := New(10, WithL2(l2))
	ctx := context.Background()

	if _, ok := c.Get(ctx, "fp"); !ok {
		t.Fatal("expected L2 hit")
	}
	if c.l1.Len() != 1 {
		t.Fatalf("expected L2 hit to be promoted into L1, len=%d", c.l1.Len())
	}
}

func TestNoopTierAlwaysMisses(t *testing.T) {
	var tier Tier = NoopTier{}
	if _, ok, err := tier.Get(context.Background(), "fp"); ok || err != nil {
		t.Fatalf("expected noop miss, got ok=%v err=%v", ok, err)
	}
	if err := tier.Set(context.Background(), "fp", Entry{}, time.Second); err != nil {
		t.Fatalf("expected noop set to succeed, got %v", err)
	}
}
