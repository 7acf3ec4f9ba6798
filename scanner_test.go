package farmagent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type captureSink struct {
	mu      sync.Mutex
	accept  bool
	batches [][]*Intent
}

func newCaptureSink() *captureSink {
	return &captureSink{accept: true}
}

func (c *captureSink) EnqueueBatch(accountID string, intents []*Intent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.accept {
		return false
	}
	c.batches = append(c.batches, intents)
	return true
}

func (c *captureSink) batchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func (c *captureSink) lastBatch() []*Intent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.batches) == 0 {
		return nil
	}
	return c.batches[len(c.batches)-1]
}

func newTestScanner(cfg ScannerConfig, store Store, sink BatchSink, now time.Time) *Scanner {
	s := NewScanner(cfg, store, NewRegistry(), sink, nil)
	s.clock = func() time.Time { return now }
	return s
}

func TestScannerSubmitsDueWorkOncePerSignatureWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	account := &AccountConfig{
		ID:     "acct-1",
		Status: AccountActive,
		Tasks:  map[TaskType]*TaskConfig{TaskHarvest: dueTask(now.Add(-time.Hour))},
	}
	sink := newCaptureSink()
	s := newTestScanner(ScannerConfig{SignatureTTL: time.Minute}, newStubStore(account), sink, now)

	for i := 0; i < 3; i++ {
		if err := s.ScanOnce(ctx); err != nil {
			t.Fatalf("scan %d: %v", i, err)
		}
	}
	if got := sink.batchCount(); got != 1 {
		t.Fatalf("unchanged due set submitted %d batches, want 1", got)
	}
}

func TestScannerResubmitsWhenDueSetChanges(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	account := &AccountConfig{
		ID:     "acct-1",
		Status: AccountActive,
		Tasks: map[TaskType]*TaskConfig{
			TaskHarvest: dueTask(now.Add(-time.Hour)),
			TaskArena:   dueTask(now.Add(time.Hour)), // not due yet
		},
	}
	sink := newCaptureSink()
	s := newTestScanner(ScannerConfig{SignatureTTL: time.Hour}, newStubStore(account), sink, now)

	if err := s.ScanOnce(ctx); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	// The arena task becomes due; the due-set signature changes.
	account.Tasks[TaskArena].NextDueAt = now.Add(-time.Minute)
	if err := s.ScanOnce(ctx); err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if got := sink.batchCount(); got != 2 {
		t.Fatalf("changed due set submitted %d batches, want 2", got)
	}
	last := sink.lastBatch()
	if len(last) != 2 {
		t.Fatalf("second batch has %d intents, want 2", len(last))
	}
	if last[0].TaskType != TaskArena || last[1].TaskType != TaskHarvest {
		t.Fatalf("batch order = %s,%s, want arena,harvest", last[0].TaskType, last[1].TaskType)
	}
}

func TestScannerInvalidateAllowsPromptResubmission(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	account := &AccountConfig{
		ID:     "acct-1",
		Status: AccountActive,
		Tasks:  map[TaskType]*TaskConfig{TaskHarvest: dueTask(now.Add(-time.Hour))},
	}
	sink := newCaptureSink()
	s := newTestScanner(ScannerConfig{SignatureTTL: time.Hour}, newStubStore(account), sink, now)

	if err := s.ScanOnce(ctx); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	if err := s.ScanOnce(ctx); err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if got := sink.batchCount(); got != 1 {
		t.Fatalf("submitted %d batches before invalidation, want 1", got)
	}

	// A completed batch that deferred its only intent leaves the config, and
	// with it the signature, unchanged. Invalidation lets the next cycle
	// resubmit without waiting out the TTL.
	s.Invalidate("acct-1")
	if err := s.ScanOnce(ctx); err != nil {
		t.Fatalf("third scan: %v", err)
	}
	if got := sink.batchCount(); got != 2 {
		t.Fatalf("submitted %d batches after invalidation, want 2", got)
	}
}

func TestScannerSkipsUnschedulableAccounts(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	sink := newCaptureSink()
	s := newTestScanner(ScannerConfig{}, newStubStore(
		&AccountConfig{ID: "acct-invalid", Status: AccountInvalid,
			Tasks: map[TaskType]*TaskConfig{TaskHarvest: dueTask(now.Add(-time.Hour))}},
		&AccountConfig{ID: "acct-transfer", Status: AccountTransferring,
			Tasks: map[TaskType]*TaskConfig{TaskHarvest: dueTask(now.Add(-time.Hour))}},
	), sink, now)

	if err := s.ScanOnce(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if got := sink.batchCount(); got != 0 {
		t.Fatalf("unschedulable accounts submitted %d batches, want 0", got)
	}
}

func TestScannerCounterThresholdMakesTaskDue(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	account := &AccountConfig{
		ID:     "acct-1",
		Status: AccountActive,
		Tasks: map[TaskType]*TaskConfig{
			TaskGuildDonate: {Enabled: true, Counter: 5, CounterThreshold: 3},
			TaskShopRefresh: {Enabled: true, Counter: 1, CounterThreshold: 3},
		},
	}
	sink := newCaptureSink()
	s := newTestScanner(ScannerConfig{}, newStubStore(account), sink, now)

	if err := s.ScanOnce(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}
	batch := sink.lastBatch()
	if len(batch) != 1 || batch[0].TaskType != TaskGuildDonate {
		t.Fatalf("batch = %v, want only guild_donate", batch)
	}
}

func TestScannerRescanFiltersByMinPriority(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	account := &AccountConfig{
		ID:     "acct-1",
		Status: AccountActive,
		Tasks: map[TaskType]*TaskConfig{
			TaskArena:       dueTask(now.Add(-time.Minute)), // priority 70
			TaskMailCollect: dueTask(now.Add(-time.Minute)), // priority 40
		},
	}
	s := newTestScanner(ScannerConfig{}, newStubStore(account), newCaptureSink(), now)

	intents, err := s.Rescan(ctx, "acct-1", 50)
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if len(intents) != 1 || intents[0].TaskType != TaskArena {
		t.Fatalf("rescan returned %v, want only arena", intents)
	}

	all, err := s.Rescan(ctx, "acct-1", 0)
	if err != nil {
		t.Fatalf("rescan all: %v", err)
	}
	if len(all) != 2 || all[0].TaskType != TaskArena {
		t.Fatalf("rescan all returned %v, want arena first", all)
	}
}

func TestScannerWindowRoundRobinAndFullSweep(t *testing.T) {
	ids := make([]string, 5)
	for i := range ids {
		ids[i] = fmt.Sprintf("acct-%d", i)
	}

	s := NewScanner(ScannerConfig{AccountsPerCycle: 2, FullSweepEvery: 100}, newStubStore(), NewRegistry(), newCaptureSink(), nil)
	window, sweep := s.selectWindow(ids)
	if sweep || len(window) != 2 || window[0] != "acct-0" || window[1] != "acct-1" {
		t.Fatalf("cycle 1 window = %v sweep=%v", window, sweep)
	}
	window, _ = s.selectWindow(ids)
	if window[0] != "acct-2" || window[1] != "acct-3" {
		t.Fatalf("cycle 2 window = %v", window)
	}
	// Cursor wraps around the id list.
	window, _ = s.selectWindow(ids)
	if window[0] != "acct-4" || window[1] != "acct-0" {
		t.Fatalf("cycle 3 window = %v", window)
	}

	s = NewScanner(ScannerConfig{AccountsPerCycle: 2, FullSweepEvery: 2}, newStubStore(), NewRegistry(), newCaptureSink(), nil)
	if _, sweep := s.selectWindow(ids); sweep {
		t.Fatal("cycle 1 must not be a full sweep")
	}
	window, sweep = s.selectWindow(ids)
	if !sweep || len(window) != len(ids) {
		t.Fatalf("cycle 2 window = %v sweep=%v, want full sweep", window, sweep)
	}
}
