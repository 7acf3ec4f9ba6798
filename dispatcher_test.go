package farmagent

import (
	"context"
	"testing"
	"time"
)

func TestDispatcherRejectsSecondBatchForTrackedAccount(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{}, nil, nil)
	intents := []*Intent{makeIntent("acct-1", TaskHarvest)}

	if !d.EnqueueBatch("acct-1", intents) {
		t.Fatal("first enqueue rejected")
	}
	if d.EnqueueBatch("acct-1", []*Intent{makeIntent("acct-1", TaskArena)}) {
		t.Fatal("second enqueue for queued account accepted")
	}
	if !d.IsTracked("acct-1") {
		t.Fatal("queued account not tracked")
	}
	if !d.EnqueueBatch("acct-2", []*Intent{makeIntent("acct-2", TaskHarvest)}) {
		t.Fatal("other account rejected")
	}
}

func TestDispatcherDropsDuplicateIntentsWithinBatch(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{}, nil, nil)
	intents := []*Intent{
		makeIntent("acct-1", TaskHarvest),
		makeIntent("acct-1", TaskHarvest),
		makeIntent("acct-1", TaskMailCollect),
	}
	if !d.EnqueueBatch("acct-1", intents) {
		t.Fatal("enqueue rejected")
	}
	snap := d.QueueSnapshot()
	if len(snap) != 1 || snap[0].Intents != 2 {
		t.Fatalf("queue snapshot = %v, want one batch with 2 intents", snap)
	}
}

func TestDispatcherRejectsEmptyAndForeignIntents(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{}, nil, nil)
	if d.EnqueueBatch("acct-1", nil) {
		t.Fatal("empty batch accepted")
	}
	// Intents belonging to another account are filtered out.
	if d.EnqueueBatch("acct-1", []*Intent{makeIntent("acct-2", TaskHarvest)}) {
		t.Fatal("batch of foreign intents accepted")
	}
}

func TestDispatcherDispatchesOldestFirstAndFreesAccount(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Now()
	store := newStubStore(
		&AccountConfig{ID: "acct-A", Status: AccountActive,
			Tasks: map[TaskType]*TaskConfig{TaskHarvest: dueTask(now.Add(-time.Minute))}},
		&AccountConfig{ID: "acct-B", Status: AccountActive,
			Tasks: map[TaskType]*TaskConfig{TaskHarvest: dueTask(now.Add(-time.Minute))}},
	)

	executed := make(chan string, 2)
	reg := NewRegistry()
	if err := reg.Register(TaskHarvest, 0, func(DeviceResource) TaskUnit {
		return &scriptedUnit{
			name: "harvest",
			prepare: func(ctx context.Context, intent *Intent, account *AccountConfig) (bool, error) {
				executed <- intent.AccountID
				return true, nil
			},
		}
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	d := NewDispatcher(DispatcherConfig{}, nil, nil)
	w := NewWorker(WorkerConfig{}, newFakeDevice("emu-1"), reg, store, nil, d.OnBatchDone, nil)
	go func() { _ = w.Run(ctx) }()
	go func() { _ = d.Run(ctx) }()

	// Both batches are queued before any worker exists, so dispatch order is
	// pure queue order.
	if !d.EnqueueBatch("acct-A", []*Intent{makeIntent("acct-A", TaskHarvest)}) {
		t.Fatal("enqueue acct-A rejected")
	}
	if !d.EnqueueBatch("acct-B", []*Intent{makeIntent("acct-B", TaskHarvest)}) {
		t.Fatal("enqueue acct-B rejected")
	}
	d.AttachWorker(w)

	for i, want := range []string{"acct-A", "acct-B"} {
		select {
		case got := <-executed:
			if got != want {
				t.Fatalf("dispatch %d ran %s, want %s", i+1, got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for dispatch %d", i+1)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for d.IsTracked("acct-A") || d.IsTracked("acct-B") {
		if time.Now().After(deadline) {
			t.Fatal("accounts still tracked after both batches completed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Freed accounts accept new work again.
	if !d.EnqueueBatch("acct-A", []*Intent{makeIntent("acct-A", TaskHarvest)}) {
		t.Fatal("freed account rejected new batch")
	}
}

// An instant batch can complete before the dispatcher returns from the
// handoff. The running entry must already be registered at that point, or
// the completion callback has nothing to remove and the account stays
// tracked forever. The stalled broker clock widens the handoff window far
// beyond the batch runtime to force that interleaving.
func TestDispatcherFreesAccountWhenBatchOutpacesHandoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Now()
	store := newStubStore(&AccountConfig{ID: "acct-1", Status: AccountActive,
		Tasks: map[TaskType]*TaskConfig{TaskHarvest: dueTask(now.Add(-time.Minute))}})

	reg := NewRegistry()
	registerScripted(t, reg, TaskHarvest, &scriptedUnit{name: "harvest"})

	d := NewDispatcher(DispatcherConfig{}, nil, nil)
	d.clock = func() time.Time {
		time.Sleep(50 * time.Millisecond)
		return time.Now()
	}

	w := NewWorker(WorkerConfig{}, newFakeDevice("emu-1"), reg, store, nil, d.OnBatchDone, nil)
	go func() { _ = w.Run(ctx) }()
	go func() { _ = d.Run(ctx) }()

	d.AttachWorker(w)
	if !d.EnqueueBatch("acct-1", []*Intent{makeIntent("acct-1", TaskHarvest)}) {
		t.Fatal("enqueue rejected")
	}

	deadline := time.Now().Add(2 * time.Second)
	for d.IsTracked("acct-1") {
		if time.Now().After(deadline) {
			t.Fatalf("account still tracked after completion; running = %v", d.RunningAccounts())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !d.EnqueueBatch("acct-1", []*Intent{makeIntent("acct-1", TaskHarvest)}) {
		t.Fatal("freed account rejected new batch")
	}
}

func TestDispatcherRecordsFleetStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Now()
	store := newStubStore(&AccountConfig{ID: "acct-A", Status: AccountActive,
		Tasks: map[TaskType]*TaskConfig{TaskHarvest: dueTask(now.Add(-time.Minute))}})

	reg := NewRegistry()
	registerScripted(t, reg, TaskHarvest, &scriptedUnit{name: "harvest"})

	recorder := &captureRecorder{updates: make(chan FleetStatusUpdate, 8)}
	d := NewDispatcher(DispatcherConfig{AgentVersion: "test-1"}, nil, recorder)
	w := NewWorker(WorkerConfig{}, newFakeDevice("emu-1"), reg, store, nil, d.OnBatchDone, nil)
	go func() { _ = w.Run(ctx) }()
	go func() { _ = d.Run(ctx) }()

	d.AttachWorker(w)
	if !d.EnqueueBatch("acct-A", []*Intent{makeIntent("acct-A", TaskHarvest)}) {
		t.Fatal("enqueue rejected")
	}

	var statuses []string
	timeout := time.After(2 * time.Second)
	for len(statuses) < 2 {
		select {
		case u := <-recorder.updates:
			if u.AgentVersion != "test-1" {
				t.Fatalf("agent version = %q, want test-1", u.AgentVersion)
			}
			statuses = append(statuses, u.Status)
		case <-timeout:
			t.Fatalf("timed out, recorded statuses %v", statuses)
		}
	}
	if statuses[0] != "running" || statuses[1] != "idle" {
		t.Fatalf("status sequence = %v, want [running idle]", statuses)
	}
}

type captureRecorder struct {
	updates chan FleetStatusUpdate
}

func (c *captureRecorder) UpsertStatus(ctx context.Context, updates []FleetStatusUpdate) error {
	for _, u := range updates {
		c.updates <- u
	}
	return nil
}
