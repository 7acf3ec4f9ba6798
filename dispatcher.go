package farmagent

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DispatcherConfig controls the central broker.
type DispatcherConfig struct {
	// LookaheadWindow bounds how many head-of-queue entries are scanned for
	// a dispatchable batch before falling back to a full scan.
	LookaheadWindow int
	// AgentVersion is echoed into fleet recorder rows.
	AgentVersion string
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.LookaheadWindow <= 0 {
		c.LookaheadWindow = 16
	}
	return c
}

type runningEntry struct {
	worker  *Worker
	since   time.Time
	intents int
}

// Dispatcher brokers pending batches to idle per-device workers. The
// queued/running sets enforce the one-batch-per-account invariant: an
// account accepts new work only while it appears in neither. During a
// handoff it briefly sits in both, never in neither.
type Dispatcher struct {
	cfg      DispatcherConfig
	metrics  *Metrics
	recorder FleetRecorder
	clock    func() time.Time

	mu             sync.Mutex
	pending        []*Batch
	queuedAccounts map[string]struct{}
	queuedKeys     map[string]struct{}
	running        map[string]*runningEntry
	workers        []*Worker

	notify chan struct{}
}

func NewDispatcher(cfg DispatcherConfig, metrics *Metrics, recorder FleetRecorder) *Dispatcher {
	if recorder == nil {
		recorder = NoopFleetRecorder{}
	}
	return &Dispatcher{
		cfg:            cfg.withDefaults(),
		metrics:        metrics,
		recorder:       recorder,
		clock:          time.Now,
		queuedAccounts: make(map[string]struct{}),
		queuedKeys:     make(map[string]struct{}),
		running:        make(map[string]*runningEntry),
		notify:         make(chan struct{}, 1),
	}
}

// AttachWorker registers a worker as a dispatch target. Workers are attached
// once at startup, before Run.
func (d *Dispatcher) AttachWorker(w *Worker) {
	if w == nil {
		return
	}
	d.mu.Lock()
	d.workers = append(d.workers, w)
	d.mu.Unlock()
	d.signal()
}

func intentKey(accountID string, taskType TaskType) string {
	return accountID + "|" + string(taskType)
}

// EnqueueBatch appends a new pending batch for the account. It returns false
// when the account is already queued or running, leaving state untouched.
func (d *Dispatcher) EnqueueBatch(accountID string, intents []*Intent) bool {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" || len(intents) == 0 {
		return false
	}
	now := d.clock()

	d.mu.Lock()
	if _, queued := d.queuedAccounts[accountID]; queued {
		d.mu.Unlock()
		return false
	}
	if _, running := d.running[accountID]; running {
		d.mu.Unlock()
		return false
	}
	accepted := make([]*Intent, 0, len(intents))
	for _, intent := range intents {
		if intent == nil || intent.AccountID != accountID {
			continue
		}
		key := intentKey(accountID, intent.TaskType)
		if _, dup := d.queuedKeys[key]; dup {
			continue
		}
		d.queuedKeys[key] = struct{}{}
		accepted = append(accepted, intent)
	}
	if len(accepted) == 0 {
		d.mu.Unlock()
		return false
	}
	d.pending = append(d.pending, &Batch{
		AccountID:  accountID,
		Intents:    accepted,
		State:      BatchQueued,
		EnqueuedAt: now,
	})
	d.queuedAccounts[accountID] = struct{}{}
	depth := len(d.pending)
	d.mu.Unlock()

	d.metrics.SetQueueDepth(depth)
	log.Debug().
		Str("account_id", accountID).
		Int("intents", len(accepted)).
		Int("queue_depth", depth).
		Msg("batch enqueued")
	d.signal()
	return true
}

// signal wakes the dispatch loop; a full channel already carries the wakeup.
func (d *Dispatcher) signal() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Run drives the dispatch loop until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	log.Info().Msg("dispatcher started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.notify:
			d.dispatchPending(ctx)
		}
	}
}

// dispatchPending pairs idle workers with queued batches until either runs
// out.
func (d *Dispatcher) dispatchPending(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		now := d.clock()
		d.mu.Lock()
		worker := d.idleWorkerLocked()
		batch := d.nextDispatchableLocked()
		if worker == nil || batch == nil {
			d.mu.Unlock()
			return
		}
		// Register the running entry before the handoff: a fast batch can
		// finish and invoke OnBatchDone before TrySubmit even returns, and
		// that callback must find the entry to remove.
		batch.State = BatchDispatching
		d.running[batch.AccountID] = &runningEntry{
			worker:  worker,
			since:   now,
			intents: len(batch.Intents),
		}
		d.mu.Unlock()

		if !worker.TrySubmit(batch) {
			// Worker raced busy between pick and submit; retry the batch on
			// the next pairing round.
			d.mu.Lock()
			delete(d.running, batch.AccountID)
			batch.State = BatchQueued
			batch.Retries++
			d.mu.Unlock()
			continue
		}

		d.mu.Lock()
		d.removePendingLocked(batch)
		delete(d.queuedAccounts, batch.AccountID)
		for _, intent := range batch.Intents {
			delete(d.queuedKeys, intentKey(batch.AccountID, intent.TaskType))
		}
		depth := len(d.pending)
		d.mu.Unlock()

		d.metrics.SetQueueDepth(depth)
		d.metrics.ObserveBatchWait(now.Sub(batch.EnqueuedAt))
		log.Info().
			Str("account_id", batch.AccountID).
			Str("serial", worker.Serial()).
			Int("intents", len(batch.Intents)).
			Dur("queued_for", now.Sub(batch.EnqueuedAt)).
			Msg("batch dispatched to worker")
		d.recordStatus(ctx, worker.Serial(), batch, "running", nil)
	}
}

func (d *Dispatcher) idleWorkerLocked() *Worker {
	for _, w := range d.workers {
		if w.Idle() {
			return w
		}
	}
	return nil
}

// nextDispatchableLocked picks the oldest queued batch, scanning the bounded
// lookahead window first and the whole queue only when the window has no
// queued entry.
func (d *Dispatcher) nextDispatchableLocked() *Batch {
	window := d.cfg.LookaheadWindow
	if window > len(d.pending) {
		window = len(d.pending)
	}
	for _, b := range d.pending[:window] {
		if b.State == BatchQueued {
			return b
		}
	}
	for _, b := range d.pending[window:] {
		if b.State == BatchQueued {
			return b
		}
	}
	return nil
}

func (d *Dispatcher) removePendingLocked(batch *Batch) {
	for i, b := range d.pending {
		if b == batch {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			return
		}
	}
}

// OnBatchDone is the completion callback workers invoke. It frees the
// account and the worker; failed batches are not requeued — the worker has
// already pushed next-due delays, so the scanner picks them up again.
func (d *Dispatcher) OnBatchDone(accountID string, batchErr error) {
	d.mu.Lock()
	entry := d.running[accountID]
	delete(d.running, accountID)
	d.mu.Unlock()

	d.metrics.RecordBatchDone(batchErr == nil)
	event := log.Info()
	if batchErr != nil {
		event = log.Warn().Err(batchErr)
	}
	serial := ""
	if entry != nil {
		serial = entry.worker.Serial()
	}
	event.
		Str("account_id", accountID).
		Str("serial", serial).
		Msg("batch completed")

	status := "idle"
	lastErr := ""
	if batchErr != nil {
		lastErr = batchErr.Error()
	}
	d.recordStatus(context.Background(), serial, &Batch{AccountID: accountID}, status, &lastErr)

	// The freed worker can take the next batch.
	d.signal()
}

func (d *Dispatcher) recordStatus(ctx context.Context, serial string, batch *Batch, status string, lastErr *string) {
	update := FleetStatusUpdate{
		DeviceSerial: serial,
		AccountID:    batch.AccountID,
		Status:       status,
		AgentVersion: d.cfg.AgentVersion,
		LastSeenAt:   d.clock(),
	}
	if lastErr != nil {
		update.LastError = *lastErr
	}
	if status == "running" && len(batch.Intents) > 0 {
		update.RunningTask = string(batch.Intents[0].TaskType)
		for _, intent := range batch.Intents[1:] {
			update.PendingTasks = append(update.PendingTasks, string(intent.TaskType))
		}
	}
	if err := d.recorder.UpsertStatus(ctx, []FleetStatusUpdate{update}); err != nil {
		log.Error().Err(err).Str("serial", serial).Msg("fleet recorder upsert failed")
	}
}

// IsTracked reports whether the account currently has a queued or running
// batch.
func (d *Dispatcher) IsTracked(accountID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.queuedAccounts[accountID]; ok {
		return true
	}
	_, ok := d.running[accountID]
	return ok
}

// BatchInfo is the read-only queue view for the control plane.
type BatchInfo struct {
	AccountID  string
	State      BatchState
	Intents    int
	Retries    int
	EnqueuedAt time.Time
}

// QueueSnapshot lists pending batches in queue order.
func (d *Dispatcher) QueueSnapshot() []BatchInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]BatchInfo, 0, len(d.pending))
	for _, b := range d.pending {
		out = append(out, BatchInfo{
			AccountID:  b.AccountID,
			State:      b.State,
			Intents:    len(b.Intents),
			Retries:    b.Retries,
			EnqueuedAt: b.EnqueuedAt,
		})
	}
	return out
}

// RunningAccounts lists accounts with an in-flight batch.
func (d *Dispatcher) RunningAccounts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.running))
	for id := range d.running {
		out = append(out, id)
	}
	return out
}

// MetricsSnapshot exposes the scheduling counters and wait percentiles.
func (d *Dispatcher) MetricsSnapshot() MetricsSnapshot {
	return d.metrics.Snapshot()
}
