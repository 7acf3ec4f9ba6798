package farmagent

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// WorkerConfig controls batch execution on one device.
type WorkerConfig struct {
	// StaleTimeout is the inactivity budget per intent: when the device
	// heartbeat has not moved for longer than this, the intent is cancelled.
	StaleTimeout time.Duration
	// WatchdogPoll is how often the watchdog compares the heartbeat.
	WatchdogPoll time.Duration
	// MaxRescanRounds bounds the post-drain batch expansion rounds.
	MaxRescanRounds int
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = 3 * time.Minute
	}
	if c.WatchdogPoll <= 0 {
		c.WatchdogPoll = 5 * time.Second
	}
	if c.MaxRescanRounds <= 0 {
		c.MaxRescanRounds = 3
	}
	return c
}

// BatchDoneFunc reports a finished batch back to the dispatcher.
type BatchDoneFunc func(accountID string, batchErr error)

// Worker serializes all execution against one device resource and carries
// one account's batch end to end: per-intent prepare/execute/cleanup, the
// inactivity watchdog, re-scan expansion, cooperative preemption, typed
// fatal recovery, and reschedule persistence.
type Worker struct {
	cfg      WorkerConfig
	device   DeviceResource
	registry *Registry
	store    Store
	rescan   RescanFunc
	onDone   BatchDoneFunc
	metrics  *Metrics
	clock    func() time.Time

	inbox chan *Batch
	busy  atomic.Bool
	// interruptDepth guards against nested preemption; only touched on the
	// worker goroutine.
	interruptDepth int
}

func NewWorker(cfg WorkerConfig, device DeviceResource, registry *Registry, store Store, rescan RescanFunc, onDone BatchDoneFunc, metrics *Metrics) *Worker {
	return &Worker{
		cfg:      cfg.withDefaults(),
		device:   device,
		registry: registry,
		store:    store,
		rescan:   rescan,
		onDone:   onDone,
		metrics:  metrics,
		clock:    time.Now,
		inbox:    make(chan *Batch, 1),
	}
}

// Serial returns the device serial this worker owns.
func (w *Worker) Serial() string {
	if w.device == nil {
		return ""
	}
	return w.device.Serial()
}

// Idle reports whether the worker can accept a batch right now.
func (w *Worker) Idle() bool {
	return !w.busy.Load()
}

// TrySubmit hands a batch to the worker without blocking. False means the
// worker went busy between the caller's pick and the submit.
func (w *Worker) TrySubmit(batch *Batch) bool {
	if batch == nil {
		return false
	}
	if !w.busy.CompareAndSwap(false, true) {
		return false
	}
	select {
	case w.inbox <- batch:
		return true
	default:
		w.busy.Store(false)
		return false
	}
}

// Run consumes batches from the inbox until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case batch := <-w.inbox:
			err := w.runBatch(ctx, batch)
			w.busy.Store(false)
			if w.onDone != nil {
				w.onDone(batch.AccountID, err)
			}
		}
	}
}

// runBatch executes the account session: the initial intents, bounded
// re-scan expansion rounds, then exactly one final device cleanup. The
// returned error is non-nil only for fatal aborts.
func (w *Worker) runBatch(ctx context.Context, batch *Batch) error {
	batch.State = BatchRunning
	log.Info().
		Str("serial", w.Serial()).
		Str("account_id", batch.AccountID).
		Int("intents", len(batch.Intents)).
		Msg("start account batch")

	account, err := w.store.LoadAccount(ctx, batch.AccountID)
	if err != nil {
		return errors.Wrapf(err, "load account %s", batch.AccountID)
	}

	floor := minIntentPriority(batch.Intents)
	fatal, skipTeardown := w.executeQueue(ctx, account, batch.Intents)

	for round := 0; fatal == nil && w.rescan != nil && round < w.cfg.MaxRescanRounds; round++ {
		if ctx.Err() != nil {
			break
		}
		more, rescanErr := w.rescan(ctx, batch.AccountID, floor)
		if rescanErr != nil {
			log.Warn().Err(rescanErr).
				Str("account_id", batch.AccountID).
				Msg("re-scan failed, releasing device")
			break
		}
		if len(more) == 0 {
			break
		}
		SortIntentsByPriority(more)
		log.Info().
			Str("account_id", batch.AccountID).
			Int("round", round+1).
			Int("intents", len(more)).
			Msg("batch expanded by re-scan")
		fatal, skipTeardown = w.executeQueue(ctx, account, more)
	}

	if !skipTeardown {
		w.finalCleanup(ctx)
	}
	if fatal != nil {
		return fatal
	}
	return nil
}

// executeQueue runs intents in order, stopping at the first fatal condition.
// The second return is true when the fatal handler already performed its own
// abort-specific device cleanup.
func (w *Worker) executeQueue(ctx context.Context, account *AccountConfig, intents []*Intent) (*FatalError, bool) {
	for _, intent := range intents {
		if intent == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil, false
		}
		if !intent.NotBefore.IsZero() && intent.NotBefore.After(w.clock()) {
			// Not runnable yet; leave the config untouched so the scanner
			// resubmits it once the start time is reached.
			log.Debug().
				Str("account_id", intent.AccountID).
				Str("task_type", string(intent.TaskType)).
				Time("not_before", intent.NotBefore).
				Msg("intent deferred, start time not reached")
			continue
		}
		outcome := w.runIntent(ctx, intent, account)
		if outcome.fatal != nil {
			cleaned := w.handleFatal(ctx, account, outcome.fatal)
			return outcome.fatal, cleaned
		}
		w.persistOutcome(ctx, intent, account, outcome)
	}
	return nil, false
}

// runIntent drives one intent through prepare/execute/cleanup under the
// watchdog.
func (w *Worker) runIntent(ctx context.Context, intent *Intent, account *AccountConfig) intentOutcome {
	unit, known := w.registry.New(intent.TaskType, w.device)
	if !known {
		return intentOutcome{
			status: StatusFailed,
			err:    errors.Errorf("no task unit registered for type %s", intent.TaskType),
		}
	}
	if iu, ok := unit.(Interruptible); ok {
		iu.SetInterrupt(w.interruptFor(account))
	}

	// Reset the heartbeat so a previous intent's idle tail cannot trip the
	// watchdog immediately.
	w.device.MarkActivity()

	started := w.clock()
	log.Debug().
		Str("serial", w.Serial()).
		Str("account_id", intent.AccountID).
		Str("task_type", string(intent.TaskType)).
		Int("priority", intent.Priority).
		Msg("intent started")

	ready, err := unit.Prepare(ctx, intent, account)
	if err != nil {
		unit.Cleanup(ctx)
		outcome := classifyOutcome(TaskResult{}, err)
		outcome.unit = unit
		return w.logOutcome(intent, started, outcome)
	}
	if !ready {
		unit.Cleanup(ctx)
		return w.logOutcome(intent, started, intentOutcome{status: StatusSkipped, unit: unit})
	}

	res, err := w.awaitWithWatchdog(ctx, unit)
	unit.Cleanup(ctx)
	outcome := classifyOutcome(res, err)
	outcome.unit = unit
	if outcome.stale {
		w.metrics.RecordStaleTimeout()
	}
	return w.logOutcome(intent, started, outcome)
}

func (w *Worker) logOutcome(intent *Intent, started time.Time, outcome intentOutcome) intentOutcome {
	event := log.Info()
	switch {
	case outcome.fatal != nil:
		event = log.Error().Err(outcome.err).Str("fatal_kind", string(outcome.fatal.Kind))
	case outcome.stale:
		event = log.Warn().Err(outcome.err).Bool("stale_timeout", true)
	case outcome.err != nil:
		event = log.Warn().Err(outcome.err)
	}
	event.
		Str("serial", w.Serial()).
		Str("account_id", intent.AccountID).
		Str("task_type", string(intent.TaskType)).
		Str("status", string(outcome.status)).
		Dur("elapsed", w.clock().Sub(started)).
		Msg("intent finished")
	return outcome
}

// persistOutcome applies the reschedule policy for a non-fatal outcome.
func (w *Worker) persistOutcome(ctx context.Context, intent *Intent, account *AccountConfig, outcome intentOutcome) {
	cfg := account.Task(intent.TaskType)
	if cfg == nil {
		cfg = &TaskConfig{}
	}
	now := w.clock()
	var next time.Time
	patch := TaskConfigPatch{}
	switch outcome.status {
	case StatusSucceeded, StatusSkipped:
		next = successDue(outcome.unit, cfg, now)
		if cfg.CounterThreshold > 0 {
			zero := int64(0)
			patch.Counter = &zero
		}
	default:
		next = NextDueOnFailure(cfg, now)
	}
	patch.NextDueAt = &next
	if err := w.store.UpdateTaskSubconfig(ctx, intent.AccountID, intent.TaskType, patch); err != nil {
		log.Error().Err(err).
			Str("account_id", intent.AccountID).
			Str("task_type", string(intent.TaskType)).
			Msg("persist reschedule failed")
		return
	}
	if tc := account.Task(intent.TaskType); tc != nil {
		tc.NextDueAt = next
		if patch.Counter != nil {
			tc.Counter = *patch.Counter
		}
	}
}

// successDue resolves the next due time, preferring a self-managed rule when
// the unit provides one.
func successDue(unit TaskUnit, cfg *TaskConfig, completedAt time.Time) time.Time {
	if sr, ok := unit.(SelfRescheduling); ok {
		if due, ok := sr.NextDue(completedAt, cfg); ok {
			return due
		}
	}
	return NextDueOnSuccess(cfg.Reschedule, completedAt)
}

// handleFatal applies the abort policy for the fatal kind. Returns true when
// abort-specific cleanup already ran and the session teardown must be
// skipped.
func (w *Worker) handleFatal(ctx context.Context, account *AccountConfig, fatal *FatalError) bool {
	log.Error().
		Str("serial", w.Serial()).
		Str("account_id", account.ID).
		Str("fatal_kind", string(fatal.Kind)).
		Str("reason", fatal.Reason).
		Msg("fatal condition, aborting batch")

	switch fatal.Kind {
	case FatalSessionExpired:
		if err := w.store.SetAccountStatus(ctx, account.ID, AccountInvalid); err != nil {
			log.Error().Err(err).Str("account_id", account.ID).Msg("mark account invalid failed")
		}
		return false
	case FatalAppBlocked:
		// Defer every enabled task first: if the force-stop hangs we still
		// want the due-times pushed out.
		now := w.clock()
		for taskType, cfg := range account.Tasks {
			if cfg == nil || !cfg.Enabled {
				continue
			}
			next := now.Add(cfg.failDelay())
			if err := w.store.UpdateTaskSubconfig(ctx, account.ID, taskType, TaskConfigPatch{NextDueAt: &next}); err != nil {
				log.Error().Err(err).
					Str("account_id", account.ID).
					Str("task_type", string(taskType)).
					Msg("defer task after app block failed")
			}
		}
		if err := w.device.StopApp(ctx); err != nil {
			log.Error().Err(err).Str("serial", w.Serial()).Msg("force-stop after app block failed")
		}
		return true
	case FatalDisqualified:
		if err := w.store.SetAccountStatus(ctx, account.ID, AccountTransferring); err != nil {
			log.Error().Err(err).Str("account_id", account.ID).Msg("mark account transferring failed")
		}
		return false
	default:
		return false
	}
}

// interruptFor builds the cooperative preemption hook for one account
// session. Strictly higher-priority due intents run inline on this worker's
// device before control returns to the interrupted unit.
func (w *Worker) interruptFor(account *AccountConfig) InterruptFunc {
	return func(ctx context.Context, currentPriority int) error {
		if w.rescan == nil || w.interruptDepth > 0 {
			return nil
		}
		more, err := w.rescan(ctx, account.ID, currentPriority+1)
		if err != nil {
			log.Warn().Err(err).Str("account_id", account.ID).Msg("interrupt re-scan failed")
			return nil
		}
		urgent := more[:0]
		for _, intent := range more {
			if intent != nil && intent.Priority > currentPriority {
				urgent = append(urgent, intent)
			}
		}
		if len(urgent) == 0 {
			return nil
		}
		SortIntentsByPriority(urgent)
		log.Info().
			Str("serial", w.Serial()).
			Str("account_id", account.ID).
			Int("intents", len(urgent)).
			Int("interrupted_priority", currentPriority).
			Msg("preempting for higher-priority intents")

		w.interruptDepth++
		defer func() { w.interruptDepth-- }()
		for _, intent := range urgent {
			outcome := w.runIntent(ctx, intent, account)
			if outcome.fatal != nil {
				// Let the interrupted unit unwind with the same condition.
				return outcome.fatal
			}
			w.persistOutcome(ctx, intent, account, outcome)
		}
		return nil
	}
}

// finalCleanup stops the app and wipes transient session data once per
// account session.
func (w *Worker) finalCleanup(ctx context.Context) {
	if err := w.device.StopApp(ctx); err != nil {
		log.Warn().Err(err).Str("serial", w.Serial()).Msg("session teardown: stop app failed")
	}
	if err := w.device.ClearSession(ctx); err != nil {
		log.Warn().Err(err).Str("serial", w.Serial()).Msg("session teardown: clear session failed")
	}
}
