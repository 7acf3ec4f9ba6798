package farmagent

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ScannerConfig controls due-work discovery.
type ScannerConfig struct {
	// Interval is the scan cadence.
	Interval time.Duration
	// AccountsPerCycle bounds how many accounts one cycle inspects; the
	// round-robin cursor guarantees bounded staleness across cycles.
	AccountsPerCycle int
	// FullSweepEvery forces a sweep over all accounts every Nth cycle.
	FullSweepEvery int
	// SignatureTTL is the window in which an unchanged due-work signature
	// suppresses re-submission.
	SignatureTTL time.Duration
	// SignatureCacheSize bounds the signature cache.
	SignatureCacheSize int
}

func (c ScannerConfig) withDefaults() ScannerConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.AccountsPerCycle <= 0 {
		c.AccountsPerCycle = 50
	}
	if c.FullSweepEvery <= 0 {
		c.FullSweepEvery = 20
	}
	if c.SignatureTTL <= 0 {
		c.SignatureTTL = 5 * time.Minute
	}
	return c
}

// Scanner periodically reads account state from the store, derives due
// intents, and submits them to the dispatcher. It never mutates due-times —
// rescheduling is the worker's job after execution.
type Scanner struct {
	cfg      ScannerConfig
	store    Store
	registry *Registry
	sink     BatchSink
	sigs     *signatureCache
	metrics  *Metrics
	clock    func() time.Time

	mu     sync.Mutex
	cursor int
	cycle  int
}

func NewScanner(cfg ScannerConfig, store Store, registry *Registry, sink BatchSink, metrics *Metrics) *Scanner {
	cfg = cfg.withDefaults()
	return &Scanner{
		cfg:      cfg,
		store:    store,
		registry: registry,
		sink:     sink,
		sigs:     newSignatureCache(cfg.SignatureTTL, cfg.SignatureCacheSize),
		metrics:  metrics,
		clock:    time.Now,
	}
}

// Run scans on a fixed interval until the context is cancelled. The first
// cycle runs immediately instead of waiting for the first tick.
func (s *Scanner) Run(ctx context.Context) error {
	log.Info().Dur("interval", s.cfg.Interval).Msg("scanner started")
	if err := s.ScanOnce(ctx); err != nil {
		log.Error().Err(err).Msg("initial scan cycle failed")
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.ScanOnce(ctx); err != nil {
				log.Error().Err(err).Msg("scan cycle failed")
			}
		}
	}
}

// ScanOnce runs one discovery cycle over the current account window.
func (s *Scanner) ScanOnce(ctx context.Context) error {
	started := s.clock()
	ids, err := s.store.ListAccountIDs(ctx)
	if err != nil {
		return errors.Wrap(err, "list accounts failed")
	}
	window, sweep := s.selectWindow(ids)
	submitted := 0
	for _, id := range window {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.scanAccount(ctx, id) {
			submitted++
		}
	}
	elapsed := s.clock().Sub(started)
	s.metrics.ObserveScanCycle(elapsed)
	log.Debug().
		Int("accounts", len(window)).
		Int("submitted", submitted).
		Bool("full_sweep", sweep).
		Dur("elapsed", elapsed).
		Msg("scan cycle finished")
	return nil
}

// selectWindow advances the round-robin cursor, returning all accounts on
// full-sweep cycles.
func (s *Scanner) selectWindow(ids []string) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycle++
	if len(ids) == 0 {
		return nil, false
	}
	if s.cycle%s.cfg.FullSweepEvery == 0 || len(ids) <= s.cfg.AccountsPerCycle {
		return ids, true
	}
	if s.cursor >= len(ids) {
		s.cursor = 0
	}
	window := make([]string, 0, s.cfg.AccountsPerCycle)
	for i := 0; i < s.cfg.AccountsPerCycle; i++ {
		window = append(window, ids[(s.cursor+i)%len(ids)])
	}
	s.cursor = (s.cursor + s.cfg.AccountsPerCycle) % len(ids)
	return window, false
}

// scanAccount submits the account's due work, reporting whether a batch was
// enqueued.
func (s *Scanner) scanAccount(ctx context.Context, accountID string) bool {
	account, err := s.store.LoadAccount(ctx, accountID)
	if err != nil {
		log.Warn().Err(err).Str("account_id", accountID).Msg("load account failed, skipping")
		return false
	}
	if !account.Schedulable() {
		return false
	}
	now := s.clock()
	intents := s.dueIntents(account, now)
	if len(intents) == 0 {
		return false
	}
	SortIntentsByPriority(intents)

	sig := ComputeSignature(account, intents)
	if s.sigs.matches(accountID, sig) {
		// Unchanged since the last submission within the TTL window; a
		// previous batch is still pending or executing.
		return false
	}
	if !s.sink.EnqueueBatch(accountID, intents) {
		// Already queued or running; remember the signature anyway so the
		// next cycles stay quiet until the state changes or the TTL lapses.
		s.sigs.remember(accountID, sig)
		return false
	}
	s.sigs.remember(accountID, sig)
	return true
}

// dueIntents derives the ordered due-work set for one account.
func (s *Scanner) dueIntents(account *AccountConfig, now time.Time) []*Intent {
	intents := make([]*Intent, 0, len(account.Tasks))
	for taskType, cfg := range account.Tasks {
		if !cfg.DueAt(now) {
			continue
		}
		intents = append(intents, &Intent{
			AccountID:  account.ID,
			TaskType:   taskType,
			Priority:   s.registry.Priority(taskType),
			EnqueuedAt: now,
		})
	}
	return intents
}

// Invalidate drops the remembered due-work signature for an account. The
// engine calls it when the account's batch finishes: execution can leave the
// due set unchanged (an intent deferred for its start time keeps its config),
// and the stale signature would otherwise suppress resubmission until the
// TTL lapses.
func (s *Scanner) Invalidate(accountID string) {
	s.sigs.forget(accountID)
}

// Rescan serves workers that still hold an account's device slot: it returns
// freshly due intents with priority >= minPriority. The account stays marked
// running in the dispatcher for the whole call, so the read is race-free
// with respect to new batch submissions.
func (s *Scanner) Rescan(ctx context.Context, accountID string, minPriority int) ([]*Intent, error) {
	account, err := s.store.LoadAccount(ctx, accountID)
	if err != nil {
		return nil, errors.Wrapf(err, "re-scan load account %s", accountID)
	}
	if !account.Schedulable() {
		return nil, nil
	}
	now := s.clock()
	all := s.dueIntents(account, now)
	eligible := all[:0]
	for _, intent := range all {
		if intent.Priority >= minPriority {
			eligible = append(eligible, intent)
		}
	}
	SortIntentsByPriority(eligible)
	return eligible, nil
}
