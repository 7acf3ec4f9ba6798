package farmagent

import (
	"context"
	"sort"
	"strings"

	"github.com/emufarm/FarmAgent/internal/device"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Config aggregates the per-component tunables of one engine instance.
type Config struct {
	Scanner    ScannerConfig
	Dispatcher DispatcherConfig
	Worker     WorkerConfig
	// GameApp is the package name of the game process the workers tear
	// down between account sessions.
	GameApp string
}

// Dependencies carries the engine's external collaborators, injected
// explicitly so tests can substitute fakes.
type Dependencies struct {
	Store    Store
	Registry *Registry
	Gateway  DeviceGateway
	Recorder FleetRecorder
	// Prometheus defaults to a private registry when nil.
	Prometheus prometheus.Registerer
}

// Engine wires scanner, dispatcher, and one worker per connected device into
// a running scheduling core.
type Engine struct {
	cfg        Config
	registry   *Registry
	metrics    *Metrics
	dispatcher *Dispatcher
	scanner    *Scanner
	workers    []*Worker
}

// NewEngine builds the scheduling core for the devices currently visible
// through the gateway. Each device gets a serialized resource slot and a
// dedicated worker.
func NewEngine(ctx context.Context, cfg Config, deps Dependencies) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("engine: store cannot be nil")
	}
	if deps.Registry == nil {
		return nil, errors.New("engine: registry cannot be nil")
	}
	if deps.Gateway == nil {
		return nil, errors.New("engine: device gateway cannot be nil")
	}
	if strings.TrimSpace(cfg.GameApp) == "" {
		return nil, errors.New("engine: game app package cannot be empty")
	}

	metrics := NewMetrics(deps.Prometheus)
	dispatcher := NewDispatcher(cfg.Dispatcher, metrics, deps.Recorder)
	scanner := NewScanner(cfg.Scanner, deps.Store, deps.Registry, dispatcher, metrics)

	serials, err := deps.Gateway.ListDevices(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list devices failed")
	}
	if len(serials) == 0 {
		return nil, errors.New("engine: no devices available")
	}

	e := &Engine{
		cfg:        cfg,
		registry:   deps.Registry,
		metrics:    metrics,
		dispatcher: dispatcher,
		scanner:    scanner,
	}
	// A finished session can leave the due set, and with it the signature,
	// unchanged; dropping the cached signature lets the next scan cycle
	// resubmit without waiting out the TTL.
	onDone := func(accountID string, batchErr error) {
		scanner.Invalidate(accountID)
		dispatcher.OnBatchDone(accountID, batchErr)
	}
	for _, serial := range serials {
		serial = strings.TrimSpace(serial)
		if serial == "" {
			continue
		}
		resource := device.NewResource(serial, cfg.GameApp, deps.Gateway)
		worker := NewWorker(cfg.Worker, resource, deps.Registry, deps.Store, scanner.Rescan, onDone, metrics)
		dispatcher.AttachWorker(worker)
		e.workers = append(e.workers, worker)
		log.Info().Str("serial", serial).Msg("worker attached to device")
	}
	if len(e.workers) == 0 {
		return nil, errors.New("engine: no usable devices")
	}
	return e, nil
}

// Run starts all loops and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	group, groupCtx := newSupervisedGroup(ctx)
	GroupGoSafe(groupCtx, group, "scanner", e.scanner.Run)
	GroupGoSafe(groupCtx, group, "dispatcher", e.dispatcher.Run)
	for _, w := range e.workers {
		worker := w
		GroupGoSafe(groupCtx, group, "worker-"+worker.Serial(), worker.Run)
	}
	types := e.registry.Types()
	names := make([]string, len(types))
	for i, taskType := range types {
		names[i] = string(taskType)
	}
	sort.Strings(names)
	log.Info().
		Int("workers", len(e.workers)).
		Strs("task_types", names).
		Str("game_app", e.cfg.GameApp).
		Msg("engine running")
	return group.Wait()
}

// ScanOnce triggers one scan cycle outside the interval loop.
func (e *Engine) ScanOnce(ctx context.Context) error {
	return e.scanner.ScanOnce(ctx)
}

// Dispatcher exposes the broker for control-plane introspection.
func (e *Engine) Dispatcher() *Dispatcher {
	return e.dispatcher
}
