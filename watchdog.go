package farmagent

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

type execResult struct {
	res TaskResult
	err error
}

// awaitWithWatchdog runs unit.Execute while polling the device heartbeat.
// The timeout measures inactivity, not wall clock: a task that keeps driving
// the device refreshes the heartbeat on every I/O call and is never killed,
// however long it runs. Cancellation is cooperative — the execute goroutine
// is cancelled and awaited so it unwinds before the device is reused.
func (w *Worker) awaitWithWatchdog(ctx context.Context, unit TaskUnit) (TaskResult, error) {
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan execResult, 1)
	go func() {
		res, err := unit.Execute(execCtx)
		done <- execResult{res: res, err: err}
	}()

	ticker := time.NewTicker(w.cfg.WatchdogPoll)
	defer ticker.Stop()

	for {
		select {
		case r := <-done:
			return r.res, r.err
		case <-ctx.Done():
			cancel()
			<-done
			return TaskResult{Status: StatusFailed}, ctx.Err()
		case <-ticker.C:
			idle := w.clock().Sub(w.device.LastActivity())
			if idle <= w.cfg.StaleTimeout {
				continue
			}
			cancel()
			<-done
			return TaskResult{Status: StatusFailed}, errors.Wrapf(ErrStaleTimeout,
				"device %s idle for %s", w.Serial(), idle.Truncate(time.Second))
		}
	}
}
