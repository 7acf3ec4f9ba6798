package farmagent

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

// newSupervisedGroup derives the errgroup all engine loops run under.
func newSupervisedGroup(ctx context.Context) (*errgroup.Group, context.Context) {
	return errgroup.WithContext(ctx)
}

// GroupGoSafe runs fn in an errgroup goroutine, logs panics to stderr, and
// restarts the goroutine with exponential backoff. The scheduling loops
// (scanner, dispatcher, workers) run under it so a panicking task unit never
// takes the whole agent down.
//
// Notes:
//   - Panics are treated as recoverable: they will not cancel sibling
//     goroutines.
//   - Returned errors preserve errgroup semantics: a non-nil error cancels
//     the group's derived context and surfaces from Wait().
//   - ctx cancellation stops the restart loop so Wait() can return promptly.
//
// Structured logging is intentionally avoided here: the panic may have come
// from the logger itself, so stderr is the safest fallback.
func GroupGoSafe(ctx context.Context, group *errgroup.Group, name string, fn func(context.Context) error) {
	if group == nil || fn == nil {
		return
	}
	group.Go(func() (err error) {
		backoff := 200 * time.Millisecond
		const maxBackoff = 30 * time.Second
		for {
			if ctx != nil {
				select {
				case <-ctx.Done():
					return nil
				default:
				}
			}

			panicked := false
			var recovered any
			func() {
				defer func() {
					if r := recover(); r != nil {
						panicked = true
						recovered = r
					}
				}()
				err = fn(ctx)
			}()

			if panicked {
				_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked: %v\n%s\n", name, recovered, debug.Stack())

				jitterMax := backoff / 2
				jitter := time.Duration(0)
				if jitterMax > 0 {
					jitter = time.Duration(time.Now().UnixNano() % int64(jitterMax))
				}
				time.Sleep(backoff + jitter)

				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}

			return err
		}
	})
}
