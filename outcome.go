package farmagent

import (
	"fmt"

	"github.com/pkg/errors"
)

// FatalKind enumerates the non-generic conditions that abort the remainder
// of an account's batch.
type FatalKind string

const (
	// FatalSessionExpired means the account's game session is no longer
	// valid; the account is marked invalid and the batch aborts.
	FatalSessionExpired FatalKind = "session_expired"
	// FatalAppBlocked means a modal condition requires a full app restart;
	// the batch aborts, the app is force-stopped, and every enabled task of
	// the account is deferred by its fail-delay.
	FatalAppBlocked FatalKind = "app_blocked"
	// FatalDisqualified means the account is in a disqualifying external
	// state (e.g. listed for transfer); the account is marked and the batch
	// aborts.
	FatalDisqualified FatalKind = "disqualified"
)

// FatalError is the tagged error task units return for fatal domain
// conditions. Call sites classify it via AsFatal instead of relying on
// blind error propagation.
type FatalError struct {
	Kind   FatalKind
	Reason string
}

func (e *FatalError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("fatal condition: %s", e.Kind)
	}
	return fmt.Sprintf("fatal condition: %s (%s)", e.Kind, e.Reason)
}

// NewFatalError builds a FatalError of the given kind.
func NewFatalError(kind FatalKind, reason string) *FatalError {
	return &FatalError{Kind: kind, Reason: reason}
}

// AsFatal unwraps err to a *FatalError when one is present in its chain.
func AsFatal(err error) (*FatalError, bool) {
	if err == nil {
		return nil, false
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// ErrStaleTimeout marks an intent cancelled by the inactivity watchdog. It is
// rescheduled like any transient failure but logged distinctly.
var ErrStaleTimeout = errors.New("device inactivity exceeded stale timeout")

// IsStaleTimeout reports whether err originated from the watchdog.
func IsStaleTimeout(err error) bool {
	return errors.Is(err, ErrStaleTimeout)
}

// intentOutcome classifies one executed intent so the batch loop can handle
// every case exhaustively.
type intentOutcome struct {
	status TaskStatus
	fatal  *FatalError
	stale  bool
	err    error
	// unit is retained so the reschedule step can consult SelfRescheduling
	// implementations after Execute returned.
	unit TaskUnit
}

func classifyOutcome(res TaskResult, err error) intentOutcome {
	if err != nil {
		if fe, ok := AsFatal(err); ok {
			return intentOutcome{status: StatusFailed, fatal: fe, err: err}
		}
		return intentOutcome{status: StatusFailed, stale: IsStaleTimeout(err), err: err}
	}
	switch res.Status {
	case StatusSucceeded, StatusSkipped:
		return intentOutcome{status: res.Status}
	default:
		return intentOutcome{status: StatusFailed, err: errors.Errorf("task reported %s: %s", res.Status, res.Detail)}
	}
}
