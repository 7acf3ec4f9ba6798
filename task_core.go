package farmagent

import (
	"context"
	"time"
)

// TaskType identifies one chore category (mail collection, arena, harvest...).
type TaskType string

// Intent is one unit of due work for one account. Intents are created by the
// Scanner, are immutable after creation, and are consumed exactly once by a
// Worker.
type Intent struct {
	AccountID  string
	TaskType   TaskType
	Priority   int
	Payload    any
	EnqueuedAt time.Time
	// NotBefore optionally delays execution past enqueue time. Zero means
	// the intent is runnable immediately.
	NotBefore time.Time
}

// BatchState tracks a pending batch through the dispatch pipeline.
type BatchState string

const (
	BatchQueued      BatchState = "queued"
	BatchDispatching BatchState = "dispatching"
	BatchRunning     BatchState = "running"
)

// Batch is the ordered set of intents owned by one account's execution
// session. At most one batch exists per account at any time.
type Batch struct {
	AccountID  string
	Intents    []*Intent
	State      BatchState
	Retries    int
	EnqueuedAt time.Time
}

// TaskStatus is the terminal status a task unit reports for one intent.
type TaskStatus string

const (
	StatusSucceeded TaskStatus = "succeeded"
	StatusFailed    TaskStatus = "failed"
	StatusSkipped   TaskStatus = "skipped"
)

// TaskResult is returned by TaskUnit.Execute.
type TaskResult struct {
	Status TaskStatus
	Detail string
}

// TaskUnit is one prepare/execute/cleanup feature handler. Implementations
// drive the device through the game UI; they must honor context cancellation
// at their internal yield points so the watchdog can unwind them.
//
// Fatal domain conditions (session expired, modal block, disqualification)
// are reported by returning a *FatalError from Prepare or Execute. Any other
// error is treated as a transient failure of that intent only.
type TaskUnit interface {
	// Prepare returns false (without error) when the task is not currently
	// actionable and should be skipped.
	Prepare(ctx context.Context, intent *Intent, account *AccountConfig) (bool, error)
	Execute(ctx context.Context) (TaskResult, error)
	// Cleanup releases unit-local state. Device/app teardown is not the
	// unit's job: the worker stops the app once per account session.
	Cleanup(ctx context.Context)
}

// InterruptFunc is the preemption hook handed to Interruptible units. A unit
// invokes it at internal yield points with its own priority; strictly
// higher-priority due work is executed inline before the call returns. A
// non-nil error (always a *FatalError) means the unit must abort.
type InterruptFunc func(ctx context.Context, currentPriority int) error

// Interruptible is implemented by long-running units (multi-round
// exploration loops) that poll for higher-priority work between rounds.
type Interruptible interface {
	SetInterrupt(fn InterruptFunc)
}

// SelfRescheduling is implemented by units that compute their own next-due
// time instead of the centrally applied reschedule rule.
type SelfRescheduling interface {
	NextDue(completedAt time.Time, cfg *TaskConfig) (time.Time, bool)
}

// RescanFunc asks the scanner for intents that became due for an account
// while a worker still holds its exclusive device slot. Only intents with
// priority >= minPriority are returned.
type RescanFunc func(ctx context.Context, accountID string, minPriority int) ([]*Intent, error)

// BatchSink accepts scanned batches. Implemented by the Dispatcher.
type BatchSink interface {
	// EnqueueBatch returns false when the account is already queued or
	// running and the batch was dropped.
	EnqueueBatch(accountID string, intents []*Intent) bool
}

// Store is the durable account/task-config backend. All mutations are
// field-scoped and transactional at the single-row level.
type Store interface {
	ListAccountIDs(ctx context.Context) ([]string, error)
	LoadAccount(ctx context.Context, accountID string) (*AccountConfig, error)
	LoadSystemConfig(ctx context.Context) (*SystemConfig, error)
	UpdateTaskSubconfig(ctx context.Context, accountID string, taskType TaskType, patch TaskConfigPatch) error
	SetAccountStatus(ctx context.Context, accountID string, status AccountStatus) error
}
