package farmagent

import (
	"time"
)

// AccountStatus is the persisted lifecycle state of one game account.
type AccountStatus string

const (
	AccountActive AccountStatus = "active"
	// AccountInvalid marks an account whose session expired and needs a
	// manual re-login before it is scheduled again.
	AccountInvalid AccountStatus = "invalid"
	// AccountTransferring marks an account listed for transfer; it is
	// excluded from scheduling until the listing resolves.
	AccountTransferring AccountStatus = "transferring"
	AccountDisabled     AccountStatus = "disabled"
)

// TaskConfigSchemaVersion is bumped whenever the TaskConfig shape changes in
// a way the store migration has to handle.
const TaskConfigSchemaVersion = 1

// RescheduleMode selects how a task's next-due time is computed after a
// successful run.
type RescheduleMode string

const (
	// RescheduleOffset sets next-due to completion time plus Offset.
	RescheduleOffset RescheduleMode = "offset"
	// RescheduleDaily sets next-due to the next occurrence of TimeOfDay.
	RescheduleDaily RescheduleMode = "daily"
	// RescheduleSlots sets next-due to the next slot from a fixed list of
	// clock times.
	RescheduleSlots RescheduleMode = "slots"
)

// RescheduleRule is the per-task-type reschedule policy applied centrally
// when the unit does not reschedule itself.
type RescheduleRule struct {
	Mode      RescheduleMode
	Offset    time.Duration
	TimeOfDay string   // "15:04" local clock, RescheduleDaily only
	Slots     []string // "15:04" local clock times, RescheduleSlots only
}

// TaskConfig is the typed per-task scheduling config. It replaces the old
// free-form per-account JSON blob with a small versioned schema.
type TaskConfig struct {
	SchemaVersion int
	Enabled       bool
	// NextDueAt gates time-based tasks: the task is due once it is reached.
	NextDueAt time.Time
	// FailDelay pushes NextDueAt forward after a failed or cancelled run so
	// a persistently failing task does not busy-loop the scanner.
	FailDelay time.Duration
	// Counter/CounterThreshold gate condition-based tasks: the task is due
	// once Counter crosses CounterThreshold (threshold 0 disables the rule).
	Counter          int64
	CounterThreshold int64
	Reschedule       RescheduleRule
	// Params carries task-specific tunables opaque to the engine.
	Params map[string]string
}

// DefaultFailDelay applies when a task config carries no explicit fail delay.
const DefaultFailDelay = 30 * time.Minute

// failDelay returns the effective fail delay for this task.
func (c *TaskConfig) failDelay() time.Duration {
	if c == nil || c.FailDelay <= 0 {
		return DefaultFailDelay
	}
	return c.FailDelay
}

// DueAt reports whether the task is due at the given instant.
func (c *TaskConfig) DueAt(now time.Time) bool {
	if c == nil || !c.Enabled {
		return false
	}
	if !c.NextDueAt.IsZero() && !c.NextDueAt.After(now) {
		return true
	}
	if c.CounterThreshold > 0 && c.Counter >= c.CounterThreshold {
		return true
	}
	return false
}

// AccountConfig is one account's scheduling view: status plus per-task-type
// configs.
type AccountConfig struct {
	ID     string
	Status AccountStatus
	Tasks  map[TaskType]*TaskConfig
}

// Task returns the config for taskType, or nil when the account does not
// carry that task.
func (a *AccountConfig) Task(taskType TaskType) *TaskConfig {
	if a == nil {
		return nil
	}
	return a.Tasks[taskType]
}

// Schedulable reports whether the account may receive new batches.
func (a *AccountConfig) Schedulable() bool {
	return a != nil && a.Status == AccountActive
}

// TaskConfigPatch is a field-scoped update to one task config. Nil fields
// are left untouched; the store applies the patch in a single-row
// transaction.
type TaskConfigPatch struct {
	Enabled   *bool
	NextDueAt *time.Time
	Counter   *int64
}

// SystemConfig carries fleet-wide tunables persisted alongside accounts.
type SystemConfig struct {
	ScanInterval     time.Duration
	SignatureTTL     time.Duration
	StaleTimeout     time.Duration
	MaxRescanRounds  int
	DefaultFailDelay time.Duration
}
