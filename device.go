package farmagent

import (
	"context"
	"time"
)

// DeviceResource is the exclusive emulated-device slot a worker drives. Every
// I/O call against the device refreshes its activity timestamp; the watchdog
// reads it back to detect inactivity.
type DeviceResource interface {
	Serial() string
	// MarkActivity refreshes the heartbeat. Called by the device adapter on
	// every I/O and by the worker before each intent.
	MarkActivity()
	// LastActivity returns the most recent heartbeat timestamp.
	LastActivity() time.Time
	// StopApp force-stops the game process.
	StopApp(ctx context.Context) error
	// ClearSession wipes transient session data left on the device.
	ClearSession(ctx context.Context) error
}

// DeviceGateway is the low-level adapter (adb) the default device resources
// are built on.
type DeviceGateway interface {
	ListDevices(ctx context.Context) ([]string, error)
	RunShell(serial string, args ...string) (string, error)
}

// FleetStatusUpdate describes one device/account row pushed to the fleet
// recorder.
type FleetStatusUpdate struct {
	DeviceSerial   string
	AccountID      string
	Status         string
	RunningTask    string
	PendingTasks   []string
	LastError      string
	AgentVersion   string
	LastSeenAt     time.Time
}

// FleetRecorder mirrors fleet status rows to an external table for operators.
// Recording is best-effort: failures are logged, never propagated into
// scheduling.
type FleetRecorder interface {
	UpsertStatus(ctx context.Context, updates []FleetStatusUpdate) error
}

// NoopFleetRecorder discards all updates.
type NoopFleetRecorder struct{}

func (NoopFleetRecorder) UpsertStatus(ctx context.Context, updates []FleetStatusUpdate) error {
	return nil
}
