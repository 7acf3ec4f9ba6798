package device

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ShellRunner executes one adb shell command against a device serial.
type ShellRunner interface {
	RunShell(serial string, args ...string) (string, error)
}

// Resource is the default exclusive device slot: an adb-backed device with
// serialized access and a heartbeat. It satisfies the engine's
// DeviceResource contract.
type Resource struct {
	slot   *Slot
	runner ShellRunner
	app    string
}

// NewResource wraps one device serial. app is the game package name used for
// teardown between account sessions.
func NewResource(serial, app string, runner ShellRunner) *Resource {
	return &Resource{
		slot:   NewSlot(serial),
		runner: runner,
		app:    app,
	}
}

func (r *Resource) Serial() string {
	return r.slot.Serial()
}

func (r *Resource) MarkActivity() {
	r.slot.MarkActivity()
}

func (r *Resource) LastActivity() time.Time {
	return r.slot.LastActivity()
}

// Shell runs an adb shell command under the device slot. Task units drive
// the device through this entry point so their I/O refreshes the heartbeat.
func (r *Resource) Shell(ctx context.Context, args ...string) (string, error) {
	var out string
	err := r.slot.Do(ctx, func() error {
		var shellErr error
		out, shellErr = r.runner.RunShell(r.slot.Serial(), args...)
		return shellErr
	})
	return out, err
}

// StopApp force-stops the game process.
func (r *Resource) StopApp(ctx context.Context) error {
	_, err := r.Shell(ctx, "am", "force-stop", r.app)
	return errors.Wrapf(err, "force-stop %s on %s", r.app, r.Serial())
}

// ClearSession wipes the game's transient cache left from the finished
// account session. Persistent login data is untouched.
func (r *Resource) ClearSession(ctx context.Context) error {
	_, err := r.Shell(ctx, "rm", "-rf", "/sdcard/Android/data/"+r.app+"/cache")
	return errors.Wrapf(err, "clear session cache for %s on %s", r.app, r.Serial())
}
