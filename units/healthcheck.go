// Package units holds the task units shipped with the agent binary itself.
// Game-specific chore units live in feature modules and register themselves
// into the same Registry at startup.
package units

import (
	"context"
	"strings"

	farmagent "github.com/emufarm/FarmAgent"
	"github.com/pkg/errors"
)

// TaskHealthCheck probes that the game process is alive on the device and
// launches it when absent.
const TaskHealthCheck farmagent.TaskType = "health_check"

// HealthCheckPriority sits below every chore so probes never preempt work.
const HealthCheckPriority = 10

type shellDevice interface {
	Shell(ctx context.Context, args ...string) (string, error)
}

// RegisterBuiltins installs the units shipped with the binary into reg.
func RegisterBuiltins(reg *farmagent.Registry, gameApp string) error {
	return reg.Register(TaskHealthCheck, HealthCheckPriority, func(device farmagent.DeviceResource) farmagent.TaskUnit {
		return &HealthCheck{device: device, app: gameApp}
	})
}

// HealthCheck is a shell-only unit: it never touches the game UI, so it is
// safe to run on any account session.
type HealthCheck struct {
	device farmagent.DeviceResource
	app    string
}

func (h *HealthCheck) Prepare(ctx context.Context, intent *farmagent.Intent, account *farmagent.AccountConfig) (bool, error) {
	if _, ok := h.device.(shellDevice); !ok {
		return false, nil
	}
	return strings.TrimSpace(h.app) != "", nil
}

func (h *HealthCheck) Execute(ctx context.Context) (farmagent.TaskResult, error) {
	sh := h.device.(shellDevice)
	alive, err := h.processAlive(ctx, sh)
	if err != nil {
		return farmagent.TaskResult{}, err
	}
	if alive {
		return farmagent.TaskResult{Status: farmagent.StatusSucceeded, Detail: "process alive"}, nil
	}
	if _, err := sh.Shell(ctx, "monkey", "-p", h.app, "-c", "android.intent.category.LAUNCHER", "1"); err != nil {
		return farmagent.TaskResult{}, errors.Wrapf(err, "launch %s failed", h.app)
	}
	alive, err = h.processAlive(ctx, sh)
	if err != nil {
		return farmagent.TaskResult{}, err
	}
	if !alive {
		return farmagent.TaskResult{Status: farmagent.StatusFailed, Detail: "process not up after launch"}, nil
	}
	return farmagent.TaskResult{Status: farmagent.StatusSucceeded, Detail: "process launched"}, nil
}

func (h *HealthCheck) processAlive(ctx context.Context, sh shellDevice) (bool, error) {
	// pidof exits non-zero on some images when no process matches; treat
	// shell errors here as "not running" rather than a transient failure.
	out, err := sh.Shell(ctx, "pidof", h.app)
	if err != nil {
		return false, nil
	}
	return strings.TrimSpace(out) != "", nil
}

func (h *HealthCheck) Cleanup(ctx context.Context) {}
