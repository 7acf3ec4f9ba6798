package adb

import (
	"context"
	"strings"

	"github.com/httprunner/httprunner/v5/pkg/gadb"
	"github.com/pkg/errors"
)

// Gateway implements the engine's DeviceGateway on top of gadb. Emulator
// instances register with the host adb server like physical devices, so one
// gateway covers both.
type Gateway struct {
	client gadb.Client
}

// New creates a Gateway backed by the given gadb client.
func New(client gadb.Client) *Gateway {
	return &Gateway{client: client}
}

// NewDefault creates a Gateway using a default gadb client.
func NewDefault() (*Gateway, error) {
	client, err := gadb.NewClient()
	if err != nil {
		return nil, errors.Wrap(err, "init adb client for gateway")
	}
	return New(client), nil
}

// ListDevices returns all available device serials from adb.
func (g *Gateway) ListDevices(ctx context.Context) ([]string, error) {
	return g.client.DeviceSerialList()
}

// RunShell executes a shell command on the given device serial.
func (g *Gateway) RunShell(serial string, args ...string) (string, error) {
	if g == nil {
		return "", errors.New("adb gateway is nil")
	}
	if len(args) == 0 {
		return "", errors.New("adb gateway: empty shell command")
	}
	devs, err := g.client.DeviceList()
	if err != nil {
		return "", errors.Wrap(err, "list adb devices")
	}
	target := strings.TrimSpace(serial)
	for _, d := range devs {
		if d == nil {
			continue
		}
		if strings.TrimSpace(d.Serial()) == target {
			return d.RunShellCommand(args[0], args[1:]...)
		}
	}
	return "", errors.Errorf("device %s not found", serial)
}
