package capture

import (
	"context"
	"log/slog"
	"strings"

	adb "github.com/basiooo/goadb"
	"github.com/pkg/errors"

	"github.com/screenrelay/screenrelay/internal/errdefs"
	"github.com/screenrelay/screenrelay/internal/util"
)

// DeviceInfo describes one device known to the adb server.
type DeviceInfo struct {
	Serial string
	State  string
	Model  string
}

// ADB talks to the local adb server.
type ADB struct {
	client *adb.Adb
	logger *slog.Logger
}

// NewADB connects to the adb server on port, starting it if needed.
func NewADB(port int) (*ADB, error) {
	if port == 0 {
		port = adb.AdbPort
	}
	client, err := adb.NewWithConfig(adb.ServerConfig{Port: port})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create adb client on port %d", port)
	}
	if err := client.StartServer(); err != nil {
		return nil, errors.Wrap(err, "failed to start adb server")
	}
	return &ADB{client: client, logger: util.GetLogger()}, nil
}

// Devices lists every attached device with its state.
func (a *ADB) Devices() ([]DeviceInfo, error) {
	serials, err := a.client.ListDeviceSerials()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list adb devices")
	}
	out := make([]DeviceInfo, 0, len(serials))
	for _, serial := range serials {
		info := DeviceInfo{Serial: serial, State: "unknown"}
		dev := a.client.Device(adb.DeviceWithSerial(serial))
		if state, err := dev.State(); err == nil {
			info.State = deviceStateName(state)
			if state == adb.StateOnline {
				if model, err := dev.RunCommand("getprop", "ro.product.model"); err == nil {
					info.Model = strings.TrimSpace(model)
				}
			}
		}
		out = append(out, info)
	}
	return out, nil
}

// Shell runs a shell command on the device and returns its output.
func (a *ADB) Shell(serial, cmd string, args ...string) (string, error) {
	out, err := a.client.Device(adb.DeviceWithSerial(serial)).RunCommand(cmd, args...)
	if err != nil {
		return "", errors.Wrapf(err, "adb shell %s on %s", cmd, serial)
	}
	return out, nil
}

// WaitOnline returns the serial of an authorized device. With an empty serial
// the first online device is used. While the device is unauthorized the user
// must accept the adb prompt on the device before ctx expires.
func (a *ADB) WaitOnline(ctx context.Context, serial string) (string, error) {
	if found, ok := a.findOnline(serial); ok {
		return found, nil
	}

	watcher := a.client.NewDeviceWatcher()
	defer watcher.Shutdown()

	// The device may have come online between the check and the watcher start.
	if found, ok := a.findOnline(serial); ok {
		return found, nil
	}

	for {
		select {
		case <-ctx.Done():
			if serial == "" {
				return "", errors.Wrap(errdefs.ErrResourceDenied, "no authorized device attached")
			}
			return "", errors.Wrapf(errdefs.ErrResourceDenied, "device %s not authorized", serial)
		case event, ok := <-watcher.C():
			if !ok {
				if err := watcher.Err(); err != nil {
					return "", errors.Wrap(err, "adb device watcher failed")
				}
				return "", errors.New("adb device watcher stopped")
			}
			a.logger.Debug("Device state changed", "serial", event.Serial, "from", event.OldState, "to", event.NewState)
			if event.NewState == adb.StateOnline && (serial == "" || event.Serial == serial) {
				return event.Serial, nil
			}
		}
	}
}

func (a *ADB) findOnline(serial string) (string, bool) {
	devices, err := a.Devices()
	if err != nil {
		a.logger.Warn("Failed to list devices", "error", err)
		return "", false
	}
	for _, d := range devices {
		if (serial == "" || d.Serial == serial) && d.State == deviceStateName(adb.StateOnline) {
			return d.Serial, true
		}
	}
	return "", false
}

func deviceStateName(s adb.DeviceState) string {
	switch s {
	case adb.StateOnline:
		return "online"
	case adb.StateOffline:
		return "offline"
	case adb.StateUnauthorized:
		return "unauthorized"
	case adb.StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
