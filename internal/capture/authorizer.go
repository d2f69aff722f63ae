package capture

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/screenrelay/screenrelay/internal/util"
)

// DefaultGrantTimeout bounds how long a permission request may wait for the
// device and the operator.
const DefaultGrantTimeout = 60 * time.Second

// DeviceWaiter resolves a device serial once the device is authorized.
type DeviceWaiter interface {
	WaitOnline(ctx context.Context, serial string) (string, error)
}

// Authorizer implements the permission half of a Platform: the device must be
// authorized on adb (when a waiter is set) and the operator must consent.
type Authorizer struct {
	device  string
	waiter  DeviceWaiter
	consent *Consent
	timeout time.Duration
	debug   bool
}

// NewAuthorizer returns an authorizer for device. waiter may be nil for
// sources that need no device authorization.
func NewAuthorizer(device string, waiter DeviceWaiter, consent *Consent, timeout time.Duration) *Authorizer {
	if timeout <= 0 {
		timeout = DefaultGrantTimeout
	}
	return &Authorizer{
		device:  device,
		waiter:  waiter,
		consent: consent,
		timeout: timeout,
		debug:   util.IsVerbose(),
	}
}

func (a *Authorizer) RequestCapturePermission(ctx context.Context, done func(granted bool, grant Grant)) {
	go func() {
		logger := util.GetLogger()
		granted, grant := false, Grant{}
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Permission request panicked", "panic", r, "stack", string(debug.Stack()))
				granted, grant = false, Grant{}
			}
			done(granted, grant)
		}()

		ctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()

		device, err := a.resolveDevice(ctx)
		if err != nil {
			logger.Warn("Capture device unavailable", "error", err)
			return
		}

		ok, err := a.consent.Confirm(ctx, device)
		if err != nil {
			logger.Warn("Capture consent not given", "device", device, "error", err)
			return
		}
		if ok {
			granted, grant = true, NewGrant(device)
		}
	}()
}

func (a *Authorizer) resolveDevice(ctx context.Context) (string, error) {
	if a.waiter == nil {
		return a.device, nil
	}

	target := a.device
	if target == "" {
		target = "any device"
	}
	spinner := util.NewUISpinner(a.debug, fmt.Sprintf("Waiting for %s to be authorized", target))
	serial, err := a.waiter.WaitOnline(ctx, a.device)
	if err != nil {
		spinner.Fail(err.Error())
		return "", err
	}
	spinner.Success(fmt.Sprintf("Device %s ready", serial))
	return serial, nil
}
