// Package errdefs holds the error kinds shared across the streaming pipeline.
// Callers wrap them with context and match them with errors.Is.
package errdefs

import "errors"

var (
	// ErrConfiguration is returned for unsupported capture or encoder parameters.
	ErrConfiguration = errors.New("configuration error")
	// ErrEncodeFault reports a mid-stream encoder failure.
	ErrEncodeFault = errors.New("encode fault")
	// ErrSignalingTransport reports a dropped signaling connection.
	ErrSignalingTransport = errors.New("signaling transport error")
	// ErrResourceDenied is returned when capture permission is refused.
	ErrResourceDenied = errors.New("capture permission denied")
	// ErrOrderingViolation marks a candidate applied before its offer or a
	// frame sent before its config unit. It must never happen.
	ErrOrderingViolation = errors.New("ordering violation")
)
