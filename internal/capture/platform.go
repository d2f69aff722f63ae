// Package capture reaches the device screen: it obtains the operator's
// permission and starts an encoder over the captured display.
package capture

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/screenrelay/screenrelay/internal/encoder"
	"github.com/screenrelay/screenrelay/internal/media"
)

// Grant is the opaque token of a granted capture permission.
type Grant struct {
	ID        uuid.UUID
	Device    string
	GrantedAt time.Time
}

// NewGrant issues a grant for a device.
func NewGrant(device string) Grant {
	return Grant{ID: uuid.New(), Device: device, GrantedAt: time.Now()}
}

// Valid reports whether g came from NewGrant.
func (g Grant) Valid() bool {
	return g.ID != uuid.Nil
}

// FrameSource is a started capture. The pipeline drains Codec; Close releases
// the device once the drain has exited.
type FrameSource interface {
	Codec() encoder.Codec
	CaptureConfig() media.CaptureConfig
	Close() error
}

// Platform is the screen mirroring primitive.
type Platform interface {
	// RequestCapturePermission asks for permission asynchronously and calls
	// done exactly once, never before it returns.
	RequestCapturePermission(ctx context.Context, done func(granted bool, grant Grant))
	// BeginCapture starts capturing the granted device. The capture size is
	// derived from the display and the encoder limits.
	BeginCapture(ctx context.Context, grant Grant, enc media.EncoderConfig) (FrameSource, error)
}
