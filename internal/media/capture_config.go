package media

import (
	"fmt"

	"github.com/screenrelay/screenrelay/internal/errdefs"
)

// Encoder defaults used when no configuration overrides them.
const (
	DefaultMaxWidth       = 320
	DefaultMaxHeight      = 640
	DefaultBitrate        = 512 * 1024
	DefaultFrameRate      = 15
	DefaultIFrameInterval = 10
)

// EncoderConfig holds the encode limits and rate settings.
type EncoderConfig struct {
	MaxWidth              int
	MaxHeight             int
	Bitrate               int
	FrameRate             int
	IFrameIntervalSeconds int
}

// DefaultEncoderConfig returns the built-in encoder settings.
func DefaultEncoderConfig() EncoderConfig {
	return EncoderConfig{
		MaxWidth:              DefaultMaxWidth,
		MaxHeight:             DefaultMaxHeight,
		Bitrate:               DefaultBitrate,
		FrameRate:             DefaultFrameRate,
		IFrameIntervalSeconds: DefaultIFrameInterval,
	}
}

// Validate checks that every field is usable by an encoder.
func (c EncoderConfig) Validate() error {
	switch {
	case c.MaxWidth < 2 || c.MaxHeight < 2:
		return fmt.Errorf("%w: max encode size %dx%d", errdefs.ErrConfiguration, c.MaxWidth, c.MaxHeight)
	case c.Bitrate <= 0:
		return fmt.Errorf("%w: bitrate %d", errdefs.ErrConfiguration, c.Bitrate)
	case c.FrameRate <= 0:
		return fmt.Errorf("%w: frame rate %d", errdefs.ErrConfiguration, c.FrameRate)
	case c.IFrameIntervalSeconds < 0:
		return fmt.Errorf("%w: i-frame interval %d", errdefs.ErrConfiguration, c.IFrameIntervalSeconds)
	}
	return nil
}

// CaptureConfig describes the captured display and the size it is encoded at.
type CaptureConfig struct {
	SourceWidth  int
	SourceHeight int
	Density      int
	TargetWidth  int
	TargetHeight int
}

// NewCaptureConfig derives the encode size for a source display. The target
// keeps the source aspect ratio, fits inside the encoder limits and has even
// dimensions.
func NewCaptureConfig(sourceWidth, sourceHeight, density int, enc EncoderConfig) (CaptureConfig, error) {
	if sourceWidth <= 0 || sourceHeight <= 0 {
		return CaptureConfig{}, fmt.Errorf("%w: source size %dx%d", errdefs.ErrConfiguration, sourceWidth, sourceHeight)
	}
	if enc.MaxWidth < 2 || enc.MaxHeight < 2 {
		return CaptureConfig{}, fmt.Errorf("%w: max encode size %dx%d", errdefs.ErrConfiguration, enc.MaxWidth, enc.MaxHeight)
	}

	width, height := sourceWidth, sourceHeight
	if width > enc.MaxWidth || height > enc.MaxHeight {
		// Compare h/w against maxH/maxW without floating point.
		if sourceHeight*enc.MaxWidth > enc.MaxHeight*sourceWidth {
			height = enc.MaxHeight
			width = enc.MaxHeight * sourceWidth / sourceHeight
		} else {
			width = enc.MaxWidth
			height = enc.MaxWidth * sourceHeight / sourceWidth
		}
	}

	return CaptureConfig{
		SourceWidth:  sourceWidth,
		SourceHeight: sourceHeight,
		Density:      density,
		TargetWidth:  roundDownEven(width),
		TargetHeight: roundDownEven(height),
	}, nil
}

// MaxSide returns the longer target dimension.
func (c CaptureConfig) MaxSide() int {
	return max(c.TargetWidth, c.TargetHeight)
}

func roundDownEven(v int) int {
	v &^= 1
	if v < 2 {
		return 2
	}
	return v
}
