// Package encoder drains a video encoder's output queue and turns it into
// config and frame units.
package encoder

import (
	"time"

	"github.com/screenrelay/screenrelay/internal/media"
)

// OutputKind is the result of one DequeueOutput call.
type OutputKind int

const (
	// OutputTryAgain means no output was ready before the timeout.
	OutputTryAgain OutputKind = iota
	// OutputFormatChanged carries new parameter sets in Output.ParameterSets.
	OutputFormatChanged
	// OutputBuffer carries an encoded buffer that must be released.
	OutputBuffer
)

// BufferFlags describe an output buffer.
type BufferFlags uint8

const (
	FlagKeyFrame BufferFlags = 1 << iota
	FlagCodecConfig
	FlagEndOfStream
)

// Output is one dequeued encoder event. For OutputBuffer, Data points into
// codec-owned memory that is reused once ReleaseOutput(Index) is called.
type Output struct {
	Kind          OutputKind
	Index         int
	Data          []byte
	Flags         BufferFlags
	PTS           int64
	ParameterSets [][]byte
}

// Codec is a hardware or remote encoder with a pollable output queue.
type Codec interface {
	Configure(enc media.EncoderConfig, capture media.CaptureConfig) error
	Start() error
	DequeueOutput(timeout time.Duration) (Output, error)
	ReleaseOutput(index int)
	Stop() error
	Release() error
}

// KeyFrameRequester is implemented by codecs that can be asked for an
// immediate keyframe.
type KeyFrameRequester interface {
	RequestKeyFrame()
}
