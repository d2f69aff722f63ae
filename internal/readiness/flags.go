// Package readiness holds the process-wide capture and channel readiness
// flags. A single Flags value is created by the streamer and passed by
// pointer to every component that reads or writes it.
package readiness

import "sync/atomic"

// Flags is safe for concurrent use. Both flags start false and may be reset
// on teardown.
type Flags struct {
	captureGranted  atomic.Bool
	dataChannelOpen atomic.Bool
}

// New returns cleared flags.
func New() *Flags {
	return &Flags{}
}

func (f *Flags) CaptureGranted() bool {
	return f.captureGranted.Load()
}

func (f *Flags) SetCaptureGranted(v bool) {
	f.captureGranted.Store(v)
}

func (f *Flags) DataChannelOpen() bool {
	return f.dataChannelOpen.Load()
}

func (f *Flags) SetDataChannelOpen(v bool) {
	f.dataChannelOpen.Store(v)
}

// Reset clears both flags.
func (f *Flags) Reset() {
	f.captureGranted.Store(false)
	f.dataChannelOpen.Store(false)
}
