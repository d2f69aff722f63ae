package webrtc

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pkg/errors"

	"github.com/screenrelay/screenrelay/internal/media"
	"github.com/screenrelay/screenrelay/internal/util"
)

type sampleWriter interface {
	WriteSample(sample pionmedia.Sample) error
}

type rtcpReader interface {
	ReadRTCP() ([]rtcp.Packet, interceptor.Attributes, error)
}

// TrackWriter feeds encoded units into an RTP video track. Keyframes carry
// the SPS/PPS in force so a receiver can join at any keyframe. Sample
// durations come from PTS deltas; pion turns them into 90 kHz RTP
// timestamps.
type TrackWriter struct {
	track         sampleWriter
	frameDuration time.Duration
	logger        *slog.Logger

	mu         sync.Mutex
	paramSets  []byte
	lastPTS    int64
	havePTS    bool
	waitingKey bool
	samples    uint64
}

func newTrackWriter(track sampleWriter, frameRate int) *TrackWriter {
	if frameRate <= 0 {
		frameRate = media.DefaultFrameRate
	}
	return &TrackWriter{
		track:         track,
		frameDuration: time.Second / time.Duration(frameRate),
		logger:        util.GetLogger(),
		waitingKey:    true,
	}
}

// Forward writes one unit to the track. Frames are skipped until a config
// unit and then a keyframe have been seen.
func (w *TrackWriter) Forward(u media.Unit) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if u.IsConfig() {
		sps, pps, err := media.SplitParameterSets(u.Data)
		if err != nil {
			return errors.Wrap(err, "invalid config unit")
		}
		prefix, err := media.AnnexB(sps, pps)
		if err != nil {
			return errors.Wrap(err, "failed to encode parameter sets")
		}
		w.paramSets = prefix
		return nil
	}

	if w.paramSets == nil {
		return nil
	}
	if w.waitingKey {
		if !u.KeyFrame {
			return nil
		}
		w.waitingKey = false
	}

	data := u.Data
	if u.KeyFrame {
		data = make([]byte, 0, len(w.paramSets)+len(u.Data))
		data = append(data, w.paramSets...)
		data = append(data, u.Data...)
	}

	duration := w.frameDuration
	if w.havePTS && u.PTS > w.lastPTS {
		duration = time.Duration(u.PTS-w.lastPTS) * time.Microsecond
	}
	w.lastPTS, w.havePTS = u.PTS, true

	if err := w.track.WriteSample(pionmedia.Sample{Data: data, Duration: duration}); err != nil {
		return errors.Wrap(err, "failed to write video sample")
	}
	w.samples++
	return nil
}

// Samples returns how many samples reached the track.
func (w *TrackWriter) Samples() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.samples
}

// wantsKeyFrame reports whether any packet asks the sender for a keyframe.
func wantsKeyFrame(packets []rtcp.Packet) bool {
	for _, p := range packets {
		switch p.(type) {
		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			return true
		}
	}
	return false
}

// readRTCP drains the sender's RTCP until it fails, which happens when the
// peer connection closes. Keyframe requests invoke onKeyFrame.
func readRTCP(r rtcpReader, onKeyFrame func()) {
	for {
		packets, _, err := r.ReadRTCP()
		if err != nil {
			return
		}
		if onKeyFrame != nil && wantsKeyFrame(packets) {
			onKeyFrame()
		}
	}
}
