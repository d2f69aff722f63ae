// Package webrtc implements the negotiation bridge on top of pion. Each
// session owns one peer connection carrying the "screenStream" data channel
// and, optionally, an H.264 video track.
package webrtc

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"

	"github.com/screenrelay/screenrelay/internal/media"
	"github.com/screenrelay/screenrelay/internal/util"
)

const (
	// ChannelLabel names the data channel that carries framed media.
	ChannelLabel = "screenStream"

	DefaultSTUNServer = "stun:stun.l.google.com:19302"

	// DefaultMaxBufferedBytes is the data channel high-water mark above which
	// sends are dropped.
	DefaultMaxBufferedBytes = 4 << 20

	h264FmtpLine = "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f"
)

// Config holds the peer connection settings shared by every session.
type Config struct {
	STUNServers      []string
	VideoTrack       bool
	MaxBufferedBytes uint64
	// FrameRate sets the sample duration used before PTS deltas are known.
	FrameRate int
}

// DefaultConfig returns a config using the public Google STUN server.
func DefaultConfig() Config {
	return Config{
		STUNServers:      []string{DefaultSTUNServer},
		MaxBufferedBytes: DefaultMaxBufferedBytes,
		FrameRate:        media.DefaultFrameRate,
	}
}

func (c Config) iceServers() []webrtc.ICEServer {
	if len(c.STUNServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: c.STUNServers}}
}

var videoRTCPFeedback = []webrtc.RTCPFeedback{
	{Type: "ccm", Parameter: "fir"},
	{Type: "nack", Parameter: "pli"},
	{Type: "nack"},
	{Type: "goog-remb"},
}

func videoCodecCapability() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:     webrtc.MimeTypeH264,
		ClockRate:    90000,
		SDPFmtpLine:  h264FmtpLine,
		RTCPFeedback: videoRTCPFeedback,
	}
}

// newAPI builds the pion API with H.264 as the only video codec and pion's
// logging routed through slog.
func newAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: videoCodecCapability(),
		PayloadType:        96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, errors.Wrap(err, "failed to register H264 codec")
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, errors.Wrap(err, "failed to register interceptors")
	}

	s := webrtc.SettingEngine{LoggerFactory: util.PionLoggerFactory{}}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(s),
	), nil
}
