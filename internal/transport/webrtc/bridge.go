package webrtc

import (
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"

	"github.com/screenrelay/screenrelay/internal/negotiation"
	"github.com/screenrelay/screenrelay/internal/util"
)

var (
	// ErrChannelNotOpen is returned by Send before the data channel opens or
	// after it closes.
	ErrChannelNotOpen = errors.New("data channel not open")
	// ErrBackpressure is returned by Send when the channel buffer is above the
	// high-water mark.
	ErrBackpressure = errors.New("data channel buffer full")
)

// Factory creates one Bridge per negotiation session.
type Factory struct {
	api        *webrtc.API
	cfg        Config
	onKeyFrame func()
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithKeyFrameRequest sets the callback run when a viewer's RTCP asks for a
// keyframe.
func WithKeyFrameRequest(fn func()) FactoryOption {
	return func(f *Factory) {
		f.onKeyFrame = fn
	}
}

func NewFactory(cfg Config, opts ...FactoryOption) (*Factory, error) {
	api, err := newAPI()
	if err != nil {
		return nil, err
	}
	f := &Factory{api: api, cfg: cfg}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// NewBridge satisfies negotiation.BridgeFactory.
func (f *Factory) NewBridge(sessionID string, sink negotiation.EventSink) (negotiation.Bridge, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.cfg.iceServers()})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create peer connection")
	}

	b := &Bridge{
		id:          sessionID,
		pc:          pc,
		sink:        sink,
		maxBuffered: f.cfg.MaxBufferedBytes,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		logger:      util.GetLogger().With("session", sessionID),
	}

	if f.cfg.VideoTrack {
		if err := b.addVideoTrack(f.cfg.FrameRate, f.onKeyFrame); err != nil {
			pc.Close()
			return nil, err
		}
	}

	b.wire()
	go b.runEvents()
	return b, nil
}

// Bridge adapts one pion peer connection to the negotiation state machine.
// pion callbacks are queued and delivered to the sink from a single goroutine
// in the order they fired.
type Bridge struct {
	id          string
	pc          *webrtc.PeerConnection
	sink        negotiation.EventSink
	maxBuffered uint64
	track       *TrackWriter
	logger      *slog.Logger

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	dc      *webrtc.DataChannel
	pending []func()
}

var _ negotiation.Bridge = (*Bridge)(nil)

func (b *Bridge) addVideoTrack(frameRate int, onKeyFrame func()) error {
	track, err := webrtc.NewTrackLocalStaticSample(videoCodecCapability(), "video", "screen-"+b.id)
	if err != nil {
		return errors.Wrap(err, "failed to create video track")
	}
	sender, err := b.pc.AddTrack(track)
	if err != nil {
		return errors.Wrap(err, "failed to add video track")
	}
	b.track = newTrackWriter(track, frameRate)
	go readRTCP(sender, onKeyFrame)
	return nil
}

func (b *Bridge) wire() {
	b.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		mid := ""
		if init.SDPMid != nil {
			mid = *init.SDPMid
		}
		index := 0
		if init.SDPMLineIndex != nil {
			index = int(*init.SDPMLineIndex)
		}
		b.emit(func() { b.sink.OnLocalCandidate(mid, index, init.Candidate) })
	})

	b.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		b.logger.Debug("Peer connection state changed", "state", s.String())
		if s == webrtc.PeerConnectionStateFailed {
			b.emit(b.sink.OnChannelClose)
		}
	})

	b.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		b.logger.Debug("ICE connection state changed", "state", s.String())
	})

	b.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ChannelLabel {
			b.logger.Warn("Ignoring unexpected data channel", "label", dc.Label())
			return
		}
		b.attach(dc)
	})
}

func (b *Bridge) attach(dc *webrtc.DataChannel) {
	b.mu.Lock()
	b.dc = dc
	b.mu.Unlock()

	dc.OnOpen(func() {
		b.logger.Info("Data channel opened", "label", dc.Label())
		b.emit(b.sink.OnChannelOpen)
	})
	dc.OnClose(func() {
		b.logger.Info("Data channel closed", "label", dc.Label())
		b.emit(b.sink.OnChannelClose)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		b.logger.Debug("Ignoring data channel message", "bytes", len(msg.Data))
	})
}

// emit queues an event for the sink without blocking. Events after Close
// are dropped.
func (b *Bridge) emit(fn func()) {
	select {
	case <-b.done:
		return
	default:
	}

	b.mu.Lock()
	b.pending = append(b.pending, fn)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Bridge) runEvents() {
	for {
		select {
		case <-b.done:
			return
		case <-b.wake:
		}

		b.mu.Lock()
		batch := b.pending
		b.pending = nil
		b.mu.Unlock()

		for _, fn := range batch {
			select {
			case <-b.done:
				return
			default:
			}
			fn()
		}
	}
}

func (b *Bridge) ApplyRemoteOffer(sdp string) error {
	if err := b.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return errors.Wrap(err, "failed to set remote offer")
	}
	answer, err := b.pc.CreateAnswer(nil)
	if err != nil {
		return errors.Wrap(err, "failed to create answer")
	}
	if err := b.pc.SetLocalDescription(answer); err != nil {
		return errors.Wrap(err, "failed to set local answer")
	}
	b.emit(func() { b.sink.OnLocalDescription(answer.Type.String(), answer.SDP) })
	return nil
}

func (b *Bridge) ApplyRemoteAnswer(sdp string) error {
	err := b.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
	return errors.Wrap(err, "failed to set remote answer")
}

func (b *Bridge) ApplyRemoteCandidate(sdpMid string, sdpMLineIndex int, candidate string) error {
	index := uint16(sdpMLineIndex)
	err := b.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate,
		SDPMid:        &sdpMid,
		SDPMLineIndex: &index,
	})
	return errors.Wrap(err, "failed to add remote candidate")
}

// StartLocalNegotiation creates the data channel and the local offer.
func (b *Bridge) StartLocalNegotiation() error {
	ordered := true
	dc, err := b.pc.CreateDataChannel(ChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return errors.Wrap(err, "failed to create data channel")
	}
	b.attach(dc)

	offer, err := b.pc.CreateOffer(nil)
	if err != nil {
		return errors.Wrap(err, "failed to create offer")
	}
	if err := b.pc.SetLocalDescription(offer); err != nil {
		return errors.Wrap(err, "failed to set local offer")
	}
	b.emit(func() { b.sink.OnLocalDescription(offer.Type.String(), offer.SDP) })
	return nil
}

// Send writes one framed unit to the data channel.
func (b *Bridge) Send(data []byte) error {
	b.mu.Lock()
	dc := b.dc
	b.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	if b.maxBuffered > 0 && dc.BufferedAmount() > b.maxBuffered {
		return ErrBackpressure
	}
	return dc.Send(data)
}

// Track returns the video track writer, or nil when the track is disabled.
func (b *Bridge) Track() *TrackWriter {
	return b.track
}

// Close stops event delivery and closes the peer connection. It may be called
// from a sink callback.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		err = b.pc.Close()
	})
	return errors.Wrap(err, "failed to close peer connection")
}
