// Package streamer runs one capture session: it connects signaling, asks for
// capture permission when a viewer shows up, drives the encoder and fans its
// output out to every viewer's data channel.
package streamer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/screenrelay/screenrelay/internal/capture"
	"github.com/screenrelay/screenrelay/internal/encoder"
	"github.com/screenrelay/screenrelay/internal/errdefs"
	"github.com/screenrelay/screenrelay/internal/fanout"
	"github.com/screenrelay/screenrelay/internal/media"
	"github.com/screenrelay/screenrelay/internal/negotiation"
	"github.com/screenrelay/screenrelay/internal/readiness"
	"github.com/screenrelay/screenrelay/internal/sendgate"
	"github.com/screenrelay/screenrelay/internal/signaling"
	"github.com/screenrelay/screenrelay/internal/transport/webrtc"
	"github.com/screenrelay/screenrelay/internal/util"
)

const trackSinkSuffix = "/track"

var errStopped = errors.New("streamer stopped")

// Config holds the settings of one stream.
type Config struct {
	SignalingURL        string
	Encoder             media.EncoderConfig
	PollTimeout         time.Duration
	MaxQueuedCandidates int
	WebRTC              webrtc.Config
}

// Signaling is the connection to the rendezvous relay.
type Signaling interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Send(msg signaling.Message) error
	EndSession(peerID string) error
}

// Option customizes a Streamer.
type Option func(*Streamer)

// WithBridgeFactory replaces the pion bridge factory.
func WithBridgeFactory(f negotiation.BridgeFactory) Option {
	return func(s *Streamer) {
		s.newBridge = f
	}
}

// WithSignaling replaces the websocket signaling client. newSignaling is
// handed the listener that must receive the connection's events.
func WithSignaling(newSignaling func(l signaling.Listener) Signaling) Option {
	return func(s *Streamer) {
		s.newSignaling = newSignaling
	}
}

// Streamer owns the readiness flags, the orchestrator and, once permission is
// granted, the capture source and its encoder pipeline.
type Streamer struct {
	cfg          Config
	platform     capture.Platform
	flags        *readiness.Flags
	hub          *fanout.Hub
	orch         *negotiation.Orchestrator
	signal       Signaling
	newBridge    negotiation.BridgeFactory
	newSignaling func(l signaling.Listener) Signaling
	logger       *slog.Logger
	errs         chan error

	// captureMu serializes starting and releasing the capture.
	captureMu sync.Mutex

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	running    bool
	stopped    bool
	gates      map[string]*sendgate.Gate
	source     capture.FrameSource
	pipeline   *encoder.Pipeline
	stopDrain  context.CancelFunc
	drainDone  chan struct{}
	generation int
}

var (
	_ negotiation.ResourceRequester = (*Streamer)(nil)
	_ negotiation.Observer          = (*Streamer)(nil)
	_ signaling.Listener            = (*Streamer)(nil)
)

// New wires a streamer for platform. Nothing is started until Start.
func New(cfg Config, platform capture.Platform, opts ...Option) (*Streamer, error) {
	if err := cfg.Encoder.Validate(); err != nil {
		return nil, err
	}

	s := &Streamer{
		cfg:      cfg,
		platform: platform,
		flags:    readiness.New(),
		hub:      fanout.NewHub(),
		logger:   util.GetLogger(),
		errs:     make(chan error, 8),
		gates:    make(map[string]*sendgate.Gate),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.newBridge == nil {
		factory, err := webrtc.NewFactory(cfg.WebRTC, webrtc.WithKeyFrameRequest(s.requestKeyFrame))
		if err != nil {
			return nil, errors.Wrap(err, "failed to create webrtc factory")
		}
		s.newBridge = factory.NewBridge
	}
	if s.newSignaling == nil {
		s.newSignaling = func(l signaling.Listener) Signaling {
			return signaling.NewClient(cfg.SignalingURL, l)
		}
	}

	s.signal = s.newSignaling(s)
	s.orch = negotiation.NewOrchestrator(s.flags, s.newBridge, s.signal, s,
		negotiation.WithMaxQueuedCandidates(cfg.MaxQueuedCandidates),
		negotiation.WithObserver(s))
	return s, nil
}

// Flags returns the readiness flags shared with the orchestrator.
func (s *Streamer) Flags() *readiness.Flags {
	return s.flags
}

// Orchestrator returns the negotiation state machine.
func (s *Streamer) Orchestrator() *negotiation.Orchestrator {
	return s.orch
}

// Errors reports conditions the operator should see: permission denials,
// encoder faults, the end of the capture and signaling loss. Signaling loss
// is the only one that ends the stream.
func (s *Streamer) Errors() <-chan error {
	return s.errs
}

// Start connects to the relay. Capture starts once a viewer arrives and
// permission is granted.
func (s *Streamer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return errors.New("streamer already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.mu.Unlock()

	if err := s.signal.Connect(ctx); err != nil {
		_ = s.Stop()
		return errors.Wrap(err, "failed to connect signaling")
	}
	return nil
}

// Run starts the streamer and stops it when ctx is done or signaling is lost.
func (s *Streamer) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	done := s.ctx.Done()
	s.mu.Unlock()

	<-done
	return s.Stop()
}

// Stop ends the capture session in order: the drain loop is cancelled, every
// session is closed, the capture source is released once the drain loop has
// exited, and signaling is disconnected last. Later calls do nothing.
func (s *Streamer) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	// the drain loop and any pending permission request run under this context
	if cancel != nil {
		cancel()
	}
	s.orch.CloseAll()

	err := s.stopCapture()
	if derr := s.signal.Disconnect(); derr != nil && err == nil {
		err = errors.Wrap(derr, "failed to disconnect signaling")
	}
	s.flags.Reset()
	s.logger.Info("Streamer stopped")
	return err
}

// RequestResource implements negotiation.ResourceRequester.
func (s *Streamer) RequestResource() {
	s.mu.Lock()
	ctx := s.ctx
	stopped := s.stopped
	s.mu.Unlock()
	if ctx == nil || stopped {
		s.logger.Debug("Ignoring permission request outside a running stream")
		go s.onPermission(false, capture.Grant{})
		return
	}
	s.platform.RequestCapturePermission(ctx, s.onPermission)
}

func (s *Streamer) onPermission(granted bool, grant capture.Grant) {
	if !granted {
		s.report(s.orch.ResourceDenied(nil))
		return
	}
	err := s.startCapture(grant)
	if errors.Is(err, errStopped) {
		s.logger.Debug("Permission arrived after stop")
		return
	}
	if err != nil {
		s.logger.Error("Failed to start capture", "error", err)
		s.report(s.orch.ResourceDenied(err))
		return
	}
	s.orch.ResourceGranted()
}

func (s *Streamer) startCapture(grant capture.Grant) error {
	s.captureMu.Lock()
	defer s.captureMu.Unlock()

	s.mu.Lock()
	ctx, stopped, running := s.ctx, s.stopped, s.pipeline != nil
	s.mu.Unlock()
	switch {
	case stopped:
		return errStopped
	case running:
		return nil
	}

	src, err := s.platform.BeginCapture(ctx, grant, s.cfg.Encoder)
	if err != nil {
		return errors.Wrap(err, "failed to begin capture")
	}
	pipeline := encoder.NewPipeline(src.Codec(), encoder.WithPollTimeout(s.cfg.PollTimeout))
	if err := pipeline.Configure(s.cfg.Encoder, src.CaptureConfig()); err != nil {
		_ = pipeline.Stop()
		_ = src.Close()
		return err
	}

	s.hub.Reset()
	drainCtx, stopDrain := context.WithCancel(ctx)
	units, err := pipeline.Start(drainCtx)
	if err != nil {
		stopDrain()
		_ = pipeline.Stop()
		_ = src.Close()
		return err
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		stopDrain()
		_ = pipeline.Stop()
		_ = src.Close()
		return errStopped
	}
	s.generation++
	s.source, s.pipeline = src, pipeline
	s.stopDrain, s.drainDone = stopDrain, make(chan struct{})
	go s.drain(drainCtx, s.generation, pipeline, units, s.drainDone)
	s.mu.Unlock()

	cfg := src.CaptureConfig()
	s.logger.Info("Capture started", "device", grant.Device,
		"width", cfg.TargetWidth, "height", cfg.TargetHeight, "fps", s.cfg.Encoder.FrameRate)
	return nil
}

// drain publishes encoder output until the pipeline closes its channel, then
// tears the capture down unless Stop is already doing so.
func (s *Streamer) drain(ctx context.Context, generation int, pipeline *encoder.Pipeline, units <-chan media.Unit, done chan struct{}) {
	s.hub.Run(ctx, units)
	close(done)
	if ctx.Err() != nil {
		return
	}

	var err error
	select {
	case err = <-pipeline.Errors():
	default:
	}

	s.mu.Lock()
	current := s.generation == generation && !s.stopped
	s.mu.Unlock()
	if !current {
		return
	}

	if stopErr := s.stopCapture(); stopErr != nil {
		s.logger.Warn("Failed to release capture", "error", stopErr)
	}
	// a new viewer asks for permission again
	s.flags.SetCaptureGranted(false)

	if err != nil {
		s.logger.Error("Encoder failed, capture stopped", "error", err)
		s.report(err)
		return
	}
	s.logger.Info("Capture reached end of stream")
	s.report(errors.New("capture ended"))
}

// stopCapture cancels the drain, waits for it to exit, then releases the
// pipeline and the source.
func (s *Streamer) stopCapture() error {
	s.captureMu.Lock()
	defer s.captureMu.Unlock()

	s.mu.Lock()
	src, pipeline := s.source, s.pipeline
	stopDrain, drainDone := s.stopDrain, s.drainDone
	s.source, s.pipeline = nil, nil
	s.stopDrain, s.drainDone = nil, nil
	s.mu.Unlock()

	if stopDrain != nil {
		stopDrain()
		<-drainDone
	}

	var err error
	if pipeline != nil {
		if perr := pipeline.Stop(); perr != nil {
			err = errors.Wrap(perr, "failed to stop encoder")
		}
	}
	if src != nil {
		if cerr := src.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "failed to release capture source")
		}
	}
	return err
}

func (s *Streamer) requestKeyFrame() {
	s.mu.Lock()
	pipeline := s.pipeline
	s.mu.Unlock()
	if pipeline != nil {
		pipeline.RequestKeyFrame()
	}
}

func (s *Streamer) report(err error) {
	if err == nil {
		return
	}
	select {
	case s.errs <- err:
	default:
		s.logger.Debug("Dropping streamer error, nobody is listening", "error", err)
	}
}

// SessionStarted attaches a closed gate for the new session, plus its video
// track when the bridge carries one.
func (s *Streamer) SessionStarted(id string, bridge negotiation.Bridge) {
	gate := sendgate.New(id, bridge)
	s.mu.Lock()
	s.gates[id] = gate
	s.mu.Unlock()

	s.hub.Attach(id, gate)
	if tb, ok := bridge.(interface{ Track() *webrtc.TrackWriter }); ok {
		if track := tb.Track(); track != nil {
			s.hub.Attach(id+trackSinkSuffix, track)
		}
	}
}

// ChannelStateChanged opens or closes the session's gate. An opened channel
// also asks the encoder for a keyframe so the viewer can start decoding.
func (s *Streamer) ChannelStateChanged(id string, open bool) {
	s.mu.Lock()
	gate := s.gates[id]
	s.mu.Unlock()
	if gate == nil {
		return
	}

	if err := gate.SetOpen(open); err != nil {
		s.logger.Warn("Failed to re-send config", "session", id, "error", err)
	}
	if open {
		s.requestKeyFrame()
	}
}

func (s *Streamer) SessionEnded(id string) {
	s.hub.Detach(id)
	s.hub.Detach(id + trackSinkSuffix)

	s.mu.Lock()
	gate := s.gates[id]
	delete(s.gates, id)
	s.mu.Unlock()

	if gate != nil {
		st := gate.Stats()
		s.logger.Info("Session stats", "session", id,
			"forwarded", st.Forwarded, "dropped", st.Dropped, "resent", st.Resent)
	}
}

func (s *Streamer) OnOpen() {
	s.orch.OnOpen()
}

func (s *Streamer) OnMessage(msg signaling.Message) {
	s.orch.OnMessage(msg)
}

// OnClose ends every session. Unless the streamer is stopping, a relay that
// closed the connection ends the stream the same way a transport error does.
func (s *Streamer) OnClose() {
	s.orch.OnClose()

	s.mu.Lock()
	stopping := s.stopped || !s.running
	s.mu.Unlock()
	if stopping {
		return
	}
	s.lose(errors.Wrap(errdefs.ErrSignalingTransport, "relay closed the connection"))
}

// OnError ends every session and, being the only global failure, the stream.
func (s *Streamer) OnError(err error) {
	s.orch.OnError(err)
	if !errors.Is(err, errdefs.ErrSignalingTransport) {
		err = errors.Wrap(errdefs.ErrSignalingTransport, err.Error())
	}
	s.lose(err)
}

// lose reports the loss of signaling and cancels the run context.
func (s *Streamer) lose(err error) {
	s.report(err)

	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
