package streamer

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screenrelay/screenrelay/internal/capture"
	"github.com/screenrelay/screenrelay/internal/encoder"
	"github.com/screenrelay/screenrelay/internal/errdefs"
	"github.com/screenrelay/screenrelay/internal/media"
	"github.com/screenrelay/screenrelay/internal/negotiation"
	"github.com/screenrelay/screenrelay/internal/signaling"
)

const waitFor = 2 * time.Second

// recorder keeps the order of teardown steps across fakes.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fakeCodec struct {
	rec       *recorder
	outputs   chan encoder.Output
	errs      chan error
	keyFrames atomic.Int32
}

func newFakeCodec(rec *recorder) *fakeCodec {
	return &fakeCodec{rec: rec, outputs: make(chan encoder.Output, 8), errs: make(chan error, 1)}
}

func (c *fakeCodec) Configure(media.EncoderConfig, media.CaptureConfig) error { return nil }
func (c *fakeCodec) Start() error                                             { return nil }
func (c *fakeCodec) ReleaseOutput(int)                                        {}
func (c *fakeCodec) RequestKeyFrame()                                         { c.keyFrames.Add(1) }

func (c *fakeCodec) DequeueOutput(timeout time.Duration) (encoder.Output, error) {
	select {
	case o := <-c.outputs:
		return o, nil
	case err := <-c.errs:
		return encoder.Output{}, err
	case <-time.After(timeout):
		return encoder.Output{Kind: encoder.OutputTryAgain}, nil
	}
}

func (c *fakeCodec) Stop() error {
	c.rec.add("codec stopped")
	return nil
}

func (c *fakeCodec) Release() error { return nil }

type fakeSource struct {
	rec   *recorder
	codec *fakeCodec
}

func (s *fakeSource) Codec() encoder.Codec { return s.codec }

func (s *fakeSource) CaptureConfig() media.CaptureConfig {
	return media.CaptureConfig{SourceWidth: 1080, SourceHeight: 2400, TargetWidth: 288, TargetHeight: 640}
}

func (s *fakeSource) Close() error {
	s.rec.add("source closed")
	return nil
}

type fakePlatform struct {
	rec      *recorder
	granted  bool
	beginErr error
	requests atomic.Int32
	codec    *fakeCodec
}

func (p *fakePlatform) RequestCapturePermission(_ context.Context, done func(bool, capture.Grant)) {
	p.requests.Add(1)
	go func() {
		if p.granted {
			done(true, capture.NewGrant("emulator-5554"))
			return
		}
		done(false, capture.Grant{})
	}()
}

func (p *fakePlatform) BeginCapture(_ context.Context, grant capture.Grant, _ media.EncoderConfig) (capture.FrameSource, error) {
	if !grant.Valid() {
		return nil, errdefs.ErrResourceDenied
	}
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	return &fakeSource{rec: p.rec, codec: p.codec}, nil
}

type fakeSignaling struct {
	rec  *recorder
	mu   sync.Mutex
	sent []signaling.Message
}

func (s *fakeSignaling) Connect(context.Context) error {
	s.rec.add("signaling connected")
	return nil
}

func (s *fakeSignaling) Disconnect() error {
	s.rec.add("signaling disconnected")
	return nil
}

func (s *fakeSignaling) Send(msg signaling.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSignaling) EndSession(peerID string) error {
	return s.Send(signaling.NewBye(peerID))
}

func (s *fakeSignaling) messages() []signaling.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]signaling.Message(nil), s.sent...)
}

type fakeBridge struct {
	rec  *recorder
	sink negotiation.EventSink

	mu     sync.Mutex
	offers []string
	sent   [][]byte
}

func (b *fakeBridge) ApplyRemoteOffer(sdp string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offers = append(b.offers, sdp)
	return nil
}

func (b *fakeBridge) ApplyRemoteAnswer(string) error                 { return nil }
func (b *fakeBridge) ApplyRemoteCandidate(string, int, string) error { return nil }
func (b *fakeBridge) StartLocalNegotiation() error                   { return nil }

func (b *fakeBridge) Send(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, append([]byte(nil), data...))
	return nil
}

func (b *fakeBridge) Close() error {
	b.rec.add("bridge closed")
	return nil
}

func (b *fakeBridge) frames() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.sent...)
}

type harness struct {
	rec      *recorder
	platform *fakePlatform
	codec    *fakeCodec
	signal   *fakeSignaling
	streamer *Streamer

	mu      sync.Mutex
	bridges map[string]*fakeBridge
}

func newHarness(t *testing.T, granted bool) *harness {
	t.Helper()
	rec := &recorder{}
	codec := newFakeCodec(rec)
	h := &harness{
		rec:      rec,
		codec:    codec,
		platform: &fakePlatform{rec: rec, granted: granted, codec: codec},
		signal:   &fakeSignaling{rec: rec},
		bridges:  make(map[string]*fakeBridge),
	}

	cfg := Config{Encoder: media.DefaultEncoderConfig(), PollTimeout: time.Millisecond}
	s, err := New(cfg, h.platform,
		WithBridgeFactory(h.newBridge),
		WithSignaling(func(signaling.Listener) Signaling { return h.signal }))
	require.NoError(t, err)
	h.streamer = s

	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })
	return h
}

func (h *harness) newBridge(id string, sink negotiation.EventSink) (negotiation.Bridge, error) {
	b := &fakeBridge{rec: h.rec, sink: sink}
	h.mu.Lock()
	h.bridges[id] = b
	h.mu.Unlock()
	return b, nil
}

func (h *harness) bridge(t *testing.T, id string) *fakeBridge {
	t.Helper()
	var b *fakeBridge
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		b = h.bridges[id]
		return b != nil
	}, waitFor, time.Millisecond)
	return b
}

func (h *harness) nextError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.streamer.Errors():
		return err
	case <-time.After(waitFor):
		require.FailNow(t, "no streamer error")
		return nil
	}
}

func formatChanged() encoder.Output {
	return encoder.Output{
		Kind:          encoder.OutputFormatChanged,
		ParameterSets: [][]byte{{0, 0, 0, 1, 0x67, 0x42}, {0, 0, 0, 1, 0x68, 0xce}},
	}
}

func frame(key bool) encoder.Output {
	out := encoder.Output{Kind: encoder.OutputBuffer, Data: []byte{0, 0, 0, 1, 0x65, 0x88}, PTS: 1000}
	if key {
		out.Flags = encoder.FlagKeyFrame
	}
	return out
}

func openSession(t *testing.T, h *harness) *fakeBridge {
	t.Helper()
	h.streamer.OnMessage(signaling.NewOffer("", "v=0 offer"))
	b := h.bridge(t, negotiation.SoleSession)

	h.codec.outputs <- formatChanged()
	require.Eventually(t, func() bool {
		_, ok := h.streamer.hub.Config()
		return ok
	}, waitFor, time.Millisecond)

	b.sink.OnChannelOpen()
	return b
}

func TestOfferBeforeGrantStreamsAfterOpen(t *testing.T) {
	h := newHarness(t, true)
	b := openSession(t, h)

	assert.Equal(t, int32(1), h.platform.requests.Load())
	assert.Equal(t, []string{"v=0 offer"}, b.offers)
	assert.True(t, h.streamer.Flags().CaptureGranted())
	assert.True(t, h.streamer.Flags().DataChannelOpen())
	assert.Equal(t, int32(1), h.codec.keyFrames.Load())

	h.codec.outputs <- frame(true)
	require.Eventually(t, func() bool { return len(b.frames()) == 2 }, waitFor, time.Millisecond)

	frames := b.frames()
	assert.Equal(t, append([]byte{media.FrameTagConfig}, 0, 0, 0, 1, 0x67, 0x42, 0, 0, 0, 1, 0x68, 0xce), frames[0])
	assert.Equal(t, []byte{media.FrameTagVideo, 1, 0, 0, 0, 1, 0x65, 0x88}, frames[1])
}

func TestFramesBeforeOpenAreDropped(t *testing.T) {
	h := newHarness(t, true)
	h.streamer.OnMessage(signaling.NewOffer("peer-1", "v=0 offer"))
	b := h.bridge(t, "peer-1")

	h.codec.outputs <- formatChanged()
	h.codec.outputs <- frame(true)
	h.codec.outputs <- frame(false)
	require.Eventually(t, func() bool { return len(h.codec.outputs) == 0 }, waitFor, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, b.frames())

	b.sink.OnChannelOpen()
	frames := b.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, media.FrameTagConfig, frames[0][0])
}

func TestDeniedPermissionEndsSession(t *testing.T) {
	h := newHarness(t, false)
	h.streamer.OnMessage(signaling.NewOffer("peer-1", "v=0 offer"))

	err := h.nextError(t)
	assert.True(t, errors.Is(err, errdefs.ErrResourceDenied))
	assert.Contains(t, h.signal.messages(), signaling.NewBye("peer-1"))
	assert.False(t, h.streamer.Flags().CaptureGranted())

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Empty(t, h.bridges)
}

func TestCaptureFailureIsReportedAsDenial(t *testing.T) {
	h := newHarness(t, true)
	h.platform.beginErr = errors.Wrap(errdefs.ErrConfiguration, "unrecognized display size")
	h.streamer.OnMessage(signaling.NewOffer("", "v=0 offer"))

	err := h.nextError(t)
	assert.True(t, errors.Is(err, errdefs.ErrResourceDenied))
	assert.Contains(t, err.Error(), "unrecognized display size")
	assert.Contains(t, h.signal.messages(), signaling.NewBye(""))
}

func TestStopTearsDownInOrder(t *testing.T) {
	h := newHarness(t, true)
	openSession(t, h)

	require.NoError(t, h.streamer.Stop())
	require.NoError(t, h.streamer.Stop())

	events := h.rec.all()
	at := func(e string) int {
		i := slices.Index(events, e)
		require.GreaterOrEqual(t, i, 0, "missing %q in %v", e, events)
		return i
	}
	assert.Less(t, at("bridge closed"), at("source closed"))
	assert.Less(t, at("codec stopped"), at("source closed"))
	assert.Less(t, at("source closed"), at("signaling disconnected"))
	assert.False(t, h.streamer.Flags().CaptureGranted())
	assert.False(t, h.streamer.Flags().DataChannelOpen())
}

func TestEncoderFaultStopsCapture(t *testing.T) {
	h := newHarness(t, true)
	b := openSession(t, h)

	h.codec.errs <- errors.New("codec died")
	err := h.nextError(t)
	assert.True(t, errors.Is(err, errdefs.ErrEncodeFault))

	require.Eventually(t, func() bool {
		return slices.Contains(h.rec.all(), "source closed")
	}, waitFor, time.Millisecond)
	assert.False(t, h.streamer.Flags().CaptureGranted())
	// the session itself survives
	assert.True(t, h.streamer.Flags().DataChannelOpen())
	assert.NotContains(t, h.rec.all(), "bridge closed")
	assert.NotEmpty(t, b.frames())
}

func TestEndOfStreamReleasesCapture(t *testing.T) {
	h := newHarness(t, true)
	openSession(t, h)

	h.codec.outputs <- encoder.Output{Kind: encoder.OutputBuffer, Flags: encoder.FlagEndOfStream}
	err := h.nextError(t)
	assert.EqualError(t, err, "capture ended")
	assert.Contains(t, h.rec.all(), "source closed")
	assert.False(t, h.streamer.Flags().CaptureGranted())
}

func TestSignalingLossEndsStream(t *testing.T) {
	h := newHarness(t, true)
	openSession(t, h)

	s := h.streamer
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	done := make(chan error, 1)
	go func() {
		<-ctx.Done()
		done <- s.Stop()
	}()

	h.streamer.OnError(errors.New("connection reset"))
	err := h.nextError(t)
	assert.True(t, errors.Is(err, errdefs.ErrSignalingTransport))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		require.FailNow(t, "stream did not stop")
	}
	assert.Contains(t, h.rec.all(), "bridge closed")
	assert.Contains(t, h.rec.all(), "signaling disconnected")
}

func TestRunStopsOnCancel(t *testing.T) {
	rec := &recorder{}
	codec := newFakeCodec(rec)
	platform := &fakePlatform{rec: rec, granted: true, codec: codec}
	sig := &fakeSignaling{rec: rec}
	s, err := New(Config{Encoder: media.DefaultEncoderConfig()}, platform,
		WithBridgeFactory(func(string, negotiation.EventSink) (negotiation.Bridge, error) {
			return &fakeBridge{rec: rec}, nil
		}),
		WithSignaling(func(signaling.Listener) Signaling { return sig }))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return slices.Contains(rec.all(), "signaling connected")
	}, waitFor, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		require.FailNow(t, "Run did not return")
	}
	assert.Equal(t, []string{"signaling connected", "signaling disconnected"}, rec.all())
}

func newRunningStreamer(t *testing.T) (*Streamer, *recorder, chan error, context.CancelFunc) {
	t.Helper()
	rec := &recorder{}
	codec := newFakeCodec(rec)
	platform := &fakePlatform{rec: rec, granted: true, codec: codec}
	sig := &fakeSignaling{rec: rec}
	s, err := New(Config{Encoder: media.DefaultEncoderConfig()}, platform,
		WithBridgeFactory(func(string, negotiation.EventSink) (negotiation.Bridge, error) {
			return &fakeBridge{rec: rec}, nil
		}),
		WithSignaling(func(signaling.Listener) Signaling { return sig }))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return slices.Contains(rec.all(), "signaling connected")
	}, waitFor, time.Millisecond)
	return s, rec, done, cancel
}

func TestRelayCloseEndsStream(t *testing.T) {
	s, rec, done, _ := newRunningStreamer(t)

	s.OnClose()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		require.FailNow(t, "Run still blocked after the relay closed the connection")
	}
	select {
	case err := <-s.Errors():
		assert.True(t, errors.Is(err, errdefs.ErrSignalingTransport))
	default:
		t.Fatal("relay close was not reported")
	}
	assert.Equal(t, []string{"signaling connected", "signaling disconnected"}, rec.all())
}

func TestCloseAfterStopIsQuiet(t *testing.T) {
	s, _, done, cancel := newRunningStreamer(t)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		require.FailNow(t, "Run did not return")
	}

	// Disconnect during Stop fires the close callback.
	s.OnClose()
	select {
	case err := <-s.Errors():
		t.Fatalf("unexpected error after stop: %v", err)
	default:
	}
}

func TestNewRejectsBadEncoderConfig(t *testing.T) {
	_, err := New(Config{}, &fakePlatform{})
	assert.True(t, errors.Is(err, errdefs.ErrConfiguration))
}
