package webrtc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screenrelay/screenrelay/internal/negotiation"
)

type description struct {
	sdpType string
	sdp     string
}

type chanSink struct {
	descriptions chan description
	candidates   chan string
	opened       chan struct{}
	closed       chan struct{}
}

func newChanSink() *chanSink {
	return &chanSink{
		descriptions: make(chan description, 4),
		candidates:   make(chan string, 64),
		opened:       make(chan struct{}, 1),
		closed:       make(chan struct{}, 1),
	}
}

func (s *chanSink) OnLocalDescription(sdpType, sdp string) {
	s.descriptions <- description{sdpType, sdp}
}

func (s *chanSink) OnLocalCandidate(_ string, _ int, candidate string) {
	select {
	case s.candidates <- candidate:
	default:
	}
}

func (s *chanSink) OnChannelOpen()  { s.opened <- struct{}{} }
func (s *chanSink) OnChannelClose() { s.closed <- struct{}{} }

func (s *chanSink) nextDescription(t *testing.T) description {
	t.Helper()
	select {
	case d := <-s.descriptions:
		return d
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no local description")
		return description{}
	}
}

func newTestBridge(t *testing.T, cfg Config, sink negotiation.EventSink) *Bridge {
	t.Helper()
	f, err := NewFactory(cfg)
	require.NoError(t, err)
	b, err := f.NewBridge("test", sink)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b.(*Bridge)
}

func TestOfferAnswerExchange(t *testing.T) {
	cfg := Config{VideoTrack: true, FrameRate: 15}
	offererSink, answererSink := newChanSink(), newChanSink()
	offerer := newTestBridge(t, cfg, offererSink)
	answerer := newTestBridge(t, cfg, answererSink)

	require.NoError(t, offerer.StartLocalNegotiation())
	offer := offererSink.nextDescription(t)
	assert.Equal(t, "offer", offer.sdpType)
	assert.Contains(t, offer.sdp, "H264")
	assert.Contains(t, offer.sdp, "webrtc-datachannel")

	require.NoError(t, answerer.ApplyRemoteOffer(offer.sdp))
	answer := answererSink.nextDescription(t)
	assert.Equal(t, "answer", answer.sdpType)

	require.NoError(t, offerer.ApplyRemoteAnswer(answer.sdp))
	assert.NotNil(t, offerer.Track())
}

func TestSendBeforeOpen(t *testing.T) {
	b := newTestBridge(t, Config{}, newChanSink())
	assert.ErrorIs(t, b.Send([]byte{0x01}), ErrChannelNotOpen)
	assert.Nil(t, b.Track())
}

func TestBadRemoteOffer(t *testing.T) {
	b := newTestBridge(t, Config{}, newChanSink())
	assert.Error(t, b.ApplyRemoteOffer("not sdp"))
}

func TestCloseStopsEvents(t *testing.T) {
	sink := newChanSink()
	b := newTestBridge(t, Config{}, sink)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	b.emit(sink.OnChannelOpen)
	select {
	case <-sink.opened:
		t.Fatal("event delivered after close")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventsKeepOrder(t *testing.T) {
	sink := newChanSink()
	b := newTestBridge(t, Config{}, sink)

	for _, c := range []string{"a", "b", "c"} {
		b.emit(func() { sink.OnLocalCandidate("0", 0, c) })
	}
	for _, want := range []string{"a", "b", "c"} {
		select {
		case got := <-sink.candidates:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}
