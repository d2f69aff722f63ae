// Package negotiation runs the per-peer offer/answer state machine and holds
// back remote messages until the local capture permission is granted.
package negotiation

import "github.com/screenrelay/screenrelay/internal/signaling"

// SoleSession keys the single session of a topology whose messages carry no
// peerId.
const SoleSession = "sole"

// Bridge is the peer-connection engine behind one session.
type Bridge interface {
	ApplyRemoteOffer(sdp string) error
	ApplyRemoteAnswer(sdp string) error
	ApplyRemoteCandidate(sdpMid string, sdpMLineIndex int, candidate string) error
	// StartLocalNegotiation creates the local offer. The result arrives on the
	// EventSink.
	StartLocalNegotiation() error
	Send(data []byte) error
	Close() error
}

// EventSink receives bridge events for one session. Bridges must not call it
// from inside a Bridge method.
type EventSink interface {
	OnLocalDescription(sdpType, sdp string)
	OnLocalCandidate(sdpMid string, sdpMLineIndex int, candidate string)
	OnChannelOpen()
	OnChannelClose()
}

// BridgeFactory creates the bridge for a session.
type BridgeFactory func(sessionID string, sink EventSink) (Bridge, error)

// Signaler sends messages to peers.
type Signaler interface {
	Send(msg signaling.Message) error
	EndSession(peerID string) error
}

// ResourceRequester starts an asynchronous capture permission request. The
// outcome is reported back through Orchestrator.ResourceGranted or
// Orchestrator.ResourceDenied, never from inside RequestResource.
type ResourceRequester interface {
	RequestResource()
}

// Observer is told about bridge and channel lifecycle so media can be wired
// to sessions.
type Observer interface {
	SessionStarted(id string, bridge Bridge)
	ChannelStateChanged(id string, open bool)
	SessionEnded(id string)
}
