// Package signaling carries session descriptions and connectivity
// candidates between the device and its viewers over a websocket.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the wire "type" field.
type Type string

const (
	TypeOffer     Type = "offer"
	TypeAnswer    Type = "answer"
	TypeCandidate Type = "candidate"
	// TypeRequest asks the device to create the offer.
	TypeRequest Type = "request"
	// TypeBye tells a peer its session has ended.
	TypeBye Type = "bye"
)

var (
	// ErrMalformed is returned for frames that are not a valid message.
	ErrMalformed = errors.New("malformed signaling message")
	// ErrUnknownType is returned for well-formed frames of an unknown type.
	ErrUnknownType = errors.New("unknown signaling message type")
)

// Candidate is a connectivity candidate in its wire shape.
type Candidate struct {
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
	Candidate     string `json:"candidate"`
}

// Message is one signaling frame. PeerID is empty in single-peer setups.
type Message struct {
	Type      Type       `json:"type"`
	PeerID    string     `json:"peerId,omitempty"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}

func NewOffer(peerID, sdp string) Message {
	return Message{Type: TypeOffer, PeerID: peerID, SDP: sdp}
}

func NewAnswer(peerID, sdp string) Message {
	return Message{Type: TypeAnswer, PeerID: peerID, SDP: sdp}
}

func NewCandidate(peerID, sdpMid string, sdpMLineIndex int, candidate string) Message {
	return Message{
		Type:   TypeCandidate,
		PeerID: peerID,
		Candidate: &Candidate{
			SDPMid:        sdpMid,
			SDPMLineIndex: sdpMLineIndex,
			Candidate:     candidate,
		},
	}
}

func NewRequest(peerID string) Message {
	return Message{Type: TypeRequest, PeerID: peerID}
}

func NewBye(peerID string) Message {
	return Message{Type: TypeBye, PeerID: peerID}
}

// Validate checks that the fields required by the message type are present.
func (m Message) Validate() error {
	switch m.Type {
	case TypeOffer, TypeAnswer:
		if m.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", ErrMalformed, m.Type)
		}
	case TypeCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("%w: candidate without payload", ErrMalformed)
		}
	case TypeRequest, TypeBye:
	case "":
		return fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return nil
}

// Encode serializes m into its wire shape.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses one wire frame.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
