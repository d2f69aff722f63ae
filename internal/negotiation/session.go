package negotiation

import (
	"sync"

	"github.com/screenrelay/screenrelay/internal/signaling"
)

// Role is the session's side of the offer/answer exchange.
type Role int

const (
	RoleAnswerer Role = iota
	RoleOfferer
)

func (r Role) String() string {
	if r == RoleOfferer {
		return "offerer"
	}
	return "answerer"
}

// Phase is the negotiation state of a session.
type Phase int

const (
	PhaseNew Phase = iota
	PhaseAwaitingLocalResource
	PhaseNegotiating
	PhaseConnected
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseNew:
		return "new"
	case PhaseAwaitingLocalResource:
		return "awaiting-local-resource"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseConnected:
		return "connected"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the negotiation state for one remote peer. All fields are
// guarded by mu.
type Session struct {
	mu sync.Mutex

	id     string
	role   Role
	phase  Phase
	bridge Bridge

	pendingRemoteOffer *string
	pendingLocalOffer  bool
	queuedCandidates   []signaling.Candidate
	droppedCandidates  int

	localDescriptionSet  bool
	remoteDescriptionSet bool
}

func newSession(id string, role Role) *Session {
	return &Session{id: id, role: role, phase: PhaseNew}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// QueuedCandidates returns how many candidates wait for the remote description.
func (s *Session) QueuedCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queuedCandidates)
}

// PendingLocalResource reports whether the session waits for the capture grant.
func (s *Session) PendingLocalResource() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == PhaseAwaitingLocalResource
}

// peerID is the wire peerId for this session.
func (s *Session) peerID() string {
	if s.id == SoleSession {
		return ""
	}
	return s.id
}

func sessionKey(peerID string) string {
	if peerID == "" {
		return SoleSession
	}
	return peerID
}
