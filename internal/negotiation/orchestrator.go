package negotiation

import (
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/screenrelay/screenrelay/internal/errdefs"
	"github.com/screenrelay/screenrelay/internal/readiness"
	"github.com/screenrelay/screenrelay/internal/signaling"
	"github.com/screenrelay/screenrelay/internal/util"
)

// DefaultMaxQueuedCandidates bounds the per-session candidate queue.
const DefaultMaxQueuedCandidates = 64

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxQueuedCandidates sets the per-session candidate queue bound. When the
// queue is full the oldest candidate is dropped.
func WithMaxQueuedCandidates(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxQueued = n
		}
	}
}

// WithObserver registers the session lifecycle observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		o.observer = obs
	}
}

// Orchestrator routes signaling messages to per-peer sessions. It implements
// signaling.Listener.
//
// Lock order is session then registry; the registry lock is never held while
// a session lock is acquired or a bridge is called.
type Orchestrator struct {
	flags     *readiness.Flags
	newBridge BridgeFactory
	signaler  Signaler
	resource  ResourceRequester
	observer  Observer
	maxQueued int
	logger    *slog.Logger

	mu             sync.Mutex
	sessions       map[string]*Session
	requestPending bool
	connected      int
}

// NewOrchestrator creates an orchestrator with no sessions.
func NewOrchestrator(flags *readiness.Flags, newBridge BridgeFactory, signaler Signaler, resource ResourceRequester, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		flags:     flags,
		newBridge: newBridge,
		signaler:  signaler,
		resource:  resource,
		maxQueued: DefaultMaxQueuedCandidates,
		logger:    util.GetLogger(),
		sessions:  make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Session returns the live session for a key.
func (o *Orchestrator) Session(id string) (*Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[id]
	return s, ok
}

// Sessions returns a snapshot of the live sessions.
func (o *Orchestrator) Sessions() []*Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		out = append(out, s)
	}
	return out
}

func (o *Orchestrator) OnOpen() {
	o.logger.Info("Signaling connected")
}

func (o *Orchestrator) OnClose() {
	o.logger.Info("Signaling closed, ending all sessions")
	o.CloseAll()
}

func (o *Orchestrator) OnError(err error) {
	o.logger.Error("Signaling failed, ending all sessions", "error", err)
	o.CloseAll()
}

// OnMessage dispatches one decoded signaling message.
func (o *Orchestrator) OnMessage(msg signaling.Message) {
	id := sessionKey(msg.PeerID)
	switch msg.Type {
	case signaling.TypeOffer:
		o.handleOffer(id, msg.SDP)
	case signaling.TypeAnswer:
		o.handleAnswer(id, msg.SDP)
	case signaling.TypeCandidate:
		if msg.Candidate == nil {
			o.logger.Warn("Candidate message without candidate", "session", id)
			return
		}
		o.handleCandidate(id, *msg.Candidate)
	case signaling.TypeRequest:
		o.handleRequest(id)
	case signaling.TypeBye:
		if s, ok := o.Session(id); ok {
			o.logger.Info("Peer ended session", "session", id)
			o.closeSession(s, false)
		}
	default:
		o.logger.Warn("Ignoring signaling message", "type", msg.Type, "session", id)
	}
}

// lookupOrCreate returns the live session for id, creating it with role when
// none exists. With replace set, a session that already exchanged
// descriptions, or an answerer asked to become the offerer, is closed and
// replaced; this is how a peer starts over with the same id.
func (o *Orchestrator) lookupOrCreate(id string, role Role, replace bool) *Session {
	o.mu.Lock()
	s, ok := o.sessions[id]
	if ok && !replace {
		o.mu.Unlock()
		return s
	}
	if !ok {
		s = newSession(id, role)
		o.sessions[id] = s
		o.mu.Unlock()
		return s
	}
	o.mu.Unlock()

	s.mu.Lock()
	stale := s.remoteDescriptionSet || s.localDescriptionSet || (role == RoleOfferer && s.role != role)
	s.mu.Unlock()
	if !stale {
		return s
	}

	o.logger.Info("Replacing session", "session", id, "role", role)
	o.closeSession(s, false)

	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.sessions[id]; ok {
		return cur
	}
	s = newSession(id, role)
	o.sessions[id] = s
	return s
}

func (o *Orchestrator) handleOffer(id, sdp string) {
	if s, ok := o.Session(id); ok && s.Role() == RoleOfferer {
		o.logger.Warn("Offerer session received a remote offer, ignoring", "session", id)
		return
	}
	s := o.lookupOrCreate(id, RoleAnswerer, true)

	s.mu.Lock()
	if s.role == RoleOfferer {
		s.mu.Unlock()
		o.logger.Warn("Offerer session received a remote offer, ignoring", "session", id)
		return
	}
	if s.phase == PhaseClosed {
		s.mu.Unlock()
		return
	}
	if !o.flags.CaptureGranted() {
		if s.pendingRemoteOffer != nil {
			o.logger.Debug("Replacing pending remote offer", "session", id)
		}
		s.pendingRemoteOffer = &sdp
		s.phase = PhaseAwaitingLocalResource
		s.mu.Unlock()
		o.awaitGrant(s)
		return
	}
	cleanup := o.applyOfferLocked(s, sdp)
	s.mu.Unlock()
	cleanup()
}

func (o *Orchestrator) handleAnswer(id, sdp string) {
	s, ok := o.Session(id)
	if !ok {
		o.logger.Warn("Answer for unknown session, ignoring", "session", id)
		return
	}

	s.mu.Lock()
	if s.role != RoleOfferer || s.bridge == nil || !s.localDescriptionSet || s.phase == PhaseClosed {
		role := s.role
		s.mu.Unlock()
		o.logger.Warn("Unexpected answer, ignoring", "session", id, "role", role)
		return
	}
	if err := s.bridge.ApplyRemoteAnswer(sdp); err != nil {
		o.logger.Error("Failed to apply remote answer", "session", id, "error", err)
		cleanup := o.endLocked(s, true)
		s.mu.Unlock()
		cleanup()
		return
	}
	s.remoteDescriptionSet = true
	o.flushCandidatesLocked(s)
	s.mu.Unlock()
}

func (o *Orchestrator) handleCandidate(id string, c signaling.Candidate) {
	s := o.lookupOrCreate(id, RoleAnswerer, false)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.phase == PhaseClosed:
		return
	case s.phase == PhaseAwaitingLocalResource || !s.remoteDescriptionSet || s.bridge == nil:
		o.enqueueLocked(s, c)
	default:
		o.applyCandidateLocked(s, c)
	}
}

func (o *Orchestrator) handleRequest(id string) {
	s := o.lookupOrCreate(id, RoleOfferer, true)

	s.mu.Lock()
	if s.phase == PhaseClosed {
		s.mu.Unlock()
		return
	}
	if s.bridge != nil {
		s.mu.Unlock()
		o.logger.Debug("Negotiation already started", "session", id)
		return
	}
	if !o.flags.CaptureGranted() {
		s.pendingLocalOffer = true
		s.phase = PhaseAwaitingLocalResource
		s.mu.Unlock()
		o.awaitGrant(s)
		return
	}
	cleanup := o.startLocalLocked(s)
	s.mu.Unlock()
	cleanup()
}

// awaitGrant asks for the capture permission on behalf of s, which is parked
// in AwaitingLocalResource. A grant that landed after s read the flag may
// already have passed over s, so s is released here in that case.
func (o *Orchestrator) awaitGrant(s *Session) {
	if o.requestResource() {
		o.release(s)
	}
}

// requestResource issues the permission request unless one is in flight. It
// reports true, without requesting, when capture is already granted.
func (o *Orchestrator) requestResource() bool {
	o.mu.Lock()
	if o.flags.CaptureGranted() {
		o.mu.Unlock()
		return true
	}
	if o.requestPending {
		o.mu.Unlock()
		return false
	}
	o.requestPending = true
	o.mu.Unlock()

	o.logger.Info("Requesting capture permission")
	o.resource.RequestResource()
	return false
}

// ResourceGranted marks capture as granted and releases every session that
// was waiting for it.
func (o *Orchestrator) ResourceGranted() {
	o.flags.SetCaptureGranted(true)
	for _, s := range o.takeRequest() {
		o.release(s)
	}
}

// release applies what s held back while waiting for the grant. Sessions no
// longer waiting are left alone, so a session is released at most once.
func (o *Orchestrator) release(s *Session) {
	s.mu.Lock()
	if s.phase != PhaseAwaitingLocalResource {
		s.mu.Unlock()
		return
	}
	var cleanup func()
	switch {
	case s.pendingRemoteOffer != nil:
		sdp := *s.pendingRemoteOffer
		s.pendingRemoteOffer = nil
		cleanup = o.applyOfferLocked(s, sdp)
	case s.pendingLocalOffer:
		s.pendingLocalOffer = false
		cleanup = o.startLocalLocked(s)
	default:
		s.phase = PhaseNew
		cleanup = func() {}
	}
	s.mu.Unlock()
	cleanup()
}

// ResourceDenied closes every session waiting for the capture grant and tells
// their peers. The returned error wraps errdefs.ErrResourceDenied.
func (o *Orchestrator) ResourceDenied(reason error) error {
	o.flags.SetCaptureGranted(false)
	closed := 0
	for _, s := range o.takeRequest() {
		s.mu.Lock()
		if s.phase != PhaseAwaitingLocalResource {
			s.mu.Unlock()
			continue
		}
		cleanup := o.endLocked(s, true)
		s.mu.Unlock()
		cleanup()
		closed++
	}

	o.logger.Warn("Capture permission denied", "sessions", closed, "reason", reason)
	if reason != nil {
		return errors.Wrapf(errdefs.ErrResourceDenied, "%v, %d session(s) closed", reason, closed)
	}
	return errors.Wrapf(errdefs.ErrResourceDenied, "%d session(s) closed", closed)
}

func (o *Orchestrator) takeRequest() []*Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requestPending = false
	out := make([]*Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		out = append(out, s)
	}
	return out
}

// CloseAll ends every session without notifying peers.
func (o *Orchestrator) CloseAll() {
	for _, s := range o.Sessions() {
		o.closeSession(s, false)
	}
}

// Close ends one session and tells its peer.
func (o *Orchestrator) Close(id string) {
	if s, ok := o.Session(id); ok {
		o.closeSession(s, true)
	}
}

func (o *Orchestrator) closeSession(s *Session, notifyPeer bool) {
	s.mu.Lock()
	cleanup := o.endLocked(s, notifyPeer)
	s.mu.Unlock()
	cleanup()
}

// endLocked moves s to Closed and returns the work that must run after s.mu
// is released.
func (o *Orchestrator) endLocked(s *Session, notifyPeer bool) func() {
	if s.phase == PhaseClosed {
		return func() {}
	}
	wasConnected := s.phase == PhaseConnected
	s.phase = PhaseClosed
	s.pendingRemoteOffer = nil
	s.pendingLocalOffer = false
	s.queuedCandidates = nil
	bridge := s.bridge
	s.bridge = nil

	return func() {
		o.mu.Lock()
		if o.sessions[s.id] == s {
			delete(o.sessions, s.id)
		}
		if wasConnected {
			o.connected--
			o.flags.SetDataChannelOpen(o.connected > 0)
		}
		o.mu.Unlock()

		if bridge != nil {
			if err := bridge.Close(); err != nil {
				o.logger.Warn("Failed to close bridge", "session", s.id, "error", err)
			}
			if o.observer != nil {
				if wasConnected {
					o.observer.ChannelStateChanged(s.id, false)
				}
				o.observer.SessionEnded(s.id)
			}
		}
		if notifyPeer {
			if err := o.signaler.EndSession(s.peerID()); err != nil {
				o.logger.Warn("Failed to end session on signaling", "session", s.id, "error", err)
			}
		}
		o.logger.Info("Session closed", "session", s.id)
	}
}

func (o *Orchestrator) ensureBridgeLocked(s *Session) (Bridge, error) {
	if s.bridge != nil {
		return s.bridge, nil
	}
	b, err := o.newBridge(s.id, &sessionSink{o: o, s: s})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create bridge for session %s", s.id)
	}
	s.bridge = b
	if o.observer != nil {
		o.observer.SessionStarted(s.id, b)
	}
	return b, nil
}

func (o *Orchestrator) applyOfferLocked(s *Session, sdp string) func() {
	b, err := o.ensureBridgeLocked(s)
	if err != nil {
		o.logger.Error("Failed to start session", "session", s.id, "error", err)
		return o.endLocked(s, true)
	}
	s.phase = PhaseNegotiating
	if err := b.ApplyRemoteOffer(sdp); err != nil {
		o.logger.Error("Failed to apply remote offer", "session", s.id, "error", err)
		return o.endLocked(s, true)
	}
	s.remoteDescriptionSet = true
	o.flushCandidatesLocked(s)
	return func() {}
}

func (o *Orchestrator) startLocalLocked(s *Session) func() {
	b, err := o.ensureBridgeLocked(s)
	if err != nil {
		o.logger.Error("Failed to start session", "session", s.id, "error", err)
		return o.endLocked(s, true)
	}
	s.phase = PhaseNegotiating
	if err := b.StartLocalNegotiation(); err != nil {
		o.logger.Error("Failed to create local offer", "session", s.id, "error", err)
		return o.endLocked(s, true)
	}
	return func() {}
}

func (o *Orchestrator) enqueueLocked(s *Session, c signaling.Candidate) {
	if len(s.queuedCandidates) >= o.maxQueued {
		s.queuedCandidates = s.queuedCandidates[1:]
		s.droppedCandidates++
		o.logger.Warn("Candidate queue full, dropped oldest", "session", s.id, "dropped", s.droppedCandidates)
	}
	s.queuedCandidates = append(s.queuedCandidates, c)
}

func (o *Orchestrator) flushCandidatesLocked(s *Session) {
	queued := s.queuedCandidates
	s.queuedCandidates = nil
	for _, c := range queued {
		o.applyCandidateLocked(s, c)
	}
}

func (o *Orchestrator) applyCandidateLocked(s *Session, c signaling.Candidate) {
	if !s.remoteDescriptionSet || s.bridge == nil {
		o.logger.Error("Candidate applied before remote description", "session", s.id, "error", errdefs.ErrOrderingViolation)
		return
	}
	if err := s.bridge.ApplyRemoteCandidate(c.SDPMid, c.SDPMLineIndex, c.Candidate); err != nil {
		o.logger.Warn("Failed to apply remote candidate", "session", s.id, "error", err)
	}
}

func (o *Orchestrator) channelOpened(s *Session) {
	s.mu.Lock()
	if s.phase != PhaseNegotiating {
		s.mu.Unlock()
		return
	}
	s.phase = PhaseConnected
	s.mu.Unlock()

	o.mu.Lock()
	o.connected++
	o.flags.SetDataChannelOpen(true)
	o.mu.Unlock()

	o.logger.Info("Data channel open", "session", s.id)
	if o.observer != nil {
		o.observer.ChannelStateChanged(s.id, true)
	}
}

// sessionSink forwards bridge events for one session.
type sessionSink struct {
	o *Orchestrator
	s *Session
}

func (k *sessionSink) OnLocalDescription(sdpType, sdp string) {
	k.s.mu.Lock()
	if k.s.phase == PhaseClosed {
		k.s.mu.Unlock()
		return
	}
	k.s.localDescriptionSet = true
	peerID := k.s.peerID()
	k.s.mu.Unlock()

	var msg signaling.Message
	switch signaling.Type(sdpType) {
	case signaling.TypeOffer:
		msg = signaling.NewOffer(peerID, sdp)
	case signaling.TypeAnswer:
		msg = signaling.NewAnswer(peerID, sdp)
	default:
		k.o.logger.Warn("Unsupported local description", "type", sdpType, "session", k.s.id)
		return
	}
	if err := k.o.signaler.Send(msg); err != nil {
		k.o.logger.Error("Failed to send local description", "session", k.s.id, "error", err)
	}
}

func (k *sessionSink) OnLocalCandidate(sdpMid string, sdpMLineIndex int, candidate string) {
	k.s.mu.Lock()
	closed := k.s.phase == PhaseClosed
	peerID := k.s.peerID()
	k.s.mu.Unlock()
	if closed {
		return
	}
	msg := signaling.NewCandidate(peerID, sdpMid, sdpMLineIndex, candidate)
	if err := k.o.signaler.Send(msg); err != nil {
		k.o.logger.Warn("Failed to send local candidate", "session", k.s.id, "error", err)
	}
}

func (k *sessionSink) OnChannelOpen() {
	k.o.channelOpened(k.s)
}

func (k *sessionSink) OnChannelClose() {
	k.o.logger.Info("Data channel closed", "session", k.s.id)
	k.o.closeSession(k.s, false)
}
