package call

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog/log"

	"ringlink/media"
	"ringlink/types/envelope"
)

// Sender delivers one envelope to the relay. Implementations address the
// envelope with its To field.
//
//go:generate mockgen -destination=mock_sender.go -package=call . Sender
type Sender interface {
	Send(env envelope.Envelope) error
}

// Internal events consumed by the session loop. Everything that can touch a
// session, UI intents, inbound envelopes, engine callbacks and timers, is
// posted here and handled strictly in arrival order.
type (
	evStart          struct{}
	evIntent         struct{ intent string }
	evInbound        struct{ env envelope.Envelope }
	evLocalCandidate struct{ candidate media.Candidate }
	evConnected      struct{}
	evTimeout        struct{ state string }
	evHardError      struct{ reason string }
)

const (
	intentAccept = "accept"
	intentReject = "reject"
	intentCancel = "cancel"
	intentHangUp = "hangup"
)

// Session owns the lifecycle of one call attempt between exactly two
// identities. It is created by the Registry and mutated only through its
// event loop.
type Session struct {
	id            string
	correlationID string
	localID       string
	remoteID      string
	role          string
	media         string

	machine *fsm.FSM
	engine  media.Engine
	sender  Sender
	config  Config

	queue chan any
	done  chan struct{}

	// Candidate buffers. Local candidates wait until our description has
	// been sent; remote candidates wait until the peer's description is set.
	pendingLocal  []media.Candidate
	pendingRemote []media.Candidate

	localSent     bool
	remoteDescSet bool

	timer *time.Timer

	mu               sync.RWMutex
	remoteRef        string
	reason           string
	createdAt        time.Time
	lastTransitionAt time.Time
	connectedAt      time.Time

	notify  func(Snapshot)
	onEnded func(*Session)
}

func newSession(id, correlationID, localID, remoteID, remoteRef, role, kind string,
	engine media.Engine, sender Sender, config Config,
	notify func(Snapshot), onEnded func(*Session)) *Session {

	initial := StateDialing
	if role == RoleCallee {
		initial = StateRinging
	}

	s := &Session{
		id:            id,
		correlationID: correlationID,
		localID:       localID,
		remoteID:      remoteID,
		remoteRef:     remoteRef,
		role:          role,
		media:         kind,
		engine:        engine,
		sender:        sender,
		config:        config,
		queue:         make(chan any, config.QueueSize),
		done:          make(chan struct{}),
		createdAt:     time.Now(),
		notify:        notify,
		onEnded:       onEnded,
	}
	s.machine = fsm.NewFSM(
		initial,
		fsm.Events{
			{Name: "accept", Src: []string{StateDialing, StateRinging}, Dst: StateNegotiating},
			{Name: "connect", Src: []string{StateNegotiating}, Dst: StateConnected},
			{Name: "end", Src: []string{StateDialing, StateRinging, StateNegotiating, StateConnected}, Dst: StateEnded},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, _ *fsm.Event) {
				s.mu.Lock()
				s.lastTransitionAt = time.Now()
				s.mu.Unlock()
			},
		},
	)

	engine.OnCandidate(func(c media.Candidate) {
		s.post(evLocalCandidate{candidate: c})
	})
	engine.OnConnected(func() {
		s.post(evConnected{})
	})
	return s
}

func (s *Session) start() {
	go s.run()
	s.post(evStart{})
}

// ID returns the locally generated session identifier.
func (s *Session) ID() string { return s.id }

// CorrelationID returns the identifier shared by both parties for this
// call attempt.
func (s *Session) CorrelationID() string { return s.correlationID }

// State returns the current state.
func (s *Session) State() string { return s.machine.Current() }

// Snapshot returns the UI-facing view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		SessionID:     s.id,
		CorrelationID: s.correlationID,
		State:         s.machine.Current(),
		Role:          s.role,
		LocalID:       s.localID,
		RemoteID:      s.remoteID,
		Media:         s.media,
		ConnectedAt:   s.connectedAt,
		Reason:        s.reason,
	}
}

// Accept answers an incoming call. No-op outside RINGING.
func (s *Session) Accept() { s.post(evIntent{intent: intentAccept}) }

// Reject declines an incoming call. No-op outside RINGING.
func (s *Session) Reject() { s.post(evIntent{intent: intentReject}) }

// Cancel withdraws an outgoing call attempt. No-op outside DIALING.
func (s *Session) Cancel() { s.post(evIntent{intent: intentCancel}) }

// HangUp terminates an established call. No-op outside CONNECTED.
func (s *Session) HangUp() { s.post(evIntent{intent: intentHangUp}) }

// SetMuted delegates directly to the media engine; not a state transition.
func (s *Session) SetMuted(muted bool) { s.engine.SetMuted(muted) }

// post enqueues an event unless the session has already ended.
func (s *Session) post(ev any) {
	select {
	case <-s.done:
	case s.queue <- ev:
	}
}

func (s *Session) run() {
	for ev := range s.queue {
		s.handle(ev)
		if s.machine.Current() == StateEnded {
			return
		}
	}
}

func (s *Session) handle(ev any) {
	switch e := ev.(type) {
	case evStart:
		s.handleStart()
	case evIntent:
		s.handleIntent(e.intent)
	case evInbound:
		s.handleInbound(e.env)
	case evLocalCandidate:
		s.handleLocalCandidate(e.candidate)
	case evConnected:
		s.handleConnected()
	case evTimeout:
		if s.machine.Current() == e.state {
			s.handleTimeout()
		}
	case evHardError:
		s.finish(e.reason)
	}
}

// handleStart runs the creation side effects: the caller acquires media and
// sends the pre-offer, the callee surfaces the incoming call and starts the
// ring clock.
func (s *Session) handleStart() {
	ctx := context.Background()
	if s.role == RoleCaller {
		if err := s.engine.Acquire(ctx, s.media); err != nil {
			log.Warn().Str("module", "call").Str("session", s.id).Err(err).Msg("failed to acquire local media")
			s.finish(ReasonMediaDenied)
			return
		}
		if !s.send(envelope.PREOFFER, envelope.PreOffer{
			CallerID:  s.localID,
			CallerRef: s.localID,
			Media:     s.media,
		}) {
			return
		}
		s.arm(StateDialing, s.config.DialTimeout)
	} else {
		s.arm(StateRinging, s.config.RingTimeout)
	}
	s.publish()
}

func (s *Session) handleIntent(intent string) {
	state := s.machine.Current()
	switch {
	case intent == intentAccept && state == StateRinging:
		s.disarm()
		if err := s.engine.Acquire(context.Background(), s.media); err != nil {
			log.Warn().Str("module", "call").Str("session", s.id).Err(err).Msg("failed to acquire local media")
			s.send(envelope.PREOFFERANSWER, envelope.PreOfferAnswer{Answer: envelope.REJECTED})
			s.finish(ReasonMediaDenied)
			return
		}
		if !s.send(envelope.PREOFFERANSWER, envelope.PreOfferAnswer{Answer: envelope.ACCEPTED}) {
			return
		}
		s.transition("accept")
		s.publish()
	case intent == intentReject && state == StateRinging:
		s.disarm()
		s.send(envelope.PREOFFERANSWER, envelope.PreOfferAnswer{Answer: envelope.REJECTED})
		s.finish(ReasonRejected)
	case intent == intentCancel && state == StateDialing:
		s.disarm()
		s.send(envelope.ENDCALL, envelope.EndCall{Reason: ReasonCanceled})
		s.finish(ReasonCanceled)
	case intent == intentHangUp && state == StateConnected:
		s.send(envelope.ENDCALL, envelope.EndCall{Reason: ReasonHangUp})
		s.finish(ReasonHangUp)
	default:
		log.Debug().Str("module", "call").Str("session", s.id).
			Str("intent", intent).Str("state", state).Msg("intent ignored in current state")
	}
}

func (s *Session) handleInbound(env envelope.Envelope) {
	// Late or duplicate envelope from a stale attempt: dropped silently.
	if env.CorrelationID != s.correlationID {
		return
	}
	if env.From != "" {
		s.mu.Lock()
		s.remoteRef = env.From
		s.mu.Unlock()
	}

	state := s.machine.Current()
	switch env.Type {
	case envelope.PREOFFERANSWER:
		if state != StateDialing {
			s.violation(env.Type, state)
			return
		}
		s.handlePreOfferAnswer(env)
	case envelope.OFFER:
		if state != StateNegotiating || s.role != RoleCallee {
			s.violation(env.Type, state)
			return
		}
		s.handleOffer(env)
	case envelope.ANSWER:
		if state != StateNegotiating || s.role != RoleCaller {
			s.violation(env.Type, state)
			return
		}
		s.handleAnswer(env)
	case envelope.CANDIDATE:
		if state != StateNegotiating {
			log.Debug().Str("module", "call").Str("session", s.id).
				Str("state", state).Msg("candidate dropped outside negotiation")
			return
		}
		s.handleCandidate(env)
	case envelope.ENDCALL:
		s.finish(ReasonPeerHangUp)
	default:
		s.violation(env.Type, state)
	}
}

func (s *Session) handlePreOfferAnswer(env envelope.Envelope) {
	var answer envelope.PreOfferAnswer
	if err := env.Decode(&answer); err != nil {
		log.Warn().Str("module", "call").Str("session", s.id).Err(err).Msg("malformed pre-offer answer")
		return
	}
	s.disarm()
	switch answer.Answer {
	case envelope.ACCEPTED:
		ctx := context.Background()
		sdp, err := s.engine.CreateOffer(ctx)
		if err != nil {
			log.Error().Str("module", "call").Str("session", s.id).Err(err).Msg("failed to create offer")
			s.finish(ReasonMediaFailed)
			return
		}
		if err := s.engine.SetLocalDescription(ctx, sdp); err != nil {
			log.Error().Str("module", "call").Str("session", s.id).Err(err).Msg("failed to set local description")
			s.finish(ReasonMediaFailed)
			return
		}
		if !s.send(envelope.OFFER, envelope.Offer{SDP: sdp}) {
			return
		}
		s.transition("accept")
		s.flushLocal()
		s.publish()
	case envelope.BUSY:
		s.finish(ReasonBusy)
	case envelope.UNAVAILABLE:
		s.finish(ReasonUnavailable)
	default:
		s.finish(ReasonRejected)
	}
}

func (s *Session) handleOffer(env envelope.Envelope) {
	// The relay delivers at least once; a redelivered offer must not hit the
	// engine a second time or re-send the answer.
	if s.remoteDescSet {
		log.Debug().Str("module", "call").Str("session", s.id).Msg("duplicate offer dropped")
		return
	}
	var offer envelope.Offer
	if err := env.Decode(&offer); err != nil {
		log.Warn().Str("module", "call").Str("session", s.id).Err(err).Msg("malformed offer")
		return
	}
	ctx := context.Background()
	if err := s.engine.SetRemoteDescription(ctx, offer.SDP); err != nil {
		log.Error().Str("module", "call").Str("session", s.id).Err(err).Msg("failed to set remote description")
		s.finish(ReasonMediaFailed)
		return
	}
	s.remoteDescSet = true
	s.applyRemoteBuffer(ctx)

	sdp, err := s.engine.CreateAnswer(ctx)
	if err != nil {
		log.Error().Str("module", "call").Str("session", s.id).Err(err).Msg("failed to create answer")
		s.finish(ReasonMediaFailed)
		return
	}
	if err := s.engine.SetLocalDescription(ctx, sdp); err != nil {
		log.Error().Str("module", "call").Str("session", s.id).Err(err).Msg("failed to set local description")
		s.finish(ReasonMediaFailed)
		return
	}
	if !s.send(envelope.ANSWER, envelope.Answer{SDP: sdp}) {
		return
	}
	s.flushLocal()
}

func (s *Session) handleAnswer(env envelope.Envelope) {
	if s.remoteDescSet {
		log.Debug().Str("module", "call").Str("session", s.id).Msg("duplicate answer dropped")
		return
	}
	var answer envelope.Answer
	if err := env.Decode(&answer); err != nil {
		log.Warn().Str("module", "call").Str("session", s.id).Err(err).Msg("malformed answer")
		return
	}
	ctx := context.Background()
	if err := s.engine.SetRemoteDescription(ctx, answer.SDP); err != nil {
		log.Error().Str("module", "call").Str("session", s.id).Err(err).Msg("failed to set remote description")
		s.finish(ReasonMediaFailed)
		return
	}
	s.remoteDescSet = true
	s.applyRemoteBuffer(ctx)
}

func (s *Session) handleCandidate(env envelope.Envelope) {
	var payload envelope.Candidate
	if err := env.Decode(&payload); err != nil {
		log.Warn().Str("module", "call").Str("session", s.id).Err(err).Msg("malformed candidate")
		return
	}
	candidate := media.Candidate{
		Candidate:     payload.Candidate,
		SDPMid:        payload.SDPMid,
		SDPMLineIndex: payload.SDPMLineIndex,
	}
	if !s.remoteDescSet {
		// The relay gives no ordering across envelope types; hold the
		// candidate until the peer's description arrives.
		s.pendingRemote = append(s.pendingRemote, candidate)
		return
	}
	if err := s.engine.AddCandidate(context.Background(), candidate); err != nil {
		log.Warn().Str("module", "call").Str("session", s.id).Err(err).Msg("failed to add remote candidate")
	}
}

func (s *Session) handleLocalCandidate(c media.Candidate) {
	if !s.localSent {
		s.pendingLocal = append(s.pendingLocal, c)
		return
	}
	s.sendCandidate(c)
}

func (s *Session) handleConnected() {
	if s.machine.Current() != StateNegotiating {
		return
	}
	s.disarm()
	s.pendingLocal = nil
	s.pendingRemote = nil
	s.mu.Lock()
	s.connectedAt = time.Now()
	s.mu.Unlock()
	s.transition("connect")
	log.Info().Str("module", "call").Str("session", s.id).
		Str("peer", s.remoteID).Msg("call connected")
	s.publish()
}

func (s *Session) handleTimeout() {
	switch s.machine.Current() {
	case StateDialing:
		s.send(envelope.ENDCALL, envelope.EndCall{Reason: ReasonTimeout})
	case StateRinging:
		s.send(envelope.PREOFFERANSWER, envelope.PreOfferAnswer{Answer: envelope.UNAVAILABLE})
	}
	s.finish(ReasonTimeout)
}

// applyRemoteBuffer feeds candidates that arrived before the remote
// description to the engine, in arrival order.
func (s *Session) applyRemoteBuffer(ctx context.Context) {
	for _, c := range s.pendingRemote {
		if err := s.engine.AddCandidate(ctx, c); err != nil {
			log.Warn().Str("module", "call").Str("session", s.id).Err(err).Msg("failed to add buffered candidate")
		}
	}
	s.pendingRemote = nil
}

// flushLocal sends every buffered local candidate exactly once and switches
// candidate delivery to immediate mode.
func (s *Session) flushLocal() {
	s.localSent = true
	pending := s.pendingLocal
	s.pendingLocal = nil
	for _, c := range pending {
		s.sendCandidate(c)
	}
}

func (s *Session) sendCandidate(c media.Candidate) {
	s.send(envelope.CANDIDATE, envelope.Candidate{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

// send builds and delivers one envelope to the peer. A delivery failure is a
// local hard error and ends the session; send reports whether the session is
// still alive.
func (s *Session) send(typ string, payload any) bool {
	s.mu.RLock()
	target := s.remoteRef
	s.mu.RUnlock()
	env, err := envelope.New(typ, s.correlationID, target, payload)
	if err != nil {
		log.Error().Str("module", "call").Str("session", s.id).Err(err).Msg("failed to build envelope")
		s.finish(ReasonRelayFailed)
		return false
	}
	env.From = s.localID
	if err := s.sender.Send(env); err != nil {
		if s.machine.Current() == StateEnded {
			return false
		}
		log.Warn().Str("module", "call").Str("session", s.id).
			Str("type", typ).Err(err).Msg("failed to send envelope")
		s.finish(ReasonRelayFailed)
		return false
	}
	return true
}

func (s *Session) arm(state string, d time.Duration) {
	s.timer = time.AfterFunc(d, func() {
		s.post(evTimeout{state: state})
	})
}

func (s *Session) disarm() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) transition(event string) {
	if err := s.machine.Event(context.Background(), event); err != nil {
		log.Error().Str("module", "call").Str("session", s.id).
			Str("event", event).Err(err).Msg("invalid state transition")
	}
}

func (s *Session) violation(typ, state string) {
	log.Warn().Str("module", "call").Str("session", s.id).
		Str("type", typ).Str("state", state).Msg("envelope invalid for current state, dropped")
}

// finish moves the session to its terminal state, releases media exactly
// once and evicts it from the registry. Safe against racing end paths.
func (s *Session) finish(reason string) {
	if s.machine.Current() == StateEnded {
		return
	}
	s.disarm()
	s.mu.Lock()
	s.reason = reason
	s.mu.Unlock()
	if err := s.engine.Close(); err != nil {
		log.Warn().Str("module", "call").Str("session", s.id).Err(err).Msg("failed to close media engine")
	}
	s.transition("end")
	close(s.done)
	log.Info().Str("module", "call").Str("session", s.id).
		Str("peer", s.remoteID).Str("reason", reason).Msg("call ended")
	s.publish()
	if s.onEnded != nil {
		s.onEnded(s)
	}
}

func (s *Session) publish() {
	if s.notify != nil {
		s.notify(s.Snapshot())
	}
}
