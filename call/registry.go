package call

import (
	"errors"
	"fmt"
	"sync"

	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog/log"

	"ringlink/media"
	"ringlink/types/envelope"
)

var (
	// ErrBusyLocal is returned when a call is initiated while another
	// session is still live for the same identity.
	ErrBusyLocal = errors.New("local identity already in a call")

	// ErrUnknownMedia is returned for a media kind other than audio or video.
	ErrUnknownMedia = errors.New("unknown media kind")
)

// Registry holds at most one live session per local identity, routes inbound
// envelopes to the owning session and answers busy on its behalf.
type Registry struct {
	config  Config
	sender  Sender
	factory media.Factory
	notify  func(Snapshot)

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates a registry. notify may be nil.
func NewRegistry(config Config, sender Sender, factory media.Factory, notify func(Snapshot)) *Registry {
	config.SetDefault()
	return &Registry{
		config:   config,
		sender:   sender,
		factory:  factory,
		notify:   notify,
		sessions: make(map[string]*Session),
	}
}

// Initiate starts an outgoing call. It fails with ErrBusyLocal while a
// non-ended session exists for localID.
func (r *Registry) Initiate(localID, remoteID, kind string) (*Session, error) {
	if kind != media.Audio && kind != media.Video {
		return nil, fmt.Errorf("%s: %w", kind, ErrUnknownMedia)
	}

	r.mu.Lock()
	if _, exists := r.sessions[localID]; exists {
		r.mu.Unlock()
		return nil, ErrBusyLocal
	}
	engine, err := r.factory.NewEngine()
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to create media engine: %w", err)
	}
	session := newSession(
		shortuuid.New(), shortuuid.New(),
		localID, remoteID, remoteID,
		RoleCaller, kind,
		engine, r.sender, r.config,
		r.notify, r.evict,
	)
	r.sessions[localID] = session
	r.mu.Unlock()

	log.Info().Str("module", "call").Str("session", session.id).
		Str("caller", localID).Str("callee", remoteID).Str("media", kind).Msg("call initiated")
	session.start()
	return session, nil
}

// Get returns the live session for localID, if any.
func (r *Registry) Get(localID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[localID]
	return session, ok
}

// Dispatch routes one inbound envelope addressed to localID. A pre-offer may
// create a session; every other type is matched by correlation id and
// dropped when no session claims it.
func (r *Registry) Dispatch(localID string, env envelope.Envelope) {
	if err := env.Validate(); err != nil {
		log.Warn().Str("module", "call").Err(err).Msg("invalid inbound envelope dropped")
		return
	}

	if env.Type == envelope.PREOFFER {
		r.dispatchPreOffer(localID, env)
		return
	}

	r.mu.RLock()
	session, ok := r.sessions[localID]
	r.mu.RUnlock()
	if !ok || session.correlationID != env.CorrelationID {
		log.Debug().Str("module", "call").Str("type", env.Type).
			Str("correlation", env.CorrelationID).Msg("stale envelope dropped")
		return
	}
	session.post(evInbound{env: env})
}

// dispatchPreOffer applies the single-active-session guard. A second caller
// is answered busy without a session ever being created. Glare, both sides
// pre-offering each other at once, is broken deterministically: the caller
// with the lexicographically smaller identity keeps its attempt, the other
// side abandons its own attempt and takes the call.
func (r *Registry) dispatchPreOffer(localID string, env envelope.Envelope) {
	var preOffer envelope.PreOffer
	if err := env.Decode(&preOffer); err != nil {
		log.Warn().Str("module", "call").Err(err).Msg("malformed pre-offer dropped")
		return
	}

	r.mu.Lock()
	existing, busy := r.sessions[localID]
	if busy {
		glare := existing.State() == StateDialing && existing.remoteID == preOffer.CallerID
		if !glare || localID < preOffer.CallerID {
			r.mu.Unlock()
			r.replyBusy(env)
			return
		}
		// We lose the glare: abandon our own attempt and ring instead. The
		// peer answers our stale pre-offer with busy; it no longer matches
		// a correlation id and is dropped.
		log.Info().Str("module", "call").Str("session", existing.id).
			Str("peer", preOffer.CallerID).Msg("simultaneous call, yielding to peer attempt")
	}

	engine, err := r.factory.NewEngine()
	if err != nil {
		r.mu.Unlock()
		log.Error().Str("module", "call").Err(err).Msg("failed to create media engine for incoming call")
		r.replyUnavailable(env)
		return
	}
	remoteRef := env.From
	if remoteRef == "" {
		remoteRef = preOffer.CallerRef
	}
	session := newSession(
		shortuuid.New(), env.CorrelationID,
		localID, preOffer.CallerID, remoteRef,
		RoleCallee, preOffer.Media,
		engine, r.sender, r.config,
		r.notify, r.evict,
	)
	r.sessions[localID] = session
	r.mu.Unlock()

	// The losing attempt is told to stand down only after the lock is
	// released. Its eviction callback takes r.mu, so a blocking post under
	// the lock could wedge the registry against a full session queue.
	if busy {
		existing.post(evHardError{reason: ReasonReplaced})
	}

	log.Info().Str("module", "call").Str("session", session.id).
		Str("caller", preOffer.CallerID).Str("callee", localID).
		Str("media", preOffer.Media).Msg("incoming call")
	session.start()
}

// evict removes a session the instant it ends. A glare replacement may
// already own the slot; it is left untouched.
func (r *Registry) evict(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[s.localID]; ok && current == s {
		delete(r.sessions, s.localID)
	}
}

func (r *Registry) replyBusy(env envelope.Envelope) {
	r.reply(env, envelope.BUSY)
}

func (r *Registry) replyUnavailable(env envelope.Envelope) {
	r.reply(env, envelope.UNAVAILABLE)
}

func (r *Registry) reply(env envelope.Envelope, answer string) {
	out, err := envelope.New(envelope.PREOFFERANSWER, env.CorrelationID, env.From, envelope.PreOfferAnswer{
		Answer: answer,
	})
	if err != nil {
		log.Error().Str("module", "call").Err(err).Msg("failed to build pre-offer answer")
		return
	}
	if err := r.sender.Send(out); err != nil {
		log.Warn().Str("module", "call").Str("answer", answer).Err(err).Msg("failed to send pre-offer answer")
	}
}
