package call_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ringlink/call"
	"ringlink/media"
	"ringlink/types/envelope"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// fakeSender records every envelope and optionally forwards it to a route.
type fakeSender struct {
	mu    sync.Mutex
	sent  []envelope.Envelope
	err   error
	route func(envelope.Envelope)
}

func (f *fakeSender) Send(env envelope.Envelope) error {
	f.mu.Lock()
	if f.err != nil {
		defer f.mu.Unlock()
		return f.err
	}
	f.sent = append(f.sent, env)
	route := f.route
	f.mu.Unlock()
	if route != nil {
		route(env)
	}
	return nil
}

func (f *fakeSender) byType(typ string) []envelope.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []envelope.Envelope
	for _, env := range f.sent {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeSender) count(typ string) int {
	return len(f.byType(typ))
}

// fakeEngine is a controllable media engine double.
type fakeEngine struct {
	mu           sync.Mutex
	acquireErr   error
	acquired     int
	localSDP     string
	remotes      []string
	strictRemote bool
	candidates   []media.Candidate
	closed       int
	onCandidate  func(media.Candidate)
	onConnected  func()
}

func newFakeEngine(sdp string) *fakeEngine {
	return &fakeEngine{localSDP: sdp}
}

func (f *fakeEngine) Acquire(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return f.acquireErr
	}
	f.acquired++
	return nil
}

func (f *fakeEngine) CreateOffer(_ context.Context) (string, error)  { return f.localSDP, nil }
func (f *fakeEngine) CreateAnswer(_ context.Context) (string, error) { return f.localSDP, nil }

func (f *fakeEngine) SetLocalDescription(_ context.Context, _ string) error { return nil }

func (f *fakeEngine) SetRemoteDescription(_ context.Context, sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.strictRemote && len(f.remotes) > 0 {
		return errors.New("remote description already set")
	}
	f.remotes = append(f.remotes, sdp)
	return nil
}

func (f *fakeEngine) remoteSDPs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.remotes...)
}

func (f *fakeEngine) AddCandidate(_ context.Context, c media.Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeEngine) OnCandidate(handler func(media.Candidate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCandidate = handler
}

func (f *fakeEngine) OnConnected(handler func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConnected = handler
}

func (f *fakeEngine) SetMuted(bool) {}

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeEngine) fireCandidate(c media.Candidate) {
	f.mu.Lock()
	handler := f.onCandidate
	f.mu.Unlock()
	if handler != nil {
		handler(c)
	}
}

func (f *fakeEngine) fireConnected() {
	f.mu.Lock()
	handler := f.onConnected
	f.mu.Unlock()
	if handler != nil {
		handler()
	}
}

func (f *fakeEngine) remoteCandidates() []media.Candidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]media.Candidate(nil), f.candidates...)
}

func (f *fakeEngine) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeFactory hands out prepared engines in order.
type fakeFactory struct {
	mu      sync.Mutex
	engines []*fakeEngine
	next    int
}

func (f *fakeFactory) NewEngine() (media.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.next >= len(f.engines) {
		engine := newFakeEngine("sdp")
		f.engines = append(f.engines, engine)
	}
	engine := f.engines[f.next]
	f.next++
	return engine, nil
}

// snapshots records UI notifications.
type snapshots struct {
	mu   sync.Mutex
	seen []call.Snapshot
}

func (s *snapshots) notify(snap call.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, snap)
}

func (s *snapshots) last() (call.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.seen) == 0 {
		return call.Snapshot{}, false
	}
	return s.seen[len(s.seen)-1], true
}

func newTestRegistry(t *testing.T, config call.Config, engines ...*fakeEngine) (*call.Registry, *fakeSender, *fakeFactory, *snapshots) {
	t.Helper()
	sender := &fakeSender{}
	factory := &fakeFactory{engines: engines}
	snaps := &snapshots{}
	registry := call.NewRegistry(config, sender, factory, snaps.notify)
	return registry, sender, factory, snaps
}

func acceptedEnvelope(t *testing.T, correlationID string) envelope.Envelope {
	t.Helper()
	env, err := envelope.New(envelope.PREOFFERANSWER, correlationID, "alice", envelope.PreOfferAnswer{
		Answer: envelope.ACCEPTED,
	})
	require.NoError(t, err)
	return env
}

func TestInitiate(t *testing.T) {
	t.Run("given idle identity when call initiated then pre-offer is sent", func(t *testing.T) {
		registry, sender, _, _ := newTestRegistry(t, call.Config{})

		session, err := registry.Initiate("alice", "bob", media.Audio)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return sender.count(envelope.PREOFFER) == 1
		}, waitFor, tick)

		env := sender.byType(envelope.PREOFFER)[0]
		assert.Equal(t, session.CorrelationID(), env.CorrelationID)
		assert.Equal(t, "bob", env.To)

		var preOffer envelope.PreOffer
		require.NoError(t, env.Decode(&preOffer))
		assert.Equal(t, "alice", preOffer.CallerID)
		assert.Equal(t, media.Audio, preOffer.Media)
		assert.Equal(t, call.StateDialing, session.State())
	})

	t.Run("given live session when second call initiated then busy local", func(t *testing.T) {
		registry, _, _, _ := newTestRegistry(t, call.Config{})

		_, err := registry.Initiate("alice", "bob", media.Audio)
		require.NoError(t, err)

		_, err = registry.Initiate("alice", "carol", media.Audio)
		assert.ErrorIs(t, err, call.ErrBusyLocal)
	})

	t.Run("given unknown media kind when call initiated then error", func(t *testing.T) {
		registry, _, _, _ := newTestRegistry(t, call.Config{})

		_, err := registry.Initiate("alice", "bob", "screen")
		assert.ErrorIs(t, err, call.ErrUnknownMedia)
	})

	t.Run("given denied capture when call initiated then session ends without pre-offer", func(t *testing.T) {
		engine := newFakeEngine("sdp")
		engine.acquireErr = media.ErrAccessDenied
		registry, sender, _, snaps := newTestRegistry(t, call.Config{}, engine)

		_, err := registry.Initiate("alice", "bob", media.Audio)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			snap, ok := snaps.last()
			return ok && snap.State == call.StateEnded
		}, waitFor, tick)

		snap, _ := snaps.last()
		assert.Equal(t, call.ReasonMediaDenied, snap.Reason)
		assert.Zero(t, sender.count(envelope.PREOFFER))
		_, live := registry.Get("alice")
		assert.False(t, live)
	})
}

func TestCancelBeforeAnswer(t *testing.T) {
	registry, sender, _, snaps := newTestRegistry(t, call.Config{})

	session, err := registry.Initiate("alice", "bob", media.Audio)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return sender.count(envelope.PREOFFER) == 1
	}, waitFor, tick)

	session.Cancel()
	require.Eventually(t, func() bool {
		return session.State() == call.StateEnded
	}, waitFor, tick)

	assert.Equal(t, 1, sender.count(envelope.ENDCALL))
	snap, _ := snaps.last()
	assert.Equal(t, call.ReasonCanceled, snap.Reason)
	_, live := registry.Get("alice")
	assert.False(t, live)

	// A delayed ACCEPTED for the canceled attempt must change nothing.
	registry.Dispatch("alice", acceptedEnvelope(t, session.CorrelationID()))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, call.StateEnded, session.State())
	assert.Zero(t, sender.count(envelope.OFFER))
}

func TestCallerNegotiation(t *testing.T) {
	t.Run("given accepted pre-offer when offer sent then buffered candidates flush exactly once", func(t *testing.T) {
		engine := newFakeEngine("caller-sdp")
		registry, sender, _, _ := newTestRegistry(t, call.Config{}, engine)

		session, err := registry.Initiate("alice", "bob", media.Audio)
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			return sender.count(envelope.PREOFFER) == 1
		}, waitFor, tick)

		// Candidates gathered before the peer accepts are buffered.
		engine.fireCandidate(media.Candidate{Candidate: "c1"})
		engine.fireCandidate(media.Candidate{Candidate: "c2"})
		time.Sleep(20 * time.Millisecond)
		assert.Zero(t, sender.count(envelope.CANDIDATE))

		registry.Dispatch("alice", acceptedEnvelope(t, session.CorrelationID()))
		require.Eventually(t, func() bool {
			return sender.count(envelope.OFFER) == 1 && sender.count(envelope.CANDIDATE) == 2
		}, waitFor, tick)
		assert.Equal(t, call.StateNegotiating, session.State())

		// Later candidates bypass the buffer.
		engine.fireCandidate(media.Candidate{Candidate: "c3"})
		require.Eventually(t, func() bool {
			return sender.count(envelope.CANDIDATE) == 3
		}, waitFor, tick)

		// The flush happens once; nothing is re-sent.
		envs := sender.byType(envelope.CANDIDATE)
		var got []string
		for _, env := range envs {
			var c envelope.Candidate
			require.NoError(t, env.Decode(&c))
			got = append(got, c.Candidate)
		}
		assert.Equal(t, []string{"c1", "c2", "c3"}, got)
	})

	t.Run("given redelivered answer when description already applied then it is dropped", func(t *testing.T) {
		engine := newFakeEngine("caller-sdp")
		engine.strictRemote = true
		registry, sender, _, _ := newTestRegistry(t, call.Config{}, engine)

		session, err := registry.Initiate("alice", "bob", media.Audio)
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			return sender.count(envelope.PREOFFER) == 1
		}, waitFor, tick)

		registry.Dispatch("alice", acceptedEnvelope(t, session.CorrelationID()))
		require.Eventually(t, func() bool {
			return sender.count(envelope.OFFER) == 1
		}, waitFor, tick)

		answer, err := envelope.New(envelope.ANSWER, session.CorrelationID(), "alice", envelope.Answer{SDP: "callee-sdp"})
		require.NoError(t, err)
		registry.Dispatch("alice", answer)
		require.Eventually(t, func() bool {
			return len(engine.remoteSDPs()) == 1
		}, waitFor, tick)

		// The relay may hand the same answer over again; the negotiation
		// must survive it untouched.
		registry.Dispatch("alice", answer)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, call.StateNegotiating, session.State())
		assert.Equal(t, []string{"callee-sdp"}, engine.remoteSDPs())
	})

	t.Run("given busy answer when dialing then session ends with busy", func(t *testing.T) {
		registry, sender, _, snaps := newTestRegistry(t, call.Config{})

		session, err := registry.Initiate("alice", "bob", media.Audio)
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			return sender.count(envelope.PREOFFER) == 1
		}, waitFor, tick)

		env, err := envelope.New(envelope.PREOFFERANSWER, session.CorrelationID(), "alice", envelope.PreOfferAnswer{
			Answer: envelope.BUSY,
		})
		require.NoError(t, err)
		registry.Dispatch("alice", env)

		require.Eventually(t, func() bool {
			return session.State() == call.StateEnded
		}, waitFor, tick)
		snap, _ := snaps.last()
		assert.Equal(t, call.ReasonBusy, snap.Reason)
	})
}

func TestCalleeNegotiation(t *testing.T) {
	t.Run("given candidate before offer then it is buffered and applied after remote description", func(t *testing.T) {
		engine := newFakeEngine("callee-sdp")
		registry, sender, _, _ := newTestRegistry(t, call.Config{}, engine)

		preOffer, err := envelope.New(envelope.PREOFFER, "corr-1", "bob", envelope.PreOffer{
			CallerID: "alice", CallerRef: "alice", Media: media.Audio,
		})
		require.NoError(t, err)
		registry.Dispatch("bob", preOffer)

		require.Eventually(t, func() bool {
			session, ok := registry.Get("bob")
			return ok && session.State() == call.StateRinging
		}, waitFor, tick)
		session, _ := registry.Get("bob")

		session.Accept()
		require.Eventually(t, func() bool {
			return sender.count(envelope.PREOFFERANSWER) == 1
		}, waitFor, tick)
		assert.Equal(t, call.StateNegotiating, session.State())

		// A candidate racing ahead of the offer is held back.
		candidate, err := envelope.New(envelope.CANDIDATE, "corr-1", "bob", envelope.Candidate{Candidate: "early"})
		require.NoError(t, err)
		registry.Dispatch("bob", candidate)
		time.Sleep(20 * time.Millisecond)
		assert.Empty(t, engine.remoteCandidates())

		offer, err := envelope.New(envelope.OFFER, "corr-1", "bob", envelope.Offer{SDP: "caller-sdp"})
		require.NoError(t, err)
		registry.Dispatch("bob", offer)

		require.Eventually(t, func() bool {
			return sender.count(envelope.ANSWER) == 1
		}, waitFor, tick)
		require.Len(t, engine.remoteCandidates(), 1)
		assert.Equal(t, "early", engine.remoteCandidates()[0].Candidate)
	})

	t.Run("given redelivered offer when description already applied then answer is not re-sent", func(t *testing.T) {
		engine := newFakeEngine("callee-sdp")
		engine.strictRemote = true
		registry, sender, _, _ := newTestRegistry(t, call.Config{}, engine)

		preOffer, err := envelope.New(envelope.PREOFFER, "corr-dup", "bob", envelope.PreOffer{
			CallerID: "alice", CallerRef: "alice", Media: media.Audio,
		})
		require.NoError(t, err)
		registry.Dispatch("bob", preOffer)
		require.Eventually(t, func() bool {
			session, ok := registry.Get("bob")
			return ok && session.State() == call.StateRinging
		}, waitFor, tick)
		session, _ := registry.Get("bob")

		session.Accept()
		require.Eventually(t, func() bool {
			return sender.count(envelope.PREOFFERANSWER) == 1
		}, waitFor, tick)

		offer, err := envelope.New(envelope.OFFER, "corr-dup", "bob", envelope.Offer{SDP: "caller-sdp"})
		require.NoError(t, err)
		registry.Dispatch("bob", offer)
		require.Eventually(t, func() bool {
			return sender.count(envelope.ANSWER) == 1
		}, waitFor, tick)

		registry.Dispatch("bob", offer)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, call.StateNegotiating, session.State())
		assert.Equal(t, 1, sender.count(envelope.ANSWER))
		assert.Equal(t, []string{"caller-sdp"}, engine.remoteSDPs())
	})

	t.Run("given ringing session when rejected then rejected answer is sent", func(t *testing.T) {
		registry, sender, _, snaps := newTestRegistry(t, call.Config{})

		preOffer, err := envelope.New(envelope.PREOFFER, "corr-2", "bob", envelope.PreOffer{
			CallerID: "alice", CallerRef: "alice", Media: media.Video,
		})
		require.NoError(t, err)
		registry.Dispatch("bob", preOffer)

		require.Eventually(t, func() bool {
			_, ok := registry.Get("bob")
			return ok
		}, waitFor, tick)
		session, _ := registry.Get("bob")

		session.Reject()
		require.Eventually(t, func() bool {
			return session.State() == call.StateEnded
		}, waitFor, tick)

		answers := sender.byType(envelope.PREOFFERANSWER)
		require.Len(t, answers, 1)
		var answer envelope.PreOfferAnswer
		require.NoError(t, answers[0].Decode(&answer))
		assert.Equal(t, envelope.REJECTED, answer.Answer)
		snap, _ := snaps.last()
		assert.Equal(t, call.ReasonRejected, snap.Reason)
	})
}

func TestEndedTerminality(t *testing.T) {
	engine := newFakeEngine("sdp")
	registry, sender, _, _ := newTestRegistry(t, call.Config{}, engine)

	session, err := registry.Initiate("alice", "bob", media.Audio)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return sender.count(envelope.PREOFFER) == 1
	}, waitFor, tick)

	session.Cancel()
	require.Eventually(t, func() bool {
		return session.State() == call.StateEnded
	}, waitFor, tick)
	sentBefore := sender.count(envelope.ENDCALL)
	closedBefore := engine.closeCount()

	// Every post-end stimulus must be inert.
	session.Accept()
	session.Reject()
	session.HangUp()
	session.Cancel()
	engine.fireCandidate(media.Candidate{Candidate: "late"})
	engine.fireConnected()
	endCall, err := envelope.New(envelope.ENDCALL, session.CorrelationID(), "alice", envelope.EndCall{})
	require.NoError(t, err)
	registry.Dispatch("alice", endCall)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, call.StateEnded, session.State())
	assert.Equal(t, sentBefore, sender.count(envelope.ENDCALL))
	assert.Equal(t, closedBefore, engine.closeCount())
}

func TestTimeouts(t *testing.T) {
	t.Run("given unanswered dial when timeout elapses then session ends with timeout", func(t *testing.T) {
		registry, sender, _, snaps := newTestRegistry(t, call.Config{DialTimeout: 30 * time.Millisecond})

		session, err := registry.Initiate("alice", "bob", media.Audio)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return session.State() == call.StateEnded
		}, waitFor, tick)
		snap, _ := snaps.last()
		assert.Equal(t, call.ReasonTimeout, snap.Reason)
		assert.Equal(t, 1, sender.count(envelope.ENDCALL))
	})

	t.Run("given unanswered ring when timeout elapses then unavailable is sent", func(t *testing.T) {
		registry, sender, _, snaps := newTestRegistry(t, call.Config{RingTimeout: 30 * time.Millisecond})

		preOffer, err := envelope.New(envelope.PREOFFER, "corr-3", "bob", envelope.PreOffer{
			CallerID: "alice", CallerRef: "alice", Media: media.Audio,
		})
		require.NoError(t, err)
		registry.Dispatch("bob", preOffer)

		require.Eventually(t, func() bool {
			snap, ok := snaps.last()
			return ok && snap.State == call.StateEnded
		}, waitFor, tick)
		snap, _ := snaps.last()
		assert.Equal(t, call.ReasonTimeout, snap.Reason)

		answers := sender.byType(envelope.PREOFFERANSWER)
		require.Len(t, answers, 1)
		var answer envelope.PreOfferAnswer
		require.NoError(t, answers[0].Decode(&answer))
		assert.Equal(t, envelope.UNAVAILABLE, answer.Answer)
	})
}

func TestRelayFailure(t *testing.T) {
	registry, sender, _, snaps := newTestRegistry(t, call.Config{})
	sender.err = assert.AnError

	_, err := registry.Initiate("alice", "bob", media.Audio)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, ok := snaps.last()
		return ok && snap.State == call.StateEnded
	}, waitFor, tick)
	snap, _ := snaps.last()
	assert.Equal(t, call.ReasonRelayFailed, snap.Reason)
}
