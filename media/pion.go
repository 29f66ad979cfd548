package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// WebRTCFactory creates pion-backed engines.
type WebRTCFactory struct {
	config Config
	api    *webrtc.API
}

// NewWebRTCFactory builds the shared pion API with default codecs and
// interceptors registered.
func NewWebRTCFactory(config Config) (*WebRTCFactory, error) {
	config.SetDefault()

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)
	return &WebRTCFactory{
		config: config,
		api:    api,
	}, nil
}

// NewEngine creates a peer connection for one call session.
func (f *WebRTCFactory) NewEngine() (Engine, error) {
	conn, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: f.config.STUNServers},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return newWebRTCEngine(conn), nil
}

// WebRTCEngine implements Engine on top of a pion peer connection.
type WebRTCEngine struct {
	mu        sync.Mutex
	conn      *webrtc.PeerConnection
	writer    *RTPWriter
	pending   *webrtc.SessionDescription
	connected sync.Once
	closed    bool
}

func newWebRTCEngine(conn *webrtc.PeerConnection) *WebRTCEngine {
	return &WebRTCEngine{conn: conn}
}

// Acquire creates the local track for the requested kind and starts feeding
// it. The capture source is a static RTP track; callers on a real device
// replace the writer's frame source.
func (e *WebRTCEngine) Acquire(ctx context.Context, kind string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	track, err := newLocalTrack(kind)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}
	sender, err := e.conn.AddTrack(track)
	if err != nil {
		return fmt.Errorf("failed to add local track: %w", err)
	}
	// Drain RTCP so interceptors keep running.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	e.writer = NewRTPWriter(track, kind)
	e.writer.Start()
	return nil
}

// CreateOffer produces and remembers the local offer.
func (e *WebRTCEngine) CreateOffer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	offer, err := e.conn.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	e.mu.Lock()
	e.pending = &offer
	e.mu.Unlock()
	return offer.SDP, nil
}

// CreateAnswer produces and remembers the local answer.
func (e *WebRTCEngine) CreateAnswer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	answer, err := e.conn.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	e.mu.Lock()
	e.pending = &answer
	e.mu.Unlock()
	return answer.SDP, nil
}

// SetLocalDescription commits the description produced by the last Create call.
func (e *WebRTCEngine) SetLocalDescription(ctx context.Context, sdp string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	pending := e.pending
	e.mu.Unlock()
	if pending == nil {
		return fmt.Errorf("no pending local description")
	}
	desc := *pending
	desc.SDP = sdp
	if err := e.conn.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	return nil
}

// SetRemoteDescription applies the peer's description. Whether it is an offer
// or an answer follows from which side described itself first.
func (e *WebRTCEngine) SetRemoteDescription(ctx context.Context, sdp string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	typ := webrtc.SDPTypeAnswer
	if e.conn.LocalDescription() == nil {
		typ = webrtc.SDPTypeOffer
	}
	if err := e.conn.SetRemoteDescription(webrtc.SessionDescription{
		Type: typ,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

// AddCandidate applies one remote ICE candidate.
func (e *WebRTCEngine) AddCandidate(ctx context.Context, c Candidate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	init := webrtc.ICECandidateInit{Candidate: c.Candidate}
	if c.SDPMid != "" {
		mid := c.SDPMid
		init.SDPMid = &mid
	}
	index := c.SDPMLineIndex
	init.SDPMLineIndex = &index
	if err := e.conn.AddICECandidate(init); err != nil {
		return fmt.Errorf("failed to add ice candidate: %w", err)
	}
	return nil
}

// OnCandidate forwards locally gathered candidates to the handler.
func (e *WebRTCEngine) OnCandidate(handler func(Candidate)) {
	e.conn.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		out := Candidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			out.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			out.SDPMLineIndex = *init.SDPMLineIndex
		}
		handler(out)
	})
}

// OnConnected fires the handler once, when the first remote track is bound.
func (e *WebRTCEngine) OnConnected(handler func()) {
	e.conn.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.connected.Do(handler)
		// Keep reading so the track does not stall.
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				return
			}
		}
	})
}

// SetMuted pauses or resumes the local writer.
func (e *WebRTCEngine) SetMuted(muted bool) {
	e.mu.Lock()
	writer := e.writer
	e.mu.Unlock()
	if writer != nil {
		writer.SetMuted(muted)
	}
}

// Close stops the writer and closes the peer connection.
func (e *WebRTCEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	writer := e.writer
	e.mu.Unlock()

	if writer != nil {
		writer.Stop()
	}
	if err := e.conn.Close(); err != nil {
		return fmt.Errorf("failed to close peer connection: %w", err)
	}
	return nil
}
