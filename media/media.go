// Package media defines the engine contract a call session drives during
// negotiation, together with a WebRTC implementation.
package media

import (
	"context"
	"errors"
)

// Kind of local capture requested for a call.
const (
	Audio = "audio"
	Video = "video"
)

var (
	// ErrAccessDenied is returned when the local capture device cannot be
	// acquired.
	ErrAccessDenied = errors.New("media access denied")

	// ErrClosed is returned when an operation is attempted on a closed engine.
	ErrClosed = errors.New("media engine closed")
)

// Candidate is one connectivity-path descriptor produced during negotiation.
// The session relays it opaquely.
type Candidate struct {
	Candidate     string
	SDPMid        string
	SDPMLineIndex uint16
}

// Engine abstracts the vendor media stack for one call. All blocking
// operations take a context; any failure is terminal for the call attempt.
//
//go:generate mockgen -destination=mock_media.go -package=media . Engine,Factory
type Engine interface {
	// Acquire obtains the local capture for the given media kind and binds
	// it to the connection.
	Acquire(ctx context.Context, kind string) error

	// CreateOffer produces the local session description for the caller side.
	CreateOffer(ctx context.Context) (string, error)

	// CreateAnswer produces the local session description for the callee side.
	// The remote offer must already be set.
	CreateAnswer(ctx context.Context) (string, error)

	// SetLocalDescription commits a description previously produced by
	// CreateOffer or CreateAnswer.
	SetLocalDescription(ctx context.Context, sdp string) error

	// SetRemoteDescription applies the peer's description.
	SetRemoteDescription(ctx context.Context, sdp string) error

	// AddCandidate applies one remote ICE candidate. The remote description
	// must already be set.
	AddCandidate(ctx context.Context, c Candidate) error

	// OnCandidate registers the handler for locally gathered candidates.
	OnCandidate(handler func(Candidate))

	// OnConnected registers the handler fired once, when the first remote
	// track is bound.
	OnConnected(handler func())

	// SetMuted pauses or resumes the local capture without renegotiation.
	SetMuted(muted bool)

	// Close releases the capture and tears down the connection. It is safe
	// to call more than once.
	Close() error
}

// Factory creates one engine per call session.
type Factory interface {
	NewEngine() (Engine, error)
}
