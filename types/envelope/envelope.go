// Package envelope defines the signaling messages exchanged through the relay.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Constants for envelope types.
const (
	REGISTER       = "REGISTER"
	PREOFFER       = "PRE_OFFER"
	PREOFFERANSWER = "PRE_OFFER_ANSWER"
	OFFER          = "OFFER"
	ANSWER         = "ANSWER"
	CANDIDATE      = "CANDIDATE"
	ENDCALL        = "END_CALL"
)

// Constants for pre-offer answer values.
const (
	ACCEPTED    = "ACCEPTED"
	REJECTED    = "REJECTED"
	BUSY        = "BUSY"
	UNAVAILABLE = "UNAVAILABLE"
)

var (
	// ErrUnknownType is returned when the envelope type is not one of the
	// signaling types above.
	ErrUnknownType = errors.New("unknown envelope type")

	// ErrNoCorrelationID is returned when a call envelope carries no
	// correlation id.
	ErrNoCorrelationID = errors.New("missing correlation id")
)

// Envelope is the common frame for all signaling traffic. Every envelope of
// one call attempt carries the same CorrelationID so that late or duplicate
// messages can be matched to the right session and stale ones dropped.
type Envelope struct {
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	To            string          `json:"to,omitempty"`
	From          string          `json:"from,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Register is sent once after the socket is opened to bind the connection
// to a user identity.
type Register struct {
	UserID string `json:"user_id"`
}

// PreOffer announces a call attempt before any SDP is exchanged.
type PreOffer struct {
	CallerID  string `json:"caller_id"`
	CallerRef string `json:"caller_ref"`
	Media     string `json:"media"`
}

// PreOfferAnswer carries the callee's (or the relay's) decision on a
// pre-offer: ACCEPTED, REJECTED, BUSY or UNAVAILABLE.
type PreOfferAnswer struct {
	Answer string `json:"answer"`
}

// Offer carries the caller's session description.
type Offer struct {
	SDP string `json:"sdp"`
}

// Answer carries the callee's session description.
type Answer struct {
	SDP string `json:"sdp"`
}

// Candidate carries one ICE candidate. The fields are relayed opaquely.
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdp_mid,omitempty"`
	SDPMLineIndex uint16 `json:"sdp_mline_index,omitempty"`
}

// EndCall terminates the call attempt identified by the correlation id.
type EndCall struct {
	Reason string `json:"reason,omitempty"`
}

// New builds an envelope with the given payload marshaled in place.
func New(typ, correlationID, to string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
	}
	return Envelope{
		Type:          typ,
		CorrelationID: correlationID,
		To:            to,
		Payload:       raw,
	}, nil
}

// Validate checks that the envelope is well-formed enough to route.
func (e Envelope) Validate() error {
	switch e.Type {
	case REGISTER:
		return nil
	case PREOFFER, PREOFFERANSWER, OFFER, ANSWER, CANDIDATE, ENDCALL:
		if e.CorrelationID == "" {
			return ErrNoCorrelationID
		}
		return nil
	default:
		return fmt.Errorf("%s: %w", e.Type, ErrUnknownType)
	}
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", e.Type, err)
	}
	return nil
}
