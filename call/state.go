// Package call implements the signaling coordinator for one-to-one calls:
// a per-call session state machine and the registry that routes inbound
// envelopes to it.
package call

import "time"

// Session states. A session is created directly into dialing or ringing;
// idle is not materialized.
const (
	StateDialing     = "dialing"
	StateRinging     = "ringing"
	StateNegotiating = "negotiating"
	StateConnected   = "connected"
	StateEnded       = "ended"
)

// Role of the local side in a call. Fixed at session creation.
const (
	RoleCaller = "caller"
	RoleCallee = "callee"
)

// Reason codes for why a session ended. Busy, rejected and unavailable are
// negotiated outcomes, not faults.
const (
	ReasonBusy        = "busy"
	ReasonRejected    = "rejected"
	ReasonUnavailable = "unavailable"
	ReasonCanceled    = "canceled"
	ReasonHangUp      = "hangup"
	ReasonPeerHangUp  = "peer-hangup"
	ReasonReplaced    = "replaced"
	ReasonMediaDenied = "media-denied"
	ReasonMediaFailed = "media-failed"
	ReasonRelayFailed = "relay-failed"
	ReasonTimeout     = "timeout"
)

// Snapshot is the read-only view of a session handed to the presentation
// layer on every transition.
type Snapshot struct {
	SessionID     string
	CorrelationID string
	State         string
	Role          string
	LocalID       string
	RemoteID      string
	Media         string
	ConnectedAt   time.Time
	Reason        string
}

// Elapsed returns the call duration. Zero until the call is connected.
func (s Snapshot) Elapsed() time.Duration {
	if s.ConnectedAt.IsZero() {
		return 0
	}
	return time.Since(s.ConnectedAt)
}
