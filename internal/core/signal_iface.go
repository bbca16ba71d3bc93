package core

import "context"

// Role decides who opens the negotiation.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

type PeerState int

const (
	PeerConnecting PeerState = iota
	PeerConnected
	PeerClosed
	PeerFailed
)

func (s PeerState) String() string {
	switch s {
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerClosed:
		return "closed"
	case PeerFailed:
		return "failed"
	}
	return "unknown"
}

// PeerFactory creates the media transport for one session.
type PeerFactory interface {
	Create(ctx context.Context, role Role, local LocalMedia) (PeerConnection, error)
}

// PeerConnection negotiates and carries media once signaling completes.
// Payloads are opaque to everything but the implementation.
// Callbacks must be registered before Start.
type PeerConnection interface {
	OnOutgoingSignal(fn func(payload []byte))
	OnRemoteTrack(fn func(RemoteTrack))
	// OnStateChange reports err together with PeerFailed.
	OnStateChange(fn func(state PeerState, err error))
	// Start begins negotiation; the initiator emits its first payload here.
	Start() error
	// AcceptSignal feeds one counterpart payload. Malformed payloads return
	// an error wrapping ErrSignalParse and leave the connection usable.
	AcceptSignal(payload []byte) error
	Close() error
}
