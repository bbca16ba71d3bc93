package orch

import (
	"errors"
	"time"

	"github.com/dkeye/VoicePair/internal/core"
	"github.com/dkeye/VoicePair/internal/domain"
)

type State int

const (
	StateIdle State = iota
	StateAcquiringMedia
	StateInitializing
	StateWaitingForPartner
	StateSignalingExchange
	StateConnected
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiringMedia:
		return "acquiring_media"
	case StateInitializing:
		return "initializing"
	case StateWaitingForPartner:
		return "waiting_for_partner"
	case StateSignalingExchange:
		return "signaling_exchange"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Terminal states absorb every later event.
func (s State) Terminal() bool { return s == StateClosed || s == StateError }

// ErrorKind names the failure behind StateError.
type ErrorKind string

const (
	KindNone               ErrorKind = ""
	KindMediaAccessDenied  ErrorKind = "MediaAccessDenied"
	KindPeerConnection     ErrorKind = "PeerConnectionError"
	KindStoreWrite         ErrorKind = "StoreWriteFailure"
	KindPartnerNeverJoined ErrorKind = "PartnerNeverJoined"
	KindSessionFull        ErrorKind = "SessionFull"
)

func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, core.ErrMediaAccessDenied):
		return KindMediaAccessDenied
	case errors.Is(err, core.ErrSessionFull):
		return KindSessionFull
	case errors.Is(err, core.ErrPartnerNeverJoined):
		return KindPartnerNeverJoined
	case errors.Is(err, core.ErrPeerConnection):
		return KindPeerConnection
	}
	// everything else surfaced from a subscription or a store round trip
	return KindStoreWrite
}

// Status is a copy of the observable session state.
type Status struct {
	SessionID domain.SessionID
	Self      domain.UserID
	Role      core.Role
	State     State
	Err       error
	Kind      ErrorKind

	Muted   bool
	VideoOn bool

	PartnerUID domain.UserID
	// Partner is filled once the profile was read; Connected follows the
	// partner's roster entry.
	Partner *domain.Participant

	ConnectedAt time.Time
	// StoreErr is the last non-fatal store failure.
	StoreErr error
}

// Duration is the call time so far, zero until connected.
func (s Status) Duration(now time.Time) time.Duration {
	if s.ConnectedAt.IsZero() {
		return 0
	}
	return now.Sub(s.ConnectedAt).Truncate(time.Second)
}
