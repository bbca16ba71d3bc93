package orch

import (
	"github.com/dkeye/VoicePair/internal/core"
	"github.com/dkeye/VoicePair/internal/domain"
)

type eventKind int

const (
	evMediaAcquired eventKind = iota
	evMediaFailed
	evJoined
	evPartnerDiscovered
	evSignalReceived
	evRemoteTrackReceived
	evPeerStateChanged
	evPartnerProfile
	evPartnerPresence
	evMessagesChanged
	evPartnerTimeout
	evStoreFailed
	evUserAction
)

func (k eventKind) String() string {
	return [...]string{
		"media_acquired", "media_failed", "joined", "partner_discovered",
		"signal_received", "remote_track", "peer_state", "partner_profile",
		"partner_presence", "messages", "partner_timeout", "store_failed",
		"user_action",
	}[k]
}

type actionKind int

const (
	actToggleMute actionKind = iota
	actToggleVideo
	actSendMessage
	actEndCall
)

type userAction struct {
	kind  actionKind
	text  string
	reply chan error
}

// event is one input to the dispatch loop. Only the fields of its kind
// are set.
type event struct {
	kind eventKind
	err  error

	media     core.LocalMedia
	uid       domain.UserID
	signal    domain.SignalEnvelope
	track     core.RemoteTrack
	peerState core.PeerState
	profile   *domain.UserProfile
	presence  domain.Presence
	present   bool
	messages  []domain.Message
	action    *userAction
}
