package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// LocalTrack is one captured device track. Toggling enabled never stops or
// recreates the track; Stop releases the device and cannot be undone.
type LocalTrack interface {
	ID() string
	Kind() MediaKind
	Enabled() bool
	SetEnabled(bool)
	// OnEnabledChange registers fn for enabled flips; cancel removes it.
	OnEnabledChange(fn func(enabled bool)) (cancel func())
	Stop()
	Stopped() bool
	// TrackLocal is what gets attached to the peer connection.
	TrackLocal() webrtc.TrackLocal
}

type LocalMedia interface {
	Tracks() []LocalTrack
	AudioTracks() []LocalTrack
	VideoTracks() []LocalTrack
	// OnPCM registers a tap for raw microphone samples. fn runs on the audio
	// goroutine and must return promptly.
	OnPCM(fn func(pcm []int16)) (cancel func())
}

// MediaCapture acquires local devices once per session.
type MediaCapture interface {
	// Acquire fails with ErrMediaAccessDenied when devices are refused.
	Acquire(ctx context.Context, wantVideo bool) (LocalMedia, error)
	SetMuted(muted bool)
	SetVideoEnabled(enabled bool)
	// Release stops every track. Idempotent.
	Release()
}

// RemoteTrack is a media track received from the counterpart.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() MediaKind
}
