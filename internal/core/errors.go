package core

import "errors"

// Failure kinds surfaced by the session core. Match with errors.Is.
var (
	ErrMediaAccessDenied  = errors.New("media access denied")
	ErrSignalParse        = errors.New("malformed signal payload")
	ErrPeerConnection     = errors.New("peer connection failed")
	ErrStoreWrite         = errors.New("store write failed")
	ErrPartnerNeverJoined = errors.New("partner never joined")
	ErrSessionFull        = errors.New("session already has two participants")
	ErrNotActive          = errors.New("no active session")

	ErrInvalidPath = errors.New("invalid store path")
	ErrNoValue     = errors.New("no value at path")
	ErrStoreClosed = errors.New("store connection closed")
)
