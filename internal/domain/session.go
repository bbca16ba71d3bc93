package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const MaxSessionIDLen = 128

var (
	ErrSessionIDEmpty   = errors.New("session id empty")
	ErrSessionIDTooLong = errors.New("session id too long")
)

type SessionID string

func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

// Validate rejects ids that would not map to exactly one path segment.
func (id SessionID) Validate() error {
	if id == "" {
		return ErrSessionIDEmpty
	}
	if len(id) > MaxSessionIDLen {
		return ErrSessionIDTooLong
	}
	if strings.ContainsAny(string(id), "/.") {
		return errors.New("session id must not contain '/' or '.'")
	}
	return nil
}

// SessionMeta is written once by the participant that opens the session.
type SessionMeta struct {
	CreatedBy UserID `json:"createdBy"`
	CreatedAt int64  `json:"createdAt"`
}
