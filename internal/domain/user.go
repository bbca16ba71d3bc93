// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
	"time"
)

const (
	MaxUserIDLen      = 128
	MaxDisplayNameLen = 64
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrUserIDEmpty        = errors.New("user id empty")
	ErrUserIDTooLong      = errors.New("user id too long")
)

type UserID string

func (id UserID) Validate() error {
	if id == "" {
		return ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return ErrUserIDTooLong
	}
	if strings.ContainsAny(string(id), "/.") {
		return errors.New("user id must not contain '/' or '.'")
	}
	return nil
}

type UserStatus string

const (
	StatusOnline  UserStatus = "online"
	StatusBusy    UserStatus = "busy"
	StatusOffline UserStatus = "offline"
)

// UserProfile is the global presence/profile record kept at users/{uid}.
type UserProfile struct {
	UID         UserID     `json:"uid"`
	DisplayName string     `json:"displayName"`
	PhotoURL    string     `json:"photoURL,omitempty"`
	Status      UserStatus `json:"status"`
	LastSeen    int64      `json:"lastSeen"`
}

// NewUserProfile is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUserProfile(uid UserID, displayName, photoURL string) (*UserProfile, error) {
	if err := uid.Validate(); err != nil {
		return nil, err
	}
	p := &UserProfile{UID: uid, PhotoURL: photoURL, Status: StatusOnline, LastSeen: time.Now().UnixMilli()}
	if err := p.SetDisplayName(displayName); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *UserProfile) SetDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if len(name) == 0 {
		return ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	p.DisplayName = name
	return nil
}
