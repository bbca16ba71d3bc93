package app

import (
	"time"

	"github.com/dkeye/VoicePair/internal/domain"
)

// DefaultPartnerTimeout bounds how long an initiator waits alone.
const DefaultPartnerTimeout = 2 * time.Minute

type WaitAction int

const (
	KeepWaiting WaitAction = iota
	GiveUp
)

// WaitPolicy decides what happens while a session has no partner.
type WaitPolicy interface {
	// PartnerTimeout is the first deadline; zero disables it.
	PartnerTimeout() time.Duration
	OnPartnerTimeout(sid domain.SessionID, waited time.Duration) WaitAction
}

type SimpleWaitPolicy struct {
	Timeout time.Duration
}

func (p SimpleWaitPolicy) PartnerTimeout() time.Duration { return p.Timeout }

func (SimpleWaitPolicy) OnPartnerTimeout(domain.SessionID, time.Duration) WaitAction {
	return GiveUp
}
