package orch

import (
	"context"
	"strings"

	"github.com/dkeye/VoicePair/internal/core"
)

// acquire runs the device request off the loop. A result that lands after
// the session ended is released at once.
func (o *Orchestrator) acquire(sess *session) {
	m, err := o.capture.Acquire(sess.ctx, o.wantVideo)
	if err != nil {
		sess.post(event{kind: evMediaFailed, err: err})
		return
	}
	if !sess.post(event{kind: evMediaAcquired, media: m}) {
		o.log.Info().Msg("late media released")
		o.capture.Release()
	}
}

func (o *Orchestrator) onMediaAcquired(m core.LocalMedia) {
	if o.Status().State != StateAcquiringMedia {
		o.capture.Release()
		return
	}
	sess := o.sess
	sess.media = m
	sess.stopPCM = m.OnPCM(o.meter.Process)
	o.mu.Lock()
	o.local = m
	o.mu.Unlock()
	o.setState(StateInitializing)
	o.join()
}

func (o *Orchestrator) toggleMute() error {
	if o.sess.media == nil {
		return core.ErrNotActive
	}
	muted := !o.Status().Muted
	o.capture.SetMuted(muted)
	o.update(func(s *Status) { s.Muted = muted })
	return nil
}

func (o *Orchestrator) toggleVideo() error {
	if o.sess.media == nil {
		return core.ErrNotActive
	}
	if len(o.sess.media.VideoTracks()) == 0 {
		return ErrNoVideo
	}
	on := !o.Status().VideoOn
	o.capture.SetVideoEnabled(on)
	o.update(func(s *Status) { s.VideoOn = on })
	return nil
}

// sendMessage queues the push behind earlier writes; the writer replies.
func (o *Orchestrator) sendMessage(text string, reply chan error) (bool, error) {
	if strings.TrimSpace(text) == "" {
		return true, nil
	}
	sess := o.sess
	if !sess.enqueue(func(ctx context.Context) {
		_, err := sess.messages.Send(ctx, text)
		reply <- err
	}) {
		return true, core.ErrNotActive
	}
	return false, nil
}
