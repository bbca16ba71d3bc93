package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/VoicePair/internal/core"
	"github.com/rs/zerolog/log"
)

var _ core.MediaCapture = (*Capture)(nil)

// Capture is the session's handle on local devices.
type Capture struct {
	src Source

	mu    sync.Mutex
	media *LocalMedia
	// gen changes on every Release so a late Open result can be recognized.
	gen     uint64
	muted   bool
	videoOn bool
}

func NewCapture(src Source) *Capture {
	return &Capture{src: src}
}

// Acquire opens audio and, when wantVideo, video. Any failure to open
// devices is reported as core.ErrMediaAccessDenied. Video starts disabled.
func (c *Capture) Acquire(ctx context.Context, wantVideo bool) (core.LocalMedia, error) {
	c.mu.Lock()
	if c.media != nil {
		m := c.media
		c.mu.Unlock()
		return m, nil
	}
	gen := c.gen
	c.mu.Unlock()

	m, err := c.src.Open(ctx, wantVideo)
	if err != nil {
		if !errors.Is(err, core.ErrMediaAccessDenied) {
			err = fmt.Errorf("%w: %v", core.ErrMediaAccessDenied, err)
		}
		log.Warn().Err(err).Str("module", "media.capture").Msg("acquire failed")
		return nil, err
	}
	for _, t := range m.tracks {
		if t.Kind() == core.KindVideo {
			t.SetEnabled(false)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		m.Stop()
		return nil, errReleased
	}
	c.media = m
	c.muted = false
	c.videoOn = false
	log.Info().Str("module", "media.capture").Int("tracks", len(m.tracks)).Bool("video", wantVideo).Msg("acquired")
	return m, nil
}

func (c *Capture) SetMuted(muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = muted
	if c.media == nil {
		return
	}
	for _, t := range c.media.AudioTracks() {
		t.SetEnabled(!muted)
	}
}

func (c *Capture) SetVideoEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.videoOn = enabled
	if c.media == nil {
		return
	}
	for _, t := range c.media.VideoTracks() {
		t.SetEnabled(enabled)
	}
}

// Release stops all tracks, including those of an acquisition still in
// flight once it lands. Idempotent.
func (c *Capture) Release() {
	c.mu.Lock()
	m := c.media
	c.media = nil
	c.gen++
	c.mu.Unlock()
	if m != nil {
		m.Stop()
		log.Info().Str("module", "media.capture").Msg("released")
	}
}
