//go:build linux && cgo

package media

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoicePair/internal/core"
)

// DeviceSource captures the host microphone and camera.
type DeviceSource struct {
	selector *mediadevices.CodecSelector
}

func NewDeviceSource() (Source, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	return &DeviceSource{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// Populate registers the encoder codecs with a peer media engine.
func (s *DeviceSource) Populate(me *webrtc.MediaEngine) {
	s.selector.Populate(me)
}

func (s *DeviceSource) Open(ctx context.Context, wantVideo bool) (*LocalMedia, error) {
	l := log.With().Str("module", "media.devices").Logger()
	for _, d := range mediadevices.EnumerateDevices() {
		l.Debug().Str("kind", fmt.Sprint(d.Kind)).Str("label", d.Label).Msg("device")
	}

	attempts := []bool{false}
	if wantVideo {
		// a busy camera must not cost the call its audio
		attempts = []bool{true, false}
	}

	var lastErr error
	for _, video := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		constraints := mediadevices.MediaStreamConstraints{
			Codec: s.selector,
			Audio: func(*mediadevices.MediaTrackConstraints) {},
		}
		if video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				c.FrameFormat = prop.FrameFormatOneOf{frame.FormatYUYV, frame.FormatI420}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			l.Warn().Err(err).Bool("video", video).Msg("getUserMedia failed")
			lastErr = err
			continue
		}
		return s.wrap(stream), nil
	}
	return nil, fmt.Errorf("%w: %v", core.ErrMediaAccessDenied, lastErr)
}

func (s *DeviceSource) wrap(stream mediadevices.MediaStream) *LocalMedia {
	var tracks []*Track
	var audio []*mediadevices.AudioTrack
	var audioWrapped []*Track
	for _, mt := range stream.GetTracks() {
		mt := mt
		kind := core.KindAudio
		if mt.Kind() == webrtc.RTPCodecTypeVideo {
			kind = core.KindVideo
		}
		t := NewTrack(kind, mt, func() { _ = mt.Close() })
		tracks = append(tracks, t)
		if at, ok := mt.(*mediadevices.AudioTrack); ok {
			audio = append(audio, at)
			audioWrapped = append(audioWrapped, t)
		}
	}
	m := NewLocalMedia(tracks...)
	for i, at := range audio {
		go tapPCM(m, audioWrapped[i], at)
	}
	return m
}

// tapPCM reads raw chunks until the track closes.
func tapPCM(m *LocalMedia, t *Track, at *mediadevices.AudioTrack) {
	r := at.NewReader(false)
	for {
		chunk, release, err := r.Read()
		if err != nil {
			return
		}
		pcm := toMono16(chunk)
		release()
		if pcm != nil {
			m.EmitPCM(t, pcm)
		}
	}
}

func toMono16(chunk wave.Audio) []int16 {
	switch c := chunk.(type) {
	case *wave.Int16Interleaved:
		ch := max(c.Size.Channels, 1)
		out := make([]int16, c.Size.Len)
		for i := range out {
			out[i] = c.Data[i*ch]
		}
		return out
	case *wave.Float32Interleaved:
		ch := max(c.Size.Channels, 1)
		out := make([]int16, c.Size.Len)
		for i := range out {
			out[i] = int16(c.Data[i*ch] * 32767)
		}
		return out
	}
	return nil
}
