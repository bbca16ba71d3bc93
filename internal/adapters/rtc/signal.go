package rtc

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/VoicePair/internal/core"
)

const (
	typeOffer     = "offer"
	typeAnswer    = "answer"
	typeCandidate = "candidate"
)

// signal is the payload carried through the store, one of an offer, an
// answer or a trickled candidate.
type signal struct {
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

func encodeDescription(d webrtc.SessionDescription) ([]byte, error) {
	return json.Marshal(signal{Type: d.Type.String(), SDP: d.SDP})
}

func encodeCandidate(c webrtc.ICECandidateInit) ([]byte, error) {
	return json.Marshal(signal{Type: typeCandidate, Candidate: &c})
}

func decodeSignal(payload []byte) (signal, error) {
	var s signal
	if err := json.Unmarshal(payload, &s); err != nil {
		return s, fmt.Errorf("%w: %v", core.ErrSignalParse, err)
	}
	switch s.Type {
	case typeOffer, typeAnswer:
		d := webrtc.SessionDescription{Type: webrtc.NewSDPType(s.Type), SDP: s.SDP}
		if _, err := d.Unmarshal(); err != nil {
			return s, fmt.Errorf("%w: %s sdp: %v", core.ErrSignalParse, s.Type, err)
		}
	case typeCandidate:
		if s.Candidate == nil {
			return s, fmt.Errorf("%w: candidate missing", core.ErrSignalParse)
		}
	default:
		return s, fmt.Errorf("%w: unknown type %q", core.ErrSignalParse, s.Type)
	}
	return s, nil
}

func (s signal) description() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(s.Type), SDP: s.SDP}
}
