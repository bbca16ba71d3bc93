package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/VoicePair/internal/core"
)

// Source opens capture devices. Implementations return tracks enabled;
// Capture applies the video opt-in rule.
type Source interface {
	Open(ctx context.Context, wantVideo bool) (*LocalMedia, error)
}

// DeniedSource refuses every request, like a user declining the
// permission prompt.
type DeniedSource struct {
	Reason string
}

func (s DeniedSource) Open(context.Context, bool) (*LocalMedia, error) {
	reason := s.Reason
	if reason == "" {
		reason = "permission refused"
	}
	return nil, fmt.Errorf("%w: %s", core.ErrMediaAccessDenied, reason)
}

var errReleased = errors.New("capture released during acquisition")
