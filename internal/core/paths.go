package core

import (
	"fmt"
	"strings"

	"github.com/dkeye/VoicePair/internal/domain"
)

// CleanPath normalizes a slash separated store path.
func CleanPath(p string) (string, error) {
	parts := strings.Split(p, "/")
	out := parts[:0]
	for _, part := range parts {
		switch part {
		case "":
			continue
		case ".", "..":
			return "", fmt.Errorf("%q: %w", p, ErrInvalidPath)
		}
		out = append(out, part)
	}
	if len(out) == 0 {
		return "", fmt.Errorf("%q: %w", p, ErrInvalidPath)
	}
	return strings.Join(out, "/"), nil
}

func JoinPath(parts ...string) string {
	return strings.Join(parts, "/")
}

// Relative reports p relative to base when p is base or below it.
func Relative(base, p string) (string, bool) {
	if p == base {
		return "", true
	}
	if strings.HasPrefix(p, base+"/") {
		return p[len(base)+1:], true
	}
	return "", false
}

// Related reports whether a change at one path is visible from the other.
func Related(a, b string) bool {
	_, under := Relative(a, b)
	_, above := Relative(b, a)
	return under || above
}

func UserPath(uid domain.UserID) string {
	return JoinPath("users", string(uid))
}

func UsersPath() string { return "users" }

func SessionPath(sid domain.SessionID) string {
	return JoinPath("sessions", string(sid))
}

func SessionMetaPath(sid domain.SessionID) string {
	return JoinPath(SessionPath(sid), "meta")
}

func RosterPath(sid domain.SessionID) string {
	return JoinPath(SessionPath(sid), "roster")
}

func RosterEntryPath(sid domain.SessionID, uid domain.UserID) string {
	return JoinPath(RosterPath(sid), string(uid))
}

func SignalsPath(sid domain.SessionID, uid domain.UserID) string {
	return JoinPath(SessionPath(sid), "signals", string(uid))
}

func MessagesPath(sid domain.SessionID) string {
	return JoinPath(SessionPath(sid), "messages")
}
