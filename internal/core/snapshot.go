package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Snapshot is the state of a path at one point in time. Entries maps each
// stored leaf below Path to its raw JSON value, keyed by the leaf path
// relative to Path; the empty key holds the value stored at Path itself.
type Snapshot struct {
	Path    string                     `json:"path"`
	Entries map[string]json.RawMessage `json:"entries,omitempty"`
}

// NewSnapshot builds a snapshot of path from leaves keyed by absolute path.
// Leaves outside path are ignored.
func NewSnapshot(path string, leaves map[string]json.RawMessage) Snapshot {
	s := Snapshot{Path: path, Entries: make(map[string]json.RawMessage)}
	for p, v := range leaves {
		if rel, ok := Relative(path, p); ok {
			s.Entries[rel] = v
		}
	}
	return s
}

func (s Snapshot) Exists() bool { return len(s.Entries) > 0 }

func (s Snapshot) Value() (json.RawMessage, bool) {
	v, ok := s.Entries[""]
	return v, ok
}

// Decode unmarshals the value stored at the snapshot root.
func (s Snapshot) Decode(v any) error {
	raw, ok := s.Value()
	if !ok {
		return fmt.Errorf("%s: %w", s.Path, ErrNoValue)
	}
	return json.Unmarshal(raw, v)
}

// Children returns the sorted names of direct children that hold data.
func (s Snapshot) Children() []string {
	seen := make(map[string]struct{})
	for rel := range s.Entries {
		if rel == "" {
			continue
		}
		name, _, _ := strings.Cut(rel, "/")
		seen[name] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s Snapshot) Child(name string) Snapshot {
	c := Snapshot{Path: JoinPath(s.Path, name), Entries: make(map[string]json.RawMessage)}
	for rel, v := range s.Entries {
		switch {
		case rel == name:
			c.Entries[""] = v
		case strings.HasPrefix(rel, name+"/"):
			c.Entries[strings.TrimPrefix(rel, name+"/")] = v
		}
	}
	return c
}
