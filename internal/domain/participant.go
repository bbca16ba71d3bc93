package domain

// Presence is a roster entry. Only its owner writes it, plus the store-side
// disconnect auto-write.
type Presence struct {
	Connected bool  `json:"connected"`
	Timestamp int64 `json:"timestamp"`
}

// Participant joins a roster entry with the profile fetched for that uid.
type Participant struct {
	UID         UserID `json:"uid"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoURL,omitempty"`
	Connected   bool   `json:"connected"`
	Timestamp   int64  `json:"timestamp"`
}

func NewParticipant(uid UserID, profile *UserProfile, presence Presence) Participant {
	p := Participant{UID: uid, Connected: presence.Connected, Timestamp: presence.Timestamp}
	if profile != nil {
		p.DisplayName = profile.DisplayName
		p.PhotoURL = profile.PhotoURL
	}
	return p
}
