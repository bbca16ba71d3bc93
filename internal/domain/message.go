package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message is one chat entry. Seq is the store-assigned key and breaks ties
// between equal timestamps.
type Message struct {
	ID        string `json:"id"`
	SenderUID UserID `json:"senderUid"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	Seq       string `json:"-"`
}

// NewMessage returns false when text is blank.
func NewMessage(sender UserID, text string, now time.Time) (Message, bool) {
	if strings.TrimSpace(text) == "" {
		return Message{}, false
	}
	return Message{
		ID:        uuid.NewString(),
		SenderUID: sender,
		Text:      text,
		Timestamp: now.UnixMilli(),
	}, true
}

// Before orders by timestamp, then by store sequence.
func (m Message) Before(o Message) bool {
	if m.Timestamp != o.Timestamp {
		return m.Timestamp < o.Timestamp
	}
	return m.Seq < o.Seq
}
