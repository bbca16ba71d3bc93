package domain

// SignalEnvelope carries one negotiation payload. Payload is produced and
// consumed only by the peer connection and travels as an opaque string.
type SignalEnvelope struct {
	SenderUID UserID `json:"senderUid"`
	Payload   string `json:"payload"`
	Timestamp int64  `json:"timestamp"`
	Seq       string `json:"-"`
}
