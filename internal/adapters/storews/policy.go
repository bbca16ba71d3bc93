package storews

type BackpressureAction int

const (
	// NoAction drops the event that did not fit.
	NoAction BackpressureAction = iota
	KickConnection
)

// Policy decides what happens to a connection whose send buffer is full.
type Policy interface {
	OnBackPressure(info ConnInfo) BackpressureAction
}

// SimplePolicy kicks slow clients. A kicked client reconnects and its
// watches deliver the current value again.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(ConnInfo) BackpressureAction {
	return KickConnection
}
