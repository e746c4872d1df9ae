package app

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropMessage
	KickConnection
)

// Policy decides what happens to a peer whose send buffer is full.
type Policy interface {
	OnBackPressure(slow Conn) BackpressureAction
}

// SimplePolicy kicks any connection that cannot keep up.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(Conn) BackpressureAction {
	return KickConnection
}

// LenientPolicy drops the message and keeps the connection.
type LenientPolicy struct{}

func (LenientPolicy) OnBackPressure(Conn) BackpressureAction {
	return DropMessage
}
