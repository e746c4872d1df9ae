package core

// Frame is a raw encoded message ready for the wire.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend never blocks. A full send buffer reports ErrBackpressure.
	TrySend(Frame) error
	// Close sends a close frame with code and releases the transport. Idempotent.
	Close(code int, reason string)
}
