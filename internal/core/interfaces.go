package core

// Frame is a raw encoded message pushed to a client as-is.
type Frame []byte

// SignalConnection abstracts a system messaging transport.
// Owned by the adapter; the adapter must Close() it.
//
// TrySend never blocks: a full send buffer or a closed connection is an
// error the caller may drop on the floor (delivery is best-effort).
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
