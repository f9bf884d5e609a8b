package callsess

import "context"

// Events are callbacks a media session fires from its own goroutines.
// The machine guards every callback against sessions of an already-ended
// call, so implementations may fire them at any time.
type Events struct {
	// OnLocalPayload emits an opaque negotiation blob (offer, answer or
	// candidate) to be relayed to the peer.
	OnLocalPayload func(payload []byte)
	// OnConnected fires once the media transport reports a live stream.
	OnConnected func()
	// OnClosed fires when the transport dies underneath the session.
	OnClosed func()
}

// Session is one media attempt: local capture plus the peer transport.
// The machine owns it exclusively for the duration of a call and must
// Close it on every exit path; Close is idempotent.
type Session interface {
	// Start acquires local capture devices. A failure here aborts the
	// call attempt without anything to clean up.
	Start(ctx context.Context) error
	// Negotiate produces the initial local description. Called on the
	// caller side once the callee accepted.
	Negotiate(ctx context.Context) error
	// HandleRemote applies a negotiation blob received from the peer.
	HandleRemote(ctx context.Context, payload []byte) error
	Close()
}

// Factory builds a fresh Session wired to the given callbacks.
type Factory func(Events) (Session, error)
