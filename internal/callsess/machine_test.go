package callsess

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Duet/internal/domain"
)

// fakeMedia counts lifecycle calls and exposes the machine's callbacks so
// tests can play the remote transport.
type fakeMedia struct {
	mu         sync.Mutex
	started    int
	closed     int
	negotiated int
	remotes    [][]byte
	startErr   error
	ev         Events
}

func (m *fakeMedia) factory() Factory {
	return func(ev Events) (Session, error) {
		m.mu.Lock()
		m.ev = ev
		m.mu.Unlock()
		return m, nil
	}
}

func (m *fakeMedia) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.started++
	return nil
}

func (m *fakeMedia) Negotiate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.negotiated++
	return nil
}

func (m *fakeMedia) HandleRemote(ctx context.Context, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remotes = append(m.remotes, payload)
	return nil
}

func (m *fakeMedia) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
}

func (m *fakeMedia) counts() (started, negotiated, remotes, closed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started, m.negotiated, len(m.remotes), m.closed
}

func (m *fakeMedia) events() Events {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ev
}

// pipeSender records outgoing envelopes and, when wired to a destination
// machine, plays the relay: stamps the sender and delivers synchronously.
type pipeSender struct {
	from domain.UserID

	mu   sync.Mutex
	sent []domain.Envelope
	dst  *Machine
}

func (s *pipeSender) Send(env domain.Envelope) error {
	s.mu.Lock()
	s.sent = append(s.sent, env)
	dst := s.dst
	s.mu.Unlock()

	if dst == nil {
		return nil
	}
	env.From = s.from
	env.To = ""
	dst.HandleEnvelope(context.Background(), env)
	return nil
}

func (s *pipeSender) sentTypes() []domain.MsgType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.MsgType, 0, len(s.sent))
	for _, env := range s.sent {
		out = append(out, env.Type)
	}
	return out
}

// transitions records every observed state change.
type transitions struct {
	mu      sync.Mutex
	states  []State
	reasons []string
}

func (r *transitions) record(s State, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
	r.reasons = append(r.reasons, reason)
}

func (r *transitions) list() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func (r *transitions) sawEnded(reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.states {
		if s == StateEnded && r.reasons[i] == reason {
			return true
		}
	}
	return false
}

type testPeer struct {
	machine *Machine
	media   *fakeMedia
	sender  *pipeSender
	rec     *transitions
}

func newTestPeer(uid domain.UserID, ringTimeout time.Duration) *testPeer {
	p := &testPeer{
		media:  &fakeMedia{},
		sender: &pipeSender{from: uid},
		rec:    &transitions{},
	}
	p.machine = NewMachine(Config{
		Self:         uid,
		Sender:       p.sender,
		Media:        p.media.factory(),
		RingTimeout:  ringTimeout,
		OnTransition: p.rec.record,
	})
	return p
}

// wire connects two peers through the in-memory relay.
func wire(a, b *testPeer) {
	a.sender.dst = b.machine
	b.sender.dst = a.machine
}

func TestFullCallFlow(t *testing.T) {
	ctx := context.Background()
	alice := newTestPeer("alice", 0)
	bob := newTestPeer("bob", 0)
	wire(alice, bob)

	require.NoError(t, alice.machine.StartCall(ctx, "bob"))
	assert.Equal(t, StateInviting, alice.machine.State())
	assert.Equal(t, StateRinging, bob.machine.State())
	assert.Equal(t, domain.UserID("alice"), bob.machine.Peer())

	require.NoError(t, bob.machine.Accept(ctx))
	assert.Equal(t, StateNegotiating, alice.machine.State())
	assert.Equal(t, StateNegotiating, bob.machine.State())

	// The caller drives the initial description once accepted.
	_, negotiated, _, _ := alice.media.counts()
	assert.Equal(t, 1, negotiated)

	// Three negotiation blobs each way, relayed opaquely.
	for i := 0; i < 3; i++ {
		alice.media.events().OnLocalPayload([]byte(`{"kind":"candidate"}`))
		bob.media.events().OnLocalPayload([]byte(`{"kind":"candidate"}`))
	}
	_, _, aliceRemotes, _ := alice.media.counts()
	_, _, bobRemotes, _ := bob.media.counts()
	assert.Equal(t, 3, aliceRemotes)
	assert.Equal(t, 3, bobRemotes)

	alice.media.events().OnConnected()
	bob.media.events().OnConnected()
	assert.Equal(t, StateActive, alice.machine.State())
	assert.Equal(t, StateActive, bob.machine.State())

	// Alice hangs up: her capture is released in the same call, Bob gets
	// end and releases his.
	alice.machine.EndCall()
	_, _, _, aliceClosed := alice.media.counts()
	_, _, _, bobClosed := bob.media.counts()
	assert.Equal(t, 1, aliceClosed)
	assert.Equal(t, 1, bobClosed)
	assert.True(t, alice.rec.sawEnded("local end"))
	assert.True(t, bob.rec.sawEnded("remote end"))

	// Both machines re-armed for the next attempt.
	assert.Equal(t, StateIdle, alice.machine.State())
	assert.Equal(t, StateIdle, bob.machine.State())

	// Cleanup is idempotent.
	alice.machine.EndCall()
	_, _, _, aliceClosed = alice.media.counts()
	assert.Equal(t, 1, aliceClosed)
}

func TestDoubleStartCallIsSuppressed(t *testing.T) {
	ctx := context.Background()
	alice := newTestPeer("alice", 0)

	require.NoError(t, alice.machine.StartCall(ctx, "bob"))
	err := alice.machine.StartCall(ctx, "bob")
	assert.ErrorIs(t, err, ErrBusy)

	// No second capture, no second invite.
	started, _, _, _ := alice.media.counts()
	assert.Equal(t, 1, started)
	assert.Equal(t, []domain.MsgType{domain.MsgInvite}, alice.sender.sentTypes())
}

func TestMediaAcquisitionFailureReturnsToIdle(t *testing.T) {
	ctx := context.Background()
	alice := newTestPeer("alice", 0)
	alice.media.startErr = errors.New("no camera permission")

	err := alice.machine.StartCall(ctx, "bob")
	require.Error(t, err)
	assert.Equal(t, StateIdle, alice.machine.State())
	// Nothing was sent: the attempt died before the invite.
	assert.Empty(t, alice.sender.sentTypes())

	// The failure is terminal for that attempt only; a fresh one works.
	alice.media.startErr = nil
	require.NoError(t, alice.machine.StartCall(ctx, "bob"))
	assert.Equal(t, StateInviting, alice.machine.State())
}

func TestCalleeUnreachable(t *testing.T) {
	ctx := context.Background()
	alice := newTestPeer("alice", 0)

	require.NoError(t, alice.machine.StartCall(ctx, "bob"))
	alice.machine.HandleEnvelope(ctx, domain.Envelope{Type: domain.MsgNotReachable, To: "bob"})

	assert.True(t, alice.rec.sawEnded("callee unreachable"))
	assert.Equal(t, StateIdle, alice.machine.State())
	_, _, _, closed := alice.media.counts()
	assert.Equal(t, 1, closed)
	// No end is sent to a peer that was never there.
	assert.Equal(t, []domain.MsgType{domain.MsgInvite}, alice.sender.sentTypes())
}

func TestInviteWhileNotIdleIsIgnored(t *testing.T) {
	ctx := context.Background()
	alice := newTestPeer("alice", 0)
	bob := newTestPeer("bob", 0)
	wire(alice, bob)

	require.NoError(t, alice.machine.StartCall(ctx, "bob"))
	require.Equal(t, StateRinging, bob.machine.State())

	bob.machine.HandleEnvelope(ctx, domain.Envelope{Type: domain.MsgInvite, From: "carol", Call: "other"})
	assert.Equal(t, domain.UserID("alice"), bob.machine.Peer())
	assert.Equal(t, StateRinging, bob.machine.State())
}

func TestEndReachesEndedFromEveryNonTerminalState(t *testing.T) {
	ctx := context.Background()

	t.Run("ringing", func(t *testing.T) {
		alice := newTestPeer("alice", 0)
		bob := newTestPeer("bob", 0)
		wire(alice, bob)
		require.NoError(t, alice.machine.StartCall(ctx, "bob"))

		// Caller gives up before the callee answers.
		alice.machine.EndCall()
		assert.True(t, bob.rec.sawEnded("remote end"))
		assert.Equal(t, StateIdle, bob.machine.State())
		started, _, _, closed := bob.media.counts()
		assert.Zero(t, started)
		assert.Zero(t, closed)
	})

	t.Run("negotiating", func(t *testing.T) {
		alice := newTestPeer("alice", 0)
		bob := newTestPeer("bob", 0)
		wire(alice, bob)
		require.NoError(t, alice.machine.StartCall(ctx, "bob"))
		require.NoError(t, bob.machine.Accept(ctx))
		require.Equal(t, StateNegotiating, bob.machine.State())

		alice.machine.EndCall()
		assert.True(t, bob.rec.sawEnded("remote end"))
		_, _, _, closed := bob.media.counts()
		assert.Equal(t, 1, closed)
	})

	t.Run("active", func(t *testing.T) {
		alice := newTestPeer("alice", 0)
		bob := newTestPeer("bob", 0)
		wire(alice, bob)
		require.NoError(t, alice.machine.StartCall(ctx, "bob"))
		require.NoError(t, bob.machine.Accept(ctx))
		alice.media.events().OnConnected()
		bob.media.events().OnConnected()
		require.Equal(t, StateActive, bob.machine.State())

		alice.machine.EndCall()
		assert.True(t, bob.rec.sawEnded("remote end"))
		_, _, _, closed := bob.media.counts()
		assert.Equal(t, 1, closed)
	})
}

func TestRejectSendsEnd(t *testing.T) {
	ctx := context.Background()
	alice := newTestPeer("alice", 0)
	bob := newTestPeer("bob", 0)
	wire(alice, bob)

	require.NoError(t, alice.machine.StartCall(ctx, "bob"))
	require.NoError(t, bob.machine.Reject())

	assert.Contains(t, bob.sender.sentTypes(), domain.MsgEnd)
	assert.True(t, alice.rec.sawEnded("remote end"))
	assert.Equal(t, StateIdle, alice.machine.State())
	assert.Equal(t, StateIdle, bob.machine.State())
}

func TestStaleMessagesLeaveIdleMachineAlone(t *testing.T) {
	ctx := context.Background()
	alice := newTestPeer("alice", 0)

	alice.machine.HandleEnvelope(ctx, domain.Envelope{Type: domain.MsgAccept, From: "bob", Call: "old"})
	alice.machine.HandleEnvelope(ctx, domain.Envelope{Type: domain.MsgNegotiation, From: "bob", Call: "old"})
	alice.machine.HandleEnvelope(ctx, domain.Envelope{Type: domain.MsgEnd, From: "bob", Call: "old"})

	assert.Equal(t, StateIdle, alice.machine.State())
	assert.Empty(t, alice.sender.sentTypes())
	assert.Empty(t, alice.rec.list())
}

func TestStaleCallIDFromPreviousCallIgnored(t *testing.T) {
	ctx := context.Background()
	alice := newTestPeer("alice", 0)
	bob := newTestPeer("bob", 0)
	wire(alice, bob)

	require.NoError(t, alice.machine.StartCall(ctx, "bob"))
	require.NoError(t, bob.machine.Accept(ctx))
	alice.machine.EndCall()
	require.Equal(t, StateIdle, alice.machine.State())

	// Second attempt; a leftover from the first call must not touch it.
	require.NoError(t, alice.machine.StartCall(ctx, "bob"))
	alice.machine.HandleEnvelope(ctx, domain.Envelope{Type: domain.MsgEnd, From: "bob", Call: "stale"})
	assert.Equal(t, StateInviting, alice.machine.State())
}

func TestRingTimeoutEndsTheAttempt(t *testing.T) {
	ctx := context.Background()
	alice := newTestPeer("alice", 25*time.Millisecond)

	require.NoError(t, alice.machine.StartCall(ctx, "bob"))
	require.Eventually(t, func() bool {
		return alice.machine.State() == StateIdle
	}, time.Second, 5*time.Millisecond)

	assert.True(t, alice.rec.sawEnded("ring timeout"))
	_, _, _, closed := alice.media.counts()
	assert.Equal(t, 1, closed)
}

func TestTransportClosedForcesCleanup(t *testing.T) {
	ctx := context.Background()
	alice := newTestPeer("alice", 0)
	bob := newTestPeer("bob", 0)
	wire(alice, bob)

	require.NoError(t, alice.machine.StartCall(ctx, "bob"))
	require.NoError(t, bob.machine.Accept(ctx))
	alice.media.events().OnConnected()
	require.Equal(t, StateActive, alice.machine.State())

	sentBefore := len(alice.sender.sentTypes())
	alice.machine.OnTransportClosed()

	assert.True(t, alice.rec.sawEnded("transport closed"))
	assert.Equal(t, StateIdle, alice.machine.State())
	_, _, _, closed := alice.media.counts()
	assert.Equal(t, 1, closed)
	// The channel is gone; nothing more goes out on it.
	assert.Len(t, alice.sender.sentTypes(), sentBefore)
}

func TestMediaTransportFailureEndsCall(t *testing.T) {
	ctx := context.Background()
	alice := newTestPeer("alice", 0)
	bob := newTestPeer("bob", 0)
	wire(alice, bob)

	require.NoError(t, alice.machine.StartCall(ctx, "bob"))
	require.NoError(t, bob.machine.Accept(ctx))
	alice.media.events().OnConnected()
	bob.media.events().OnConnected()

	alice.media.events().OnClosed()

	assert.True(t, alice.rec.sawEnded("media transport failed"))
	assert.Equal(t, StateIdle, alice.machine.State())
	// The peer is told via end.
	assert.True(t, bob.rec.sawEnded("remote end"))
}
