package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// CallID identifies one call attempt between two users.
// Minted by the caller at invite time; both machines carry it so that
// leftovers from an already-ended call can be told apart and dropped.
type CallID string

type MsgType string

// Client -> server -> peer. The server relays these verbatim, tagging
// the sender; Payload is an opaque blob it never parses.
const (
	MsgInvite      MsgType = "invite"
	MsgAccept      MsgType = "accept"
	MsgNegotiation MsgType = "negotiation"
	MsgEnd         MsgType = "end"
)

// Server -> client only.
const (
	MsgPresenceUpdate MsgType = "presence_update"
	MsgNotReachable   MsgType = "not_reachable"
	MsgError          MsgType = "error"
	MsgPong           MsgType = "pong"
)

// Client -> server only.
const (
	MsgPing MsgType = "ping"
)

var ErrUnknownMsgType = errors.New("unknown message type")

// Envelope is the wire format for every signaling message.
// To is set by the sender and consumed by the relay; From is stamped by
// the relay before forwarding so a client never has to trust a peer's
// self-reported identity.
type Envelope struct {
	Type    MsgType         `json:"type"`
	To      UserID          `json:"to,omitempty"`
	From    UserID          `json:"from,omitempty"`
	Call    CallID          `json:"call,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Users   []UserID        `json:"users,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// IsRelayable reports whether the type is one the server forwards to a peer.
func (t MsgType) IsRelayable() bool {
	switch t {
	case MsgInvite, MsgAccept, MsgNegotiation, MsgEnd:
		return true
	}
	return false
}

func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, ErrUnknownMsgType
	}
	return env, nil
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// PresenceUpdate builds the full-replacement snapshot message.
func PresenceUpdate(users []UserID) Envelope {
	return Envelope{Type: MsgPresenceUpdate, Users: users}
}

// NotReachable is sent back to a sender whose target has no live connection.
func NotReachable(to UserID) Envelope {
	return Envelope{Type: MsgNotReachable, To: to}
}
