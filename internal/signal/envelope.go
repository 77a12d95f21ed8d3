// Package signal implements the room-scoped signaling relay. The relay
// routes opaque payloads between peers by id; it never parses SDP or ICE.
package signal

import (
	"encoding/json"

	"github.com/webrain25/kasyrooms/internal/domain"
)

type MessageType string

const (
	TypeJoin   MessageType = "join"
	TypeLeave  MessageType = "leave"
	TypePeers  MessageType = "peers"
	TypeSignal MessageType = "signal"
	TypePing   MessageType = "ping"
	TypePong   MessageType = "pong"
)

// PeerInfo is the read-only view of a room member (no transport fields).
type PeerInfo struct {
	ID   domain.PeerID `json:"id"`
	Role domain.Role   `json:"role"`
}

// Envelope is the one wire message, discriminated by Type. Each variant
// fills only its own fields. Data is relayed verbatim between the two
// endpoints.
type Envelope struct {
	Type   MessageType     `json:"type"`
	RoomID domain.RoomID   `json:"roomId,omitempty"`
	Role   domain.Role     `json:"role,omitempty"`
	PeerID domain.PeerID   `json:"peerId,omitempty"`
	To     domain.PeerID   `json:"to,omitempty"`
	From   domain.PeerID   `json:"from,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Peers  []PeerInfo      `json:"peers,omitempty"`
	T      int64           `json:"t,omitempty"`
}
