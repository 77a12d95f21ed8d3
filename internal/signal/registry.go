package signal

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/webrain25/kasyrooms/internal/domain"
)

// Conn is the transport endpoint of one connected peer.
// Owned by the adapter; the adapter must Close() it.
type Conn interface {
	TrySend(data []byte) error
	Close()
}

type peerEntry struct {
	conn Conn
	room domain.RoomID
	role domain.Role
}

type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"memberCount"`
}

// Registry owns the peer and room maps. It is injected into the WS
// controller rather than living as a package singleton, so several relay
// instances can coexist. Rooms are created on first join and deleted when
// the last member leaves.
type Registry struct {
	mu    sync.RWMutex
	peers map[domain.PeerID]*peerEntry
	rooms map[domain.RoomID]map[domain.PeerID]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		peers: make(map[domain.PeerID]*peerEntry),
		rooms: make(map[domain.RoomID]map[domain.PeerID]struct{}),
	}
}

// Join adds the peer to roomID, assigning an id when the caller did not
// supply one. The returned snapshot never contains the joiner itself, and
// the join notice broadcast to the room excludes the joiner. A join from a
// peer id the registry already knows detaches the old membership first,
// whether it is a room switch or a reconnect reclaiming the id; a replaced
// connection is closed.
func (r *Registry) Join(conn Conn, roomID domain.RoomID, role domain.Role, peerID domain.PeerID) (domain.PeerID, []PeerInfo) {
	if peerID == "" {
		peerID = domain.PeerID(uuid.NewString())
	}
	if !role.Valid() {
		role = domain.RoleUser
	}

	r.mu.Lock()
	var replaced Conn
	if prev, ok := r.peers[peerID]; ok {
		r.detachLocked(peerID, prev.room)
		if prev.conn != conn {
			replaced = prev.conn
		}
	}
	r.peers[peerID] = &peerEntry{conn: conn, room: roomID, role: role}

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[domain.PeerID]struct{})
		r.rooms[roomID] = members
	}

	others := make([]PeerInfo, 0, len(members))
	conns := make([]Conn, 0, len(members))
	for id := range members {
		if e, ok := r.peers[id]; ok {
			others = append(others, PeerInfo{ID: id, Role: e.role})
			conns = append(conns, e.conn)
		}
	}
	members[peerID] = struct{}{}
	r.mu.Unlock()

	if replaced != nil {
		replaced.Close()
	}

	notice := Envelope{Type: TypeJoin, PeerID: peerID, Role: role}
	for _, c := range conns {
		r.send(c, notice)
	}

	log.Info().Str("module", "signal.registry").Str("peer", string(peerID)).Str("room", string(roomID)).Str("role", string(role)).Msg("peer joined")
	return peerID, others
}

// Forward relays an opaque payload to a connected peer. An unknown target
// is dropped silently; the sender will notice through ICE timing out.
func (r *Registry) Forward(to, from domain.PeerID, data json.RawMessage) {
	r.mu.RLock()
	entry, ok := r.peers[to]
	r.mu.RUnlock()
	if !ok {
		log.Debug().Str("module", "signal.registry").Str("to", string(to)).Msg("signal for unknown peer dropped")
		return
	}
	r.send(entry.conn, Envelope{Type: TypeSignal, To: to, From: from, Data: data})
}

// Disconnect removes the peer and tells the rest of its room. The last
// member leaving destroys the room. The entry is only removed while conn
// still owns it: a stale socket's teardown racing a reconnect that already
// reclaimed the id must not evict the new connection.
func (r *Registry) Disconnect(conn Conn, peerID domain.PeerID) {
	r.mu.Lock()
	entry, ok := r.peers[peerID]
	if !ok || entry.conn != conn {
		r.mu.Unlock()
		return
	}
	delete(r.peers, peerID)
	room := entry.room
	conns := r.removeFromRoomLocked(peerID, room)
	r.mu.Unlock()

	notice := Envelope{Type: TypeLeave, PeerID: peerID}
	for _, c := range conns {
		r.send(c, notice)
	}
	log.Info().Str("module", "signal.registry").Str("peer", string(peerID)).Str("room", string(room)).Msg("peer disconnected")
}

// EvictRoom force-closes every member connection; the read loops clean up
// the rest through Disconnect.
func (r *Registry) EvictRoom(roomID domain.RoomID) {
	r.mu.RLock()
	conns := make([]Conn, 0)
	for id := range r.rooms[roomID] {
		if e, ok := r.peers[id]; ok {
			conns = append(conns, e.conn)
		}
	}
	r.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
	log.Info().Str("module", "signal.registry").Str("room", string(roomID)).Int("members", len(conns)).Msg("room evicted")
}

func (r *Registry) Rooms() []RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RoomInfo, 0, len(r.rooms))
	for id, members := range r.rooms {
		out = append(out, RoomInfo{ID: id, MemberCount: len(members)})
	}
	return out
}

func (r *Registry) Members(roomID domain.RoomID) []PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PeerInfo, 0, len(r.rooms[roomID]))
	for id := range r.rooms[roomID] {
		if e, ok := r.peers[id]; ok {
			out = append(out, PeerInfo{ID: id, Role: e.role})
		}
	}
	return out
}

func (r *Registry) MemberCount(roomID domain.RoomID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

// detachLocked removes a peer from its old room (room switch or id
// reclaim) and notifies the remaining members. Caller holds the write
// lock.
func (r *Registry) detachLocked(peerID domain.PeerID, room domain.RoomID) {
	conns := r.removeFromRoomLocked(peerID, room)
	notice := Envelope{Type: TypeLeave, PeerID: peerID}
	for _, c := range conns {
		r.send(c, notice)
	}
}

func (r *Registry) removeFromRoomLocked(peerID domain.PeerID, room domain.RoomID) []Conn {
	members, ok := r.rooms[room]
	if !ok {
		return nil
	}
	delete(members, peerID)
	if len(members) == 0 {
		delete(r.rooms, room)
		return nil
	}
	conns := make([]Conn, 0, len(members))
	for id := range members {
		if e, ok := r.peers[id]; ok {
			conns = append(conns, e.conn)
		}
	}
	return conns
}

// send marshals and hands the frame to the peer's send queue. A full queue
// drops the frame for that peer only.
func (r *Registry) send(c Conn, env Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "signal.registry").Msg("marshal envelope")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "signal.registry").Str("type", string(env.Type)).Msg("frame dropped")
	}
}
