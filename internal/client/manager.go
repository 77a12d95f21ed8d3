package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/webrain25/kasyrooms/internal/domain"
	"github.com/webrain25/kasyrooms/internal/signal"
)

var ErrNotConnected = errors.New("relay not connected")

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "disconnected"
}

type Config struct {
	// URL of the relay WebSocket endpoint.
	URL string
	// ICEConfigURL is queried once at startup when no engine is injected.
	ICEConfigURL string
	Room         domain.RoomID
	Role         domain.Role

	PingInterval time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

func (c *Config) defaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 10 * time.Second
	}
}

// Manager drives one logical call: a lazily opened relay connection with
// heartbeat and reconnect, plus one peer connection per remote peer.
// Peer connections are only created when the local side calls out or when
// an inbound signal arrives from an unknown peer; membership notices alone
// never create them.
type Manager struct {
	cfg    Config
	dial   Dialer
	engine Engine

	mu       sync.Mutex
	state    State
	wire     Wire
	room     domain.RoomID
	selfID   domain.PeerID
	members  map[domain.PeerID]domain.Role
	peers    map[domain.PeerID]PeerConn
	streams  map[domain.PeerID]bool
	lastPong time.Time

	writeMu sync.Mutex

	// OnPeerState, when set, observes peer connection transitions.
	OnPeerState func(domain.PeerID, PeerState)
}

// NewManager builds a manager. dial and engine may be nil: the websocket
// dialer is used, and the pion engine is built at Start from the fetched
// ICE configuration.
func NewManager(cfg Config, engine Engine, dial Dialer) *Manager {
	cfg.defaults()
	if dial == nil {
		dial = DialWebSocket
	}
	return &Manager{
		cfg:     cfg,
		dial:    dial,
		engine:  engine,
		room:    cfg.Room,
		members: make(map[domain.PeerID]domain.Role),
		peers:   make(map[domain.PeerID]PeerConn),
		streams: make(map[domain.PeerID]bool),
	}
}

// Start resolves the media engine and launches the connection loop.
func (m *Manager) Start(ctx context.Context) error {
	if m.engine == nil {
		servers, err := FetchICEServers(ctx, m.cfg.ICEConfigURL)
		if err != nil {
			return err
		}
		m.engine = NewRTCEngine(servers)
	}
	go m.run(ctx)
	return nil
}

// run reconnects forever with exponential backoff until ctx is done.
func (m *Manager) run(ctx context.Context) {
	attempt := 0
	for ctx.Err() == nil {
		m.setState(StateConnecting)
		w, err := m.dial(ctx, m.cfg.URL)
		if err != nil {
			m.setState(StateDisconnected)
			delay := Backoff(m.cfg.BackoffBase, m.cfg.BackoffMax, attempt)
			attempt++
			log.Warn().Err(err).Str("module", "client").Dur("retry_in", delay).Int("attempt", attempt).Msg("relay dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0

		m.mu.Lock()
		m.wire = w
		m.lastPong = time.Now()
		m.mu.Unlock()
		m.setState(StateConnected)
		m.sendJoin()

		hbCtx, hbCancel := context.WithCancel(ctx)
		go m.heartbeat(hbCtx, w)
		m.readLoop(w)
		hbCancel()

		m.mu.Lock()
		m.wire = nil
		m.mu.Unlock()
		m.setState(StateDisconnected)
	}
}

func (m *Manager) readLoop(w Wire) {
	for {
		data, err := w.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Str("module", "client").Msg("relay read error")
			return
		}
		m.handle(data)
	}
}

// heartbeat pings on a fixed interval and force-closes the transport when
// no pong was seen inside the liveness window. Closing makes the read
// loop exit, which is what kicks off reconnection; a silently dead socket
// would otherwise never fire a close.
func (m *Manager) heartbeat(ctx context.Context, w Wire) {
	interval := m.cfg.PingInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			last := m.lastPong
			m.mu.Unlock()
			if time.Since(last) > 3*interval {
				log.Warn().Str("module", "client").Msg("pong overdue, closing relay connection")
				_ = w.Close()
				return
			}
			_ = m.send(signal.Envelope{Type: signal.TypePing, T: time.Now().UnixMilli()})
		}
	}
}

func (m *Manager) handle(data []byte) {
	var env signal.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "client").Msg("bad frame dropped")
		return
	}

	switch env.Type {
	case signal.TypePeers:
		m.mu.Lock()
		m.selfID = env.PeerID
		m.members = make(map[domain.PeerID]domain.Role, len(env.Peers))
		for _, p := range env.Peers {
			m.members[p.ID] = p.Role
		}
		m.mu.Unlock()
		log.Info().Str("module", "client").Str("self", string(env.PeerID)).Int("peers", len(env.Peers)).Msg("joined room")
	case signal.TypeJoin:
		m.mu.Lock()
		m.members[env.PeerID] = env.Role
		m.mu.Unlock()
	case signal.TypeLeave:
		m.mu.Lock()
		delete(m.members, env.PeerID)
		pc := m.peers[env.PeerID]
		delete(m.peers, env.PeerID)
		delete(m.streams, env.PeerID)
		m.mu.Unlock()
		if pc != nil {
			pc.Close()
		}
	case signal.TypePong:
		m.mu.Lock()
		m.lastPong = time.Now()
		m.mu.Unlock()
	case signal.TypeSignal:
		m.handleSignal(env)
	default:
		log.Warn().Str("module", "client").Str("type", string(env.Type)).Msg("unknown frame type")
	}
}

// handleSignal applies relayed SDP/ICE data. A signal from a peer we hold
// no connection for makes us the answerer: the connection is created
// lazily right here.
func (m *Manager) handleSignal(env signal.Envelope) {
	if env.From == "" {
		return
	}
	pc, err := m.ensurePeer(env.From)
	if err != nil {
		log.Error().Err(err).Str("module", "client").Str("peer", string(env.From)).Msg("create peer connection")
		return
	}
	reply, err := pc.HandleRemote(env.Data)
	if err != nil {
		log.Warn().Err(err).Str("module", "client").Str("peer", string(env.From)).Msg("apply remote signal")
		return
	}
	if reply != nil {
		_ = m.send(signal.Envelope{Type: signal.TypeSignal, To: env.From, From: m.self(), Data: reply})
	}
}

// CallPeer opens (or reuses) a peer connection and relays an offer.
func (m *Manager) CallPeer(id domain.PeerID) error {
	pc, err := m.ensurePeer(id)
	if err != nil {
		return err
	}
	offer, err := pc.CreateOffer(false)
	if err != nil {
		return err
	}
	return m.send(signal.Envelope{Type: signal.TypeSignal, To: id, From: m.self(), Data: offer})
}

// SwitchRoom is destructive on purpose: every peer connection dies with
// the old room so no stale media can leak into the new context. The join
// for the new room goes out on the live connection, or on the next
// (re)connect when the relay is down.
func (m *Manager) SwitchRoom(room domain.RoomID) {
	m.mu.Lock()
	old := m.peers
	m.peers = make(map[domain.PeerID]PeerConn)
	m.streams = make(map[domain.PeerID]bool)
	m.members = make(map[domain.PeerID]domain.Role)
	m.room = room
	connected := m.state == StateConnected && m.wire != nil
	m.mu.Unlock()

	for _, pc := range old {
		pc.Close()
	}
	log.Info().Str("module", "client").Str("room", string(room)).Int("closed_peers", len(old)).Msg("room switched")

	if connected {
		m.sendJoin()
	}
}

func (m *Manager) ensurePeer(id domain.PeerID) (PeerConn, error) {
	m.mu.Lock()
	if pc, ok := m.peers[id]; ok {
		m.mu.Unlock()
		return pc, nil
	}
	m.mu.Unlock()

	pc, err := m.engine.NewPeer()
	if err != nil {
		return nil, err
	}
	pc.OnICECandidate(func(data json.RawMessage) {
		_ = m.send(signal.Envelope{Type: signal.TypeSignal, To: id, From: m.self(), Data: data})
	})
	pc.OnStateChange(func(st PeerState) {
		m.peerStateChanged(id, st)
	})
	pc.OnRemoteTrack(func() {
		m.mu.Lock()
		m.streams[id] = true
		m.mu.Unlock()
	})

	m.mu.Lock()
	if existing, ok := m.peers[id]; ok {
		m.mu.Unlock()
		pc.Close()
		return existing, nil
	}
	m.peers[id] = pc
	m.mu.Unlock()
	return pc, nil
}

// peerStateChanged implements the renegotiation policy: failed or
// disconnected ICE asks the remote side for a restart, closed evicts the
// connection and its stream record.
func (m *Manager) peerStateChanged(id domain.PeerID, st PeerState) {
	if m.OnPeerState != nil {
		m.OnPeerState(id, st)
	}

	switch st {
	case PeerFailed, PeerDisconnected:
		m.mu.Lock()
		pc := m.peers[id]
		m.mu.Unlock()
		if pc == nil {
			return
		}
		offer, err := pc.CreateOffer(true)
		if err != nil {
			log.Warn().Err(err).Str("module", "client").Str("peer", string(id)).Msg("ice restart offer")
			return
		}
		log.Info().Str("module", "client").Str("peer", string(id)).Str("state", st.String()).Msg("requesting ICE restart")
		_ = m.send(signal.Envelope{Type: signal.TypeSignal, To: id, From: m.self(), Data: offer})
	case PeerClosed:
		m.mu.Lock()
		pc := m.peers[id]
		delete(m.peers, id)
		delete(m.streams, id)
		m.mu.Unlock()
		if pc != nil {
			pc.Close()
		}
		log.Info().Str("module", "client").Str("peer", string(id)).Msg("peer connection evicted")
	}
}

func (m *Manager) sendJoin() {
	m.mu.Lock()
	env := signal.Envelope{
		Type:   signal.TypeJoin,
		RoomID: m.room,
		Role:   m.cfg.Role,
		PeerID: m.selfID,
	}
	m.mu.Unlock()
	_ = m.send(env)
}

func (m *Manager) send(env signal.Envelope) error {
	m.mu.Lock()
	w := m.wire
	m.mu.Unlock()
	if w == nil {
		return ErrNotConnected
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return w.WriteMessage(b)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev != s {
		log.Info().Str("module", "client").Str("from", prev.String()).Str("to", s.String()).Msg("relay state")
	}
}

func (m *Manager) self() domain.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selfID
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Room() domain.RoomID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.room
}

// Members is a snapshot of the current room membership as reported by the
// relay.
func (m *Manager) Members() map[domain.PeerID]domain.Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.PeerID]domain.Role, len(m.members))
	for id, role := range m.members {
		out[id] = role
	}
	return out
}

// PeerCount reports how many peer connections are currently held.
func (m *Manager) PeerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

// RemoteStreams lists peers whose media has arrived.
func (m *Manager) RemoteStreams() []domain.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.PeerID, 0, len(m.streams))
	for id := range m.streams {
		out = append(out, id)
	}
	return out
}
