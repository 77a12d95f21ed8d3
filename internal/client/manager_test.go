package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/webrain25/kasyrooms/internal/domain"
	"github.com/webrain25/kasyrooms/internal/signal"
)

// fakeWire is an in-memory relay transport the tests feed frames into.
type fakeWire struct {
	mu       sync.Mutex
	written  [][]byte
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once
}

func newFakeWire() *fakeWire {
	return &fakeWire{
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (w *fakeWire) ReadMessage() ([]byte, error) {
	select {
	case data := <-w.incoming:
		return data, nil
	case <-w.closed:
		return nil, errors.New("wire closed")
	}
}

func (w *fakeWire) WriteMessage(data []byte) error {
	select {
	case <-w.closed:
		return errors.New("wire closed")
	default:
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	w.written = append(w.written, buf)
	return nil
}

func (w *fakeWire) Close() error {
	w.once.Do(func() { close(w.closed) })
	return nil
}

func (w *fakeWire) isClosed() bool {
	select {
	case <-w.closed:
		return true
	default:
		return false
	}
}

func (w *fakeWire) push(t *testing.T, env signal.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	w.incoming <- data
}

func (w *fakeWire) envelopes(t *testing.T) []signal.Envelope {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]signal.Envelope, 0, len(w.written))
	for _, data := range w.written {
		var env signal.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal written frame: %v", err)
		}
		out = append(out, env)
	}
	return out
}

func (w *fakeWire) firstOfType(t *testing.T, typ signal.MessageType) (signal.Envelope, bool) {
	t.Helper()
	for _, env := range w.envelopes(t) {
		if env.Type == typ {
			return env, true
		}
	}
	return signal.Envelope{}, false
}

type fakePeer struct {
	mu      sync.Mutex
	offers  []bool
	remote  []json.RawMessage
	reply   json.RawMessage
	closed  bool
	onState func(PeerState)
}

func (p *fakePeer) CreateOffer(iceRestart bool) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers = append(p.offers, iceRestart)
	if iceRestart {
		return json.RawMessage(`{"restart":true}`), nil
	}
	return json.RawMessage(`{"sdp":"offer"}`), nil
}

func (p *fakePeer) HandleRemote(data json.RawMessage) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = append(p.remote, data)
	return p.reply, nil
}

func (p *fakePeer) OnICECandidate(func(json.RawMessage)) {}

func (p *fakePeer) OnStateChange(fn func(PeerState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

func (p *fakePeer) OnRemoteTrack(func()) {}

func (p *fakePeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) fireState(st PeerState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

type fakeEngine struct {
	mu    sync.Mutex
	reply json.RawMessage
	peers []*fakePeer
}

func (e *fakeEngine) NewPeer() (PeerConn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := &fakePeer{reply: e.reply}
	e.peers = append(e.peers, p)
	return p, nil
}

func (e *fakeEngine) peer(i int) *fakePeer {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i >= len(e.peers) {
		return nil
	}
	return e.peers[i]
}

func dialerFor(wires ...*fakeWire) Dialer {
	ch := make(chan *fakeWire, len(wires))
	for _, w := range wires {
		ch <- w
	}
	return func(ctx context.Context, url string) (Wire, error) {
		select {
		case w := <-ch:
			return w, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func startManager(t *testing.T, cfg Config, engine Engine, wires ...*fakeWire) *Manager {
	t.Helper()
	if cfg.Room == "" {
		cfg.Room = domain.ModelRoom("alice")
	}
	if cfg.Role == "" {
		cfg.Role = domain.RoleUser
	}
	m := NewManager(cfg, engine, dialerFor(wires...))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		for _, w := range wires {
			w.Close()
		}
	})
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	return m
}

// joinRoom connects the manager and delivers the membership snapshot the
// relay sends on join.
func joinRoom(t *testing.T, w *fakeWire, self domain.PeerID, others ...signal.PeerInfo) {
	t.Helper()
	waitFor(t, func() bool {
		_, ok := w.firstOfType(t, signal.TypeJoin)
		return ok
	}, "join was never sent")
	w.push(t, signal.Envelope{Type: signal.TypePeers, PeerID: self, Peers: others})
}

func TestConnectSendsJoin(t *testing.T) {
	w := newFakeWire()
	m := startManager(t, Config{Room: domain.ModelRoom("alice"), Role: domain.RoleModel}, &fakeEngine{}, w)

	waitFor(t, func() bool {
		env, ok := w.firstOfType(t, signal.TypeJoin)
		return ok && env.RoomID == domain.ModelRoom("alice") && env.Role == domain.RoleModel
	}, "join with room and role was never sent")

	waitFor(t, func() bool { return m.State() == StateConnected }, "manager never reached connected")
}

func TestMembershipAloneCreatesNoPeerConnections(t *testing.T) {
	w := newFakeWire()
	eng := &fakeEngine{}
	m := startManager(t, Config{}, eng, w)

	joinRoom(t, w, "me", signal.PeerInfo{ID: "bob", Role: domain.RoleModel})
	w.push(t, signal.Envelope{Type: signal.TypeJoin, PeerID: "carol", Role: domain.RoleUser})

	waitFor(t, func() bool { return len(m.Members()) == 2 }, "membership never reached 2")
	if m.PeerCount() != 0 {
		t.Fatalf("peer connections = %d, membership alone must not create any", m.PeerCount())
	}
}

func TestInboundSignalCreatesAnswererAndRelaysReply(t *testing.T) {
	w := newFakeWire()
	eng := &fakeEngine{reply: json.RawMessage(`{"sdp":"answer"}`)}
	m := startManager(t, Config{}, eng, w)

	joinRoom(t, w, "me")
	w.push(t, signal.Envelope{Type: signal.TypeSignal, From: "bob", Data: json.RawMessage(`{"sdp":"offer"}`)})

	waitFor(t, func() bool { return m.PeerCount() == 1 }, "answerer peer connection never created")
	waitFor(t, func() bool {
		env, ok := w.firstOfType(t, signal.TypeSignal)
		return ok && env.To == "bob" && env.From == "me" && string(env.Data) == `{"sdp":"answer"}`
	}, "answer was never relayed back")

	p := eng.peer(0)
	if p == nil || len(p.remote) != 1 {
		t.Fatal("remote payload was not applied to the peer connection")
	}
}

func TestCallPeerSendsOffer(t *testing.T) {
	w := newFakeWire()
	eng := &fakeEngine{}
	m := startManager(t, Config{}, eng, w)
	joinRoom(t, w, "me", signal.PeerInfo{ID: "bob", Role: domain.RoleModel})
	waitFor(t, func() bool { return len(m.Members()) == 1 }, "membership snapshot never applied")

	if err := m.CallPeer("bob"); err != nil {
		t.Fatalf("call peer: %v", err)
	}
	waitFor(t, func() bool {
		env, ok := w.firstOfType(t, signal.TypeSignal)
		return ok && env.To == "bob" && env.From == "me"
	}, "offer was never relayed")
	if p := eng.peer(0); p == nil || len(p.offers) != 1 || p.offers[0] {
		t.Fatal("expected exactly one non-restart offer")
	}
}

func TestLeaveEvictsPeerConnection(t *testing.T) {
	w := newFakeWire()
	eng := &fakeEngine{}
	m := startManager(t, Config{}, eng, w)
	joinRoom(t, w, "me")
	w.push(t, signal.Envelope{Type: signal.TypeSignal, From: "bob", Data: json.RawMessage(`{"sdp":"offer"}`)})
	waitFor(t, func() bool { return m.PeerCount() == 1 }, "peer connection never created")

	w.push(t, signal.Envelope{Type: signal.TypeLeave, PeerID: "bob"})
	waitFor(t, func() bool { return m.PeerCount() == 0 }, "peer connection survived leave")
	if !eng.peer(0).isClosed() {
		t.Fatal("peer connection was not closed on leave")
	}
}

func TestSwitchRoomTearsDownAndRejoins(t *testing.T) {
	w := newFakeWire()
	eng := &fakeEngine{}
	m := startManager(t, Config{Room: domain.ModelRoom("alice")}, eng, w)
	joinRoom(t, w, "me", signal.PeerInfo{ID: "bob", Role: domain.RoleModel})
	w.push(t, signal.Envelope{Type: signal.TypeSignal, From: "bob", Data: json.RawMessage(`{"sdp":"offer"}`)})
	waitFor(t, func() bool { return m.PeerCount() == 1 }, "peer connection never created")

	next := domain.SessionRoom("s1")
	m.SwitchRoom(next)

	if m.Room() != next {
		t.Fatalf("room = %q, want %q", m.Room(), next)
	}
	if m.PeerCount() != 0 {
		t.Fatal("peer connections must not survive a room switch")
	}
	if !eng.peer(0).isClosed() {
		t.Fatal("old peer connection was not closed")
	}
	if len(m.Members()) != 0 {
		t.Fatal("membership must be cleared on room switch")
	}

	waitFor(t, func() bool {
		for _, env := range w.envelopes(t) {
			if env.Type == signal.TypeJoin && env.RoomID == next {
				return true
			}
		}
		return false
	}, "join for the new room was never sent")
}

func TestHeartbeatTimeoutForcesReconnect(t *testing.T) {
	w1 := newFakeWire()
	w2 := newFakeWire()
	cfg := Config{
		PingInterval: 10 * time.Millisecond,
		BackoffBase:  time.Millisecond,
		BackoffMax:   5 * time.Millisecond,
	}
	startManager(t, cfg, &fakeEngine{}, w1, w2)

	// No pong ever arrives on the first wire: the liveness window closes
	// it and the manager redials.
	waitFor(t, w1.isClosed, "stale connection was never force-closed")
	waitFor(t, func() bool {
		_, ok := w2.firstOfType(t, signal.TypeJoin)
		return ok
	}, "manager never rejoined after reconnect")
}

func TestPongKeepsConnectionAlive(t *testing.T) {
	w := newFakeWire()
	cfg := Config{PingInterval: 10 * time.Millisecond}
	startManager(t, cfg, &fakeEngine{}, w)

	// Answer every ping promptly for several liveness windows.
	done := make(chan struct{})
	defer close(done)
	go func() {
		seen := 0
		for {
			select {
			case <-done:
				return
			case <-time.After(time.Millisecond):
			}
			w.mu.Lock()
			n := len(w.written)
			w.mu.Unlock()
			if n > seen {
				seen = n
				select {
				case w.incoming <- []byte(`{"type":"pong"}`):
				default:
				}
			}
		}
	}()

	time.Sleep(100 * time.Millisecond)
	if w.isClosed() {
		t.Fatal("connection was closed despite timely pongs")
	}
}

func TestFailedPeerTriggersICERestart(t *testing.T) {
	w := newFakeWire()
	eng := &fakeEngine{}
	m := startManager(t, Config{}, eng, w)
	joinRoom(t, w, "me")
	w.push(t, signal.Envelope{Type: signal.TypeSignal, From: "bob", Data: json.RawMessage(`{"sdp":"offer"}`)})
	waitFor(t, func() bool { return m.PeerCount() == 1 }, "peer connection never created")

	p := eng.peer(0)
	p.fireState(PeerFailed)

	waitFor(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, restart := range p.offers {
			if restart {
				return true
			}
		}
		return false
	}, "restart offer was never created")
	waitFor(t, func() bool {
		for _, env := range w.envelopes(t) {
			if env.Type == signal.TypeSignal && env.To == "bob" && string(env.Data) == `{"restart":true}` {
				return true
			}
		}
		return false
	}, "restart offer was never relayed")
}

func TestClosedPeerIsEvicted(t *testing.T) {
	w := newFakeWire()
	eng := &fakeEngine{}
	m := startManager(t, Config{}, eng, w)
	joinRoom(t, w, "me")
	w.push(t, signal.Envelope{Type: signal.TypeSignal, From: "bob", Data: json.RawMessage(`{"sdp":"offer"}`)})
	waitFor(t, func() bool { return m.PeerCount() == 1 }, "peer connection never created")

	eng.peer(0).fireState(PeerClosed)
	waitFor(t, func() bool { return m.PeerCount() == 0 }, "closed peer connection was not evicted")
}
