// Package signal is the WebSocket adapter in front of the relay registry.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/webrain25/kasyrooms/internal/domain"
	"github.com/webrain25/kasyrooms/internal/signal"
)

var ErrBackpressure = errors.New("backpressure")

type WSController struct {
	Registry  *signal.Registry
	ReadLimit int64
	// IdleTimeout bounds how long a socket may stay silent. Clients ping
	// well inside it, so only a dead transport ever trips it. Zero
	// disables the deadline.
	IdleTimeout time.Duration
	Limiter     *JoinRateLimiter
}

func NewWSController(reg *signal.Registry, readLimit int64, idleTimeout time.Duration) *WSController {
	return &WSController{
		Registry:    reg,
		ReadLimit:   readLimit,
		IdleTimeout: idleTimeout,
		Limiter:     NewJoinRateLimiter(defaultJoinLimit, defaultJoinWindow),
	}
}

// wsConn adapts one *websocket.Conn to signal.Conn. Writes go through a
// bounded queue drained by the write pump; TrySend never blocks.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool

	// client token cookie, stable across reconnects of one browser.
	token string
	// peer id assigned on the first join; owned by the read pump.
	peerID domain.PeerID
}

func (c *wsConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and starts the connection pumps. The
// client token cookie only identifies the browser for logs; peer identity
// is connection-scoped and handed out on join.
func (ctl *WSController) HandleSignal(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")
	log.Info().Str("module", "adapters.signal").Str("client", token).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.signal").Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}
	if ctl.IdleTimeout > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(ctl.IdleTimeout))
	}

	conn := &wsConn{
		conn:  ws,
		send:  make(chan []byte, 32),
		token: token,
	}

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, conn)
}
