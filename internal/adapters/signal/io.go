package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/webrain25/kasyrooms/internal/signal"
)

const writeWait = 5 * time.Second

func (ctl *WSController) writePump(ctx context.Context, c *wsConn) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "adapters.signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "adapters.signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "adapters.signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "adapters.signal").Msg("writePump write error")
				return
			}
		}
	}
}

// readPump drives the connection. A transport close is always treated as a
// leave; the registry cleanup in the deferred block is the only teardown
// path.
func (ctl *WSController) readPump(ctx context.Context, cancel context.CancelFunc, c *wsConn) {
	defer func() {
		if c.peerID != "" {
			ctl.Registry.Disconnect(c, c.peerID)
		}
		cancel()
		c.Close()
		log.Info().Str("module", "adapters.signal").Str("peer", string(c.peerID)).Msg("readPump closed")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn().Err(err).Str("module", "adapters.signal").Str("peer", string(c.peerID)).Msg("read error")
				}
				return
			}
			// Any inbound frame proves the transport alive.
			if ctl.IdleTimeout > 0 {
				_ = c.conn.SetReadDeadline(time.Now().Add(ctl.IdleTimeout))
			}
			ctl.handleFrame(c, data)
		}
	}
}

// handleFrame dispatches one inbound frame. Malformed frames are dropped,
// never errored back, so a single bad frame cannot tear down a connection.
func (ctl *WSController) handleFrame(c *wsConn, data []byte) {
	var env signal.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "adapters.signal").Msg("bad frame dropped")
		return
	}

	switch env.Type {
	case signal.TypeJoin:
		ctl.handleJoin(c, env)
	case signal.TypeSignal:
		ctl.handleSignal(c, env)
	case signal.TypePing:
		ctl.handlePing(c, env)
	default:
		log.Warn().Str("module", "adapters.signal").Str("type", string(env.Type)).Msg("unknown frame type")
	}
}
