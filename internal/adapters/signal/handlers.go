package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/webrain25/kasyrooms/internal/signal"
)

func (ctl *WSController) handleJoin(c *wsConn, env signal.Envelope) {
	if env.RoomID == "" {
		log.Warn().Str("module", "adapters.signal").Msg("join without room dropped")
		return
	}
	if ctl.Limiter != nil && !ctl.Limiter.Allow(c.token) {
		log.Warn().Str("module", "adapters.signal").Str("client", c.token).Msg("join rate limited")
		return
	}

	id, peers := ctl.Registry.Join(c, env.RoomID, env.Role, env.PeerID)
	c.peerID = id

	ctl.sendEnvelope(c, signal.Envelope{
		Type:   signal.TypePeers,
		PeerID: id,
		Peers:  peers,
	})
}

// handleSignal relays opaque SDP/ICE data to one peer. The sender field is
// overwritten with the connection's own id so a peer cannot speak for
// another.
func (ctl *WSController) handleSignal(c *wsConn, env signal.Envelope) {
	if c.peerID == "" || env.To == "" {
		return
	}
	ctl.Registry.Forward(env.To, c.peerID, env.Data)
}

func (ctl *WSController) handlePing(c *wsConn, env signal.Envelope) {
	ctl.sendEnvelope(c, signal.Envelope{Type: signal.TypePong, T: env.T})
}

func (ctl *WSController) sendEnvelope(c *wsConn, env signal.Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.signal").Msg("marshal envelope")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "adapters.signal").Str("type", string(env.Type)).Msg("frame dropped")
	}
}
