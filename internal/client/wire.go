// Package client is the peer-side session manager: it owns the relay
// connection (heartbeat, reconnect), the peer connections, and the
// room-switch semantics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Wire is the relay transport as the manager sees it. The indirection
// exists so tests can drive the manager over an in-memory pipe.
type Wire interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

type Dialer func(ctx context.Context, url string) (Wire, error)

// DialWebSocket is the production dialer.
func DialWebSocket(ctx context.Context, url string) (Wire, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return &wsWire{conn: conn}, nil
}

type wsWire struct {
	conn *websocket.Conn
}

func (w *wsWire) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *wsWire) WriteMessage(data []byte) error {
	_ = w.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsWire) Close() error {
	return w.conn.Close()
}

// Backoff doubles from base per attempt and never exceeds max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// FetchICEServers asks the server for its ICE configuration. Done once at
// manager startup.
func FetchICEServers(ctx context.Context, url string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ice request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch ice servers: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch ice servers: status %d", resp.StatusCode)
	}
	var body struct {
		ICEServers []string `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode ice servers: %w", err)
	}
	return body.ICEServers, nil
}
