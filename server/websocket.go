package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketPath is where the gateway accepts upgrades.
const WebSocketPath = "/ws"

// wsTransport carries one text frame per WebSocket message, without the delimiter.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	for {
		kind, payload, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return payload, nil
		}
	}
}

func (t *wsTransport) WriteFrame(payload []byte, deadline time.Time) error {
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *wsTransport) SetReadDeadline(d time.Time) error { return t.conn.SetReadDeadline(d) }
func (t *wsTransport) RemoteAddr() string               { return t.conn.RemoteAddr().String() }
func (t *wsTransport) Close() error                     { return t.conn.Close() }

// WebSocketHandler serves the text protocol to browser clients.
func (s *Server) WebSocketHandler() http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Authentication happens in-band, so any origin may connect.
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		conn.SetReadLimit(int64(s.config.MaxFrameBytes))
		s.handleConnection(&wsTransport{conn: conn})
	})
	return mux
}
