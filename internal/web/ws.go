package web

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteWait = 5 * time.Second
	wsReadLimit = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// auth/origin policy sits in front of this service
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn adapts a gorilla websocket connection to the hub's Conn
// interface. The hub's writer goroutine is the only update writer; the
// mutex covers the occasional control frame.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) WriteUpdate(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// handleWS upgrades the connection and serves subscribe/unsubscribe
// commands until the peer goes away. Teardown always runs through
// RemoveConnection before the handler returns, so subscriptions cannot
// outlive the connection.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := &wsConn{conn: raw}
	raw.SetReadLimit(wsReadLimit)

	s.hub.Register(conn)
	defer func() {
		s.hub.RemoveConnection(conn)
		_ = conn.Close()
	}()

	for {
		_, payload, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket closed", zap.Error(err))
			}
			return
		}
		s.handleWSCommand(conn, string(payload))
	}
}

// handleWSCommand parses one command line of the form
// "subscribe:<TICKER>" or "unsubscribe:<TICKER>".
func (s *Server) handleWSCommand(conn *wsConn, line string) {
	verb, ticker, found := strings.Cut(strings.TrimSpace(line), ":")
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if !found || ticker == "" {
		return
	}

	switch verb {
	case "subscribe":
		s.hub.Subscribe(conn, ticker)
	case "unsubscribe":
		s.hub.Unsubscribe(conn, ticker)
	}
}
