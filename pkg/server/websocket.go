package server

import (
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients connect from arbitrary origins; authentication
	// happens in-protocol via LOGIN.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketConn adapts a WebSocket connection to net.Conn so the session
// loop can treat both transports identically. Each WebSocket message is
// one protocol line; a missing trailing newline is restored on read.
type WebSocketConn struct {
	ws      *websocket.Conn
	readBuf []byte
}

// NewWebSocketConn wraps a websocket connection.
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{ws: ws}
}

// Read reads data from the WebSocket connection.
func (c *WebSocketConn) Read(b []byte) (int, error) {
	if len(c.readBuf) == 0 {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			return 0, nil
		}
		if len(data) == 0 || data[len(data)-1] != '\n' {
			data = append(data, '\n')
		}
		c.readBuf = data
	}

	n := copy(b, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

// Write writes data as a single text message.
func (c *WebSocketConn) Write(b []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close closes the WebSocket connection.
func (c *WebSocketConn) Close() error {
	return c.ws.Close()
}

// LocalAddr returns the local network address.
func (c *WebSocketConn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *WebSocketConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

// SetDeadline sets read and write deadlines.
func (c *WebSocketConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (c *WebSocketConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline.
func (c *WebSocketConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

// HandleWebSocket upgrades an HTTP request and runs the standard session
// loop over it. WebSocket sessions share the TCP session pool.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	select {
	case s.pool <- struct{}{}:
	case <-s.shutdown:
		ws.Close()
		return
	}
	defer func() { <-s.pool }()

	s.handleSession(NewWebSocketConn(ws))
}
