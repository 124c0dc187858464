package server

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  readBufferSize,
	WriteBufferSize: readBufferSize,
	// Any origin may connect
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket upgrades the request and runs the line protocol over it
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response
		log.Debugf("WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	s.handleConnection(newWSConn(ws), r.RemoteAddr, transportWebSocket)
}

// wsConn presents a WebSocket as a byte stream so the TCP message loop can
// drive it unchanged.
//
// Each inbound text or binary message is one chunk of the stream; a message
// that does not end in a newline is terminated with one, so clients may send
// one command per message without a trailing newline. Each Write becomes one
// text message.
type wsConn struct {
	ws  *websocket.Conn
	buf []byte // unread remainder of the current message
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for len(c.buf) == 0 {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if len(data) == 0 || data[len(data)-1] != '\n' {
			data = append(data, '\n')
		}
		c.buf = data
	}

	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
