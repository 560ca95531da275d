package bridge

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Time allowed to write a frame to the peer.
const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WebSocketConn adapts a websocket to a byte stream. Incoming text and binary
// frames are concatenated; every Write is sent as one text frame.
type WebSocketConn struct {
	ws     *websocket.Conn
	reader io.Reader

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewWebSocketConn wraps ws.
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{ws: ws}
}

// Read reads from the current frame, advancing to the next one as needed. A
// normal close from the peer reads as io.EOF.
func (c *WebSocketConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			mt, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write sends p as a single text frame.
func (c *WebSocketConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame and closes the underlying connection.
func (c *WebSocketConn) Close() error {
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.wmu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// ServeWebSocket upgrades the request and bridges the websocket to a new
// child process, like a raw TCP connection.
func (b *Bridge) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	b.init()
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	clientID := "ws:" + r.RemoteAddr
	b.log.Info("websocket client connected from %s", r.RemoteAddr)
	if err := b.Serve(NewWebSocketConn(ws), clientID); err != nil {
		b.log.Warn("connection %s: %v", clientID, err)
	}
}
