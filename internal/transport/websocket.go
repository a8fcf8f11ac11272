package transport

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luciancaetano/nibblenet"
)

// DefaultWebSocketPath is the HTTP path upgraded to the frame stream.
const DefaultWebSocketPath = "/nibble"

// CheckOriginFn validates the origin of an upgrade request.
// Return true to allow the connection.
type CheckOriginFn = func(r *http.Request) bool

// AllOrigins allows every origin. Use it for development only.
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// WebSocketListener carries the frame stream over WebSocket binary messages.
//
// Each flushed frame becomes one binary message; inbound messages are
// concatenated back into a byte stream, so the codec is unaware of the
// carrier.
type WebSocketListener struct {
	ln       net.Listener
	server   *http.Server
	upgrader websocket.Upgrader
	accepted chan nibblenet.Transport

	done      chan struct{}
	closeOnce sync.Once
}

// ListenWebSocket binds addr and upgrades requests on path. An empty path
// selects DefaultWebSocketPath and a nil checkOrigin uses gorilla's
// same-origin check.
func ListenWebSocket(addr, path string, checkOrigin CheckOriginFn) (*WebSocketListener, error) {
	if path == "" {
		path = DefaultWebSocketPath
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	l := &WebSocketListener{
		ln: ln,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		accepted: make(chan nibblenet.Transport),
		done:     make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handleUpgrade)
	l.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go l.server.Serve(ln)
	return l, nil
}

func (l *WebSocketListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		return
	}

	select {
	case l.accepted <- newWSConn(conn):
	case <-l.done:
		conn.Close()
	}
}

// Accept waits for the next upgraded connection.
func (l *WebSocketListener) Accept() (nibblenet.Transport, error) {
	select {
	case t := <-l.accepted:
		return t, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// Close stops accepting. Connections already handed out stay open.
func (l *WebSocketListener) Close() error {
	err := net.ErrClosed
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.server.Close()
	})
	return err
}

func (l *WebSocketListener) Addr() net.Addr {
	return l.ln.Addr()
}

// WebSocketDialer dials a WebSocketListener.
type WebSocketDialer struct {
	// Path defaults to DefaultWebSocketPath.
	Path string
	// HandshakeTimeout bounds the HTTP upgrade.
	HandshakeTimeout time.Duration
}

func (d WebSocketDialer) Dial(ctx context.Context, addr string) (nibblenet.Transport, error) {
	path := d.Path
	if path == "" {
		path = DefaultWebSocketPath
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
	}
	conn, _, err := dialer.DialContext(ctx, "ws://"+addr+path, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(conn), nil
}

// wsConn adapts a message-oriented websocket.Conn to a byte stream.
type wsConn struct {
	conn *websocket.Conn

	rmu sync.Mutex
	r   io.Reader

	wmu sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	for {
		if c.r == nil {
			mt, r, err := c.conn.NextReader()
			if err != nil {
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a normal close message, then closes the socket.
func (c *wsConn) Close() error {
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	return c.conn.Close()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.SetWriteDeadline(t)
}
