package transport

import (
	"context"
	"net"
	"time"

	"github.com/luciancaetano/nibblenet"
)

// TCPListener accepts plain TCP transports.
type TCPListener struct {
	ln net.Listener
}

// ListenTCP binds addr (for example ":7000" or "127.0.0.1:0").
func ListenTCP(addr string) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &TCPListener{ln: ln}, nil
}

// Accept waits for the next peer. Nagle is disabled on every accepted socket
// since frames are flushed as single writes.
func (l *TCPListener) Accept() (nibblenet.Transport, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return conn, nil
}

func (l *TCPListener) Close() error {
	return l.ln.Close()
}

func (l *TCPListener) Addr() net.Addr {
	return l.ln.Addr()
}

// TCPDialer dials plain TCP transports.
type TCPDialer struct {
	// Timeout bounds the connection attempt. Zero means no bound besides ctx.
	Timeout time.Duration
}

func (d TCPDialer) Dial(ctx context.Context, addr string) (nibblenet.Transport, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return conn, nil
}
