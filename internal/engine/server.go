package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/nibblenet"
	"github.com/luciancaetano/nibblenet/internal/transport"
)

// acceptBackoff paces the accept loop after a failed Accept.
const acceptBackoff = 5 * time.Millisecond

// ServerHandler turns accepted transports into connections and receives
// their lifecycle events.
//
// Accept returns the connection that will own t, typically created with
// NewConnection against the processor that should schedule it. Returning
// an error or a nil connection rejects the peer. OnConnectionProblem is
// called with a nil Conn for failures that happen before a connection
// exists.
type ServerHandler interface {
	nibblenet.ConnectionHandler
	Accept(t nibblenet.Transport) (*Connection, error)
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerConfig sets the server configuration. ClientTimeout becomes the
// read timeout of accepted connections.
func WithServerConfig(cfg *Config) ServerOption {
	return func(s *Server) {
		s.cfg = cfg.normalized()
	}
}

// WithServerLogger sets the server logger.
func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// Server accepts peers and hands them to processors.
type Server struct {
	handler ServerHandler
	cfg     *Config
	log     *zap.Logger

	mu       sync.Mutex
	listener nibblenet.Listener
	closed   bool
	done     chan struct{}

	conns sync.Map // map[string]*Connection
}

// NewServer creates a server. The handler may be nil here but must be set
// before listening.
func NewServer(handler ServerHandler, opts ...ServerOption) *Server {
	s := &Server{
		handler: handler,
		cfg:     DefaultConfig(),
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetHandler replaces the server handler. It has no effect on a running
// accept loop.
func (s *Server) SetHandler(h ServerHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Listen binds a TCP listener on addr and starts accepting in the
// background.
func (s *Server) Listen(addr string) error {
	if err := s.checkListen(); err != nil {
		return err
	}
	l, err := transport.ListenTCP(addr)
	if err != nil {
		return err
	}
	if err := s.ListenOn(l); err != nil {
		l.Close()
		return err
	}
	return nil
}

// ListenOn starts accepting from l in the background.
func (s *Server) ListenOn(l nibblenet.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkListenLocked(); err != nil {
		return err
	}

	s.listener = l
	s.closed = false
	s.done = make(chan struct{})
	s.log.Info("listening", zap.Stringer("addr", l.Addr()))
	go s.acceptLoop(l, s.handler, s.done)
	return nil
}

func (s *Server) checkListen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkListenLocked()
}

func (s *Server) checkListenLocked() error {
	if s.handler == nil {
		return fmt.Errorf("%w: expecting a server handler before listening", nibblenet.ErrNoConnectionHandler)
	}
	if s.listener != nil && !s.closed {
		return fmt.Errorf("%w: %s", nibblenet.ErrAlreadyListening, s.listener.Addr())
	}
	return nil
}

func (s *Server) acceptLoop(l nibblenet.Listener, handler ServerHandler, done chan struct{}) {
	defer close(done)

	for {
		t, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !s.Listening() {
				return
			}
			s.log.Warn("accept failed", zap.Error(err))
			handler.OnConnectionProblem(nil, err)
			time.Sleep(acceptBackoff)
			continue
		}
		s.admit(handler, t)
	}
}

// admit runs the accept sequence for one transport. Failures are reported
// and never stop the accept loop.
func (s *Server) admit(handler ServerHandler, t nibblenet.Transport) {
	remote := ""
	if addr := t.RemoteAddr(); addr != nil {
		remote = addr.String()
	}

	c, err := handler.Accept(t)
	if err != nil || c == nil {
		if err == nil {
			err = nibblenet.ErrRejected
		} else {
			err = fmt.Errorf("%w: %w", nibblenet.ErrRejected, err)
		}
		t.Close()
		s.log.Debug("connection rejected", zap.String("remote_addr", remote), zap.Error(err))
		handler.OnConnectionProblem(nil, err)
		return
	}

	if c.handler == nil {
		c.handler = handler
	}
	if !c.state.CompareAndSwap(stateUnbound, stateConnecting) {
		err := c.stateError()
		t.Close()
		handler.OnConnectionProblem(c, err)
		return
	}
	c.server.Store(s)
	c.bind(t, nibblenet.RoleServer, s.cfg.ClientTimeout)
	s.conns.Store(c.id, c)

	if err := c.initiate(); err != nil {
		c.fail(err)
		return
	}
	if err := c.SetProcessor(c.Processor()); err != nil {
		c.fail(err)
		return
	}
	s.log.Debug("connection accepted", zap.String("conn_id", c.id), zap.String("remote_addr", remote))
	c.handler.OnConnect(c)
}

// RemoveConnection drops c from the registry. A connected c is disconnected
// instead, and its Disconnect removes it once the transport is closed.
func (s *Server) RemoveConnection(c *Connection) error {
	if c == nil || !s.HasConnection(c) {
		return nibblenet.ErrNotOwned
	}
	if c.IsConnected() {
		return c.Disconnect()
	}
	s.conns.Delete(c.id)
	return nil
}

// HasConnection reports whether c is registered.
func (s *Server) HasConnection(c *Connection) bool {
	v, ok := s.conns.Load(c.id)
	return ok && v.(*Connection) == c
}

// Connection returns a registered connection by id.
func (s *Server) Connection(id string) (*Connection, bool) {
	if v, ok := s.conns.Load(id); ok {
		return v.(*Connection), true
	}
	return nil, false
}

// Connections returns every registered connection.
func (s *Server) Connections() []*Connection {
	var out []*Connection
	s.conns.Range(func(_, value any) bool {
		out = append(out, value.(*Connection))
		return true
	})
	return out
}

// Len returns the number of registered connections.
func (s *Server) Len() int {
	n := 0
	s.conns.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Addr returns the listening address, or nil.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Listening reports whether the accept loop is open.
func (s *Server) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil && !s.closed
}

// Close stops accepting. Registered connections stay up.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil || s.closed {
		return nibblenet.ErrNotListening
	}
	s.closed = true
	s.log.Info("closing listener", zap.Stringer("addr", s.listener.Addr()))
	return s.listener.Close()
}

// Wait blocks until the accept loop has exited.
func (s *Server) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Shutdown stops accepting, disconnects every registered connection and
// waits for the accept loop to exit or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.Close(); err != nil && !errors.Is(err, nibblenet.ErrNotListening) {
		errs = append(errs, err)
	}
	for _, c := range s.Connections() {
		if !c.IsConnected() {
			s.conns.Delete(c.id)
			continue
		}
		if err := c.Disconnect(); err != nil && !errors.Is(err, nibblenet.ErrNotConnected) {
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}
	return errors.Join(errs...)
}
