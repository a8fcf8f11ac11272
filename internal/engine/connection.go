package engine

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/nibblenet"
	"github.com/luciancaetano/nibblenet/internal/transport"
	"github.com/luciancaetano/nibblenet/internal/wire"
)

// Connection states. A connection never leaves stateDisconnected.
const (
	stateUnbound int32 = iota
	stateConnecting
	stateConnected
	stateDisconnected
)

// Lifecycle holds the application hooks of a connection.
type Lifecycle interface {
	// Init runs once, after the transport is attached and before the
	// connection is first handed to a processor.
	Init(c *Connection) error

	// PriorDisconnection runs first during Disconnect, while the transport is
	// still usable.
	PriorDisconnection(c *Connection)
}

// NopLifecycle is the default Lifecycle.
type NopLifecycle struct{}

func (NopLifecycle) Init(*Connection) error        { return nil }
func (NopLifecycle) PriorDisconnection(*Connection) {}

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithConnectionHandler sets the handler notified of lifecycle events.
// Accepted connections without a handler inherit the server's.
func WithConnectionHandler(h nibblenet.ConnectionHandler) ConnectionOption {
	return func(c *Connection) {
		c.handler = h
	}
}

// WithLifecycle sets the Init and PriorDisconnection hooks.
func WithLifecycle(l Lifecycle) ConnectionOption {
	return func(c *Connection) {
		if l != nil {
			c.lifecycle = l
		}
	}
}

// WithConnectionConfig overrides the configuration inherited from the
// processor.
func WithConnectionConfig(cfg *Config) ConnectionOption {
	return func(c *Connection) {
		c.cfg = cfg.normalized()
	}
}

// WithConnectionLogger overrides the logger inherited from the processor.
func WithConnectionLogger(l *zap.Logger) ConnectionOption {
	return func(c *Connection) {
		if l != nil {
			c.log = l
		}
	}
}

// WithClock replaces time.Now for heartbeat bookkeeping.
func WithClock(now func() time.Time) ConnectionOption {
	return func(c *Connection) {
		if now != nil {
			c.now = now
		}
	}
}

// Connection is one peer endpoint: a transport, its codec pair, the
// processor that schedules it and its heartbeat bookkeeping.
//
// Ticks and reassignment serialise on the connection lock, so no two
// processors ever service the same connection at once. Handlers run with
// that lock held and therefore must not call SetProcessor on their own
// connection synchronously, nor Processor.RemoveConnection with it; start a
// goroutine for either instead.
type Connection struct {
	id   string
	role atomic.Int32

	mu        sync.Mutex
	processor atomic.Pointer[Processor]
	server    atomic.Pointer[Server]

	ioMu      sync.RWMutex
	transport nibblenet.Transport
	in        *wire.Reader
	out       *wire.Writer

	handler   nibblenet.ConnectionHandler
	lifecycle Lifecycle
	cfg       *Config
	log       *zap.Logger
	now       func() time.Time
	limiter   *rate.Limiter
	tcpDialer func(timeout time.Duration) nibblenet.Dialer

	ctx    context.Context
	cancel context.CancelFunc

	state     atomic.Int32
	closing   atomic.Bool
	initiated atomic.Bool
	ready     atomic.Bool
	lastRecv  atomic.Int64
	lastSent  atomic.Int64

	dataMu sync.Mutex
	data   any
}

// NewConnection creates an unbound connection designated to processor p.
// It binds to p once connected (Connect, Attach) or accepted by a server.
func NewConnection(p *Processor, opts ...ConnectionOption) (*Connection, error) {
	if p == nil {
		return nil, nibblenet.ErrNoProcessor
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:        uuid.New().String(),
		lifecycle: NopLifecycle{},
		cfg:       p.cfg,
		log:       p.log,
		now:       time.Now,
		tcpDialer: func(timeout time.Duration) nibblenet.Dialer {
			return transport.TCPDialer{Timeout: timeout}
		},
		ctx:    ctx,
		cancel: cancel,
	}
	c.processor.Store(p)
	for _, opt := range opts {
		opt(c)
	}
	c.limiter = c.cfg.RateLimit.limiter()
	c.log = c.log.With(zap.String("conn_id", c.id))
	c.lastRecv.Store(c.now().UnixNano())
	return c, nil
}

// ID returns a unique identifier for the connection.
func (c *Connection) ID() string {
	return c.id
}

// Role reports whether the connection was dialed or accepted.
func (c *Connection) Role() nibblenet.Role {
	return nibblenet.Role(c.role.Load())
}

// RemoteAddr returns the peer address, or "" while unbound.
func (c *Connection) RemoteAddr() string {
	c.ioMu.RLock()
	defer c.ioMu.RUnlock()
	if c.transport == nil || c.transport.RemoteAddr() == nil {
		return ""
	}
	return c.transport.RemoteAddr().String()
}

// Context is cancelled when the connection disconnects.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// IsConnected reports whether the transport is live.
func (c *Connection) IsConnected() bool {
	return c.state.Load() == stateConnected
}

// Initiated reports whether the Init hook has run.
func (c *Connection) Initiated() bool {
	return c.initiated.Load()
}

// Ready reports whether the connection is settled on its processor, which
// makes I/O from outside the processor goroutine safe.
func (c *Connection) Ready() bool {
	return c.ready.Load()
}

// Processor returns the processor the connection belongs or is designated to.
func (c *Connection) Processor() *Processor {
	return c.processor.Load()
}

// Server returns the server that accepted the connection, if any.
func (c *Connection) Server() *Server {
	return c.server.Load()
}

// LastReceivedHeartbeat returns when the peer's last ping arrived.
func (c *Connection) LastReceivedHeartbeat() time.Time {
	return time.Unix(0, c.lastRecv.Load())
}

// LastSentHeartbeat returns when the last ping was sent.
func (c *Connection) LastSentHeartbeat() time.Time {
	return time.Unix(0, c.lastSent.Load())
}

// SetData attaches application state to the connection.
func (c *Connection) SetData(v any) {
	c.dataMu.Lock()
	c.data = v
	c.dataMu.Unlock()
}

// Data returns the value stored by SetData.
func (c *Connection) Data() any {
	c.dataMu.Lock()
	defer c.dataMu.Unlock()
	return c.data
}

// Input returns the read side of the codec.
func (c *Connection) Input() (nibblenet.InputStream, error) {
	in, _, err := c.streams()
	if err != nil {
		return nil, err
	}
	return in, nil
}

// Output returns the write side of the codec.
func (c *Connection) Output() (nibblenet.OutputStream, error) {
	_, out, err := c.streams()
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Send writes one frame. When body fails the unflushed part of the frame is
// dropped and the body's error is returned.
func (c *Connection) Send(protocolID int, body func(out nibblenet.OutputStream) error) error {
	_, out, err := c.streams()
	if err != nil {
		return err
	}
	if err := out.CreateFrame(protocolID); err != nil {
		return err
	}
	if body != nil {
		if err := body(out); err != nil {
			out.AbortFrame()
			return err
		}
	}
	return out.FinishFrame()
}

// Emit writes the frame produced by h.
func (c *Connection) Emit(h nibblenet.OutputHandler) error {
	return c.Send(h.ID(), h.WriteFrame)
}

// Connect dials host:port over TCP in the background. timeout bounds both
// the dial and every read wait on the connection. Only configuration errors
// are returned; dial failures reach the connection handler's
// OnConnectionProblem and leave the connection unbound.
func (c *Connection) Connect(host string, port int, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.cfg.ConnectTimeout
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	return c.dial(context.Background(), c.tcpDialer(timeout), addr, timeout, timeout)
}

// DialContext is Connect for any Dialer. The dial is bounded by ctx and
// ConnectTimeout; reads use ClientTimeout.
func (c *Connection) DialContext(ctx context.Context, d nibblenet.Dialer, addr string) error {
	return c.dial(ctx, d, addr, c.cfg.ConnectTimeout, c.cfg.ClientTimeout)
}

func (c *Connection) dial(ctx context.Context, d nibblenet.Dialer, addr string, dialTimeout, readTimeout time.Duration) error {
	if c.handler == nil {
		return nibblenet.ErrNoConnectionHandler
	}
	if !c.state.CompareAndSwap(stateUnbound, stateConnecting) {
		return c.stateError()
	}

	go func() {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()

		c.log.Debug("dialing", zap.String("addr", addr))
		t, err := d.Dial(dialCtx, addr)
		if err != nil {
			c.state.Store(stateUnbound)
			c.log.Debug("dial failed", zap.String("addr", addr), zap.Error(err))
			c.handler.OnConnectionProblem(c, err)
			return
		}
		c.establish(t, nibblenet.RoleClient, readTimeout)
	}()
	return nil
}

// Attach binds an already open transport as an outbound connection and
// hands the connection to its processor, synchronously.
func (c *Connection) Attach(t nibblenet.Transport) error {
	if c.handler == nil {
		return nibblenet.ErrNoConnectionHandler
	}
	if !c.state.CompareAndSwap(stateUnbound, stateConnecting) {
		return c.stateError()
	}
	return c.establish(t, nibblenet.RoleClient, c.cfg.ClientTimeout)
}

// establish runs the bind → Init → processor → OnConnect sequence. Failures
// after binding are reported and tear the connection down.
func (c *Connection) establish(t nibblenet.Transport, role nibblenet.Role, readTimeout time.Duration) error {
	c.bind(t, role, readTimeout)

	if err := c.initiate(); err != nil {
		c.fail(err)
		return err
	}
	if err := c.SetProcessor(c.Processor()); err != nil {
		c.fail(err)
		return err
	}
	c.log.Debug("connected", zap.String("remote_addr", c.RemoteAddr()), zap.Stringer("role", c.Role()))
	c.handler.OnConnect(c)
	return nil
}

// bind attaches the transport and marks the connection connected. Both
// heartbeat timestamps start at the moment of binding.
func (c *Connection) bind(t nibblenet.Transport, role nibblenet.Role, readTimeout time.Duration) {
	c.role.Store(int32(role))

	c.ioMu.Lock()
	c.transport = t
	c.in = wire.NewReader(wire.NewInbox(t, c.cfg.MaxBuffered), readTimeout)
	c.out = wire.NewWriter(t, c.cfg.WriteTimeout)
	c.ioMu.Unlock()

	now := c.now().UnixNano()
	c.lastRecv.Store(now)
	c.lastSent.Store(now)
	c.state.Store(stateConnected)
}

func (c *Connection) initiate() error {
	if c.initiated.Load() {
		return nil
	}
	if err := c.lifecycle.Init(c); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	c.initiated.Store(true)
	return nil
}

// SetProcessor moves the connection to p.
//
// When the connection leaves another processor, its unread input is
// discarded first: p may map protocol ids to different handlers. The move
// holds the connection lock, then both processors' locks in ascending id
// order, so it never overlaps a tick of either processor on this connection.
// p's Welcome hook runs before p's first tick on the connection.
func (c *Connection) SetProcessor(p *Processor) error {
	if p == nil {
		return nibblenet.ErrNoProcessor
	}
	if !c.IsConnected() {
		return fmt.Errorf("%w: %s", nibblenet.ErrNotConnected, c.id)
	}

	c.ready.Store(false)
	c.mu.Lock()
	defer c.mu.Unlock()

	added, err := c.reassign(p)
	if err != nil {
		// A refused move leaves the connection where it was.
		c.ready.Store(c.Processor().HasConnection(c))
		return err
	}
	if added {
		if err := p.policy.Welcome(c); err != nil {
			return fmt.Errorf("welcome: %w", err)
		}
	}
	c.ready.Store(true)
	return nil
}

// reassign performs the detach-then-attach step. c.mu must be held.
func (c *Connection) reassign(target *Processor) (added bool, err error) {
	old := c.processor.Load()
	unlock := lockPair(old, target)
	defer unlock()

	if target.slots.has(c) {
		c.processor.Store(target)
		target.startLocked()
		return false, nil
	}
	if err := target.admitLocked(c); err != nil {
		return false, err
	}

	if old != target && old.slots.has(c) {
		if dropped := c.discardInput(); dropped > 0 {
			c.log.Debug("discarded unread input on move",
				zap.Int("bytes", dropped),
				zap.Uint64("from_processor", old.id),
				zap.Uint64("to_processor", target.id))
		}
		old.slots.remove(c)
		old.stopIfIdleLocked()
	}

	target.slots.add(c)
	c.processor.Store(target)
	target.startLocked()
	return true, nil
}

// Disconnect tears the connection down: PriorDisconnection, then
// OnDisconnect, then the transport is closed and the context cancelled.
// Accepted connections also leave their server's registry. The owning
// processor drops the connection on its next tick. Only the first call has
// an effect; later calls return nibblenet.ErrNotConnected.
func (c *Connection) Disconnect() error {
	if !c.IsConnected() || !c.closing.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", nibblenet.ErrNotConnected, c.id)
	}

	c.lifecycle.PriorDisconnection(c)
	if c.handler != nil {
		c.handler.OnDisconnect(c)
	}
	c.state.Store(stateDisconnected)
	c.cancel()

	c.ioMu.RLock()
	t, in, out := c.transport, c.in, c.out
	c.ioMu.RUnlock()
	in.Close()
	err := t.Close()
	out.Close()
	c.log.Debug("disconnected")

	if s := c.server.Load(); s != nil {
		s.RemoveConnection(c)
	}
	return err
}

// maintain runs the heartbeat step of a tick.
func (c *Connection) maintain() error {
	if !c.IsConnected() {
		return fmt.Errorf("%w: %s", nibblenet.ErrNotConnected, c.id)
	}

	now := c.now()
	if now.Sub(c.LastReceivedHeartbeat()) > c.cfg.HeartbeatTimeout {
		c.log.Info("heartbeat timeout", zap.Time("last_received", c.LastReceivedHeartbeat()))
		c.Disconnect()
		return nil
	}
	if now.Sub(c.LastSentHeartbeat()) > c.cfg.HeartbeatInterval {
		if err := c.Emit(pingFrame{}); err != nil {
			return fmt.Errorf("send heartbeat: %w", err)
		}
		c.lastSent.Store(c.now().UnixNano())
	}
	return nil
}

func (c *Connection) recordHeartbeat() {
	c.lastRecv.Store(c.now().UnixNano())
}

// allowFrame consumes one token of the inbound rate limit.
func (c *Connection) allowFrame() bool {
	return c.limiter == nil || c.limiter.Allow()
}

func (c *Connection) discardInput() int {
	c.ioMu.RLock()
	in := c.in
	c.ioMu.RUnlock()
	if in == nil {
		return 0
	}
	return in.Discard()
}

func (c *Connection) reader() (*wire.Reader, error) {
	in, _, err := c.streams()
	return in, err
}

func (c *Connection) streams() (*wire.Reader, *wire.Writer, error) {
	if !c.IsConnected() {
		return nil, nil, fmt.Errorf("%w: %s", nibblenet.ErrNotConnected, c.id)
	}
	c.ioMu.RLock()
	defer c.ioMu.RUnlock()
	return c.in, c.out, nil
}

// problem reports err to the connection handler.
func (c *Connection) problem(err error) {
	c.log.Debug("connection problem", zap.Error(err))
	if c.handler != nil {
		c.handler.OnConnectionProblem(c, err)
	}
}

// fail reports err and disconnects.
func (c *Connection) fail(err error) {
	c.problem(err)
	c.Disconnect()
}

func (c *Connection) stateError() error {
	switch c.state.Load() {
	case stateDisconnected:
		return fmt.Errorf("%w: %s is closed", nibblenet.ErrNotConnected, c.id)
	default:
		return fmt.Errorf("%w: %s", nibblenet.ErrAlreadyConnected, c.id)
	}
}

// lockPair locks a and b in ascending id order and returns the unlock func.
func lockPair(a, b *Processor) func() {
	if a == b {
		a.mu.Lock()
		return a.mu.Unlock
	}
	first, second := a, b
	if second.id < first.id {
		first, second = second, first
	}
	first.mu.Lock()
	second.mu.Lock()
	return func() {
		second.mu.Unlock()
		first.mu.Unlock()
	}
}
