package engine

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/nibblenet"
	"github.com/luciancaetano/nibblenet/internal/wire"
)

// recorder is a ServerHandler that records every callback.
type recorder struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	problems    []error
	accept      func(t nibblenet.Transport) (*Connection, error)
}

func (r *recorder) OnConnect(nibblenet.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects++
}

func (r *recorder) OnConnectionProblem(_ nibblenet.Conn, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.problems = append(r.problems, err)
}

func (r *recorder) OnDisconnect(nibblenet.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects++
}

func (r *recorder) Accept(t nibblenet.Transport) (*Connection, error) {
	return r.accept(t)
}

func (r *recorder) counts() (connects, disconnects int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects, r.disconnects
}

func (r *recorder) hasProblem(target error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, err := range r.problems {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Unix(1_700_000_000, 0)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// peer is the far end of a connection, speaking the wire codec directly.
type peer struct {
	conn net.Conn
	in   *wire.Reader
	out  *wire.Writer
}

func newPeer(conn net.Conn) *peer {
	return &peer{
		conn: conn,
		in:   wire.NewReader(wire.NewInbox(conn, 0), 2*time.Second),
		out:  wire.NewWriter(conn, 2*time.Second),
	}
}

func (p *peer) sendString(t *testing.T, id int, s string) {
	t.Helper()
	require.NoError(t, p.out.CreateFrame(id))
	require.NoError(t, p.out.WriteString(s))
	require.NoError(t, p.out.FinishFrame())
}

func (p *peer) sendEmpty(t *testing.T, id int) {
	t.Helper()
	require.NoError(t, p.out.CreateFrame(id))
	require.NoError(t, p.out.FinishFrame())
}

// nextFrame returns the next protocol id that is not a ping.
func (p *peer) nextFrame(t *testing.T) int {
	t.Helper()
	for {
		id, err := p.in.Read8()
		require.NoError(t, err)
		if id != nibblenet.PingProtocolID {
			return int(id)
		}
	}
}

func (p *peer) readString(t *testing.T) string {
	t.Helper()
	s, err := p.in.ReadString()
	require.NoError(t, err)
	return s
}

// quietConfig disables rate limiting and keeps the stock timings.
func quietConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimit = NoRateLimit()
	return cfg
}

// attach creates a connection designated to p, attaches one end of a pipe
// and returns the other end as a peer.
func attach(t *testing.T, p *Processor, rec *recorder, opts ...ConnectionOption) (*Connection, *peer) {
	t.Helper()
	local, remote := net.Pipe()
	opts = append([]ConnectionOption{WithConnectionHandler(rec)}, opts...)
	c, err := NewConnection(p, opts...)
	require.NoError(t, err)
	pr := newPeer(remote)
	require.NoError(t, c.Attach(local))
	t.Cleanup(func() {
		c.Disconnect()
		remote.Close()
	})
	return c, pr
}

// bound creates a connected connection that no processor owns yet.
func bound(t *testing.T, p *Processor, rec *recorder, opts ...ConnectionOption) (*Connection, *peer) {
	t.Helper()
	local, remote := net.Pipe()
	opts = append([]ConnectionOption{WithConnectionHandler(rec)}, opts...)
	c, err := NewConnection(p, opts...)
	require.NoError(t, err)
	pr := newPeer(remote)
	c.bind(local, nibblenet.RoleClient, time.Second)
	t.Cleanup(func() {
		c.Disconnect()
		remote.Close()
	})
	return c, pr
}

// echoPolicy registers an echo handler on id 1.
type echoPolicy struct {
	BasePolicy
}

func (echoPolicy) Setup(p *Processor) error {
	return p.Register(HandlerFunc(1, func(conn nibblenet.Conn, in nibblenet.InputStream) error {
		msg, err := in.ReadString()
		if err != nil {
			return err
		}
		return conn.Send(1, func(out nibblenet.OutputStream) error {
			return out.WriteString(msg)
		})
	}))
}
