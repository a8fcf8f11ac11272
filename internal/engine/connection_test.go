package engine

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/nibblenet"
	"github.com/luciancaetano/nibblenet/internal/transport"
)

func TestNewConnectionRequiresProcessor(t *testing.T) {
	t.Parallel()

	c, err := NewConnection(nil)
	assert.ErrorIs(t, err, nibblenet.ErrNoProcessor)
	assert.Nil(t, c)
}

func TestConnectionIDsAreUnique(t *testing.T) {
	t.Parallel()

	p, err := NewSharedProcessor(nil)
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		c, err := NewConnection(p)
		require.NoError(t, err)
		require.False(t, seen[c.ID()], "duplicate id %s", c.ID())
		seen[c.ID()] = true
	}
}

func TestHeartbeatSend(t *testing.T) {
	t.Parallel()

	clk := newClock()
	p, err := NewSharedProcessor(nil)
	require.NoError(t, err)
	c, pr := bound(t, p, &recorder{}, WithClock(clk.Now))

	start := clk.Now()
	assert.Equal(t, start, c.LastSentHeartbeat())
	assert.Equal(t, start, c.LastReceivedHeartbeat())

	// Within the interval nothing is sent.
	clk.advance(400 * time.Millisecond)
	require.NoError(t, c.maintain())
	time.Sleep(20 * time.Millisecond)
	assert.False(t, pr.in.HasInput())

	clk.advance(200 * time.Millisecond)
	require.NoError(t, c.maintain())
	id, err := pr.in.Read8()
	require.NoError(t, err)
	assert.Equal(t, uint8(nibblenet.PingProtocolID), id)
	assert.Equal(t, start.Add(600*time.Millisecond), c.LastSentHeartbeat())

	// The timestamp moved, so a second call in the same instant is silent.
	require.NoError(t, c.maintain())
	time.Sleep(20 * time.Millisecond)
	assert.False(t, pr.in.HasInput())
	assert.True(t, c.IsConnected())
}

func TestHeartbeatTimeout(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		silence   time.Duration
		connected bool
	}{
		{name: "at limit", silence: 3000 * time.Millisecond, connected: true},
		{name: "past limit", silence: 3001 * time.Millisecond, connected: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			clk := newClock()
			rec := &recorder{}
			p, err := NewSharedProcessor(nil)
			require.NoError(t, err)
			c, _ := bound(t, p, rec, WithClock(clk.Now))

			clk.advance(tt.silence)
			require.NoError(t, c.maintain())
			assert.Equal(t, tt.connected, c.IsConnected())

			_, disconnects := rec.counts()
			if tt.connected {
				assert.Zero(t, disconnects)
			} else {
				assert.Equal(t, 1, disconnects)
			}
		})
	}
}

func TestPingRefreshesHeartbeat(t *testing.T) {
	t.Parallel()

	clk := newClock()
	p, err := NewSharedProcessor(nil)
	require.NoError(t, err)
	c, _ := bound(t, p, &recorder{}, WithClock(clk.Now))

	clk.advance(2 * time.Second)
	require.NoError(t, pingHandler{}.HandleInput(c, nil))
	assert.Equal(t, clk.Now(), c.LastReceivedHeartbeat())

	// Four seconds since binding but only two since the ping.
	clk.advance(2 * time.Second)
	require.NoError(t, c.maintain())
	assert.True(t, c.IsConnected())
}

type orderLifecycle struct {
	mu    sync.Mutex
	calls []string
}

func (l *orderLifecycle) Init(*Connection) error {
	l.add("init")
	return nil
}

func (l *orderLifecycle) PriorDisconnection(c *Connection) {
	l.add("prior")
	// The transport is still usable here.
	c.Send(9, func(out nibblenet.OutputStream) error {
		return out.WriteString("bye")
	})
}

func (l *orderLifecycle) OnConnect(nibblenet.Conn) { l.add("connect") }

func (l *orderLifecycle) OnConnectionProblem(nibblenet.Conn, error) { l.add("problem") }

func (l *orderLifecycle) OnDisconnect(nibblenet.Conn) { l.add("disconnect") }

func (l *orderLifecycle) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *orderLifecycle) order() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func TestDisconnectSequence(t *testing.T) {
	t.Parallel()

	p, err := NewSharedProcessor(nil, WithProcessorConfig(quietConfig()))
	require.NoError(t, err)

	hooks := &orderLifecycle{}
	local, remote := net.Pipe()
	defer remote.Close()
	pr := newPeer(remote)

	c, err := NewConnection(p, WithConnectionHandler(hooks), WithLifecycle(hooks))
	require.NoError(t, err)
	require.NoError(t, c.Attach(local))
	assert.True(t, c.Initiated())
	assert.True(t, c.Ready())
	assert.Equal(t, nibblenet.RoleClient, c.Role())
	assert.NotEmpty(t, c.RemoteAddr())

	require.NoError(t, c.Disconnect())
	assert.Equal(t, []string{"init", "connect", "prior", "disconnect"}, hooks.order())

	assert.Equal(t, 9, pr.nextFrame(t))
	assert.Equal(t, "bye", pr.readString(t))

	assert.False(t, c.IsConnected())
	assert.ErrorIs(t, c.Context().Err(), context.Canceled)
	assert.ErrorIs(t, c.Disconnect(), nibblenet.ErrNotConnected)
	assert.ErrorIs(t, c.Send(1, nil), nibblenet.ErrNotConnected)
	_, err = c.Input()
	assert.ErrorIs(t, err, nibblenet.ErrNotConnected)
	_, err = c.Output()
	assert.ErrorIs(t, err, nibblenet.ErrNotConnected)
	assert.ErrorIs(t, c.Attach(local), nibblenet.ErrNotConnected)

	// The hooks ran exactly once.
	assert.Equal(t, []string{"init", "connect", "prior", "disconnect"}, hooks.order())

	assert.Eventually(t, func() bool { return p.Len() == 0 && !p.Running() }, time.Second, 5*time.Millisecond)
}

func TestConcurrentDisconnectRunsOnce(t *testing.T) {
	t.Parallel()

	p, err := NewSharedProcessor(nil)
	require.NoError(t, err)
	rec := &recorder{}
	c, _ := attach(t, p, rec)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Disconnect()
		}()
	}
	wg.Wait()

	_, disconnects := rec.counts()
	assert.Equal(t, 1, disconnects)
}

type failingInit struct {
	NopLifecycle
}

var errInitFailed = errors.New("no session")

func (failingInit) Init(*Connection) error { return errInitFailed }

func TestInitFailureDisconnects(t *testing.T) {
	t.Parallel()

	p, err := NewSharedProcessor(nil)
	require.NoError(t, err)
	rec := &recorder{}
	local, remote := net.Pipe()
	defer remote.Close()

	c, err := NewConnection(p, WithConnectionHandler(rec), WithLifecycle(failingInit{}))
	require.NoError(t, err)
	assert.Error(t, c.Attach(local))
	assert.False(t, c.IsConnected())
	assert.False(t, c.Initiated())
	assert.False(t, p.HasConnection(c))

	connects, disconnects := rec.counts()
	assert.Zero(t, connects)
	assert.Equal(t, 1, disconnects)
	assert.True(t, rec.hasProblem(errInitFailed))
}

func TestSendAbortsFrameOnBodyError(t *testing.T) {
	t.Parallel()

	p, err := NewSharedProcessor(nil)
	require.NoError(t, err)
	c, pr := bound(t, p, &recorder{})

	boom := errors.New("boom")
	err = c.Send(3, func(out nibblenet.OutputStream) error {
		if err := out.Write16(7); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	// The aborted frame left nothing behind and the writer is usable.
	require.NoError(t, c.Send(4, func(out nibblenet.OutputStream) error {
		return out.Write8(42)
	}))
	assert.Equal(t, 4, pr.nextFrame(t))
	v, err := pr.in.Read8()
	require.NoError(t, err)
	assert.Equal(t, uint8(42), v)
}

func TestEmitOutputHandler(t *testing.T) {
	t.Parallel()

	p, err := NewSharedProcessor(nil)
	require.NoError(t, err)
	c, pr := bound(t, p, &recorder{})

	require.NoError(t, c.Emit(OutputFunc(12, func(out nibblenet.OutputStream) error {
		return out.Write32(0xDEADBEEF)
	})))
	assert.Equal(t, 12, pr.nextFrame(t))
	v, err := pr.in.Read32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), v)
}

func TestConnectRequiresHandler(t *testing.T) {
	t.Parallel()

	p, err := NewSharedProcessor(nil)
	require.NoError(t, err)
	c, err := NewConnection(p)
	require.NoError(t, err)

	assert.ErrorIs(t, c.Connect("127.0.0.1", 1, time.Second), nibblenet.ErrNoConnectionHandler)
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()
	assert.ErrorIs(t, c.Attach(local), nibblenet.ErrNoConnectionHandler)
}

func TestConnectFailureLeavesConnectionUnbound(t *testing.T) {
	t.Parallel()

	// Reserve a port, then free it so nothing is listening.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	p, err := NewSharedProcessor(nil)
	require.NoError(t, err)
	rec := &recorder{}
	c, err := NewConnection(p, WithConnectionHandler(rec))
	require.NoError(t, err)

	require.NoError(t, c.Connect("127.0.0.1", port, time.Second))
	assert.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.problems) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.False(t, c.IsConnected())
	assert.Zero(t, p.Len())
	connects, disconnects := rec.counts()
	assert.Zero(t, connects)
	assert.Zero(t, disconnects)

	// Unbound again, so another attempt is accepted.
	require.NoError(t, c.Connect("127.0.0.1", port, time.Second))
	assert.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.problems) == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConnectOverTCP(t *testing.T) {
	t.Parallel()

	l, err := transport.ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	accepted := make(chan nibblenet.Transport, 1)
	go func() {
		tr, err := l.Accept()
		if err == nil {
			accepted <- tr
		}
	}()

	p, err := NewSingleProcessor(echoPolicy{}, WithProcessorConfig(quietConfig()))
	require.NoError(t, err)
	rec := &recorder{}
	c, err := NewConnection(p, WithConnectionHandler(rec))
	require.NoError(t, err)
	defer c.Disconnect()

	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, c.Connect("127.0.0.1", port, time.Second))
	assert.ErrorIs(t, c.Connect("127.0.0.1", port, time.Second), nibblenet.ErrAlreadyConnected)

	var remote nibblenet.Transport
	select {
	case remote = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound connection")
	}
	defer remote.Close()

	assert.Eventually(t, func() bool {
		connects, _ := rec.counts()
		return connects == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, c.IsConnected())
	assert.True(t, c.Initiated())
	assert.Equal(t, nibblenet.RoleClient, c.Role())
	assert.True(t, p.HasConnection(c))
	assert.True(t, p.Running())

	// The remote end talks to the processor through the echo handler.
	pr := newPeer(remote.(net.Conn))
	pr.sendString(t, 1, "über")
	assert.Equal(t, 1, pr.nextFrame(t))
	assert.Equal(t, "über", pr.readString(t))
}

func TestConnectionData(t *testing.T) {
	t.Parallel()

	p, err := NewSharedProcessor(nil)
	require.NoError(t, err)
	c, err := NewConnection(p)
	require.NoError(t, err)

	assert.Nil(t, c.Data())
	c.SetData("player-7")
	assert.Equal(t, "player-7", c.Data())
	assert.Empty(t, c.RemoteAddr())
	assert.False(t, c.IsConnected())
	assert.Same(t, p, c.Processor())
	assert.Nil(t, c.Server())
}

var errNoRoute = errors.New("no route")

// deadlineDialer records the deadline of every dial and fails it.
type deadlineDialer struct {
	deadlines chan time.Duration
}

func (d deadlineDialer) Dial(ctx context.Context, _ string) (nibblenet.Transport, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		d.deadlines <- 0
	} else {
		d.deadlines <- time.Until(deadline)
	}
	return nil, errNoRoute
}

func TestDialHonoursTimeout(t *testing.T) {
	t.Parallel()

	cfg := quietConfig()
	cfg.ConnectTimeout = 200 * time.Millisecond

	tests := []struct {
		name    string
		dial    func(c *Connection, d deadlineDialer) error
		atLeast time.Duration
		atMost  time.Duration
	}{
		{
			name: "connect uses its timeout argument",
			dial: func(c *Connection, d deadlineDialer) error {
				c.tcpDialer = func(time.Duration) nibblenet.Dialer { return d }
				return c.Connect("127.0.0.1", 1, 4*time.Second)
			},
			atLeast: 3 * time.Second,
			atMost:  4 * time.Second,
		},
		{
			name: "dial context uses ConnectTimeout",
			dial: func(c *Connection, d deadlineDialer) error {
				return c.DialContext(context.Background(), d, "127.0.0.1:1")
			},
			atLeast: 0,
			atMost:  cfg.ConnectTimeout,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p, err := NewSharedProcessor(nil, WithProcessorConfig(cfg))
			require.NoError(t, err)
			rec := &recorder{}
			c, err := NewConnection(p, WithConnectionHandler(rec))
			require.NoError(t, err)

			d := deadlineDialer{deadlines: make(chan time.Duration, 1)}
			require.NoError(t, tt.dial(c, d))

			select {
			case left := <-d.deadlines:
				assert.Greater(t, left, tt.atLeast)
				assert.LessOrEqual(t, left, tt.atMost)
			case <-time.After(2 * time.Second):
				t.Fatal("dialer was not called")
			}
			assert.Eventually(t, func() bool { return rec.hasProblem(errNoRoute) }, time.Second, 5*time.Millisecond)
		})
	}
}
