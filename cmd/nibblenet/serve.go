package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/luciancaetano/nibblenet/nibble"
)

// Protocol ids spoken by the demo server.
const (
	cmdEcho = 1
	cmdSay  = 2
)

const roomKind = "room"

func serveCmd(c *cli.Context) error {
	cfg, err := LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	cfg.applyFlags(c)

	log, err := newLogger(cfg.Log.Development)
	if err != nil {
		return err
	}
	defer log.Sync()

	engineCfg := cfg.EngineConfig()
	srv := nibble.NewServer(nil, nibble.WithServerConfig(engineCfg), nibble.WithServerLogger(log))
	ctx := nibble.ContextWithServer(c.Context, srv)

	factory := nibble.NewFactory()
	err = factory.Register(roomKind, func(ctx context.Context) (*nibble.Processor, error) {
		return nibble.NewSharedProcessor(ctx, roomPolicy{CapacityPolicy: nibble.CapacityPolicy{Max: cfg.Server.Capacity}},
			nibble.WithProcessorConfig(engineCfg), nibble.WithProcessorLogger(log))
	})
	if err != nil {
		return err
	}
	srv.SetHandler(newLobby(ctx, factory, cfg.Server.Capacity, log))

	l, err := listen(cfg)
	if err != nil {
		return err
	}
	if err := srv.ListenOn(l); err != nil {
		l.Close()
		return err
	}

	sig, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sig.Done()

	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdown)
}

func listen(cfg *Config) (nibble.Listener, error) {
	switch cfg.Server.Transport {
	case transportTCP:
		return nibble.ListenTCP(cfg.Server.Addr)
	case transportWebSocket:
		return nibble.ListenWebSocket(cfg.Server.Addr, cfg.Server.Path, nibble.AllOrigins())
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Server.Transport)
	}
}

// roomPolicy echoes id 1 frames to the sender and relays id 2 frames to
// everyone in the same room.
type roomPolicy struct {
	nibble.CapacityPolicy
}

func (roomPolicy) Setup(p *nibble.Processor) error {
	echo := nibble.HandlerFunc(cmdEcho, func(conn nibble.Conn, in nibble.InputStream) error {
		msg, err := in.ReadString()
		if err != nil {
			return err
		}
		return conn.Send(cmdEcho, func(out nibble.OutputStream) error {
			return out.WriteString(msg)
		})
	})
	say := nibble.HandlerFunc(cmdSay, func(conn nibble.Conn, in nibble.InputStream) error {
		msg, err := in.ReadString()
		if err != nil {
			return err
		}
		members := p.Connections()
		targets := make([]nibble.Conn, 0, len(members))
		for _, m := range members {
			targets = append(targets, m)
		}
		packet := nibble.Packet{ID: cmdSay, Body: func(out nibble.OutputStream) error {
			return out.WriteString(msg)
		}}
		return packet.SendTo(targets...)
	})
	if err := p.Register(echo); err != nil {
		return err
	}
	return p.Register(say)
}

// lobby places accepted peers into rooms, opening a new room when every
// existing one is full.
type lobby struct {
	ctx      context.Context
	factory  *nibble.Factory
	capacity int
	log      *zap.Logger

	mu    sync.Mutex
	rooms []*nibble.Processor
}

func newLobby(ctx context.Context, factory *nibble.Factory, capacity int, log *zap.Logger) *lobby {
	return &lobby{ctx: ctx, factory: factory, capacity: capacity, log: log}
}

func (l *lobby) Accept(nibble.Transport) (*nibble.Connection, error) {
	room, err := l.room()
	if err != nil {
		return nil, err
	}
	return nibble.NewConnection(room)
}

func (l *lobby) room() (*nibble.Processor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.rooms {
		if l.capacity <= 0 || r.Len() < l.capacity {
			return r, nil
		}
	}
	r, err := l.factory.New(l.ctx, roomKind)
	if err != nil {
		return nil, err
	}
	l.rooms = append(l.rooms, r)
	l.log.Info("room opened", zap.Uint64("processor_id", r.ID()), zap.Int("rooms", len(l.rooms)))
	return r, nil
}

func (l *lobby) OnConnect(conn nibble.Conn) {
	l.log.Info("peer joined", zap.String("conn_id", conn.ID()), zap.String("remote_addr", conn.RemoteAddr()))
}

func (l *lobby) OnConnectionProblem(conn nibble.Conn, err error) {
	if conn == nil {
		l.log.Warn("accept problem", zap.Error(err))
		return
	}
	l.log.Warn("connection problem", zap.String("conn_id", conn.ID()), zap.Error(err))
}

func (l *lobby) OnDisconnect(conn nibble.Conn) {
	l.log.Info("peer left", zap.String("conn_id", conn.ID()))
}
