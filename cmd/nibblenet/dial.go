package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/luciancaetano/nibblenet/nibble"
)

const replyTimeout = 5 * time.Second

func dialCmd(c *cli.Context) error {
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

	replies := make(chan string, 1)
	p, err := nibble.NewSingleProcessor(c.Context, nil,
		nibble.WithProcessorConfig(cfg.EngineConfig()), nibble.WithProcessorLogger(log))
	if err != nil {
		return err
	}
	err = p.Register(nibble.HandlerFunc(cmdEcho, func(_ nibble.Conn, in nibble.InputStream) error {
		msg, err := in.ReadString()
		if err != nil {
			return err
		}
		select {
		case replies <- msg:
		default:
		}
		return nil
	}))
	if err != nil {
		return err
	}

	events := newDialEvents()
	conn, err := nibble.NewConnection(p, nibble.WithConnectionHandler(events))
	if err != nil {
		return err
	}

	var dialer nibble.Dialer = nibble.TCPDialer{Timeout: cfg.Engine.ConnectTimeout}
	if cfg.Server.Transport == transportWebSocket {
		dialer = nibble.WebSocketDialer{Path: cfg.Server.Path, HandshakeTimeout: cfg.Engine.ConnectTimeout}
	}
	ctx, cancel := context.WithTimeout(c.Context, replyTimeout)
	defer cancel()
	if err := conn.DialContext(ctx, dialer, cfg.Server.Addr); err != nil {
		return err
	}

	select {
	case <-events.connected:
	case err := <-events.problems:
		return fmt.Errorf("dial %s: %w", cfg.Server.Addr, err)
	case <-ctx.Done():
		return ctx.Err()
	}
	defer conn.Disconnect()

	message := c.String("message")
	err = conn.Send(cmdEcho, func(out nibble.OutputStream) error {
		return out.WriteString(message)
	})
	if err != nil {
		return err
	}

	select {
	case reply := <-replies:
		fmt.Println(reply)
		return nil
	case err := <-events.problems:
		return err
	case <-ctx.Done():
		return fmt.Errorf("no reply from %s: %w", cfg.Server.Addr, ctx.Err())
	}
}

// dialEvents turns connection callbacks into channel events.
type dialEvents struct {
	connected chan struct{}
	problems  chan error
}

func newDialEvents() *dialEvents {
	return &dialEvents{
		connected: make(chan struct{}, 1),
		problems:  make(chan error, 1),
	}
}

func (e *dialEvents) OnConnect(nibble.Conn) {
	select {
	case e.connected <- struct{}{}:
	default:
	}
}

func (e *dialEvents) OnConnectionProblem(_ nibble.Conn, err error) {
	select {
	case e.problems <- err:
	default:
	}
}

func (e *dialEvents) OnDisconnect(nibble.Conn) {}
