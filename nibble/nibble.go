// Package nibble is the public entry point of nibblenet. It re-exports the
// engine types and wraps the constructors that read the default server
// from a context.
package nibble

import (
	"context"

	"go.uber.org/zap"

	"github.com/luciancaetano/nibblenet"
	"github.com/luciancaetano/nibblenet/internal/engine"
	"github.com/luciancaetano/nibblenet/internal/transport"
)

type (
	Conn              = nibblenet.Conn
	InputStream       = nibblenet.InputStream
	OutputStream      = nibblenet.OutputStream
	InputHandler      = nibblenet.InputHandler
	OutputHandler     = nibblenet.OutputHandler
	ConnectionHandler = nibblenet.ConnectionHandler
	Transport         = nibblenet.Transport
	Listener          = nibblenet.Listener
	Dialer            = nibblenet.Dialer
	Role              = nibblenet.Role
	HandlerFlag       = nibblenet.HandlerFlag

	Connection       = engine.Connection
	ConnectionOption = engine.ConnectionOption
	Lifecycle        = engine.Lifecycle
	NopLifecycle     = engine.NopLifecycle

	Processor       = engine.Processor
	ProcessorOption = engine.ProcessorOption
	Kind            = engine.Kind
	Policy          = engine.Policy
	BasePolicy      = engine.BasePolicy
	CapacityPolicy  = engine.CapacityPolicy

	Server        = engine.Server
	ServerHandler = engine.ServerHandler
	ServerOption  = engine.ServerOption

	Factory     = engine.Factory
	Constructor = engine.Constructor

	Config          = engine.Config
	RateLimitConfig = engine.RateLimitConfig

	CheckOriginFn   = transport.CheckOriginFn
	TCPDialer       = transport.TCPDialer
	WebSocketDialer = transport.WebSocketDialer
)

const (
	RoleClient = nibblenet.RoleClient
	RoleServer = nibblenet.RoleServer

	FlagBlocking  = nibblenet.FlagBlocking
	FlagFrameless = nibblenet.FlagFrameless

	KindSingle = engine.KindSingle
	KindShared = engine.KindShared

	DefaultWebSocketPath = transport.DefaultWebSocketPath
)

// Processors.

// NewSingleProcessor creates a processor for one connection. When ctx
// carries a server (see ContextWithServer) the processor is linked to it
// unless opts link another one.
func NewSingleProcessor(ctx context.Context, policy Policy, opts ...ProcessorOption) (*Processor, error) {
	return engine.NewSingleProcessor(policy, withContextServer(ctx, opts)...)
}

// NewSharedProcessor creates a processor for any number of connections,
// linked to the server carried by ctx like NewSingleProcessor.
func NewSharedProcessor(ctx context.Context, policy Policy, opts ...ProcessorOption) (*Processor, error) {
	return engine.NewSharedProcessor(policy, withContextServer(ctx, opts)...)
}

func withContextServer(ctx context.Context, opts []ProcessorOption) []ProcessorOption {
	s := engine.ServerFromContext(ctx)
	if s == nil {
		return opts
	}
	return append([]ProcessorOption{engine.WithServer(s)}, opts...)
}

func WithServer(s *Server) ProcessorOption              { return engine.WithServer(s) }
func WithProcessorConfig(cfg *Config) ProcessorOption   { return engine.WithProcessorConfig(cfg) }
func WithProcessorLogger(l *zap.Logger) ProcessorOption { return engine.WithProcessorLogger(l) }

// NewFactory returns an empty processor factory.
func NewFactory() *Factory {
	return engine.NewFactory()
}

// Connections.

// NewConnection creates an unbound connection designated to p.
func NewConnection(p *Processor, opts ...ConnectionOption) (*Connection, error) {
	return engine.NewConnection(p, opts...)
}

func WithConnectionHandler(h ConnectionHandler) ConnectionOption {
	return engine.WithConnectionHandler(h)
}

func WithLifecycle(l Lifecycle) ConnectionOption {
	return engine.WithLifecycle(l)
}

func WithConnectionConfig(cfg *Config) ConnectionOption {
	return engine.WithConnectionConfig(cfg)
}

func WithConnectionLogger(l *zap.Logger) ConnectionOption {
	return engine.WithConnectionLogger(l)
}

// Servers.

// NewServer creates a server. Set a handler before listening.
func NewServer(handler ServerHandler, opts ...ServerOption) *Server {
	return engine.NewServer(handler, opts...)
}

func WithServerConfig(cfg *Config) ServerOption {
	return engine.WithServerConfig(cfg)
}

func WithServerLogger(l *zap.Logger) ServerOption {
	return engine.WithServerLogger(l)
}

// ContextWithServer stores s as the default server of processors built
// from the returned context.
func ContextWithServer(ctx context.Context, s *Server) context.Context {
	return engine.ContextWithServer(ctx, s)
}

// ServerFromContext returns the server stored by ContextWithServer, or nil.
func ServerFromContext(ctx context.Context) *Server {
	return engine.ServerFromContext(ctx)
}

// Handlers.

// HandlerFunc adapts fn into an input handler for protocol id.
func HandlerFunc(id int, fn func(conn Conn, in InputStream) error, flags ...HandlerFlag) InputHandler {
	return engine.HandlerFunc(id, fn, flags...)
}

// OutputFunc adapts fn into an output handler for protocol id.
func OutputFunc(id int, fn func(out OutputStream) error) OutputHandler {
	return engine.OutputFunc(id, fn)
}

// Configuration.

// DefaultConfig returns the stock timings.
func DefaultConfig() *Config {
	return engine.DefaultConfig()
}

// DefaultRateLimitConfig allows 100 frames per second with a burst of 200.
func DefaultRateLimitConfig() *RateLimitConfig {
	return engine.DefaultRateLimitConfig()
}

// NoRateLimit disables inbound rate limiting.
func NoRateLimit() *RateLimitConfig {
	return engine.NoRateLimit()
}

// Transports.

// ListenTCP binds a TCP listener for Server.ListenOn.
func ListenTCP(addr string) (Listener, error) {
	l, err := transport.ListenTCP(addr)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// ListenWebSocket binds a WebSocket listener upgrading requests on path.
// Browsers reach it with binary messages, one frame per message.
func ListenWebSocket(addr, path string, checkOrigin CheckOriginFn) (Listener, error) {
	l, err := transport.ListenWebSocket(addr, path, checkOrigin)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// AllOrigins allows every WebSocket origin. Use it for development only.
func AllOrigins() CheckOriginFn {
	return transport.AllOrigins()
}
