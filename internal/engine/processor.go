package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/luciancaetano/nibblenet"
)

// Kind names the processor topology.
type Kind int

const (
	// KindSingle processors own at most one connection.
	KindSingle Kind = iota
	// KindShared processors own any number of connections and tick them in
	// insertion order.
	KindShared
)

func (k Kind) String() string {
	switch k {
	case KindSingle:
		return "single"
	case KindShared:
		return "shared"
	default:
		return "unknown"
	}
}

// Policy customises a processor.
type Policy interface {
	// Setup runs once during construction. It is where protocol handlers
	// get registered.
	Setup(p *Processor) error

	// Welcome runs each time a connection is bound to the processor, before
	// the processor first ticks it.
	Welcome(c *Connection) error

	// ShouldAllow decides whether c may join. owned is the current number of
	// connections. It runs with the processor locked and must not call back
	// into the processor.
	ShouldAllow(c *Connection, owned int) bool
}

// BasePolicy admits every connection and does nothing else. Embed it to
// override single hooks.
type BasePolicy struct{}

func (BasePolicy) Setup(*Processor) error            { return nil }
func (BasePolicy) Welcome(*Connection) error         { return nil }
func (BasePolicy) ShouldAllow(*Connection, int) bool { return true }

// CapacityPolicy admits up to Max connections; zero means unlimited.
type CapacityPolicy struct {
	BasePolicy
	Max int
}

func (p CapacityPolicy) ShouldAllow(_ *Connection, owned int) bool {
	return p.Max <= 0 || owned < p.Max
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithServer links the processor to a server, reachable from handlers via
// Processor.Server.
func WithServer(s *Server) ProcessorOption {
	return func(p *Processor) {
		p.server = s
	}
}

// WithProcessorConfig sets the configuration inherited by connections
// designated to the processor.
func WithProcessorConfig(cfg *Config) ProcessorOption {
	return func(p *Processor) {
		p.cfg = cfg.normalized()
	}
}

// WithProcessorLogger sets the processor logger.
func WithProcessorLogger(l *zap.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.log = l
		}
	}
}

var processorSeq atomic.Uint64

// Processor owns connections and services them from its own scheduler
// goroutine. The goroutine starts with the first connection and stops
// after the last one leaves.
type Processor struct {
	id       uint64
	kind     Kind
	policy   Policy
	handlers *Registry
	server   *Server
	cfg      *Config
	log      *zap.Logger

	mu      sync.Mutex
	slots   slots
	running bool
	stop    chan struct{}
}

// NewSingleProcessor creates a processor for exactly one connection.
func NewSingleProcessor(policy Policy, opts ...ProcessorOption) (*Processor, error) {
	return newProcessor(KindSingle, &singleSlot{}, policy, opts)
}

// NewSharedProcessor creates a processor for any number of connections.
func NewSharedProcessor(policy Policy, opts ...ProcessorOption) (*Processor, error) {
	return newProcessor(KindShared, &sharedSlots{}, policy, opts)
}

func newProcessor(kind Kind, s slots, policy Policy, opts []ProcessorOption) (*Processor, error) {
	if policy == nil {
		policy = BasePolicy{}
	}
	p := &Processor{
		id:       processorSeq.Add(1),
		kind:     kind,
		policy:   policy,
		handlers: NewRegistry(),
		cfg:      DefaultConfig(),
		log:      zap.NewNop(),
		slots:    s,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With(zap.Uint64("processor_id", p.id), zap.Stringer("kind", kind))

	if err := policy.Setup(p); err != nil {
		return nil, fmt.Errorf("setup %s processor: %w", kind, err)
	}
	return p, nil
}

// ID returns the process-unique processor id.
func (p *Processor) ID() uint64 {
	return p.id
}

// Kind returns the processor topology.
func (p *Processor) Kind() Kind {
	return p.kind
}

// Server returns the linked server, or nil.
func (p *Processor) Server() *Server {
	return p.server
}

// Config returns the processor configuration.
func (p *Processor) Config() *Config {
	return p.cfg
}

// Register adds an input handler. Single processors refuse frameless
// handlers and shared processors refuse blocking ones.
func (p *Processor) Register(h nibblenet.InputHandler) error {
	if h == nil {
		return fmt.Errorf("%w: nil handler", nibblenet.ErrHandlerKind)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.slots.allowHandler(h); err != nil {
		return err
	}
	return p.handlers.Register(h)
}

// Unregister removes the handler for id.
func (p *Processor) Unregister(id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handlers.Unregister(id)
}

// Handler returns the handler registered for id.
func (p *Processor) Handler(id int) (nibblenet.InputHandler, error) {
	return p.handlers.Lookup(id)
}

// Protocols lists the registered protocol ids.
func (p *Processor) Protocols() []int {
	return p.handlers.IDs()
}

// AddConnection binds c to the processor. It is c.SetProcessor(p).
func (p *Processor) AddConnection(c *Connection) error {
	if c == nil {
		return nibblenet.ErrNotConnected
	}
	return c.SetProcessor(p)
}

// RemoveConnection drops c without disconnecting it. It takes c's lock, so
// a handler must not call it for the connection it is handling except from
// another goroutine.
func (p *Processor) RemoveConnection(c *Connection) error {
	if c == nil {
		return nibblenet.ErrNotOwned
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.slots.remove(c) {
		return fmt.Errorf("%w: %s by processor %d", nibblenet.ErrNotOwned, c.id, p.id)
	}
	p.stopIfIdleLocked()
	return nil
}

// HasConnection reports whether c belongs to the processor.
func (p *Processor) HasConnection(c *Connection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slots.has(c)
}

// Connections returns the owned connections in insertion order.
func (p *Processor) Connections() []*Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := p.slots.snapshot()
	out := make([]*Connection, len(snap))
	copy(out, snap)
	return out
}

// Len returns the number of owned connections.
func (p *Processor) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slots.len()
}

// MoveConnections reassigns every owned connection to target, discarding
// each one's unread input. Connections the target refuses stay here.
func (p *Processor) MoveConnections(target *Processor) error {
	if target == nil {
		return nibblenet.ErrNoProcessor
	}
	if target == p {
		return nil
	}
	var errs []error
	for _, c := range p.Connections() {
		if err := c.SetProcessor(target); err != nil {
			errs = append(errs, fmt.Errorf("move %s: %w", c.id, err))
		}
	}
	return errors.Join(errs...)
}

// Running reports whether the scheduler goroutine is live.
func (p *Processor) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Stop clears the running flag. The scheduler exits before its next tick;
// connections stay owned. A later AddConnection or SetProcessor starts it
// again, including for a connection the processor already owns.
func (p *Processor) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Processor) admitLocked(c *Connection) error {
	if p.slots.full() {
		return fmt.Errorf("%w: %s processor %d", nibblenet.ErrCapacity, p.kind, p.id)
	}
	if !p.policy.ShouldAllow(c, p.slots.len()) {
		return fmt.Errorf("%w: %s by processor %d policy", nibblenet.ErrRejected, c.id, p.id)
	}
	return nil
}

func (p *Processor) startLocked() {
	if p.running {
		return
	}
	p.running = true
	p.stop = make(chan struct{})
	go p.run(p.stop)
}

func (p *Processor) stopLocked() {
	if !p.running {
		return
	}
	p.running = false
	close(p.stop)
}

func (p *Processor) stopIfIdleLocked() {
	if p.slots.len() == 0 {
		p.stopLocked()
	}
}
