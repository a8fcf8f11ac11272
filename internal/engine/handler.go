package engine

import (
	"fmt"
	"sync"

	"github.com/luciancaetano/nibblenet"
)

type handlerFunc struct {
	id    int
	flags nibblenet.HandlerFlag
	fn    func(conn nibblenet.Conn, in nibblenet.InputStream) error
}

func (h *handlerFunc) ID() int                      { return h.id }
func (h *handlerFunc) Flags() nibblenet.HandlerFlag { return h.flags }

func (h *handlerFunc) HandleInput(conn nibblenet.Conn, in nibblenet.InputStream) error {
	return h.fn(conn, in)
}

// HandlerFunc adapts fn into an input handler for protocol id.
//
// Example:
//
//	echo := engine.HandlerFunc(1, func(conn nibblenet.Conn, in nibblenet.InputStream) error {
//	    msg, err := in.ReadString()
//	    if err != nil {
//	        return err
//	    }
//	    return conn.Send(1, func(out nibblenet.OutputStream) error {
//	        return out.WriteString(msg)
//	    })
//	})
func HandlerFunc(id int, fn func(conn nibblenet.Conn, in nibblenet.InputStream) error, flags ...nibblenet.HandlerFlag) nibblenet.InputHandler {
	h := &handlerFunc{id: id, fn: fn}
	for _, f := range flags {
		h.flags |= f
	}
	return h
}

type outputFunc struct {
	id int
	fn func(out nibblenet.OutputStream) error
}

func (o *outputFunc) ID() int { return o.id }

func (o *outputFunc) WriteFrame(out nibblenet.OutputStream) error {
	if o.fn == nil {
		return nil
	}
	return o.fn(out)
}

// OutputFunc adapts fn into an output handler for protocol id.
func OutputFunc(id int, fn func(out nibblenet.OutputStream) error) nibblenet.OutputHandler {
	return &outputFunc{id: id, fn: fn}
}

// Registry maps protocol ids to input handlers. Id 0 always holds the ping
// handler.
type Registry struct {
	mu       sync.RWMutex
	handlers [nibblenet.MaxProtocolID + 1]nibblenet.InputHandler
}

// NewRegistry returns a registry holding only the ping handler.
func NewRegistry() *Registry {
	r := &Registry{}
	r.handlers[nibblenet.PingProtocolID] = pingHandler{}
	return r
}

// Register adds h under h.ID().
func (r *Registry) Register(h nibblenet.InputHandler) error {
	if h == nil {
		return fmt.Errorf("%w: nil handler", nibblenet.ErrHandlerKind)
	}
	id := h.ID()
	if id < 0 || id > nibblenet.MaxProtocolID {
		return fmt.Errorf("%w: %d", nibblenet.ErrProtocolRange, id)
	}
	if _, ping := h.(pingHandler); id == nibblenet.PingProtocolID && !ping {
		return fmt.Errorf("%w: %T", nibblenet.ErrReservedID, h)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers[id] != nil {
		return fmt.Errorf("%w: %d", nibblenet.ErrDuplicateID, id)
	}
	r.handlers[id] = h
	return nil
}

// Unregister removes the handler for id. The ping handler cannot be removed.
func (r *Registry) Unregister(id int) error {
	if id == nibblenet.PingProtocolID {
		return nibblenet.ErrReservedID
	}
	if id < 0 || id > nibblenet.MaxProtocolID {
		return fmt.Errorf("%w: %d", nibblenet.ErrProtocolRange, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers[id] == nil {
		return fmt.Errorf("%w: %d", nibblenet.ErrUnknownProtocol, id)
	}
	r.handlers[id] = nil
	return nil
}

// Lookup returns the handler for id.
func (r *Registry) Lookup(id int) (nibblenet.InputHandler, error) {
	if id < 0 || id > nibblenet.MaxProtocolID {
		return nil, fmt.Errorf("%w: %d", nibblenet.ErrProtocolRange, id)
	}
	r.mu.RLock()
	h := r.handlers[id]
	r.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("%w: %d", nibblenet.ErrUnknownProtocol, id)
	}
	return h, nil
}

// IDs lists the registered protocol ids in ascending order.
func (r *Registry) IDs() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []int
	for id, h := range r.handlers {
		if h != nil {
			ids = append(ids, id)
		}
	}
	return ids
}
