package engine

import (
	"fmt"

	"github.com/luciancaetano/nibblenet"
)

// slots is the capacity strategy that distinguishes single and shared
// processors. Every method runs with the processor lock held.
type slots interface {
	add(c *Connection)
	remove(c *Connection) bool
	has(c *Connection) bool
	len() int
	full() bool
	// snapshot returns the connections in insertion order. The returned
	// slice is never mutated afterwards and is safe to iterate unlocked.
	snapshot() []*Connection
	// allowHandler rejects handlers that conflict with the scheduling model.
	allowHandler(h nibblenet.InputHandler) error
}

// singleSlot holds at most one connection. It refuses frameless handlers:
// with a single connection there are no concurrent peers to frame around.
type singleSlot struct {
	conn *Connection
}

func (s *singleSlot) add(c *Connection) { s.conn = c }

func (s *singleSlot) remove(c *Connection) bool {
	if s.conn != c {
		return false
	}
	s.conn = nil
	return true
}

func (s *singleSlot) has(c *Connection) bool { return c != nil && s.conn == c }

func (s *singleSlot) len() int {
	if s.conn == nil {
		return 0
	}
	return 1
}

func (s *singleSlot) full() bool { return s.conn != nil }

func (s *singleSlot) snapshot() []*Connection {
	if s.conn == nil {
		return nil
	}
	return []*Connection{s.conn}
}

func (s *singleSlot) allowHandler(h nibblenet.InputHandler) error {
	if nibblenet.FlagsOf(h).Has(nibblenet.FlagFrameless) {
		return fmt.Errorf("%w: frameless handler %d on a single processor", nibblenet.ErrHandlerKind, h.ID())
	}
	return nil
}

// sharedSlots holds any number of connections. The slice is replaced on
// every change, so snapshots stay valid while connections come and go. It
// refuses blocking handlers, which would stall every connection of the tick.
type sharedSlots struct {
	conns []*Connection
}

func (s *sharedSlots) add(c *Connection) {
	next := make([]*Connection, len(s.conns), len(s.conns)+1)
	copy(next, s.conns)
	s.conns = append(next, c)
}

func (s *sharedSlots) remove(c *Connection) bool {
	for i, have := range s.conns {
		if have != c {
			continue
		}
		next := make([]*Connection, 0, len(s.conns)-1)
		next = append(next, s.conns[:i]...)
		s.conns = append(next, s.conns[i+1:]...)
		return true
	}
	return false
}

func (s *sharedSlots) has(c *Connection) bool {
	for _, have := range s.conns {
		if have == c {
			return true
		}
	}
	return false
}

func (s *sharedSlots) len() int { return len(s.conns) }

func (s *sharedSlots) full() bool { return false }

func (s *sharedSlots) snapshot() []*Connection { return s.conns }

func (s *sharedSlots) allowHandler(h nibblenet.InputHandler) error {
	if nibblenet.FlagsOf(h).Has(nibblenet.FlagBlocking) {
		return fmt.Errorf("%w: blocking handler %d on a shared processor", nibblenet.ErrHandlerKind, h.ID())
	}
	return nil
}
