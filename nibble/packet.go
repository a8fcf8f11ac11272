package nibble

import (
	"errors"
	"fmt"
)

// Packet is one frame addressed to many connections. Body is written once
// per recipient, so it must not consume state.
type Packet struct {
	ID   int
	Body func(out OutputStream) error
}

// SendTo frames the packet on every connection. A failure on one recipient
// does not stop the others; all failures are returned joined.
func (p Packet) SendTo(conns ...Conn) error {
	var errs []error
	for _, c := range conns {
		if c == nil {
			continue
		}
		if err := c.Send(p.ID, p.Body); err != nil {
			errs = append(errs, fmt.Errorf("send %d to %s: %w", p.ID, c.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Broadcast sends the packet to every connection of s except the ones in
// skip.
func (p Packet) Broadcast(s *Server, skip ...Conn) error {
	var targets []Conn
	for _, c := range s.Connections() {
		if !contains(skip, c) {
			targets = append(targets, c)
		}
	}
	return p.SendTo(targets...)
}

func contains(conns []Conn, c *Connection) bool {
	for _, have := range conns {
		if have != nil && have.ID() == c.ID() {
			return true
		}
	}
	return false
}
