package engine

import "github.com/luciancaetano/nibblenet"

// pingHandler refreshes the last-received heartbeat of the connection that
// delivered the frame. The frame has no payload.
type pingHandler struct{}

func (pingHandler) ID() int { return nibblenet.PingProtocolID }

func (pingHandler) HandleInput(conn nibblenet.Conn, _ nibblenet.InputStream) error {
	if c, ok := conn.(*Connection); ok {
		c.recordHeartbeat()
	}
	return nil
}

// pingFrame is the outgoing heartbeat.
type pingFrame struct{}

func (pingFrame) ID() int { return nibblenet.PingProtocolID }

func (pingFrame) WriteFrame(nibblenet.OutputStream) error { return nil }
