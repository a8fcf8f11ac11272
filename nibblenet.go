package nibblenet

import (
	"context"
	"io"
	"net"
	"time"
)

// Transport is a live duplex byte stream to one peer.
//
// A *net.TCPConn satisfies it directly; other carriers (for example the
// WebSocket transport) adapt their message API to a byte stream.
type Transport interface {
	io.ReadWriteCloser

	// RemoteAddr returns the peer's network address.
	RemoteAddr() net.Addr

	// SetWriteDeadline bounds the next writes on the transport.
	SetWriteDeadline(t time.Time) error
}

// Listener yields inbound transports for a server.
type Listener interface {
	// Accept blocks until a peer connects or the listener is closed.
	Accept() (Transport, error)

	// Close stops the listener. Pending and future Accept calls fail.
	Close() error

	// Addr returns the bound address.
	Addr() net.Addr
}

// Dialer opens outbound transports.
type Dialer interface {
	// Dial connects to addr. The context bounds the connection attempt only.
	Dial(ctx context.Context, addr string) (Transport, error)
}

// InputStream is the read side of the wire codec, handed to input handlers
// positioned right after the protocol id byte of the frame being dispatched.
//
// Example:
//
//	func (h *chatHandler) HandleInput(conn nibblenet.Conn, in nibblenet.InputStream) error {
//	    msg, err := in.ReadString()
//	    if err != nil {
//	        return err
//	    }
//	    return conn.Send(h.ID(), func(out nibblenet.OutputStream) error {
//	        return out.WriteString(msg)
//	    })
//	}
type InputStream interface {
	// Read8 blocks until one byte is available and returns it.
	Read8() (uint8, error)

	// Read16 reads a big-endian 16-bit value.
	Read16() (uint16, error)

	// Read32 reads a 32-bit value written by OutputStream.Write32: the low
	// half first, then the high half, each half big-endian.
	Read32() (uint32, error)

	// ReadString reads a 16-bit length followed by that many single-byte
	// (Latin-1) characters.
	ReadString() (string, error)

	// HasInput reports whether unread bytes are buffered. It never blocks.
	HasInput() bool
}

// OutputStream is the write side of the wire codec.
//
// A frame is written between CreateFrame and FinishFrame. The stream is
// locked for the whole frame so concurrent writers never interleave bytes
// inside a frame. The lock is not reentrant: do not open a second frame on
// the same stream from inside a frame.
type OutputStream interface {
	// CreateFrame validates protocolID (0..255), locks the stream and writes
	// the id byte.
	CreateFrame(protocolID int) error

	// FinishFrame flushes the transport and releases the frame lock.
	FinishFrame() error

	Write8(v uint8) error
	Write16(v uint16) error
	Write32(v uint32) error

	// WriteString writes a 16-bit length followed by one byte per character.
	// Strings longer than 65535 characters or holding characters above
	// U+00FF are rejected.
	WriteString(s string) error
}

// Role tells who initiated a connection.
type Role int

const (
	// RoleClient marks connections dialed by this process.
	RoleClient Role = iota
	// RoleServer marks connections accepted by a server.
	RoleServer
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return "unknown"
	}
}

// Conn is the view of a connection that handlers and connection handlers see.
type Conn interface {
	// ID returns a unique identifier generated when the connection is created.
	ID() string

	// Role reports whether the connection was dialed or accepted.
	Role() Role

	// RemoteAddr returns the peer address, or an empty string while unbound.
	RemoteAddr() string

	// Context is cancelled when the connection is disconnected.
	Context() context.Context

	// IsConnected reports whether the transport is live.
	IsConnected() bool

	// Send writes one frame: the protocol id, then whatever body writes.
	// When body fails nothing of the frame is flushed and the error is
	// returned.
	Send(protocolID int, body func(out OutputStream) error) error

	// Emit writes the frame produced by an output handler.
	Emit(h OutputHandler) error

	// Disconnect tears the connection down. It runs at most once.
	Disconnect() error
}

// InputHandler consumes exactly one frame's payload for its protocol id.
//
// Protocol id 0 is reserved for the built-in heartbeat handler.
type InputHandler interface {
	ID() int
	HandleInput(conn Conn, in InputStream) error
}

// OutputHandler produces one frame's payload for its protocol id.
type OutputHandler interface {
	ID() int
	WriteFrame(out OutputStream) error
}

// HandlerFlag describes how a handler performs I/O. Processors refuse
// handlers whose flags conflict with their scheduling model.
type HandlerFlag uint8

const (
	// FlagBlocking marks a handler that may wait on further I/O before
	// returning. Shared processors refuse it: it would stall every other
	// connection on the same tick.
	FlagBlocking HandlerFlag = 1 << iota

	// FlagFrameless marks a handler that application code invokes directly
	// instead of through tick dispatch. Single processors refuse it.
	FlagFrameless
)

// Has reports whether all bits of f are set.
func (h HandlerFlag) Has(f HandlerFlag) bool {
	return h&f == f
}

// Flagged is implemented by handlers that carry HandlerFlag bits.
type Flagged interface {
	Flags() HandlerFlag
}

// FlagsOf returns the flags of h, or zero when h does not declare any.
func FlagsOf(h InputHandler) HandlerFlag {
	if f, ok := h.(Flagged); ok {
		return f.Flags()
	}
	return 0
}

// ConnectionHandler receives lifecycle notifications for connections.
//
// OnConnectionProblem is called for transport failures, protocol errors and
// handler errors. The affected connection is disconnected afterwards, so an
// OnDisconnect call usually follows.
type ConnectionHandler interface {
	OnConnect(conn Conn)
	OnConnectionProblem(conn Conn, err error)
	OnDisconnect(conn Conn)
}
