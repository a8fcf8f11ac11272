// Package nibblenet defines the contracts of a framework for client/server
// applications that speak a framed binary protocol over TCP or WebSocket.
//
// The root package holds the interfaces shared by every layer (transports,
// codec streams, handlers, connection events) and the sentinel errors. The
// runtime lives in internal/engine and is exposed through the nibble
// package.
//
// # Architecture
//
// A Connection wraps one transport and its codec pair. Every connection is
// owned by exactly one Processor, which services its connections from a
// single scheduler goroutine: each tick reads at most one frame per
// connection, dispatches it to the input handler registered for its
// protocol id and then runs heartbeat maintenance. A single processor owns
// one connection; a shared processor owns any number of them. A Server
// accepts peers and hands each one to the processor chosen by its handler.
//
// Connections can move between processors at runtime (for example from a
// lobby into a game room). Unread input is discarded on the move, since the
// new processor may map protocol ids to different handlers.
//
// # Quick Start
//
//	import "github.com/luciancaetano/nibblenet/nibble"
//
//	srv := nibble.NewServer(nil)
//	ctx := nibble.ContextWithServer(context.Background(), srv)
//
//	room, _ := nibble.NewSharedProcessor(ctx, nil)
//	room.Register(nibble.HandlerFunc(1, func(conn nibble.Conn, in nibble.InputStream) error {
//	    msg, err := in.ReadString()
//	    if err != nil {
//	        return err
//	    }
//	    return conn.Send(1, func(out nibble.OutputStream) error {
//	        return out.WriteString(msg)
//	    })
//	}))
//
//	srv.SetHandler(myHandler{room: room}) // Accept returns nibble.NewConnection(room)
//	srv.Listen(":7000")
//
// # Protocol Format
//
// A frame is a one-byte protocol id followed by a payload whose layout is
// known only to the handler of that id:
//
//	[1 byte: protocol id][payload]
//
// Payload primitives:
//
//	u8      1 byte
//	u16     2 bytes, big-endian
//	u32     two u16 words, low word first
//	string  u16 length, then one byte per character (Latin-1)
//
// There is no length prefix on frames. A handler that reads too much or too
// little desynchronises the stream; such errors are reported to the
// connection handler and the connection is closed.
//
// # Heartbeat
//
// Protocol id 0 is reserved for ping frames with an empty payload. Every
// connection sends a ping when 500ms have passed since its last one and
// disconnects when nothing arrived from the peer's ping for 3000ms. Both
// timings are configurable.
//
// # Rate Limiting
//
// Each connection has a token bucket on inbound frames (100 frames/s, burst
// 200 by default). A peer that exceeds it is reported with ErrRateLimited
// and disconnected.
//
// # Important
//
//   - Handlers run on the processor goroutine with the connection locked.
//     Do not call SetProcessor on the handled connection synchronously.
//   - Shared processors refuse blocking handlers; single processors refuse
//     frameless ones.
//   - Configure the WebSocket origin check in production (never use
//     AllOrigins there).
package nibblenet
