package nibblenet

import "errors"

// Reserved protocol ids.
const (
	// PingProtocolID is the heartbeat frame, with an empty payload.
	PingProtocolID = 0

	// MaxProtocolID is the largest id that fits the one-byte frame header.
	MaxProtocolID = 255

	// MaxStringLength is the largest string the 16-bit length prefix can carry.
	MaxStringLength = 65535
)

// Configuration errors.
var (
	ErrNoConnectionHandler = errors.New("connection handler is required")
	ErrNoProcessor         = errors.New("a connection must have a processor")
	ErrDuplicateID         = errors.New("protocol id already registered")
	ErrReservedID          = errors.New("protocol id 0 is reserved for the ping handler")
	ErrHandlerKind         = errors.New("handler kind not allowed on this processor")
	ErrCapacity            = errors.New("processor is at capacity")
	ErrDuplicateKind       = errors.New("processor kind already registered")
	ErrUnknownKind         = errors.New("unknown processor kind")
)

// Codec errors.
var (
	ErrProtocolRange = errors.New("protocol id must be within 0-255")
	ErrStringTooLong = errors.New("string length exceeds 65535")
	ErrNotLatin1     = errors.New("string holds a character outside the single-byte range")
	ErrReadTimeout   = errors.New("read timed out")
	ErrNoOpenFrame   = errors.New("no frame is open on this stream")
)

// Protocol errors.
var (
	ErrUnknownProtocol = errors.New("no handler registered for protocol id")
	ErrRateLimited     = errors.New("inbound frame rate exceeded")
)

// Lifecycle errors.
var (
	ErrNotConnected     = errors.New("connection is not connected")
	ErrAlreadyConnected = errors.New("connection is already connected")
	ErrNotOwned         = errors.New("connection is not owned here")
	ErrRejected         = errors.New("connection rejected")
	ErrAlreadyListening = errors.New("server already listening")
	ErrNotListening     = errors.New("server is not listening")
	ErrHandlerPanic     = errors.New("handler panicked")
)
