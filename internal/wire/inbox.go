package wire

import (
	"io"
	"sync"
	"time"

	"github.com/luciancaetano/nibblenet"
)

const (
	// DefaultMaxBuffered bounds the unread bytes an Inbox keeps before the
	// pump stops reading from the transport.
	DefaultMaxBuffered = 1 << 20

	readChunkSize = 4096
)

// Inbox buffers the bytes of one transport.
//
// A pump goroutine copies everything the transport delivers into an
// in-memory buffer, so checking for pending input never touches the socket.
// The pump pauses while the buffer holds maxBuffered bytes or more and exits
// when the transport fails or the inbox is closed.
type Inbox struct {
	mu  sync.Mutex
	buf []byte
	off int
	err error
	max int

	arrived   chan struct{}
	drained   chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// NewInbox starts pumping src. A non-positive maxBuffered selects
// DefaultMaxBuffered.
func NewInbox(src io.Reader, maxBuffered int) *Inbox {
	if maxBuffered <= 0 {
		maxBuffered = DefaultMaxBuffered
	}
	in := &Inbox{
		max:     maxBuffered,
		arrived: make(chan struct{}, 1),
		drained: make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	go in.pump(src)
	return in
}

func (in *Inbox) pump(src io.Reader) {
	chunk := make([]byte, readChunkSize)
	for {
		if !in.waitForSpace() {
			return
		}
		n, err := src.Read(chunk)
		in.mu.Lock()
		if n > 0 {
			in.compactLocked()
			in.buf = append(in.buf, chunk[:n]...)
		}
		if err != nil {
			in.err = err
		}
		in.mu.Unlock()
		notify(in.arrived)
		if err != nil {
			return
		}
	}
}

func (in *Inbox) waitForSpace() bool {
	for {
		in.mu.Lock()
		full := len(in.buf)-in.off >= in.max
		in.mu.Unlock()
		if !full {
			return true
		}
		select {
		case <-in.drained:
		case <-in.closed:
			return false
		}
	}
}

// compactLocked moves the unread bytes to the front of buf so consumed
// bytes are not kept alive by later appends. in.mu must be held.
func (in *Inbox) compactLocked() {
	if in.off == 0 {
		return
	}
	n := copy(in.buf, in.buf[in.off:])
	in.buf = in.buf[:n]
	in.off = 0
}

// ReadByte waits for one byte without a time limit.
func (in *Inbox) ReadByte() (byte, error) {
	return in.ReadByteTimeout(0)
}

// ReadByteTimeout waits at most timeout for one byte. A zero timeout waits
// until a byte arrives, the transport fails or the inbox is closed.
// Buffered bytes are still returned after the transport has failed.
func (in *Inbox) ReadByteTimeout(timeout time.Duration) (byte, error) {
	var expired <-chan time.Time
	for {
		in.mu.Lock()
		if in.off < len(in.buf) {
			b := in.buf[in.off]
			in.off++
			if in.off == len(in.buf) {
				in.buf = in.buf[:0]
				in.off = 0
			}
			in.mu.Unlock()
			notify(in.drained)
			return b, nil
		}
		err := in.err
		in.mu.Unlock()

		select {
		case <-in.closed:
			return 0, nibblenet.ErrNotConnected
		default:
		}
		if err != nil {
			return 0, err
		}

		if expired == nil && timeout > 0 {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			expired = timer.C
		}
		select {
		case <-in.arrived:
		case <-expired:
			return 0, nibblenet.ErrReadTimeout
		case <-in.closed:
			return 0, nibblenet.ErrNotConnected
		}
	}
}

// Buffered returns the number of unread bytes.
func (in *Inbox) Buffered() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.buf) - in.off
}

// Err returns the error that stopped the pump, once every byte delivered
// before it has been consumed.
func (in *Inbox) Err() error {
	select {
	case <-in.closed:
		return nibblenet.ErrNotConnected
	default:
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.off < len(in.buf) {
		return nil
	}
	return in.err
}

// Reset discards every unread byte and returns how many were dropped.
func (in *Inbox) Reset() int {
	in.mu.Lock()
	n := len(in.buf) - in.off
	in.buf = in.buf[:0]
	in.off = 0
	in.mu.Unlock()
	notify(in.drained)
	return n
}

// Close stops the inbox. Reads fail with nibblenet.ErrNotConnected from now
// on. The pump exits once its pending transport read returns, which happens
// when the caller closes the transport.
func (in *Inbox) Close() {
	in.closeOnce.Do(func() {
		close(in.closed)
	})
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
