package wire

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/luciancaetano/nibblenet"
)

const writeBufferSize = 4096

type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

// Writer encodes the wire primitives onto a transport.
//
// Bytes are buffered and reach the transport on FinishFrame or Flush.
// frame serialises whole frames; mu guards the buffer for single writes.
type Writer struct {
	frame sync.Mutex
	open  atomic.Bool

	mu      sync.Mutex
	bw      *bufio.Writer
	dst     io.Writer
	timeout time.Duration
	closed  bool
}

// NewWriter encodes onto dst. When dst supports write deadlines each flush
// is bounded by timeout; zero means no bound.
func NewWriter(dst io.Writer, timeout time.Duration) *Writer {
	return &Writer{
		bw:      bufio.NewWriterSize(dst, writeBufferSize),
		dst:     dst,
		timeout: timeout,
	}
}

// CreateFrame validates protocolID, takes the frame lock and writes the id.
// Only the goroutine that created the frame may finish or abort it.
func (w *Writer) CreateFrame(protocolID int) error {
	if protocolID < 0 || protocolID > nibblenet.MaxProtocolID {
		return fmt.Errorf("%w: %d", nibblenet.ErrProtocolRange, protocolID)
	}
	w.frame.Lock()
	w.open.Store(true)
	if err := w.Write8(uint8(protocolID)); err != nil {
		w.open.Store(false)
		w.frame.Unlock()
		return err
	}
	return nil
}

// FinishFrame flushes the transport and releases the frame lock. The lock is
// released even when the flush fails. It must be called by the goroutine
// that called CreateFrame.
func (w *Writer) FinishFrame() error {
	if !w.open.CompareAndSwap(true, false) {
		return nibblenet.ErrNoOpenFrame
	}
	defer w.frame.Unlock()
	return w.Flush()
}

// AbortFrame drops the unflushed bytes of the open frame and releases the
// frame lock. Like FinishFrame it belongs to the goroutine holding the frame. Bytes already pushed to the transport cannot be recalled, so
// the stream should be considered corrupt if the frame outgrew the buffer.
func (w *Writer) AbortFrame() error {
	if !w.open.CompareAndSwap(true, false) {
		return nibblenet.ErrNoOpenFrame
	}
	defer w.frame.Unlock()
	w.mu.Lock()
	w.bw.Reset(w.dst)
	w.mu.Unlock()
	return nil
}

// Flush pushes buffered bytes to the transport.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nibblenet.ErrNotConnected
	}
	if d, ok := w.dst.(deadlineWriter); ok && w.timeout > 0 {
		if err := d.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
			return err
		}
	}
	return w.bw.Flush()
}

// Write8 writes one byte.
func (w *Writer) Write8(v uint8) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nibblenet.ErrNotConnected
	}
	return w.bw.WriteByte(v)
}

// Write16 writes the high byte, then the low byte.
func (w *Writer) Write16(v uint16) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nibblenet.ErrNotConnected
	}
	return w.write16(v)
}

// Write32 writes the low 16 bits, then the high 16 bits, each big-endian.
func (w *Writer) Write32(v uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nibblenet.ErrNotConnected
	}
	if err := w.write16(uint16(v & 0xffff)); err != nil {
		return err
	}
	return w.write16(uint16(v >> 16))
}

// WriteString writes a 16-bit character count and one byte per character.
func (w *Writer) WriteString(s string) error {
	n := utf8.RuneCountInString(s)
	if n > nibblenet.MaxStringLength {
		return fmt.Errorf("%w: %d", nibblenet.ErrStringTooLong, n)
	}
	for _, r := range s {
		if r > 0xff {
			return fmt.Errorf("%w: %q", nibblenet.ErrNotLatin1, r)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nibblenet.ErrNotConnected
	}
	if err := w.write16(uint16(n)); err != nil {
		return err
	}
	for _, r := range s {
		if err := w.bw.WriteByte(byte(r)); err != nil {
			return err
		}
	}
	return nil
}

// Close makes every later write fail with nibblenet.ErrNotConnected.
// Buffered bytes are dropped.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
}

func (w *Writer) write16(v uint16) error {
	if err := w.bw.WriteByte(byte(v >> 8)); err != nil {
		return err
	}
	return w.bw.WriteByte(byte(v))
}
