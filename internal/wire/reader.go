package wire

import (
	"strings"
	"sync"
	"time"
)

// Reader decodes the wire primitives from an Inbox.
//
// Multi-byte reads hold the reader lock so two goroutines never split one
// value between them.
type Reader struct {
	mu      sync.Mutex
	src     *Inbox
	timeout time.Duration
}

// NewReader decodes from src. Every single-byte wait is bounded by timeout;
// zero means no bound.
func NewReader(src *Inbox, timeout time.Duration) *Reader {
	return &Reader{src: src, timeout: timeout}
}

// Read8 reads one byte.
func (r *Reader) Read8() (uint8, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read8()
}

// Read16 reads the high byte, then the low byte.
func (r *Reader) Read16() (uint16, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read16()
}

// Read32 reads two 16-bit words. The first word is the low half.
func (r *Reader) Read32() (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read32()
}

// ReadString reads a 16-bit length and that many Latin-1 characters.
func (r *Reader) ReadString() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, err := r.read16()
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.Grow(int(n))
	for i := 0; i < int(n); i++ {
		b, err := r.read8()
		if err != nil {
			return "", err
		}
		sb.WriteRune(rune(b))
	}
	return sb.String(), nil
}

// HasInput reports whether unread bytes are buffered.
func (r *Reader) HasInput() bool {
	return r.src.Buffered() > 0
}

// Err reports why the stream ended once no unread bytes remain.
func (r *Reader) Err() error {
	return r.src.Err()
}

// Discard drops every unread byte and returns how many were dropped.
func (r *Reader) Discard() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.src.Reset()
}

// Close makes every later read fail.
func (r *Reader) Close() {
	r.src.Close()
}

func (r *Reader) read8() (uint8, error) {
	return r.src.ReadByteTimeout(r.timeout)
}

func (r *Reader) read16() (uint16, error) {
	hi, err := r.read8()
	if err != nil {
		return 0, err
	}
	lo, err := r.read8()
	if err != nil {
		return 0, err
	}
	return uint16(hi)<<8 | uint16(lo), nil
}

func (r *Reader) read32() (uint32, error) {
	low, err := r.read16()
	if err != nil {
		return 0, err
	}
	high, err := r.read16()
	if err != nil {
		return 0, err
	}
	return uint32(high)<<16 | uint32(low), nil
}
