// Package transport implements the length-prefixed framing shared by every
// link in the cluster: client↔server and server↔server alike. Every frame on
// the wire is a 4-byte big-endian length followed by exactly that many bytes
// of payload; readers must read exactly that many bytes or treat a short read
// as a transport error.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize bounds a single frame's payload so a corrupt or hostile length
// prefix can't make a reader allocate unbounded memory.
const MaxFrameSize = 16 * 1024 * 1024

// ReadFrame reads one length-prefixed payload from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("transport: frame of %d bytes exceeds max %d", n, MaxFrameSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("transport: short read on frame body: %w", err)
	}
	return payload, nil
}

// WriteFrame writes payload to w prefixed by its 4-byte big-endian length.
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// SafeWriter serializes WriteFrame calls from multiple goroutines onto a
// single underlying io.Writer, so length-prefixed frames written by, say, a
// client's own reply path and a concurrent inline-delivery push never
// interleave on the wire.
type SafeWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewSafeWriter wraps w.
func NewSafeWriter(w io.Writer) *SafeWriter {
	return &SafeWriter{w: w}
}

// WriteFrame writes payload under the writer's lock.
func (s *SafeWriter) WriteFrame(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return WriteFrame(s.w, payload)
}
