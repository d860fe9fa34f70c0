package core

import (
	"io"
	"sync"
)

// MarkerWriter prints one character per fast-path event (overflow, late
// command, underflow, burst ack) instead of a log line. Write errors are
// ignored.
type MarkerWriter struct {
	mu  sync.Mutex
	w   io.Writer
	buf [1]byte
}

// NewMarkerWriter writes markers to w.
func NewMarkerWriter(w io.Writer) *MarkerWriter {
	return &MarkerWriter{w: w}
}

// Mark writes c. A zero byte or a nil writer is a no-op.
func (m *MarkerWriter) Mark(c byte) {
	if m == nil || c == 0 {
		return
	}
	m.mu.Lock()
	m.buf[0] = c
	_, _ = m.w.Write(m.buf[:])
	m.mu.Unlock()
}
