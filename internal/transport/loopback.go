package transport

import (
	"time"
)

// LoopbackOptions configures an in-memory transport.
type LoopbackOptions struct {
	NumFrames int `mapstructure:"num_frames"`
	FrameSize int `mapstructure:"frame_size"`
}

// Loopback is an in-memory transport: frames committed on the send side are
// received on the receive side in order. The frame count bounds how far the
// sender can run ahead of the receiver.
type Loopback struct {
	pool *framePool
}

// NewLoopback creates a loopback transport.
func NewLoopback(opts LoopbackOptions) *Loopback {
	return &Loopback{pool: newFramePool(opts.NumFrames, opts.FrameSize)}
}

func (l *Loopback) GetRecvBuff(timeout time.Duration) (RecvBuffer, error) {
	f, err := l.pool.next(timeout)
	if f == nil || err != nil {
		return nil, err
	}
	return &recvFrame{pool: l.pool, data: f}, nil
}

func (l *Loopback) GetSendBuff(timeout time.Duration) (SendBuffer, error) {
	f, err := l.pool.grab(timeout)
	if f == nil || err != nil {
		return nil, err
	}
	return &sendFrame{data: f, commit: l.commit}, nil
}

func (l *Loopback) commit(data []byte, n int) {
	if n <= 0 {
		l.pool.put(data)
		return
	}
	l.pool.push(data[:n])
}

// Pending returns the number of committed frames not yet received.
func (l *Loopback) Pending() int {
	return len(l.pool.ready)
}

func (l *Loopback) NumRecvFrames() int { return l.pool.frames() }
func (l *Loopback) RecvFrameSize() int { return l.pool.size }
func (l *Loopback) NumSendFrames() int { return l.pool.frames() }
func (l *Loopback) SendFrameSize() int { return l.pool.size }

// Close wakes blocked callers; later calls fail with core.ErrTransportClosed
// once the committed frames are drained.
func (l *Loopback) Close() error {
	l.pool.close()
	return nil
}
