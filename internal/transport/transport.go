// Package transport provides zero-copy frame transports for the streamers.
//
// A transport hands out receive frames it has filled and send frames for
// the caller to fill. Frames are borrowed: every receive frame must be
// released and every send frame committed exactly once. A call that times
// out returns a nil buffer and a nil error; any non-nil error is an IO
// fault the caller must not swallow.
package transport

import (
	"time"
)

// RecvBuffer is a received frame borrowed from a transport.
type RecvBuffer interface {
	// Bytes returns the received frame.
	Bytes() []byte
	// Release hands the frame back to the transport.
	Release()
}

// SendBuffer is an empty frame borrowed from a transport.
type SendBuffer interface {
	// Bytes returns the whole frame; its length is the frame size.
	Bytes() []byte
	// Commit sends the first n bytes and hands the frame back. Commit(0)
	// returns the frame without sending.
	Commit(n int)
}

// ZeroCopy is a bidirectional frame transport.
type ZeroCopy interface {
	// GetRecvBuff waits up to timeout for a received frame. It returns
	// (nil, nil) on timeout.
	GetRecvBuff(timeout time.Duration) (RecvBuffer, error)
	// GetSendBuff waits up to timeout for a free send frame. It returns
	// (nil, nil) on timeout.
	GetSendBuff(timeout time.Duration) (SendBuffer, error)

	NumRecvFrames() int
	RecvFrameSize() int
	NumSendFrames() int
	SendFrameSize() int

	Close() error
}

// Default frame geometry, sized for jumbo Ethernet frames.
const (
	DefaultNumFrames = 32
	DefaultFrameSize = 8000
)

// waitTimer returns a channel that fires after timeout, or nil for a zero
// timeout so that a select with a default branch polls.
func waitTimer(timeout time.Duration) (<-chan time.Time, func()) {
	if timeout <= 0 {
		return nil, func() {}
	}
	t := time.NewTimer(timeout)
	return t.C, func() { t.Stop() }
}
