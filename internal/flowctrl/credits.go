package flowctrl

import (
	"sync"
	"time"

	"firestige.xyz/iqstream/internal/transport"
)

// TxCredits limits the number of transmit packets in flight. Packets are
// counted as they are committed and credited back by device acks.
type TxCredits struct {
	window uint32

	mu     sync.Mutex
	sent   uint32
	acked  uint32
	change chan struct{}
}

// NewTxCredits creates a credit counter allowing window packets in flight.
func NewTxCredits(window int) *TxCredits {
	if window < 1 {
		window = 1
	}
	return &TxCredits{window: uint32(window), change: make(chan struct{})}
}

func (c *TxCredits) available() bool {
	return c.sent-c.acked < c.window
}

// Wait blocks until a packet may be sent or the timeout expires.
func (c *TxCredits) Wait(timeout time.Duration) bool {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		c.mu.Lock()
		if c.available() {
			c.mu.Unlock()
			return true
		}
		ch := c.change
		c.mu.Unlock()

		if timeout <= 0 {
			return false
		}
		left := time.Until(deadline)
		if left <= 0 {
			return false
		}
		t := time.NewTimer(left)
		select {
		case <-ch:
			t.Stop()
		case <-t.C:
			return false
		}
	}
}

// Sent records one committed packet.
func (c *TxCredits) Sent() {
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
}

// Ack records that the device consumed packets up to and including the
// seq-th packet sent (counting from one). Stale acks are ignored.
func (c *TxCredits) Ack(seq uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int32(seq-c.acked) <= 0 {
		return
	}
	c.acked = seq
	close(c.change)
	c.change = make(chan struct{})
}

// InFlight returns the number of unacknowledged packets.
func (c *TxCredits) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.sent - c.acked)
}

// Wrap returns a send-buffer getter that waits for a credit before asking
// get for a frame and counts the packet when it is committed with data.
func (c *TxCredits) Wrap(get func(time.Duration) (transport.SendBuffer, error)) func(time.Duration) (transport.SendBuffer, error) {
	return func(timeout time.Duration) (transport.SendBuffer, error) {
		start := time.Now()
		if !c.Wait(timeout) {
			return nil, nil
		}
		left := timeout - time.Since(start)
		if left < 0 {
			left = 0
		}
		sb, err := get(left)
		if sb == nil || err != nil {
			return sb, err
		}
		return &creditedBuffer{SendBuffer: sb, credits: c}, nil
	}
}

type creditedBuffer struct {
	transport.SendBuffer
	credits *TxCredits
}

func (b *creditedBuffer) Commit(n int) {
	if n > 0 {
		b.credits.Sent()
	}
	b.SendBuffer.Commit(n)
}
