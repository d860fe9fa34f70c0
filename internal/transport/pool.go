package transport

import (
	"sync"
	"time"

	"firestige.xyz/iqstream/internal/core"
)

// framePool is a fixed set of frames cycling between a free list and a
// ready queue. Both are buffered channels sized to the frame count so that
// handing a frame back never blocks.
type framePool struct {
	size  int
	free  chan []byte
	ready chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newFramePool(num, size int) *framePool {
	if num <= 0 {
		num = DefaultNumFrames
	}
	if size <= 0 {
		size = DefaultFrameSize
	}
	p := &framePool{
		size:  size,
		free:  make(chan []byte, num),
		ready: make(chan []byte, num),
		done:  make(chan struct{}),
	}
	for i := 0; i < num; i++ {
		p.free <- make([]byte, size)
	}
	return p
}

func (p *framePool) grab(timeout time.Duration) ([]byte, error) {
	select {
	case f := <-p.free:
		return f[:p.size], nil
	case <-p.done:
		return nil, core.ErrTransportClosed
	default:
	}
	if timeout <= 0 {
		return nil, nil
	}

	c, stop := waitTimer(timeout)
	defer stop()
	select {
	case f := <-p.free:
		return f[:p.size], nil
	case <-p.done:
		return nil, core.ErrTransportClosed
	case <-c:
		return nil, nil
	}
}

func (p *framePool) next(timeout time.Duration) ([]byte, error) {
	select {
	case f := <-p.ready:
		return f, nil
	default:
	}
	select {
	case <-p.done:
		return nil, core.ErrTransportClosed
	default:
	}
	if timeout <= 0 {
		return nil, nil
	}

	c, stop := waitTimer(timeout)
	defer stop()
	select {
	case f := <-p.ready:
		return f, nil
	case <-p.done:
		return nil, core.ErrTransportClosed
	case <-c:
		return nil, nil
	}
}

func (p *framePool) put(f []byte) {
	p.free <- f[:cap(f)]
}

func (p *framePool) push(f []byte) {
	p.ready <- f
}

func (p *framePool) close() {
	p.closeOnce.Do(func() { close(p.done) })
}

func (p *framePool) frames() int {
	return cap(p.free)
}

type recvFrame struct {
	pool *framePool
	data []byte
}

func (f *recvFrame) Bytes() []byte { return f.data }

func (f *recvFrame) Release() {
	if f.data == nil {
		return
	}
	f.pool.put(f.data)
	f.data = nil
}

type sendFrame struct {
	data   []byte
	commit func(data []byte, n int)
}

func (f *sendFrame) Bytes() []byte { return f.data }

func (f *sendFrame) Commit(n int) {
	if f.data == nil {
		return
	}
	data := f.data
	f.data = nil
	f.commit(data, n)
}
