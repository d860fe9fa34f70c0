package rx

import (
	"firestige.xyz/iqstream/internal/core"
	"firestige.xyz/iqstream/internal/core/vrt"
	"firestige.xyz/iqstream/internal/transport"
)

// bufferInfo is one channel's packet within a slot.
type bufferInfo struct {
	buf  transport.RecvBuffer
	data []byte
	info vrt.PacketInfo
	time core.TimeSpec
}

func (b *bufferInfo) release() {
	if b.buf != nil {
		b.buf.Release()
		b.buf = nil
	}
	b.data = nil
}

// slot is one set of channel packets being aligned or drained. The handler
// rotates through four slots: the previous set, the current one, the next
// one that absorbs progress when a search returns early, and a spare.
type slot struct {
	ch      []bufferInfo
	pending bitset

	alignTime  core.TimeSpec
	alignValid bool

	dataBytesToCopy int
	fragmentOffset  int // samples already copied out of the current packets
	md              core.RxMetadata
}

func newSlot(n int) slot {
	s := slot{ch: make([]bufferInfo, n), pending: newBitset(n)}
	s.pending.setAll(n)
	return s
}

// reset releases the slot's packets and makes every channel pending again.
func (s *slot) reset() {
	for i := range s.ch {
		s.ch[i].release()
	}
	s.pending.setAll(len(s.ch))
	s.alignValid = false
	s.dataBytesToCopy = 0
	s.fragmentOffset = 0
}

func (s *slot) releaseAll() {
	for i := range s.ch {
		s.ch[i].release()
	}
}
