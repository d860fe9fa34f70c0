package rx

import "math/bits"

// bitset tracks the channels still waiting for an aligned packet.
type bitset []uint64

func newBitset(n int) bitset {
	return make(bitset, (n+63)/64)
}

// setAll marks channels [0, n) pending.
func (b bitset) setAll(n int) {
	for i := range b {
		switch {
		case n >= 64:
			b[i] = ^uint64(0)
			n -= 64
		case n > 0:
			b[i] = 1<<uint(n) - 1
			n = 0
		default:
			b[i] = 0
		}
	}
}

func (b bitset) clear(i int) {
	b[i/64] &^= 1 << uint(i%64)
}

// first returns the lowest pending channel.
func (b bitset) first() (int, bool) {
	for i, w := range b {
		if w != 0 {
			return i*64 + bits.TrailingZeros64(w), true
		}
	}
	return 0, false
}
