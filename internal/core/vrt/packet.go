package vrt

import (
	"math/bits"
)

// PacketType is the class of a packet.
type PacketType uint8

const (
	PacketTypeData PacketType = iota
	// PacketTypeContext carries an error or status message (overflow,
	// late command, burst ack) instead of samples.
	PacketTypeContext
	// PacketTypeFlowControl carries a flow-control sequence update.
	PacketTypeFlowControl
	// PacketTypeCommand carries a control command (CHDR only).
	PacketTypeCommand
)

func (t PacketType) String() string {
	switch t {
	case PacketTypeData:
		return "data"
	case PacketTypeContext:
		return "context"
	case PacketTypeFlowControl:
		return "flow_control"
	case PacketTypeCommand:
		return "command"
	default:
		return "unknown"
	}
}

// PacketInfo is the decoded form of one packet header and trailer.
type PacketInfo struct {
	PacketType  PacketType
	PacketCount uint32 // masked to the link's sequence width
	SOB         bool   // start of burst (VRT only)
	EOB         bool   // end of burst

	HasSID bool
	SID    uint32

	HasCID bool // class id, VRT only
	CID    uint64

	HasTSI bool // integer seconds, VRT only
	TSI    uint32

	HasTSF bool // fractional time in ticks
	TSF    uint64

	HasTrailer bool // VRT only
	Trailer    uint32

	NumHeaderWords32  int
	NumPayloadWords32 int
	NumPayloadBytes   int // takes precedence over NumPayloadWords32 on Pack
	NumPacketWords32  int
}

// PayloadOffset returns the byte offset of the payload within the packet.
func (info *PacketInfo) PayloadOffset() int {
	return 4 * info.NumHeaderWords32
}

// Payload returns the payload bytes of the packet held in buf.
func (info *PacketInfo) Payload(buf []byte) []byte {
	off := info.PayloadOffset()
	return buf[off : off+info.NumPayloadBytes]
}

func (info *PacketInfo) payloadBytesForPack() int {
	if info.NumPayloadBytes > 0 {
		return info.NumPayloadBytes
	}
	return 4 * info.NumPayloadWords32
}

// PayloadWord returns payload word i decoded with the profile byte order,
// or 0 when the payload is shorter.
func (p Profile) PayloadWord(buf []byte, info *PacketInfo, i int) uint32 {
	if i >= info.NumPayloadWords32 {
		return 0
	}
	off := info.PayloadOffset() + 4*i
	if off+4 > len(buf) {
		return 0
	}
	return p.ByteOrder().Uint32(buf[off:])
}

// ContextCode extracts the status code from a context packet: the low byte
// of the first payload word. The word is mirrored with its byte-swapped form
// so the code reads the same whichever order the firmware wrote it in.
func (p Profile) ContextCode(buf []byte, info *PacketInfo) uint32 {
	w := p.PayloadWord(buf, info, 0)
	return (w | bits.ReverseBytes32(w)) & 0xff
}
