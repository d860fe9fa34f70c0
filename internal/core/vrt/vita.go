package vrt

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/iqstream/internal/core"
)

// VITA-49 header word layout:
//
//	bits 31:28  packet type (0/1 IF data, 2/3 extension data, 4 context, 5 extension context)
//	bit  27     class id present
//	bit  26     trailer present
//	bit  25     start of burst
//	bit  24     end of burst
//	bits 23:22  integer timestamp type
//	bits 21:20  fractional timestamp type
//	bits 19:16  packet count
//	bits 15:0   packet size in 32-bit words
const (
	vrtSeqMask        = 0xf
	vrtMaxHeaderWords = 7 // header + sid + 2 cid + tsi + 2 tsf
	vrtMaxPacketWords = 0xffff

	vrtTypeData       = 0x0
	vrtTypeDataSID    = 0x1
	vrtTypeExtData    = 0x2
	vrtTypeExtDataSID = 0x3
	vrtTypeContext    = 0x4
	vrtTypeExtContext = 0x5
	vrtFlagCID        = 1 << 27
	vrtFlagTrailer    = 1 << 26
	vrtFlagSOB        = 1 << 25
	vrtFlagEOB        = 1 << 24
	vrtTSIOther       = 0x3 << 22
	vrtTSFSampleCount = 0x1 << 20
)

func vrtHeaderWords(info *PacketInfo) int {
	n := 1
	if info.HasSID {
		n++
	}
	if info.HasCID {
		n += 2
	}
	if info.HasTSI {
		n++
	}
	if info.HasTSF {
		n += 2
	}
	return n
}

func unpackVRT(buf []byte, bo binary.ByteOrder) (PacketInfo, error) {
	var info PacketInfo
	avail := len(buf) / 4
	if avail < 1 {
		return info, fmt.Errorf("%w: %d bytes is shorter than a VRT header", core.ErrMalformedPacket, len(buf))
	}

	w0 := bo.Uint32(buf)
	switch w0 >> 28 {
	case vrtTypeData, vrtTypeExtData:
		info.PacketType = PacketTypeData
	case vrtTypeDataSID, vrtTypeExtDataSID:
		info.PacketType = PacketTypeData
		info.HasSID = true
	case vrtTypeContext:
		info.PacketType = PacketTypeContext
		info.HasSID = true
	case vrtTypeExtContext:
		info.PacketType = PacketTypeFlowControl
		info.HasSID = true
	default:
		return info, fmt.Errorf("%w: reserved VRT packet type 0x%x", core.ErrMalformedPacket, w0>>28)
	}

	info.HasCID = w0&vrtFlagCID != 0
	info.HasTrailer = w0&vrtFlagTrailer != 0
	info.SOB = w0&vrtFlagSOB != 0
	info.EOB = w0&vrtFlagEOB != 0
	info.HasTSI = (w0>>22)&0x3 != 0
	info.HasTSF = (w0>>20)&0x3 != 0
	info.PacketCount = (w0 >> 16) & vrtSeqMask

	size := int(w0 & 0xffff)
	hdr := vrtHeaderWords(&info)
	tlr := 0
	if info.HasTrailer {
		tlr = 1
	}
	if size > avail {
		return info, fmt.Errorf("%w: header declares %d words, buffer holds %d", core.ErrMalformedPacket, size, avail)
	}
	if size < hdr+tlr {
		return info, fmt.Errorf("%w: packet size %d words is smaller than its %d-word header", core.ErrMalformedPacket, size, hdr+tlr)
	}

	i := 1
	if info.HasSID {
		info.SID = bo.Uint32(buf[4*i:])
		i++
	}
	if info.HasCID {
		info.CID = uint64(bo.Uint32(buf[4*i:]))<<32 | uint64(bo.Uint32(buf[4*i+4:]))
		i += 2
	}
	if info.HasTSI {
		info.TSI = bo.Uint32(buf[4*i:])
		i++
	}
	if info.HasTSF {
		info.TSF = uint64(bo.Uint32(buf[4*i:]))<<32 | uint64(bo.Uint32(buf[4*i+4:]))
		i += 2
	}
	if info.HasTrailer {
		info.Trailer = bo.Uint32(buf[4*(size-1):])
	}

	info.NumHeaderWords32 = hdr
	info.NumPayloadWords32 = size - hdr - tlr
	info.NumPayloadBytes = 4 * info.NumPayloadWords32
	info.NumPacketWords32 = size
	return info, nil
}

func packVRT(buf []byte, info *PacketInfo, bo binary.ByteOrder) error {
	var typ uint32
	switch info.PacketType {
	case PacketTypeData:
		typ = vrtTypeData
		if info.HasSID {
			typ = vrtTypeDataSID
		}
	case PacketTypeContext:
		typ = vrtTypeContext
	case PacketTypeFlowControl:
		typ = vrtTypeExtContext
	default:
		return fmt.Errorf("%w: %s packets have no VRT encoding", core.ErrMalformedPacket, info.PacketType)
	}
	if info.PacketType != PacketTypeData && !info.HasSID {
		return fmt.Errorf("%w: VRT %s packets require a stream id", core.ErrMalformedPacket, info.PacketType)
	}

	payloadWords := (info.payloadBytesForPack() + 3) / 4
	hdr := vrtHeaderWords(info)
	tlr := 0
	if info.HasTrailer {
		tlr = 1
	}
	total := hdr + payloadWords + tlr
	if total > vrtMaxPacketWords {
		return fmt.Errorf("%w: %d words exceeds the VRT size field", core.ErrMalformedPacket, total)
	}
	if len(buf) < 4*total {
		return fmt.Errorf("%w: need %d bytes, have %d", core.ErrBufferTooSmall, 4*total, len(buf))
	}

	w0 := typ<<28 | (info.PacketCount&vrtSeqMask)<<16 | uint32(total)
	if info.HasCID {
		w0 |= vrtFlagCID
	}
	if info.HasTrailer {
		w0 |= vrtFlagTrailer
	}
	if info.SOB {
		w0 |= vrtFlagSOB
	}
	if info.EOB {
		w0 |= vrtFlagEOB
	}
	if info.HasTSI {
		w0 |= vrtTSIOther
	}
	if info.HasTSF {
		w0 |= vrtTSFSampleCount
	}
	bo.PutUint32(buf, w0)

	i := 1
	if info.HasSID {
		bo.PutUint32(buf[4*i:], info.SID)
		i++
	}
	if info.HasCID {
		bo.PutUint32(buf[4*i:], uint32(info.CID>>32))
		bo.PutUint32(buf[4*i+4:], uint32(info.CID))
		i += 2
	}
	if info.HasTSI {
		bo.PutUint32(buf[4*i:], info.TSI)
		i++
	}
	if info.HasTSF {
		bo.PutUint32(buf[4*i:], uint32(info.TSF>>32))
		bo.PutUint32(buf[4*i+4:], uint32(info.TSF))
	}
	if info.HasTrailer {
		bo.PutUint32(buf[4*(total-1):], info.Trailer)
	}

	info.PacketCount &= vrtSeqMask
	info.NumHeaderWords32 = hdr
	info.NumPayloadWords32 = payloadWords
	info.NumPayloadBytes = 4 * payloadWords
	info.NumPacketWords32 = total
	return nil
}
