package vrt

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/iqstream/internal/core"
)

// CHDR header layout (first word, then the stream id word, then an optional
// 64-bit time split high/low):
//
//	bits 31:30  packet type (00 data, 01 flow control, 10 command, 11 response/context)
//	bit  29     has time
//	bit  28     end of burst
//	bits 27:16  sequence number
//	bits 15:0   packet size in bytes, header included
//
// CHDR has no start-of-burst flag; the first packet after an end of burst
// starts the next one.
const (
	chdrSeqMask        = 0xfff
	chdrMaxPacketBytes = 0xffff

	chdrTypeData     = 0x0
	chdrTypeFC       = 0x1
	chdrTypeCommand  = 0x2
	chdrTypeResponse = 0x3
	chdrFlagHasTime  = 1 << 29
	chdrFlagEOB      = 1 << 28
)

func unpackCHDR(buf []byte, bo binary.ByteOrder) (PacketInfo, error) {
	var info PacketInfo
	if len(buf) < 8 {
		return info, fmt.Errorf("%w: %d bytes is shorter than a CHDR header", core.ErrMalformedPacket, len(buf))
	}

	w0 := bo.Uint32(buf)
	switch w0 >> 30 {
	case chdrTypeData:
		info.PacketType = PacketTypeData
	case chdrTypeFC:
		info.PacketType = PacketTypeFlowControl
	case chdrTypeCommand:
		info.PacketType = PacketTypeCommand
	case chdrTypeResponse:
		info.PacketType = PacketTypeContext
	}
	info.HasTSF = w0&chdrFlagHasTime != 0
	info.EOB = w0&chdrFlagEOB != 0
	info.PacketCount = (w0 >> 16) & chdrSeqMask
	info.HasSID = true
	info.SID = bo.Uint32(buf[4:])

	hdr := 2
	if info.HasTSF {
		hdr = 4
	}
	size := int(w0 & 0xffff)
	if size > len(buf) {
		return info, fmt.Errorf("%w: header declares %d bytes, buffer holds %d", core.ErrMalformedPacket, size, len(buf))
	}
	if size < 4*hdr {
		return info, fmt.Errorf("%w: packet size %d bytes is smaller than its %d-word header", core.ErrMalformedPacket, size, hdr)
	}
	if info.HasTSF {
		info.TSF = uint64(bo.Uint32(buf[8:]))<<32 | uint64(bo.Uint32(buf[12:]))
	}

	info.NumHeaderWords32 = hdr
	info.NumPayloadBytes = size - 4*hdr
	info.NumPayloadWords32 = (info.NumPayloadBytes + 3) / 4
	info.NumPacketWords32 = hdr + info.NumPayloadWords32
	return info, nil
}

func packCHDR(buf []byte, info *PacketInfo, bo binary.ByteOrder) error {
	if info.HasCID || info.HasTSI || info.HasTrailer {
		return fmt.Errorf("%w: CHDR has no class id, integer time or trailer field", core.ErrMalformedPacket)
	}

	var typ uint32
	switch info.PacketType {
	case PacketTypeData:
		typ = chdrTypeData
	case PacketTypeFlowControl:
		typ = chdrTypeFC
	case PacketTypeCommand:
		typ = chdrTypeCommand
	case PacketTypeContext:
		typ = chdrTypeResponse
	default:
		return fmt.Errorf("%w: %s packets have no CHDR encoding", core.ErrMalformedPacket, info.PacketType)
	}

	hdr := 2
	if info.HasTSF {
		hdr = 4
	}
	payloadBytes := info.payloadBytesForPack()
	size := 4*hdr + payloadBytes
	if size > chdrMaxPacketBytes {
		return fmt.Errorf("%w: %d bytes exceeds the CHDR size field", core.ErrMalformedPacket, size)
	}
	if len(buf) < size {
		return fmt.Errorf("%w: need %d bytes, have %d", core.ErrBufferTooSmall, size, len(buf))
	}

	w0 := typ<<30 | (info.PacketCount&chdrSeqMask)<<16 | uint32(size)
	if info.HasTSF {
		w0 |= chdrFlagHasTime
	}
	if info.EOB {
		w0 |= chdrFlagEOB
	}
	bo.PutUint32(buf, w0)
	bo.PutUint32(buf[4:], info.SID)
	if info.HasTSF {
		bo.PutUint32(buf[8:], uint32(info.TSF>>32))
		bo.PutUint32(buf[12:], uint32(info.TSF))
	}

	info.HasSID = true
	info.PacketCount &= chdrSeqMask
	info.NumHeaderWords32 = hdr
	info.NumPayloadBytes = payloadBytes
	info.NumPayloadWords32 = (payloadBytes + 3) / 4
	info.NumPacketWords32 = hdr + info.NumPayloadWords32
	return nil
}
