// Package vrt implements the VITA-49 (VRT) and CHDR packet header codecs.
//
// The codec never allocates: Unpack reads from a caller-owned receive
// buffer and Pack writes a header (and trailer) in place into a caller-owned
// send buffer. Multi-byte fields use the byte order of the link profile.
package vrt

import (
	"encoding/binary"
	"fmt"
	"strings"

	"firestige.xyz/iqstream/internal/core"
)

// LinkType selects the header layout.
type LinkType uint8

const (
	// LinkTypeVRT is the VITA-49 IF data layout with a 4-bit packet count.
	LinkTypeVRT LinkType = iota
	// LinkTypeCHDR is the compressed header layout with a 12-bit sequence.
	LinkTypeCHDR
)

func (l LinkType) String() string {
	switch l {
	case LinkTypeVRT:
		return "vrt"
	case LinkTypeCHDR:
		return "chdr"
	default:
		return "unknown"
	}
}

// Endianness selects the byte order of header and payload words.
type Endianness uint8

const (
	BigEndian Endianness = iota
	LittleEndian
)

func (e Endianness) String() string {
	if e == LittleEndian {
		return "little"
	}
	return "big"
}

// Profile is a link framing profile: header layout plus byte order.
type Profile struct {
	Link  LinkType
	Order Endianness
}

// Common profiles. Network links are big-endian, USB links little-endian.
var (
	ProfileVRTBigEndian     = Profile{Link: LinkTypeVRT, Order: BigEndian}
	ProfileVRTLittleEndian  = Profile{Link: LinkTypeVRT, Order: LittleEndian}
	ProfileCHDRBigEndian    = Profile{Link: LinkTypeCHDR, Order: BigEndian}
	ProfileCHDRLittleEndian = Profile{Link: LinkTypeCHDR, Order: LittleEndian}
)

// ParseProfile parses a link type ("vrt" or "chdr") and byte order
// ("big" or "little").
func ParseProfile(link, order string) (Profile, error) {
	var p Profile
	switch strings.ToLower(link) {
	case "vrt", "vita49":
		p.Link = LinkTypeVRT
	case "chdr":
		p.Link = LinkTypeCHDR
	default:
		return p, fmt.Errorf("%w: unknown link type %q (must be vrt/chdr)", core.ErrConfigInvalid, link)
	}
	switch strings.ToLower(order) {
	case "big", "be":
		p.Order = BigEndian
	case "little", "le":
		p.Order = LittleEndian
	default:
		return p, fmt.Errorf("%w: unknown byte order %q (must be big/little)", core.ErrConfigInvalid, order)
	}
	return p, nil
}

// ByteOrder returns the encoding/binary order for the profile.
func (p Profile) ByteOrder() binary.ByteOrder {
	if p.Order == LittleEndian {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// SequenceMask returns the mask applied to packet counts on this link.
func (p Profile) SequenceMask() uint32 {
	if p.Link == LinkTypeCHDR {
		return chdrSeqMask
	}
	return vrtSeqMask
}

// MaxHeaderWords returns the largest header (plus trailer) the layout allows.
func (p Profile) MaxHeaderWords() int {
	if p.Link == LinkTypeCHDR {
		return 4
	}
	return vrtMaxHeaderWords + 1
}

// WireSuffix returns the item32 format suffix matching the byte order,
// e.g. "_item32_be".
func (p Profile) WireSuffix() string {
	if p.Order == LittleEndian {
		return "_item32_le"
	}
	return "_item32_be"
}

func (p Profile) String() string {
	return p.Link.String() + "_" + p.Order.String()
}

// Unpack decodes the header of the packet held in buf. buf must contain the
// whole packet (its length bounds the header-declared size).
func (p Profile) Unpack(buf []byte) (PacketInfo, error) {
	if p.Link == LinkTypeCHDR {
		return unpackCHDR(buf, p.ByteOrder())
	}
	return unpackVRT(buf, p.ByteOrder())
}

// Pack writes the header described by info into buf. The caller sets the
// payload size (NumPayloadWords32 or NumPayloadBytes); Pack fills in
// NumHeaderWords32, NumPacketWords32 and the derived payload size. The
// payload itself starts at byte offset 4*NumHeaderWords32 and is left
// untouched.
func (p Profile) Pack(buf []byte, info *PacketInfo) error {
	if p.Link == LinkTypeCHDR {
		return packCHDR(buf, info, p.ByteOrder())
	}
	return packVRT(buf, info, p.ByteOrder())
}

// HeaderWords returns the header size Pack would produce for info without
// writing anything.
func (p Profile) HeaderWords(info *PacketInfo) int {
	if p.Link == LinkTypeCHDR {
		if info.HasTSF {
			return 4
		}
		return 2
	}
	return vrtHeaderWords(info)
}
