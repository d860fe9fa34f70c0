// Package flowctrl implements packet-count flow control between the host
// and the device.
//
// On receive the host tells the device how far it has consumed so the
// device can keep at most a window of packets in flight. On transmit the
// device acknowledges consumed packets and the host stops handing out send
// frames once a window of packets is unacknowledged.
package flowctrl

import (
	"fmt"
	"time"

	"firestige.xyz/iqstream/internal/core"
	"firestige.xyz/iqstream/internal/core/vrt"
	"firestige.xyz/iqstream/internal/transport"
)

// DefaultUpdateFraction is the share of the window after which the host
// reports progress.
const DefaultUpdateFraction = 0.5

// Window is a flow-control window configuration.
type Window struct {
	Packets        int     `mapstructure:"window_packets"`
	UpdateFraction float64 `mapstructure:"update_fraction"`
}

// Validate rejects windows that cannot make progress.
func (w Window) Validate() error {
	if w.Packets <= 0 {
		return fmt.Errorf("%w: flow control window must be at least one packet, got %d", core.ErrConfigInvalid, w.Packets)
	}
	if w.UpdateFraction < 0 || w.UpdateFraction > 1 {
		return fmt.Errorf("%w: flow control update fraction %v not in [0, 1]", core.ErrConfigInvalid, w.UpdateFraction)
	}
	return nil
}

// Interval returns the number of packets between progress reports, at
// least one.
func (w Window) Interval() int {
	frac := w.UpdateFraction
	if frac == 0 {
		frac = DefaultUpdateFraction
	}
	n := int(float64(w.Packets) * frac)
	if n < 1 {
		n = 1
	}
	return n
}

// packFlowControl writes a flow-control packet carrying seq into buf and
// returns its length in bytes.
func packFlowControl(profile vrt.Profile, buf []byte, sid uint32, count uint32, seq uint32) (int, error) {
	info := vrt.PacketInfo{
		PacketType:        vrt.PacketTypeFlowControl,
		PacketCount:       count,
		HasSID:            true,
		SID:               sid,
		NumPayloadWords32: 2,
	}
	if err := profile.Pack(buf, &info); err != nil {
		return 0, err
	}
	off := info.PayloadOffset()
	bo := profile.ByteOrder()
	bo.PutUint32(buf[off:], 0)
	bo.PutUint32(buf[off+4:], seq)
	return 4 * info.NumPacketWords32, nil
}

// ParseFlowControl returns the sequence carried by a flow-control packet.
func ParseFlowControl(profile vrt.Profile, buf []byte, info *vrt.PacketInfo) (uint32, error) {
	if info.PacketType != vrt.PacketTypeFlowControl {
		return 0, fmt.Errorf("%w: %s packet is not flow control", core.ErrMalformedPacket, info.PacketType)
	}
	if info.NumPayloadWords32 < 2 {
		return 0, fmt.Errorf("%w: flow control payload has %d words", core.ErrMalformedPacket, info.NumPayloadWords32)
	}
	return profile.PayloadWord(buf, info, 1), nil
}

// RxNotifier sends receive progress reports for one channel back to the
// device.
type RxNotifier struct {
	xport   transport.ZeroCopy
	profile vrt.Profile
	sid     uint32
	timeout time.Duration
	count   uint32
}

// NewRxNotifier creates a notifier sending through xport. sid addresses the
// device-side stream.
func NewRxNotifier(xport transport.ZeroCopy, profile vrt.Profile, sid uint32) *RxNotifier {
	return &RxNotifier{xport: xport, profile: profile, sid: sid, timeout: 100 * time.Millisecond}
}

// Notify reports that the packet with sequence seq was consumed.
func (n *RxNotifier) Notify(seq uint32) error {
	sb, err := n.xport.GetSendBuff(n.timeout)
	if err != nil {
		return fmt.Errorf("flow control send buffer: %w", err)
	}
	if sb == nil {
		return fmt.Errorf("flow control send buffer: timed out after %s", n.timeout)
	}
	size, err := packFlowControl(n.profile, sb.Bytes(), n.sid, n.count, seq)
	if err != nil {
		sb.Commit(0)
		return err
	}
	n.count++
	sb.Commit(size)
	return nil
}

// Ack builds a flow-control acknowledgement the way a device reports
// consumed transmit packets. It is used by device models.
func Ack(profile vrt.Profile, buf []byte, sid uint32, count uint32, seq uint32) (int, error) {
	return packFlowControl(profile, buf, sid, count, seq)
}
