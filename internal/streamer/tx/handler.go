// Package tx implements the transmit packet handler: it splits send
// requests into packets of at most the configured samples per packet,
// converts the host samples into the wire format and commits one frame per
// channel and packet.
package tx

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"firestige.xyz/iqstream/internal/core"
	"firestige.xyz/iqstream/internal/core/convert"
	"firestige.xyz/iqstream/internal/core/vrt"
	"firestige.xyz/iqstream/internal/metrics"
	"firestige.xyz/iqstream/internal/transport"
)

// GetBuffFunc returns an empty send frame, or (nil, nil) on timeout.
type GetBuffFunc func(timeout time.Duration) (transport.SendBuffer, error)

// AsyncReceiver pops one asynchronous event, waiting up to timeout.
type AsyncReceiver func(timeout time.Duration) (core.AsyncMetadata, bool)

// Config configures a Handler.
type Config struct {
	Profile     vrt.Profile
	NumChannels int

	// HostFormat is the input format: "fc32", "fc64", "sc16" or "sc8".
	HostFormat string
	// WireFormat is "sc16", "sc8" or a full item32 name.
	WireFormat string
	Scalar     float64

	TickRate float64
	SampRate float64

	MaxSamplesPerPacket int

	// PerChannelSequence gives every channel its own packet counter
	// instead of one counter shared by the group.
	PerChannelSequence bool
}

type channelProps struct {
	getBuff GetBuffFunc
	hasSID  bool
	sid     uint32
	seq     uint32

	packets prometheus.Counter

	// frame held between acquire and commit
	buff   transport.SendBuffer
	length int
}

// Handler is the transmit engine for one group of channels. It is not safe
// for concurrent use.
type Handler struct {
	profile vrt.Profile
	props   []channelProps

	tickRate float64
	sampRate float64
	spp      int

	seq           uint32
	perChannelSeq bool

	conv         convert.Converter
	wireItemSize int
	hostItemSize int
	in, out      [][]byte
	zeros        [][]byte

	cached   bool
	cachedMD core.TxMetadata

	asyncRecv AsyncReceiver
}

// NewHandler creates a handler from cfg.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.NumChannels < 1 {
		return nil, fmt.Errorf("%w: transmit needs at least one channel", core.ErrConfigInvalid)
	}
	h := &Handler{
		profile:       cfg.Profile,
		tickRate:      cfg.TickRate,
		sampRate:      cfg.SampRate,
		perChannelSeq: cfg.PerChannelSequence,
		in:            make([][]byte, 1),
		out:           make([][]byte, 1),
	}
	if err := h.SetMaxSamplesPerPacket(cfg.MaxSamplesPerPacket); err != nil {
		return nil, err
	}

	wire, host := cfg.WireFormat, cfg.HostFormat
	if wire == "" {
		wire = "sc16"
	}
	if host == "" {
		host = "fc32"
	}
	if err := h.SetConverter(host, wire); err != nil {
		return nil, err
	}
	if cfg.Scalar != 0 {
		h.SetScalar(cfg.Scalar)
	}
	h.Resize(cfg.NumChannels)
	return h, nil
}

// Resize sets the number of channels and drops all bindings.
func (h *Handler) Resize(n int) {
	h.props = make([]channelProps, n)
	h.zeros = make([][]byte, n)
	for i := range h.zeros {
		h.zeros[i] = make([]byte, h.hostItemSize)
	}
	h.cached = false
}

// NumChannels returns the channel count.
func (h *Handler) NumChannels() int {
	return len(h.props)
}

func (h *Handler) SetTickRate(rate float64) { h.tickRate = rate }
func (h *Handler) SetSampRate(rate float64) { h.sampRate = rate }

// SetMaxSamplesPerPacket sets the largest payload, in samples, of one packet.
func (h *Handler) SetMaxSamplesPerPacket(spp int) error {
	if spp < 1 {
		return fmt.Errorf("%w: samples per packet must be positive, got %d", core.ErrConfigInvalid, spp)
	}
	h.spp = spp
	return nil
}

// MaxSamplesPerPacket returns the configured samples per packet.
func (h *Handler) MaxSamplesPerPacket() int {
	return h.spp
}

// SetConverter selects the host and wire sample formats.
func (h *Handler) SetConverter(host, wire string) error {
	if !strings.Contains(wire, "_item32") {
		wire += h.profile.WireSuffix()
	}
	conv, err := convert.Get(convert.ID{Input: host, NumInputs: 1, Output: wire, NumOutputs: 1})
	if err != nil {
		return err
	}
	wireSize, err := convert.ItemSize(wire)
	if err != nil {
		return err
	}
	hostSize, err := convert.ItemSize(host)
	if err != nil {
		return err
	}
	h.conv = conv
	h.wireItemSize = wireSize
	if hostSize != h.hostItemSize {
		h.hostItemSize = hostSize
		for i := range h.zeros {
			h.zeros[i] = make([]byte, hostSize)
		}
	}
	return nil
}

// SetScalar sets the conversion scale factor.
func (h *Handler) SetScalar(scalar float64) {
	h.conv.SetScalar(scalar)
}

// HostItemSize returns the size in bytes of one input sample.
func (h *Handler) HostItemSize() int {
	return h.hostItemSize
}

// Bind connects channel index to its send transport. Packets carry sid when
// hasSID is set; CHDR packets always carry one.
func (h *Handler) Bind(index int, get GetBuffFunc, hasSID bool, sid uint32) error {
	if index < 0 || index >= len(h.props) {
		return fmt.Errorf("%w: %d of %d", core.ErrChannelIndex, index, len(h.props))
	}
	if get == nil {
		return fmt.Errorf("%w: channel %d has no buffer source", core.ErrConfigInvalid, index)
	}
	h.props[index] = channelProps{
		getBuff: get,
		hasSID:  hasSID,
		sid:     sid,
		packets: metrics.TxPacketsTotal.WithLabelValues(strconv.Itoa(index)),
	}
	return nil
}

// SetAsyncReceiver installs the source RecvAsyncMsg reads from.
func (h *Handler) SetAsyncReceiver(fn AsyncReceiver) {
	h.asyncRecv = fn
}

// RecvAsyncMsg returns the next asynchronous transmit event, waiting up to
// timeout. It reports false on timeout or when no receiver is installed.
func (h *Handler) RecvAsyncMsg(timeout time.Duration) (core.AsyncMetadata, bool) {
	if h.asyncRecv == nil {
		return core.AsyncMetadata{}, false
	}
	return h.asyncRecv(timeout)
}

// Send transmits nsampsPerBuff samples from each buffer and returns the
// number of samples per buffer accepted. A buffer timeout ends the call
// early; the samples already committed are reported.
//
// A zero-sample start of burst emits nothing: its metadata is held and
// applied to the next call with samples. Any other zero-sample call emits
// one packet with a single zero sample so that its end of burst reaches
// the device.
func (h *Handler) Send(buffs [][]byte, nsampsPerBuff int, md core.TxMetadata, timeout time.Duration) (int, error) {
	if err := h.checkBuffs(buffs, nsampsPerBuff); err != nil {
		return 0, err
	}

	if nsampsPerBuff == 0 && md.StartOfBurst && !md.EndOfBurst {
		h.cached = true
		h.cachedMD = md
		return 0, nil
	}
	if h.cached {
		h.cached = false
		md.StartOfBurst = true
		if h.cachedMD.HasTimeSpec && !md.HasTimeSpec {
			md.HasTimeSpec = true
			md.TimeSpec = h.cachedMD.TimeSpec
		}
	}

	if nsampsPerBuff == 0 {
		_, err := h.sendOnePacket(h.zeros, 0, 1, md, timeout)
		return 0, err
	}

	if nsampsPerBuff <= h.spp {
		n, err := h.sendOnePacket(buffs, 0, nsampsPerBuff, md, timeout)
		metrics.TxSamplesTotal.Add(float64(n))
		return n, err
	}

	numFragments := (nsampsPerBuff - 1) / h.spp
	finalLength := (nsampsPerBuff-1)%h.spp + 1

	total := 0
	for i := 0; i <= numFragments; i++ {
		frag := h.fragmentMetadata(md, i, numFragments, total)
		length := h.spp
		if i == numFragments {
			length = finalLength
		}
		n, err := h.sendOnePacket(buffs, total, length, frag, timeout)
		total += n
		if err != nil || n == 0 {
			metrics.TxSamplesTotal.Add(float64(total))
			return total, err
		}
	}
	metrics.TxSamplesTotal.Add(float64(total))
	return total, nil
}

// fragmentMetadata derives the metadata of fragment i of last+1. The time
// of each fragment is computed from the original time and the samples sent
// so far so that rounding does not accumulate.
func (h *Handler) fragmentMetadata(md core.TxMetadata, i, last, offset int) core.TxMetadata {
	frag := md
	frag.StartOfBurst = md.StartOfBurst && i == 0
	frag.EndOfBurst = md.EndOfBurst && i == last
	if md.HasTimeSpec && offset > 0 {
		frag.TimeSpec = md.TimeSpec.Add(core.TimeSpecFromTicks(int64(offset), h.sampRate))
	}
	return frag
}

func (h *Handler) checkBuffs(buffs [][]byte, nsamps int) error {
	if len(buffs) != len(h.props) {
		return fmt.Errorf("%w: got %d buffers for %d channels", core.ErrBufferCount, len(buffs), len(h.props))
	}
	for i := range h.props {
		if h.props[i].getBuff == nil {
			return fmt.Errorf("%w: channel %d", core.ErrChannelNotBound, i)
		}
		if len(buffs[i]) < nsamps*h.hostItemSize {
			return fmt.Errorf("%w: channel %d buffer holds %d bytes, need %d",
				core.ErrBufferTooSmall, i, len(buffs[i]), nsamps*h.hostItemSize)
		}
	}
	return nil
}

// abort hands every acquired frame back unsent.
func (h *Handler) abort() {
	for i := range h.props {
		if b := h.props[i].buff; b != nil {
			b.Commit(0)
			h.props[i].buff = nil
		}
	}
}

// sendOnePacket emits one packet per channel carrying nsamps samples taken
// from offset off of each buffer. All channels are acquired before any is
// committed: a timeout on one channel sends nothing and returns 0.
func (h *Handler) sendOnePacket(buffs [][]byte, off, nsamps int, md core.TxMetadata, timeout time.Duration) (int, error) {
	for i := range h.props {
		p := &h.props[i]
		b, err := p.getBuff(timeout)
		if err != nil {
			h.abort()
			return 0, fmt.Errorf("channel %d send: %w", i, err)
		}
		if b == nil {
			h.abort()
			metrics.TxTimeoutsTotal.Inc()
			return 0, nil
		}
		p.buff = b
	}

	tmpl := vrt.PacketInfo{
		PacketType:      vrt.PacketTypeData,
		PacketCount:     h.seq,
		SOB:             md.StartOfBurst,
		EOB:             md.EndOfBurst,
		HasTSF:          md.HasTimeSpec,
		NumPayloadBytes: nsamps * h.wireItemSize,
	}
	if md.HasTimeSpec {
		tmpl.TSF = uint64(md.TimeSpec.Ticks(h.tickRate))
	}

	for i := range h.props {
		p := &h.props[i]
		info := tmpl
		info.HasSID = p.hasSID
		info.SID = p.sid
		if h.perChannelSeq {
			info.PacketCount = p.seq
		}

		frame := p.buff.Bytes()
		if err := h.profile.Pack(frame, &info); err != nil {
			h.abort()
			return 0, fmt.Errorf("channel %d: %w", i, err)
		}
		payload := frame[info.PayloadOffset() : info.PayloadOffset()+4*info.NumPayloadWords32]
		if tmpl.NumPayloadBytes%4 != 0 {
			// odd sc8 counts leave half a word of padding
			clear(payload[len(payload)-4:])
		}

		p.length = 4 * info.NumPacketWords32

		h.in[0] = buffs[i]
		h.out[0] = payload
		h.conv.Convert(h.in, off, h.out, 0, nsamps)
	}
	h.in[0], h.out[0] = nil, nil

	for i := range h.props {
		p := &h.props[i]
		p.buff.Commit(p.length)
		p.buff = nil
		p.seq++
		p.packets.Inc()
	}
	h.seq++
	return nsamps, nil
}
