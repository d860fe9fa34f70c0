// Package rx implements the receive packet handler.
//
// The handler pulls packets from one transport per channel, checks their
// sequence numbers and timestamps, aligns all channels on a common
// timestamp and copy-converts the payloads into the caller's buffers.
// Packets larger than the caller's request are delivered across several
// calls as fragments.
//
// A Handler is not safe for concurrent use. Rate setters must not be called
// while another goroutine is inside Recv.
package rx

import (
	"fmt"
	"log/slog"
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

// DefaultAlignmentFailureThreshold is the number of packets per channel the
// alignment search may discard before giving up.
const DefaultAlignmentFailureThreshold = 1000

// GetBuffFunc returns the next received frame of a channel, or (nil, nil)
// on timeout.
type GetBuffFunc func(timeout time.Duration) (transport.RecvBuffer, error)

// ChannelBinding connects one channel to its transport and device hooks.
// Only GetBuff is required.
type ChannelBinding struct {
	GetBuff GetBuffFunc

	// IssueStreamCmd forwards a stream command to the channel's radio.
	IssueStreamCmd func(cmd core.StreamCommand) error

	// Overflow is called from inside Recv when the device reports an
	// overflow or the channels cannot be aligned. It may call FlushAll.
	Overflow func()

	// FlowControl reports the sequence of a consumed packet. It is called
	// every FlowControlInterval data packets and on every anomaly.
	FlowControl         func(seq uint32)
	FlowControlInterval int

	// HasStreamID makes the handler reject packets carrying another
	// stream id as bad packets.
	HasStreamID bool
	StreamID    uint32
}

type channelProps struct {
	ChannelBinding

	expectedSeq uint32
	resync      bool // adopt the next sequence number without error
	fcCount     int
	lastSeq     uint32 // of the last data packet taken off the transport
	seenData    bool

	packets   prometheus.Counter
	seqErrors prometheus.Counter
	stale     prometheus.Counter
	fcUpdates prometheus.Counter
}

// Config configures a Handler.
type Config struct {
	Profile     vrt.Profile
	NumChannels int

	// WireFormat is the payload sample format, "sc16" or "sc8", or a full
	// item32 name such as "sc16_item32_le".
	WireFormat string
	// HostFormat is the output format: "fc32", "fc64", "sc16" or "sc8".
	HostFormat string
	// Scalar overrides the conversion scale factor when non-zero.
	Scalar float64

	TickRate float64
	SampRate float64

	AlignmentFailureThreshold int

	// NotifyStale reports packets discarded during alignment to flow
	// control as well.
	NotifyStale bool
}

// Handler is the receive engine for one group of channels.
type Handler struct {
	profile vrt.Profile
	props   []channelProps

	slots [4]slot
	index int

	tickRate float64
	sampRate float64

	alignThreshold int // per channel
	notifyStale    bool

	conv         convert.Converter
	wireItemSize int
	hostItemSize int
	in, out      [][]byte

	queued   bool
	queuedMD core.RxMetadata

	inBurst     bool // a delivered set without end of burst is open
	gapReported bool // a sequence gap was reported for the set being aligned
}

// NewHandler creates a handler from cfg.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.NumChannels < 1 {
		return nil, fmt.Errorf("%w: receive needs at least one channel", core.ErrConfigInvalid)
	}
	h := &Handler{
		profile:        cfg.Profile,
		tickRate:       cfg.TickRate,
		sampRate:       cfg.SampRate,
		alignThreshold: DefaultAlignmentFailureThreshold,
		notifyStale:    cfg.NotifyStale,
		in:             make([][]byte, 1),
		out:            make([][]byte, 1),
	}
	if cfg.AlignmentFailureThreshold > 0 {
		h.alignThreshold = cfg.AlignmentFailureThreshold
	}
	h.Resize(cfg.NumChannels)

	wire, host := cfg.WireFormat, cfg.HostFormat
	if wire == "" {
		wire = "sc16"
	}
	if host == "" {
		host = "fc32"
	}
	if err := h.SetConverter(wire, host); err != nil {
		return nil, err
	}
	if cfg.Scalar != 0 {
		h.SetScalar(cfg.Scalar)
	}
	return h, nil
}

// Resize sets the number of channels. Bindings and alignment state are
// discarded and held buffers released.
func (h *Handler) Resize(n int) {
	for i := range h.slots {
		h.slots[i].releaseAll()
	}
	h.props = make([]channelProps, n)
	for i := range h.slots {
		h.slots[i] = newSlot(n)
	}
	h.index = 0
	h.queued = false
	h.inBurst = false
	h.gapReported = false
}

// NumChannels returns the channel count.
func (h *Handler) NumChannels() int {
	return len(h.props)
}

func (h *Handler) SetTickRate(rate float64) { h.tickRate = rate }
func (h *Handler) SetSampRate(rate float64) { h.sampRate = rate }

// SetAlignmentFailureThreshold sets how many packets per channel the
// alignment search may discard before reporting an alignment error.
func (h *Handler) SetAlignmentFailureThreshold(n int) {
	if n > 0 {
		h.alignThreshold = n
	}
}

// SetConverter selects the wire and host sample formats.
func (h *Handler) SetConverter(wire, host string) error {
	if !strings.Contains(wire, "_item32") {
		wire += h.profile.WireSuffix()
	}
	conv, err := convert.Get(convert.ID{Input: wire, NumInputs: 1, Output: host, NumOutputs: 1})
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
	h.hostItemSize = hostSize
	return nil
}

// SetScalar sets the conversion scale factor.
func (h *Handler) SetScalar(scalar float64) {
	h.conv.SetScalar(scalar)
}

// HostItemSize returns the size in bytes of one output sample.
func (h *Handler) HostItemSize() int {
	return h.hostItemSize
}

// Bind connects channel index to its transport and hooks.
func (h *Handler) Bind(index int, b ChannelBinding) error {
	if index < 0 || index >= len(h.props) {
		return fmt.Errorf("%w: %d of %d", core.ErrChannelIndex, index, len(h.props))
	}
	if b.GetBuff == nil {
		return fmt.Errorf("%w: channel %d has no buffer source", core.ErrConfigInvalid, index)
	}
	if b.FlowControlInterval < 1 {
		b.FlowControlInterval = 1
	}
	label := strconv.Itoa(index)
	h.props[index] = channelProps{
		ChannelBinding: b,
		packets:        metrics.RxPacketsTotal.WithLabelValues(label),
		seqErrors:      metrics.RxSequenceErrorsTotal.WithLabelValues(label),
		stale:          metrics.RxStalePacketsTotal.WithLabelValues(label),
		fcUpdates:      metrics.FlowControlUpdatesTotal.WithLabelValues(label),
	}
	return nil
}

// IssueStreamCmd forwards cmd to every bound channel. Starting several
// channels "now" cannot be time aligned and is rejected.
func (h *Handler) IssueStreamCmd(cmd core.StreamCommand) error {
	if len(h.props) > 1 && cmd.StreamNow && cmd.Mode != core.StreamModeStopContinuous {
		return fmt.Errorf("%w: stream now on %d channels will not be time aligned, use a timed command",
			core.ErrStreamCommand, len(h.props))
	}
	for i := range h.props {
		if h.props[i].IssueStreamCmd == nil {
			continue
		}
		if err := h.props[i].IssueStreamCmd(cmd); err != nil {
			return fmt.Errorf("channel %d: %w", i, err)
		}
	}
	return nil
}

func (h *Handler) curr() *slot { return &h.slots[h.index] }
func (h *Handler) prev() *slot { return &h.slots[(h.index+3)%4] }
func (h *Handler) next() *slot { return &h.slots[(h.index+1)%4] }

// saveProgress moves the current slot into the next position so the
// following call resumes the search where this one stopped.
func (h *Handler) saveProgress() {
	n := (h.index + 1) % 4
	h.slots[h.index], h.slots[n] = h.slots[n], h.slots[h.index]
}

func (h *Handler) samplesIn(b *bufferInfo) int {
	return b.info.NumPayloadBytes / h.wireItemSize
}

// Recv fills buffs (one per channel) with up to nsampsPerBuff samples each
// and returns the count delivered per buffer. Streaming anomalies are
// reported in the metadata error code; a non-nil error means a transport
// fault or a bad argument.
//
// With onePacket set, at most one packet is consumed. Otherwise packets are
// consumed until the buffers are full, an end of burst is seen, or an error
// code arrives; such an error is returned by the next call.
func (h *Handler) Recv(buffs [][]byte, nsampsPerBuff int, timeout time.Duration, onePacket bool) (int, core.RxMetadata, error) {
	if err := h.checkBuffs(buffs, nsampsPerBuff); err != nil {
		return 0, core.RxMetadata{}, err
	}

	if h.queued {
		h.queued = false
		md := h.queuedMD
		// a timeout may cut a full-buffer request short, but is not
		// replayed on its own
		if md.ErrorCode != core.RxErrorTimeout {
			return 0, md, nil
		}
	}

	total, md, err := h.recvOnePacket(buffs, nsampsPerBuff, 0, timeout)
	if err != nil {
		return 0, md, err
	}
	if onePacket || md.ErrorCode != core.RxErrorNone || md.EndOfBurst {
		metrics.RxSamplesTotal.Add(float64(total))
		return total, md, nil
	}

	for total < nsampsPerBuff {
		n, qmd, err := h.recvOnePacket(buffs, nsampsPerBuff-total, total, timeout)
		if err != nil {
			metrics.RxSamplesTotal.Add(float64(total))
			return total, md, err
		}
		if qmd.ErrorCode != core.RxErrorNone {
			h.queued = true
			h.queuedMD = qmd
			break
		}
		total += n
		if qmd.EndOfBurst {
			md.EndOfBurst = true
			break
		}
	}
	metrics.RxSamplesTotal.Add(float64(total))
	return total, md, nil
}

func (h *Handler) checkBuffs(buffs [][]byte, nsamps int) error {
	if len(buffs) != len(h.props) {
		return fmt.Errorf("%w: got %d buffers for %d channels", core.ErrBufferCount, len(buffs), len(h.props))
	}
	for i := range h.props {
		if h.props[i].GetBuff == nil {
			return fmt.Errorf("%w: channel %d", core.ErrChannelNotBound, i)
		}
		if len(buffs[i]) < nsamps*h.hostItemSize {
			return fmt.Errorf("%w: channel %d buffer holds %d bytes, need %d",
				core.ErrBufferTooSmall, i, len(buffs[i]), nsamps*h.hostItemSize)
		}
	}
	return nil
}

// recvOnePacket copies out of the current aligned packet set, aligning a
// new set first when the current one is drained. outOff is the sample
// offset into the output buffers.
func (h *Handler) recvOnePacket(buffs [][]byte, nsamps, outOff int, timeout time.Duration) (int, core.RxMetadata, error) {
	if h.curr().dataBytesToCopy == 0 {
		if err := h.getAlignedBuffs(timeout); err != nil {
			return 0, core.RxMetadata{}, err
		}
	}

	c := h.curr()
	md := c.md
	if c.fragmentOffset > 0 {
		md.TimeSpec = md.TimeSpec.Add(core.TimeSpecFromTicks(int64(c.fragmentOffset), h.sampRate))
	}

	available := c.dataBytesToCopy / h.wireItemSize
	ncopy := min(nsamps, available)
	if ncopy > 0 {
		for i := range c.ch {
			h.in[0] = c.ch[i].info.Payload(c.ch[i].data)
			h.out[0] = buffs[i]
			h.conv.Convert(h.in, c.fragmentOffset, h.out, outOff, ncopy)
		}
	}
	h.in[0], h.out[0] = nil, nil

	if ncopy == available {
		c.dataBytesToCopy = 0
		c.releaseAll()
	} else {
		c.dataBytesToCopy -= ncopy * h.wireItemSize
	}

	md.MoreFragments = c.dataBytesToCopy != 0
	md.FragmentOffset = c.fragmentOffset
	c.fragmentOffset += ncopy
	return ncopy, md, nil
}

type packetKind int

const (
	packetData packetKind = iota
	packetTimestampError
	packetInlineMessage
	packetTimeout
	packetSequenceError
	packetBad
)

// getAlignedBuffs advances to the next slot and fetches packets until every
// channel holds a packet with the same timestamp, or an event ends the
// search early. Early exits leave their progress in the next slot.
func (h *Handler) getAlignedBuffs(timeout time.Duration) error {
	// the slot three behind the new index is free again; it becomes
	// current two calls from now
	h.prev().reset()
	h.index = (h.index + 1) % 4

	threshold := h.alignThreshold * len(h.props)
	iterations := 0
	for {
		c := h.curr()
		index, ok := c.pending.first()
		if !ok {
			break
		}

		kind, err := h.getAndProcessSinglePacket(index, timeout)
		if err != nil {
			return err
		}
		p := &h.props[index]

		switch kind {
		case packetData:
			h.alignmentCheck(index, c)

		case packetTimestampError:
			// the device time went backwards; restart the search from
			// this packet instead of discarding every later one
			if c.alignValid && c.alignTime != c.ch[index].time {
				c.alignValid = false
			}
			h.alignmentCheck(index, c)

		case packetInlineMessage:
			msg := &c.ch[index]
			code := core.RxErrorCode(h.profile.ContextCode(msg.data, &msg.info))
			hasTime, t := msg.info.HasTSF, msg.time
			if code == core.RxErrorOverflow {
				// flow control first: recovery may flush packets newer
				// than the message
				h.flowControl(p, msg.info.PacketCount)
				h.overflow(p)
			}
			h.inBurst = false
			h.saveProgress()
			h.setError(code, hasTime, t)
			return nil

		case packetTimeout:
			// a device stalled on a full window only resumes once it
			// hears what was consumed
			if p.seenData {
				h.flowControl(p, p.lastSeq)
			}
			h.saveProgress()
			h.setError(core.RxErrorTimeout, false, core.TimeSpec{})
			return nil

		case packetSequenceError:
			h.alignmentCheck(index, c)
			seq := c.ch[index].info.PacketCount
			h.flowControl(p, seq)
			p.seqErrors.Inc()
			// channels losing the same packets report one gap per set
			if h.gapReported {
				break
			}
			h.gapReported = true

			h.saveProgress()
			prev := h.prev()
			t := prev.md.TimeSpec.Add(core.TimeSpecFromTicks(int64(h.samplesIn(&prev.ch[index])), h.sampRate))
			h.setError(core.RxErrorOverflow, prev.md.HasTimeSpec, t)
			h.curr().md.OutOfSequence = true
			return nil

		case packetBad:
			h.saveProgress()
			h.setError(core.RxErrorBadPacket, false, core.TimeSpec{})
			return nil
		}

		if iterations > threshold {
			slog.Error("receive handler failed to time-align packets",
				"packets", iterations,
				"channel", index)
			h.overflow(p)
			// drop the packets searched so far; the next call starts over
			h.curr().reset()
			h.setError(core.RxErrorAlignment, false, core.TimeSpec{})
			return nil
		}
		iterations++
	}

	c := h.curr()
	first := &c.ch[0]
	// CHDR carries no start flag; the set after an end of burst opens one
	sob := first.info.SOB || (h.profile.Link == vrt.LinkTypeCHDR && !h.inBurst)
	c.md = core.RxMetadata{
		HasTimeSpec:  first.info.HasTSF,
		TimeSpec:     first.time,
		StartOfBurst: sob,
		EndOfBurst:   first.info.EOB,
	}
	h.inBurst = !first.info.EOB
	h.gapReported = false
	for i := range c.ch {
		c.dataBytesToCopy = min(c.dataBytesToCopy, c.ch[i].info.NumPayloadBytes)
		h.props[i].packets.Inc()
	}
	return nil
}

// setError replaces the current slot's metadata with an error report.
func (h *Handler) setError(code core.RxErrorCode, hasTime bool, t core.TimeSpec) {
	c := h.curr()
	c.md = core.RxMetadata{HasTimeSpec: hasTime, TimeSpec: t, ErrorCode: code}
	c.dataBytesToCopy = 0
	if code != core.RxErrorTimeout {
		metrics.RxErrorsTotal.WithLabelValues(code.String()).Inc()
	}
}

// overflow runs the channel's overflow hook. The hook may call FlushAll,
// so callers must not hold slot pointers across it.
func (h *Handler) overflow(p *channelProps) {
	if p.Overflow != nil {
		p.Overflow()
	}
}

func (h *Handler) flowControl(p *channelProps, seq uint32) {
	p.fcCount = 0
	if p.FlowControl == nil {
		return
	}
	p.FlowControl(seq)
	p.fcUpdates.Inc()
}

// getAndProcessSinglePacket fetches one packet for channel index into the
// current slot and classifies it. Only transport faults are returned as
// errors.
func (h *Handler) getAndProcessSinglePacket(index int, timeout time.Duration) (packetKind, error) {
	p := &h.props[index]
	b := &h.curr().ch[index]
	b.release()

	buf, err := p.GetBuff(timeout)
	if err != nil {
		return packetBad, fmt.Errorf("channel %d receive: %w", index, err)
	}
	if buf == nil {
		return packetTimeout, nil
	}
	b.buf = buf
	b.data = buf.Bytes()

	info, err := h.profile.Unpack(b.data)
	if err == nil && p.HasStreamID && info.HasSID && info.SID != p.StreamID {
		err = fmt.Errorf("%w: stream id 0x%08x, expected 0x%08x", core.ErrMalformedPacket, info.SID, p.StreamID)
	}
	if err != nil {
		slog.Warn("receive handler dropped a bad packet", "channel", index, "error", err)
		return packetBad, nil
	}
	b.info = info
	switch {
	case info.HasTSF:
		b.time = core.TimeSpecFromTicks(int64(info.TSF), h.tickRate)
	case info.HasTSI:
		b.time = core.TimeSpec{FullSecs: int64(info.TSI)}
	default:
		b.time = core.TimeSpec{}
	}

	// The order of these checks matters: messages do not take part in
	// sequence tracking, and a sequence gap hides timestamp problems.

	if info.PacketType != vrt.PacketTypeData {
		return packetInlineMessage, nil
	}

	expected := p.expectedSeq
	p.expectedSeq = (info.PacketCount + 1) & h.profile.SequenceMask()
	p.lastSeq = info.PacketCount
	p.seenData = true
	if p.resync {
		p.resync = false
		expected = info.PacketCount
	}
	if expected != info.PacketCount {
		return packetSequenceError, nil
	}

	p.fcCount++
	if p.fcCount >= p.FlowControlInterval {
		h.flowControl(p, info.PacketCount)
	}

	if info.HasTSF && h.prev().ch[index].time.After(b.time) {
		return packetTimestampError, nil
	}
	return packetData, nil
}

// alignmentCheck folds channel index's packet into the slot's alignment
// state. A newer packet becomes the alignment time and every other channel
// must catch up; an older one stays pending and is replaced by the next
// fetch.
func (h *Handler) alignmentCheck(index int, c *slot) {
	b := &c.ch[index]
	switch {
	case !c.alignValid || b.time.After(c.alignTime):
		c.alignValid = true
		c.alignTime = b.time
		c.pending.setAll(len(h.props))
		c.pending.clear(index)
		c.dataBytesToCopy = b.info.NumPayloadBytes
	case b.time == c.alignTime:
		c.pending.clear(index)
	default:
		p := &h.props[index]
		p.stale.Inc()
		if h.notifyStale {
			h.flowControl(p, b.info.PacketCount)
		}
	}
}

// FlushAll releases every held packet, drains each channel's transport
// until a receive times out and resets alignment state. The next packet of
// each channel starts a new sequence.
func (h *Handler) FlushAll(timeout time.Duration) error {
	n := len(h.props)
	for i := range h.slots {
		h.slots[i].releaseAll()
		h.slots[i] = newSlot(n)
	}
	h.queued = false
	h.inBurst = false
	h.gapReported = false

	for i := range h.props {
		p := &h.props[i]
		p.resync = true
		p.fcCount = 0
		p.seenData = false
		if p.GetBuff == nil {
			continue
		}
		for {
			buf, err := p.GetBuff(timeout)
			if err != nil {
				return fmt.Errorf("channel %d flush: %w", i, err)
			}
			if buf == nil {
				break
			}
			buf.Release()
		}
	}
	return nil
}
