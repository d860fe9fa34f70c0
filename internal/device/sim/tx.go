package sim

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"firestige.xyz/iqstream/internal/core"
	"firestige.xyz/iqstream/internal/core/convert"
	"firestige.xyz/iqstream/internal/core/vrt"
	"firestige.xyz/iqstream/internal/flowctrl"
	"firestige.xyz/iqstream/internal/transport"
)

// txChannel is one transmit deframer.
type txChannel struct {
	d     *Device
	index int
	sid   uint32
	data  *transport.Loopback

	conv     convert.Converter
	itemSize int
	host     []complex64

	seq       uint32
	consumed  uint32
	acks      uint32
	inBurst   bool
	late      bool
	idleSince time.Time
	starved   bool

	mu      sync.Mutex
	samples []complex64
}

func newTxChannel(d *Device, index int, wire string, itemSize int) (*txChannel, error) {
	conv, err := convert.Get(convert.ID{Input: wire, NumInputs: 1, Output: "fc32", NumOutputs: 1})
	if err != nil {
		return nil, err
	}
	return &txChannel{
		d:        d,
		index:    index,
		sid:      txStreamID(index),
		data:     transport.NewLoopback(transport.LoopbackOptions{NumFrames: d.cfg.NumFrames, FrameSize: d.cfg.FrameSize}),
		conv:     conv,
		itemSize: itemSize,
		host:     make([]complex64, d.cfg.FrameSize/itemSize),
	}, nil
}

func (c *txChannel) run(ctx context.Context) {
	c.idleSince = time.Now()
	for ctx.Err() == nil {
		rb, err := c.data.GetRecvBuff(pollInterval)
		if err != nil {
			if !errors.Is(err, core.ErrTransportClosed) {
				slog.Error("simulated deframer failed", "channel", c.index, "error", err)
			}
			return
		}
		if rb == nil {
			c.checkUnderflow(ctx)
			continue
		}
		c.handle(ctx, rb.Bytes())
		rb.Release()
		c.idleSince = time.Now()
		c.starved = false
	}
}

// checkUnderflow reports a burst that stopped arriving before its end.
func (c *txChannel) checkUnderflow(ctx context.Context) {
	if !c.inBurst || c.starved || time.Since(c.idleSince) < c.d.cfg.FrameWait {
		return
	}
	c.starved = true
	c.event(ctx, core.EventUnderflow, c.d.nowTicks())
}

func (c *txChannel) handle(ctx context.Context, buf []byte) {
	profile := c.d.cfg.Profile
	info, err := profile.Unpack(buf)
	if err != nil {
		slog.Debug("simulated deframer dropped malformed packet", "channel", c.index, "error", err)
		return
	}
	if info.PacketType != vrt.PacketTypeData || (info.HasSID && info.SID != c.sid) {
		return
	}

	mask := profile.SequenceMask()
	if info.PacketCount != c.seq&mask {
		code := core.EventSeqError
		if c.inBurst {
			code = core.EventSeqErrorInBurst
		}
		c.event(ctx, code, c.d.nowTicks())
	}
	c.seq = info.PacketCount + 1

	if !c.inBurst {
		c.inBurst = true
		c.late = info.HasTSF && info.TSF < c.d.nowTicks()
		if c.late {
			c.event(ctx, core.EventTimeError, info.TSF)
		}
	}
	if !c.late && c.d.cfg.CaptureTx {
		c.capture(buf, &info)
	}

	c.consumed++
	if c.consumed%uint32(c.d.cfg.TxAckInterval) == 0 {
		c.ack(ctx)
	}

	if info.EOB {
		if !c.late {
			c.event(ctx, core.EventBurstAck, c.d.nowTicks())
		}
		c.inBurst = false
		c.late = false
	}
}

func (c *txChannel) capture(buf []byte, info *vrt.PacketInfo) {
	n := min(info.NumPayloadBytes/c.itemSize, len(c.host))
	c.conv.Convert([][]byte{info.Payload(buf)}, 0, [][]byte{convert.Complex64Bytes(c.host)}, 0, n)

	c.mu.Lock()
	c.samples = append(c.samples, c.host[:n]...)
	c.mu.Unlock()
}

func (c *txChannel) captured() []complex64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]complex64, len(c.samples))
	copy(out, c.samples)
	return out
}

func (c *txChannel) ack(ctx context.Context) {
	sb := c.asyncBuff(ctx)
	if sb == nil {
		return
	}
	n, err := flowctrl.Ack(c.d.cfg.Profile, sb.Bytes(), c.sid, c.acks, c.consumed)
	if err != nil {
		sb.Commit(0)
		slog.Error("simulated deframer failed to build ack", "channel", c.index, "error", err)
		return
	}
	c.acks++
	sb.Commit(n)
}

func (c *txChannel) event(ctx context.Context, code core.AsyncEventCode, tsf uint64) {
	sb := c.asyncBuff(ctx)
	if sb == nil {
		return
	}
	n, err := packContext(c.d.cfg.Profile, sb.Bytes(), c.sid, uint32(code), tsf)
	if err != nil {
		sb.Commit(0)
		slog.Error("simulated deframer failed to build event", "channel", c.index, "error", err)
		return
	}
	sb.Commit(n)
}

// asyncBuff waits up to the frame wait for room on the shared async link;
// messages the host does not drain in time are lost.
func (c *txChannel) asyncBuff(ctx context.Context) transport.SendBuffer {
	sb, err := c.d.txAsync.GetSendBuff(c.d.cfg.FrameWait)
	if err != nil || sb == nil {
		if err == nil && ctx.Err() == nil {
			slog.Debug("simulated deframer dropped async message", "channel", c.index)
		}
		return nil
	}
	return sb
}
