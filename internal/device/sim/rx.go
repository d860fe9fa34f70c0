package sim

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"firestige.xyz/iqstream/internal/core"
	"firestige.xyz/iqstream/internal/core/convert"
	"firestige.xyz/iqstream/internal/core/vrt"
	"firestige.xyz/iqstream/internal/flowctrl"
	"firestige.xyz/iqstream/internal/transport"
)

type command struct {
	mode   core.StreamMode
	nsamps uint64
	now    bool
	ticks  uint64
}

// RampSample returns the test pattern value of the sample at absolute
// position k, counted in samples from device time zero.
func RampSample(k int64) (i, q int16) {
	return int16(k), int16(-k)
}

// rxChannel is one receive framer.
type rxChannel struct {
	d     *Device
	index int
	sid   uint32
	data  *transport.Loopback
	fc    *transport.Loopback

	conv     convert.Converter
	itemSize int
	ramp     []int16

	mu   sync.Mutex
	cmds []command
	wake chan struct{}

	seq       uint32
	fcSeq     atomic.Uint32
	overflows atomic.Uint64
}

func newRxChannel(d *Device, index int, wire string, itemSize int) (*rxChannel, error) {
	conv, err := convert.Get(convert.ID{Input: "sc16", NumInputs: 1, Output: wire, NumOutputs: 1})
	if err != nil {
		return nil, err
	}
	return &rxChannel{
		d:        d,
		index:    index,
		sid:      rxStreamID(index),
		data:     transport.NewLoopback(transport.LoopbackOptions{NumFrames: d.cfg.NumFrames, FrameSize: d.cfg.FrameSize}),
		fc:       transport.NewLoopback(transport.LoopbackOptions{NumFrames: d.cfg.NumFrames, FrameSize: 64}),
		conv:     conv,
		itemSize: itemSize,
		ramp:     make([]int16, 2*d.cfg.SamplesPerPacket),
		wake:     make(chan struct{}, 1),
	}, nil
}

func (c *rxChannel) enqueue(cmd command) {
	c.mu.Lock()
	c.cmds = append(c.cmds, cmd)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *rxChannel) clear() {
	c.mu.Lock()
	c.cmds = c.cmds[:0]
	c.mu.Unlock()
}

func (c *rxChannel) pop() (command, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.cmds) == 0 {
		return command{}, false
	}
	cmd := c.cmds[0]
	c.cmds = c.cmds[1:]
	return cmd, true
}

// interrupted reports whether a queued command ends the current stream:
// any command ends continuous streaming, only a stop ends a burst.
func (c *rxChannel) interrupted(continuous bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.cmds) == 0 {
		return false
	}
	return continuous || c.cmds[0].mode == core.StreamModeStopContinuous
}

func (c *rxChannel) run(ctx context.Context) {
	var (
		chained bool
		next    uint64
	)
	for {
		cmd, ok := c.pop()
		if !ok {
			chained = false
			select {
			case <-ctx.Done():
				return
			case <-c.wake:
				continue
			}
		}
		end, more, err := c.execute(ctx, cmd, chained, next)
		if err != nil {
			if !errors.Is(err, core.ErrTransportClosed) && ctx.Err() == nil {
				slog.Error("simulated framer failed", "channel", c.index, "error", err)
			}
			return
		}
		chained, next = more, end
		if more && !c.hasCommand() {
			if err := c.sendContext(ctx, core.RxErrorBrokenChain, end); err != nil {
				return
			}
			chained = false
		}
	}
}

func (c *rxChannel) hasCommand() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cmds) > 0
}

// execute runs one command and returns the tick after its last sample and
// whether the next command continues it.
func (c *rxChannel) execute(ctx context.Context, cmd command, chained bool, next uint64) (uint64, bool, error) {
	if cmd.mode == core.StreamModeStopContinuous {
		return 0, false, nil
	}

	start := cmd.ticks
	switch {
	case chained:
		start = next
	case cmd.now:
		start = c.d.nowTicks()
	case start < c.d.nowTicks():
		return 0, false, c.sendContext(ctx, core.RxErrorLateCommand, start)
	}

	switch cmd.mode {
	case core.StreamModeStartContinuous:
		_, _, err := c.stream(ctx, start, 0, false)
		return 0, false, err
	case core.StreamModeNumSampsAndMore:
		end, done, err := c.stream(ctx, start, cmd.nsamps, true)
		return end, done, err
	default:
		end, _, err := c.stream(ctx, start, cmd.nsamps, false)
		return end, false, err
	}
}

// stream emits nsamps samples (unbounded when zero) starting at tick start.
// It returns the tick after the last sample and whether every sample was
// sent.
func (c *rxChannel) stream(ctx context.Context, start uint64, nsamps uint64, chain bool) (uint64, bool, error) {
	tickRate, sampRate := c.d.rates()
	ticksPerSample := tickRate / sampRate
	spp := uint64(c.d.cfg.SamplesPerPacket)
	first := int64(math.Round(float64(start) / ticksPerSample))

	var pos uint64
	tickAt := func(n uint64) uint64 { return start + uint64(math.Round(float64(n)*ticksPerSample)) }

	for nsamps == 0 || pos < nsamps {
		if ctx.Err() != nil {
			return tickAt(pos), false, nil
		}
		c.drainFlowControl()
		if c.interrupted(nsamps == 0) {
			return tickAt(pos), false, nil
		}

		n := spp
		if nsamps > 0 && nsamps-pos < n {
			n = nsamps - pos
		}
		eob := nsamps > 0 && pos+n == nsamps && !chain
		sent, err := c.sendData(tickAt(pos), first+int64(pos), int(n), pos == 0, eob)
		if err != nil {
			return 0, false, err
		}
		if !sent {
			c.overflows.Add(1)
			// the framer halts until it is commanded again
			return tickAt(pos), false, c.sendContext(ctx, core.RxErrorOverflow, tickAt(pos))
		}
		pos += n
	}
	return tickAt(pos), true, nil
}

func (c *rxChannel) sendData(tsf uint64, firstSample int64, nsamps int, sob, eob bool) (bool, error) {
	sb, err := c.data.GetSendBuff(c.d.cfg.FrameWait)
	if err != nil {
		return false, err
	}
	if sb == nil {
		return false, nil
	}

	info := vrt.PacketInfo{
		PacketType:      vrt.PacketTypeData,
		PacketCount:     c.seq,
		SOB:             sob,
		EOB:             eob,
		HasSID:          true,
		SID:             c.sid,
		HasTSF:          true,
		TSF:             tsf,
		NumPayloadBytes: nsamps * c.itemSize,
	}
	buf := sb.Bytes()
	if err := c.d.cfg.Profile.Pack(buf, &info); err != nil {
		sb.Commit(0)
		return false, err
	}
	for j := 0; j < nsamps; j++ {
		c.ramp[2*j], c.ramp[2*j+1] = RampSample(firstSample + int64(j))
	}
	payload := buf[info.PayloadOffset():]
	c.conv.Convert([][]byte{convert.Int16Bytes(c.ramp)}, 0, [][]byte{payload}, 0, nsamps)

	c.seq++
	sb.Commit(4 * info.NumPacketWords32)
	return true, nil
}

// sendContext reports an error code inline. It waits for a frame as long as
// the device runs.
func (c *rxChannel) sendContext(ctx context.Context, code core.RxErrorCode, tsf uint64) error {
	for {
		sb, err := c.data.GetSendBuff(pollInterval)
		if err != nil {
			return err
		}
		if sb == nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		n, err := packContext(c.d.cfg.Profile, sb.Bytes(), c.sid, uint32(code), tsf)
		if err != nil {
			sb.Commit(0)
			return err
		}
		sb.Commit(n)
		return nil
	}
}

func (c *rxChannel) drainFlowControl() {
	for {
		rb, err := c.fc.GetRecvBuff(0)
		if rb == nil || err != nil {
			return
		}
		buf := rb.Bytes()
		info, err := c.d.cfg.Profile.Unpack(buf)
		if err == nil {
			if seq, err := flowctrl.ParseFlowControl(c.d.cfg.Profile, buf, &info); err == nil {
				c.fcSeq.Store(seq)
			}
		}
		rb.Release()
	}
}
