package async

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"firestige.xyz/iqstream/internal/core"
	"firestige.xyz/iqstream/internal/core/vrt"
	"firestige.xyz/iqstream/internal/flowctrl"
	"firestige.xyz/iqstream/internal/metrics"
	"firestige.xyz/iqstream/internal/transport"
)

// pollInterval bounds how long the background loop blocks before checking
// for cancellation.
const pollInterval = 100 * time.Millisecond

// PollerConfig configures a Poller.
type PollerConfig struct {
	Profile  vrt.Profile
	TickRate float64

	// Channels maps a packet stream id to its transmit channel. Packets
	// from unknown stream ids are reported on channel 0.
	Channels map[uint32]int

	// OnFlowControl receives flow-control acks. They never reach the queue.
	OnFlowControl func(channel int, seq uint32)

	// OnEvent observes every event before it is queued.
	OnEvent func(md core.AsyncMetadata)
}

// Poller reads device messages from one transport, hands flow-control acks
// to OnFlowControl and turns context packets into events.
type Poller struct {
	xport transport.ZeroCopy
	cfg   PollerConfig
	queue *Queue[core.AsyncMetadata]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a poller reading from xport and queueing into queue.
func NewPoller(xport transport.ZeroCopy, queue *Queue[core.AsyncMetadata], cfg PollerConfig) *Poller {
	return &Poller{xport: xport, cfg: cfg, queue: queue}
}

// Queue returns the queue events are delivered to.
func (p *Poller) Queue() *Queue[core.AsyncMetadata] {
	return p.queue
}

func (p *Poller) channelOf(info *vrt.PacketInfo) int {
	if !info.HasSID {
		return 0
	}
	if ch, ok := p.cfg.Channels[info.SID]; ok {
		return ch
	}
	return 0
}

// Poll reads and classifies packets for up to timeout until one yields an
// event. Flow-control acks and stray packets are consumed without
// returning. A transport fault is returned as an error.
func (p *Poller) Poll(timeout time.Duration) (core.AsyncMetadata, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		left := time.Until(deadline)
		if left < 0 {
			left = 0
		}
		rb, err := p.xport.GetRecvBuff(left)
		if err != nil {
			return core.AsyncMetadata{}, false, err
		}
		if rb == nil {
			return core.AsyncMetadata{}, false, nil
		}

		md, ok := p.handle(rb.Bytes())
		rb.Release()
		if ok {
			return md, true, nil
		}
		if left == 0 {
			return core.AsyncMetadata{}, false, nil
		}
	}
}

func (p *Poller) handle(buf []byte) (core.AsyncMetadata, bool) {
	info, err := p.cfg.Profile.Unpack(buf)
	if err != nil {
		slog.Debug("dropping malformed async packet", "error", err)
		return core.AsyncMetadata{}, false
	}

	ch := p.channelOf(&info)
	switch info.PacketType {
	case vrt.PacketTypeFlowControl:
		seq, err := flowctrl.ParseFlowControl(p.cfg.Profile, buf, &info)
		if err != nil {
			slog.Debug("dropping malformed flow control packet", "error", err)
			return core.AsyncMetadata{}, false
		}
		if p.cfg.OnFlowControl != nil {
			p.cfg.OnFlowControl(ch, seq)
		}
		return core.AsyncMetadata{}, false
	case vrt.PacketTypeContext:
		md := Event(p.cfg.Profile, buf, &info, ch, p.cfg.TickRate)
		metrics.AsyncEventsTotal.WithLabelValues(md.EventCode.String()).Inc()
		if p.cfg.OnEvent != nil {
			p.cfg.OnEvent(md)
		}
		return md, true
	default:
		slog.Debug("ignoring async packet", "type", info.PacketType.String(), "sid", info.SID)
		return core.AsyncMetadata{}, false
	}
}

// Start runs the poll loop in the background until ctx is cancelled or Stop
// is called.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return fmt.Errorf("async poller already started")
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.run(ctx)
	return nil
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	slog.Debug("async poller started")

	for ctx.Err() == nil {
		md, ok, err := p.Poll(pollInterval)
		if err != nil {
			if !errors.Is(err, core.ErrTransportClosed) {
				slog.Error("async transport failed", "error", err)
			}
			return
		}
		if ok && p.queue.Push(md) {
			metrics.AsyncQueueDropsTotal.Inc()
		}
	}
	slog.Debug("async poller stopped")
}

// Stop cancels the poll loop and waits for it to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
