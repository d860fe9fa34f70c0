package streamer

import (
	"context"
	"io"
	"time"

	"firestige.xyz/iqstream/internal/async"
	"firestige.xyz/iqstream/internal/core"
	"firestige.xyz/iqstream/internal/core/vrt"
	"firestige.xyz/iqstream/internal/flowctrl"
	"firestige.xyz/iqstream/internal/streamer/tx"
)

// TxConfig configures a transmit streamer.
type TxConfig struct {
	Profile  vrt.Profile
	Channels []int

	HostFormat       string
	WireFormat       string
	Scalar           float64
	TickRate         float64
	SampRate         float64
	SamplesPerPacket int

	// FlowControl limits the packets in flight per channel when its window
	// is non-zero.
	FlowControl flowctrl.Window

	// QueueSize is the async event queue capacity.
	QueueSize int

	Markers io.Writer
}

// TxStreamer sends samples to a group of device channels and collects their
// async events.
type TxStreamer struct {
	handler *tx.Handler
	credits []*flowctrl.TxCredits
	queue   *async.Queue[core.AsyncMetadata]
	poller  *async.Poller
	markers *core.MarkerWriter
}

// NewTxStreamer binds the transmit engine to the selected channels of dev.
// Events flow once Start is called.
func NewTxStreamer(dev Device, cfg TxConfig) (*TxStreamer, error) {
	if err := checkChannels(cfg.Channels, dev.NumTxChannels(), "tx"); err != nil {
		return nil, err
	}
	fc := cfg.FlowControl.Packets > 0
	if fc {
		if err := cfg.FlowControl.Validate(); err != nil {
			return nil, err
		}
	}

	h, err := tx.NewHandler(tx.Config{
		Profile:             cfg.Profile,
		NumChannels:         len(cfg.Channels),
		HostFormat:          cfg.HostFormat,
		WireFormat:          cfg.WireFormat,
		Scalar:              cfg.Scalar,
		TickRate:            cfg.TickRate,
		SampRate:            cfg.SampRate,
		MaxSamplesPerPacket: cfg.SamplesPerPacket,
	})
	if err != nil {
		return nil, err
	}

	s := &TxStreamer{
		handler: h,
		queue:   async.NewQueue[core.AsyncMetadata](cfg.QueueSize),
		markers: markerWriter(cfg.Markers),
	}
	sids := make(map[uint32]int, len(cfg.Channels))
	for i, ch := range cfg.Channels {
		get := dev.TxData(ch).GetSendBuff
		if fc {
			credits := flowctrl.NewTxCredits(cfg.FlowControl.Packets)
			s.credits = append(s.credits, credits)
			get = credits.Wrap(get)
		}
		sid := dev.TxStreamID(ch)
		sids[sid] = i
		if err := h.Bind(i, get, true, sid); err != nil {
			return nil, err
		}
	}

	s.poller = async.NewPoller(dev.TxAsync(), s.queue, async.PollerConfig{
		Profile:       cfg.Profile,
		TickRate:      cfg.TickRate,
		Channels:      sids,
		OnFlowControl: s.ack,
		OnEvent: func(md core.AsyncMetadata) {
			s.markers.Mark(md.EventCode.Marker())
		},
	})
	h.SetAsyncReceiver(s.queue.Pop)
	return s, nil
}

func (s *TxStreamer) ack(channel int, seq uint32) {
	if channel < len(s.credits) {
		s.credits[channel].Ack(seq)
	}
}

// Start runs the async event poller.
func (s *TxStreamer) Start(ctx context.Context) error {
	return s.poller.Start(ctx)
}

// Stop halts the async event poller.
func (s *TxStreamer) Stop() {
	s.poller.Stop()
}

// Handler returns the transmit engine.
func (s *TxStreamer) Handler() *tx.Handler { return s.handler }

// Queue returns the async event queue.
func (s *TxStreamer) Queue() *async.Queue[core.AsyncMetadata] { return s.queue }

// InFlight returns the unacknowledged packets of a channel, or zero
// without flow control.
func (s *TxStreamer) InFlight(channel int) int {
	if channel >= len(s.credits) {
		return 0
	}
	return s.credits[channel].InFlight()
}

func (s *TxStreamer) NumChannels() int  { return s.handler.NumChannels() }
func (s *TxStreamer) HostItemSize() int { return s.handler.HostItemSize() }

// Send transmits samples from buffs, one buffer per channel. See
// tx.Handler.Send.
func (s *TxStreamer) Send(buffs [][]byte, nsampsPerBuff int, md core.TxMetadata, timeout time.Duration) (int, error) {
	return s.handler.Send(buffs, nsampsPerBuff, md, timeout)
}

// RecvAsyncMsg waits up to timeout for the next async event.
func (s *TxStreamer) RecvAsyncMsg(timeout time.Duration) (core.AsyncMetadata, bool) {
	return s.handler.RecvAsyncMsg(timeout)
}
