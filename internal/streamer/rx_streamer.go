package streamer

import (
	"io"
	"log/slog"
	"time"

	"firestige.xyz/iqstream/internal/core"
	"firestige.xyz/iqstream/internal/core/vrt"
	"firestige.xyz/iqstream/internal/flowctrl"
	"firestige.xyz/iqstream/internal/radio"
	"firestige.xyz/iqstream/internal/streamer/rx"
)

// RxConfig configures a receive streamer.
type RxConfig struct {
	Profile vrt.Profile
	// Channels lists the device channels, in the order of the host buffers.
	Channels []int

	WireFormat string
	HostFormat string
	Scalar     float64
	TickRate   float64
	SampRate   float64

	// FlowControl enables progress reports to the device when its window
	// is non-zero.
	FlowControl flowctrl.Window

	AlignmentFailureThreshold int
	NotifyStale               bool

	// Markers receives one character per streaming anomaly.
	Markers io.Writer
}

// RxStreamer receives aligned samples from a group of device channels.
type RxStreamer struct {
	handler  *rx.Handler
	framers  []*radio.Framer
	channels []*radio.Channel
	recovery *radio.Recovery
	markers  *core.MarkerWriter
}

// NewRxStreamer binds the receive engine to the selected channels of dev.
func NewRxStreamer(dev Device, cfg RxConfig) (*RxStreamer, error) {
	if err := checkChannels(cfg.Channels, dev.NumRxChannels(), "rx"); err != nil {
		return nil, err
	}
	fc := cfg.FlowControl.Packets > 0
	if fc {
		if err := cfg.FlowControl.Validate(); err != nil {
			return nil, err
		}
	}

	h, err := rx.NewHandler(rx.Config{
		Profile:                   cfg.Profile,
		NumChannels:               len(cfg.Channels),
		WireFormat:                cfg.WireFormat,
		HostFormat:                cfg.HostFormat,
		Scalar:                    cfg.Scalar,
		TickRate:                  cfg.TickRate,
		SampRate:                  cfg.SampRate,
		AlignmentFailureThreshold: cfg.AlignmentFailureThreshold,
		NotifyStale:               cfg.NotifyStale,
	})
	if err != nil {
		return nil, err
	}

	s := &RxStreamer{handler: h, markers: markerWriter(cfg.Markers)}
	for _, ch := range cfg.Channels {
		framer := radio.NewFramer(dev, dev.FramerBase(ch), cfg.TickRate)
		s.framers = append(s.framers, framer)
		s.channels = append(s.channels, radio.NewChannel(ch, framer))
	}
	s.recovery = radio.NewRecovery(s.channels, dev, h)

	for i, ch := range cfg.Channels {
		sid := dev.RxStreamID(ch)
		b := rx.ChannelBinding{
			GetBuff:        dev.RxData(ch).GetRecvBuff,
			IssueStreamCmd: s.channels[i].IssueStreamCmd,
			Overflow:       s.recovery.HandleOverflow,
			HasStreamID:    true,
			StreamID:       sid,
		}
		if fc {
			notifier := flowctrl.NewRxNotifier(dev.RxFlowControl(ch), cfg.Profile, sid)
			channel := ch
			b.FlowControl = func(seq uint32) {
				if err := notifier.Notify(seq); err != nil {
					slog.Debug("flow control update failed", "channel", channel, "error", err)
				}
			}
			b.FlowControlInterval = cfg.FlowControl.Interval()
		}
		if err := h.Bind(i, b); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Handler returns the receive engine.
func (s *RxStreamer) Handler() *rx.Handler { return s.handler }

// Channels returns the stream state of every channel.
func (s *RxStreamer) Channels() []*radio.Channel { return s.channels }

// Recovery returns the overflow recovery of the channel group.
func (s *RxStreamer) Recovery() *radio.Recovery { return s.recovery }

func (s *RxStreamer) NumChannels() int  { return s.handler.NumChannels() }
func (s *RxStreamer) HostItemSize() int { return s.handler.HostItemSize() }

// SetTickRate updates the engine and the command framers.
func (s *RxStreamer) SetTickRate(rate float64) {
	s.handler.SetTickRate(rate)
	for _, f := range s.framers {
		f.SetTickRate(rate)
	}
}

func (s *RxStreamer) SetSampRate(rate float64) { s.handler.SetSampRate(rate) }

// IssueStreamCmd sends cmd to every channel of the group.
func (s *RxStreamer) IssueStreamCmd(cmd core.StreamCommand) error {
	return s.handler.IssueStreamCmd(cmd)
}

// Recv receives samples into buffs, one buffer per channel. See
// rx.Handler.Recv.
func (s *RxStreamer) Recv(buffs [][]byte, nsampsPerBuff int, timeout time.Duration, onePacket bool) (int, core.RxMetadata, error) {
	n, md, err := s.handler.Recv(buffs, nsampsPerBuff, timeout, onePacket)
	if err != nil {
		return n, md, err
	}
	s.markers.Mark(md.Marker())

	switch {
	case md.EndOfBurst,
		md.ErrorCode == core.RxErrorLateCommand,
		md.ErrorCode == core.RxErrorBrokenChain,
		md.ErrorCode == core.RxErrorOverflow:
		// the framers have halted any finite burst
		for _, c := range s.channels {
			c.BurstDone()
		}
	}
	return n, md, nil
}

// FlushAll discards every buffered packet.
func (s *RxStreamer) FlushAll(timeout time.Duration) error {
	return s.handler.FlushAll(timeout)
}
