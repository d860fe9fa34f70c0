package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"firestige.xyz/iqstream/internal/config"
	"firestige.xyz/iqstream/internal/core"
	"firestige.xyz/iqstream/internal/device/sim"
	"firestige.xyz/iqstream/internal/flowctrl"
	"firestige.xyz/iqstream/internal/pipeline"
	"firestige.xyz/iqstream/internal/radio"
	"firestige.xyz/iqstream/internal/streamer"
	"firestige.xyz/iqstream/internal/streamer/rx"
	"firestige.xyz/iqstream/internal/transport"
)

// openSim starts a simulated device sized by the configuration.
func openSim(ctx context.Context, c *config.GlobalConfig, wireFormat string, captureTx bool) (*sim.Device, error) {
	d, err := sim.New(sim.Config{
		Profile:          c.Device.Profile(),
		WireFormat:       wireFormat,
		NumRxChannels:    c.Device.Sim.RxChannels,
		NumTxChannels:    c.Device.Sim.TxChannels,
		TickRate:         c.Device.TickRate,
		SampRate:         c.Device.SampRate,
		SamplesPerPacket: c.Device.Sim.SamplesPerPacket,
		NumFrames:        c.Device.Sim.NumFrames,
		FrameSize:        c.Device.Sim.FrameSize,
		FrameWait:        c.Device.Sim.FrameWait,
		TxAckInterval:    c.Device.Sim.TxAckInterval,
		CaptureTx:        captureTx,
	})
	if err != nil {
		return nil, err
	}
	if err := d.Start(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// tune applies gain and antenna to channels when dev supports them. An
// empty antenna keeps the device default.
func tune(dev any, channels []int, gain float64, antenna string) error {
	if g, ok := dev.(radio.GainControl); ok {
		for _, ch := range channels {
			if err := g.SetGain(ch, gain); err != nil {
				return fmt.Errorf("channel %d gain: %w", ch, err)
			}
		}
	}
	if antenna == "" {
		return nil
	}
	if a, ok := dev.(radio.AntennaControl); ok {
		for _, ch := range channels {
			if err := a.SetAntenna(ch, antenna); err != nil {
				return fmt.Errorf("channel %d antenna: %w", ch, err)
			}
		}
	}
	return nil
}

func rxStreamerConfig(c *config.GlobalConfig, markers io.Writer) streamer.RxConfig {
	return streamer.RxConfig{
		Profile:                   c.Device.Profile(),
		Channels:                  c.Rx.Channels,
		WireFormat:                c.Rx.WireFormat,
		HostFormat:                c.Rx.HostFormat,
		Scalar:                    c.Rx.Scalar,
		TickRate:                  c.Device.TickRate,
		SampRate:                  c.Device.SampRate,
		FlowControl:               window(c.Rx.FlowControl),
		AlignmentFailureThreshold: c.Rx.AlignmentFailureThreshold,
		NotifyStale:               c.Rx.NotifyStale,
		Markers:                   markers,
	}
}

// rxSession is an opened receive source. Begin issues the stream command
// when the device accepts commands; Close releases everything.
type rxSession struct {
	source pipeline.Source
	begin  func(numSamps uint64, delay float64) error
	close  func()
}

func (s *rxSession) Begin(numSamps uint64, delay float64) error {
	if s.begin == nil {
		return nil
	}
	return s.begin(numSamps, delay)
}

func (s *rxSession) Close() { s.close() }

// openRx opens the configured receive source.
func openRx(ctx context.Context, c *config.GlobalConfig, markers io.Writer) (*rxSession, error) {
	switch c.Device.Type {
	case config.DeviceSim:
		return openSimRx(ctx, c, markers)
	case config.DeviceLink:
		return openLinkRx(c)
	default:
		return nil, fmt.Errorf("%w: device type %q", core.ErrConfigInvalid, c.Device.Type)
	}
}

func openSimRx(ctx context.Context, c *config.GlobalConfig, markers io.Writer) (*rxSession, error) {
	dev, err := openSim(ctx, c, c.Rx.WireFormat, false)
	if err != nil {
		return nil, err
	}
	if err := tune(dev, c.Rx.Channels, c.Rx.Gain, c.Rx.Antenna); err != nil {
		dev.Stop()
		return nil, err
	}
	s, err := streamer.NewRxStreamer(dev, rxStreamerConfig(c, markers))
	if err != nil {
		dev.Stop()
		return nil, err
	}

	continuous := false
	return &rxSession{
		source: s,
		begin: func(numSamps uint64, delay float64) error {
			cmd := core.StreamCommand{Mode: core.StreamModeNumSampsAndDone, NumSamps: numSamps}
			if numSamps == 0 {
				cmd.Mode = core.StreamModeStartContinuous
				continuous = true
			}
			// multiple channels only align on a timed start
			if s.NumChannels() > 1 || delay > 0 {
				cmd.TimeSpec = dev.TimeNow().Add(core.TimeSpecFromSeconds(delay))
			} else {
				cmd.StreamNow = true
			}
			return s.IssueStreamCmd(cmd)
		},
		close: func() {
			if continuous {
				stop := core.StreamCommand{Mode: core.StreamModeStopContinuous, StreamNow: true}
				if err := s.IssueStreamCmd(stop); err != nil {
					slog.Warn("stop streaming failed", "error", err)
				}
			}
			dev.Stop()
		},
	}, nil
}

// recordPath returns the capture file of one channel; several channels
// get a suffix before the extension.
func recordPath(path string, channel, channels int) string {
	if channels == 1 {
		return path
	}
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s_ch%d%s", strings.TrimSuffix(path, ext), channel, ext)
}

// openLinkRx binds a bare receive engine to preconfigured transports. Link
// devices stream on their own, so no commands are sent.
func openLinkRx(c *config.GlobalConfig) (*rxSession, error) {
	h, err := rx.NewHandler(rx.Config{
		Profile:                   c.Device.Profile(),
		NumChannels:               len(c.Rx.Channels),
		WireFormat:                c.Rx.WireFormat,
		HostFormat:                c.Rx.HostFormat,
		Scalar:                    c.Rx.Scalar,
		TickRate:                  c.Device.TickRate,
		SampRate:                  c.Device.SampRate,
		AlignmentFailureThreshold: c.Rx.AlignmentFailureThreshold,
		NotifyStale:               c.Rx.NotifyStale,
	})
	if err != nil {
		return nil, err
	}

	var xports []transport.ZeroCopy
	closeAll := func() {
		for _, x := range xports {
			if err := x.Close(); err != nil {
				slog.Warn("transport close failed", "error", err)
			}
		}
	}
	for i, ch := range c.Rx.Channels {
		if ch < 0 || ch >= len(c.Device.Transports) {
			closeAll()
			return nil, fmt.Errorf("%w: rx channel %d has no transport", core.ErrChannelIndex, ch)
		}
		x, err := transport.New(c.Device.Transports[ch])
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("channel %d: %w", ch, err)
		}
		if c.Device.Record != "" {
			path := recordPath(c.Device.Record, ch, len(c.Rx.Channels))
			rec, err := transport.NewRecorder(x, transport.RecorderOptions{FilePath: path})
			if err != nil {
				_ = x.Close()
				closeAll()
				return nil, err
			}
			x = rec
		}
		xports = append(xports, x)
		if err := h.Bind(i, rx.ChannelBinding{GetBuff: x.GetRecvBuff}); err != nil {
			closeAll()
			return nil, err
		}
	}
	return &rxSession{source: h, close: closeAll}, nil
}

func window(fc config.FlowControlConfig) flowctrl.Window {
	return flowctrl.Window{Packets: fc.Window, UpdateFraction: fc.UpdateFraction}
}
