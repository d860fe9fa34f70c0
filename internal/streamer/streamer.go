// Package streamer assembles the receive and transmit engines with a
// device's transports, stream command framers, flow control and event
// channel.
package streamer

import (
	"fmt"
	"io"

	"firestige.xyz/iqstream/internal/core"
	"firestige.xyz/iqstream/internal/radio"
	"firestige.xyz/iqstream/internal/transport"
)

// Device is the host side of a streaming radio: its register bus, clock
// and per-channel links.
type Device interface {
	radio.RegisterWriter
	radio.TimeKeeper

	NumRxChannels() int
	NumTxChannels() int

	FramerBase(channel int) uint32
	RxStreamID(channel int) uint32
	TxStreamID(channel int) uint32

	RxData(channel int) transport.ZeroCopy
	RxFlowControl(channel int) transport.ZeroCopy
	TxData(channel int) transport.ZeroCopy
	TxAsync() transport.ZeroCopy
}

func checkChannels(channels []int, available int, direction string) error {
	if len(channels) == 0 {
		return fmt.Errorf("%w: no %s channels selected", core.ErrConfigInvalid, direction)
	}
	seen := make(map[int]bool, len(channels))
	for _, ch := range channels {
		if ch < 0 || ch >= available {
			return fmt.Errorf("%w: %s channel %d, device has %d", core.ErrChannelIndex, direction, ch, available)
		}
		if seen[ch] {
			return fmt.Errorf("%w: %s channel %d selected twice", core.ErrConfigInvalid, direction, ch)
		}
		seen[ch] = true
	}
	return nil
}

func markerWriter(w io.Writer) *core.MarkerWriter {
	if w == nil {
		return nil
	}
	return core.NewMarkerWriter(w)
}
