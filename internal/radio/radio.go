// Package radio is the device control boundary of the streamers: the
// capability interfaces a device implements, the stream command framer, the
// per-channel stream state machine and overflow recovery.
package radio

import (
	"firestige.xyz/iqstream/internal/core"
)

// StreamCommandIssuer accepts stream commands for one channel.
type StreamCommandIssuer interface {
	IssueStreamCmd(cmd core.StreamCommand) error
}

// CommandQueue is a StreamCommandIssuer whose pending timed commands can be
// discarded.
type CommandQueue interface {
	StreamCommandIssuer
	ClearCommands() error
}

// TimeKeeper reads and sets the device clock.
type TimeKeeper interface {
	TimeNow() core.TimeSpec
	SetTimeNow(t core.TimeSpec)
}

// TickRateControl exposes the device tick rate.
type TickRateControl interface {
	TickRate() float64
	SetTickRate(rate float64) error
}

// GainControl sets the gain of one channel in dB.
type GainControl interface {
	Gain(channel int) float64
	SetGain(channel int, db float64) error
}

// AntennaControl selects the antenna port of one channel.
type AntennaControl interface {
	Antennas() []string
	Antenna(channel int) string
	SetAntenna(channel int, name string) error
}

// RegisterWriter writes one 32-bit device register.
type RegisterWriter interface {
	Poke32(addr, value uint32) error
}
