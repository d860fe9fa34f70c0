package radio

import (
	"fmt"

	"firestige.xyz/iqstream/internal/core"
)

// Framer register offsets from the framer base address. Writing the low
// time word latches the command.
const (
	RegCommand = 0x00
	RegTimeHi  = 0x04
	RegTimeLo  = 0x08
	RegClear   = 0x0c
)

// Command word layout.
const (
	CmdStreamNow = 1 << 31
	CmdChain     = 1 << 30
	CmdReload    = 1 << 29
	CmdStop      = 1 << 28

	// MaxBurstSamples is the largest count the command word can carry.
	MaxBurstSamples = 0x0fffffff
)

type instruction struct {
	reload, chain, samps, stop bool
}

var instructions = map[core.StreamMode]instruction{
	core.StreamModeStartContinuous: {reload: true, chain: true},
	core.StreamModeStopContinuous:  {stop: true},
	core.StreamModeNumSampsAndDone: {samps: true},
	core.StreamModeNumSampsAndMore: {chain: true, samps: true},
}

// EncodeStreamCmd returns the command word for cmd.
func EncodeStreamCmd(cmd core.StreamCommand) (uint32, error) {
	inst, ok := instructions[cmd.Mode]
	if !ok {
		return 0, fmt.Errorf("%w: unknown stream mode %d", core.ErrStreamCommand, cmd.Mode)
	}
	if inst.samps && cmd.NumSamps > MaxBurstSamples {
		return 0, fmt.Errorf("%w: %d samples, limit %d", core.ErrBurstTooLong, cmd.NumSamps, MaxBurstSamples)
	}

	var w uint32
	if cmd.StreamNow {
		w |= CmdStreamNow
	}
	if inst.chain {
		w |= CmdChain
	}
	if inst.reload {
		w |= CmdReload
	}
	if inst.stop {
		w |= CmdStop
	}
	switch {
	case inst.samps:
		w |= uint32(cmd.NumSamps)
	case !inst.stop:
		// continuous streaming reloads a one-sample instruction
		w |= 1
	}
	return w, nil
}

// DecodeStreamCmd is the inverse of EncodeStreamCmd for device models.
func DecodeStreamCmd(w uint32) (mode core.StreamMode, nsamps uint64, now bool) {
	now = w&CmdStreamNow != 0
	nsamps = uint64(w & MaxBurstSamples)
	switch {
	case w&CmdStop != 0:
		return core.StreamModeStopContinuous, 0, now
	case w&CmdReload != 0:
		return core.StreamModeStartContinuous, 0, now
	case w&CmdChain != 0:
		return core.StreamModeNumSampsAndMore, nsamps, now
	default:
		return core.StreamModeNumSampsAndDone, nsamps, now
	}
}

// Framer writes stream commands into a receive framer's registers.
type Framer struct {
	regs     RegisterWriter
	base     uint32
	tickRate float64
}

// NewFramer creates a framer whose registers start at base.
func NewFramer(regs RegisterWriter, base uint32, tickRate float64) *Framer {
	return &Framer{regs: regs, base: base, tickRate: tickRate}
}

func (f *Framer) SetTickRate(rate float64) { f.tickRate = rate }

// IssueStreamCmd writes the command word followed by the start time in
// ticks, zero for commands that execute immediately.
func (f *Framer) IssueStreamCmd(cmd core.StreamCommand) error {
	w, err := EncodeStreamCmd(cmd)
	if err != nil {
		return err
	}
	var ticks uint64
	if !cmd.StreamNow {
		ticks = uint64(cmd.TimeSpec.Ticks(f.tickRate))
	}
	if err := f.regs.Poke32(f.base+RegCommand, w); err != nil {
		return fmt.Errorf("write stream command: %w", err)
	}
	if err := f.regs.Poke32(f.base+RegTimeHi, uint32(ticks>>32)); err != nil {
		return fmt.Errorf("write stream command time: %w", err)
	}
	if err := f.regs.Poke32(f.base+RegTimeLo, uint32(ticks)); err != nil {
		return fmt.Errorf("write stream command time: %w", err)
	}
	return nil
}

// ClearCommands drops every queued command.
func (f *Framer) ClearCommands() error {
	if err := f.regs.Poke32(f.base+RegClear, 1); err != nil {
		return fmt.Errorf("clear stream commands: %w", err)
	}
	return nil
}
