package radio

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/iqstream/internal/core"
)

type poke struct{ addr, value uint32 }

type fakeRegs struct {
	pokes []poke
	err   error
}

func (r *fakeRegs) Poke32(addr, value uint32) error {
	if r.err != nil {
		return r.err
	}
	r.pokes = append(r.pokes, poke{addr, value})
	return nil
}

type fakeQueue struct {
	cmds    []core.StreamCommand
	clears  int
	failing bool
}

func (q *fakeQueue) IssueStreamCmd(cmd core.StreamCommand) error {
	if q.failing {
		return errors.New("register bus down")
	}
	q.cmds = append(q.cmds, cmd)
	return nil
}

func (q *fakeQueue) ClearCommands() error {
	q.clears++
	return nil
}

type fakeClock struct{ now core.TimeSpec }

func (c *fakeClock) TimeNow() core.TimeSpec     { return c.now }
func (c *fakeClock) SetTimeNow(t core.TimeSpec) { c.now = t }

type fakeFlusher struct {
	calls   int
	timeout time.Duration
}

func (f *fakeFlusher) FlushAll(timeout time.Duration) error {
	f.calls++
	f.timeout = timeout
	return nil
}

func TestEncodeStreamCmd(t *testing.T) {
	tests := []struct {
		name string
		cmd  core.StreamCommand
		want uint32
	}{
		{"start continuous now", core.StreamCommand{Mode: core.StreamModeStartContinuous, StreamNow: true}, CmdStreamNow | CmdChain | CmdReload | 1},
		{"start continuous timed", core.StreamCommand{Mode: core.StreamModeStartContinuous}, CmdChain | CmdReload | 1},
		{"stop", core.StreamCommand{Mode: core.StreamModeStopContinuous, StreamNow: true}, CmdStreamNow | CmdStop},
		{"num samps and done", core.StreamCommand{Mode: core.StreamModeNumSampsAndDone, NumSamps: 1000}, 1000},
		{"num samps and more", core.StreamCommand{Mode: core.StreamModeNumSampsAndMore, NumSamps: 0x1234, StreamNow: true}, CmdStreamNow | CmdChain | 0x1234},
		{"max burst", core.StreamCommand{Mode: core.StreamModeNumSampsAndDone, NumSamps: MaxBurstSamples}, MaxBurstSamples},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := EncodeStreamCmd(tt.cmd)
			require.NoError(t, err)
			assert.Equal(t, tt.want, w)

			mode, nsamps, now := DecodeStreamCmd(w)
			assert.Equal(t, tt.cmd.Mode, mode)
			assert.Equal(t, tt.cmd.StreamNow, now)
			if mode == core.StreamModeNumSampsAndDone || mode == core.StreamModeNumSampsAndMore {
				assert.Equal(t, tt.cmd.NumSamps, nsamps)
			}
		})
	}
}

func TestEncodeStreamCmdErrors(t *testing.T) {
	_, err := EncodeStreamCmd(core.StreamCommand{Mode: core.StreamModeNumSampsAndDone, NumSamps: MaxBurstSamples + 1})
	assert.ErrorIs(t, err, core.ErrBurstTooLong)

	// continuous modes ignore the count
	_, err = EncodeStreamCmd(core.StreamCommand{Mode: core.StreamModeStartContinuous, NumSamps: MaxBurstSamples + 1})
	assert.NoError(t, err)

	_, err = EncodeStreamCmd(core.StreamCommand{Mode: core.StreamMode(42)})
	assert.ErrorIs(t, err, core.ErrStreamCommand)
}

func TestFramerWritesRegisters(t *testing.T) {
	regs := &fakeRegs{}
	f := NewFramer(regs, 0x100, 100e6)

	cmd := core.StreamCommand{
		Mode:     core.StreamModeNumSampsAndDone,
		NumSamps: 500,
		TimeSpec: core.NewTimeSpec(50, 0.5),
	}
	require.NoError(t, f.IssueStreamCmd(cmd))
	ticks := uint64(5_050_000_000)
	assert.Equal(t, []poke{
		{0x100 + RegCommand, 500},
		{0x100 + RegTimeHi, uint32(ticks >> 32)},
		{0x100 + RegTimeLo, uint32(ticks)},
	}, regs.pokes)

	regs.pokes = nil
	require.NoError(t, f.IssueStreamCmd(core.StreamCommand{Mode: core.StreamModeStopContinuous, StreamNow: true, TimeSpec: core.NewTimeSpec(9, 0)}))
	require.Len(t, regs.pokes, 3)
	assert.Zero(t, regs.pokes[1].value)
	assert.Zero(t, regs.pokes[2].value)

	regs.pokes = nil
	require.NoError(t, f.ClearCommands())
	assert.Equal(t, []poke{{0x100 + RegClear, 1}}, regs.pokes)

	regs.err = errors.New("bus error")
	assert.Error(t, f.IssueStreamCmd(cmd))
	assert.Error(t, f.ClearCommands())
}

func TestFramerRejectsLongBurst(t *testing.T) {
	regs := &fakeRegs{}
	f := NewFramer(regs, 0, 100e6)
	err := f.IssueStreamCmd(core.StreamCommand{Mode: core.StreamModeNumSampsAndMore, NumSamps: 1 << 30})
	assert.ErrorIs(t, err, core.ErrBurstTooLong)
	assert.Empty(t, regs.pokes)
}

func TestChannelStateTransitions(t *testing.T) {
	q := &fakeQueue{}
	ch := NewChannel(0, q)
	assert.Equal(t, StateStopped, ch.State())

	steps := []struct {
		mode core.StreamMode
		want StreamState
	}{
		{core.StreamModeStartContinuous, StateStreamingContinuous},
		{core.StreamModeStopContinuous, StateStopped},
		{core.StreamModeNumSampsAndDone, StateStreamingFinite},
		{core.StreamModeNumSampsAndMore, StateStreamingFinite},
	}
	for _, s := range steps {
		require.NoError(t, ch.IssueStreamCmd(core.StreamCommand{Mode: s.mode, NumSamps: 10}))
		assert.Equal(t, s.want, ch.State(), s.mode.String())
	}
	assert.Len(t, q.cmds, 4)

	ch.BurstDone()
	assert.Equal(t, StateStopped, ch.State())

	require.NoError(t, ch.IssueStreamCmd(core.StreamCommand{Mode: core.StreamModeStartContinuous}))
	ch.BurstDone()
	assert.Equal(t, StateStreamingContinuous, ch.State())
}

func TestChannelFailedCommandKeepsState(t *testing.T) {
	q := &fakeQueue{failing: true}
	ch := NewChannel(3, q)
	assert.Error(t, ch.IssueStreamCmd(core.StreamCommand{Mode: core.StreamModeStartContinuous}))
	assert.Equal(t, StateStopped, ch.State())
	assert.Equal(t, 3, ch.Index())
}

func TestRecoverySingleChannelContinuous(t *testing.T) {
	q := &fakeQueue{}
	ch := NewChannel(0, q)
	require.NoError(t, ch.IssueStreamCmd(core.StreamCommand{Mode: core.StreamModeStartContinuous, StreamNow: true}))
	flusher := &fakeFlusher{}

	r := NewRecovery([]*Channel{ch}, &fakeClock{}, flusher)
	r.HandleOverflow()

	require.Len(t, q.cmds, 2)
	assert.Equal(t, core.StreamCommand{Mode: core.StreamModeStartContinuous, StreamNow: true}, q.cmds[1])
	assert.Zero(t, flusher.calls)
	assert.Zero(t, q.clears)
}

func TestRecoverySingleChannelFinite(t *testing.T) {
	q := &fakeQueue{}
	ch := NewChannel(0, q)
	require.NoError(t, ch.IssueStreamCmd(core.StreamCommand{Mode: core.StreamModeNumSampsAndDone, NumSamps: 100}))

	r := NewRecovery([]*Channel{ch}, &fakeClock{}, &fakeFlusher{})
	r.HandleOverflow()
	assert.Len(t, q.cmds, 1)
}

func TestRecoveryMultiChannelRealigns(t *testing.T) {
	queues := []*fakeQueue{{}, {}}
	channels := []*Channel{NewChannel(0, queues[0]), NewChannel(1, queues[1])}
	start := core.StreamCommand{Mode: core.StreamModeStartContinuous, TimeSpec: core.NewTimeSpec(1, 0)}
	for _, ch := range channels {
		require.NoError(t, ch.IssueStreamCmd(start))
	}

	clock := &fakeClock{now: core.NewTimeSpec(10, 0.25)}
	flusher := &fakeFlusher{}
	r := NewRecovery(channels, clock, flusher)
	r.HandleOverflow()

	assert.Equal(t, 1, flusher.calls)
	assert.Equal(t, DefaultFlushTimeout, flusher.timeout)
	for i, q := range queues {
		require.Len(t, q.cmds, 3, "channel %d", i)
		assert.Equal(t, core.StreamModeStopContinuous, q.cmds[1].Mode)
		assert.True(t, q.cmds[1].StreamNow)
		assert.Equal(t, 1, q.clears)

		restart := q.cmds[2]
		assert.Equal(t, core.StreamModeStartContinuous, restart.Mode)
		assert.False(t, restart.StreamNow)
		assert.InDelta(t, 10.3, restart.TimeSpec.Seconds(), 1e-9)
		assert.Equal(t, StateStreamingContinuous, channels[i].State())
	}
	// both channels restart at the same instant
	assert.Equal(t, queues[0].cmds[2].TimeSpec, queues[1].cmds[2].TimeSpec)
}

func TestRecoveryMultiChannelFiniteStops(t *testing.T) {
	queues := []*fakeQueue{{}, {}}
	channels := []*Channel{NewChannel(0, queues[0]), NewChannel(1, queues[1])}
	require.NoError(t, channels[0].IssueStreamCmd(core.StreamCommand{Mode: core.StreamModeStartContinuous}))
	require.NoError(t, channels[1].IssueStreamCmd(core.StreamCommand{Mode: core.StreamModeNumSampsAndMore, NumSamps: 10}))

	flusher := &fakeFlusher{}
	NewRecovery(channels, &fakeClock{}, flusher).HandleOverflow()

	assert.Equal(t, 1, flusher.calls)
	for i, q := range queues {
		require.Len(t, q.cmds, 2, "channel %d", i)
		assert.Equal(t, core.StreamModeStopContinuous, q.cmds[1].Mode)
		assert.Equal(t, StateStopped, channels[i].State())
	}
}
