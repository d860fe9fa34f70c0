package radio

import (
	"log/slog"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"firestige.xyz/iqstream/internal/core"
	"firestige.xyz/iqstream/internal/metrics"
)

// StreamState is the streaming state of one receive channel.
type StreamState string

const (
	StateStopped             StreamState = "stopped"
	StateStreamingContinuous StreamState = "streaming_continuous"
	StateStreamingFinite     StreamState = "streaming_finite"
)

func (s StreamState) gaugeValue() float64 {
	switch s {
	case StateStreamingContinuous:
		return metrics.StreamStateContinuous
	case StateStreamingFinite:
		return metrics.StreamStateFinite
	default:
		return metrics.StreamStateStopped
	}
}

// Channel mirrors the stream commands sent to one channel's command queue
// and tracks the resulting state.
type Channel struct {
	index int
	queue CommandQueue
	gauge prometheus.Gauge

	mu    sync.RWMutex
	state StreamState
}

// NewChannel creates a stopped channel feeding queue.
func NewChannel(index int, queue CommandQueue) *Channel {
	c := &Channel{
		index: index,
		queue: queue,
		gauge: metrics.StreamState.WithLabelValues(strconv.Itoa(index)),
		state: StateStopped,
	}
	c.gauge.Set(metrics.StreamStateStopped)
	return c
}

// Index returns the channel number.
func (c *Channel) Index() int {
	return c.index
}

// State returns the current stream state.
func (c *Channel) State() StreamState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// setState updates the state (must hold mu lock).
func (c *Channel) setState(s StreamState) {
	if c.state == s {
		return
	}
	slog.Debug("stream state changed", "channel", c.index, "from", c.state, "to", s)
	c.state = s
	c.gauge.Set(s.gaugeValue())
}

// IssueStreamCmd forwards cmd to the command queue and applies it.
func (c *Channel) IssueStreamCmd(cmd core.StreamCommand) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.queue.IssueStreamCmd(cmd); err != nil {
		return err
	}
	switch cmd.Mode {
	case core.StreamModeStartContinuous:
		c.setState(StateStreamingContinuous)
	case core.StreamModeStopContinuous:
		c.setState(StateStopped)
	case core.StreamModeNumSampsAndDone, core.StreamModeNumSampsAndMore:
		c.setState(StateStreamingFinite)
	}
	return nil
}

// BurstDone records that a finite burst ended. Continuous streaming is not
// affected.
func (c *Channel) BurstDone() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateStreamingFinite {
		c.setState(StateStopped)
	}
}

// ClearCommands drops the channel's queued commands.
func (c *Channel) ClearCommands() error {
	return c.queue.ClearCommands()
}
