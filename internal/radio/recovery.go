package radio

import (
	"log/slog"
	"time"

	"firestige.xyz/iqstream/internal/core"
	"firestige.xyz/iqstream/internal/metrics"
)

// Recovery defaults.
const (
	DefaultRestartDelay = 50 * time.Millisecond
	DefaultFlushTimeout = time.Millisecond
)

// Flusher drains the receive path of a channel group.
type Flusher interface {
	FlushAll(timeout time.Duration) error
}

// Recovery restarts a channel group after an overflow.
//
// A single continuously streaming channel is restarted in place. Any other
// group is stopped, its queued commands cleared and its transports flushed;
// when every channel was streaming continuously all of them are restarted
// together at a common future time so that they stay aligned.
type Recovery struct {
	Channels []*Channel
	Clock    TimeKeeper
	Flusher  Flusher

	RestartDelay time.Duration
	FlushTimeout time.Duration
}

// NewRecovery creates a recovery handler with default delays.
func NewRecovery(channels []*Channel, clock TimeKeeper, flusher Flusher) *Recovery {
	return &Recovery{
		Channels:     channels,
		Clock:        clock,
		Flusher:      flusher,
		RestartDelay: DefaultRestartDelay,
		FlushTimeout: DefaultFlushTimeout,
	}
}

// HandleOverflow is the overflow hook of the receive handler.
func (r *Recovery) HandleOverflow() {
	if len(r.Channels) == 0 {
		return
	}

	if len(r.Channels) == 1 {
		ch := r.Channels[0]
		if ch.State() != StateStreamingContinuous {
			metrics.OverflowRecoveriesTotal.WithLabelValues("none").Inc()
			return
		}
		cmd := core.StreamCommand{Mode: core.StreamModeStartContinuous, StreamNow: true}
		if err := ch.IssueStreamCmd(cmd); err != nil {
			slog.Error("failed to restart stream after overflow", "channel", ch.Index(), "error", err)
			return
		}
		metrics.OverflowRecoveriesTotal.WithLabelValues("restart").Inc()
		return
	}

	continuous := true
	for _, ch := range r.Channels {
		if ch.State() != StateStreamingContinuous {
			continuous = false
		}
	}

	stop := core.StreamCommand{Mode: core.StreamModeStopContinuous, StreamNow: true}
	for _, ch := range r.Channels {
		if err := ch.IssueStreamCmd(stop); err != nil {
			slog.Error("failed to stop stream after overflow", "channel", ch.Index(), "error", err)
		}
		if err := ch.ClearCommands(); err != nil {
			slog.Error("failed to clear stream commands", "channel", ch.Index(), "error", err)
		}
	}
	if r.Flusher != nil {
		if err := r.Flusher.FlushAll(r.FlushTimeout); err != nil {
			slog.Error("failed to flush receive transports", "error", err)
		}
	}

	if !continuous {
		// finite bursts are reissued by the application
		metrics.OverflowRecoveriesTotal.WithLabelValues("stop").Inc()
		return
	}

	start := core.StreamCommand{
		Mode:     core.StreamModeStartContinuous,
		TimeSpec: r.Clock.TimeNow().Add(core.TimeSpecFromSeconds(r.RestartDelay.Seconds())),
	}
	for _, ch := range r.Channels {
		if err := ch.IssueStreamCmd(start); err != nil {
			slog.Error("failed to restart stream after overflow", "channel", ch.Index(), "error", err)
		}
	}
	slog.Debug("restarting aligned streams", "channels", len(r.Channels), "time", start.TimeSpec.String())
	metrics.OverflowRecoveriesTotal.WithLabelValues("realign").Inc()
}
