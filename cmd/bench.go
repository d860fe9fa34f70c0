package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/iqstream/internal/config"
	"firestige.xyz/iqstream/internal/core"
	"firestige.xyz/iqstream/internal/streamer"
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure receive throughput against the simulated device",
	Long: `Stream continuously from the simulated device for a fixed duration and
report the sustained sample rate through the receive engine, the
conversion and the alignment of all configured channels.

Examples:
  iqstream bench --duration 10s
  IQSTREAM_RX_HOST_FORMAT=sc16 iqstream bench`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runBench(ctx, cfg, benchOpts, cmd.OutOrStdout())
	},
}

type benchOptions struct {
	duration     time.Duration
	blockSamples int
}

var benchOpts benchOptions

func init() {
	benchCmd.Flags().DurationVarP(&benchOpts.duration, "duration", "d", 5*time.Second, "how long to stream")
	benchCmd.Flags().IntVar(&benchOpts.blockSamples, "block", 0, "samples per recv call (defaults to capture.block_samples)")
}

// benchResult is one throughput measurement.
type benchResult struct {
	Samples   uint64
	Elapsed   time.Duration
	Overflows int
	Timeouts  int
	Other     int
}

// Msps returns the sustained rate in mega-samples per second per channel.
func (r benchResult) Msps() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Samples) / r.Elapsed.Seconds() / 1e6
}

func runBench(ctx context.Context, c *config.GlobalConfig, opts benchOptions, out io.Writer) error {
	if c.Device.Type != config.DeviceSim {
		return fmt.Errorf("%w: bench needs a sim device", core.ErrConfigInvalid)
	}
	if opts.duration <= 0 {
		return fmt.Errorf("%w: duration must be positive", core.ErrConfigInvalid)
	}
	block := opts.blockSamples
	if block <= 0 {
		block = c.Capture.BlockSamples
	}

	dev, err := openSim(ctx, c, c.Rx.WireFormat, false)
	if err != nil {
		return fmt.Errorf("failed to open device: %w", err)
	}
	defer dev.Stop()

	s, err := streamer.NewRxStreamer(dev, rxStreamerConfig(c, nil))
	if err != nil {
		return err
	}
	buffs := make([][]byte, s.NumChannels())
	for i := range buffs {
		buffs[i] = make([]byte, block*s.HostItemSize())
	}

	cmd := core.StreamCommand{Mode: core.StreamModeStartContinuous}
	if s.NumChannels() > 1 {
		cmd.TimeSpec = dev.TimeNow().Add(core.TimeSpecFromSeconds(0.01))
	} else {
		cmd.StreamNow = true
	}
	if err := s.IssueStreamCmd(cmd); err != nil {
		return err
	}

	res, err := benchLoop(ctx, s, buffs, block, c.Rx.Timeout, opts.duration)
	stopCmd := core.StreamCommand{Mode: core.StreamModeStopContinuous, StreamNow: true}
	if stopErr := s.IssueStreamCmd(stopCmd); stopErr != nil {
		err = errors.Join(err, stopErr)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%d channel(s) %s->%s: %d samples in %s, %.2f Msps per channel (overflows %d, timeouts %d, other errors %d)\n",
		s.NumChannels(), c.Rx.WireFormat, c.Rx.HostFormat, res.Samples,
		res.Elapsed.Round(time.Millisecond), res.Msps(), res.Overflows, res.Timeouts, res.Other)
	return nil
}

// benchLoop receives until duration elapsed or ctx ended.
func benchLoop(ctx context.Context, s *streamer.RxStreamer, buffs [][]byte, block int, timeout, duration time.Duration) (benchResult, error) {
	var res benchResult
	start := time.Now()
	deadline := start.Add(duration)
	for ctx.Err() == nil && time.Now().Before(deadline) {
		n, md, err := s.Recv(buffs, block, timeout, false)
		if err != nil {
			return res, err
		}
		res.Samples += uint64(n)
		switch md.ErrorCode {
		case core.RxErrorNone:
		case core.RxErrorOverflow:
			res.Overflows++
		case core.RxErrorTimeout:
			res.Timeouts++
		default:
			res.Other++
		}
	}
	res.Elapsed = time.Since(start)
	return res, nil
}
