package cmd

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/iqstream/internal/config"
	"firestige.xyz/iqstream/internal/core"
	"firestige.xyz/iqstream/internal/core/convert"
	"firestige.xyz/iqstream/internal/streamer"
)

var txCmd = &cobra.Command{
	Use:   "tx",
	Short: "Transmit timed tone bursts to the simulated device",
	Long: `Send timed bursts of a complex tone on every configured tx channel and
report the async events the device returns (burst acks, underflows,
sequence and time errors).

Examples:
  iqstream tx --bursts 10 --samples 20000
  iqstream tx --late   # schedule the bursts in the past`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		opts := txOpts
		if cfg.Capture.Markers {
			opts.markers = os.Stderr
		}
		return runTx(ctx, cfg, opts, cmd.OutOrStdout())
	},
}

type txOptions struct {
	bursts   int
	numSamps int
	tone     float64 // cycles per sample
	gap      float64 // seconds between burst starts
	late     bool
	markers  io.Writer
}

var txOpts txOptions

func init() {
	txCmd.Flags().IntVar(&txOpts.bursts, "bursts", 4, "number of bursts")
	txCmd.Flags().IntVarP(&txOpts.numSamps, "samples", "n", 10000, "samples per burst")
	txCmd.Flags().Float64Var(&txOpts.tone, "tone", 0.01, "tone frequency in cycles per sample")
	txCmd.Flags().Float64Var(&txOpts.gap, "gap", 0.05, "seconds between burst starts")
	txCmd.Flags().BoolVar(&txOpts.late, "late", false, "schedule bursts in the past")
}

// tone returns n samples of a complex exponential at amplitude 0.7.
func tone(n int, cycles float64) []complex64 {
	out := make([]complex64, n)
	for i := range out {
		s, c := math.Sincos(2 * math.Pi * cycles * float64(i))
		out[i] = complex(float32(0.7*c), float32(0.7*s))
	}
	return out
}

// eventReceiver yields async events.
type eventReceiver interface {
	RecvAsyncMsg(timeout time.Duration) (core.AsyncMetadata, bool)
}

// collectEvents counts events until want burst acks arrived or no event
// came within timeout.
func collectEvents(r eventReceiver, want int, timeout time.Duration) map[core.AsyncEventCode]int {
	counts := make(map[core.AsyncEventCode]int)
	for counts[core.EventBurstAck] < want {
		md, ok := r.RecvAsyncMsg(timeout)
		if !ok {
			break
		}
		counts[md.EventCode]++
	}
	return counts
}

func formatEvents(counts map[core.AsyncEventCode]int) string {
	if len(counts) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(counts))
	for code, n := range counts {
		parts = append(parts, fmt.Sprintf("%s=%d", code, n))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

// runTx sends the bursts and reports the resulting events.
func runTx(ctx context.Context, c *config.GlobalConfig, opts txOptions, out io.Writer) error {
	if c.Device.Type != config.DeviceSim {
		return fmt.Errorf("%w: tx needs a sim device", core.ErrConfigInvalid)
	}
	if opts.bursts <= 0 || opts.numSamps <= 0 {
		return fmt.Errorf("%w: bursts and samples must be positive", core.ErrConfigInvalid)
	}
	stopMetrics, err := startMetrics(ctx, c.Metrics)
	if err != nil {
		return err
	}
	defer stopMetrics()

	dev, err := openSim(ctx, c, c.Tx.WireFormat, false)
	if err != nil {
		return fmt.Errorf("failed to open device: %w", err)
	}
	defer dev.Stop()
	if err := tune(dev, c.Tx.Channels, c.Tx.Gain, c.Tx.Antenna); err != nil {
		return err
	}

	s, err := streamer.NewTxStreamer(dev, streamer.TxConfig{
		Profile:          c.Device.Profile(),
		Channels:         c.Tx.Channels,
		HostFormat:       "fc32",
		WireFormat:       c.Tx.WireFormat,
		Scalar:           c.Tx.Scalar,
		TickRate:         c.Device.TickRate,
		SampRate:         c.Device.SampRate,
		SamplesPerPacket: c.Tx.SamplesPerPacket,
		FlowControl:      window(c.Tx.FlowControl),
		QueueSize:        c.Tx.AsyncQueueSize,
		Markers:          opts.markers,
	})
	if err != nil {
		return err
	}
	if err := s.Start(ctx); err != nil {
		return err
	}
	defer s.Stop()

	samples := tone(opts.numSamps, opts.tone)
	buffs := make([][]byte, s.NumChannels())
	for i := range buffs {
		buffs[i] = convert.Complex64Bytes(samples)
	}

	start := dev.TimeNow().Add(core.TimeSpecFromSeconds(opts.gap))
	if opts.late {
		dev.SetTimeNow(core.NewTimeSpec(1000, 0))
		start = core.NewTimeSpec(1, 0)
	}
	sent := 0
	for k := 0; k < opts.bursts && ctx.Err() == nil; k++ {
		md := core.TxMetadata{
			StartOfBurst: true,
			EndOfBurst:   true,
			HasTimeSpec:  true,
			TimeSpec:     start.Add(core.TimeSpecFromSeconds(float64(k) * opts.gap)),
		}
		n, err := s.Send(buffs, len(samples), md, c.Tx.Timeout)
		sent += n
		if err != nil {
			return fmt.Errorf("burst %d: %w", k, err)
		}
		if n < len(samples) {
			return fmt.Errorf("burst %d: sent %d of %d samples before the timeout", k, n, len(samples))
		}
	}

	want := opts.bursts * s.NumChannels()
	if opts.late {
		// late bursts are never acknowledged
		want = 0
	}
	counts := collectEvents(s, want, time.Second)
	if opts.late {
		counts = drainEvents(s, counts, 100*time.Millisecond)
	}

	fmt.Fprintf(out, "sent %d samples per channel in %d bursts on %d channels; events: %s\n",
		sent, opts.bursts, s.NumChannels(), formatEvents(counts))
	if !opts.late && counts[core.EventBurstAck] < want {
		return fmt.Errorf("only %d of %d bursts acknowledged", counts[core.EventBurstAck], want)
	}
	return nil
}

// drainEvents adds every event that arrives before a quiet period of
// timeout.
func drainEvents(r eventReceiver, counts map[core.AsyncEventCode]int, timeout time.Duration) map[core.AsyncEventCode]int {
	for {
		md, ok := r.RecvAsyncMsg(timeout)
		if !ok {
			return counts
		}
		counts[md.EventCode]++
	}
}
