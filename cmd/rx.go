package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/iqstream/internal/config"
	"firestige.xyz/iqstream/internal/pipeline"
	"firestige.xyz/iqstream/internal/sink/console"
	"firestige.xyz/iqstream/internal/sink/file"
)

var rxCmd = &cobra.Command{
	Use:   "rx",
	Short: "Capture samples from the configured device",
	Long: `Receive aligned samples from every configured rx channel and write them
to per-channel sample files with a YAML sidecar, or print one line per block.

Without --samples the capture runs until interrupted.

Examples:
  iqstream rx --samples 1000000 --output-dir /data
  iqstream rx -c link.yml --console`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		opts := rxOpts
		if cfg.Capture.Markers {
			opts.markers = os.Stderr
		}
		return runRx(ctx, cfg, opts, cmd.OutOrStdout())
	},
}

type rxOptions struct {
	numSamps  uint64
	delay     float64
	console   bool
	outputDir string
	markers   io.Writer
}

var rxOpts rxOptions

func init() {
	rxCmd.Flags().Uint64VarP(&rxOpts.numSamps, "samples", "n", 0,
		"samples per channel to capture (0 = until interrupted)")
	rxCmd.Flags().Float64Var(&rxOpts.delay, "delay", 0.1,
		"seconds between the stream command and the first sample")
	rxCmd.Flags().BoolVar(&rxOpts.console, "console", false,
		"print block summaries instead of writing sample files")
	rxCmd.Flags().StringVarP(&rxOpts.outputDir, "output-dir", "o", "",
		"capture directory (overrides capture.output_dir)")
}

func newRxSink(c *config.GlobalConfig, opts rxOptions, out io.Writer) (pipeline.Sink, error) {
	if opts.console {
		return console.NewSink(out), nil
	}
	dir := c.Capture.OutputDir
	if opts.outputDir != "" {
		dir = opts.outputDir
	}
	return file.New(file.Options{
		Dir:        dir,
		Compress:   c.Capture.Compression == config.CompressionZstd,
		HostFormat: c.Rx.HostFormat,
		Channels:   c.Rx.Channels,
		SampRate:   c.Device.SampRate,
		TickRate:   c.Device.TickRate,
		Device:     c.Device.Type + "/" + c.Device.Profile().String(),
	})
}

// runRx captures until numSamps samples arrived or ctx ends.
func runRx(ctx context.Context, c *config.GlobalConfig, opts rxOptions, out io.Writer) error {
	stopMetrics, err := startMetrics(ctx, c.Metrics)
	if err != nil {
		return err
	}
	defer stopMetrics()

	session, err := openRx(ctx, c, opts.markers)
	if err != nil {
		return fmt.Errorf("failed to open device: %w", err)
	}
	defer session.Close()

	sink, err := newRxSink(c, opts, out)
	if err != nil {
		return err
	}

	p, err := pipeline.NewBuilder().
		WithID("rx").
		WithSource(session.source).
		WithSink(sink).
		WithBlockSamples(c.Capture.BlockSamples).
		WithQueueDepth(c.Capture.QueueDepth).
		WithTimeout(c.Rx.Timeout).
		WithMaxSamples(opts.numSamps).
		Build()
	if err != nil {
		_ = sink.Close()
		return err
	}
	if err := p.Start(ctx); err != nil {
		_ = sink.Close()
		return err
	}
	if err := session.Begin(opts.numSamps, opts.delay); err != nil {
		_ = p.Stop()
		return fmt.Errorf("failed to start streaming: %w", err)
	}

	select {
	case <-p.Done():
	case <-ctx.Done():
	}
	stopErr := p.Stop()

	s := p.Stats()
	fmt.Fprintf(out, "captured %d samples per channel in %d blocks (overflows %d, timeouts %d, late %d, bad packets %d)\n",
		s.Samples, s.Written, s.Overflows, s.Timeouts, s.LateCommands, s.BadPackets)

	if err := p.Err(); err != nil {
		return err
	}
	return stopErr
}
