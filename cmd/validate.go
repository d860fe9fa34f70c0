package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"firestige.xyz/iqstream/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate FILE",
	Short: "Validate a configuration file",
	Long: `Load a configuration file the way every other command does, apply the
defaults and report either the resulting device and stream setup or the
first problem found.

Examples:
  iqstream validate iqstream.yml`,
	Args: cobra.ExactArgs(1),
	// validate checks its own argument; the global config may be the broken one
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(args[0], cmd.OutOrStdout())
	},
}

func runValidate(path string, out io.Writer) error {
	c, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(out, "INVALID: %v\n", err)
		return err
	}

	fmt.Fprintf(out, "VALID: %s device, %s link (%s), tick %.6g Hz, samp %.6g Hz\n",
		c.Device.Type, c.Device.Link, c.Device.ByteOrder, c.Device.TickRate, c.Device.SampRate)
	fmt.Fprintf(out, "  rx: channels %s, %s -> %s, window %d, gain %.1f dB%s\n",
		formatChannels(c.Rx.Channels), c.Rx.WireFormat, c.Rx.HostFormat, c.Rx.FlowControl.Window,
		c.Rx.Gain, formatAntenna(c.Rx.Antenna))
	fmt.Fprintf(out, "  tx: channels %s, %s -> %s, %d samples/packet, window %d, gain %.1f dB%s\n",
		formatChannels(c.Tx.Channels), c.Tx.HostFormat, c.Tx.WireFormat, c.Tx.SamplesPerPacket, c.Tx.FlowControl.Window,
		c.Tx.Gain, formatAntenna(c.Tx.Antenna))
	if c.Device.Type == config.DeviceLink {
		types := make([]string, len(c.Device.Transports))
		for i, t := range c.Device.Transports {
			types[i] = t.Type
		}
		fmt.Fprintf(out, "  transports: %s\n", strings.Join(types, ", "))
	}
	return nil
}

func formatChannels(chs []int) string {
	parts := make([]string, len(chs))
	for i, ch := range chs {
		parts[i] = fmt.Sprint(ch)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func formatAntenna(name string) string {
	if name == "" {
		return ""
	}
	return ", antenna " + name
}
