package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/spf13/cobra"

	"firestige.xyz/iqstream/internal/core/vrt"
	"firestige.xyz/iqstream/internal/flowctrl"
)

var dumpCmd = &cobra.Command{
	Use:   "dump FILE",
	Short: "Decode the stream packets of a capture file",
	Long: `Print one line per UDP datagram of a pcap capture, decoded with the
configured link profile (or the one given by --link and --byte-order).

Examples:
  iqstream dump rx.pcap --limit 20
  iqstream dump usb.pcap --link chdr --byte-order little --port 49153`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		profile := cfg.Device.Profile()
		if dumpOpts.link != "" || dumpOpts.order != "" {
			link, order := dumpOpts.link, dumpOpts.order
			if link == "" {
				link = cfg.Device.Link
			}
			if order == "" {
				order = cfg.Device.ByteOrder
			}
			p, err := vrt.ParseProfile(link, order)
			if err != nil {
				return err
			}
			profile = p
		}
		return runDump(args[0], profile, dumpOpts, cmd.OutOrStdout())
	},
}

type dumpOptions struct {
	link  string
	order string
	port  int
	limit int
}

var dumpOpts dumpOptions

func init() {
	dumpCmd.Flags().StringVar(&dumpOpts.link, "link", "", "link type (vrt or chdr)")
	dumpCmd.Flags().StringVar(&dumpOpts.order, "byte-order", "", "byte order (big or little)")
	dumpCmd.Flags().IntVar(&dumpOpts.port, "port", 0, "only decode datagrams to this UDP port")
	dumpCmd.Flags().IntVar(&dumpOpts.limit, "limit", 0, "stop after this many packets (0 = all)")
}

// dumpStats counts what runDump saw.
type dumpStats struct {
	packets   int
	malformed int
	byType    map[vrt.PacketType]int
}

// describePacket renders one decoded header.
func describePacket(p vrt.Profile, buf []byte, info *vrt.PacketInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-12s seq=%-4d", info.PacketType, info.PacketCount)
	if info.HasSID {
		fmt.Fprintf(&b, " sid=%#08x", info.SID)
	}
	if info.HasTSI {
		fmt.Fprintf(&b, " tsi=%d", info.TSI)
	}
	if info.HasTSF {
		fmt.Fprintf(&b, " tsf=%d", info.TSF)
	}
	if info.SOB {
		b.WriteString(" sob")
	}
	if info.EOB {
		b.WriteString(" eob")
	}
	switch info.PacketType {
	case vrt.PacketTypeContext:
		fmt.Fprintf(&b, " code=%#x", p.ContextCode(buf, info))
	case vrt.PacketTypeFlowControl:
		if seq, err := flowctrl.ParseFlowControl(p, buf, info); err == nil {
			fmt.Fprintf(&b, " fc_seq=%d", seq)
		} else {
			b.WriteString(" fc_seq=?")
		}
	default:
		fmt.Fprintf(&b, " payload=%dB", info.NumPayloadBytes)
	}
	return b.String()
}

// runDump decodes every UDP payload of the capture at path.
func runDump(path string, p vrt.Profile, opts dumpOptions, out io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open capture %s: %w", path, err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read capture header %s: %w", path, err)
	}

	stats := dumpStats{byType: make(map[vrt.PacketType]int)}
	for opts.limit == 0 || stats.packets < opts.limit {
		data, ci, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read packet: %w", err)
		}

		pkt := gopacket.NewPacket(data, r.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		l := pkt.Layer(layers.LayerTypeUDP)
		if l == nil {
			continue
		}
		udp := l.(*layers.UDP)
		if opts.port != 0 && int(udp.DstPort) != opts.port {
			continue
		}

		stats.packets++
		ts := ci.Timestamp.UTC().Format("15:04:05.000000")
		info, err := p.Unpack(udp.Payload)
		if err != nil {
			stats.malformed++
			fmt.Fprintf(out, "%5d %s %d->%d malformed: %v\n", stats.packets, ts, udp.SrcPort, udp.DstPort, err)
			continue
		}
		stats.byType[info.PacketType]++
		fmt.Fprintf(out, "%5d %s %d->%d %s\n", stats.packets, ts, udp.SrcPort, udp.DstPort,
			describePacket(p, udp.Payload, &info))
	}

	fmt.Fprintf(out, "%d packets (data %d, context %d, flow_control %d, command %d, malformed %d) as %s\n",
		stats.packets,
		stats.byType[vrt.PacketTypeData], stats.byType[vrt.PacketTypeContext],
		stats.byType[vrt.PacketTypeFlowControl], stats.byType[vrt.PacketTypeCommand],
		stats.malformed, p)
	return nil
}
