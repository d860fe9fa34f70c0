package transport

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// RecorderOptions configures a capture recorder.
type RecorderOptions struct {
	FilePath string `mapstructure:"file_path"`
	SrcIP    string `mapstructure:"src_ip"`
	DstIP    string `mapstructure:"dst_ip"`
	SrcPort  int    `mapstructure:"src_port"`
	DstPort  int    `mapstructure:"dst_port"`
}

const maxSnapLen = 65536

// Recorder wraps a transport and writes every received frame to a capture
// file as an Ethernet/IPv4/UDP datagram. The file replays with PcapReplay.
type Recorder struct {
	ZeroCopy

	file *os.File

	mu     sync.Mutex
	writer *pcapgo.Writer
	eth    layers.Ethernet
	ip     layers.IPv4
	udp    layers.UDP
	buf    gopacket.SerializeBuffer
	ipID   uint16
	err    error
}

// NewRecorder creates the capture file and wraps inner.
func NewRecorder(inner ZeroCopy, opts RecorderOptions) (*Recorder, error) {
	if opts.SrcIP == "" {
		opts.SrcIP = "192.168.10.2"
	}
	if opts.DstIP == "" {
		opts.DstIP = "192.168.10.1"
	}
	if opts.SrcPort == 0 {
		opts.SrcPort = 49153
	}
	if opts.DstPort == 0 {
		opts.DstPort = 49153
	}
	src, dst := net.ParseIP(opts.SrcIP).To4(), net.ParseIP(opts.DstIP).To4()
	if src == nil || dst == nil {
		return nil, fmt.Errorf("recorder needs IPv4 addresses, got %q and %q", opts.SrcIP, opts.DstIP)
	}

	f, err := os.Create(opts.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture %s: %w", opts.FilePath, err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(maxSnapLen, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write capture header: %w", err)
	}

	r := &Recorder{
		ZeroCopy: inner,
		file:     f,
		writer:   w,
		eth: layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x00, 0x80, 0x2f, 0x00, 0x00, 0x02},
			DstMAC:       net.HardwareAddr{0x00, 0x80, 0x2f, 0x00, 0x00, 0x01},
			EthernetType: layers.EthernetTypeIPv4,
		},
		ip: layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Flags:    layers.IPv4DontFragment,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    src,
			DstIP:    dst,
		},
		udp: layers.UDP{
			SrcPort: layers.UDPPort(opts.SrcPort),
			DstPort: layers.UDPPort(opts.DstPort),
		},
		buf: gopacket.NewSerializeBuffer(),
	}
	if err := r.udp.SetNetworkLayerForChecksum(&r.ip); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to set network layer for checksum: %w", err)
	}
	return r, nil
}

// GetRecvBuff receives from the wrapped transport and records the frame.
// A failed write is reported by Close; the frame is still returned.
func (r *Recorder) GetRecvBuff(timeout time.Duration) (RecvBuffer, error) {
	b, err := r.ZeroCopy.GetRecvBuff(timeout)
	if b == nil || err != nil {
		return b, err
	}
	r.record(b.Bytes())
	return b, nil
}

func (r *Recorder) record(payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return
	}

	r.ipID++
	r.ip.Id = r.ipID
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(r.buf, opts, &r.eth, &r.ip, &r.udp, gopacket.Payload(payload)); err != nil {
		r.err = fmt.Errorf("failed to serialize frame: %w", err)
		return
	}
	data := r.buf.Bytes()
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(data),
		Length:        len(data),
	}
	if err := r.writer.WritePacket(ci, data); err != nil {
		r.err = fmt.Errorf("failed to write frame: %w", err)
	}
}

// Close closes the capture file and the wrapped transport.
func (r *Recorder) Close() error {
	r.mu.Lock()
	recErr := r.err
	r.mu.Unlock()

	innerErr := r.ZeroCopy.Close()
	if err := r.file.Close(); err != nil && recErr == nil {
		recErr = err
	}
	if recErr != nil {
		return recErr
	}
	return innerErr
}
