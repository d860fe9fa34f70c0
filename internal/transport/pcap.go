package transport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/iqstream/internal/core"
)

// PcapOptions configures a capture replay transport.
type PcapOptions struct {
	FilePath  string `mapstructure:"file_path"`
	Port      int    `mapstructure:"port"` // UDP destination port to replay, 0 for all
	FrameSize int    `mapstructure:"frame_size"`
	NumFrames int    `mapstructure:"num_frames"`
}

// PcapReplay replays the UDP payloads of a capture file as received frames.
// Once the file is exhausted every receive times out. Sent frames are
// counted and discarded.
type PcapReplay struct {
	file   *os.File
	reader *pcapgo.Reader
	port   layers.UDPPort
	pool   *framePool

	mu  sync.Mutex
	eof bool

	replayed  atomic.Uint64
	discarded atomic.Uint64
}

// NewPcapReplay opens the capture file.
func NewPcapReplay(opts PcapOptions) (*PcapReplay, error) {
	if opts.FilePath == "" {
		return nil, fmt.Errorf("%w: file_path is required", core.ErrConfigInvalid)
	}
	f, err := os.Open(opts.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open pcap file %s: %w", opts.FilePath, err)
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read pcap header %s: %w", opts.FilePath, err)
	}
	return &PcapReplay{
		file:   f,
		reader: r,
		port:   layers.UDPPort(opts.Port),
		pool:   newFramePool(opts.NumFrames, opts.FrameSize),
	}, nil
}

// nextPayload reads records until one carries a matching UDP payload.
func (p *PcapReplay) nextPayload() ([]byte, error) {
	for {
		data, _, err := p.reader.ReadPacketData()
		if err != nil {
			return nil, err
		}
		pkt := gopacket.NewPacket(data, p.reader.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		l := pkt.Layer(layers.LayerTypeUDP)
		if l == nil {
			continue
		}
		udp := l.(*layers.UDP)
		if p.port != 0 && udp.DstPort != p.port {
			continue
		}
		return udp.Payload, nil
	}
}

func (p *PcapReplay) GetRecvBuff(timeout time.Duration) (RecvBuffer, error) {
	p.mu.Lock()
	eof := p.eof
	p.mu.Unlock()
	if eof {
		if timeout > 0 {
			time.Sleep(timeout)
		}
		return nil, nil
	}

	frame, err := p.pool.grab(timeout)
	if frame == nil || err != nil {
		return nil, err
	}

	p.mu.Lock()
	payload, err := p.nextPayload()
	if err != nil {
		p.mu.Unlock()
		p.pool.put(frame)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			p.mu.Lock()
			p.eof = true
			p.mu.Unlock()
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read packet: %w", err)
	}
	n := copy(frame, payload)
	p.mu.Unlock()

	p.replayed.Add(1)
	return &recvFrame{pool: p.pool, data: frame[:n]}, nil
}

func (p *PcapReplay) GetSendBuff(timeout time.Duration) (SendBuffer, error) {
	f, err := p.pool.grab(timeout)
	if f == nil || err != nil {
		return nil, err
	}
	return &sendFrame{data: f, commit: func(data []byte, n int) {
		if n > 0 {
			p.discarded.Add(1)
		}
		p.pool.put(data)
	}}, nil
}

// Replayed returns the number of frames handed out so far.
func (p *PcapReplay) Replayed() uint64 { return p.replayed.Load() }

// Discarded returns the number of committed send frames.
func (p *PcapReplay) Discarded() uint64 { return p.discarded.Load() }

func (p *PcapReplay) NumRecvFrames() int { return p.pool.frames() }
func (p *PcapReplay) RecvFrameSize() int { return p.pool.size }
func (p *PcapReplay) NumSendFrames() int { return p.pool.frames() }
func (p *PcapReplay) SendFrameSize() int { return p.pool.size }

func (p *PcapReplay) Close() error {
	p.pool.close()
	return p.file.Close()
}
