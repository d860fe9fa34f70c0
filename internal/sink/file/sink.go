// Package file writes captured samples to one raw or zstd-compressed file
// per channel, plus a YAML sidecar describing the capture.
package file

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"firestige.xyz/iqstream/internal/core"
	"firestige.xyz/iqstream/internal/core/convert"
	"firestige.xyz/iqstream/internal/pipeline"
)

const Name = "file"

// Options configures a file sink.
type Options struct {
	Dir        string
	Compress   bool // zstd
	HostFormat string
	Channels   []int // device channel of each buffer
	SampRate   float64
	TickRate   float64
	Device     string
}

// Sidecar is the YAML description written next to the sample files.
type Sidecar struct {
	Session     string           `yaml:"session"`
	Created     time.Time        `yaml:"created"`
	Device      string           `yaml:"device,omitempty"`
	HostFormat  string           `yaml:"host_format"`
	ItemSize    int              `yaml:"item_size"`
	SampRate    float64          `yaml:"samp_rate"`
	TickRate    float64          `yaml:"tick_rate"`
	Compression string           `yaml:"compression"`
	StartTime   *float64         `yaml:"start_time,omitempty"` // device seconds of the first sample
	Samples     uint64           `yaml:"samples"`
	Blocks      uint64           `yaml:"blocks"`
	Anomalies   map[string]int   `yaml:"anomalies,omitempty"`
	Channels    []ChannelSummary `yaml:"channels"`
}

// ChannelSummary describes the data of one channel file.
type ChannelSummary struct {
	Channel     int     `yaml:"channel"`
	File        string  `yaml:"file"`
	MeanPowerDB float64 `yaml:"mean_power_dbfs"`
	PeakDB      float64 `yaml:"peak_dbfs"`
}

type channelFile struct {
	file *os.File
	buf  *bufio.Writer
	enc  *zstd.Encoder
	w    io.Writer
	pwr  powerStats
}

// Sink writes blocks into per-channel files.
type Sink struct {
	opts     Options
	itemSize int
	session  string
	files    []*channelFile
	sidecar  Sidecar
	scratch  []float64
}

// New creates the channel files of a new capture session under opts.Dir.
func New(opts Options) (*Sink, error) {
	itemSize, err := convert.ItemSize(opts.HostFormat)
	if err != nil {
		return nil, err
	}
	if len(opts.Channels) == 0 {
		return nil, fmt.Errorf("%w: file sink needs at least one channel", core.ErrConfigInvalid)
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create capture dir: %w", err)
	}

	s := &Sink{
		opts:     opts,
		itemSize: itemSize,
		session:  uuid.New().String(),
	}
	s.sidecar = Sidecar{
		Session:     s.session,
		Created:     time.Now().UTC(),
		Device:      opts.Device,
		HostFormat:  opts.HostFormat,
		ItemSize:    itemSize,
		SampRate:    opts.SampRate,
		TickRate:    opts.TickRate,
		Compression: "none",
	}
	if opts.Compress {
		s.sidecar.Compression = "zstd"
	}

	for _, ch := range opts.Channels {
		name := fmt.Sprintf("%s_ch%d.%s", s.session, ch, opts.HostFormat)
		if opts.Compress {
			name += ".zst"
		}
		cf, err := s.create(filepath.Join(opts.Dir, name))
		if err != nil {
			s.closeFiles()
			return nil, err
		}
		s.files = append(s.files, cf)
		s.sidecar.Channels = append(s.sidecar.Channels, ChannelSummary{Channel: ch, File: name})
	}
	slog.Info("capture session created", "session", s.session, "dir", opts.Dir, "channels", len(opts.Channels))
	return s, nil
}

func (s *Sink) create(path string) (*channelFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create sample file: %w", err)
	}
	cf := &channelFile{file: f, buf: bufio.NewWriterSize(f, 1<<20)}
	cf.w = cf.buf
	if s.opts.Compress {
		enc, err := zstd.NewWriter(cf.buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		cf.enc = enc
		cf.w = enc
	}
	return cf, nil
}

func (s *Sink) Name() string { return Name }

// Session returns the capture session id used in the file names.
func (s *Sink) Session() string { return s.session }

// Write appends the samples of every channel of b.
func (s *Sink) Write(b *pipeline.Block) error {
	if len(b.Buffs) != len(s.files) {
		return fmt.Errorf("%w: block has %d channels, sink %d", core.ErrBufferCount, len(b.Buffs), len(s.files))
	}
	if s.sidecar.StartTime == nil && b.Metadata.HasTimeSpec {
		t := b.Metadata.TimeSpec.Seconds()
		s.sidecar.StartTime = &t
	}
	if b.Metadata.ErrorCode != core.RxErrorNone {
		if s.sidecar.Anomalies == nil {
			s.sidecar.Anomalies = make(map[string]int)
		}
		s.sidecar.Anomalies[b.Metadata.ErrorCode.String()]++
	}

	for ch, cf := range s.files {
		data := b.Bytes(ch, s.itemSize)
		if _, err := cf.w.Write(data); err != nil {
			return fmt.Errorf("channel %d: %w", s.opts.Channels[ch], err)
		}
		s.scratch = powers(s.opts.HostFormat, data, s.scratch)
		cf.pwr.add(s.scratch)
	}
	s.sidecar.Samples += uint64(b.NumSamps)
	s.sidecar.Blocks++
	return nil
}

// Close flushes the sample files and writes the sidecar.
func (s *Sink) Close() error {
	for i, cf := range s.files {
		s.sidecar.Channels[i].MeanPowerDB = dbfs(cf.pwr.mean())
		s.sidecar.Channels[i].PeakDB = dbfs(cf.pwr.peak)
	}
	err := s.closeFiles()

	data, merr := yaml.Marshal(&s.sidecar)
	if merr != nil {
		return fmt.Errorf("failed to encode sidecar: %w", merr)
	}
	path := filepath.Join(s.opts.Dir, s.session+".yaml")
	if werr := os.WriteFile(path, data, 0o644); werr != nil && err == nil {
		err = fmt.Errorf("failed to write sidecar: %w", werr)
	}
	slog.Info("capture session closed", "session", s.session, "samples", s.sidecar.Samples, "sidecar", path)
	return err
}

func (s *Sink) closeFiles() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	for _, cf := range s.files {
		if cf.enc != nil {
			keep(cf.enc.Close())
		}
		keep(cf.buf.Flush())
		keep(cf.file.Close())
	}
	s.files = s.files[:0:0]
	return first
}

// dbfs converts a normalized power to decibels relative to full scale.
func dbfs(p float64) float64 {
	if p <= 0 {
		return math.Inf(-1)
	}
	return 10 * math.Log10(p)
}

var _ pipeline.Sink = (*Sink)(nil)
