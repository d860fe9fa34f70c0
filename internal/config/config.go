// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/iqstream/internal/core"
	"firestige.xyz/iqstream/internal/core/convert"
	"firestige.xyz/iqstream/internal/core/vrt"
	"firestige.xyz/iqstream/internal/transport"
)

// Device types.
const (
	DeviceSim  = "sim"  // in-process FPGA model
	DeviceLink = "link" // receive-only, packets arrive on preconfigured transports
)

// Capture compression modes.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `iqstream:` root key in YAML.
type GlobalConfig struct {
	Device  DeviceConfig  `mapstructure:"device"`
	Rx      RxConfig      `mapstructure:"rx"`
	Tx      TxConfig      `mapstructure:"tx"`
	Capture CaptureConfig `mapstructure:"capture"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`
}

// ─── Device ───

// DeviceConfig selects the radio and its link framing.
type DeviceConfig struct {
	Type      string  `mapstructure:"type"`       // sim | link
	Link      string  `mapstructure:"link"`       // vrt | chdr
	ByteOrder string  `mapstructure:"byte_order"` // big | little
	TickRate  float64 `mapstructure:"tick_rate"`
	SampRate  float64 `mapstructure:"samp_rate"`

	Sim SimConfig `mapstructure:"sim"`

	// Transports carries one receive transport per channel for link devices.
	Transports []transport.Config `mapstructure:"transports"`
	// Record tees received link traffic into this pcap file when set.
	Record string `mapstructure:"record"`

	profile vrt.Profile
}

// Profile returns the parsed link profile. Valid after
// ValidateAndApplyDefaults.
func (d DeviceConfig) Profile() vrt.Profile {
	return d.profile
}

// SimConfig sizes the simulated device.
type SimConfig struct {
	RxChannels       int           `mapstructure:"rx_channels"`
	TxChannels       int           `mapstructure:"tx_channels"`
	SamplesPerPacket int           `mapstructure:"samples_per_packet"`
	NumFrames        int           `mapstructure:"num_frames"`
	FrameSize        int           `mapstructure:"frame_size"`
	FrameWait        time.Duration `mapstructure:"frame_wait"`
	TxAckInterval    int           `mapstructure:"tx_ack_interval"`
}

// ─── Streams ───

// FlowControlConfig sizes a flow-control window. A zero window disables
// flow control.
type FlowControlConfig struct {
	Window         int     `mapstructure:"window"`
	UpdateFraction float64 `mapstructure:"update_fraction"`
}

// RxConfig configures the receive streamer.
type RxConfig struct {
	Channels                  []int             `mapstructure:"channels"`
	WireFormat                string            `mapstructure:"wire_format"`
	HostFormat                string            `mapstructure:"host_format"`
	Scalar                    float64           `mapstructure:"scalar"`
	FlowControl               FlowControlConfig `mapstructure:"flow_control"`
	AlignmentFailureThreshold int               `mapstructure:"alignment_failure_threshold"`
	NotifyStale               bool              `mapstructure:"notify_stale"`
	Timeout                   time.Duration     `mapstructure:"timeout"`
	Gain                      float64           `mapstructure:"gain"`    // dB
	Antenna                   string            `mapstructure:"antenna"` // empty keeps the device default
}

// TxConfig configures the transmit streamer.
type TxConfig struct {
	Channels         []int             `mapstructure:"channels"`
	WireFormat       string            `mapstructure:"wire_format"`
	HostFormat       string            `mapstructure:"host_format"`
	Scalar           float64           `mapstructure:"scalar"`
	SamplesPerPacket int               `mapstructure:"samples_per_packet"`
	FlowControl      FlowControlConfig `mapstructure:"flow_control"`
	AsyncQueueSize   int               `mapstructure:"async_queue_size"`
	Timeout          time.Duration     `mapstructure:"timeout"`
	Gain             float64           `mapstructure:"gain"`
	Antenna          string            `mapstructure:"antenna"`
}

// CaptureConfig configures the receive capture pipeline and its file sink.
type CaptureConfig struct {
	OutputDir    string `mapstructure:"output_dir"`
	Compression  string `mapstructure:"compression"` // none | zstd
	BlockSamples int    `mapstructure:"block_samples"`
	QueueDepth   int    `mapstructure:"queue_depth"`
	// Markers prints one character per streaming anomaly on stderr.
	Markers bool `mapstructure:"markers"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `iqstream: ...`.
type configRoot struct {
	IQStream GlobalConfig `mapstructure:"iqstream"`
}

// Load loads configuration from file. An empty path yields the defaults.
// The YAML file uses `iqstream:` as root key; env vars use the IQSTREAM_
// prefix (e.g., IQSTREAM_RX_HOST_FORMAT).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// The `iqstream.` key prefix maps to `IQSTREAM_` through the replacer
	// (key "iqstream.log.level" → env "IQSTREAM_LOG_LEVEL").
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.IQStream

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use "iqstream." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Device defaults
	v.SetDefault("iqstream.device.type", DeviceSim)
	v.SetDefault("iqstream.device.link", "vrt")
	v.SetDefault("iqstream.device.byte_order", "big")
	v.SetDefault("iqstream.device.tick_rate", 100e6)
	v.SetDefault("iqstream.device.samp_rate", 1e6)
	v.SetDefault("iqstream.device.sim.rx_channels", 1)
	v.SetDefault("iqstream.device.sim.tx_channels", 1)
	v.SetDefault("iqstream.device.sim.samples_per_packet", 364)
	v.SetDefault("iqstream.device.sim.num_frames", 32)
	v.SetDefault("iqstream.device.sim.frame_size", transport.DefaultFrameSize)
	v.SetDefault("iqstream.device.sim.frame_wait", "100ms")
	v.SetDefault("iqstream.device.sim.tx_ack_interval", 1)

	// Receive defaults
	v.SetDefault("iqstream.rx.channels", []int{0})
	v.SetDefault("iqstream.rx.wire_format", "sc16")
	v.SetDefault("iqstream.rx.host_format", "fc32")
	v.SetDefault("iqstream.rx.flow_control.window", 16)
	v.SetDefault("iqstream.rx.flow_control.update_fraction", 0.5)
	v.SetDefault("iqstream.rx.alignment_failure_threshold", 1000)
	v.SetDefault("iqstream.rx.timeout", "100ms")
	v.SetDefault("iqstream.rx.gain", 0)
	v.SetDefault("iqstream.rx.antenna", "")

	// Transmit defaults
	v.SetDefault("iqstream.tx.channels", []int{0})
	v.SetDefault("iqstream.tx.wire_format", "sc16")
	v.SetDefault("iqstream.tx.host_format", "fc32")
	v.SetDefault("iqstream.tx.samples_per_packet", 364)
	v.SetDefault("iqstream.tx.flow_control.window", 16)
	v.SetDefault("iqstream.tx.flow_control.update_fraction", 0.5)
	v.SetDefault("iqstream.tx.async_queue_size", 1000)
	v.SetDefault("iqstream.tx.timeout", "100ms")
	v.SetDefault("iqstream.tx.gain", 0)
	v.SetDefault("iqstream.tx.antenna", "")

	// Capture defaults
	v.SetDefault("iqstream.capture.output_dir", ".")
	v.SetDefault("iqstream.capture.compression", CompressionNone)
	v.SetDefault("iqstream.capture.block_samples", 8192)
	v.SetDefault("iqstream.capture.queue_depth", 64)
	v.SetDefault("iqstream.capture.markers", true)

	// Metrics defaults
	v.SetDefault("iqstream.metrics.enabled", false)
	v.SetDefault("iqstream.metrics.listen", ":9092")
	v.SetDefault("iqstream.metrics.path", "/metrics")

	// Log defaults
	v.SetDefault("iqstream.log.level", "info")
	v.SetDefault("iqstream.log.format", "text")
	v.SetDefault("iqstream.log.outputs.file.enabled", false)
	v.SetDefault("iqstream.log.outputs.file.path", "/var/log/iqstream/iqstream.log")
	v.SetDefault("iqstream.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("iqstream.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("iqstream.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("iqstream.log.outputs.file.rotation.compress", true)
}

// ValidateAndApplyDefaults validates configuration and resolves derived
// settings such as the link profile.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}

	if err := cfg.Device.validate(); err != nil {
		return err
	}
	if err := cfg.Rx.validate(); err != nil {
		return err
	}
	if err := cfg.Tx.validate(); err != nil {
		return err
	}

	// ── Capture validation ──
	switch cfg.Capture.Compression {
	case "":
		cfg.Capture.Compression = CompressionNone
	case CompressionNone, CompressionZstd:
	default:
		return fmt.Errorf("%w: capture.compression %q (must be none/zstd)", core.ErrConfigInvalid, cfg.Capture.Compression)
	}
	if cfg.Capture.BlockSamples <= 0 {
		return fmt.Errorf("%w: capture.block_samples must be positive", core.ErrConfigInvalid)
	}
	if cfg.Capture.QueueDepth <= 0 {
		cfg.Capture.QueueDepth = 1
	}
	return nil
}

func (d *DeviceConfig) validate() error {
	profile, err := vrt.ParseProfile(d.Link, d.ByteOrder)
	if err != nil {
		return err
	}
	d.profile = profile

	if d.TickRate <= 0 || d.SampRate <= 0 {
		return fmt.Errorf("%w: device tick_rate and samp_rate must be positive", core.ErrConfigInvalid)
	}
	switch d.Type {
	case DeviceSim:
		if d.Sim.RxChannels < 0 || d.Sim.TxChannels < 0 || d.Sim.RxChannels+d.Sim.TxChannels == 0 {
			return fmt.Errorf("%w: device.sim needs at least one channel", core.ErrConfigInvalid)
		}
		if d.Sim.SamplesPerPacket <= 0 {
			return fmt.Errorf("%w: device.sim.samples_per_packet must be positive", core.ErrConfigInvalid)
		}
	case DeviceLink:
		if len(d.Transports) == 0 {
			return fmt.Errorf("%w: device.transports is required for link devices", core.ErrConfigInvalid)
		}
		for i, t := range d.Transports {
			if t.Type == "" {
				return fmt.Errorf("%w: device.transports[%d]: type is required", core.ErrConfigInvalid, i)
			}
		}
	default:
		return fmt.Errorf("%w: unsupported device.type %q (must be sim/link)", core.ErrConfigInvalid, d.Type)
	}
	return nil
}

func (f FlowControlConfig) validate(direction string) error {
	if f.Window < 0 {
		return fmt.Errorf("%w: %s.flow_control.window must not be negative", core.ErrConfigInvalid, direction)
	}
	if f.Window > 0 && (f.UpdateFraction <= 0 || f.UpdateFraction > 1) {
		return fmt.Errorf("%w: %s.flow_control.update_fraction must be in (0, 1]", core.ErrConfigInvalid, direction)
	}
	return nil
}

// checkFormats accepts wire formats with or without the item32 suffix.
func checkFormats(direction, wire, host string) error {
	if !strings.Contains(wire, "_item32") {
		wire += "_item32_be"
	}
	for _, f := range []string{wire, host} {
		if _, err := convert.ItemSize(f); err != nil {
			return fmt.Errorf("%s: %w", direction, err)
		}
	}
	return nil
}

func (r *RxConfig) validate() error {
	if len(r.Channels) == 0 {
		return fmt.Errorf("%w: rx.channels must not be empty", core.ErrConfigInvalid)
	}
	if err := checkFormats("rx", r.WireFormat, r.HostFormat); err != nil {
		return err
	}
	if r.Scalar < 0 {
		return fmt.Errorf("%w: rx.scalar must not be negative", core.ErrConfigInvalid)
	}
	if r.Timeout <= 0 {
		return fmt.Errorf("%w: rx.timeout must be positive", core.ErrConfigInvalid)
	}
	if r.Gain < 0 {
		return fmt.Errorf("%w: rx.gain must not be negative", core.ErrConfigInvalid)
	}
	return r.FlowControl.validate("rx")
}

func (t *TxConfig) validate() error {
	if len(t.Channels) == 0 {
		return fmt.Errorf("%w: tx.channels must not be empty", core.ErrConfigInvalid)
	}
	if err := checkFormats("tx", t.WireFormat, t.HostFormat); err != nil {
		return err
	}
	if t.Scalar < 0 {
		return fmt.Errorf("%w: tx.scalar must not be negative", core.ErrConfigInvalid)
	}
	if t.SamplesPerPacket <= 0 {
		return fmt.Errorf("%w: tx.samples_per_packet must be positive", core.ErrConfigInvalid)
	}
	if t.Timeout <= 0 {
		return fmt.Errorf("%w: tx.timeout must be positive", core.ErrConfigInvalid)
	}
	if t.Gain < 0 {
		return fmt.Errorf("%w: tx.gain must not be negative", core.ErrConfigInvalid)
	}
	return t.FlowControl.validate("tx")
}
