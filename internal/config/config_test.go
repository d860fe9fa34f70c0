package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"firestige.xyz/iqstream/internal/core"
	"firestige.xyz/iqstream/internal/core/vrt"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
iqstream:
  device:
    type: sim
    link: chdr
    byte_order: little
    tick_rate: 200e6
    samp_rate: 5e6
    sim:
      rx_channels: 2
      tx_channels: 1
      samples_per_packet: 500
      frame_wait: 250ms
  rx:
    channels: [0, 1]
    wire_format: sc8
    host_format: sc16
    gain: 31.5
    antenna: TX/RX
    flow_control:
      window: 32
      update_fraction: 0.25
  tx:
    samples_per_packet: 1000
  capture:
    output_dir: /tmp/captures
    compression: zstd
  log:
    level: debug
    format: json
  metrics:
    enabled: true
    listen: "127.0.0.1:9100"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Device.Profile() != vrt.ProfileCHDRLittleEndian {
		t.Errorf("Expected profile chdr/little, got %v", cfg.Device.Profile())
	}
	if cfg.Device.TickRate != 200e6 || cfg.Device.SampRate != 5e6 {
		t.Errorf("Unexpected rates: %v %v", cfg.Device.TickRate, cfg.Device.SampRate)
	}
	if cfg.Device.Sim.RxChannels != 2 || cfg.Device.Sim.SamplesPerPacket != 500 {
		t.Errorf("Unexpected sim config: %+v", cfg.Device.Sim)
	}
	if cfg.Device.Sim.FrameWait != 250*time.Millisecond {
		t.Errorf("Expected frame_wait 250ms, got %v", cfg.Device.Sim.FrameWait)
	}
	if len(cfg.Rx.Channels) != 2 || cfg.Rx.Channels[1] != 1 {
		t.Errorf("Expected rx channels [0 1], got %v", cfg.Rx.Channels)
	}
	if cfg.Rx.WireFormat != "sc8" || cfg.Rx.HostFormat != "sc16" {
		t.Errorf("Unexpected rx formats: %s %s", cfg.Rx.WireFormat, cfg.Rx.HostFormat)
	}
	if cfg.Rx.FlowControl.Window != 32 || cfg.Rx.FlowControl.UpdateFraction != 0.25 {
		t.Errorf("Unexpected rx flow control: %+v", cfg.Rx.FlowControl)
	}
	if cfg.Rx.Gain != 31.5 || cfg.Rx.Antenna != "TX/RX" {
		t.Errorf("Unexpected rx tuning: gain %v antenna %q", cfg.Rx.Gain, cfg.Rx.Antenna)
	}
	if cfg.Tx.SamplesPerPacket != 1000 {
		t.Errorf("Expected tx samples_per_packet 1000, got %d", cfg.Tx.SamplesPerPacket)
	}
	if cfg.Capture.Compression != CompressionZstd || cfg.Capture.OutputDir != "/tmp/captures" {
		t.Errorf("Unexpected capture config: %+v", cfg.Capture)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("Unexpected log config: %+v", cfg.Log)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Listen != "127.0.0.1:9100" {
		t.Errorf("Unexpected metrics config: %+v", cfg.Metrics)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load defaults: %v", err)
	}

	if cfg.Device.Type != DeviceSim {
		t.Errorf("Expected default device sim, got %s", cfg.Device.Type)
	}
	if cfg.Device.Profile() != vrt.ProfileVRTBigEndian {
		t.Errorf("Expected default profile vrt/big, got %v", cfg.Device.Profile())
	}
	if cfg.Rx.HostFormat != "fc32" || cfg.Rx.WireFormat != "sc16" {
		t.Errorf("Unexpected default rx formats: %s %s", cfg.Rx.WireFormat, cfg.Rx.HostFormat)
	}
	if cfg.Rx.Timeout != 100*time.Millisecond {
		t.Errorf("Expected default rx timeout 100ms, got %v", cfg.Rx.Timeout)
	}
	if cfg.Device.Sim.FrameWait != 100*time.Millisecond {
		t.Errorf("Expected default frame_wait 100ms, got %v", cfg.Device.Sim.FrameWait)
	}
	if cfg.Capture.BlockSamples != 8192 {
		t.Errorf("Expected default block_samples 8192, got %d", cfg.Capture.BlockSamples)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("Unexpected default log config: %+v", cfg.Log)
	}
	if cfg.Metrics.Enabled {
		t.Error("Expected metrics disabled by default")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, `
iqstream:
  log:
    level: info
`)
	t.Setenv("IQSTREAM_LOG_LEVEL", "debug")
	t.Setenv("IQSTREAM_RX_HOST_FORMAT", "sc8")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Expected log level debug from env var, got %s", cfg.Log.Level)
	}
	if cfg.Rx.HostFormat != "sc8" {
		t.Errorf("Expected host format sc8 from env var, got %s", cfg.Rx.HostFormat)
	}
}

func TestLoadLinkDevice(t *testing.T) {
	path := writeConfig(t, `
iqstream:
  device:
    type: link
    transports:
      - type: udp
        options:
          local: "127.0.0.1:0"
          num_recv_frames: 64
    record: /tmp/rx.pcap
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if len(cfg.Device.Transports) != 1 {
		t.Fatalf("Expected one transport, got %d", len(cfg.Device.Transports))
	}
	tc := cfg.Device.Transports[0]
	if tc.Type != "udp" || tc.Options["local"] != "127.0.0.1:0" {
		t.Errorf("Unexpected transport config: %+v", tc)
	}
	if cfg.Device.Record != "/tmp/rx.pcap" {
		t.Errorf("Expected record path, got %q", cfg.Device.Record)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Error("Expected error for missing config file, got nil")
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"log level", "iqstream:\n  log:\n    level: verbose\n"},
		{"log format", "iqstream:\n  log:\n    format: xml\n"},
		{"link", "iqstream:\n  device:\n    link: pcie\n"},
		{"byte order", "iqstream:\n  device:\n    byte_order: middle\n"},
		{"device type", "iqstream:\n  device:\n    type: b200\n"},
		{"tick rate", "iqstream:\n  device:\n    tick_rate: 0\n"},
		{"no sim channels", "iqstream:\n  device:\n    sim:\n      rx_channels: 0\n      tx_channels: 0\n"},
		{"link without transports", "iqstream:\n  device:\n    type: link\n"},
		{"transport type", "iqstream:\n  device:\n    type: link\n    transports:\n      - options: {}\n"},
		{"rx host format", "iqstream:\n  rx:\n    host_format: fc16\n"},
		{"rx wire format", "iqstream:\n  rx:\n    wire_format: sc12\n"},
		{"tx host format", "iqstream:\n  tx:\n    host_format: u8\n"},
		{"rx channels", "iqstream:\n  rx:\n    channels: []\n"},
		{"negative window", "iqstream:\n  rx:\n    flow_control:\n      window: -1\n"},
		{"update fraction", "iqstream:\n  tx:\n    flow_control:\n      update_fraction: 1.5\n"},
		{"rx gain", "iqstream:\n  rx:\n    gain: -3\n"},
		{"tx gain", "iqstream:\n  tx:\n    gain: -1\n"},
		{"tx spp", "iqstream:\n  tx:\n    samples_per_packet: 0\n"},
		{"compression", "iqstream:\n  capture:\n    compression: lz4\n"},
		{"block samples", "iqstream:\n  capture:\n    block_samples: 0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Errorf("Expected error for invalid %s, got nil", tt.name)
			}
		})
	}
}

func TestValidateWrapsConfigInvalid(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load defaults: %v", err)
	}
	cfg.Rx.FlowControl = FlowControlConfig{Window: 8, UpdateFraction: 0}
	if err := cfg.ValidateAndApplyDefaults(); !errors.Is(err, core.ErrConfigInvalid) {
		t.Errorf("Expected ErrConfigInvalid, got %v", err)
	}

	cfg.Rx.FlowControl = FlowControlConfig{}
	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		t.Errorf("A zero window disables flow control, got %v", err)
	}
}
