package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/iqstream/internal/config"
	"firestige.xyz/iqstream/internal/core"
	"firestige.xyz/iqstream/internal/core/vrt"
	"firestige.xyz/iqstream/internal/transport"
)

func defaultConfig(t *testing.T) *config.GlobalConfig {
	t.Helper()
	c, err := config.Load("")
	require.NoError(t, err)
	return c
}

func TestRunValidate(t *testing.T) {
	dir := t.TempDir()
	valid := filepath.Join(dir, "valid.yml")
	require.NoError(t, os.WriteFile(valid, []byte(`
iqstream:
  device:
    type: link
    transports:
      - type: pcap
        options:
          file_path: /tmp/rx.pcap
  rx:
    channels: [0]
    gain: 12
    antenna: RX2
`), 0644))

	var out bytes.Buffer
	require.NoError(t, runValidate(valid, &out))
	assert.Contains(t, out.String(), "VALID: link device, vrt link (big)")
	assert.Contains(t, out.String(), "rx: channels [0], sc16 -> fc32")
	assert.Contains(t, out.String(), "gain 12.0 dB, antenna RX2")
	assert.Contains(t, out.String(), "transports: pcap")

	invalid := filepath.Join(dir, "invalid.yml")
	require.NoError(t, os.WriteFile(invalid, []byte(`
iqstream:
  rx:
    wire_format: fc99
`), 0644))

	out.Reset()
	err := runValidate(invalid, &out)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrUnsupportedFormat)
	assert.Contains(t, out.String(), "INVALID:")
}

func packPacket(t *testing.T, p vrt.Profile, info vrt.PacketInfo, words ...uint32) []byte {
	t.Helper()
	buf := make([]byte, 256)
	info.NumPayloadWords32 = len(words)
	require.NoError(t, p.Pack(buf, &info))
	off := info.PayloadOffset()
	for i, w := range words {
		p.ByteOrder().PutUint32(buf[off+4*i:], w)
	}
	return buf[:4*info.NumPacketWords32]
}

func TestRunDump(t *testing.T) {
	p := vrt.ProfileVRTBigEndian
	path := filepath.Join(t.TempDir(), "rx.pcap")

	lb := transport.NewLoopback(transport.LoopbackOptions{NumFrames: 4, FrameSize: 256})
	rec, err := transport.NewRecorder(lb, transport.RecorderOptions{FilePath: path, DstPort: 5000})
	require.NoError(t, err)

	frames := [][]byte{
		packPacket(t, p, vrt.PacketInfo{
			PacketType:  vrt.PacketTypeData,
			PacketCount: 3,
			HasSID:      true,
			SID:         0x10,
			HasTSF:      true,
			TSF:         1000,
			EOB:         true,
		}, 1, 2, 3, 4),
		packPacket(t, p, vrt.PacketInfo{
			PacketType: vrt.PacketTypeFlowControl,
			HasSID:     true,
			SID:        0x10,
		}, 0, 7),
		{0xff},
	}
	for _, f := range frames {
		sb, err := rec.GetSendBuff(time.Second)
		require.NoError(t, err)
		sb.Commit(copy(sb.Bytes(), f))
		rb, err := rec.GetRecvBuff(time.Second)
		require.NoError(t, err)
		require.NotNil(t, rb)
		rb.Release()
	}
	require.NoError(t, rec.Close())

	var out bytes.Buffer
	require.NoError(t, runDump(path, p, dumpOptions{}, &out))
	s := out.String()
	assert.Contains(t, s, "seq=3")
	assert.Contains(t, s, "tsf=1000 eob payload=16B")
	assert.Contains(t, s, "fc_seq=7")
	assert.Contains(t, s, "malformed:")
	assert.Contains(t, s, "3 packets (data 1, context 0, flow_control 1, command 0, malformed 1) as vrt_big")

	out.Reset()
	require.NoError(t, runDump(path, p, dumpOptions{limit: 1}, &out))
	assert.Contains(t, out.String(), "1 packets (data 1,")

	out.Reset()
	require.NoError(t, runDump(path, p, dumpOptions{port: 6000}, &out))
	assert.Contains(t, out.String(), "0 packets")

	assert.Error(t, runDump(filepath.Join(t.TempDir(), "missing.pcap"), p, dumpOptions{}, &out))
}

func TestRunRxConsole(t *testing.T) {
	c := defaultConfig(t)
	c.Capture.BlockSamples = 500

	var out bytes.Buffer
	err := runRx(context.Background(), c, rxOptions{numSamps: 2000, delay: 0.05, console: true}, &out)
	require.NoError(t, err)

	s := out.String()
	assert.Contains(t, s, "block=1 time=")
	assert.Contains(t, s, "channels=1")
	assert.Contains(t, s, "captured 2000 samples per channel")
}

func TestRunRxFiles(t *testing.T) {
	c := defaultConfig(t)
	c.Capture.Compression = config.CompressionZstd
	dir := t.TempDir()

	var out bytes.Buffer
	err := runRx(context.Background(), c, rxOptions{numSamps: 1000, delay: 0.05, outputDir: dir}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "captured 1000 samples per channel")

	sidecars, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	require.NoError(t, err)
	assert.Len(t, sidecars, 1)
	data, err := filepath.Glob(filepath.Join(dir, "*_ch0.fc32.zst"))
	require.NoError(t, err)
	assert.Len(t, data, 1)
}

func TestRunRxRejectsUnknownDevice(t *testing.T) {
	c := defaultConfig(t)
	c.Device.Type = "usb"
	err := runRx(context.Background(), c, rxOptions{console: true}, &bytes.Buffer{})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestRunTx(t *testing.T) {
	c := defaultConfig(t)

	var out bytes.Buffer
	err := runTx(context.Background(), c, txOptions{bursts: 2, numSamps: 1000, tone: 0.01, gap: 0.01}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "sent 2000 samples per channel in 2 bursts on 1 channels")
	assert.Contains(t, out.String(), "burst_ack=2")
}

func TestRunTxLate(t *testing.T) {
	c := defaultConfig(t)

	var out bytes.Buffer
	err := runTx(context.Background(), c, txOptions{bursts: 2, numSamps: 1000, tone: 0.01, gap: 0.01, late: true}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "time_error=2")
	assert.NotContains(t, out.String(), "burst_ack")
}

func TestRunTxValidation(t *testing.T) {
	c := defaultConfig(t)
	assert.ErrorIs(t, runTx(context.Background(), c, txOptions{}, &bytes.Buffer{}), core.ErrConfigInvalid)

	c.Device.Type = config.DeviceLink
	assert.ErrorIs(t, runTx(context.Background(), c, txOptions{bursts: 1, numSamps: 1}, &bytes.Buffer{}), core.ErrConfigInvalid)
}

func TestRunBench(t *testing.T) {
	c := defaultConfig(t)

	var out bytes.Buffer
	err := runBench(context.Background(), c, benchOptions{duration: 200 * time.Millisecond, blockSamples: 1000}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "1 channel(s) sc16->fc32")
	assert.Contains(t, out.String(), "Msps per channel")

	assert.ErrorIs(t, runBench(context.Background(), c, benchOptions{}, &out), core.ErrConfigInvalid)
}

func TestBenchResultMsps(t *testing.T) {
	assert.Equal(t, 0.0, benchResult{Samples: 10}.Msps())
	assert.InDelta(t, 2.0, benchResult{Samples: 4_000_000, Elapsed: 2 * time.Second}.Msps(), 1e-9)
}

func TestTune(t *testing.T) {
	c := defaultConfig(t)
	dev, err := openSim(context.Background(), c, c.Rx.WireFormat, false)
	require.NoError(t, err)
	defer dev.Stop()

	require.NoError(t, tune(dev, []int{0}, 20, "TX/RX"))
	assert.Equal(t, 20.0, dev.Gain(0))
	assert.Equal(t, "TX/RX", dev.Antenna(0))

	require.NoError(t, tune(dev, []int{0}, 5, ""))
	assert.Equal(t, 5.0, dev.Gain(0))
	assert.Equal(t, "TX/RX", dev.Antenna(0))

	err = tune(dev, []int{0}, 100, "")
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
	assert.Contains(t, err.Error(), "channel 0 gain")

	err = tune(dev, []int{0}, 5, "RX9")
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
	assert.Contains(t, err.Error(), "channel 0 antenna")

	assert.NoError(t, tune(struct{}{}, []int{0}, 100, "RX9"))
}

func TestRunRxAppliesTuning(t *testing.T) {
	c := defaultConfig(t)
	c.Rx.Gain = 90
	err := runRx(context.Background(), c, rxOptions{numSamps: 100, console: true}, &bytes.Buffer{})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestRecordPath(t *testing.T) {
	assert.Equal(t, "/tmp/rx.pcap", recordPath("/tmp/rx.pcap", 0, 1))
	assert.Equal(t, "/tmp/rx_ch1.pcap", recordPath("/tmp/rx.pcap", 1, 2))
	assert.Equal(t, "rx_ch0", recordPath("rx", 0, 2))
}

type mockEvents struct {
	mock.Mock
}

func (m *mockEvents) RecvAsyncMsg(timeout time.Duration) (core.AsyncMetadata, bool) {
	args := m.Called(timeout)
	return args.Get(0).(core.AsyncMetadata), args.Bool(1)
}

func TestCollectEvents(t *testing.T) {
	m := new(mockEvents)
	m.On("RecvAsyncMsg", time.Second).Return(core.AsyncMetadata{EventCode: core.EventUnderflow}, true).Once()
	m.On("RecvAsyncMsg", time.Second).Return(core.AsyncMetadata{EventCode: core.EventBurstAck}, true).Twice()

	counts := collectEvents(m, 2, time.Second)
	assert.Equal(t, 2, counts[core.EventBurstAck])
	assert.Equal(t, 1, counts[core.EventUnderflow])
	assert.Equal(t, "burst_ack=2 underflow=1", formatEvents(counts))
	m.AssertExpectations(t)
}

func TestCollectEventsStopsWhenQuiet(t *testing.T) {
	m := new(mockEvents)
	m.On("RecvAsyncMsg", 10*time.Millisecond).Return(core.AsyncMetadata{EventCode: core.EventTimeError}, true).Once()
	m.On("RecvAsyncMsg", 10*time.Millisecond).Return(core.AsyncMetadata{}, false).Once()

	counts := collectEvents(m, 1, 10*time.Millisecond)
	assert.Equal(t, 0, counts[core.EventBurstAck])
	assert.Equal(t, "time_error=1", formatEvents(counts))
	m.AssertExpectations(t)

	assert.Equal(t, "none", formatEvents(nil))
}
