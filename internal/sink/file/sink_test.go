package file

import (
	"bytes"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"firestige.xyz/iqstream/internal/core"
	"firestige.xyz/iqstream/internal/core/convert"
	"firestige.xyz/iqstream/internal/pipeline"
)

func fc32Block(vals [][]complex64, md core.RxMetadata) *pipeline.Block {
	b := &pipeline.Block{NumSamps: len(vals[0]), Metadata: md}
	for _, v := range vals {
		b.Buffs = append(b.Buffs, convert.Complex64Bytes(v))
	}
	return b
}

func readSidecar(t *testing.T, dir, session string) Sidecar {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, session+".yaml"))
	require.NoError(t, err)
	var sc Sidecar
	require.NoError(t, yaml.Unmarshal(data, &sc))
	return sc
}

func TestSinkRawFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Options{Dir: dir, HostFormat: "fc32", Channels: []int{0, 2}, SampRate: 1e6, TickRate: 100e6, Device: "sim"})
	require.NoError(t, err)

	ch0 := []complex64{0.5, 0.5i, -0.5, -0.5i}
	ch2 := []complex64{0.1, 0.1, 0.1, 0.1}
	require.NoError(t, s.Write(fc32Block([][]complex64{ch0, ch2},
		core.RxMetadata{HasTimeSpec: true, TimeSpec: core.NewTimeSpec(3, 0.25)})))
	require.NoError(t, s.Write(fc32Block([][]complex64{ch0[:2], ch2[:2]}, core.RxMetadata{})))
	require.NoError(t, s.Close())

	sc := readSidecar(t, dir, s.Session())
	assert.Equal(t, s.Session(), sc.Session)
	assert.Equal(t, "fc32", sc.HostFormat)
	assert.Equal(t, 8, sc.ItemSize)
	assert.Equal(t, "none", sc.Compression)
	assert.Equal(t, uint64(6), sc.Samples)
	assert.Equal(t, uint64(2), sc.Blocks)
	require.NotNil(t, sc.StartTime)
	assert.InDelta(t, 3.25, *sc.StartTime, 1e-12)
	require.Len(t, sc.Channels, 2)
	assert.Equal(t, 2, sc.Channels[1].Channel)
	assert.InDelta(t, 10*math.Log10(0.25), sc.Channels[0].MeanPowerDB, 1e-6)
	assert.InDelta(t, 10*math.Log10(0.01), sc.Channels[1].PeakDB, 1e-5)

	data, err := os.ReadFile(filepath.Join(dir, sc.Channels[0].File))
	require.NoError(t, err)
	want := append(append([]byte{}, convert.Complex64Bytes(ch0)...), convert.Complex64Bytes(ch0[:2])...)
	assert.Equal(t, want, data)
}

func TestSinkZstd(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Options{Dir: dir, Compress: true, HostFormat: "sc16", Channels: []int{0}})
	require.NoError(t, err)

	samples := make([]int16, 2*4096)
	for i := range samples {
		samples[i] = int16(i % 100)
	}
	b := &pipeline.Block{Buffs: [][]byte{convert.Int16Bytes(samples)}, NumSamps: 4096,
		Metadata: core.RxMetadata{ErrorCode: core.RxErrorOverflow}}
	require.NoError(t, s.Write(b))
	require.NoError(t, s.Close())

	sc := readSidecar(t, dir, s.Session())
	assert.Equal(t, "zstd", sc.Compression)
	assert.Equal(t, map[string]int{"overflow": 1}, sc.Anomalies)
	assert.Equal(t, filepath.Ext(sc.Channels[0].File), ".zst")

	f, err := os.Open(filepath.Join(dir, sc.Channels[0].File))
	require.NoError(t, err)
	defer f.Close()
	dec, err := zstd.NewReader(f)
	require.NoError(t, err)
	defer dec.Close()
	got, err := io.ReadAll(dec)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(convert.Int16Bytes(samples), got))
}

func TestSinkRejectsBadInput(t *testing.T) {
	_, err := New(Options{Dir: t.TempDir(), HostFormat: "fc16", Channels: []int{0}})
	assert.ErrorIs(t, err, core.ErrUnsupportedFormat)

	_, err = New(Options{Dir: t.TempDir(), HostFormat: "fc32"})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	s, err := New(Options{Dir: t.TempDir(), HostFormat: "fc32", Channels: []int{0}})
	require.NoError(t, err)
	err = s.Write(fc32Block([][]complex64{{1}, {1}}, core.RxMetadata{}))
	assert.ErrorIs(t, err, core.ErrBufferCount)
	require.NoError(t, s.Close())
}

func TestPowers(t *testing.T) {
	tests := []struct {
		format string
		data   []byte
		want   []float64
	}{
		{"sc8", []byte{127, 0, 0, 0x81}, []float64{1, 1}},
		{"sc16", convert.Int16Bytes([]int16{32767, 0, 0, 0}), []float64{1, 0}},
		{"fc32", convert.Complex64Bytes([]complex64{0.6 + 0.8i}), []float64{1}},
		{"fc64", convert.Complex128Bytes([]complex128{0.5}), []float64{0.25}},
		{"u8", []byte{1, 2}, []float64{}},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			got := powers(tt.format, tt.data, nil)
			require.Len(t, got, len(tt.want))
			for i := range tt.want {
				assert.InDelta(t, tt.want[i], got[i], 1e-6)
			}
		})
	}

	var p powerStats
	p.add([]float64{0.25, 0.75})
	p.add(nil)
	assert.InDelta(t, 0.5, p.mean(), 1e-12)
	assert.Equal(t, 0.75, p.peak)
	assert.True(t, math.IsInf(dbfs(0), -1))
}
