package tx

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/iqstream/internal/async"
	"firestige.xyz/iqstream/internal/core"
	"firestige.xyz/iqstream/internal/core/convert"
	"firestige.xyz/iqstream/internal/core/vrt"
	"firestige.xyz/iqstream/internal/transport"
)

const (
	testTickRate = 100e6
	testSampRate = 10e6
)

type sentPacket struct {
	info    vrt.PacketInfo
	payload []byte
}

func newLoopback(t *testing.T, frames int) *transport.Loopback {
	t.Helper()
	lb := transport.NewLoopback(transport.LoopbackOptions{NumFrames: frames, FrameSize: 8000})
	t.Cleanup(func() { lb.Close() })
	return lb
}

// drain decodes every packet committed to lb.
func drain(t *testing.T, profile vrt.Profile, lb *transport.Loopback) []sentPacket {
	t.Helper()
	var out []sentPacket
	for {
		rb, err := lb.GetRecvBuff(0)
		require.NoError(t, err)
		if rb == nil {
			return out
		}
		info, err := profile.Unpack(rb.Bytes())
		require.NoError(t, err)
		out = append(out, sentPacket{info: info, payload: append([]byte(nil), info.Payload(rb.Bytes())...)})
		rb.Release()
	}
}

func newTestHandler(t *testing.T, profile vrt.Profile, spp int, lbs ...*transport.Loopback) *Handler {
	t.Helper()
	h, err := NewHandler(Config{
		Profile:             profile,
		NumChannels:         len(lbs),
		TickRate:            testTickRate,
		SampRate:            testSampRate,
		MaxSamplesPerPacket: spp,
	})
	require.NoError(t, err)
	for i, lb := range lbs {
		require.NoError(t, h.Bind(i, lb.GetSendBuff, true, 0x100+uint32(i)))
	}
	return h
}

func ramp(n int) []complex64 {
	out := make([]complex64, n)
	for i := range out {
		out[i] = complex(float32(i%100)/100, -float32(i%100)/100)
	}
	return out
}

func TestSendFragments(t *testing.T) {
	profile := vrt.ProfileVRTBigEndian
	lb := newLoopback(t, 8)
	h := newTestHandler(t, profile, 363, lb)

	samps := ramp(1000)
	start := core.TimeSpecFromSeconds(1)
	md := core.TxMetadata{HasTimeSpec: true, TimeSpec: start, StartOfBurst: true, EndOfBurst: true}
	n, err := h.Send([][]byte{convert.Complex64Bytes(samps)}, 1000, md, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1000, n)

	pkts := drain(t, profile, lb)
	require.Len(t, pkts, 3)
	wantWords := []int{363, 363, 274}
	for i, p := range pkts {
		assert.Equal(t, wantWords[i], p.info.NumPayloadWords32, "packet %d", i)
		assert.Equal(t, i == 0, p.info.SOB, "packet %d", i)
		assert.Equal(t, i == 2, p.info.EOB, "packet %d", i)
		assert.Equal(t, uint32(i), p.info.PacketCount)
		assert.True(t, p.info.HasSID)
		assert.Equal(t, uint32(0x100), p.info.SID)
		require.True(t, p.info.HasTSF)
		assert.Equal(t, uint64(100_000_000+i*3630), p.info.TSF, "packet %d", i)
	}

	// the payload converts back to the input
	rx, err := convert.Get(convert.ID{Input: "sc16_item32_be", NumInputs: 1, Output: "fc32", NumOutputs: 1})
	require.NoError(t, err)
	back := make([]complex64, 274)
	rx.Convert([][]byte{pkts[2].payload}, 0, [][]byte{convert.Complex64Bytes(back)}, 0, 274)
	for i := range back {
		assert.InDelta(t, real(samps[726+i]), real(back[i]), 1e-4)
		assert.InDelta(t, imag(samps[726+i]), imag(back[i]), 1e-4)
	}
}

func TestSendSinglePacket(t *testing.T) {
	profile := vrt.ProfileVRTLittleEndian
	lb := newLoopback(t, 4)
	h := newTestHandler(t, profile, 363, lb)

	n, err := h.Send([][]byte{convert.Complex64Bytes(ramp(363))}, 363, core.TxMetadata{}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 363, n)

	pkts := drain(t, profile, lb)
	require.Len(t, pkts, 1)
	assert.Equal(t, 363, pkts[0].info.NumPayloadWords32)
	assert.False(t, pkts[0].info.HasTSF)
	assert.False(t, pkts[0].info.SOB)
	assert.False(t, pkts[0].info.EOB)
}

func TestSendCachesZeroSampleStartOfBurst(t *testing.T) {
	profile := vrt.ProfileVRTBigEndian
	lb := newLoopback(t, 4)
	h := newTestHandler(t, profile, 363, lb)
	buffs := [][]byte{convert.Complex64Bytes(ramp(100))}

	start := core.TimeSpecFromSeconds(2)
	n, err := h.Send(buffs, 0, core.TxMetadata{StartOfBurst: true, HasTimeSpec: true, TimeSpec: start}, time.Second)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, lb.Pending())

	n, err = h.Send(buffs, 100, core.TxMetadata{}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 100, n)

	pkts := drain(t, profile, lb)
	require.Len(t, pkts, 1)
	assert.True(t, pkts[0].info.SOB)
	require.True(t, pkts[0].info.HasTSF)
	assert.Equal(t, uint64(200_000_000), pkts[0].info.TSF)

	// the cached metadata applies once
	_, err = h.Send(buffs, 100, core.TxMetadata{}, time.Second)
	require.NoError(t, err)
	pkts = drain(t, profile, lb)
	require.Len(t, pkts, 1)
	assert.False(t, pkts[0].info.SOB)
	assert.False(t, pkts[0].info.HasTSF)
}

func TestSendZeroSampleEndOfBurstPads(t *testing.T) {
	profile := vrt.ProfileVRTBigEndian
	lb := newLoopback(t, 4)
	h := newTestHandler(t, profile, 363, lb)

	n, err := h.Send([][]byte{nil}, 0, core.TxMetadata{EndOfBurst: true}, time.Second)
	require.NoError(t, err)
	assert.Zero(t, n)

	pkts := drain(t, profile, lb)
	require.Len(t, pkts, 1)
	assert.True(t, pkts[0].info.EOB)
	assert.Equal(t, 1, pkts[0].info.NumPayloadWords32)
	assert.Equal(t, []byte{0, 0, 0, 0}, pkts[0].payload)
}

func TestSendTimeoutSendsNothing(t *testing.T) {
	profile := vrt.ProfileVRTBigEndian
	lb := newLoopback(t, 1)
	h, err := NewHandler(Config{Profile: profile, NumChannels: 2, MaxSamplesPerPacket: 100})
	require.NoError(t, err)
	require.NoError(t, h.Bind(0, lb.GetSendBuff, false, 0))
	require.NoError(t, h.Bind(1, func(time.Duration) (transport.SendBuffer, error) { return nil, nil }, false, 0))

	buffs := [][]byte{convert.Complex64Bytes(ramp(10)), convert.Complex64Bytes(ramp(10))}
	n, err := h.Send(buffs, 10, core.TxMetadata{}, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, lb.Pending())

	// the frame acquired for channel 0 went back to the transport
	sb, err := lb.GetSendBuff(0)
	require.NoError(t, err)
	assert.NotNil(t, sb)
}

func TestSendTimeoutMidBurst(t *testing.T) {
	profile := vrt.ProfileVRTBigEndian
	lb := newLoopback(t, 2)
	h := newTestHandler(t, profile, 363, lb)

	n, err := h.Send([][]byte{convert.Complex64Bytes(ramp(1000))}, 1000, core.TxMetadata{}, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 726, n)
	assert.Equal(t, 2, lb.Pending())
}

func TestSendTransportError(t *testing.T) {
	h, err := NewHandler(Config{Profile: vrt.ProfileVRTBigEndian, NumChannels: 1, MaxSamplesPerPacket: 100})
	require.NoError(t, err)
	require.NoError(t, h.Bind(0, func(time.Duration) (transport.SendBuffer, error) {
		return nil, core.ErrTransportClosed
	}, false, 0))

	n, err := h.Send([][]byte{convert.Complex64Bytes(ramp(10))}, 10, core.TxMetadata{}, time.Millisecond)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, core.ErrTransportClosed)
}

func TestSendSharedSequence(t *testing.T) {
	tests := []struct {
		name       string
		perChannel bool
		want       uint32
	}{
		{name: "shared", want: 2},
		{name: "per channel", perChannel: true, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			profile := vrt.ProfileCHDRBigEndian
			lbs := []*transport.Loopback{newLoopback(t, 8), newLoopback(t, 8)}
			h, err := NewHandler(Config{
				Profile:             profile,
				NumChannels:         2,
				MaxSamplesPerPacket: 50,
				PerChannelSequence:  tt.perChannel,
			})
			require.NoError(t, err)
			for i, lb := range lbs {
				require.NoError(t, h.Bind(i, lb.GetSendBuff, true, uint32(i)))
			}

			buffs := [][]byte{convert.Complex64Bytes(ramp(100)), convert.Complex64Bytes(ramp(100))}
			n, err := h.Send(buffs, 100, core.TxMetadata{}, time.Second)
			require.NoError(t, err)
			require.Equal(t, 100, n)
			for i, lb := range lbs {
				pkts := drain(t, profile, lb)
				require.Len(t, pkts, 2)
				assert.Equal(t, uint32(0), pkts[0].info.PacketCount)
				assert.Equal(t, uint32(1), pkts[1].info.PacketCount)
				assert.Equal(t, uint32(i), pkts[0].info.SID)
			}

			// rebinding restarts only a per-channel counter
			require.NoError(t, h.Bind(1, lbs[1].GetSendBuff, true, 1))
			_, err = h.Send(buffs, 10, core.TxMetadata{}, time.Second)
			require.NoError(t, err)
			pkts := drain(t, profile, lbs[1])
			require.Len(t, pkts, 1)
			assert.Equal(t, tt.want, pkts[0].info.PacketCount)
		})
	}
}

func TestSendSC8Padding(t *testing.T) {
	profile := vrt.ProfileVRTBigEndian
	lb := newLoopback(t, 2)
	h, err := NewHandler(Config{Profile: profile, NumChannels: 1, WireFormat: "sc8", MaxSamplesPerPacket: 100})
	require.NoError(t, err)
	require.NoError(t, h.Bind(0, lb.GetSendBuff, true, 7))

	n, err := h.Send([][]byte{convert.Complex64Bytes(ramp(3))}, 3, core.TxMetadata{}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	pkts := drain(t, profile, lb)
	require.Len(t, pkts, 1)
	assert.Equal(t, 2, pkts[0].info.NumPayloadWords32)
	assert.Equal(t, []byte{0, 0}, pkts[0].payload[6:])
}

func TestSendArguments(t *testing.T) {
	_, err := NewHandler(Config{Profile: vrt.ProfileVRTBigEndian, NumChannels: 1})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = NewHandler(Config{Profile: vrt.ProfileVRTBigEndian, NumChannels: 1, MaxSamplesPerPacket: 10, HostFormat: "fc16"})
	assert.ErrorIs(t, err, core.ErrUnsupportedFormat)

	h, err := NewHandler(Config{Profile: vrt.ProfileVRTBigEndian, NumChannels: 2, MaxSamplesPerPacket: 10})
	require.NoError(t, err)

	_, err = h.Send([][]byte{nil}, 0, core.TxMetadata{}, 0)
	assert.ErrorIs(t, err, core.ErrBufferCount)
	_, err = h.Send([][]byte{nil, nil}, 0, core.TxMetadata{}, 0)
	assert.ErrorIs(t, err, core.ErrChannelNotBound)

	lb := newLoopback(t, 2)
	require.NoError(t, h.Bind(0, lb.GetSendBuff, false, 0))
	require.NoError(t, h.Bind(1, lb.GetSendBuff, false, 0))
	_, err = h.Send([][]byte{make([]byte, 8), make([]byte, 8)}, 2, core.TxMetadata{}, 0)
	assert.ErrorIs(t, err, core.ErrBufferTooSmall)

	assert.ErrorIs(t, h.Bind(5, lb.GetSendBuff, false, 0), core.ErrChannelIndex)
	assert.ErrorIs(t, h.SetMaxSamplesPerPacket(0), core.ErrConfigInvalid)
	assert.Equal(t, 10, h.MaxSamplesPerPacket())
}

func TestRecvAsyncMsg(t *testing.T) {
	h, err := NewHandler(Config{Profile: vrt.ProfileVRTBigEndian, NumChannels: 1, MaxSamplesPerPacket: 10})
	require.NoError(t, err)

	_, ok := h.RecvAsyncMsg(0)
	assert.False(t, ok)

	q := async.NewQueue[core.AsyncMetadata](4)
	h.SetAsyncReceiver(q.Pop)
	q.Push(core.AsyncMetadata{EventCode: core.EventBurstAck})

	md, ok := h.RecvAsyncMsg(time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, core.EventBurstAck, md.EventCode)

	_, ok = h.RecvAsyncMsg(time.Millisecond)
	assert.False(t, ok)
}

func TestSendErrorMidBurst(t *testing.T) {
	profile := vrt.ProfileVRTBigEndian
	lb := newLoopback(t, 8)
	h, err := NewHandler(Config{Profile: profile, NumChannels: 1, MaxSamplesPerPacket: 10})
	require.NoError(t, err)

	var acquired int
	require.NoError(t, h.Bind(0, func(timeout time.Duration) (transport.SendBuffer, error) {
		if acquired == 2 {
			return nil, errors.New("link down")
		}
		acquired++
		return lb.GetSendBuff(timeout)
	}, false, 0))

	n, err := h.Send([][]byte{convert.Complex64Bytes(ramp(30))}, 30, core.TxMetadata{}, time.Millisecond)
	assert.Equal(t, 20, n)
	assert.Error(t, err)
	assert.Equal(t, 2, lb.Pending())
}
