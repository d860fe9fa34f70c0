package transport

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/iqstream/internal/core"
)

func sendBytes(t *testing.T, tr ZeroCopy, payload []byte) {
	t.Helper()
	sb, err := tr.GetSendBuff(time.Second)
	require.NoError(t, err)
	require.NotNil(t, sb)
	n := copy(sb.Bytes(), payload)
	sb.Commit(n)
}

func TestLoopbackOrder(t *testing.T) {
	lb := NewLoopback(LoopbackOptions{NumFrames: 4, FrameSize: 64})
	defer lb.Close()

	for i := byte(0); i < 3; i++ {
		sendBytes(t, lb, []byte{i, i, i})
	}
	assert.Equal(t, 3, lb.Pending())

	for i := byte(0); i < 3; i++ {
		rb, err := lb.GetRecvBuff(time.Second)
		require.NoError(t, err)
		require.NotNil(t, rb)
		assert.Equal(t, []byte{i, i, i}, rb.Bytes())
		rb.Release()
	}
}

func TestLoopbackTimeout(t *testing.T) {
	lb := NewLoopback(LoopbackOptions{NumFrames: 1, FrameSize: 16})
	defer lb.Close()

	rb, err := lb.GetRecvBuff(10 * time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, rb)

	// the only frame is checked out
	sb, err := lb.GetSendBuff(0)
	require.NoError(t, err)
	require.NotNil(t, sb)
	sb2, err := lb.GetSendBuff(10 * time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, sb2)

	// commit(0) returns it unsent
	sb.Commit(0)
	assert.Equal(t, 0, lb.Pending())
	sb, err = lb.GetSendBuff(0)
	require.NoError(t, err)
	assert.NotNil(t, sb)
}

func TestLoopbackReleaseOnce(t *testing.T) {
	lb := NewLoopback(LoopbackOptions{NumFrames: 1, FrameSize: 16})
	sendBytes(t, lb, []byte{1})

	rb, err := lb.GetRecvBuff(0)
	require.NoError(t, err)
	rb.Release()
	rb.Release()

	// a second release must not have put the frame back twice
	_, err = lb.GetSendBuff(0)
	require.NoError(t, err)
	sb, err := lb.GetSendBuff(0)
	assert.NoError(t, err)
	assert.Nil(t, sb)
}

func TestLoopbackClose(t *testing.T) {
	lb := NewLoopback(LoopbackOptions{NumFrames: 2, FrameSize: 16})
	sendBytes(t, lb, []byte{7})
	require.NoError(t, lb.Close())

	// committed frames drain first
	rb, err := lb.GetRecvBuff(0)
	require.NoError(t, err)
	require.NotNil(t, rb)
	rb.Release()

	_, err = lb.GetRecvBuff(time.Second)
	assert.ErrorIs(t, err, core.ErrTransportClosed)
}

func TestNew(t *testing.T) {
	tr, err := New(Config{Type: TypeLoopback, Options: map[string]any{"num_frames": "8", "frame_size": 128}})
	require.NoError(t, err)
	assert.Equal(t, 8, tr.NumRecvFrames())
	assert.Equal(t, 128, tr.SendFrameSize())
	tr.Close()

	_, err = New(Config{Type: "pcie"})
	assert.ErrorIs(t, err, core.ErrUnknownTransport)

	_, err = New(Config{Type: TypeLoopback, Options: map[string]any{"frames": 8}})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = New(Config{Type: TypePcap})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestRecorderReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.pcap")

	lb := NewLoopback(LoopbackOptions{NumFrames: 8, FrameSize: 256})
	rec, err := NewRecorder(lb, RecorderOptions{FilePath: path, DstPort: 5000})
	require.NoError(t, err)

	frames := [][]byte{{1, 2, 3, 4}, {5, 6, 7, 8, 9, 10, 11, 12}, {13}}
	for _, f := range frames {
		sendBytes(t, rec, f)
		rb, err := rec.GetRecvBuff(time.Second)
		require.NoError(t, err)
		require.NotNil(t, rb)
		rb.Release()
	}
	require.NoError(t, rec.Close())

	replay, err := NewPcapReplay(PcapOptions{FilePath: path, Port: 5000})
	require.NoError(t, err)
	defer replay.Close()

	for _, want := range frames {
		rb, err := replay.GetRecvBuff(time.Second)
		require.NoError(t, err)
		require.NotNil(t, rb)
		assert.Equal(t, want, rb.Bytes())
		rb.Release()
	}

	// exhausted replay times out
	rb, err := replay.GetRecvBuff(time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, rb)
	assert.Equal(t, uint64(3), replay.Replayed())

	sendBytes(t, replay, []byte{1})
	assert.Equal(t, uint64(1), replay.Discarded())
}

func TestPcapReplayPortFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.pcap")
	lb := NewLoopback(LoopbackOptions{NumFrames: 2, FrameSize: 64})
	rec, err := NewRecorder(lb, RecorderOptions{FilePath: path, DstPort: 6000})
	require.NoError(t, err)
	sendBytes(t, rec, []byte{1})
	rb, err := rec.GetRecvBuff(time.Second)
	require.NoError(t, err)
	rb.Release()
	require.NoError(t, rec.Close())

	replay, err := NewPcapReplay(PcapOptions{FilePath: path, Port: 5000})
	require.NoError(t, err)
	defer replay.Close()
	rb, err = replay.GetRecvBuff(time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, rb)
}

func TestUDPRoundTrip(t *testing.T) {
	rx, err := NewUDP(UDPOptions{Local: "127.0.0.1:0", NumRecvFrames: 4, RecvFrameSize: 1500})
	require.NoError(t, err)
	defer rx.Close()

	tx, err := NewUDP(UDPOptions{Local: "127.0.0.1:0", Remote: rx.LocalAddr().String()})
	require.NoError(t, err)
	defer tx.Close()

	sendBytes(t, tx, []byte("frame-0"))
	sendBytes(t, tx, []byte("frame-1"))

	for _, want := range []string{"frame-0", "frame-1"} {
		rb, err := rx.GetRecvBuff(2 * time.Second)
		require.NoError(t, err)
		require.NotNil(t, rb)
		assert.Equal(t, want, string(rb.Bytes()))
		rb.Release()
	}

	rb, err := rx.GetRecvBuff(10 * time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, rb)
}

func TestUDPWithoutRemote(t *testing.T) {
	u, err := NewUDP(UDPOptions{Local: "127.0.0.1:0"})
	require.NoError(t, err)
	defer u.Close()

	_, err = u.GetSendBuff(0)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
	assert.IsType(t, &net.UDPAddr{}, u.LocalAddr())
}
