// Package sim is a software model of a streaming radio: register-driven
// receive framers that produce timestamped ramp samples, transmit deframers
// that check sequence and timing, and loopback transports connecting both to
// the host streamers.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"firestige.xyz/iqstream/internal/core"
	"firestige.xyz/iqstream/internal/core/convert"
	"firestige.xyz/iqstream/internal/core/vrt"
	"firestige.xyz/iqstream/internal/radio"
	"firestige.xyz/iqstream/internal/transport"
)

// Register map. Each receive channel owns a framer block.
const (
	framerRegion = 0x1000
	framerStride = 0x10
)

func framerBase(channel int) uint32 {
	return framerRegion + uint32(channel)*framerStride
}

func rxStreamID(channel int) uint32 { return 0x00100000 | uint32(channel) }
func txStreamID(channel int) uint32 { return 0x00200000 | uint32(channel) }

// Defaults.
const (
	DefaultTickRate           = 100e6
	DefaultSampRate           = 1e6
	DefaultSamplesPerPacket   = 364
	DefaultNumFrames          = 32
	DefaultFrameWait          = 100 * time.Millisecond
	DefaultTxAckInterval      = 1
	pollInterval              = 20 * time.Millisecond
	defaultAntenna            = "RX2"
	contextPayloadWords       = 2
	defaultTxAsyncFrameFactor = 4
)

// Config describes a simulated device.
type Config struct {
	Profile       vrt.Profile
	WireFormat    string
	NumRxChannels int
	NumTxChannels int

	TickRate         float64
	SampRate         float64
	SamplesPerPacket int

	// NumFrames bounds the packets a receive channel can have in flight
	// towards the host.
	NumFrames int
	FrameSize int

	// FrameWait is how long a framer waits for a free frame before it
	// declares an overflow.
	FrameWait time.Duration

	// TxAckInterval is the number of consumed transmit packets between
	// flow-control acks.
	TxAckInterval int

	// CaptureTx keeps every transmitted sample for inspection.
	CaptureTx bool
}

func (c *Config) applyDefaults() {
	if c.WireFormat == "" {
		c.WireFormat = "sc16"
	}
	if c.TickRate <= 0 {
		c.TickRate = DefaultTickRate
	}
	if c.SampRate <= 0 {
		c.SampRate = DefaultSampRate
	}
	if c.SamplesPerPacket <= 0 {
		c.SamplesPerPacket = DefaultSamplesPerPacket
	}
	if c.NumFrames <= 0 {
		c.NumFrames = DefaultNumFrames
	}
	if c.FrameSize <= 0 {
		c.FrameSize = transport.DefaultFrameSize
	}
	if c.FrameWait <= 0 {
		c.FrameWait = DefaultFrameWait
	}
	if c.TxAckInterval <= 0 {
		c.TxAckInterval = DefaultTxAckInterval
	}
}

// Device is a simulated radio. It implements the radio capability
// interfaces; its transports are the host side of the links.
type Device struct {
	cfg Config

	mu       sync.Mutex
	baseTick float64
	baseAt   time.Time
	gains    map[int]float64
	antennas map[int]string
	regs     map[uint32]uint32

	rx      []*rxChannel
	tx      []*txChannel
	txAsync *transport.Loopback

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a device. Its framers and deframers run after Start.
func New(cfg Config) (*Device, error) {
	cfg.applyDefaults()
	if cfg.NumRxChannels < 0 || cfg.NumTxChannels < 0 || cfg.NumRxChannels+cfg.NumTxChannels == 0 {
		return nil, fmt.Errorf("%w: simulated device needs at least one channel", core.ErrConfigInvalid)
	}
	wire := cfg.WireFormat + cfg.Profile.WireSuffix()
	itemSize, err := convert.ItemSize(wire)
	if err != nil {
		return nil, err
	}
	if maxBytes := cfg.Profile.MaxHeaderWords()*4 + cfg.SamplesPerPacket*itemSize + 4; maxBytes > cfg.FrameSize {
		return nil, fmt.Errorf("%w: %d samples per packet do not fit a %d byte frame",
			core.ErrConfigInvalid, cfg.SamplesPerPacket, cfg.FrameSize)
	}

	d := &Device{
		cfg:      cfg,
		baseAt:   time.Now(),
		gains:    make(map[int]float64),
		antennas: make(map[int]string),
		regs:     make(map[uint32]uint32),
	}
	for i := 0; i < cfg.NumRxChannels; i++ {
		ch, err := newRxChannel(d, i, wire, itemSize)
		if err != nil {
			return nil, err
		}
		d.rx = append(d.rx, ch)
	}
	if cfg.NumTxChannels > 0 {
		d.txAsync = transport.NewLoopback(transport.LoopbackOptions{
			NumFrames: cfg.NumFrames * defaultTxAsyncFrameFactor,
			FrameSize: 256,
		})
	}
	for i := 0; i < cfg.NumTxChannels; i++ {
		ch, err := newTxChannel(d, i, wire, itemSize)
		if err != nil {
			return nil, err
		}
		d.tx = append(d.tx, ch)
	}
	return d, nil
}

// Config returns the effective configuration.
func (d *Device) Config() Config {
	return d.cfg
}

// Start runs the framers and deframers until ctx is cancelled or Stop is
// called.
func (d *Device) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return fmt.Errorf("simulated device already started")
	}
	ctx, d.cancel = context.WithCancel(ctx)
	for _, ch := range d.rx {
		d.wg.Add(1)
		go func(ch *rxChannel) {
			defer d.wg.Done()
			ch.run(ctx)
		}(ch)
	}
	for _, ch := range d.tx {
		d.wg.Add(1)
		go func(ch *txChannel) {
			defer d.wg.Done()
			ch.run(ctx)
		}(ch)
	}
	slog.Info("simulated device started",
		"rx_channels", len(d.rx), "tx_channels", len(d.tx),
		"profile", d.cfg.Profile.String(), "samp_rate", d.cfg.SampRate)
	return nil
}

// Stop halts the hardware goroutines and closes every transport.
func (d *Device) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, ch := range d.rx {
		ch.data.Close()
		ch.fc.Close()
	}
	for _, ch := range d.tx {
		ch.data.Close()
	}
	if d.txAsync != nil {
		d.txAsync.Close()
	}
	d.wg.Wait()
}

// RxData returns the transport carrying a receive channel's packets.
func (d *Device) RxData(channel int) transport.ZeroCopy { return d.rx[channel].data }

// RxFlowControl returns the transport the host sends receive progress
// reports on.
func (d *Device) RxFlowControl(channel int) transport.ZeroCopy { return d.rx[channel].fc }

// RxFlowControlSeq returns the last sequence the host reported consumed.
func (d *Device) RxFlowControlSeq(channel int) uint32 { return d.rx[channel].fcSeq.Load() }

// Overflows returns the number of overflows a receive channel reported.
func (d *Device) Overflows(channel int) uint64 { return d.rx[channel].overflows.Load() }

// TxData returns the transport the host sends a transmit channel's packets
// on.
func (d *Device) TxData(channel int) transport.ZeroCopy { return d.tx[channel].data }

// TxAsync returns the transport carrying transmit events and flow-control
// acks for every transmit channel.
func (d *Device) TxAsync() transport.ZeroCopy { return d.txAsync }

// FramerBase returns the framer register base of a receive channel.
func (d *Device) FramerBase(channel int) uint32 { return framerBase(channel) }

// RxStreamID returns the stream id of a receive channel's packets.
func (d *Device) RxStreamID(channel int) uint32 { return rxStreamID(channel) }

// TxStreamID returns the stream id of a transmit channel's packets.
func (d *Device) TxStreamID(channel int) uint32 { return txStreamID(channel) }

// TxCaptured returns the samples a transmit channel received so far.
func (d *Device) TxCaptured(channel int) []complex64 { return d.tx[channel].captured() }

// NumRxChannels returns the number of receive channels.
func (d *Device) NumRxChannels() int { return len(d.rx) }

// NumTxChannels returns the number of transmit channels.
func (d *Device) NumTxChannels() int { return len(d.tx) }

// Poke32 writes a register. Writing a framer's low time word latches the
// command held in its command and high time registers.
func (d *Device) Poke32(addr, value uint32) error {
	if addr < framerRegion {
		return fmt.Errorf("sim: no register at %#x", addr)
	}
	ch := int((addr - framerRegion) / framerStride)
	if ch >= len(d.rx) {
		return fmt.Errorf("sim: no register at %#x", addr)
	}
	base := framerBase(ch)

	d.mu.Lock()
	d.regs[addr] = value
	word, hi := d.regs[base+radio.RegCommand], d.regs[base+radio.RegTimeHi]
	d.mu.Unlock()

	switch addr - base {
	case radio.RegTimeLo:
		mode, nsamps, now := radio.DecodeStreamCmd(word)
		d.rx[ch].enqueue(command{
			mode:   mode,
			nsamps: nsamps,
			now:    now,
			ticks:  uint64(hi)<<32 | uint64(value),
		})
	case radio.RegClear:
		d.rx[ch].clear()
	}
	return nil
}

func (d *Device) nowTicks() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint64(d.baseTick + time.Since(d.baseAt).Seconds()*d.cfg.TickRate)
}

// TimeNow returns the device time.
func (d *Device) TimeNow() core.TimeSpec {
	return core.TimeSpecFromTicks(int64(d.nowTicks()), d.TickRate())
}

// SetTimeNow sets the device time.
func (d *Device) SetTimeNow(t core.TimeSpec) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.baseTick = float64(t.Ticks(d.cfg.TickRate))
	d.baseAt = time.Now()
}

func (d *Device) TickRate() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.TickRate
}

// SetTickRate changes the tick rate; the device time is preserved.
func (d *Device) SetTickRate(rate float64) error {
	if rate <= 0 {
		return fmt.Errorf("%w: tick rate %v", core.ErrConfigInvalid, rate)
	}
	now := d.TimeNow()
	d.mu.Lock()
	d.cfg.TickRate = rate
	d.mu.Unlock()
	d.SetTimeNow(now)
	return nil
}

func (d *Device) SampRate() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.SampRate
}

func (d *Device) rates() (tick, samp float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.TickRate, d.cfg.SampRate
}

func (d *Device) Gain(channel int) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gains[channel]
}

func (d *Device) SetGain(channel int, db float64) error {
	if db < 0 || db > 76 {
		return fmt.Errorf("%w: gain %v dB outside [0, 76]", core.ErrConfigInvalid, db)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gains[channel] = db
	return nil
}

func (d *Device) Antennas() []string {
	return []string{"TX/RX", "RX2"}
}

func (d *Device) Antenna(channel int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a, ok := d.antennas[channel]; ok {
		return a
	}
	return defaultAntenna
}

func (d *Device) SetAntenna(channel int, name string) error {
	for _, a := range d.Antennas() {
		if a == name {
			d.mu.Lock()
			d.antennas[channel] = name
			d.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("%w: unknown antenna %q", core.ErrConfigInvalid, name)
}

// packContext writes a context packet carrying code into buf.
func packContext(profile vrt.Profile, buf []byte, sid uint32, code uint32, tsf uint64) (int, error) {
	info := vrt.PacketInfo{
		PacketType:        vrt.PacketTypeContext,
		HasSID:            true,
		SID:               sid,
		HasTSF:            true,
		TSF:               tsf,
		NumPayloadWords32: contextPayloadWords,
	}
	if err := profile.Pack(buf, &info); err != nil {
		return 0, err
	}
	off := info.PayloadOffset()
	bo := profile.ByteOrder()
	bo.PutUint32(buf[off:], code)
	bo.PutUint32(buf[off+4:], 0)
	return 4 * info.NumPacketWords32, nil
}

var (
	_ radio.RegisterWriter  = (*Device)(nil)
	_ radio.TimeKeeper      = (*Device)(nil)
	_ radio.TickRateControl = (*Device)(nil)
	_ radio.GainControl     = (*Device)(nil)
	_ radio.AntennaControl  = (*Device)(nil)
)
