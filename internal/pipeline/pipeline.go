// Package pipeline implements the receive capture pipeline: a receive loop
// filling pooled sample blocks and a write loop draining them into a sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"firestige.xyz/iqstream/internal/core"
	"firestige.xyz/iqstream/internal/metrics"
)

// Source delivers aligned samples from a group of channels. Both the rx
// streamer and a bare receive engine satisfy it.
type Source interface {
	NumChannels() int
	HostItemSize() int
	Recv(buffs [][]byte, nsampsPerBuff int, timeout time.Duration, onePacket bool) (int, core.RxMetadata, error)
}

// Sink consumes sample blocks in order. Write must not retain the block.
type Sink interface {
	Name() string
	Write(b *Block) error
	Close() error
}

// Block is one receive call worth of samples.
type Block struct {
	// Buffs holds one host-format buffer per channel; only the first
	// NumSamps samples are valid.
	Buffs    [][]byte
	NumSamps int
	Metadata core.RxMetadata
	Received time.Time
}

// Bytes returns the valid bytes of channel ch.
func (b *Block) Bytes(ch, itemSize int) []byte {
	return b.Buffs[ch][:b.NumSamps*itemSize]
}

// Pipeline moves samples from a source to a sink through a bounded queue.
type Pipeline struct {
	id           string
	source       Source
	sink         Sink
	blockSamples int
	itemSize     int
	timeout      time.Duration
	maxSamples   uint64
	metrics      *Metrics

	free   chan *Block
	blocks chan *Block

	// Runtime state
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Config contains pipeline configuration.
type Config struct {
	ID           string
	Source       Source
	Sink         Sink
	BlockSamples int           // samples per channel per block
	QueueDepth   int           // blocks buffered between the loops
	Timeout      time.Duration // per receive call
	MaxSamples   uint64        // stop after this many samples per channel, 0 = unbounded
}

// Defaults applied by New.
const (
	DefaultBlockSamples = 8192
	DefaultQueueDepth   = 64
	DefaultTimeout      = 100 * time.Millisecond
)

// New creates a new pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Source == nil || cfg.Sink == nil {
		return nil, fmt.Errorf("%w: pipeline needs a source and a sink", core.ErrConfigInvalid)
	}
	if cfg.BlockSamples <= 0 {
		cfg.BlockSamples = DefaultBlockSamples
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	p := &Pipeline{
		id:           cfg.ID,
		source:       cfg.Source,
		sink:         cfg.Sink,
		blockSamples: cfg.BlockSamples,
		itemSize:     cfg.Source.HostItemSize(),
		timeout:      cfg.Timeout,
		maxSamples:   cfg.MaxSamples,
		metrics:      NewMetrics(cfg.ID),
		blocks:       make(chan *Block, cfg.QueueDepth),
		done:         make(chan struct{}),
	}

	// one block in each loop plus a full queue
	n := cfg.QueueDepth + 2
	p.free = make(chan *Block, n)
	nchan := cfg.Source.NumChannels()
	for i := 0; i < n; i++ {
		b := &Block{Buffs: make([][]byte, nchan)}
		for ch := range b.Buffs {
			b.Buffs[ch] = make([]byte, cfg.BlockSamples*p.itemSize)
		}
		p.free <- b
	}
	return p, nil
}

// Start starts the pipeline loops.
func (p *Pipeline) Start(ctx context.Context) error {
	slog.Info("pipeline starting", "pipeline_id", p.id, "sink", p.sink.Name(),
		"channels", p.source.NumChannels(), "block_samples", p.blockSamples)

	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(2)
	go p.receiveLoop()
	go p.writeLoop()

	go func() {
		p.wg.Wait()
		close(p.done)
	}()
	return nil
}

// Done is closed once both loops have exited, either after MaxSamples or
// on a fatal error.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Err returns the error that ended the pipeline, if any.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Pipeline) fail(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
	p.cancel()
}

// Stop stops the pipeline gracefully: queued blocks are written before the
// sink is closed.
func (p *Pipeline) Stop() error {
	slog.Info("pipeline stopping", "pipeline_id", p.id)

	p.cancel()
	<-p.done

	err := p.sink.Close()
	if err != nil {
		slog.Error("sink close failed", "sink", p.sink.Name(), "error", err)
	}

	s := p.Stats()
	slog.Info("pipeline stopped", "pipeline_id", p.id, "blocks", s.Blocks,
		"samples", s.Samples, "overflows", s.Overflows, "dropped_blocks", s.WriteErrors)
	return err
}

// receiveLoop fills free blocks from the source and queues them.
func (p *Pipeline) receiveLoop() {
	defer p.wg.Done()
	defer close(p.blocks)

	var total uint64
	for p.maxSamples == 0 || total < p.maxSamples {
		var b *Block
		select {
		case <-p.ctx.Done():
			return
		case b = <-p.free:
		}

		want := p.blockSamples
		if p.maxSamples > 0 && p.maxSamples-total < uint64(want) {
			want = int(p.maxSamples - total)
		}
		n, md, err := p.source.Recv(b.Buffs, want, p.timeout, false)
		if err != nil {
			p.free <- b
			if !errors.Is(err, core.ErrTransportClosed) || p.ctx.Err() == nil {
				slog.Error("receive failed", "pipeline_id", p.id, "error", err)
				p.fail(fmt.Errorf("pipeline %s: %w", p.id, err))
			}
			return
		}
		p.metrics.record(md.ErrorCode)

		if n == 0 {
			p.free <- b
			continue
		}
		b.NumSamps = n
		b.Metadata = md
		b.Received = time.Now()
		total += uint64(n)
		p.metrics.Blocks.Add(1)
		p.metrics.Samples.Add(uint64(n))
		metrics.PipelineBlocksTotal.WithLabelValues("received").Inc()

		select {
		case p.blocks <- b:
		case <-p.ctx.Done():
			p.free <- b
			return
		}
	}
}

// writeLoop drains queued blocks into the sink. It keeps draining after a
// cancel so that Stop loses nothing already received.
func (p *Pipeline) writeLoop() {
	defer p.wg.Done()

	for b := range p.blocks {
		metrics.PipelineLatencySeconds.Observe(time.Since(b.Received).Seconds())
		if err := p.sink.Write(b); err != nil {
			p.metrics.WriteErrors.Add(1)
			metrics.PipelineBlocksTotal.WithLabelValues("dropped").Inc()
			slog.Debug("sink write failed", "sink", p.sink.Name(), "error", err)
		} else {
			p.metrics.Written.Add(1)
			metrics.PipelineBlocksTotal.WithLabelValues("written").Inc()
		}
		p.free <- b
	}
}

// Stats returns pipeline statistics.
func (p *Pipeline) Stats() Stats {
	return p.metrics.snapshot()
}
