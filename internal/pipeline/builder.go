package pipeline

import "time"

// Builder provides a fluent interface for building pipelines.
type Builder struct {
	config Config
}

// NewBuilder creates a new pipeline builder.
func NewBuilder() *Builder {
	return &Builder{
		config: Config{
			BlockSamples: DefaultBlockSamples,
			QueueDepth:   DefaultQueueDepth,
			Timeout:      DefaultTimeout,
		},
	}
}

func (b *Builder) WithID(id string) *Builder {
	b.config.ID = id
	return b
}

func (b *Builder) WithSource(s Source) *Builder {
	b.config.Source = s
	return b
}

func (b *Builder) WithSink(s Sink) *Builder {
	b.config.Sink = s
	return b
}

// WithBlockSamples sets the samples per channel in each block.
func (b *Builder) WithBlockSamples(n int) *Builder {
	b.config.BlockSamples = n
	return b
}

// WithQueueDepth sets the number of blocks buffered between the loops.
func (b *Builder) WithQueueDepth(n int) *Builder {
	b.config.QueueDepth = n
	return b
}

func (b *Builder) WithTimeout(d time.Duration) *Builder {
	b.config.Timeout = d
	return b
}

// WithMaxSamples stops the pipeline after n samples per channel.
func (b *Builder) WithMaxSamples(n uint64) *Builder {
	b.config.MaxSamples = n
	return b
}

// Build creates the pipeline.
func (b *Builder) Build() (*Pipeline, error) {
	return New(b.config)
}
