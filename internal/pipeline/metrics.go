package pipeline

import (
	"sync/atomic"

	"firestige.xyz/iqstream/internal/core"
)

// Metrics contains per-pipeline counters.
type Metrics struct {
	PipelineID string

	Blocks      atomic.Uint64
	Samples     atomic.Uint64
	Written     atomic.Uint64
	WriteErrors atomic.Uint64

	// Receive error codes
	Timeouts     atomic.Uint64
	Overflows    atomic.Uint64
	LateCommands atomic.Uint64
	BrokenChains atomic.Uint64
	Alignments   atomic.Uint64
	BadPackets   atomic.Uint64
}

// NewMetrics creates a new metrics instance.
func NewMetrics(pipelineID string) *Metrics {
	return &Metrics{PipelineID: pipelineID}
}

func (m *Metrics) record(code core.RxErrorCode) {
	switch code {
	case core.RxErrorNone:
	case core.RxErrorTimeout:
		m.Timeouts.Add(1)
	case core.RxErrorOverflow:
		m.Overflows.Add(1)
	case core.RxErrorLateCommand:
		m.LateCommands.Add(1)
	case core.RxErrorBrokenChain:
		m.BrokenChains.Add(1)
	case core.RxErrorAlignment:
		m.Alignments.Add(1)
	default:
		m.BadPackets.Add(1)
	}
}

// Reset resets all counters to zero.
func (m *Metrics) Reset() {
	for _, c := range []*atomic.Uint64{
		&m.Blocks, &m.Samples, &m.Written, &m.WriteErrors,
		&m.Timeouts, &m.Overflows, &m.LateCommands, &m.BrokenChains, &m.Alignments, &m.BadPackets,
	} {
		c.Store(0)
	}
}

func (m *Metrics) snapshot() Stats {
	return Stats{
		Blocks:       m.Blocks.Load(),
		Samples:      m.Samples.Load(),
		Written:      m.Written.Load(),
		WriteErrors:  m.WriteErrors.Load(),
		Timeouts:     m.Timeouts.Load(),
		Overflows:    m.Overflows.Load(),
		LateCommands: m.LateCommands.Load(),
		BrokenChains: m.BrokenChains.Load(),
		Alignments:   m.Alignments.Load(),
		BadPackets:   m.BadPackets.Load(),
	}
}

// Stats represents pipeline statistics.
type Stats struct {
	Blocks       uint64
	Samples      uint64 // per channel
	Written      uint64
	WriteErrors  uint64
	Timeouts     uint64
	Overflows    uint64
	LateCommands uint64
	BrokenChains uint64
	Alignments   uint64
	BadPackets   uint64
}
