// Package console prints one line per captured block.
package console

import (
	"fmt"
	"io"

	"firestige.xyz/iqstream/internal/core"
	"firestige.xyz/iqstream/internal/pipeline"
)

const Name = "console"

// Sink writes a block summary line to w.
type Sink struct {
	w      io.Writer
	blocks uint64
}

func NewSink(w io.Writer) *Sink {
	return &Sink{w: w}
}

func (s *Sink) Name() string { return Name }

func (s *Sink) Write(b *pipeline.Block) error {
	s.blocks++
	at := "-"
	if b.Metadata.HasTimeSpec {
		at = b.Metadata.TimeSpec.String()
	}
	line := fmt.Sprintf("block=%d time=%s samples=%d channels=%d", s.blocks, at, b.NumSamps, len(b.Buffs))
	if b.Metadata.StartOfBurst {
		line += " sob"
	}
	if b.Metadata.EndOfBurst {
		line += " eob"
	}
	if b.Metadata.ErrorCode != core.RxErrorNone {
		line += " error=" + b.Metadata.ErrorCode.String()
	}
	_, err := fmt.Fprintln(s.w, line)
	return err
}

func (s *Sink) Close() error {
	return nil
}
