package core

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func TestTimeSpecFromTicks(t *testing.T) {
	tests := []struct {
		ticks    int64
		rate     float64
		wantFull int64
		wantFrac float64
	}{
		{0, 100e6, 0, 0},
		{50e6, 100e6, 0, 0.5},
		{250e6, 100e6, 2, 0.5},
		{10, 10e6, 0, 1e-6},
		{-25e6, 100e6, -1, 0.75},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d@%g", tt.ticks, tt.rate), func(t *testing.T) {
			ts := TimeSpecFromTicks(tt.ticks, tt.rate)
			if ts.FullSecs != tt.wantFull {
				t.Errorf("FullSecs = %d, want %d", ts.FullSecs, tt.wantFull)
			}
			if diff := ts.FracSecs - tt.wantFrac; diff > 1e-12 || diff < -1e-12 {
				t.Errorf("FracSecs = %v, want %v", ts.FracSecs, tt.wantFrac)
			}
			if got := ts.Ticks(tt.rate); got != tt.ticks {
				t.Errorf("Ticks() = %d, want %d", got, tt.ticks)
			}
		})
	}
}

func TestTimeSpecTicksFractionalRate(t *testing.T) {
	const rate = 1e6 / 3
	for _, ticks := range []int64{0, 1, 12345, 20480000, 20480001, 1 << 40} {
		if got := TimeSpecFromTicks(ticks, rate).Ticks(rate); got != ticks {
			t.Errorf("round trip of %d ticks = %d", ticks, got)
		}
	}
}

func TestTimeSpecArithmetic(t *testing.T) {
	a := NewTimeSpec(1, 0.75)
	b := NewTimeSpec(0, 0.5)

	sum := a.Add(b)
	if sum.FullSecs != 2 || sum.FracSecs != 0.25 {
		t.Errorf("Add = %+v, want {2 0.25}", sum)
	}

	diff := b.Sub(a)
	if diff.FullSecs != -2 || diff.FracSecs != 0.75 {
		t.Errorf("Sub = %+v, want {-2 0.75}", diff)
	}

	if !b.Before(a) || !a.After(b) || a.Compare(a) != 0 {
		t.Error("ordering is inconsistent")
	}
	if s := TimeSpecFromSeconds(1.5); s.FullSecs != 1 || s.FracSecs != 0.5 {
		t.Errorf("TimeSpecFromSeconds(1.5) = %+v", s)
	}
}

func TestRxMetadataMarker(t *testing.T) {
	tests := []struct {
		md   RxMetadata
		want byte
	}{
		{RxMetadata{ErrorCode: RxErrorNone}, 0},
		{RxMetadata{ErrorCode: RxErrorTimeout}, 0},
		{RxMetadata{ErrorCode: RxErrorOverflow}, 'O'},
		{RxMetadata{ErrorCode: RxErrorOverflow, OutOfSequence: true}, 'D'},
		{RxMetadata{ErrorCode: RxErrorLateCommand}, 'L'},
	}
	for _, tt := range tests {
		if got := tt.md.Marker(); got != tt.want {
			t.Errorf("Marker(%v, oos=%v) = %q, want %q", tt.md.ErrorCode, tt.md.OutOfSequence, got, tt.want)
		}
	}

	md := RxMetadata{ErrorCode: RxErrorOverflow, HasTimeSpec: true}
	md.Reset()
	if md != (RxMetadata{}) {
		t.Errorf("Reset left %+v", md)
	}
}

func TestAsyncEventMarker(t *testing.T) {
	tests := map[AsyncEventCode]byte{
		EventUnderflow:         'U',
		EventUnderflowInPacket: 'U',
		EventSeqError:          'S',
		EventSeqErrorInBurst:   'S',
		EventTimeError:         'L',
		EventUserPayload:       0,
	}
	for code, want := range tests {
		if got := code.Marker(); got != want {
			t.Errorf("%v.Marker() = %q, want %q", code, got, want)
		}
	}
}

func TestSentinelErrorsWrap(t *testing.T) {
	wrapped := fmt.Errorf("decode: %w", ErrMalformedPacket)
	if !errors.Is(wrapped, ErrMalformedPacket) {
		t.Error("wrapped error should match ErrMalformedPacket")
	}
	if errors.Is(wrapped, ErrUnsupportedFormat) {
		t.Error("wrapped error should not match ErrUnsupportedFormat")
	}
}

func TestMarkerWriter(t *testing.T) {
	var buf bytes.Buffer
	m := NewMarkerWriter(&buf)

	overflow := RxMetadata{ErrorCode: RxErrorOverflow, OutOfSequence: true}
	late := RxMetadata{ErrorCode: RxErrorLateCommand}
	m.Mark(overflow.Marker())
	m.Mark(EventUnderflow.Marker())
	m.Mark(0)
	m.Mark(late.Marker())

	if got := buf.String(); got != "DUL" {
		t.Errorf("markers = %q, want %q", got, "DUL")
	}

	var none *MarkerWriter
	none.Mark('O')
}

func TestTimeSpecFromTicksZeroRate(t *testing.T) {
	if got := TimeSpecFromTicks(1000, 0); got != (TimeSpec{}) {
		t.Errorf("zero rate = %v, want zero", got)
	}
	if got := TimeSpecFromTicks(2, 0.5); got != (TimeSpec{FullSecs: 4}) {
		t.Errorf("sub-unit rate = %+v, want 4s", got)
	}
}
