package file

import (
	"encoding/binary"
	"math"

	"gonum.org/v1/gonum/floats"
)

// powerStats accumulates normalized sample power, |x|^2 with full scale 1.
type powerStats struct {
	sum  float64
	n    int
	peak float64
}

func (p *powerStats) add(pw []float64) {
	if len(pw) == 0 {
		return
	}
	p.sum += floats.Sum(pw)
	p.n += len(pw)
	p.peak = math.Max(p.peak, floats.Max(pw))
}

func (p *powerStats) mean() float64 {
	if p.n == 0 {
		return 0
	}
	return p.sum / float64(p.n)
}

// powers decodes host-format samples into their normalized power, reusing
// out when it is large enough.
func powers(format string, data []byte, out []float64) []float64 {
	var size int
	var load func(b []byte) (float64, float64)
	switch format {
	case "fc32":
		size = 8
		load = func(b []byte) (float64, float64) {
			return float64(math.Float32frombits(binary.NativeEndian.Uint32(b))),
				float64(math.Float32frombits(binary.NativeEndian.Uint32(b[4:])))
		}
	case "fc64":
		size = 16
		load = func(b []byte) (float64, float64) {
			return math.Float64frombits(binary.NativeEndian.Uint64(b)),
				math.Float64frombits(binary.NativeEndian.Uint64(b[8:]))
		}
	case "sc16":
		size = 4
		load = func(b []byte) (float64, float64) {
			return float64(int16(binary.NativeEndian.Uint16(b))) / 32767,
				float64(int16(binary.NativeEndian.Uint16(b[2:]))) / 32767
		}
	case "sc8":
		size = 2
		load = func(b []byte) (float64, float64) {
			return float64(int8(b[0])) / 127, float64(int8(b[1])) / 127
		}
	default:
		return out[:0]
	}

	n := len(data) / size
	if cap(out) < n {
		out = make([]float64, n)
	}
	out = out[:n]
	for i := range out {
		re, im := load(data[i*size:])
		out[i] = re*re + im*im
	}
	return out
}
