// Package convert converts complex samples between wire item formats and
// host formats.
//
// A converter is looked up by an ID naming the input and output formats and
// the number of interleaved buffers on each side. Wire formats are the
// item32 packings carried in packet payloads (for example
// "sc16_item32_be"); host formats are native-endian arrays of complex
// values ("fc32", "fc64", "sc16", "sc8").
package convert

import (
	"fmt"
	"sync"

	"firestige.xyz/iqstream/internal/core"
)

// Default scale factors. Receive maps integer full scale to 1.0, transmit
// maps 1.0 to integer full scale.
const (
	DefaultRxScalar = 1.0 / 32767.0
	DefaultTxScalar = 32767.0
)

// ID names one conversion.
type ID struct {
	Input      string
	NumInputs  int
	Output     string
	NumOutputs int
}

func (id ID) String() string {
	return fmt.Sprintf("%s(%d) -> %s(%d)", id.Input, id.NumInputs, id.Output, id.NumOutputs)
}

// Converter converts samples from input buffers into output buffers.
type Converter interface {
	// Convert converts nsamps samples per host buffer. inOff and outOff are
	// item offsets applied to every input and output buffer respectively.
	// With one input and N outputs, input item k goes to output k%N; with
	// N inputs and one output the inverse holds.
	Convert(inputs [][]byte, inOff int, outputs [][]byte, outOff int, nsamps int)

	// SetScalar sets the scale factor applied between integer and float
	// formats.
	SetScalar(scalar float64)

	ID() ID
}

// Factory builds a converter for a registered format pair.
type Factory func(id ID) Converter

type pair struct{ in, out string }

var (
	mu        sync.RWMutex
	factories = make(map[pair]Factory)
)

// Register adds a conversion for an input/output format pair. It fails when
// the pair is already registered.
func Register(input, output string, f Factory) error {
	mu.Lock()
	defer mu.Unlock()

	p := pair{input, output}
	if _, exists := factories[p]; exists {
		return fmt.Errorf("conversion %s -> %s already registered", input, output)
	}
	factories[p] = f
	return nil
}

// Get returns a converter for id. Unknown format pairs fail with
// core.ErrUnsupportedFormat.
func Get(id ID) (Converter, error) {
	if id.NumInputs < 1 || id.NumOutputs < 1 {
		return nil, fmt.Errorf("%w: %s: buffer counts must be positive", core.ErrUnsupportedFormat, id)
	}
	if id.NumInputs != id.NumOutputs && id.NumInputs != 1 && id.NumOutputs != 1 {
		return nil, fmt.Errorf("%w: %s: cannot interleave %d buffers into %d",
			core.ErrUnsupportedFormat, id, id.NumInputs, id.NumOutputs)
	}

	mu.RLock()
	f, ok := factories[pair{id.Input, id.Output}]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnsupportedFormat, id)
	}
	return f(id), nil
}

// ItemSize returns the size in bytes of one sample of the named format.
func ItemSize(format string) (int, error) {
	if f, ok := formats[format]; ok {
		return f.size, nil
	}
	return 0, fmt.Errorf("%w: unknown item format %q", core.ErrUnsupportedFormat, format)
}

// Formats lists the registered pairs as "input -> output" strings.
func Formats() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for p := range factories {
		out = append(out, p.in+" -> "+p.out)
	}
	return out
}

func init() {
	for _, w := range wireFormats {
		for _, h := range hostFormats {
			wire, host := formats[w], formats[h]
			_ = Register(w, h, func(id ID) Converter { return newScaled(id, wire, host, DefaultRxScalar) })
			_ = Register(h, w, func(id ID) Converter { return newScaled(id, host, wire, DefaultTxScalar) })
		}
	}
}
