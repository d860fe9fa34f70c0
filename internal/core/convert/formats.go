package convert

import (
	"encoding/binary"
	"math"
)

// itemFormat describes how one complex sample is stored.
type itemFormat struct {
	name string
	size int     // bytes per sample
	full float64 // integer full scale, 0 for float formats

	load  func(b []byte, i int) (re, im float64)
	store func(b []byte, i int, re, im float64)
}

var (
	wireFormats = []string{"sc16_item32_be", "sc16_item32_le", "sc8_item32_be", "sc8_item32_le"}
	hostFormats = []string{"fc32", "fc64", "sc16", "sc8"}
)

var formats = map[string]*itemFormat{
	"sc16_item32_be": {name: "sc16_item32_be", size: 4, full: 32767, load: loadSC16Item32(binary.BigEndian), store: storeSC16Item32(binary.BigEndian)},
	"sc16_item32_le": {name: "sc16_item32_le", size: 4, full: 32767, load: loadSC16Item32(binary.LittleEndian), store: storeSC16Item32(binary.LittleEndian)},
	"sc8_item32_be":  {name: "sc8_item32_be", size: 2, full: 127, load: loadSC8Item32BE, store: storeSC8Item32BE},
	"sc8_item32_le":  {name: "sc8_item32_le", size: 2, full: 127, load: loadSC8Item32LE, store: storeSC8Item32LE},

	"fc32": {name: "fc32", size: 8, load: loadFC32, store: storeFC32},
	"fc64": {name: "fc64", size: 16, load: loadFC64, store: storeFC64},
	"sc16": {name: "sc16", size: 4, full: 32767, load: loadSC16, store: storeSC16},
	"sc8":  {name: "sc8", size: 2, full: 127, load: loadSC8, store: storeSC8},
}

// sc16 item32: one sample per word, I in the upper half.

func loadSC16Item32(bo binary.ByteOrder) func([]byte, int) (float64, float64) {
	return func(b []byte, i int) (float64, float64) {
		w := bo.Uint32(b[4*i:])
		return float64(int16(w >> 16)), float64(int16(w))
	}
}

func storeSC16Item32(bo binary.ByteOrder) func([]byte, int, float64, float64) {
	return func(b []byte, i int, re, im float64) {
		bo.PutUint32(b[4*i:], uint32(uint16(clamp16(re)))<<16|uint32(uint16(clamp16(im))))
	}
}

// sc8 item32: two samples per word, the even sample in the upper half,
// I in the upper byte of each half. Item offsets are counted from the start
// of a word-aligned buffer, so the little-endian layout swaps halves.

func loadSC8Item32BE(b []byte, i int) (float64, float64) {
	return float64(int8(b[2*i])), float64(int8(b[2*i+1]))
}

func storeSC8Item32BE(b []byte, i int, re, im float64) {
	b[2*i] = byte(clamp8(re))
	b[2*i+1] = byte(clamp8(im))
}

func loadSC8Item32LE(b []byte, i int) (float64, float64) {
	j := 2 * (i ^ 1)
	return float64(int8(b[j+1])), float64(int8(b[j]))
}

func storeSC8Item32LE(b []byte, i int, re, im float64) {
	j := 2 * (i ^ 1)
	b[j+1] = byte(clamp8(re))
	b[j] = byte(clamp8(im))
}

// Host formats use the machine byte order.

func loadFC32(b []byte, i int) (float64, float64) {
	return float64(math.Float32frombits(binary.NativeEndian.Uint32(b[8*i:]))),
		float64(math.Float32frombits(binary.NativeEndian.Uint32(b[8*i+4:])))
}

func storeFC32(b []byte, i int, re, im float64) {
	binary.NativeEndian.PutUint32(b[8*i:], math.Float32bits(float32(re)))
	binary.NativeEndian.PutUint32(b[8*i+4:], math.Float32bits(float32(im)))
}

func loadFC64(b []byte, i int) (float64, float64) {
	return math.Float64frombits(binary.NativeEndian.Uint64(b[16*i:])),
		math.Float64frombits(binary.NativeEndian.Uint64(b[16*i+8:]))
}

func storeFC64(b []byte, i int, re, im float64) {
	binary.NativeEndian.PutUint64(b[16*i:], math.Float64bits(re))
	binary.NativeEndian.PutUint64(b[16*i+8:], math.Float64bits(im))
}

func loadSC16(b []byte, i int) (float64, float64) {
	return float64(int16(binary.NativeEndian.Uint16(b[4*i:]))),
		float64(int16(binary.NativeEndian.Uint16(b[4*i+2:])))
}

func storeSC16(b []byte, i int, re, im float64) {
	binary.NativeEndian.PutUint16(b[4*i:], uint16(clamp16(re)))
	binary.NativeEndian.PutUint16(b[4*i+2:], uint16(clamp16(im)))
}

func loadSC8(b []byte, i int) (float64, float64) {
	return float64(int8(b[2*i])), float64(int8(b[2*i+1]))
}

func storeSC8(b []byte, i int, re, im float64) {
	b[2*i] = byte(clamp8(re))
	b[2*i+1] = byte(clamp8(im))
}

func clamp16(v float64) int16 {
	v = math.Round(v)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

func clamp8(v float64) int8 {
	v = math.Round(v)
	switch {
	case v > math.MaxInt8:
		return math.MaxInt8
	case v < math.MinInt8:
		return math.MinInt8
	}
	return int8(v)
}
