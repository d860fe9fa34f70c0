package convert

import "unsafe"

// Complex64Bytes returns the bytes backing s without copying. The result
// is an fc32 host buffer.
func Complex64Bytes(s []complex64) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(s))), len(s)*8)
}

// Complex128Bytes returns the bytes backing s without copying. The result
// is an fc64 host buffer.
func Complex128Bytes(s []complex128) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(s))), len(s)*16)
}

// Int16Bytes returns the bytes backing s without copying. Interleaved I/Q
// pairs make an sc16 host buffer.
func Int16Bytes(s []int16) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(s))), len(s)*2)
}

// BytesComplex64 reinterprets an fc32 host buffer. b must be 4-byte
// aligned; buffers from make([]byte) always are.
func BytesComplex64(b []byte) []complex64 {
	if len(b) < 8 {
		return nil
	}
	return unsafe.Slice((*complex64)(unsafe.Pointer(unsafe.SliceData(b))), len(b)/8)
}
