package core

import "errors"

// Sentinel errors. Streaming-time data errors (overflow, timeout, bad packet)
// are reported through metadata codes, not through these values.
var (
	// Packet codec errors
	ErrMalformedPacket = errors.New("iqstream: malformed packet")
	ErrBufferTooSmall  = errors.New("iqstream: buffer too small")

	// Sample conversion errors
	ErrUnsupportedFormat = errors.New("iqstream: unsupported format")

	// Streamer errors
	ErrChannelNotBound = errors.New("iqstream: channel not bound")
	ErrChannelIndex    = errors.New("iqstream: channel index out of range")
	ErrBufferCount     = errors.New("iqstream: buffer count does not match channel count")

	// Stream command errors
	ErrBurstTooLong  = errors.New("iqstream: burst length exceeds hardware limit")
	ErrStreamCommand = errors.New("iqstream: invalid stream command")

	// Transport errors
	ErrTransportClosed  = errors.New("iqstream: transport closed")
	ErrUnknownTransport = errors.New("iqstream: unknown transport type")

	// Configuration errors
	ErrConfigInvalid = errors.New("iqstream: invalid configuration")
)
