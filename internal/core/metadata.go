package core

// RxErrorCode is the error code carried in receive metadata.
// Values match the codes hardware places in context packets.
type RxErrorCode uint32

const (
	RxErrorNone        RxErrorCode = 0x0
	RxErrorTimeout     RxErrorCode = 0x1
	RxErrorLateCommand RxErrorCode = 0x2
	RxErrorBrokenChain RxErrorCode = 0x4
	RxErrorOverflow    RxErrorCode = 0x8
	RxErrorAlignment   RxErrorCode = 0xc
	RxErrorBadPacket   RxErrorCode = 0xf
)

func (c RxErrorCode) String() string {
	switch c {
	case RxErrorNone:
		return "none"
	case RxErrorTimeout:
		return "timeout"
	case RxErrorLateCommand:
		return "late_command"
	case RxErrorBrokenChain:
		return "broken_chain"
	case RxErrorOverflow:
		return "overflow"
	case RxErrorAlignment:
		return "alignment"
	case RxErrorBadPacket:
		return "bad_packet"
	default:
		return "unknown"
	}
}

// RxMetadata describes the samples returned by one receive call.
type RxMetadata struct {
	HasTimeSpec    bool
	TimeSpec       TimeSpec
	MoreFragments  bool // the current packet still holds samples
	FragmentOffset int  // samples of the current packet consumed before this call
	StartOfBurst   bool
	EndOfBurst     bool
	ErrorCode      RxErrorCode
	OutOfSequence  bool // overflow detected through a sequence gap
}

// Reset clears every field.
func (md *RxMetadata) Reset() {
	*md = RxMetadata{}
}

// Marker returns the single character printed for this event on the fast
// path, or 0 when nothing should be printed.
func (md *RxMetadata) Marker() byte {
	switch md.ErrorCode {
	case RxErrorOverflow:
		if md.OutOfSequence {
			return 'D'
		}
		return 'O'
	case RxErrorLateCommand:
		return 'L'
	case RxErrorBadPacket:
		return 'B'
	case RxErrorAlignment:
		return 'A'
	}
	return 0
}

// TxMetadata accompanies one send call.
type TxMetadata struct {
	HasTimeSpec  bool
	TimeSpec     TimeSpec
	StartOfBurst bool
	EndOfBurst   bool
}

// AsyncEventCode identifies an asynchronous transmit event.
type AsyncEventCode uint32

const (
	EventBurstAck          AsyncEventCode = 0x1
	EventUnderflow         AsyncEventCode = 0x2
	EventSeqError          AsyncEventCode = 0x4
	EventTimeError         AsyncEventCode = 0x8
	EventUnderflowInPacket AsyncEventCode = 0x10
	EventSeqErrorInBurst   AsyncEventCode = 0x20
	EventUserPayload       AsyncEventCode = 0x40
)

func (c AsyncEventCode) String() string {
	switch c {
	case EventBurstAck:
		return "burst_ack"
	case EventUnderflow:
		return "underflow"
	case EventSeqError:
		return "seq_error"
	case EventTimeError:
		return "time_error"
	case EventUnderflowInPacket:
		return "underflow_in_packet"
	case EventSeqErrorInBurst:
		return "seq_error_in_burst"
	case EventUserPayload:
		return "user_payload"
	default:
		return "unknown"
	}
}

// Marker returns the fast-path character for the event.
func (c AsyncEventCode) Marker() byte {
	switch c {
	case EventUnderflow, EventUnderflowInPacket:
		return 'U'
	case EventSeqError, EventSeqErrorInBurst:
		return 'S'
	case EventTimeError:
		return 'L'
	case EventBurstAck:
		return 'a'
	}
	return 0
}

// UserPayloadWords is the number of payload words kept from an async packet.
const UserPayloadWords = 4

// AsyncMetadata is one asynchronous transmit event.
type AsyncMetadata struct {
	Channel     int
	HasTimeSpec bool
	TimeSpec    TimeSpec
	EventCode   AsyncEventCode
	UserPayload [UserPayloadWords]uint32
}
