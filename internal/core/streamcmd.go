package core

// StreamMode selects how the hardware emits receive samples.
type StreamMode int

const (
	StreamModeStartContinuous StreamMode = iota
	StreamModeStopContinuous
	StreamModeNumSampsAndDone
	StreamModeNumSampsAndMore
)

func (m StreamMode) String() string {
	switch m {
	case StreamModeStartContinuous:
		return "start_continuous"
	case StreamModeStopContinuous:
		return "stop_continuous"
	case StreamModeNumSampsAndDone:
		return "num_samps_and_done"
	case StreamModeNumSampsAndMore:
		return "num_samps_and_more"
	default:
		return "unknown"
	}
}

// StreamCommand asks the hardware to start or stop streaming. When
// StreamNow is false the command executes at TimeSpec.
type StreamCommand struct {
	Mode      StreamMode
	NumSamps  uint64
	StreamNow bool
	TimeSpec  TimeSpec
}
