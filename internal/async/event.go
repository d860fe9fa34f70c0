package async

import (
	"firestige.xyz/iqstream/internal/core"
	"firestige.xyz/iqstream/internal/core/vrt"
)

// Event converts a context packet into an event record. channel is the
// transmit channel the packet's stream id belongs to. The event code is the
// low byte of the first payload word and up to four payload words are
// copied into the user payload.
func Event(profile vrt.Profile, buf []byte, info *vrt.PacketInfo, channel int, tickRate float64) core.AsyncMetadata {
	md := core.AsyncMetadata{
		Channel:   channel,
		EventCode: core.AsyncEventCode(profile.ContextCode(buf, info)),
	}
	if info.HasTSF {
		md.HasTimeSpec = true
		md.TimeSpec = core.TimeSpecFromTicks(int64(info.TSF), tickRate)
	}
	n := min(info.NumPayloadWords32, core.UserPayloadWords)
	for i := 0; i < n; i++ {
		md.UserPayload[i] = profile.PayloadWord(buf, info, i)
	}
	return md
}
