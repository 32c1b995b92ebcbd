package audio

import "errors"

const (
	// OpusSampleRate is the rate WebRTC Opus tracks decode at
	OpusSampleRate = 48000
	// maxOpusFrameSamples is 120ms at 48kHz
	maxOpusFrameSamples = 5760
)

var ErrEmptyPacket = errors.New("empty opus packet")

// OpusDecoder turns Opus RTP payloads from one remote track into mono PCM
// at OpusSampleRate. Not safe for concurrent use; keep one per track.
type OpusDecoder interface {
	Decode(payload []byte) ([]int16, error)
}

// opusPacketSamples reads the TOC byte and returns how many 48kHz samples per
// channel the packet decodes to, or 0 when the header is unusable.
func opusPacketSamples(payload []byte) int {
	if len(payload) == 0 {
		return 0
	}
	toc := payload[0]
	config := int(toc >> 3)

	// Frame duration in units of 0.5ms (2.5ms = 5 halves)
	var halfMs int
	switch {
	case config < 12: // SILK
		halfMs = []int{20, 40, 80, 120}[config%4]
	case config < 16: // hybrid
		halfMs = []int{20, 40}[config%2]
	default: // CELT
		halfMs = []int{5, 10, 20, 40}[config%4]
	}

	frames := 1
	switch toc & 0x03 {
	case 1, 2:
		frames = 2
	case 3:
		if len(payload) < 2 {
			return 0
		}
		frames = int(payload[1] & 0x3F)
	}
	return halfMs * 24 * frames
}
