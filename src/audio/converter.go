package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/square-key-labs/buildr-voice-agent/src/frames"
	"github.com/square-key-labs/buildr-voice-agent/src/processors"
)

// ConverterProcessor brings inbound audio to the session rate and to mono
// before it reaches VAD and STT. TTS audio is left untouched.
type ConverterProcessor struct {
	*processors.BaseProcessor
	outputSampleRate int
}

func NewConverterProcessor(outputSampleRate int) *ConverterProcessor {
	c := &ConverterProcessor{outputSampleRate: outputSampleRate}
	c.BaseProcessor = processors.NewBaseProcessor("AudioConverter", c)
	return c
}

func (p *ConverterProcessor) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	af, ok := frame.(*frames.AudioFrame)
	if !ok || direction != frames.Downstream {
		return p.PushFrame(frame, direction)
	}

	if af.SampleRate == p.outputSampleRate && af.Channels <= 1 {
		return p.PushFrame(frame, direction)
	}

	pcm, err := BytesToPCM(af.Data)
	if err != nil {
		p.Logger().Warn("Dropping malformed audio frame: %v", err)
		return nil
	}
	if af.Channels > 1 {
		pcm = Downmix(pcm, af.Channels)
	}
	pcm = Resample(pcm, af.SampleRate, p.outputSampleRate)

	return p.PushFrame(frames.NewAudioFrame(PCMToBytes(pcm), p.outputSampleRate, 1), direction)
}

// BytesToPCM converts 16-bit little endian bytes to samples
func BytesToPCM(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("invalid PCM data length: %d", len(data))
	}
	pcm := make([]int16, len(data)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return pcm, nil
}

// PCMToBytes converts samples to 16-bit little endian bytes
func PCMToBytes(pcm []int16) []byte {
	data := make([]byte, len(pcm)*2)
	for i, val := range pcm {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(val))
	}
	return data
}

// Downmix averages interleaved channels into mono
func Downmix(pcm []int16, channels int) []int16 {
	if channels <= 1 {
		return pcm
	}
	out := make([]int16, len(pcm)/channels)
	for i := range out {
		var sum int
		for c := 0; c < channels; c++ {
			sum += int(pcm[i*channels+c])
		}
		out[i] = int16(sum / channels)
	}
	return out
}

// Resample performs linear interpolation resampling of mono audio
func Resample(input []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || inputRate <= 0 || outputRate <= 0 {
		return input
	}

	ratio := float64(inputRate) / float64(outputRate)
	outputLen := int(float64(len(input)) / ratio)
	output := make([]int16, outputLen)

	for i := 0; i < outputLen; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		if srcIdx+1 < len(input) {
			s1 := float64(input[srcIdx])
			s2 := float64(input[srcIdx+1])
			output[i] = int16(s1 + (s2-s1)*frac)
		} else if srcIdx < len(input) {
			output[i] = input[srcIdx]
		}
	}

	return output
}

// RMS returns the root mean square of pcm normalised to [0, 1]
func RMS(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, v := range pcm {
		f := float64(v) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(pcm)))
}
