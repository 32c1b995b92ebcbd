package vad

import (
	"fmt"

	"github.com/square-key-labs/buildr-voice-agent/src/audio"
)

// EnergyAnalyzer derives voice confidence from chunk RMS energy.
type EnergyAnalyzer struct {
	*BaseVADAnalyzer
	chunk int
}

func newEnergyAnalyzer(sampleRate int, params VADParams) (*EnergyAnalyzer, error) {
	if sampleRate < 8000 {
		return nil, fmt.Errorf("unsupported VAD sample rate %d", sampleRate)
	}
	return &EnergyAnalyzer{
		BaseVADAnalyzer: NewBaseVADAnalyzer(sampleRate, params),
		chunk:           sampleRate / 50, // 20ms
	}, nil
}

func (a *EnergyAnalyzer) NumFramesRequired() int {
	return a.chunk
}

func (a *EnergyAnalyzer) VoiceConfidence(buffer []byte) float32 {
	pcm, err := audio.BytesToPCM(buffer[:len(buffer)&^1])
	if err != nil {
		return 0
	}
	c := float32(audio.RMS(pcm)) / a.params.SpeechRMS
	if c > 1 {
		c = 1
	}
	return c
}

func (a *EnergyAnalyzer) AnalyzeAudio(buffer []byte) (VADState, error) {
	if len(buffer) < 2 {
		return a.State(), fmt.Errorf("audio chunk too short: %d bytes", len(buffer))
	}
	return a.ProcessAudio(buffer, a.VoiceConfidence(buffer)), nil
}
