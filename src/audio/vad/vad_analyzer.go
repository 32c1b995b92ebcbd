package vad

import (
	"fmt"
	"sync"

	"github.com/square-key-labs/buildr-voice-agent/src/audio"
	"github.com/square-key-labs/buildr-voice-agent/src/logger"
)

// VADState represents the current state of voice activity detection
type VADState int

const (
	VADStateQuiet VADState = iota + 1
	VADStateStarting
	VADStateSpeaking
	VADStateStopping
)

func (s VADState) String() string {
	switch s {
	case VADStateQuiet:
		return "quiet"
	case VADStateStarting:
		return "starting"
	case VADStateSpeaking:
		return "speaking"
	case VADStateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// VADParams holds configuration parameters for voice activity detection
type VADParams struct {
	// Confidence threshold for voice detection (0.0 to 1.0)
	Confidence float32

	// StartSecs is how long voice must persist before QUIET becomes SPEAKING
	StartSecs float32

	// StopSecs is how long silence must persist before SPEAKING becomes QUIET
	StopSecs float32

	// MinVolume is the smoothed RMS level below which audio counts as silence
	MinVolume float32

	// SpeechRMS is the RMS level that maps to full voice confidence
	SpeechRMS float32
}

// DefaultVADParams returns parameters tuned for 16kHz speech from a browser
// microphone.
func DefaultVADParams() VADParams {
	return VADParams{
		Confidence: 0.7,
		StartSecs:  0.2,
		StopSecs:   0.55,
		MinVolume:  0.005,
		SpeechRMS:  0.015,
	}
}

// Validate reports params that would make the detector useless.
func (p VADParams) Validate() error {
	switch {
	case p.Confidence <= 0 || p.Confidence > 1:
		return fmt.Errorf("confidence %.2f out of range (0,1]", p.Confidence)
	case p.StartSecs < 0:
		return fmt.Errorf("start_secs %.2f is negative", p.StartSecs)
	case p.StopSecs <= 0:
		return fmt.Errorf("stop_secs %.2f must be positive", p.StopSecs)
	case p.MinVolume < 0 || p.MinVolume >= 1:
		return fmt.Errorf("min_volume %.3f out of range [0,1)", p.MinVolume)
	case p.SpeechRMS <= 0 || p.SpeechRMS >= 1:
		return fmt.Errorf("speech_rms %.3f out of range (0,1)", p.SpeechRMS)
	}
	return nil
}

// VADAnalyzer analyses fixed size chunks of 16-bit PCM. One analyzer serves
// one audio stream.
type VADAnalyzer interface {
	SampleRate() int

	// NumFramesRequired is the chunk size in samples
	NumFramesRequired() int

	// VoiceConfidence returns 0.0 (no voice) to 1.0 (definitely voice)
	VoiceConfidence(buffer []byte) float32

	// AnalyzeAudio advances the state machine by one chunk
	AnalyzeAudio(buffer []byte) (VADState, error)

	Restart()
}

// BaseVADAnalyzer implements the QUIET/STARTING/SPEAKING/STOPPING state
// machine shared by all analyzers.
type BaseVADAnalyzer struct {
	params     VADParams
	sampleRate int
	log        *logger.Logger

	state          VADState
	startFrames    int
	stopFrames     int
	startThreshold int
	stopThreshold  int
	prevChunk      int

	smoothedVolume float32

	mu sync.Mutex
}

func NewBaseVADAnalyzer(sampleRate int, params VADParams) *BaseVADAnalyzer {
	return &BaseVADAnalyzer{
		params:     params,
		sampleRate: sampleRate,
		state:      VADStateQuiet,
		log:        logger.WithPrefix("VADAnalyzer"),
	}
}

func (v *BaseVADAnalyzer) SampleRate() int {
	return v.sampleRate
}

func (v *BaseVADAnalyzer) Params() VADParams {
	return v.params
}

func (v *BaseVADAnalyzer) State() VADState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *BaseVADAnalyzer) Restart() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.state = VADStateQuiet
	v.startFrames = 0
	v.stopFrames = 0
	v.smoothedVolume = 0
}

// ProcessAudio runs the state machine for one chunk whose voice confidence
// the concrete analyzer has already computed.
func (v *BaseVADAnalyzer) ProcessAudio(buffer []byte, voiceConfidence float32) VADState {
	v.mu.Lock()
	defer v.mu.Unlock()

	const smoothingFactor = 0.2
	volume := chunkVolume(buffer)
	v.smoothedVolume = smoothingFactor*volume + (1.0-smoothingFactor)*v.smoothedVolume

	samples := len(buffer) / 2
	if samples != v.prevChunk && samples > 0 {
		v.prevChunk = samples
		frameTime := float32(samples) / float32(v.sampleRate)
		v.startThreshold = max(1, int(v.params.StartSecs/frameTime))
		v.stopThreshold = max(1, int(v.params.StopSecs/frameTime))
		v.log.Debug("Thresholds: start=%d chunks (%.2fs), stop=%d chunks (%.2fs)",
			v.startThreshold, v.params.StartSecs, v.stopThreshold, v.params.StopSecs)
	}

	if v.smoothedVolume < v.params.MinVolume {
		voiceConfidence = 0
	}
	voiced := voiceConfidence >= v.params.Confidence

	old := v.state
	switch v.state {
	case VADStateQuiet, VADStateStarting:
		if !voiced {
			v.state = VADStateQuiet
			v.startFrames = 0
			break
		}
		v.startFrames++
		if v.startFrames >= v.startThreshold {
			v.state = VADStateSpeaking
			v.startFrames = 0
		} else {
			v.state = VADStateStarting
		}

	case VADStateSpeaking, VADStateStopping:
		if voiced {
			v.state = VADStateSpeaking
			v.stopFrames = 0
			break
		}
		v.stopFrames++
		if v.stopFrames >= v.stopThreshold {
			v.state = VADStateQuiet
			v.stopFrames = 0
		} else {
			v.state = VADStateStopping
		}
	}

	if old != v.state {
		v.log.Debug("%s → %s (confidence=%.3f, volume=%.4f)", old, v.state, voiceConfidence, v.smoothedVolume)
	}
	return v.state
}

func chunkVolume(buffer []byte) float32 {
	pcm, err := audio.BytesToPCM(buffer[:len(buffer)&^1])
	if err != nil {
		return 0
	}
	return float32(audio.RMS(pcm))
}
