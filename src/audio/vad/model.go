package vad

import (
	"errors"
	"fmt"

	"github.com/square-key-labs/buildr-voice-agent/src/logger"
)

// ErrNotLoaded is returned by a nil *Model.
var ErrNotLoaded = errors.New("vad model not loaded")

// Model is the process-wide detector loaded once when the worker starts.
// It is immutable after Load and hands out one analyzer per audio stream, so
// sessions share it without locking.
type Model struct {
	params VADParams
}

// Load validates params and returns a ready Model. A failure here means the
// worker must not accept jobs.
func Load(params VADParams) (*Model, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("load vad: %w", err)
	}
	logger.WithPrefix("VAD").Info("Loaded energy detector (confidence=%.2f start=%.2fs stop=%.2fs)",
		params.Confidence, params.StartSecs, params.StopSecs)
	return &Model{params: params}, nil
}

func (m *Model) Params() VADParams {
	return m.params
}

// NewAnalyzer returns a fresh analyzer for one stream at sampleRate.
func (m *Model) NewAnalyzer(sampleRate int) (VADAnalyzer, error) {
	if m == nil {
		return nil, ErrNotLoaded
	}
	return newEnergyAnalyzer(sampleRate, m.params)
}
