package vad

import (
	"context"
	"fmt"
	"sync"

	"github.com/square-key-labs/buildr-voice-agent/src/frames"
	"github.com/square-key-labs/buildr-voice-agent/src/processors"
)

// Processor runs VAD over inbound audio and emits speech segment
// boundaries. Every segment gets a number, starting at 1, carried by both its
// UserStartedSpeakingFrame and its UserStoppedSpeakingFrame. Audio always
// passes through: STT needs all of it.
type Processor struct {
	*processors.BaseProcessor
	analyzer VADAnalyzer

	mu       sync.Mutex
	buffer   []byte
	speaking bool
	segment  uint64
}

// NewProcessor creates a processor with its own analyzer from the shared
// model.
func NewProcessor(model *Model, sampleRate int) (*Processor, error) {
	analyzer, err := model.NewAnalyzer(sampleRate)
	if err != nil {
		return nil, fmt.Errorf("vad processor: %w", err)
	}
	p := &Processor{analyzer: analyzer}
	p.BaseProcessor = processors.NewBaseProcessor("VAD", p)
	return p, nil
}

func (p *Processor) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch f := frame.(type) {
	case *frames.AudioFrame:
		if direction == frames.Downstream {
			if err := p.analyze(f); err != nil {
				p.Logger().Error("%v", err)
			}
		}
	case *frames.EndFrame, *frames.CancelFrame:
		p.reset()
	}
	return p.PushFrame(frame, direction)
}

func (p *Processor) analyze(f *frames.AudioFrame) error {
	if f.SampleRate != p.analyzer.SampleRate() {
		return fmt.Errorf("audio at %d Hz, analyzer expects %d Hz", f.SampleRate, p.analyzer.SampleRate())
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.buffer = append(p.buffer, f.Data...)
	required := p.analyzer.NumFramesRequired() * 2

	for len(p.buffer) >= required {
		state, err := p.analyzer.AnalyzeAudio(p.buffer[:required])
		p.buffer = p.buffer[required:]
		if err != nil {
			return fmt.Errorf("vad analysis: %w", err)
		}

		switch {
		case state == VADStateSpeaking && !p.speaking:
			p.speaking = true
			p.segment++
			p.Logger().Debug("Speech start (segment %d)", p.segment)
			if err := p.PushFrame(frames.NewUserStartedSpeakingFrame(p.segment), frames.Downstream); err != nil {
				return err
			}
		case state == VADStateQuiet && p.speaking:
			p.speaking = false
			p.Logger().Debug("Speech end (segment %d)", p.segment)
			if err := p.PushFrame(frames.NewUserStoppedSpeakingFrame(p.segment), frames.Downstream); err != nil {
				return err
			}
		}
	}
	// keep the backing array from growing without bound
	if len(p.buffer) == 0 {
		p.buffer = p.buffer[:0:0]
	}
	return nil
}

func (p *Processor) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffer = nil
	p.speaking = false
	p.analyzer.Restart()
}

// Speaking reports whether a segment is open.
func (p *Processor) Speaking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speaking
}
