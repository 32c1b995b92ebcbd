package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/square-key-labs/buildr-voice-agent/src/frames"
	"github.com/square-key-labs/buildr-voice-agent/src/processors"
)

// STTProcessor streams user audio to a Transcriber and pushes interim and
// final transcripts downstream. Audio frames are consumed here.
//
// A stream that drops is reconnected once; a second failure is fatal for the
// session.
type STTProcessor struct {
	*processors.BaseProcessor
	transcriber Transcriber

	mu         sync.Mutex
	stream     TranscriptionStream
	ctx        context.Context
	reconnects int
	closing    bool
}

func NewSTTProcessor(name string, transcriber Transcriber) *STTProcessor {
	p := &STTProcessor{transcriber: transcriber}
	p.BaseProcessor = processors.NewBaseProcessor(name, p)
	return p
}

func (p *STTProcessor) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch f := frame.(type) {
	case *frames.StartFrame:
		if err := p.connect(ctx); err != nil {
			p.Logger().Error("Connect failed: %v", err)
			return p.PushFrame(frames.NewErrorFrame(err, true), frames.Upstream)
		}
	case *frames.AudioFrame:
		if direction == frames.Downstream {
			p.sendAudio(f.Data)
			return nil
		}
	case *frames.UserStoppedSpeakingFrame:
		if s := p.current(); s != nil {
			if err := s.Finalize(); err != nil {
				p.Logger().Warn("Finalize failed: %v", err)
			}
		}
	case *frames.EndFrame, *frames.CancelFrame:
		p.close()
	}
	return p.PushFrame(frame, direction)
}

func (p *STTProcessor) connect(ctx context.Context) error {
	s, err := p.transcriber.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect transcriber: %w", err)
	}
	p.mu.Lock()
	p.ctx = ctx
	p.stream = s
	p.mu.Unlock()
	go p.receive(s)
	p.Logger().Info("Transcription stream connected")
	return nil
}

func (p *STTProcessor) current() TranscriptionStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream
}

func (p *STTProcessor) sendAudio(pcm []byte) {
	s := p.current()
	if s == nil {
		return
	}
	if err := s.SendAudio(pcm); err != nil {
		// the receive loop sees the broken stream and reconnects
		p.Logger().Debug("Send audio: %v", err)
	}
}

func (p *STTProcessor) receive(s TranscriptionStream) {
	lang := p.transcriber.Language()
	for t := range s.Results() {
		if t.Text == "" && !t.Finalized {
			continue
		}
		if t.Final {
			_ = p.PushFrame(frames.NewTranscriptionFrame(t.Text, lang, t.Finalized), frames.Downstream)
		} else {
			_ = p.PushFrame(frames.NewInterimTranscriptionFrame(t.Text), frames.Downstream)
		}
	}
	p.streamEnded(s)
}

func (p *STTProcessor) streamEnded(s TranscriptionStream) {
	p.mu.Lock()
	if p.closing || p.stream != s {
		p.mu.Unlock()
		return
	}
	ctx := p.ctx
	p.stream = nil
	attempt := p.reconnects < 1
	p.reconnects++
	p.mu.Unlock()

	cause := s.Err()
	_ = s.Close()
	if ctx.Err() != nil {
		return
	}
	if cause == nil {
		cause = ErrStreamClosed
	}

	if attempt {
		p.Logger().Warn("Transcription stream lost (%v), reconnecting", cause)
		err := p.connect(ctx)
		if err == nil {
			return
		}
		cause = err
	}
	p.Logger().Error("Transcription stream failed: %v", cause)
	_ = p.PushFrame(frames.NewErrorFrame(fmt.Errorf("stt: %w", cause), true), frames.Upstream)
}

func (p *STTProcessor) close() {
	p.mu.Lock()
	p.closing = true
	s := p.stream
	p.stream = nil
	p.mu.Unlock()
	if s != nil {
		_ = s.Close()
	}
}
