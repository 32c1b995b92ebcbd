package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/square-key-labs/buildr-voice-agent/src/frames"
	"github.com/square-key-labs/buildr-voice-agent/src/processors"
)

// TTSConfig configures a TTSProcessor
type TTSConfig struct {
	// AggregateSentences sends whole sentences to the backend instead of raw
	// deltas.
	AggregateSentences bool
	// Retries before any audio was produced. Defaults to 1.
	Retries *int
}

// TTSProcessor speaks the LLM deltas of one turn through a SpeechContext.
//
// A context is opened on LLMFullResponseStart and flushed on
// LLMFullResponseEnd. Audio is pushed downstream as TTSAudioFrames between
// TTSStarted and TTSStopped. An InterruptionFrame closes the context of the
// interrupted turn; nothing of that turn is pushed afterwards.
type TTSProcessor struct {
	*processors.BaseProcessor
	synth     SpeechSynthesizer
	aggregate bool
	retries   int

	mu          sync.Mutex
	active      *synthesis
	interrupted uint64
}

type synthesis struct {
	turn   uint64
	ctx    context.Context
	cancel context.CancelFunc
	agg    SentenceAggregator

	mu       sync.Mutex
	sc       SpeechContext
	sent     []string
	flushed  bool
	gotAudio bool
	attempts int
	sendErr  error
}

func NewTTSProcessor(name string, synth SpeechSynthesizer, config TTSConfig) *TTSProcessor {
	retries := 1
	if config.Retries != nil {
		retries = *config.Retries
	}
	p := &TTSProcessor{
		synth:     synth,
		aggregate: config.AggregateSentences,
		retries:   retries,
	}
	p.BaseProcessor = processors.NewBaseProcessor(name, p)
	return p
}

func (p *TTSProcessor) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	if direction == frames.Upstream {
		return p.PushFrame(frame, direction)
	}

	switch f := frame.(type) {
	case *frames.LLMFullResponseStartFrame:
		p.begin(ctx, f.Turn())
		return nil
	case *frames.LLMTextFrame:
		p.text(f.Turn(), f.Text)
		return nil
	case *frames.LLMFullResponseEndFrame:
		p.flush(f.Turn())
		return nil
	case *frames.InterruptionFrame:
		p.interrupt(f.Turn())
	case *frames.EndFrame, *frames.CancelFrame:
		p.stopActive()
	}
	return p.PushFrame(frame, direction)
}

func (p *TTSProcessor) begin(ctx context.Context, turn uint64) {
	p.mu.Lock()
	if turn <= p.interrupted {
		p.mu.Unlock()
		return
	}
	prev := p.active
	p.active = nil
	p.mu.Unlock()
	if prev != nil {
		prev.stop()
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &synthesis{turn: turn, ctx: sctx, cancel: cancel}
	sc, err := p.open(sctx, turn)
	if err != nil {
		cancel()
		p.Logger().Error("Turn %d: %v", turn, err)
		_ = p.PushFrame(frames.NewTurnErrorFrame(turn, frames.StageTTS, err), frames.Upstream)
		return
	}
	s.sc = sc
	s.attempts = 1

	p.mu.Lock()
	if turn <= p.interrupted {
		p.mu.Unlock()
		s.stop()
		return
	}
	p.active = s
	p.mu.Unlock()

	_ = p.PushFrame(frames.NewTTSStartedFrame(turn), frames.Downstream)
	go p.pump(s)
}

func (p *TTSProcessor) open(ctx context.Context, turn uint64) (SpeechContext, error) {
	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		sc, err := p.synth.NewContext(ctx)
		if err == nil {
			return sc, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		p.Logger().Warn("Opening speech context for turn %d failed: %v", turn, err)
	}
	return nil, fmt.Errorf("open speech context: %w", lastErr)
}

func (p *TTSProcessor) activeFor(turn uint64) *synthesis {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == nil || p.active.turn != turn {
		return nil
	}
	return p.active
}

func (p *TTSProcessor) text(turn uint64, text string) {
	s := p.activeFor(turn)
	if s == nil {
		return
	}
	if !p.aggregate {
		s.send(text)
		return
	}
	for _, sentence := range s.agg.Add(text) {
		s.send(sentence + " ")
	}
}

func (p *TTSProcessor) flush(turn uint64) {
	s := p.activeFor(turn)
	if s == nil {
		return
	}
	if rest := s.agg.Flush(); rest != "" {
		s.send(rest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushed = true
	if s.sendErr == nil {
		if err := s.sc.Flush(); err != nil {
			s.fail(err)
		}
	}
}

func (p *TTSProcessor) interrupt(turn uint64) {
	p.mu.Lock()
	if turn > p.interrupted {
		p.interrupted = turn
	}
	s := p.active
	if s != nil && s.turn <= turn {
		p.active = nil
	} else {
		s = nil
	}
	p.mu.Unlock()

	if s != nil {
		p.Logger().Debug("Closing speech context of turn %d", s.turn)
		s.stop()
	}
}

func (p *TTSProcessor) stopActive() {
	p.mu.Lock()
	s := p.active
	p.active = nil
	p.mu.Unlock()
	if s != nil {
		s.stop()
	}
}

func (p *TTSProcessor) release(s *synthesis) {
	p.mu.Lock()
	if p.active == s {
		p.active = nil
	}
	p.mu.Unlock()
	s.stop()
}

// pump forwards audio until the context is done. A context that fails
// before producing audio is reopened and the text sent so far replayed.
func (p *TTSProcessor) pump(s *synthesis) {
	rate := p.synth.SampleRate()
	for {
		s.mu.Lock()
		sc := s.sc
		s.mu.Unlock()

		for chunk := range sc.Audio() {
			if s.ctx.Err() != nil {
				return
			}
			if len(chunk) == 0 {
				continue
			}
			s.mu.Lock()
			s.gotAudio = true
			s.mu.Unlock()
			_ = p.PushFrame(frames.NewTTSAudioFrame(s.turn, chunk, rate, 1), frames.Downstream)
		}
		if s.ctx.Err() != nil {
			return
		}

		err := s.failure(sc)
		if err == nil {
			_ = p.PushFrame(frames.NewTTSStoppedFrame(s.turn), frames.Downstream)
			p.release(s)
			return
		}

		if retryErr := p.retry(s, err); retryErr != nil {
			if s.ctx.Err() != nil {
				return
			}
			p.Logger().Error("Turn %d aborted: %v", s.turn, retryErr)
			_ = p.PushFrame(frames.NewTurnErrorFrame(s.turn, frames.StageTTS, retryErr), frames.Upstream)
			p.release(s)
			return
		}
	}
}

func (p *TTSProcessor) retry(s *synthesis, cause error) error {
	s.mu.Lock()
	eligible := !s.gotAudio && s.attempts <= p.retries
	s.mu.Unlock()
	if !eligible {
		return cause
	}

	p.Logger().Warn("Retrying speech for turn %d after: %v", s.turn, cause)
	sc, err := p.synth.NewContext(s.ctx)
	if err != nil {
		return fmt.Errorf("reopen speech context: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.sc.Close()
	s.sc = sc
	s.attempts++
	s.sendErr = nil
	for _, text := range s.sent {
		if err := sc.SendText(text); err != nil {
			return err
		}
	}
	if s.flushed {
		return sc.Flush()
	}
	return nil
}

func (s *synthesis) send(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	if s.sendErr != nil {
		return
	}
	if err := s.sc.SendText(text); err != nil {
		s.fail(err)
	}
}

// fail records a write error and closes the context so the pump notices.
// Callers hold s.mu.
func (s *synthesis) fail(err error) {
	s.sendErr = err
	_ = s.sc.Close()
}

func (s *synthesis) failure(sc SpeechContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sc == sc && s.sendErr != nil {
		return s.sendErr
	}
	return sc.Err()
}

func (s *synthesis) stop() {
	s.cancel()
	s.mu.Lock()
	sc := s.sc
	s.mu.Unlock()
	if sc != nil {
		_ = sc.Close()
	}
}
