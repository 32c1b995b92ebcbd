package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/square-key-labs/buildr-voice-agent/src/frames"
	"github.com/square-key-labs/buildr-voice-agent/src/processors"
)

// LLMConfig configures an LLMProcessor
type LLMConfig struct {
	SystemPrompt string
	// Retries before any output was produced. Defaults to 1.
	Retries *int
}

// LLMProcessor turns LLMContextFrames into streamed LLMTextFrames.
//
// Downstream it emits LLMFullResponseStart, the deltas and LLMFullResponseEnd,
// all tagged with the request's turn. Upstream it reports
// AgentResponseStarted on the first delta, AssistantResponse with the text
// produced once the turn ends or is interrupted, and TurnError when the turn
// had to be aborted.
type LLMProcessor struct {
	*processors.BaseProcessor
	streamer     ChatStreamer
	systemPrompt string
	retries      int

	mu          sync.Mutex
	current     uint64
	cancel      context.CancelFunc
	interrupted uint64 // highest interrupted turn
}

func NewLLMProcessor(name string, streamer ChatStreamer, config LLMConfig) *LLMProcessor {
	retries := 1
	if config.Retries != nil {
		retries = *config.Retries
	}
	p := &LLMProcessor{
		streamer:     streamer,
		systemPrompt: config.SystemPrompt,
		retries:      retries,
	}
	p.BaseProcessor = processors.NewBaseProcessor(name, p)
	return p
}

func (p *LLMProcessor) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch f := frame.(type) {
	case *frames.LLMContextFrame:
		if direction == frames.Downstream {
			p.generate(ctx, f)
			return nil
		}
	case *frames.InterruptionFrame:
		p.interrupt(f.Turn())
	case *frames.EndFrame, *frames.CancelFrame:
		p.interrupt(p.currentTurn())
	}
	return p.PushFrame(frame, direction)
}

func (p *LLMProcessor) currentTurn() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *LLMProcessor) interrupt(turn uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if turn > p.interrupted {
		p.interrupted = turn
	}
	if p.cancel != nil && p.current <= turn {
		p.cancel()
	}
}

func (p *LLMProcessor) generate(ctx context.Context, f *frames.LLMContextFrame) {
	turn := f.Turn()

	p.mu.Lock()
	if turn <= p.interrupted {
		p.mu.Unlock()
		p.Logger().Debug("Skipping turn %d, already interrupted", turn)
		return
	}
	genCtx, cancel := context.WithCancel(ctx)
	p.current = turn
	p.cancel = cancel
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.cancel = nil
		p.mu.Unlock()
		cancel()
	}()

	req := ChatRequest{SystemPrompt: p.systemPrompt, Turns: f.Turns, Instruction: f.Instruction}
	p.Logger().Debug("Generating turn %d with %s (%d turns)", turn, p.streamer.Model(), len(f.Turns))

	_ = p.PushFrame(frames.NewLLMFullResponseStartFrame(turn), frames.Downstream)
	text, err := p.stream(genCtx, turn, req)

	if genCtx.Err() != nil && ctx.Err() == nil {
		p.Logger().Debug("Turn %d interrupted after %d chars", turn, len(text))
		_ = p.PushFrame(frames.NewAssistantResponseFrame(turn, text, true), frames.Upstream)
		return
	}
	if err != nil {
		p.Logger().Error("Turn %d aborted: %v", turn, err)
		_ = p.PushFrame(frames.NewTurnErrorFrame(turn, frames.StageLLM, err), frames.Upstream)
		return
	}

	_ = p.PushFrame(frames.NewLLMFullResponseEndFrame(turn), frames.Downstream)
	_ = p.PushFrame(frames.NewAssistantResponseFrame(turn, text, false), frames.Upstream)
}

// stream runs the completion, retrying while nothing has been emitted yet.
func (p *LLMProcessor) stream(ctx context.Context, turn uint64, req ChatRequest) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			p.Logger().Warn("Retrying turn %d after: %v", turn, lastErr)
		}
		text, err := p.streamOnce(ctx, turn, req)
		if err == nil || ctx.Err() != nil || text != "" {
			return text, err
		}
		lastErr = err
	}
	return "", lastErr
}

func (p *LLMProcessor) streamOnce(ctx context.Context, turn uint64, req ChatRequest) (string, error) {
	s, err := p.streamer.StreamChat(ctx, req)
	if err != nil {
		return "", fmt.Errorf("open stream: %w", err)
	}
	defer s.Close()

	var sb strings.Builder
	for {
		delta, err := s.Recv()
		if errors.Is(err, io.EOF) {
			if sb.Len() == 0 {
				return "", ErrEmptyResponse
			}
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
		if ctx.Err() != nil {
			return sb.String(), ctx.Err()
		}
		if delta == "" {
			continue
		}
		if sb.Len() == 0 {
			_ = p.PushFrame(frames.NewAgentResponseStartedFrame(turn), frames.Upstream)
		}
		sb.WriteString(delta)
		_ = p.PushFrame(frames.NewLLMTextFrame(turn, delta), frames.Downstream)
	}
}
