package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/square-key-labs/buildr-voice-agent/src/frames"
	"github.com/square-key-labs/buildr-voice-agent/src/logger"
	"github.com/square-key-labs/buildr-voice-agent/src/processors"
)

var errNotAttached = errors.New("pipeline not attached to a task")

// endpoint terminates one side of the chain. Frames leaving the chain in its
// outward direction are handed to the task; everything else passes through.
type endpoint struct {
	*processors.BaseProcessor
	outward frames.FrameDirection
	deliver func(frames.Frame)
}

func newEndpoint(name string, outward frames.FrameDirection, deliver func(frames.Frame)) *endpoint {
	e := &endpoint{outward: outward, deliver: deliver}
	e.BaseProcessor = processors.NewBaseProcessor(name, e)
	return e
}

func (e *endpoint) HandleFrame(_ context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	if direction == e.outward {
		e.deliver(frame)
		return nil
	}
	return e.PushFrame(frame, direction)
}

// Pipeline connects processors in a linear chain. For a voice session the
// chain is room input, VAD, STT, controller, LLM, TTS, room output.
type Pipeline struct {
	processors []processors.FrameProcessor
	source     *endpoint
	sink       *endpoint
	log        *logger.Logger
}

func NewPipeline(procs []processors.FrameProcessor) *Pipeline {
	return &Pipeline{processors: procs, log: logger.WithPrefix("Pipeline")}
}

// attach links source, processors and sink, reporting both ends to task.
func (p *Pipeline) attach(task *PipelineTask) {
	p.source = newEndpoint("PipelineSource", frames.Upstream, task.handleUpstreamFrame)
	p.sink = newEndpoint("PipelineSink", frames.Downstream, task.handleDownstreamFrame)

	chain := p.chain()
	for i := 0; i < len(chain)-1; i++ {
		chain[i].Link(chain[i+1])
	}

	names := make([]string, 0, len(p.processors))
	for _, proc := range p.processors {
		names = append(names, proc.Name())
	}
	p.log.Debug("Chain: %s", strings.Join(names, " -> "))
}

func (p *Pipeline) chain() []processors.FrameProcessor {
	chain := make([]processors.FrameProcessor, 0, len(p.processors)+2)
	chain = append(chain, p.source)
	chain = append(chain, p.processors...)
	return append(chain, p.sink)
}

// Start runs every processor, source first.
func (p *Pipeline) Start(ctx context.Context) error {
	if p.source == nil {
		return errNotAttached
	}
	for _, proc := range p.chain() {
		if err := proc.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", proc.Name(), err)
		}
	}
	p.log.Debug("Started %d processors", len(p.processors))
	return nil
}

// Stop halts every processor, sink first, and reports all failures.
func (p *Pipeline) Stop() error {
	if p.source == nil {
		return errNotAttached
	}
	var errs []error
	chain := p.chain()
	for i := len(chain) - 1; i >= 0; i-- {
		if err := chain[i].Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", chain[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}

// QueueFrame queues a frame at the source
func (p *Pipeline) QueueFrame(frame frames.Frame) error {
	if p.source == nil {
		return errNotAttached
	}
	return p.source.QueueFrame(frame, frames.Downstream)
}

func (p *Pipeline) Processors() []processors.FrameProcessor {
	return p.processors
}
