package processors

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/square-key-labs/buildr-voice-agent/src/frames"
	"github.com/square-key-labs/buildr-voice-agent/src/logger"
)

// ErrNotStarted is returned when a frame is queued on a processor that is not
// running.
var ErrNotStarted = errors.New("processor not started")

// FrameProcessor is the interface that all processors must implement
type FrameProcessor interface {
	// ProcessFrame processes a single frame
	ProcessFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error

	// QueueFrame adds a frame to this processor's queue
	QueueFrame(frame frames.Frame, direction frames.FrameDirection) error

	// PushFrame sends a frame to the next/previous processor
	PushFrame(frame frames.Frame, direction frames.FrameDirection) error

	// Link connects this processor to the next one in the chain
	Link(next FrameProcessor)

	// SetPrev sets the previous processor in the chain
	SetPrev(prev FrameProcessor)

	Start(ctx context.Context) error
	Stop() error
	Name() string
}

// ProcessHandler is implemented by concrete processors.
//
// System frames and data/control frames are handled on two separate
// goroutines, so a handler that keeps state touched by both must guard it.
// Within one category frames are handled strictly in queue order.
type ProcessHandler interface {
	HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error
}

// BaseProcessor provides queueing, linking and lifecycle for processors
type BaseProcessor struct {
	name string
	next FrameProcessor
	prev FrameProcessor

	systemChan chan frameWithDirection
	dataChan   chan frameWithDirection

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex

	handler ProcessHandler
	log     *logger.Logger
}

type frameWithDirection struct {
	frame     frames.Frame
	direction frames.FrameDirection
}

// NewBaseProcessor creates a new BaseProcessor
func NewBaseProcessor(name string, handler ProcessHandler) *BaseProcessor {
	return &BaseProcessor{
		name:       name,
		systemChan: make(chan frameWithDirection, 100),
		dataChan:   make(chan frameWithDirection, 1000),
		handler:    handler,
		log:        logger.WithPrefix(name),
	}
}

func (p *BaseProcessor) Name() string {
	return p.name
}

// Logger returns the processor's prefixed logger
func (p *BaseProcessor) Logger() *logger.Logger {
	return p.log
}

func (p *BaseProcessor) Link(next FrameProcessor) {
	p.mu.Lock()
	p.next = next
	p.mu.Unlock()
	if next != nil {
		next.SetPrev(p)
	}
}

func (p *BaseProcessor) SetPrev(prev FrameProcessor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prev = prev
}

func (p *BaseProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx != nil {
		return fmt.Errorf("processor %s already started", p.name)
	}

	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(2)
	go p.loop(p.systemChan, "system")
	go p.loop(p.dataChan, "data")

	p.log.Debug("Started")
	return nil
}

func (p *BaseProcessor) Stop() error {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	p.wg.Wait()

	p.log.Debug("Stopped")
	return nil
}

// Done is closed when the processor stops. Nil before Start.
func (p *BaseProcessor) Done() <-chan struct{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.ctx == nil {
		return nil
	}
	return p.ctx.Done()
}

func (p *BaseProcessor) QueueFrame(frame frames.Frame, direction frames.FrameDirection) error {
	p.mu.RLock()
	ctx := p.ctx
	p.mu.RUnlock()
	if ctx == nil {
		return fmt.Errorf("%s: %w", p.name, ErrNotStarted)
	}

	fwd := frameWithDirection{frame: frame, direction: direction}
	target := p.dataChan
	if c, ok := frame.(frames.Categorizable); ok && c.Category() == frames.SystemCategory {
		target = p.systemChan
	}

	select {
	case target <- fwd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *BaseProcessor) PushFrame(frame frames.Frame, direction frames.FrameDirection) error {
	p.mu.RLock()
	var target FrameProcessor
	if direction == frames.Downstream {
		target = p.next
	} else {
		target = p.prev
	}
	p.mu.RUnlock()

	if target == nil {
		// End of chain
		return nil
	}

	return target.QueueFrame(frame, direction)
}

func (p *BaseProcessor) ProcessFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	if p.handler != nil {
		return p.handler.HandleFrame(ctx, frame, direction)
	}
	// Default: pass through
	return p.PushFrame(frame, direction)
}

func (p *BaseProcessor) loop(ch chan frameWithDirection, kind string) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case fwd := <-ch:
			if err := p.ProcessFrame(p.ctx, fwd.frame, fwd.direction); err != nil {
				p.log.Error("Error processing %s frame %s: %v", kind, fwd.frame.Name(), err)
			}
		}
	}
}
