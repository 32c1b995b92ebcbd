package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/square-key-labs/buildr-voice-agent/src/frames"
	"github.com/square-key-labs/buildr-voice-agent/src/logger"
)

// TaskConfig is announced to every processor through the StartFrame
type TaskConfig struct {
	AllowInterruptions bool
	SampleRate         int
}

func DefaultTaskConfig() TaskConfig {
	return TaskConfig{
		AllowInterruptions: true,
		SampleRate:         16000,
	}
}

// PipelineTask runs one pipeline until an EndFrame or CancelFrame reaches the
// sink, a fatal error surfaces, or its context is cancelled.
type PipelineTask struct {
	pipeline *Pipeline
	config   TaskConfig
	log      *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	userFrameQueue chan frames.Frame

	started  bool
	finished bool
	err      error
	mu       sync.RWMutex

	onStarted  func()
	onFinished func()
	onError    func(error)
}

func NewPipelineTask(pipeline *Pipeline, config TaskConfig) *PipelineTask {
	task := &PipelineTask{
		pipeline:       pipeline,
		config:         config,
		log:            logger.WithPrefix("PipelineTask"),
		userFrameQueue: make(chan frames.Frame, 100),
	}
	pipeline.attach(task)
	return task
}

// OnStarted is called once the StartFrame has crossed the whole pipeline
func (t *PipelineTask) OnStarted(callback func()) {
	t.onStarted = callback
}

func (t *PipelineTask) OnFinished(callback func()) {
	t.onFinished = callback
}

// OnError receives every ErrorFrame that reaches either end of the pipeline
func (t *PipelineTask) OnError(callback func(error)) {
	t.onError = callback
}

// QueueFrame adds a frame at the head of the pipeline
func (t *PipelineTask) QueueFrame(frame frames.Frame) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.started {
		return fmt.Errorf("pipeline not started")
	}
	if t.finished {
		return fmt.Errorf("pipeline already finished")
	}

	select {
	case t.userFrameQueue <- frame:
		return nil
	case <-t.ctx.Done():
		return t.ctx.Err()
	}
}

// Run starts the pipeline and blocks until it finishes. The returned error is
// the first fatal ErrorFrame, if any.
func (t *PipelineTask) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return fmt.Errorf("pipeline already started")
	}
	t.started = true
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()

	if err := t.pipeline.Start(t.ctx); err != nil {
		t.cancel()
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	t.wg.Add(1)
	go t.processUserFrames()

	start := frames.NewStartFrame(t.config.AllowInterruptions, t.config.SampleRate)
	if err := t.pipeline.QueueFrame(start); err != nil {
		t.cancel()
		t.wg.Wait()
		t.pipeline.Stop()
		return fmt.Errorf("failed to queue start frame: %w", err)
	}

	t.wg.Wait()

	if err := t.pipeline.Stop(); err != nil {
		t.log.Error("Error stopping pipeline: %v", err)
	}
	t.markFinished()

	t.log.Debug("Pipeline finished")
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

// Cancel stops the pipeline immediately
func (t *PipelineTask) Cancel() {
	t.mu.RLock()
	cancel := t.cancel
	t.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
}

func (t *PipelineTask) processUserFrames() {
	defer t.wg.Done()

	for {
		select {
		case <-t.ctx.Done():
			return
		case frame := <-t.userFrameQueue:
			if err := t.pipeline.QueueFrame(frame); err != nil {
				t.log.Error("Error queuing frame: %v", err)
				t.reportError(err)
			}
		}
	}
}

func (t *PipelineTask) handleDownstreamFrame(frame frames.Frame) {
	switch f := frame.(type) {
	case *frames.StartFrame:
		t.log.Debug("StartFrame reached sink")
		if t.onStarted != nil {
			t.onStarted()
		}

	case *frames.EndFrame:
		t.log.Debug("EndFrame reached sink, finishing")
		t.markFinished()
		t.Cancel()

	case *frames.CancelFrame:
		t.log.Debug("CancelFrame reached sink (%s)", f.Reason)
		t.markFinished()
		t.Cancel()

	case *frames.ErrorFrame:
		t.handleError(f)
	}
}

func (t *PipelineTask) handleUpstreamFrame(frame frames.Frame) {
	if f, ok := frame.(*frames.ErrorFrame); ok {
		t.handleError(f)
	}
}

func (t *PipelineTask) handleError(f *frames.ErrorFrame) {
	t.log.Error("Error frame (fatal=%t): %v", f.Fatal, f.Error)
	t.reportError(f.Error)
	if f.Fatal {
		t.mu.Lock()
		if t.err == nil {
			t.err = f.Error
		}
		t.mu.Unlock()
		t.Cancel()
	}
}

func (t *PipelineTask) reportError(err error) {
	if t.onError != nil {
		t.onError(err)
	}
}

func (t *PipelineTask) markFinished() {
	t.mu.Lock()
	already := t.finished
	t.finished = true
	t.mu.Unlock()

	if !already && t.onFinished != nil {
		t.onFinished()
	}
}
