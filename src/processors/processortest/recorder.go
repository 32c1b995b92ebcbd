// Package processortest provides a frame recorder for processor tests.
package processortest

import (
	"context"
	"sync"

	"github.com/square-key-labs/buildr-voice-agent/src/frames"
	"github.com/square-key-labs/buildr-voice-agent/src/processors"
)

// Recorder is a FrameProcessor that records every frame queued on it. It
// never needs to be started; link it before or after the processor under
// test.
type Recorder struct {
	name string

	mu     sync.Mutex
	frames []Entry
	next   processors.FrameProcessor
	prev   processors.FrameProcessor
}

type Entry struct {
	Frame     frames.Frame
	Direction frames.FrameDirection
}

func NewRecorder(name string) *Recorder {
	return &Recorder{name: name}
}

func (r *Recorder) Name() string { return r.name }

func (r *Recorder) ProcessFrame(_ context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	return r.QueueFrame(frame, direction)
}

func (r *Recorder) QueueFrame(frame frames.Frame, direction frames.FrameDirection) error {
	r.mu.Lock()
	r.frames = append(r.frames, Entry{Frame: frame, Direction: direction})
	r.mu.Unlock()
	return nil
}

func (r *Recorder) PushFrame(frames.Frame, frames.FrameDirection) error { return nil }

func (r *Recorder) Link(next processors.FrameProcessor) {
	r.mu.Lock()
	r.next = next
	r.mu.Unlock()
	if next != nil {
		next.SetPrev(r)
	}
}

func (r *Recorder) SetPrev(prev processors.FrameProcessor) {
	r.mu.Lock()
	r.prev = prev
	r.mu.Unlock()
}

func (r *Recorder) Start(context.Context) error { return nil }
func (r *Recorder) Stop() error                 { return nil }

// Entries returns a copy of everything recorded so far.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.frames))
	copy(out, r.frames)
	return out
}

// Frames returns the recorded frames in arrival order.
func (r *Recorder) Frames() []frames.Frame {
	entries := r.Entries()
	out := make([]frames.Frame, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Frame)
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.frames = nil
	r.mu.Unlock()
}

// OfType returns the recorded frames assignable to T.
func OfType[T frames.Frame](r *Recorder) []T {
	var out []T
	for _, e := range r.Entries() {
		if f, ok := e.Frame.(T); ok {
			out = append(out, f)
		}
	}
	return out
}
