package audio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/square-key-labs/buildr-voice-agent/src/frames"
	"github.com/square-key-labs/buildr-voice-agent/src/processors"
)

// RecorderProcessor writes the user's audio of one session to a WAV file
// while passing every frame through. Frames must all share one sample rate.
type RecorderProcessor struct {
	*processors.BaseProcessor

	mu         sync.Mutex
	file       *os.File
	enc        *wav.Encoder
	sampleRate int
	path       string
}

// NewRecorderProcessor creates dir if needed. The file itself is created on
// the first audio frame.
func NewRecorderProcessor(dir, session string, sampleRate int) (*RecorderProcessor, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	name := fmt.Sprintf("%s-%s.wav", session, time.Now().UTC().Format("20060102T150405Z"))
	r := &RecorderProcessor{
		sampleRate: sampleRate,
		path:       filepath.Join(dir, filepath.Base(name)),
	}
	r.BaseProcessor = processors.NewBaseProcessor("Recorder", r)
	return r, nil
}

func (r *RecorderProcessor) Path() string {
	return r.path
}

func (r *RecorderProcessor) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch f := frame.(type) {
	case *frames.AudioFrame:
		if direction == frames.Downstream {
			if err := r.write(f); err != nil {
				r.Logger().Warn("Recording disabled: %v", err)
				r.close()
			}
		}
	case *frames.EndFrame, *frames.CancelFrame:
		r.close()
	}
	return r.PushFrame(frame, direction)
}

func (r *RecorderProcessor) write(f *frames.AudioFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.enc == nil {
		if r.file != nil {
			// closed after an earlier failure
			return nil
		}
		file, err := os.Create(r.path)
		if err != nil {
			return err
		}
		r.file = file
		r.enc = wav.NewEncoder(file, r.sampleRate, 16, 1, 1)
	}

	pcm, err := BytesToPCM(f.Data)
	if err != nil {
		return err
	}
	data := make([]int, len(pcm))
	for i, s := range pcm {
		data[i] = int(s)
	}
	return r.enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: r.sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	})
}

func (r *RecorderProcessor) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enc != nil {
		if err := r.enc.Close(); err != nil {
			r.Logger().Warn("Closing WAV encoder: %v", err)
		}
		r.enc = nil
	}
	if r.file != nil {
		r.file.Close()
	}
}

// Stop finalises the WAV header before stopping the processor.
func (r *RecorderProcessor) Stop() error {
	r.close()
	return r.BaseProcessor.Stop()
}
