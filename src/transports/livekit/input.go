package livekit

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/square-key-labs/buildr-voice-agent/src/audio"
	"github.com/square-key-labs/buildr-voice-agent/src/frames"
	"github.com/square-key-labs/buildr-voice-agent/src/processors"
)

// PacketReader returns the next encoded payload of a remote track.
type PacketReader func() ([]byte, error)

// Microphone is the switch between the remote participant's audio and the
// pipeline. It is off while the participant has muted their track or while
// the session has disabled listening.
type Microphone struct {
	mu      sync.Mutex
	enabled bool
	muted   bool
}

func newMicrophone() *Microphone {
	return &Microphone{enabled: true}
}

// SetEnabled turns listening on or off from the agent side.
func (m *Microphone) SetEnabled(enabled bool) {
	m.mu.Lock()
	m.enabled = enabled
	m.mu.Unlock()
}

// Enabled reports whether the agent side is listening.
func (m *Microphone) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

func (m *Microphone) setMuted(muted bool) {
	m.mu.Lock()
	m.muted = muted
	m.mu.Unlock()
}

func (m *Microphone) open() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled && !m.muted
}

// Input is the pipeline's source. It forwards pipeline frames and injects the
// linked participant's audio as AudioFrames at OpusSampleRate, mono.
type Input struct {
	*processors.BaseProcessor
	mic        *Microphone
	newDecoder func() (audio.OpusDecoder, error)

	started atomic.Bool
	wg      sync.WaitGroup
}

// NewInput returns an input decoding with audio.NewOpusDecoder.
func NewInput() *Input {
	in := &Input{mic: newMicrophone(), newDecoder: audio.NewOpusDecoder}
	in.BaseProcessor = processors.NewBaseProcessor("RoomInput", in)
	return in
}

// Microphone returns the input's gate.
func (in *Input) Microphone() *Microphone {
	return in.mic
}

func (in *Input) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch frame.(type) {
	case *frames.StartFrame:
		in.started.Store(true)
	case *frames.EndFrame, *frames.CancelFrame:
		in.started.Store(false)
	}
	return in.PushFrame(frame, direction)
}

// ReadTrack pumps one remote track on a new goroutine until read fails or
// ctx ends.
func (in *Input) ReadTrack(ctx context.Context, identity string, read PacketReader) {
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		in.readTrack(ctx, identity, read)
	}()
}

func (in *Input) readTrack(ctx context.Context, identity string, read PacketReader) {
	dec, err := in.newDecoder()
	if err != nil {
		in.Logger().Error("Track from %s: %v", identity, err)
		_ = in.PushFrame(frames.NewErrorFrame(err, false), frames.Downstream)
		return
	}
	in.Logger().Info("Reading audio from %s", identity)

	for {
		if ctx.Err() != nil {
			return
		}
		payload, err := read()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				in.Logger().Warn("Track from %s ended: %v", identity, err)
			}
			return
		}
		if !in.started.Load() || !in.mic.open() {
			continue
		}
		pcm, err := dec.Decode(payload)
		if err != nil {
			in.Logger().Debug("Skipping undecodable packet: %v", err)
			continue
		}
		if len(pcm) == 0 {
			continue
		}
		if err := in.QueueFrame(frames.NewAudioFrame(audio.PCMToBytes(pcm), audio.OpusSampleRate, 1), frames.Downstream); err != nil {
			return
		}
	}
}

// Wait blocks until every track reader has returned.
func (in *Input) Wait() {
	in.wg.Wait()
}
