package livekit

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/buildr-voice-agent/src/audio"
	"github.com/square-key-labs/buildr-voice-agent/src/frames"
	"github.com/square-key-labs/buildr-voice-agent/src/processors/processortest"
)

// fakeDecoder turns every payload into 960 samples (20ms at 48kHz).
type fakeDecoder struct{}

func (fakeDecoder) Decode(payload []byte) ([]int16, error) {
	if len(payload) == 0 {
		return nil, audio.ErrEmptyPacket
	}
	return make([]int16, 960), nil
}

type inputHarness struct {
	t       *testing.T
	in      *Input
	rec     *processortest.Recorder
	packets chan []byte
	ready   chan struct{}
}

func newInputHarness(t *testing.T) *inputHarness {
	h := &inputHarness{
		t:       t,
		in:      NewInput(),
		rec:     processortest.NewRecorder("sink"),
		packets: make(chan []byte),
		ready:   make(chan struct{}),
	}
	h.in.newDecoder = func() (audio.OpusDecoder, error) { return fakeDecoder{}, nil }
	h.in.Link(h.rec)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.in.Start(ctx))
	// each read call signals that the previous packet was fully handled
	h.in.ReadTrack(ctx, "u_1_42", func() ([]byte, error) {
		select {
		case h.ready <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		select {
		case p, ok := <-h.packets:
			if !ok {
				return nil, io.EOF
			}
			return p, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	<-h.ready
	t.Cleanup(func() {
		cancel()
		h.in.Wait()
		_ = h.in.Stop()
	})
	return h
}

func (h *inputHarness) start() {
	h.t.Helper()
	require.NoError(h.t, h.in.HandleFrame(context.Background(), frames.NewStartFrame(true, 16000), frames.Downstream))
}

func (h *inputHarness) send(p []byte) {
	h.packets <- p
	<-h.ready
}

func (h *inputHarness) packet() {
	h.send([]byte{0xfc, 0x01})
}

func (h *inputHarness) audioFrames() []*frames.AudioFrame {
	return processortest.OfType[*frames.AudioFrame](h.rec)
}

func TestInputGatesAudioUntilStarted(t *testing.T) {
	h := newInputHarness(t)

	h.packet()
	h.start()
	h.packet()
	h.packet()

	require.Eventually(t, func() bool { return len(h.audioFrames()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Len(t, h.audioFrames(), 2)
	f := h.audioFrames()[0]
	assert.Equal(t, audio.OpusSampleRate, f.SampleRate)
	assert.Equal(t, 1, f.Channels)
	assert.Len(t, f.Data, 960*2)
}

func TestInputDropsAudioWhileMicrophoneClosed(t *testing.T) {
	h := newInputHarness(t)
	h.start()
	mic := h.in.Microphone()

	mic.SetEnabled(false)
	h.packet()
	mic.SetEnabled(true)
	mic.setMuted(true)
	h.packet()
	mic.setMuted(false)
	h.packet()

	require.Eventually(t, func() bool { return len(h.audioFrames()) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, mic.Enabled())
}

func TestInputSkipsUndecodablePackets(t *testing.T) {
	h := newInputHarness(t)
	h.start()

	h.send([]byte{})
	h.packet()

	require.Eventually(t, func() bool { return len(h.audioFrames()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestInputReportsDecoderFailure(t *testing.T) {
	in := NewInput()
	in.newDecoder = func() (audio.OpusDecoder, error) { return nil, errors.New("no codec") }
	rec := processortest.NewRecorder("sink")
	in.Link(rec)

	in.ReadTrack(context.Background(), "u_1", func() ([]byte, error) { return nil, io.EOF })
	in.Wait()

	errs := processortest.OfType[*frames.ErrorFrame](rec)
	require.Len(t, errs, 1)
	assert.False(t, errs[0].Fatal)
}

func TestInputForwardsPipelineFrames(t *testing.T) {
	h := newInputHarness(t)
	h.start()
	require.NoError(t, h.in.HandleFrame(context.Background(), frames.NewEndFrame(), frames.Downstream))

	assert.Len(t, processortest.OfType[*frames.StartFrame](h.rec), 1)
	assert.Len(t, processortest.OfType[*frames.EndFrame](h.rec), 1)
}
