package livekit

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/livekit/media-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/buildr-voice-agent/src/audio"
	"github.com/square-key-labs/buildr-voice-agent/src/frames"
	"github.com/square-key-labs/buildr-voice-agent/src/processors/processortest"
	"github.com/square-key-labs/buildr-voice-agent/src/serializers"
)

const outRate = 24000

type fakeSink struct {
	mu      sync.Mutex
	samples int
	writes  int
	clears  int
}

func (s *fakeSink) WriteSample(sample media.PCM16Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples += len(sample)
	s.writes++
	return nil
}

func (s *fakeSink) ClearQueue() {
	s.mu.Lock()
	s.clears++
	s.mu.Unlock()
}

func (s *fakeSink) Close() error { return nil }

func (s *fakeSink) stats() (writes, samples, clears int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes, s.samples, s.clears
}

type published struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	mu     sync.Mutex
	data   []published
	states []string
}

func (p *fakePublisher) PublishData(topic string, payload []byte) error {
	p.mu.Lock()
	p.data = append(p.data, published{topic, payload})
	p.mu.Unlock()
	return nil
}

func (p *fakePublisher) SetAgentState(state string) error {
	p.mu.Lock()
	p.states = append(p.states, state)
	p.mu.Unlock()
	return nil
}

func (p *fakePublisher) snapshot() ([]published, []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.data...), append([]string(nil), p.states...)
}

type outputHarness struct {
	t    *testing.T
	out  *Output
	sink *fakeSink
	pub  *fakePublisher
	up   *processortest.Recorder
	down *processortest.Recorder
}

func newOutputHarness(t *testing.T) *outputHarness {
	h := &outputHarness{
		t:    t,
		sink: &fakeSink{},
		pub:  &fakePublisher{},
		up:   processortest.NewRecorder("upstream"),
		down: processortest.NewRecorder("downstream"),
	}
	h.out = NewOutput(outRate, h.pub, serializers.NewJSONSerializer(nil))
	h.out.Attach(h.sink)
	h.up.Link(h.out)
	h.out.Link(h.down)
	t.Cleanup(h.out.Close)
	return h
}

func (h *outputHarness) send(f frames.Frame) {
	h.t.Helper()
	require.NoError(h.t, h.out.HandleFrame(context.Background(), f, frames.Downstream))
}

// chunk is ms of tone at rate.
func chunk(ms, rate int) []byte {
	pcm := make([]int16, rate*ms/1000)
	for i := range pcm {
		pcm[i] = 1000
	}
	return audio.PCMToBytes(pcm)
}

func (h *outputHarness) stopped() []*frames.BotStoppedSpeakingFrame {
	return processortest.OfType[*frames.BotStoppedSpeakingFrame](h.up)
}

func TestOutputReportsPlaybackBoundaries(t *testing.T) {
	h := newOutputHarness(t)

	h.send(frames.NewTTSStartedFrame(1))
	h.send(frames.NewTTSAudioFrame(1, chunk(20, outRate), outRate, 1))
	h.send(frames.NewTTSAudioFrame(1, chunk(20, outRate), outRate, 1))
	h.send(frames.NewTTSStoppedFrame(1))

	started := processortest.OfType[*frames.BotStartedSpeakingFrame](h.up)
	require.Len(t, started, 1)
	assert.Equal(t, uint64(1), started[0].Turn())
	assert.Empty(t, h.stopped(), "stop is reported after playout, not on synthesis end")

	require.Eventually(t, func() bool { return len(h.stopped()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), h.stopped()[0].Turn())

	writes, samples, _ := h.sink.stats()
	assert.Equal(t, 2, writes)
	assert.Equal(t, outRate*40/1000, samples)
	assert.Empty(t, processortest.OfType[*frames.TTSAudioFrame](h.down))
}

func TestOutputInterruptionClearsQueuedAudio(t *testing.T) {
	h := newOutputHarness(t)

	h.send(frames.NewTTSAudioFrame(1, chunk(200, outRate), outRate, 1))
	h.send(frames.NewInterruptionFrame(1))
	h.send(frames.NewTTSAudioFrame(1, chunk(20, outRate), outRate, 1))
	h.send(frames.NewTTSStoppedFrame(1))

	writes, _, clears := h.sink.stats()
	assert.Equal(t, 1, writes, "late audio of the interrupted turn is dropped")
	assert.Equal(t, 1, clears)
	assert.Len(t, processortest.OfType[*frames.InterruptionFrame](h.down), 1)

	h.send(frames.NewTTSAudioFrame(2, chunk(20, outRate), outRate, 1))
	h.send(frames.NewTTSStoppedFrame(2))
	require.Eventually(t, func() bool { return len(h.stopped()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(2), h.stopped()[0].Turn())
}

func TestOutputReportsStopForSilentTurn(t *testing.T) {
	h := newOutputHarness(t)

	h.send(frames.NewTTSStartedFrame(3))
	h.send(frames.NewTTSStoppedFrame(3))

	require.Eventually(t, func() bool { return len(h.stopped()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, processortest.OfType[*frames.BotStartedSpeakingFrame](h.up))
}

func TestOutputResamplesToTrackRate(t *testing.T) {
	h := newOutputHarness(t)

	h.send(frames.NewTTSAudioFrame(1, chunk(20, 16000), 16000, 1))

	_, samples, _ := h.sink.stats()
	assert.InDelta(t, outRate*20/1000, samples, 2)
}

func TestOutputDropsAudioWithoutTrack(t *testing.T) {
	out := NewOutput(outRate, nil, nil)
	up := processortest.NewRecorder("upstream")
	up.Link(out)
	t.Cleanup(out.Close)

	require.NoError(t, out.HandleFrame(context.Background(), frames.NewTTSAudioFrame(1, chunk(20, outRate), outRate, 1), frames.Downstream))
	assert.Empty(t, processortest.OfType[*frames.BotStartedSpeakingFrame](up))
}

func TestOutputPublishesTranscriptsAndState(t *testing.T) {
	h := newOutputHarness(t)

	h.send(frames.NewAgentStateFrame("thinking"))
	h.send(frames.NewTranscriptFrame("user", "kitchen", false))
	h.send(frames.NewTranscriptFrame("user", "kitchen remodel", true))

	require.Eventually(t, func() bool {
		data, states := h.pub.snapshot()
		return len(data) == 3 && len(states) == 1
	}, time.Second, 5*time.Millisecond)

	data, states := h.pub.snapshot()
	assert.Equal(t, []string{"thinking"}, states)
	assert.Equal(t, serializers.TopicAgentState, data[0].topic)
	assert.Equal(t, serializers.TopicTranscription, data[1].topic)
	assert.Equal(t, serializers.TopicTranscription, data[2].topic)

	var interim, final map[string]any
	require.NoError(t, json.Unmarshal(data[1].payload, &interim))
	require.NoError(t, json.Unmarshal(data[2].payload, &final))
	assert.Equal(t, interim["segment_id"], final["segment_id"])
	assert.Equal(t, "kitchen remodel", final["text"])

	assert.Empty(t, h.down.Frames(), "published frames stop at the output")
}

func TestOutputForwardsEndAndClosesOnce(t *testing.T) {
	h := newOutputHarness(t)

	h.send(frames.NewEndFrame())
	h.send(frames.NewAgentStateFrame("listening"))

	assert.Len(t, processortest.OfType[*frames.EndFrame](h.down), 1)
	_, states := h.pub.snapshot()
	assert.Empty(t, states)
}

// gatedPublisher holds every write until gate is closed.
type gatedPublisher struct {
	fakePublisher
	gate chan struct{}
}

func (p *gatedPublisher) PublishData(topic string, payload []byte) error {
	<-p.gate
	return p.fakePublisher.PublishData(topic, payload)
}

func TestOutputDropsMessagesWhenQueueIsFull(t *testing.T) {
	pub := &gatedPublisher{gate: make(chan struct{})}
	out := NewOutput(outRate, pub, serializers.NewJSONSerializer(nil))
	t.Cleanup(out.Close)

	const sent = 100
	for i := 0; i < sent; i++ {
		require.NoError(t, out.HandleFrame(context.Background(), frames.NewTranscriptFrame("user", "kitchen", true), frames.Downstream))
	}
	close(pub.gate)

	// one write may already be in flight when the queue fills
	require.Eventually(t, func() bool {
		data, _ := pub.snapshot()
		return len(data) >= cap(out.publishQ)
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	data, _ := pub.snapshot()
	assert.LessOrEqual(t, len(data), cap(out.publishQ)+1)
	assert.Less(t, len(data), sent)
}

func TestOutputIgnoresMessagesAfterClose(t *testing.T) {
	h := newOutputHarness(t)
	h.out.Close()
	h.out.Close()

	assert.NotPanics(t, func() {
		h.send(frames.NewTranscriptFrame("assistant", "How big is the kitchen?", true))
		h.send(frames.NewAgentStateFrame("speaking"))
	})
	time.Sleep(20 * time.Millisecond)
	data, states := h.pub.snapshot()
	assert.Empty(t, data)
	assert.Empty(t, states)
}
