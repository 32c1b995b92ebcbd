package session

import (
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/buildr-voice-agent/src/audio"
	"github.com/square-key-labs/buildr-voice-agent/src/audio/vad"
	"github.com/square-key-labs/buildr-voice-agent/src/conversation"
	"github.com/square-key-labs/buildr-voice-agent/src/frames"
	"github.com/square-key-labs/buildr-voice-agent/src/memory"
	"github.com/square-key-labs/buildr-voice-agent/src/processors"
	"github.com/square-key-labs/buildr-voice-agent/src/services"
)

const runTimeout = 5 * time.Second

// fakeTranscriber hands out one stream whose results the test drives.
type fakeTranscriber struct {
	results chan services.Transcript
	once    sync.Once
}

func (f *fakeTranscriber) Connect(context.Context) (services.TranscriptionStream, error) {
	return f, nil
}

func (f *fakeTranscriber) Language() string                    { return "en" }
func (f *fakeTranscriber) SendAudio([]byte) error              { return nil }
func (f *fakeTranscriber) Finalize() error                     { return nil }
func (f *fakeTranscriber) Results() <-chan services.Transcript { return f.results }
func (f *fakeTranscriber) Err() error                          { return nil }
func (f *fakeTranscriber) Close() error {
	f.once.Do(func() { close(f.results) })
	return nil
}

type textStream struct {
	deltas []string
}

func (s *textStream) Recv() (string, error) {
	if len(s.deltas) == 0 {
		return "", io.EOF
	}
	d := s.deltas[0]
	s.deltas = s.deltas[1:]
	return d, nil
}

func (s *textStream) Close() error { return nil }

type fakeLLM struct {
	mu       sync.Mutex
	requests []services.ChatRequest
}

func (f *fakeLLM) StreamChat(_ context.Context, req services.ChatRequest) (services.TextStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.requests) == 1 {
		return &textStream{deltas: []string{"Hi Jordan! ", "What is the project?"}}, nil
	}
	return &textStream{deltas: []string{"Which room is it?"}}, nil
}

func (f *fakeLLM) Model() string { return "fake" }

func (f *fakeLLM) seen() []services.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]services.ChatRequest(nil), f.requests...)
}

type fakeSpeech struct {
	audio chan []byte
	once  sync.Once
}

func (s *fakeSpeech) SendText(string) error { return nil }
func (s *fakeSpeech) Flush() error {
	s.once.Do(func() {
		s.audio <- make([]byte, 960)
		close(s.audio)
	})
	return nil
}
func (s *fakeSpeech) Audio() <-chan []byte { return s.audio }
func (s *fakeSpeech) Err() error           { return nil }
func (s *fakeSpeech) Close() error {
	s.once.Do(func() { close(s.audio) })
	return nil
}

type fakeTTS struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakeTTS) NewContext(context.Context) (services.SpeechContext, error) {
	return &fakeSpeech{audio: make(chan []byte, 4)}, nil
}

func (f *fakeTTS) SampleRate() int { return 24000 }

func (f *fakeTTS) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTTS) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// playout stands in for the room output: it records what reaches it and
// reports each synthesized turn as played.
type playout struct {
	*processors.BaseProcessor
	mu     sync.Mutex
	frames []frames.Frame
}

func newPlayout() *playout {
	p := &playout{}
	p.BaseProcessor = processors.NewBaseProcessor("FakeOutput", p)
	return p
}

func (p *playout) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	if direction == frames.Downstream {
		p.mu.Lock()
		p.frames = append(p.frames, frame)
		p.mu.Unlock()
		switch f := frame.(type) {
		case *frames.TTSStartedFrame:
			_ = p.PushFrame(frames.NewBotStartedSpeakingFrame(f.Turn()), frames.Upstream)
		case *frames.TTSStoppedFrame:
			_ = p.PushFrame(frames.NewBotStoppedSpeakingFrame(f.Turn()), frames.Upstream)
		}
	}
	return p.PushFrame(frame, direction)
}

func (p *playout) states() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, f := range p.frames {
		if s, ok := f.(*frames.AgentStateFrame); ok {
			out = append(out, s.State)
		}
	}
	return out
}

type fakeRoom struct {
	input      *processors.BaseProcessor
	output     *playout
	mic        *fakeMic
	done       chan struct{}
	connectErr error

	mu           sync.Mutex
	connected    bool
	disconnected bool
}

func newFakeRoom() *fakeRoom {
	return &fakeRoom{
		input:  processors.NewBaseProcessor("FakeInput", nil),
		output: newPlayout(),
		mic:    &fakeMic{enabled: true},
		done:   make(chan struct{}),
	}
}

func (r *fakeRoom) Input() processors.FrameProcessor  { return r.input }
func (r *fakeRoom) Output() processors.FrameProcessor { return r.output }
func (r *fakeRoom) Microphone() Microphone            { return r.mic }
func (r *fakeRoom) Done() <-chan struct{}             { return r.done }

func (r *fakeRoom) Connect(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = true
	return r.connectErr
}

func (r *fakeRoom) Disconnect() {
	r.mu.Lock()
	r.disconnected = true
	r.mu.Unlock()
}

func (r *fakeRoom) wasDisconnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnected
}

// hangingStore never answers: every call blocks until its context ends.
type hangingStore struct {
	mu       sync.Mutex
	calls    int
	released chan struct{}
	once     sync.Once
}

func newHangingStore() *hangingStore {
	return &hangingStore{released: make(chan struct{})}
}

func (s *hangingStore) hang(ctx context.Context) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	<-ctx.Done()
	s.once.Do(func() { close(s.released) })
	return ctx.Err()
}

func (s *hangingStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *hangingStore) AddUser(ctx context.Context, _, _ string) error { return s.hang(ctx) }
func (s *hangingStore) CreateThread(ctx context.Context, _, _ string) error {
	return s.hang(ctx)
}
func (s *hangingStore) AddMessages(ctx context.Context, _ string, _ []memory.Message) error {
	return s.hang(ctx)
}
func (s *hangingStore) GetUserContext(ctx context.Context, _ string) (string, error) {
	return "", s.hang(ctx)
}

type sessionHarness struct {
	room *fakeRoom
	stt  *fakeTranscriber
	llm  *fakeLLM
	tts  *fakeTTS
	deps Deps
}

func newSessionHarness(t *testing.T) *sessionHarness {
	t.Helper()
	model, err := vad.Load(vad.DefaultVADParams())
	require.NoError(t, err)

	h := &sessionHarness{
		room: newFakeRoom(),
		stt:  &fakeTranscriber{results: make(chan services.Transcript, 8)},
		llm:  &fakeLLM{},
		tts:  &fakeTTS{},
	}
	h.deps = Deps{
		Config: DefaultConfig(),
		VAD:    model,
		NewAdapters: func(context.Context) (*Adapters, error) {
			return &Adapters{STT: h.stt, LLM: h.llm, TTS: h.tts}, nil
		},
		NewRoom: func(Job) Room { return h.room },
	}
	return h
}

func (h *sessionHarness) run(ctx context.Context) <-chan error {
	errc := make(chan error, 1)
	go func() {
		errc <- Run(ctx, h.deps, Job{ID: "job_1", RoomName: "voice_assistant_room_7", Username: "Jordan Smith", UserID: "u_1"})
	}()
	return errc
}

func wait(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(runTimeout):
		t.Fatal("session did not return")
		return nil
	}
}

func pcm16k(ms int, amplitude float64) []byte {
	n := 16000 * ms / 1000
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = int16(amplitude * math.Sin(2*math.Pi*220*float64(i)/16000))
	}
	return audio.PCMToBytes(pcm)
}

func TestRunSpeaksOpeningAndEndsWithRoom(t *testing.T) {
	h := newSessionHarness(t)
	errc := h.run(context.Background())

	require.Eventually(t, func() bool { return len(h.llm.seen()) == 1 }, runTimeout, 10*time.Millisecond)
	first := h.llm.seen()[0]
	assert.Contains(t, first.Instruction, `("Jordan")`)
	assert.Equal(t, conversation.AssistantInstructions, first.SystemPrompt)
	require.NotEmpty(t, first.Turns)
	assert.True(t, strings.HasPrefix(first.Turns[0].Content, "INTERNAL_GOALS: "))
	assert.Equal(t, "The user's friendly name is Jordan", first.Turns[len(first.Turns)-1].Content)

	require.Eventually(t, func() bool {
		s := h.room.output.states()
		return len(s) >= 3 && s[len(s)-1] == "listening"
	}, runTimeout, 10*time.Millisecond)

	close(h.room.done)
	require.NoError(t, wait(t, errc))
	assert.True(t, h.room.wasDisconnected())
	assert.True(t, h.tts.isClosed())
}

func TestRunDispatchesUserTurn(t *testing.T) {
	h := newSessionHarness(t)
	errc := h.run(context.Background())

	require.Eventually(t, func() bool {
		s := h.room.output.states()
		return len(s) >= 3 && s[len(s)-1] == "listening"
	}, runTimeout, 10*time.Millisecond)

	require.NoError(t, h.room.input.QueueFrame(frames.NewAudioFrame(pcm16k(400, 8000), 16000, 1), frames.Downstream))
	h.stt.results <- services.Transcript{Text: "a kitchen remodel", Final: true, Finalized: true}
	require.NoError(t, h.room.input.QueueFrame(frames.NewAudioFrame(pcm16k(800, 0), 16000, 1), frames.Downstream))

	require.Eventually(t, func() bool { return len(h.llm.seen()) == 2 }, runTimeout, 10*time.Millisecond)
	second := h.llm.seen()[1]
	last := second.Turns[len(second.Turns)-1]
	assert.Equal(t, conversation.RoleUser, last.Role)
	assert.Equal(t, "a kitchen remodel", last.Content)
	assert.Empty(t, second.Instruction)

	close(h.room.done)
	require.NoError(t, wait(t, errc))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := newSessionHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	errc := h.run(ctx)

	require.Eventually(t, func() bool { return len(h.llm.seen()) == 1 }, runTimeout, 10*time.Millisecond)
	cancel()
	_ = wait(t, errc)
	assert.True(t, h.room.wasDisconnected())
}

func TestRunFailsWhenRoomConnectFails(t *testing.T) {
	h := newSessionHarness(t)
	h.room.connectErr = errors.New("signal refused")

	err := wait(t, h.run(context.Background()))
	assert.EqualError(t, err, "signal refused")
	assert.Empty(t, h.llm.seen())
}

func TestRunRequiresVAD(t *testing.T) {
	h := newSessionHarness(t)
	h.deps.VAD = nil

	err := wait(t, h.run(context.Background()))
	assert.ErrorIs(t, err, vad.ErrNotLoaded)
}

func TestRunGreetsWhileMemoryHangs(t *testing.T) {
	h := newSessionHarness(t)
	store := newHangingStore()
	h.deps.Memory = store
	h.deps.Config.EnableMemory = true
	h.deps.Config.MemoryTimeout = time.Minute

	errc := h.run(context.Background())

	require.Eventually(t, func() bool { return len(h.llm.seen()) == 1 }, time.Second, 5*time.Millisecond,
		"opening must not wait on memory")
	assert.Contains(t, h.llm.seen()[0].Instruction, `("Jordan")`)
	require.Eventually(t, func() bool { return store.callCount() == 1 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		s := h.room.output.states()
		return len(s) >= 3 && s[len(s)-1] == "listening"
	}, runTimeout, 10*time.Millisecond)

	require.NoError(t, h.room.input.QueueFrame(frames.NewAudioFrame(pcm16k(400, 8000), 16000, 1), frames.Downstream))
	h.stt.results <- services.Transcript{Text: "a kitchen remodel", Final: true, Finalized: true}
	require.NoError(t, h.room.input.QueueFrame(frames.NewAudioFrame(pcm16k(800, 0), 16000, 1), frames.Downstream))

	require.Eventually(t, func() bool { return len(h.llm.seen()) == 2 }, runTimeout, 10*time.Millisecond)
	for _, turn := range h.llm.seen()[1].Turns {
		assert.False(t, strings.HasPrefix(turn.Content, "MEMORY_CONTEXT:"))
	}
	// the unfinished lookup was abandoned at the first user dispatch
	select {
	case <-store.released:
	case <-time.After(runTimeout):
		t.Fatal("memory lookup was not cancelled")
	}

	close(h.room.done)
	require.NoError(t, wait(t, errc))
	assert.True(t, h.room.wasDisconnected())
	assert.True(t, h.tts.isClosed())
}
