package livekit

import (
	"context"
	"sync"
	"time"

	"github.com/livekit/media-sdk"

	"github.com/square-key-labs/buildr-voice-agent/src/audio"
	"github.com/square-key-labs/buildr-voice-agent/src/frames"
	"github.com/square-key-labs/buildr-voice-agent/src/processors"
	"github.com/square-key-labs/buildr-voice-agent/src/serializers"
)

// AudioSink is a local track that plays PCM at its own pace.
// *lkmedia.PCMLocalTrack satisfies it.
type AudioSink interface {
	WriteSample(sample media.PCM16Sample) error
	ClearQueue()
	Close() error
}

// Publisher delivers data messages and participant attributes to the room.
type Publisher interface {
	PublishData(topic string, payload []byte) error
	SetAgentState(state string) error
}

// Output plays TTS audio into the room and publishes transcripts and agent
// state. It reports playback boundaries upstream: BotStartedSpeakingFrame on
// the first audio of a turn, BotStoppedSpeakingFrame once the turn's audio
// has played out.
type Output struct {
	*processors.BaseProcessor
	sampleRate int
	publisher  Publisher
	serializer serializers.FrameSerializer

	mu         sync.Mutex
	sink       AudioSink
	cancelled  uint64 // highest interrupted turn
	playing    uint64 // turn whose audio is queued, 0 when idle
	playoutEnd time.Time
	stopTimer  *time.Timer
	now        func() time.Time

	publishQ    chan func()
	publishOnce sync.Once
	closed      bool // publishQ closed, guarded by mu
}

// NewOutput returns an output expecting TTS audio at sampleRate.
func NewOutput(sampleRate int, publisher Publisher, serializer serializers.FrameSerializer) *Output {
	o := &Output{
		sampleRate: sampleRate,
		publisher:  publisher,
		serializer: serializer,
		now:        time.Now,
		publishQ:   make(chan func(), 64),
	}
	o.BaseProcessor = processors.NewBaseProcessor("RoomOutput", o)
	return o
}

// Attach sets the track audio is written to. Audio arriving before a track is
// attached is dropped.
func (o *Output) Attach(sink AudioSink) {
	o.mu.Lock()
	o.sink = sink
	o.mu.Unlock()
}

func (o *Output) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	if direction == frames.Upstream {
		return o.PushFrame(frame, direction)
	}

	switch f := frame.(type) {
	case *frames.TTSAudioFrame:
		o.play(f)
		return nil
	case *frames.TTSStoppedFrame:
		o.finish(f.Turn())
		return nil
	case *frames.TTSStartedFrame:
		return nil
	case *frames.AudioFrame:
		// user audio is never echoed back
		return nil
	case *frames.InterruptionFrame:
		o.interrupt(f.Turn())
	case *frames.AgentStateFrame:
		o.publish(frame)
		state := f.State
		o.enqueue("agent state", func() {
			if err := o.publisher.SetAgentState(state); err != nil {
				o.Logger().Warn("Set agent state %s: %v", state, err)
			}
		})
		return nil
	case *frames.TranscriptFrame:
		o.publish(frame)
		return nil
	case *frames.EndFrame, *frames.CancelFrame:
		o.Close()
	}
	return o.PushFrame(frame, direction)
}

func (o *Output) play(f *frames.TTSAudioFrame) {
	o.mu.Lock()
	defer o.mu.Unlock()

	turn := f.Turn()
	if turn <= o.cancelled {
		return
	}
	if o.sink == nil {
		o.Logger().Warn("No track attached, dropping %d bytes of audio", len(f.Data))
		return
	}

	pcm, err := audio.BytesToPCM(f.Data)
	if err != nil {
		o.Logger().Warn("Dropping malformed audio: %v", err)
		return
	}
	if f.Channels > 1 {
		pcm = audio.Downmix(pcm, f.Channels)
	}
	if f.SampleRate != o.sampleRate && f.SampleRate > 0 {
		pcm = audio.Resample(pcm, f.SampleRate, o.sampleRate)
	}
	if len(pcm) == 0 {
		return
	}
	if err := o.sink.WriteSample(media.PCM16Sample(pcm)); err != nil {
		o.Logger().Error("Write audio for turn %d: %v", turn, err)
		return
	}

	if o.playing != turn {
		o.playing = turn
		o.stopPlayoutTimer()
		_ = o.PushFrame(frames.NewBotStartedSpeakingFrame(turn), frames.Upstream)
	}

	// the track plays in real time, so the turn ends when the queue drains
	now := o.now()
	if o.playoutEnd.Before(now) {
		o.playoutEnd = now
	}
	o.playoutEnd = o.playoutEnd.Add(time.Duration(len(pcm)) * time.Second / time.Duration(o.sampleRate))
}

// finish reports the turn as played once everything queued has played out.
func (o *Output) finish(turn uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if turn <= o.cancelled {
		return
	}

	delay := o.playoutEnd.Sub(o.now())
	if delay < 0 {
		delay = 0
	}
	o.stopPlayoutTimer()
	o.stopTimer = time.AfterFunc(delay, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if turn <= o.cancelled {
			return
		}
		if o.playing == turn {
			o.playing = 0
		}
		o.stopTimer = nil
		_ = o.PushFrame(frames.NewBotStoppedSpeakingFrame(turn), frames.Upstream)
	})
}

func (o *Output) interrupt(turn uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if turn > o.cancelled {
		o.cancelled = turn
	}
	if o.playing != 0 && o.playing <= turn {
		o.Logger().Info("Interrupted turn %d, clearing queued audio", o.playing)
		if o.sink != nil {
			o.sink.ClearQueue()
		}
		o.playing = 0
		o.playoutEnd = o.now()
	}
	o.stopPlayoutTimer()
}

func (o *Output) stopPlayoutTimer() {
	if o.stopTimer != nil {
		o.stopTimer.Stop()
		o.stopTimer = nil
	}
}

func (o *Output) publish(frame frames.Frame) {
	if o.serializer == nil {
		return
	}
	msg, ok, err := o.serializer.Serialize(frame)
	if err != nil {
		o.Logger().Warn("Serialize %s: %v", frame.Name(), err)
		return
	}
	if !ok {
		return
	}
	o.enqueue(msg.Topic, func() {
		if err := o.publisher.PublishData(msg.Topic, msg.Payload); err != nil {
			o.Logger().Warn("Publish on %s: %v", msg.Topic, err)
		}
	})
}

// enqueue runs fn on the publishing goroutine so room writes never hold up
// audio or interruptions. Messages keep their order. topic names the message
// when it has to be dropped.
func (o *Output) enqueue(topic string, fn func()) {
	if o.publisher == nil {
		return
	}
	o.publishOnce.Do(func() {
		go func() {
			for fn := range o.publishQ {
				fn()
			}
		}()
	})

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		o.Logger().Debug("Output closed, dropping %s message", topic)
		return
	}
	select {
	case o.publishQ <- fn:
	default:
		o.Logger().Warn("Publish queue full, dropping %s message", topic)
	}
}

// Close stops playback timers and the publishing goroutine.
func (o *Output) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopPlayoutTimer()
	if o.closed {
		return
	}
	o.closed = true
	close(o.publishQ)
}
