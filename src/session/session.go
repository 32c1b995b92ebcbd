package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/square-key-labs/buildr-voice-agent/src/audio"
	"github.com/square-key-labs/buildr-voice-agent/src/audio/vad"
	"github.com/square-key-labs/buildr-voice-agent/src/conversation"
	"github.com/square-key-labs/buildr-voice-agent/src/frames"
	"github.com/square-key-labs/buildr-voice-agent/src/logger"
	"github.com/square-key-labs/buildr-voice-agent/src/memory"
	"github.com/square-key-labs/buildr-voice-agent/src/pipeline"
	"github.com/square-key-labs/buildr-voice-agent/src/processors"
	"github.com/square-key-labs/buildr-voice-agent/src/services"
)

// SampleRate is the rate user audio is analyzed and transcribed at.
const SampleRate = 16000

const shutdownTimeout = 3 * time.Second

var ErrNoAdapters = errors.New("session adapters are required")

// Room is the session's connection to its participant.
type Room interface {
	Input() processors.FrameProcessor
	Output() processors.FrameProcessor
	Microphone() Microphone
	Connect(ctx context.Context) error
	// Done is closed when the participant or the connection is gone.
	Done() <-chan struct{}
	Disconnect()
}

// Adapters are the speech and language backends of one session.
type Adapters struct {
	STT services.Transcriber
	LLM services.ChatStreamer
	TTS services.SpeechSynthesizer
}

// Close releases every adapter that holds a connection.
func (a *Adapters) Close() {
	for _, v := range []any{a.STT, a.LLM, a.TTS} {
		if c, ok := v.(io.Closer); ok {
			_ = c.Close()
		}
	}
}

// Config is the build-time configuration shared by all sessions.
type Config struct {
	AllowInterruptions   bool
	MuteMicWhileThinking bool
	InterruptionMinWords int
	TranscriptTimeout    time.Duration
	EnableMemory         bool
	MemoryTimeout        time.Duration
	OpeningTemplate      string
	SystemPrompt         string
	RecordingDir         string
	LogFrames            bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		AllowInterruptions: true,
		SystemPrompt:       conversation.AssistantInstructions,
	}
}

// Deps are the per-worker resources handed to every session.
type Deps struct {
	Config Config
	// VAD is loaded once per worker and shared read-only.
	VAD *vad.Model
	// NewAdapters opens the backends for one session.
	NewAdapters func(ctx context.Context) (*Adapters, error)
	// NewRoom returns an unconnected room for the job.
	NewRoom func(job Job) Room
	// Memory is nil when the memory store is not configured.
	Memory memory.Store
}

// Job is what a session knows about its assignment. URL and Token are how
// the room is joined.
type Job struct {
	ID       string
	RoomName string
	URL      string
	Token    string
	Username string
	UserID   string
}

// Run holds one conversation in job's room. It returns when the participant
// leaves, the room disconnects, the pipeline fails or ctx is cancelled.
func Run(ctx context.Context, deps Deps, job Job) error {
	log := logger.WithPrefix("Session")
	if deps.VAD == nil {
		return vad.ErrNotLoaded
	}
	if deps.NewAdapters == nil || deps.NewRoom == nil {
		return ErrNoAdapters
	}
	cfg := deps.Config

	friendly := conversation.FriendlyName(job.Username)
	tmpl, err := conversation.ParseOpeningTemplate(cfg.OpeningTemplate)
	if err != nil {
		return err
	}
	opening, err := tmpl.Render(friendly)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	adapters, err := deps.NewAdapters(ctx)
	if err != nil {
		return fmt.Errorf("open adapters: %w", err)
	}
	defer adapters.Close()

	room := deps.NewRoom(job)
	defer room.Disconnect()

	controllerCfg := ControllerConfig{
		AllowInterruptions:   cfg.AllowInterruptions,
		MuteMicWhileThinking: cfg.MuteMicWhileThinking,
		InterruptionMinWords: cfg.InterruptionMinWords,
		TranscriptTimeout:    cfg.TranscriptTimeout,
		Microphone:           room.Microphone(),
		OnStateChange: func(from, to State) {
			log.Debug("[%s] %s -> %s", job.ID, from, to)
		},
	}
	if cfg.EnableMemory && deps.Memory != nil {
		task := memory.NewEnricher(deps.Memory, cfg.MemoryTimeout).Start(ctx, memory.User{ID: job.UserID, FriendlyName: friendly})
		defer task.Cancel()
		controllerCfg.Memory = task
	}

	controller := NewController(conversation.NewState(), controllerCfg)
	defer controller.Close()
	if err := controller.Prepare(conversation.Seed{
		Goals:        conversation.InternalGoals,
		Policy:       conversation.ClarifyPolicy,
		FriendlyName: friendly,
	}); err != nil {
		return err
	}

	procs, err := buildProcessors(deps, job, adapters, room, controller)
	if err != nil {
		return err
	}

	task := pipeline.NewPipelineTask(pipeline.NewPipeline(procs), pipeline.TaskConfig{
		AllowInterruptions: cfg.AllowInterruptions,
		SampleRate:         SampleRate,
	})
	started := make(chan struct{})
	task.OnStarted(func() { close(started) })
	task.OnError(func(err error) {
		log.Warn("[%s] pipeline error: %v", job.ID, err)
	})

	runErr := make(chan error, 1)
	go func() { runErr <- task.Run(ctx) }()

	select {
	case <-started:
	case err := <-runErr:
		return fmt.Errorf("pipeline: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := room.Connect(ctx); err != nil {
		task.Cancel()
		<-runErr
		return err
	}
	log.Info("[%s] Joined room %s for %s", job.ID, job.RoomName, friendly)

	if err := controller.Open(opening); err != nil {
		task.Cancel()
		<-runErr
		return err
	}

	var result error
	select {
	case <-room.Done():
		log.Info("[%s] Room closed", job.ID)
	case <-ctx.Done():
		log.Info("[%s] Session cancelled", job.ID)
	case err := <-runErr:
		log.Info("[%s] Pipeline finished", job.ID)
		return err
	}

	controller.Close()
	if err := task.QueueFrame(frames.NewEndFrame()); err != nil {
		log.Debug("[%s] queue end frame: %v", job.ID, err)
	}
	select {
	case result = <-runErr:
	case <-time.After(shutdownTimeout):
		log.Warn("[%s] Pipeline did not drain, cancelling", job.ID)
		task.Cancel()
		result = <-runErr
	}
	log.Info("[%s] Session ended", job.ID)
	return result
}

// buildProcessors lays out room input, resampling, optional recording, VAD,
// STT, the controller, LLM, TTS and room output in that order.
func buildProcessors(deps Deps, job Job, adapters *Adapters, room Room, controller *Controller) ([]processors.FrameProcessor, error) {
	cfg := deps.Config

	detector, err := vad.NewProcessor(deps.VAD, SampleRate)
	if err != nil {
		return nil, err
	}

	procs := []processors.FrameProcessor{
		room.Input(),
		audio.NewConverterProcessor(SampleRate),
	}
	if cfg.RecordingDir != "" {
		rec, err := audio.NewRecorderProcessor(cfg.RecordingDir, job.ID, SampleRate)
		if err != nil {
			return nil, err
		}
		procs = append(procs, rec)
	}
	procs = append(procs,
		detector,
		services.NewSTTProcessor("STT", adapters.STT),
		controller,
		services.NewLLMProcessor("LLM", adapters.LLM, services.LLMConfig{SystemPrompt: cfg.SystemPrompt}),
		services.NewTTSProcessor("TTS", adapters.TTS, services.TTSConfig{AggregateSentences: true}),
	)
	if cfg.LogFrames {
		procs = append(procs, processors.NewFrameLogger(processors.FrameLoggerConfig{
			Prefix:            "TTS->Room",
			IgnoredFrameTypes: []frames.Frame{&frames.TTSAudioFrame{}, &frames.AudioFrame{}},
			LogDirection:      true,
		}))
	}
	return append(procs, room.Output()), nil
}
