package agent

import (
	"context"
	"fmt"

	"github.com/square-key-labs/buildr-voice-agent/src/audio/vad"
	"github.com/square-key-labs/buildr-voice-agent/src/config"
	"github.com/square-key-labs/buildr-voice-agent/src/memory"
	"github.com/square-key-labs/buildr-voice-agent/src/processors"
	"github.com/square-key-labs/buildr-voice-agent/src/services"
	"github.com/square-key-labs/buildr-voice-agent/src/services/cartesia"
	"github.com/square-key-labs/buildr-voice-agent/src/services/deepgram"
	"github.com/square-key-labs/buildr-voice-agent/src/services/elevenlabs"
	"github.com/square-key-labs/buildr-voice-agent/src/services/gemini"
	"github.com/square-key-labs/buildr-voice-agent/src/services/openai"
	"github.com/square-key-labs/buildr-voice-agent/src/session"
	"github.com/square-key-labs/buildr-voice-agent/src/transports/livekit"
)

// NewAdapters opens the providers selected by cfg for one session.
func NewAdapters(ctx context.Context, cfg *config.Config, systemPrompt string) (*session.Adapters, error) {
	stt, err := newTranscriber(cfg)
	if err != nil {
		return nil, err
	}
	llm, err := newStreamer(ctx, cfg, systemPrompt)
	if err != nil {
		return nil, err
	}
	tts, err := newSynthesizer(cfg)
	if err != nil {
		return nil, err
	}
	return &session.Adapters{STT: stt, LLM: llm, TTS: tts}, nil
}

func newTranscriber(cfg *config.Config) (services.Transcriber, error) {
	switch cfg.STT.Provider {
	case "deepgram":
		return deepgram.NewTranscriber(deepgram.STTConfig{
			APIKey:     cfg.STT.APIKey,
			Language:   cfg.STT.Language,
			Model:      cfg.STT.Model,
			SampleRate: session.SampleRate,
		})
	default:
		return nil, fmt.Errorf("stt %w: %q", config.ErrUnknownProvider, cfg.STT.Provider)
	}
}

func newStreamer(ctx context.Context, cfg *config.Config, systemPrompt string) (services.ChatStreamer, error) {
	switch cfg.LLM.Provider {
	case "openai":
		return openai.NewStreamer(openai.LLMConfig{
			APIKey:          cfg.LLM.OpenAIAPIKey,
			BaseURL:         cfg.LLM.OpenAIBaseURL,
			Model:           cfg.LLM.Model,
			ReasoningEffort: cfg.LLM.ReasoningEffort,
			SystemPrompt:    systemPrompt,
		})
	case "gemini":
		return gemini.NewStreamer(ctx, gemini.LLMConfig{
			APIKey:          cfg.LLM.GeminiAPIKey,
			Project:         cfg.LLM.GeminiProject,
			Location:        cfg.LLM.GeminiLocation,
			Model:           cfg.LLM.Model,
			ReasoningEffort: cfg.LLM.ReasoningEffort,
			SystemPrompt:    systemPrompt,
		})
	default:
		return nil, fmt.Errorf("llm %w: %q", config.ErrUnknownProvider, cfg.LLM.Provider)
	}
}

func newSynthesizer(cfg *config.Config) (services.SpeechSynthesizer, error) {
	switch cfg.TTS.Provider {
	case "cartesia":
		return cartesia.NewSynthesizer(cartesia.TTSConfig{
			APIKey:     cfg.TTS.CartesiaAPIKey,
			VoiceID:    cfg.TTS.VoiceID,
			Model:      cfg.TTS.Model,
			Language:   cfg.STT.Language,
			SampleRate: cfg.TTS.SampleRate,
		})
	case "elevenlabs":
		return elevenlabs.NewSynthesizer(elevenlabs.TTSConfig{
			APIKey:     cfg.TTS.ElevenLabsAPIKey,
			VoiceID:    cfg.TTS.VoiceID,
			Model:      cfg.TTS.Model,
			SampleRate: cfg.TTS.SampleRate,
		})
	default:
		return nil, fmt.Errorf("tts %w: %q", config.ErrUnknownProvider, cfg.TTS.Provider)
	}
}

// SessionConfig maps the agent section onto session settings.
func SessionConfig(cfg *config.Config) session.Config {
	sc := session.DefaultConfig()
	sc.AllowInterruptions = cfg.Agent.AllowInterruptions
	sc.MuteMicWhileThinking = cfg.Agent.MuteMicWhileThinking
	sc.InterruptionMinWords = cfg.Agent.InterruptionMinWords
	sc.TranscriptTimeout = cfg.Agent.TranscriptTimeout
	sc.OpeningTemplate = cfg.Agent.OpeningTemplate
	sc.LogFrames = cfg.Agent.LogFrames
	sc.EnableMemory = cfg.Memory.Enabled
	sc.MemoryTimeout = cfg.Memory.Timeout
	sc.RecordingDir = cfg.Recording.Dir
	return sc
}

// NewSessionDeps builds what every session of this process shares.
func NewSessionDeps(cfg *config.Config, model *vad.Model) (session.Deps, error) {
	sc := SessionConfig(cfg)
	deps := session.Deps{
		Config: sc,
		VAD:    model,
		NewAdapters: func(ctx context.Context) (*session.Adapters, error) {
			return NewAdapters(ctx, cfg, sc.SystemPrompt)
		},
		NewRoom: func(job session.Job) session.Room {
			return &roomAdapter{Room: livekit.NewRoom(livekit.RoomConfig{
				URL:              job.URL,
				RoomName:         job.RoomName,
				Token:            job.Token,
				APIKey:           cfg.LiveKit.APIKey,
				APISecret:        cfg.LiveKit.APISecret,
				AgentName:        cfg.Agent.Name,
				OutputSampleRate: cfg.TTS.SampleRate,
			})}
		},
	}
	if cfg.Memory.Enabled {
		client, err := memory.NewClient(memory.ClientConfig{
			APIKey:  cfg.Memory.APIKey,
			BaseURL: cfg.Memory.BaseURL,
			Timeout: cfg.Memory.Timeout,
		})
		if err != nil {
			return session.Deps{}, fmt.Errorf("memory: %w", err)
		}
		deps.Memory = client
	}
	return deps, nil
}

// roomAdapter narrows a LiveKit room to what a session uses.
type roomAdapter struct {
	*livekit.Room
}

func (r *roomAdapter) Input() processors.FrameProcessor  { return r.Room.Input() }
func (r *roomAdapter) Output() processors.FrameProcessor { return r.Room.Output() }
func (r *roomAdapter) Microphone() session.Microphone    { return r.Room.Microphone() }

var _ session.Room = (*roomAdapter)(nil)
