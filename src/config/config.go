// Package config loads agent configuration from defaults, an optional config
// file, .env files, the environment and command line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/square-key-labs/buildr-voice-agent/src/audio/vad"
	"github.com/square-key-labs/buildr-voice-agent/src/logger"
)

var (
	ErrMissingLiveKit   = errors.New("livekit url, api key and api secret are required")
	ErrMissingSTTKey    = errors.New("stt api key is required")
	ErrMissingLLMKey    = errors.New("llm api key is required")
	ErrMissingTTSKey    = errors.New("tts api key is required")
	ErrMissingMemoryKey = errors.New("memory api key is required when memory is enabled")
	ErrUnknownProvider  = errors.New("unknown provider")
)

// DefaultEnvFiles are read in order; values already set win, so .env.local
// overrides .env.
var DefaultEnvFiles = []string{".env.local", ".env"}

type Config struct {
	LiveKit   LiveKitConfig   `mapstructure:"livekit"`
	Agent     AgentConfig     `mapstructure:"agent"`
	STT       STTConfig       `mapstructure:"stt"`
	LLM       LLMConfig       `mapstructure:"llm"`
	TTS       TTSConfig       `mapstructure:"tts"`
	VAD       VADConfig       `mapstructure:"vad"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Log       LogConfig       `mapstructure:"log"`
	Recording RecordingConfig `mapstructure:"recording"`
}

type LiveKitConfig struct {
	URL       string `mapstructure:"url"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
}

type AgentConfig struct {
	Name                 string        `mapstructure:"name"`
	AllowInterruptions   bool          `mapstructure:"allow_interruptions"`
	MuteMicWhileThinking bool          `mapstructure:"mute_mic_while_thinking"`
	InterruptionMinWords int           `mapstructure:"interruption_min_words"`
	TranscriptTimeout    time.Duration `mapstructure:"transcript_timeout"`
	OpeningTemplate      string        `mapstructure:"opening_template"`
	MaxJobs              int           `mapstructure:"max_jobs"`
	LogFrames            bool          `mapstructure:"log_frames"`
}

type STTConfig struct {
	Provider string `mapstructure:"provider"`
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
	Language string `mapstructure:"language"`
}

type LLMConfig struct {
	Provider        string `mapstructure:"provider"`
	Model           string `mapstructure:"model"`
	ReasoningEffort string `mapstructure:"reasoning_effort"`
	OpenAIAPIKey    string `mapstructure:"openai_api_key"`
	OpenAIBaseURL   string `mapstructure:"openai_base_url"`
	GeminiAPIKey    string `mapstructure:"gemini_api_key"`
	GeminiProject   string `mapstructure:"gemini_project"`
	GeminiLocation  string `mapstructure:"gemini_location"`
}

type TTSConfig struct {
	Provider         string `mapstructure:"provider"`
	CartesiaAPIKey   string `mapstructure:"cartesia_api_key"`
	ElevenLabsAPIKey string `mapstructure:"elevenlabs_api_key"`
	VoiceID          string `mapstructure:"voice_id"`
	Model            string `mapstructure:"model"`
	SampleRate       int    `mapstructure:"sample_rate"`
}

type VADConfig struct {
	Confidence float32 `mapstructure:"confidence"`
	StartSecs  float32 `mapstructure:"start_secs"`
	StopSecs   float32 `mapstructure:"stop_secs"`
	MinVolume  float32 `mapstructure:"min_volume"`
	SpeechRMS  float32 `mapstructure:"speech_rms"`
}

// Params converts to detector parameters.
func (c VADConfig) Params() vad.VADParams {
	return vad.VADParams{
		Confidence: c.Confidence,
		StartSecs:  c.StartSecs,
		StopSecs:   c.StopSecs,
		MinVolume:  c.MinVolume,
		SpeechRMS:  c.SpeechRMS,
	}
}

type MemoryConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	Color bool   `mapstructure:"color"`
}

// Logger converts to logger configuration. An unknown level is an error.
func (c LogConfig) Logger() (logger.Config, error) {
	level, err := logger.ParseLevel(c.Level)
	if err != nil {
		return logger.Config{}, err
	}
	return logger.Config{Level: level, Colors: c.Color}, nil
}

type RecordingConfig struct {
	Dir string `mapstructure:"dir"`
}

// env names that do not follow the SECTION_KEY pattern
var envAliases = map[string][]string{
	"stt.api_key":            {"DEEPGRAM_API_KEY", "STT_API_KEY"},
	"llm.openai_api_key":     {"OPENAI_API_KEY"},
	"llm.openai_base_url":    {"OPENAI_BASE_URL"},
	"llm.gemini_api_key":     {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	"llm.gemini_project":     {"GOOGLE_CLOUD_PROJECT"},
	"llm.gemini_location":    {"GOOGLE_CLOUD_LOCATION"},
	"tts.cartesia_api_key":   {"CARTESIA_API_KEY"},
	"tts.elevenlabs_api_key": {"ELEVENLABS_API_KEY", "ELEVEN_API_KEY"},
	"memory.api_key":         {"ZEP_API_KEY"},
	"memory.enabled":         {"ENABLE_MEMORY_ADAPTER", "MEMORY_ENABLED"},
	"agent.name":             {"AGENT_NAME"},
}

// SetDefaults registers every key, so environment variables reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	vp := vad.DefaultVADParams()
	defaults := map[string]any{
		"livekit.url":        "",
		"livekit.api_key":    "",
		"livekit.api_secret": "",

		"agent.name":                    "buildr-voice-agent",
		"agent.allow_interruptions":     true,
		"agent.mute_mic_while_thinking": false,
		"agent.interruption_min_words":  0,
		"agent.transcript_timeout":      1200 * time.Millisecond,
		"agent.opening_template":        "",
		"agent.max_jobs":                4,
		"agent.log_frames":              false,

		"stt.provider": "deepgram",
		"stt.api_key":  "",
		"stt.model":    "nova-3",
		"stt.language": "en",

		"llm.provider":         "openai",
		"llm.model":            "",
		"llm.reasoning_effort": "low",
		"llm.openai_api_key":   "",
		"llm.openai_base_url":  "",
		"llm.gemini_api_key":   "",
		"llm.gemini_project":   "",
		"llm.gemini_location":  "",

		"tts.provider":           "cartesia",
		"tts.cartesia_api_key":   "",
		"tts.elevenlabs_api_key": "",
		"tts.voice_id":           "",
		"tts.model":              "",
		"tts.sample_rate":        24000,

		"vad.confidence": vp.Confidence,
		"vad.start_secs": vp.StartSecs,
		"vad.stop_secs":  vp.StopSecs,
		"vad.min_volume": vp.MinVolume,
		"vad.speech_rms": vp.SpeechRMS,

		"memory.enabled":  false,
		"memory.api_key":  "",
		"memory.base_url": "",
		"memory.timeout":  15 * time.Second,

		"log.level": "info",
		"log.color": true,

		"recording.dir": "",
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Options controls where Load looks.
type Options struct {
	// ConfigFile is an optional yaml, toml or json file.
	ConfigFile string
	// EnvFiles defaults to DefaultEnvFiles. Missing files are skipped.
	EnvFiles []string
}

// Load reads configuration into v, which may already carry bound flags, and
// decodes it.
func Load(v *viper.Viper, opts Options) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	envFiles := opts.EnvFiles
	if envFiles == nil {
		envFiles = DefaultEnvFiles
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	SetDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range envAliases {
		if err := v.BindEnv(append([]string{key, strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, names...)...); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every missing credential of the selected providers.
// Worker mode also needs the LiveKit server.
func (c *Config) Validate() error {
	var errs []error
	if c.LiveKit.URL == "" || c.LiveKit.APIKey == "" || c.LiveKit.APISecret == "" {
		errs = append(errs, ErrMissingLiveKit)
	}
	errs = append(errs, c.ValidateProviders())
	return errors.Join(errs...)
}

// ValidateProviders checks only the speech, language and memory backends.
func (c *Config) ValidateProviders() error {
	var errs []error

	switch c.STT.Provider {
	case "deepgram":
		if c.STT.APIKey == "" {
			errs = append(errs, ErrMissingSTTKey)
		}
	default:
		errs = append(errs, fmt.Errorf("stt %w: %q", ErrUnknownProvider, c.STT.Provider))
	}

	switch c.LLM.Provider {
	case "openai":
		if c.LLM.OpenAIAPIKey == "" {
			errs = append(errs, fmt.Errorf("openai: %w", ErrMissingLLMKey))
		}
	case "gemini":
		if c.LLM.GeminiAPIKey == "" && c.LLM.GeminiProject == "" {
			errs = append(errs, fmt.Errorf("gemini: %w", ErrMissingLLMKey))
		}
	default:
		errs = append(errs, fmt.Errorf("llm %w: %q", ErrUnknownProvider, c.LLM.Provider))
	}

	switch c.TTS.Provider {
	case "cartesia":
		if c.TTS.CartesiaAPIKey == "" {
			errs = append(errs, fmt.Errorf("cartesia: %w", ErrMissingTTSKey))
		}
	case "elevenlabs":
		if c.TTS.ElevenLabsAPIKey == "" {
			errs = append(errs, fmt.Errorf("elevenlabs: %w", ErrMissingTTSKey))
		}
	default:
		errs = append(errs, fmt.Errorf("tts %w: %q", ErrUnknownProvider, c.TTS.Provider))
	}

	if c.Memory.Enabled && c.Memory.APIKey == "" {
		errs = append(errs, ErrMissingMemoryKey)
	}

	if err := c.VAD.Params().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("vad: %w", err))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	return errors.Join(errs...)
}
