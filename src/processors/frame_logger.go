package processors

import (
	"context"
	"reflect"

	"github.com/square-key-labs/buildr-voice-agent/src/frames"
	"github.com/square-key-labs/buildr-voice-agent/src/logger"
)

// FrameLogger passes every frame through and traces it at DEBUG level
type FrameLogger struct {
	*BaseProcessor
	logger       *logger.Logger
	ignored      map[reflect.Type]bool
	logDirection bool
}

type FrameLoggerConfig struct {
	// Prefix for log lines, e.g. "LLM->TTS"
	Prefix string

	// IgnoredFrameTypes are skipped, typically audio
	IgnoredFrameTypes []frames.Frame

	LogDirection bool

	// Logger to derive from; nil uses the default logger
	Logger *logger.Logger
}

func NewFrameLogger(config FrameLoggerConfig) *FrameLogger {
	if config.Prefix == "" {
		config.Prefix = "Frame"
	}
	base := config.Logger
	if base == nil {
		base = logger.GetDefault()
	}

	fl := &FrameLogger{
		logger:       base.WithPrefix(config.Prefix),
		ignored:      make(map[reflect.Type]bool),
		logDirection: config.LogDirection,
	}
	for _, f := range config.IgnoredFrameTypes {
		fl.ignored[reflect.TypeOf(f)] = true
	}

	fl.BaseProcessor = NewBaseProcessor("FrameLogger:"+config.Prefix, fl)
	return fl
}

func (fl *FrameLogger) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	if frame == nil {
		return nil
	}
	if !fl.ignored[reflect.TypeOf(frame)] && fl.logger.IsLevelEnabled(logger.DEBUG) {
		fl.logger.Debug("%s", fl.format(frame, direction))
	}
	return fl.PushFrame(frame, direction)
}

func (fl *FrameLogger) format(frame frames.Frame, direction frames.FrameDirection) string {
	s := frame.String()
	if !fl.logDirection {
		return s
	}
	if direction == frames.Downstream {
		return "→ " + s
	}
	return "← " + s
}
