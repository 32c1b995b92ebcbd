package openai

import (
	"context"
	"errors"
	"fmt"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/square-key-labs/buildr-voice-agent/src/conversation"
	"github.com/square-key-labs/buildr-voice-agent/src/services"
)

const (
	DefaultModel           = "gpt-5-nano"
	DefaultReasoningEffort = "low"
)

// LLMConfig holds configuration for OpenAI
type LLMConfig struct {
	APIKey          string
	BaseURL         string // optional, for compatible endpoints
	Model           string // e.g. "gpt-5-nano"
	ReasoningEffort string // "minimal", "low", "medium", "high"; empty disables
	SystemPrompt    string
}

// Streamer streams chat completions from OpenAI
type Streamer struct {
	client *goopenai.Client
	model  string
	effort string
}

var _ services.ChatStreamer = (*Streamer)(nil)

func NewStreamer(config LLMConfig) (*Streamer, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	cfg := goopenai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		cfg.BaseURL = config.BaseURL
	}
	model := config.Model
	if model == "" {
		model = DefaultModel
	}
	return &Streamer{
		client: goopenai.NewClientWithConfig(cfg),
		model:  model,
		effort: config.ReasoningEffort,
	}, nil
}

// NewLLMService returns a pipeline processor backed by OpenAI
func NewLLMService(config LLMConfig) (*services.LLMProcessor, error) {
	s, err := NewStreamer(config)
	if err != nil {
		return nil, err
	}
	return services.NewLLMProcessor("OpenAI", s, services.LLMConfig{SystemPrompt: config.SystemPrompt}), nil
}

func (s *Streamer) Model() string { return s.model }

func (s *Streamer) buildRequest(req services.ChatRequest) goopenai.ChatCompletionRequest {
	msgs := req.Messages()
	out := make([]goopenai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, goopenai.ChatCompletionMessage{Role: roleOf(m.Role), Content: m.Content})
	}
	return goopenai.ChatCompletionRequest{
		Model:           s.model,
		Messages:        out,
		Stream:          true,
		ReasoningEffort: s.effort,
	}
}

func roleOf(r conversation.Role) string {
	switch r {
	case conversation.RoleAssistant:
		return goopenai.ChatMessageRoleAssistant
	case conversation.RoleUser:
		return goopenai.ChatMessageRoleUser
	default:
		return goopenai.ChatMessageRoleSystem
	}
}

func (s *Streamer) StreamChat(ctx context.Context, req services.ChatRequest) (services.TextStream, error) {
	stream, err := s.client.CreateChatCompletionStream(ctx, s.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}
	return &textStream{stream: stream}, nil
}

type textStream struct {
	stream *goopenai.ChatCompletionStream
}

// Recv returns the next content delta. Chunks without content (role
// announcements, usage) are skipped.
func (t *textStream) Recv() (string, error) {
	for {
		resp, err := t.stream.Recv()
		if err != nil {
			return "", err
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content != "" {
				return choice.Delta.Content, nil
			}
		}
	}
}

func (t *textStream) Close() error {
	return t.stream.Close()
}
