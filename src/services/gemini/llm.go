package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"cloud.google.com/go/auth/credentials"
	"google.golang.org/genai"

	"github.com/square-key-labs/buildr-voice-agent/src/conversation"
	"github.com/square-key-labs/buildr-voice-agent/src/logger"
	"github.com/square-key-labs/buildr-voice-agent/src/services"
)

const (
	DefaultModel = "gemini-2.5-flash"

	cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"
)

// LLMConfig holds configuration for Gemini. With Project set the Vertex AI
// backend is used with application default credentials; otherwise APIKey
// selects the Gemini API.
type LLMConfig struct {
	APIKey          string
	Project         string
	Location        string // Vertex region, default "us-central1"
	Model           string
	ReasoningEffort string // mapped to a thinking budget
	SystemPrompt    string
}

// thinking budgets in tokens per reasoning effort
var thinkingBudgets = map[string]int32{
	"minimal": 0,
	"low":     512,
	"medium":  2048,
	"high":    8192,
}

// Streamer streams completions from Gemini
type Streamer struct {
	models *genai.Models
	model  string
	budget *int32
	log    *logger.Logger
}

var _ services.ChatStreamer = (*Streamer)(nil)

func NewStreamer(ctx context.Context, config LLMConfig) (*Streamer, error) {
	cc, err := clientConfig(config)
	if err != nil {
		return nil, err
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}

	model := config.Model
	if model == "" {
		model = DefaultModel
	}
	s := &Streamer{models: client.Models, model: model, log: logger.WithPrefix("Gemini")}
	if b, ok := thinkingBudgets[config.ReasoningEffort]; ok {
		s.budget = genai.Ptr(b)
	}
	s.log.Info("Initialized with model %s (%s)", model, cc.Backend)
	return s, nil
}

func clientConfig(config LLMConfig) (*genai.ClientConfig, error) {
	if config.Project == "" {
		if config.APIKey == "" {
			return nil, errors.New("gemini: api key or project is required")
		}
		return &genai.ClientConfig{APIKey: config.APIKey, Backend: genai.BackendGeminiAPI}, nil
	}

	creds, err := credentials.DetectDefault(&credentials.DetectOptions{
		Scopes: []string{cloudPlatformScope},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: detect credentials: %w", err)
	}
	location := config.Location
	if location == "" {
		location = "us-central1"
	}
	return &genai.ClientConfig{
		Backend:     genai.BackendVertexAI,
		Project:     config.Project,
		Location:    location,
		Credentials: creds,
	}, nil
}

// NewLLMService returns a pipeline processor backed by Gemini
func NewLLMService(ctx context.Context, config LLMConfig) (*services.LLMProcessor, error) {
	s, err := NewStreamer(ctx, config)
	if err != nil {
		return nil, err
	}
	return services.NewLLMProcessor("Gemini", s, services.LLMConfig{SystemPrompt: config.SystemPrompt}), nil
}

func (s *Streamer) Model() string { return s.model }

// buildContents splits a request into the system instruction and the
// user/model contents. Gemini has no system role inside contents, so system
// turns are folded into the instruction in order and the one-shot
// instruction becomes the final user content.
func buildContents(req services.ChatRequest) (*genai.Content, []*genai.Content) {
	var system []string
	if req.SystemPrompt != "" {
		system = append(system, req.SystemPrompt)
	}
	var contents []*genai.Content
	for _, t := range req.Turns {
		switch t.Role {
		case conversation.RoleSystem:
			system = append(system, t.Content)
		case conversation.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(t.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(t.Content, genai.RoleUser))
		}
	}
	if req.Instruction != "" {
		contents = append(contents, genai.NewContentFromText(req.Instruction, genai.RoleUser))
	}

	var instruction *genai.Content
	if len(system) > 0 {
		instruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}
	return instruction, contents
}

func (s *Streamer) StreamChat(ctx context.Context, req services.ChatRequest) (services.TextStream, error) {
	instruction, contents := buildContents(req)
	if len(contents) == 0 {
		return nil, errors.New("gemini: request has no contents")
	}
	cfg := &genai.GenerateContentConfig{SystemInstruction: instruction}
	if s.budget != nil {
		cfg.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: s.budget}
	}

	next, stop := iter.Pull2(s.models.GenerateContentStream(ctx, s.model, contents, cfg))
	return &textStream{next: next, stop: stop}, nil
}

type textStream struct {
	next func() (*genai.GenerateContentResponse, error, bool)
	stop func()
}

func (t *textStream) Recv() (string, error) {
	for {
		resp, err, ok := t.next()
		if !ok {
			return "", io.EOF
		}
		if err != nil {
			return "", err
		}
		if text := resp.Text(); text != "" {
			return text, nil
		}
	}
}

func (t *textStream) Close() error {
	t.stop()
	return nil
}
