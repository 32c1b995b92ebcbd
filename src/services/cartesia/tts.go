package cartesia

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/square-key-labs/buildr-voice-agent/src/logger"
	"github.com/square-key-labs/buildr-voice-agent/src/services"
)

const (
	DefaultURL     = "wss://api.cartesia.ai/tts/websocket"
	DefaultModel   = "sonic-2"
	DefaultVoiceID = "9626c31c-bec5-4cca-baa8-f8ba9e84c8bc"
	DefaultVersion = "2025-04-16"
)

// GenerationConfig holds optional Sonic generation parameters
type GenerationConfig struct {
	Volume  float64 `json:"volume,omitempty"`  // [0.5, 2.0]
	Speed   float64 `json:"speed,omitempty"`   // [0.6, 1.5]
	Emotion string  `json:"emotion,omitempty"` // neutral, excited, ...
}

// TTSConfig holds configuration for Cartesia TTS
type TTSConfig struct {
	APIKey           string
	URL              string
	VoiceID          string
	Model            string
	CartesiaVersion  string
	Language         string
	SampleRate       int // pcm_s16le mono, default 24000
	GenerationConfig *GenerationConfig
}

// Synthesizer multiplexes speech contexts over one Cartesia websocket.
// Contexts are told apart by their context_id. A dropped connection fails
// every open context and is redialed by the next NewContext.
type Synthesizer struct {
	config TTSConfig
	dialer *websocket.Dialer
	log    *logger.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	contexts map[string]*speechContext

	writeMu sync.Mutex
}

var _ services.SpeechSynthesizer = (*Synthesizer)(nil)

func NewSynthesizer(config TTSConfig) (*Synthesizer, error) {
	if config.APIKey == "" {
		return nil, errors.New("cartesia: api key is required")
	}
	if config.URL == "" {
		config.URL = DefaultURL
	}
	if config.VoiceID == "" {
		config.VoiceID = DefaultVoiceID
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.CartesiaVersion == "" {
		config.CartesiaVersion = DefaultVersion
	}
	if config.Language == "" {
		config.Language = "en"
	}
	if config.SampleRate == 0 {
		config.SampleRate = 24000
	}
	return &Synthesizer{
		config:   config,
		dialer:   websocket.DefaultDialer,
		log:      logger.WithPrefix("CartesiaTTS"),
		contexts: make(map[string]*speechContext),
	}, nil
}

// NewTTSService returns a pipeline processor backed by Cartesia
func NewTTSService(config TTSConfig) (*services.TTSProcessor, error) {
	s, err := NewSynthesizer(config)
	if err != nil {
		return nil, err
	}
	return services.NewTTSProcessor("CartesiaTTS", s, services.TTSConfig{AggregateSentences: true}), nil
}

func (s *Synthesizer) SampleRate() int { return s.config.SampleRate }

func (s *Synthesizer) connection(ctx context.Context) (*websocket.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}

	params := url.Values{}
	params.Set("api_key", s.config.APIKey)
	params.Set("cartesia_version", s.config.CartesiaVersion)
	conn, _, err := s.dialer.DialContext(ctx, s.config.URL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Cartesia: %w", err)
	}
	s.conn = conn
	go s.receive(conn)
	s.log.Info("Connected (model=%s, voice=%s)", s.config.Model, s.config.VoiceID)
	return conn, nil
}

func (s *Synthesizer) NewContext(ctx context.Context) (services.SpeechContext, error) {
	conn, err := s.connection(ctx)
	if err != nil {
		return nil, err
	}
	c := &speechContext{
		AudioStream: services.NewAudioStream(256),
		id:          uuid.NewString(),
		synth:       s,
		conn:        conn,
		started:     time.Now(),
	}
	s.mu.Lock()
	s.contexts[c.id] = c
	s.mu.Unlock()
	return c, nil
}

// Close drops the connection and fails open contexts.
func (s *Synthesizer) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	s.dropConnection(conn, services.ErrStreamClosed)
	return conn.Close()
}

func (s *Synthesizer) write(conn *websocket.Conn, msg any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

func (s *Synthesizer) unregister(id string) {
	s.mu.Lock()
	delete(s.contexts, id)
	s.mu.Unlock()
}

func (s *Synthesizer) lookup(id string) *speechContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contexts[id]
}

func (s *Synthesizer) dropConnection(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	var open []*speechContext
	for id, c := range s.contexts {
		if c.conn == conn {
			open = append(open, c)
			delete(s.contexts, id)
		}
	}
	s.mu.Unlock()

	for _, c := range open {
		c.Finish(err)
	}
}

type message struct {
	Type       string `json:"type"`
	ContextID  string `json:"context_id"`
	Data       string `json:"data"`
	Done       bool   `json:"done"`
	Error      string `json:"error"`
	StatusCode int    `json:"status_code"`
}

func (s *Synthesizer) receive(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!strings.Contains(err.Error(), "use of closed network connection") {
				s.log.Warn("Connection lost: %v", err)
			}
			s.dropConnection(conn, fmt.Errorf("cartesia connection: %w", err))
			return
		}

		var msg message
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.log.Warn("Error parsing response: %v", err)
			continue
		}
		c := s.lookup(msg.ContextID)
		if c == nil {
			// interrupted or finished context
			continue
		}

		switch msg.Type {
		case "chunk":
			pcm, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				s.log.Warn("Error decoding audio: %v", err)
				continue
			}
			c.bytes += len(pcm)
			c.Deliver(pcm)
		case "done":
			s.log.Debug("Context %s done: %d bytes in %v", c.id, c.bytes, time.Since(c.started))
			s.unregister(c.id)
			c.Finish(nil)
		case "error":
			s.unregister(c.id)
			c.Finish(fmt.Errorf("cartesia error (%d): %s", msg.StatusCode, msg.Error))
		case "timestamps", "flush_done":
		default:
			s.log.Debug("Unknown message type: %s", msg.Type)
		}
	}
}

type speechContext struct {
	*services.AudioStream
	id      string
	synth   *Synthesizer
	conn    *websocket.Conn
	started time.Time
	bytes   int // touched by the receive goroutine only
}

func (c *speechContext) request(text string, cont bool) map[string]any {
	cfg := c.synth.config
	msg := map[string]any{
		"model_id":   cfg.Model,
		"transcript": text,
		"continue":   cont,
		"context_id": c.id,
		"language":   cfg.Language,
		"voice":      map[string]any{"mode": "id", "id": cfg.VoiceID},
		"output_format": map[string]any{
			"container":   "raw",
			"encoding":    "pcm_s16le",
			"sample_rate": cfg.SampleRate,
		},
	}
	if cfg.GenerationConfig != nil {
		msg["generation_config"] = cfg.GenerationConfig
	}
	return msg
}

func (c *speechContext) SendText(text string) error {
	if c.Finished() {
		return services.ErrStreamClosed
	}
	return c.synth.write(c.conn, c.request(text, true))
}

func (c *speechContext) Flush() error {
	if c.Finished() {
		return services.ErrStreamClosed
	}
	return c.synth.write(c.conn, c.request("", false))
}

// Close cancels the context on the server and ends Audio.
func (c *speechContext) Close() error {
	if c.Finished() {
		return nil
	}
	c.synth.unregister(c.id)
	err := c.synth.write(c.conn, map[string]any{"context_id": c.id, "cancel": true})
	c.Finish(nil)
	return err
}
