package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/square-key-labs/buildr-voice-agent/src/logger"
	"github.com/square-key-labs/buildr-voice-agent/src/services"
)

const (
	DefaultBaseURL = "wss://api.elevenlabs.io/v1/text-to-speech"
	DefaultModel   = "eleven_flash_v2_5"
	DefaultVoiceID = "21m00Tcm4TlvDq8ikWAM"

	keepAliveInterval = 10 * time.Second
)

// VoiceSettings tune the ElevenLabs voice
type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// TTSConfig holds configuration for ElevenLabs
type TTSConfig struct {
	APIKey        string
	BaseURL       string
	VoiceID       string
	Model         string
	SampleRate    int // one of 16000, 22050, 24000, 44100; default 24000
	VoiceSettings *VoiceSettings
}

// Synthesizer multiplexes speech contexts over one multi-stream-input
// websocket.
type Synthesizer struct {
	config TTSConfig
	dialer *websocket.Dialer
	log    *logger.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	stop     chan struct{}
	contexts map[string]*speechContext

	writeMu sync.Mutex
}

var _ services.SpeechSynthesizer = (*Synthesizer)(nil)

func NewSynthesizer(config TTSConfig) (*Synthesizer, error) {
	if config.APIKey == "" {
		return nil, errors.New("elevenlabs: api key is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.VoiceID == "" {
		config.VoiceID = DefaultVoiceID
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	switch config.SampleRate {
	case 16000, 22050, 24000, 44100:
	case 0:
		config.SampleRate = 24000
	default:
		return nil, fmt.Errorf("elevenlabs: unsupported sample rate %d", config.SampleRate)
	}
	if config.VoiceSettings == nil {
		config.VoiceSettings = &VoiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	}
	return &Synthesizer{
		config:   config,
		dialer:   websocket.DefaultDialer,
		log:      logger.WithPrefix("ElevenLabsTTS"),
		contexts: make(map[string]*speechContext),
	}, nil
}

// NewTTSService returns a pipeline processor backed by ElevenLabs
func NewTTSService(config TTSConfig) (*services.TTSProcessor, error) {
	s, err := NewSynthesizer(config)
	if err != nil {
		return nil, err
	}
	return services.NewTTSProcessor("ElevenLabsTTS", s, services.TTSConfig{AggregateSentences: true}), nil
}

func (s *Synthesizer) SampleRate() int { return s.config.SampleRate }

func (s *Synthesizer) outputFormat() string {
	return "pcm_" + strconv.Itoa(s.config.SampleRate)
}

func (s *Synthesizer) connection(ctx context.Context) (*websocket.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}

	params := url.Values{}
	params.Set("model_id", s.config.Model)
	params.Set("output_format", s.outputFormat())
	wsURL := fmt.Sprintf("%s/%s/multi-stream-input?%s", s.config.BaseURL, s.config.VoiceID, params.Encode())

	header := http.Header{}
	header.Set("xi-api-key", s.config.APIKey)
	conn, _, err := s.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ElevenLabs: %w", err)
	}
	s.conn = conn
	s.stop = make(chan struct{})
	go s.receive(conn)
	go s.keepalive(conn, s.stop)
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
	}
	s.mu.Lock()
	s.contexts[c.id] = c
	s.mu.Unlock()

	// the first message of a context carries the voice settings
	init := map[string]any{"text": " ", "context_id": c.id, "voice_settings": s.config.VoiceSettings}
	if err := s.write(conn, init); err != nil {
		s.unregister(c.id)
		return nil, fmt.Errorf("init context: %w", err)
	}
	return c, nil
}

func (s *Synthesizer) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = s.write(conn, map[string]any{"close_socket": true})
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
	close(s.stop)
	open := make([]*speechContext, 0, len(s.contexts))
	for id, c := range s.contexts {
		open = append(open, c)
		delete(s.contexts, id)
	}
	s.mu.Unlock()

	for _, c := range open {
		c.Finish(err)
	}
}

type response struct {
	Audio     string `json:"audio"`
	IsFinal   bool   `json:"isFinal"`
	ContextID string `json:"contextId"`
	Error     string `json:"error"`
	Message   string `json:"message"`
}

func (s *Synthesizer) receive(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!strings.Contains(err.Error(), "use of closed network connection") {
				s.log.Warn("Connection lost: %v", err)
			}
			s.dropConnection(conn, fmt.Errorf("elevenlabs connection: %w", err))
			return
		}

		var resp response
		if err := json.Unmarshal(raw, &resp); err != nil {
			s.log.Warn("Error parsing response: %v", err)
			continue
		}
		c := s.lookup(resp.ContextID)
		if c == nil {
			continue
		}
		if resp.Error != "" {
			s.unregister(c.id)
			c.Finish(fmt.Errorf("elevenlabs error: %s: %s", resp.Error, resp.Message))
			continue
		}
		if resp.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				s.log.Warn("Error decoding audio: %v", err)
				continue
			}
			c.Deliver(pcm)
		}
		if resp.IsFinal {
			s.unregister(c.id)
			c.Finish(nil)
		}
	}
}

// keepalive stops idle contexts from timing out between turns.
func (s *Synthesizer) keepalive(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			ids := make([]string, 0, len(s.contexts))
			for id := range s.contexts {
				ids = append(ids, id)
			}
			s.mu.Unlock()
			for _, id := range ids {
				if err := s.write(conn, map[string]any{"text": "", "context_id": id}); err != nil {
					s.log.Debug("Keepalive stopped: %v", err)
					return
				}
			}
		}
	}
}

type speechContext struct {
	*services.AudioStream
	id    string
	synth *Synthesizer
	conn  *websocket.Conn
}

func (c *speechContext) SendText(text string) error {
	if c.Finished() {
		return services.ErrStreamClosed
	}
	return c.synth.write(c.conn, map[string]any{"text": text, "context_id": c.id})
}

// Flush generates what is buffered and closes the context, so the server
// answers with a final message once the audio is out.
func (c *speechContext) Flush() error {
	if c.Finished() {
		return services.ErrStreamClosed
	}
	if err := c.synth.write(c.conn, map[string]any{"text": "", "context_id": c.id, "flush": true}); err != nil {
		return err
	}
	return c.synth.write(c.conn, map[string]any{"context_id": c.id, "close_context": true})
}

func (c *speechContext) Close() error {
	if c.Finished() {
		return nil
	}
	c.synth.unregister(c.id)
	err := c.synth.write(c.conn, map[string]any{"context_id": c.id, "close_context": true})
	c.Finish(nil)
	return err
}
