package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/square-key-labs/buildr-voice-agent/src/logger"
	"github.com/square-key-labs/buildr-voice-agent/src/services"
)

const (
	DefaultURL      = "wss://api.deepgram.com/v1/listen"
	DefaultModel    = "nova-3"
	DefaultLanguage = "en"

	keepAliveInterval = 5 * time.Second
)

// STTConfig holds configuration for Deepgram
type STTConfig struct {
	APIKey     string
	URL        string // defaults to DefaultURL
	Language   string // e.g. "en"
	Model      string // e.g. "nova-3"
	SampleRate int    // linear16 mono, default 16000
}

// Transcriber opens Deepgram live transcription streams
type Transcriber struct {
	config STTConfig
	dialer *websocket.Dialer
	log    *logger.Logger
}

var _ services.Transcriber = (*Transcriber)(nil)

func NewTranscriber(config STTConfig) (*Transcriber, error) {
	if config.APIKey == "" {
		return nil, errors.New("deepgram: api key is required")
	}
	if config.URL == "" {
		config.URL = DefaultURL
	}
	if config.Language == "" {
		config.Language = DefaultLanguage
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.SampleRate == 0 {
		config.SampleRate = 16000
	}
	return &Transcriber{
		config: config,
		dialer: websocket.DefaultDialer,
		log:    logger.WithPrefix("DeepgramSTT"),
	}, nil
}

// NewSTTService returns a pipeline processor backed by Deepgram
func NewSTTService(config STTConfig) (*services.STTProcessor, error) {
	t, err := NewTranscriber(config)
	if err != nil {
		return nil, err
	}
	return services.NewSTTProcessor("DeepgramSTT", t), nil
}

func (t *Transcriber) Language() string { return t.config.Language }

func (t *Transcriber) listenURL() string {
	params := url.Values{}
	params.Set("language", t.config.Language)
	params.Set("model", t.config.Model)
	params.Set("encoding", "linear16")
	params.Set("sample_rate", strconv.Itoa(t.config.SampleRate))
	params.Set("channels", "1")
	params.Set("interim_results", "true")
	params.Set("smart_format", "true")
	params.Set("punctuate", "true")
	return t.config.URL + "?" + params.Encode()
}

func (t *Transcriber) Connect(ctx context.Context) (services.TranscriptionStream, error) {
	header := http.Header{}
	header.Set("Authorization", "Token "+t.config.APIKey)

	conn, _, err := t.dialer.DialContext(ctx, t.listenURL(), header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Deepgram: %w", err)
	}

	s := &stream{
		conn:    conn,
		results: make(chan services.Transcript, 64),
		done:    make(chan struct{}),
		log:     t.log,
	}
	go s.receive()
	go s.keepalive()
	t.log.Info("Connected (model=%s, language=%s)", t.config.Model, t.config.Language)
	return s, nil
}

type stream struct {
	conn    *websocket.Conn
	writeMu sync.Mutex // gorilla allows one concurrent writer
	results chan services.Transcript
	done    chan struct{}
	log     *logger.Logger

	mu     sync.Mutex
	err    error
	closed bool
}

type response struct {
	Type         string `json:"type"`
	IsFinal      bool   `json:"is_final"`
	SpeechFinal  bool   `json:"speech_final"`
	FromFinalize bool   `json:"from_finalize"`
	Channel      struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (s *stream) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.isClosed() {
		return services.ErrStreamClosed
	}
	return s.conn.WriteMessage(messageType, data)
}

func (s *stream) writeControl(kind string) error {
	b, _ := json.Marshal(map[string]string{"type": kind})
	return s.write(websocket.TextMessage, b)
}

func (s *stream) SendAudio(pcm []byte) error {
	return s.write(websocket.BinaryMessage, pcm)
}

func (s *stream) Finalize() error {
	return s.writeControl("Finalize")
}

func (s *stream) Results() <-chan services.Transcript { return s.results }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
	s.writeMu.Unlock()
	return s.conn.Close()
}

func (s *stream) receive() {
	defer close(s.results)
	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if s.isClosed() ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				s.log.Debug("Connection closed")
				return
			}
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			s.log.Error("Error reading message: %v", err)
			return
		}

		t, ok := parseResponse(message)
		if !ok {
			continue
		}
		select {
		case s.results <- t:
		case <-s.done:
			return
		}
	}
}

// parseResponse maps a Deepgram message to a transcript. Metadata and
// speech-started events are skipped. An empty final is kept when it closes
// an utterance so the listener learns the flush completed.
func parseResponse(message []byte) (services.Transcript, bool) {
	var r response
	if err := json.Unmarshal(message, &r); err != nil {
		return services.Transcript{}, false
	}
	if r.Type != "" && r.Type != "Results" {
		return services.Transcript{}, false
	}
	text := ""
	if len(r.Channel.Alternatives) > 0 {
		text = strings.TrimSpace(r.Channel.Alternatives[0].Transcript)
	}
	t := services.Transcript{
		Text:      text,
		Final:     r.IsFinal,
		Finalized: r.IsFinal && (r.SpeechFinal || r.FromFinalize),
	}
	if text == "" && !t.Finalized {
		return services.Transcript{}, false
	}
	return t, true
}

func (s *stream) keepalive() {
	// Deepgram closes idle streams after ~10 seconds without audio
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.writeControl("KeepAlive"); err != nil {
				s.log.Debug("Keepalive stopped: %v", err)
				return
			}
		}
	}
}
