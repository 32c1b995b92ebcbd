package cartesia

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	*httptest.Server
	received chan map[string]any
}

// newFakeServer answers every flushed context with one chunk per transcript
// it received, then done. A transcript of "fail" produces an error instead.
func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{received: make(chan map[string]any, 32)}
	upgrader := websocket.Upgrader{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.URL.Query().Get("api_key"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		texts := map[string][]string{}
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			fs.received <- msg
			id, _ := msg["context_id"].(string)
			if _, ok := msg["cancel"]; ok {
				continue
			}
			text, _ := msg["transcript"].(string)
			if text == "fail" {
				_ = conn.WriteJSON(map[string]any{"type": "error", "context_id": id, "error": "bad voice", "status_code": 400})
				continue
			}
			if text != "" {
				texts[id] = append(texts[id], text)
			}
			if cont, _ := msg["continue"].(bool); !cont {
				for _, tx := range texts[id] {
					_ = conn.WriteJSON(map[string]any{
						"type": "chunk", "context_id": id,
						"data": base64.StdEncoding.EncodeToString([]byte(tx)),
					})
				}
				_ = conn.WriteJSON(map[string]any{"type": "done", "context_id": id, "done": true})
			}
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http")
}

func collect(t *testing.T, ch <-chan []byte) []string {
	t.Helper()
	var out []string
	timeout := time.After(2 * time.Second)
	for {
		select {
		case b, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, string(b))
		case <-timeout:
			t.Fatal("audio not closed")
			return out
		}
	}
}

func TestNewSynthesizerDefaults(t *testing.T) {
	_, err := NewSynthesizer(TTSConfig{})
	assert.Error(t, err)

	s, err := NewSynthesizer(TTSConfig{APIKey: "key"})
	require.NoError(t, err)
	assert.Equal(t, 24000, s.SampleRate())
	assert.Equal(t, DefaultModel, s.config.Model)
	assert.Equal(t, DefaultVoiceID, s.config.VoiceID)
}

func TestSpeechContextStreamsAudio(t *testing.T) {
	fs := newFakeServer(t)
	s, err := NewSynthesizer(TTSConfig{APIKey: "key", URL: fs.wsURL()})
	require.NoError(t, err)
	defer s.Close()

	sc, err := s.NewContext(context.Background())
	require.NoError(t, err)
	require.NoError(t, sc.SendText("Hello. "))
	require.NoError(t, sc.SendText("Which room?"))
	require.NoError(t, sc.Flush())

	assert.Equal(t, []string{"Hello. ", "Which room?"}, collect(t, sc.Audio()))
	assert.NoError(t, sc.Err())

	first := <-fs.received
	assert.Equal(t, DefaultModel, first["model_id"])
	assert.Equal(t, true, first["continue"])
	format := first["output_format"].(map[string]any)
	assert.Equal(t, "pcm_s16le", format["encoding"])
}

func TestSpeechContextReportsServerError(t *testing.T) {
	fs := newFakeServer(t)
	s, err := NewSynthesizer(TTSConfig{APIKey: "key", URL: fs.wsURL()})
	require.NoError(t, err)
	defer s.Close()

	sc, err := s.NewContext(context.Background())
	require.NoError(t, err)
	require.NoError(t, sc.SendText("fail"))

	assert.Empty(t, collect(t, sc.Audio()))
	assert.ErrorContains(t, sc.Err(), "bad voice")
}

func TestSpeechContextCloseCancels(t *testing.T) {
	fs := newFakeServer(t)
	s, err := NewSynthesizer(TTSConfig{APIKey: "key", URL: fs.wsURL()})
	require.NoError(t, err)
	defer s.Close()

	sc, err := s.NewContext(context.Background())
	require.NoError(t, err)
	require.NoError(t, sc.SendText("Let me think"))
	require.NoError(t, sc.Close())

	assert.Empty(t, collect(t, sc.Audio()))
	assert.NoError(t, sc.Err())

	<-fs.received
	cancel := <-fs.received
	assert.Equal(t, true, cancel["cancel"])
	assert.Error(t, sc.SendText("more"))
}
