package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/buildr-voice-agent/src/services"
)

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want services.Transcript
		ok   bool
	}{
		{
			name: "interim",
			msg:  `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"my kitch"}]}}`,
			want: services.Transcript{Text: "my kitch"},
			ok:   true,
		},
		{
			name: "final",
			msg:  `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"my kitchen"}]}}`,
			want: services.Transcript{Text: "my kitchen", Final: true},
			ok:   true,
		},
		{
			name: "finalized by request",
			msg:  `{"type":"Results","is_final":true,"from_finalize":true,"channel":{"alternatives":[{"transcript":" needs work "}]}}`,
			want: services.Transcript{Text: "needs work", Final: true, Finalized: true},
			ok:   true,
		},
		{
			name: "empty finalized final is kept",
			msg:  `{"type":"Results","is_final":true,"speech_final":true,"channel":{"alternatives":[{"transcript":""}]}}`,
			want: services.Transcript{Final: true, Finalized: true},
			ok:   true,
		},
		{
			name: "empty interim is dropped",
			msg:  `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":""}]}}`,
		},
		{
			name: "metadata is dropped",
			msg:  `{"type":"Metadata","request_id":"x"}`,
		},
		{
			name: "garbage",
			msg:  `not json`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseResponse([]byte(tt.msg))
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestNewTranscriberRequiresKey(t *testing.T) {
	_, err := NewTranscriber(STTConfig{})
	assert.Error(t, err)
}

func TestStreamRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotAuth := make(chan string, 1)
	gotQuery := make(chan string, 1)
	gotFinalize := make(chan struct{}, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		gotQuery <- r.URL.RawQuery
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.BinaryMessage {
				_ = conn.WriteMessage(websocket.TextMessage,
					[]byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hello"}]}}`))
				continue
			}
			if strings.Contains(string(msg), "Finalize") {
				gotFinalize <- struct{}{}
				_ = conn.WriteMessage(websocket.TextMessage,
					[]byte(`{"type":"Results","is_final":true,"from_finalize":true,"channel":{"alternatives":[{"transcript":"world"}]}}`))
			}
		}
	}))
	defer srv.Close()

	tr, err := NewTranscriber(STTConfig{APIKey: "key", URL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	require.NoError(t, err)

	s, err := tr.Connect(context.Background())
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "Token key", <-gotAuth)
	query := <-gotQuery
	assert.Contains(t, query, "encoding=linear16")
	assert.Contains(t, query, "sample_rate=16000")
	assert.Contains(t, query, "interim_results=true")

	require.NoError(t, s.SendAudio(make([]byte, 320)))
	select {
	case got := <-s.Results():
		assert.Equal(t, services.Transcript{Text: "hello", Final: true}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("no transcript")
	}

	require.NoError(t, s.Finalize())
	<-gotFinalize
	select {
	case got := <-s.Results():
		assert.True(t, got.Finalized)
		assert.Equal(t, "world", got.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("no finalized transcript")
	}

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.SendAudio([]byte{0, 0}), services.ErrStreamClosed)
}
