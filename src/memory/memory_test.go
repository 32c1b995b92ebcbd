package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeServer struct {
	mu     sync.Mutex
	calls  []string
	bodies map[string]map[string]any
	fail   map[string]int
	hang   chan struct{}
}

func (s *storeServer) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Api-Key secret", r.Header.Get("Authorization"))

		assert.True(t, strings.HasPrefix(r.URL.Path, "/api/v2/"), r.URL.Path)

		op := r.Method + " " + r.URL.Path
		switch {
		case strings.HasSuffix(r.URL.Path, "/messages"):
			op = "messages"
		case strings.HasSuffix(r.URL.Path, "/context"):
			op = "context"
		case strings.HasSuffix(r.URL.Path, "/users"):
			op = "users"
		case strings.HasSuffix(r.URL.Path, "/threads"):
			op = "threads"
		}
		var body map[string]any
		if r.Method == http.MethodPost {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}
		s.mu.Lock()
		s.calls = append(s.calls, op)
		if s.bodies == nil {
			s.bodies = map[string]map[string]any{}
		}
		s.bodies[op] = body
		status := s.fail[op]
		s.mu.Unlock()

		if s.hang != nil {
			select {
			case <-s.hang:
			case <-r.Context().Done():
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if status != 0 {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"message":"boom"}`))
			return
		}
		if op == "context" {
			_ = json.NewEncoder(w).Encode(map[string]string{"context": "  Jordan is renovating a 1950s bungalow.  "})
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{}`))
	})
}

func (s *storeServer) body(op string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bodies[op]
}

func (s *storeServer) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func newStore(t *testing.T, s *storeServer) *Client {
	t.Helper()
	srv := httptest.NewServer(s.handler(t))
	t.Cleanup(srv.Close)
	c, err := NewClient(ClientConfig{APIKey: "secret", BaseURL: srv.URL + "/api/v2"})
	require.NoError(t, err)
	return c
}

func waitDone(t *testing.T, task *Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("enrichment did not finish")
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient(ClientConfig{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestEnrichmentRetrievesContext(t *testing.T) {
	s := &storeServer{}
	task := NewEnricher(newStore(t, s), time.Second).Start(context.Background(), User{ID: "u_1", FriendlyName: "Jordan"})
	waitDone(t, task)

	block, ok := task.TryResult()
	assert.True(t, ok)
	assert.Equal(t, "Jordan is renovating a 1950s bungalow.", block)
	assert.Equal(t, []string{"users", "threads", "messages", "context"}, s.seen())

	assert.Equal(t, "u_1", s.body("users")["user_id"])
	assert.Equal(t, "Jordan", s.body("users")["first_name"])
	assert.Equal(t, "u_1", s.body("threads")["user_id"])
	assert.True(t, strings.HasPrefix(s.body("threads")["thread_id"].(string), "thread_"))

	msgs, ok := s.body("messages")["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	first := msgs[0].(map[string]any)
	assert.Equal(t, "user", first["role"])
	assert.Equal(t, "Jordan", first["name"])
	assert.Contains(t, first["content"], "renovation project")
	assert.Equal(t, "assistant", msgs[1].(map[string]any)["role"])
}

func TestEnrichmentSurvivesFailedStep(t *testing.T) {
	tests := []struct {
		name   string
		failOp string
		want   string
	}{
		{"user registration fails", "users", "Jordan is renovating a 1950s bungalow."},
		{"thread creation fails", "threads", "Jordan is renovating a 1950s bungalow."},
		{"seeding fails", "messages", "Jordan is renovating a 1950s bungalow."},
		{"retrieval fails", "context", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &storeServer{fail: map[string]int{tt.failOp: http.StatusInternalServerError}}
			task := NewEnricher(newStore(t, s), time.Second).Start(context.Background(), User{ID: "u_1", FriendlyName: "Jordan"})
			waitDone(t, task)

			block, ok := task.TryResult()
			assert.True(t, ok)
			assert.Equal(t, tt.want, block)
			assert.Len(t, s.seen(), 4)
		})
	}
}

func TestExistingUserIsNotAnError(t *testing.T) {
	s := &storeServer{fail: map[string]int{"users": http.StatusConflict}}
	c := newStore(t, s)
	assert.NoError(t, c.AddUser(context.Background(), "u_1", "Jordan"))
}

func TestAPIErrorCarriesStatus(t *testing.T) {
	s := &storeServer{fail: map[string]int{"threads": http.StatusUnauthorized}}
	c := newStore(t, s)

	err := c.CreateThread(context.Background(), "t", "u_1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "thread.create", apiErr.Op)
	assert.Equal(t, []string{"threads"}, s.seen(), "a failed call is not retried by default")
}

func TestHangingStoreNeverBlocksCaller(t *testing.T) {
	s := &storeServer{hang: make(chan struct{})}
	defer close(s.hang)

	start := time.Now()
	task := NewEnricher(newStore(t, s), time.Minute).Start(context.Background(), User{ID: "u_1"})
	_, ok := task.TryResult()
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	task.Cancel()
	waitDone(t, task)
}

func TestMissingUserIDSkipsEnrichment(t *testing.T) {
	s := &storeServer{}
	task := NewEnricher(newStore(t, s), time.Second).Start(context.Background(), User{})
	waitDone(t, task)

	block, ok := task.TryResult()
	assert.True(t, ok)
	assert.Empty(t, block)
	assert.Empty(t, s.seen())
}
