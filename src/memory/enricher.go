package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/square-key-labs/buildr-voice-agent/src/logger"
)

// Store is the subset of the memory API the enricher drives.
type Store interface {
	AddUser(ctx context.Context, userID, firstName string) error
	CreateThread(ctx context.Context, threadID, userID string) error
	AddMessages(ctx context.Context, threadID string, messages []Message) error
	GetUserContext(ctx context.Context, threadID string) (string, error)
}

var _ Store = (*Client)(nil)

// User identifies whose memory to fetch.
type User struct {
	ID           string
	FriendlyName string
}

// Enricher runs the register/thread/seed/retrieve sequence in the background
// for each session.
type Enricher struct {
	store   Store
	timeout time.Duration
	log     *logger.Logger
}

// NewEnricher returns an enricher whose whole sequence is bounded by timeout
// (default 15s).
func NewEnricher(store Store, timeout time.Duration) *Enricher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Enricher{store: store, timeout: timeout, log: logger.WithPrefix("Memory")}
}

// Start spawns the sequence and returns immediately.
func (e *Enricher) Start(ctx context.Context, user User) *Task {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	t := &Task{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer cancel()
		defer close(t.done)
		block := e.run(ctx, user)
		t.mu.Lock()
		t.block = block
		t.mu.Unlock()
	}()
	return t
}

func (e *Enricher) run(ctx context.Context, user User) string {
	if user.ID == "" {
		e.log.Info("No user id, skipping memory enrichment")
		return ""
	}
	threadID := "thread_" + uuid.NewString()

	if err := e.store.AddUser(ctx, user.ID, user.FriendlyName); err != nil {
		e.log.Warn("Register user %s: %v", user.ID, err)
	}
	if err := e.store.CreateThread(ctx, threadID, user.ID); err != nil {
		e.log.Warn("Create thread: %v", err)
	}
	if err := e.store.AddMessages(ctx, threadID, openingExchange(user.FriendlyName)); err != nil {
		e.log.Warn("Seed thread: %v", err)
	}
	block, err := e.store.GetUserContext(ctx, threadID)
	if err != nil {
		e.log.Warn("Retrieve context: %v", err)
		return ""
	}
	block = strings.TrimSpace(block)
	e.log.Debug("Retrieved %d chars of context for %s", len(block), user.ID)
	return block
}

func openingExchange(name string) []Message {
	if name == "" {
		name = "there"
	}
	return []Message{
		{Role: "user", Name: name, Content: fmt.Sprintf("Hi, this is %s. I'd like help with a building or renovation project.", name)},
		{Role: "assistant", Name: "buildr", Content: fmt.Sprintf("Hi %s! What is the project and which room or area are we working on?", name)},
	}
}

// Task is a running enrichment. The zero value is not usable.
type Task struct {
	done   chan struct{}
	cancel context.CancelFunc

	mu    sync.Mutex
	block string
}

// TryResult never blocks. ok is false while the sequence is still running.
func (t *Task) TryResult() (block string, ok bool) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.block, true
	default:
		return "", false
	}
}

// Cancel abandons the sequence. The result, if any, is discarded.
func (t *Task) Cancel() {
	t.cancel()
}

// Done is closed when the sequence has returned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}
