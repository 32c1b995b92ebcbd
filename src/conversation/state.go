package conversation

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrAlreadySeeded = errors.New("conversation already seeded")
	ErrInvalidRole   = errors.New("invalid turn role")
)

// Seed is everything a conversation starts with.
type Seed struct {
	Goals         []Goal
	Policy        string
	MemoryContext string
	FriendlyName  string
}

// State is the append-only turn history of one session. Turns are never
// reordered or removed. There is no eviction: a very long session grows
// without bound.
type State struct {
	mu     sync.RWMutex
	turns  []Turn
	seeded bool
}

func NewState() *State {
	return &State{}
}

// Seed appends the opening system/assistant turns. It may be called once.
func (s *State) Seed(seed Seed) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seeded {
		return ErrAlreadySeeded
	}
	s.seeded = true

	s.turns = append(s.turns, Turn{Role: RoleSystem, Content: GoalsInstruction(seed.Goals)})
	if seed.Policy != "" {
		s.turns = append(s.turns, Turn{Role: RoleSystem, Content: seed.Policy})
	}
	if seed.MemoryContext != "" {
		s.turns = append(s.turns, Turn{Role: RoleSystem, Content: MemoryContextInstruction(seed.MemoryContext)})
	}
	name := seed.FriendlyName
	if name == "" {
		name = DefaultFriendlyName
	}
	s.turns = append(s.turns, Turn{Role: RoleAssistant, Content: FriendlyNameFact(name)})
	return nil
}

func (s *State) AppendTurn(role Role, content string) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	s.mu.Lock()
	s.turns = append(s.turns, Turn{Role: role, Content: content})
	s.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the history. Take a new one for every LLM call.
func (s *State) Snapshot() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}
