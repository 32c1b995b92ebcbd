package interruptions

import (
	"strings"
	"sync"
)

// MinWords interrupts once the user has said at least minWords words.
type MinWords struct {
	minWords int

	mu        sync.Mutex
	committed []string
	interim   string
}

func NewMinWords(minWords int) *MinWords {
	return &MinWords{minWords: minWords}
}

func (m *MinWords) AppendText(text string, final bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if final {
		if t := strings.TrimSpace(text); t != "" {
			m.committed = append(m.committed, t)
		}
		m.interim = ""
		return
	}
	m.interim = text
}

func (m *MinWords) ShouldInterrupt() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(strings.Fields(m.interim))
	for _, c := range m.committed {
		n += len(strings.Fields(c))
	}
	return n >= m.minWords
}

func (m *MinWords) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.committed = nil
	m.interim = ""
}
