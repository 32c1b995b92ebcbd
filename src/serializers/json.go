package serializers

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/square-key-labs/buildr-voice-agent/src/frames"
)

const (
	TopicTranscription = "lk.transcription"
	TopicAgentState    = "lk.agent.state"
)

type transcription struct {
	Type        string `json:"type"`
	SegmentID   string `json:"segment_id"`
	Participant string `json:"participant,omitempty"`
	Role        string `json:"role"`
	Text        string `json:"text"`
	Final       bool   `json:"final"`
	Timestamp   int64  `json:"timestamp"`
}

type agentState struct {
	Type      string `json:"type"`
	State     string `json:"state"`
	Timestamp int64  `json:"timestamp"`
}

// JSONSerializer publishes transcripts and agent state as JSON. Interim user
// transcripts share a segment id with the final that replaces them.
type JSONSerializer struct {
	mu           sync.Mutex
	participants map[string]string // role -> identity
	pending      map[string]string // role -> open segment id
	now          func() time.Time
}

var _ FrameSerializer = (*JSONSerializer)(nil)

func NewJSONSerializer(participants map[string]string) *JSONSerializer {
	if participants == nil {
		participants = make(map[string]string)
	}
	return &JSONSerializer{participants: participants, pending: make(map[string]string), now: time.Now}
}

func (s *JSONSerializer) Serialize(frame frames.Frame) (Message, bool, error) {
	switch f := frame.(type) {
	case *frames.TranscriptFrame:
		msg := transcription{
			Type:        "transcription",
			SegmentID:   s.segmentID(f.Role, f.Final),
			Participant: s.participant(f.Role),
			Role:        f.Role,
			Text:        f.Text,
			Final:       f.Final,
			Timestamp:   s.now().UnixMilli(),
		}
		return s.encode(TopicTranscription, msg)
	case *frames.AgentStateFrame:
		return s.encode(TopicAgentState, agentState{Type: "agent_state", State: f.State, Timestamp: s.now().UnixMilli()})
	}
	return Message{}, false, nil
}

// SetParticipant attributes role's transcripts to identity.
func (s *JSONSerializer) SetParticipant(role, identity string) {
	s.mu.Lock()
	s.participants[role] = identity
	s.mu.Unlock()
}

func (s *JSONSerializer) participant(role string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participants[role]
}

func (s *JSONSerializer) segmentID(role string, final bool) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.pending[role]
	if !ok {
		id = "SG_" + uuid.NewString()
	}
	if final {
		delete(s.pending, role)
	} else {
		s.pending[role] = id
	}
	return id
}

func (s *JSONSerializer) encode(topic string, v any) (Message, bool, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Message{}, false, fmt.Errorf("encode %s message: %w", topic, err)
	}
	return Message{Topic: topic, Payload: payload}, true, nil
}
