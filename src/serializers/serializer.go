package serializers

import (
	"github.com/square-key-labs/buildr-voice-agent/src/frames"
)

// Message is a data packet published to the room.
type Message struct {
	Topic   string
	Payload []byte
}

// FrameSerializer turns frames leaving the session into room data messages.
type FrameSerializer interface {
	// Serialize returns ok=false for frames that are not published.
	Serialize(frame frames.Frame) (msg Message, ok bool, err error)
}
