package services

import (
	"context"
	"errors"

	"github.com/square-key-labs/buildr-voice-agent/src/conversation"
)

var (
	// ErrStreamClosed is returned by streams used after Close.
	ErrStreamClosed = errors.New("stream closed")

	// ErrEmptyResponse is reported when a generation finished without any text.
	ErrEmptyResponse = errors.New("empty response")
)

// ChatRequest is one agent turn request for an LLM backend
type ChatRequest struct {
	SystemPrompt string
	Turns        []conversation.Turn
	// Instruction is a one-shot system instruction appended after Turns
	// for this request only. It is never part of the conversation.
	Instruction string
}

// Messages flattens the request into role/content pairs in send order.
func (r ChatRequest) Messages() []conversation.Turn {
	out := make([]conversation.Turn, 0, len(r.Turns)+2)
	if r.SystemPrompt != "" {
		out = append(out, conversation.Turn{Role: conversation.RoleSystem, Content: r.SystemPrompt})
	}
	out = append(out, r.Turns...)
	if r.Instruction != "" {
		out = append(out, conversation.Turn{Role: conversation.RoleSystem, Content: r.Instruction})
	}
	return out
}

// TextStream yields text deltas. Recv returns io.EOF after the last delta.
type TextStream interface {
	Recv() (string, error)
	Close() error
}

// ChatStreamer is an LLM backend producing streamed completions
type ChatStreamer interface {
	StreamChat(ctx context.Context, req ChatRequest) (TextStream, error)
	Model() string
}

// SpeechContext is one streaming synthesis. Text is sent incrementally and
// Flush marks the end of input. Audio is closed once the backend is done or
// failed; Err reports the failure, if any.
type SpeechContext interface {
	SendText(text string) error
	Flush() error
	Audio() <-chan []byte
	Err() error
	Close() error
}

// SpeechSynthesizer is a TTS backend
type SpeechSynthesizer interface {
	NewContext(ctx context.Context) (SpeechContext, error)
	// SampleRate of the mono 16-bit PCM written to Audio.
	SampleRate() int
}

// Transcript is one recognition result
type Transcript struct {
	Text  string
	Final bool
	// Finalized is set on the final that closes an utterance.
	Finalized bool
}

// TranscriptionStream is one live recognition session. Results is closed
// when the stream ends; Err then reports why.
type TranscriptionStream interface {
	SendAudio(pcm []byte) error
	// Finalize asks the backend to flush what it has heard so far.
	Finalize() error
	Results() <-chan Transcript
	Err() error
	Close() error
}

// Transcriber is an STT backend
type Transcriber interface {
	Connect(ctx context.Context) (TranscriptionStream, error)
	Language() string
}
