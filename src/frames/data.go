package frames

import (
	"fmt"

	"github.com/square-key-labs/buildr-voice-agent/src/conversation"
)

// DataFrame is the base for ordered payload frames
type DataFrame struct {
	*BaseFrame
}

func (f *DataFrame) Category() FrameCategory {
	return DataCategory
}

func newDataFrame(name string) *DataFrame {
	return &DataFrame{BaseFrame: NewBaseFrame(name)}
}

// AudioFrame carries 16-bit little endian PCM
type AudioFrame struct {
	*DataFrame
	Data       []byte
	SampleRate int
	Channels   int
}

func NewAudioFrame(data []byte, sampleRate, channels int) *AudioFrame {
	return &AudioFrame{
		DataFrame:  newDataFrame("AudioFrame"),
		Data:       data,
		SampleRate: sampleRate,
		Channels:   channels,
	}
}

func (f *AudioFrame) String() string {
	return fmt.Sprintf("%s[bytes=%d, rate=%d]", f.Name(), len(f.Data), f.SampleRate)
}

// TTSAudioFrame is synthesized speech for one turn
type TTSAudioFrame struct {
	*AudioFrame
	turnID
}

func NewTTSAudioFrame(turn uint64, data []byte, sampleRate, channels int) *TTSAudioFrame {
	af := NewAudioFrame(data, sampleRate, channels)
	af.name = "TTSAudioFrame"
	return &TTSAudioFrame{AudioFrame: af, turnID: turnID(turn)}
}

// InterimTranscriptionFrame is a partial STT result
type InterimTranscriptionFrame struct {
	*DataFrame
	Text string
}

func NewInterimTranscriptionFrame(text string) *InterimTranscriptionFrame {
	return &InterimTranscriptionFrame{DataFrame: newDataFrame("InterimTranscriptionFrame"), Text: text}
}

// TranscriptionFrame is a final STT result. Finalized marks the last final of
// an utterance, i.e. the recognizer has flushed everything it heard so far.
type TranscriptionFrame struct {
	*DataFrame
	Text      string
	Language  string
	Finalized bool
}

func NewTranscriptionFrame(text, language string, finalized bool) *TranscriptionFrame {
	return &TranscriptionFrame{
		DataFrame: newDataFrame("TranscriptionFrame"),
		Text:      text,
		Language:  language,
		Finalized: finalized,
	}
}

func (f *TranscriptionFrame) String() string {
	return fmt.Sprintf("%s[text=%q finalized=%v]", f.Name(), f.Text, f.Finalized)
}

// LLMContextFrame asks the LLM for one agent turn. Turns is a snapshot taken
// for this request only. Instruction is an optional one-shot system message
// appended after the history.
type LLMContextFrame struct {
	*DataFrame
	turnID
	Turns       []conversation.Turn
	Instruction string
}

func NewLLMContextFrame(turn uint64, turns []conversation.Turn, instruction string) *LLMContextFrame {
	return &LLMContextFrame{
		DataFrame:   newDataFrame("LLMContextFrame"),
		turnID:      turnID(turn),
		Turns:       turns,
		Instruction: instruction,
	}
}

func (f *LLMContextFrame) String() string {
	return fmt.Sprintf("%s[turn=%d, turns=%d]", f.Name(), f.Turn(), len(f.Turns))
}

// LLMTextFrame is one streamed content delta
type LLMTextFrame struct {
	*DataFrame
	turnID
	Text string
}

func NewLLMTextFrame(turn uint64, text string) *LLMTextFrame {
	return &LLMTextFrame{DataFrame: newDataFrame("LLMTextFrame"), turnID: turnID(turn), Text: text}
}
