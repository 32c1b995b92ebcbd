package frames

import "fmt"

// SystemFrame is the base for all system-level frames
type SystemFrame struct {
	*BaseFrame
}

func (f *SystemFrame) Category() FrameCategory {
	return SystemCategory
}

func newSystemFrame(name string) *SystemFrame {
	return &SystemFrame{BaseFrame: NewBaseFrame(name)}
}

// StartFrame signals the beginning of pipeline execution
type StartFrame struct {
	*SystemFrame
	AllowInterruptions bool
	SampleRate         int
}

func NewStartFrame(allowInterruptions bool, sampleRate int) *StartFrame {
	return &StartFrame{
		SystemFrame:        newSystemFrame("StartFrame"),
		AllowInterruptions: allowInterruptions,
		SampleRate:         sampleRate,
	}
}

// EndFrame signals graceful shutdown after flushing all frames
type EndFrame struct {
	*SystemFrame
}

func NewEndFrame() *EndFrame {
	return &EndFrame{SystemFrame: newSystemFrame("EndFrame")}
}

// CancelFrame signals immediate shutdown without flushing
type CancelFrame struct {
	*SystemFrame
	Reason string
}

func NewCancelFrame(reason string) *CancelFrame {
	return &CancelFrame{SystemFrame: newSystemFrame("CancelFrame"), Reason: reason}
}

// InterruptionFrame cancels everything still in flight for a turn. Processors
// must stop producing output for that turn (and all earlier ones).
type InterruptionFrame struct {
	*SystemFrame
	turnID
}

func NewInterruptionFrame(turn uint64) *InterruptionFrame {
	return &InterruptionFrame{SystemFrame: newSystemFrame("InterruptionFrame"), turnID: turnID(turn)}
}

// ErrorFrame carries a session-level error
type ErrorFrame struct {
	*SystemFrame
	Error error
	Fatal bool
}

func NewErrorFrame(err error, fatal bool) *ErrorFrame {
	return &ErrorFrame{SystemFrame: newSystemFrame("ErrorFrame"), Error: err, Fatal: fatal}
}

// Stage names the adapter that failed a turn.
type Stage string

const (
	StageSTT Stage = "stt"
	StageLLM Stage = "llm"
	StageTTS Stage = "tts"
)

// TurnErrorFrame travels upstream when an adapter gives up on a turn.
type TurnErrorFrame struct {
	*SystemFrame
	turnID
	Stage Stage
	Error error
}

func NewTurnErrorFrame(turn uint64, stage Stage, err error) *TurnErrorFrame {
	return &TurnErrorFrame{
		SystemFrame: newSystemFrame("TurnErrorFrame"),
		turnID:      turnID(turn),
		Stage:       stage,
		Error:       err,
	}
}

func (f *TurnErrorFrame) String() string {
	return fmt.Sprintf("%s[turn=%d, stage=%s, err=%v]", f.Name(), f.Turn(), f.Stage, f.Error)
}

// UserStartedSpeakingFrame marks a VAD speech-start boundary
type UserStartedSpeakingFrame struct {
	*SystemFrame
	Segment uint64
}

func NewUserStartedSpeakingFrame(segment uint64) *UserStartedSpeakingFrame {
	return &UserStartedSpeakingFrame{SystemFrame: newSystemFrame("UserStartedSpeakingFrame"), Segment: segment}
}

// UserStoppedSpeakingFrame marks a VAD speech-end boundary
type UserStoppedSpeakingFrame struct {
	*SystemFrame
	Segment uint64
}

func NewUserStoppedSpeakingFrame(segment uint64) *UserStoppedSpeakingFrame {
	return &UserStoppedSpeakingFrame{SystemFrame: newSystemFrame("UserStoppedSpeakingFrame"), Segment: segment}
}

// AgentResponseStartedFrame is pushed upstream by the LLM on the first
// content delta of a turn.
type AgentResponseStartedFrame struct {
	*SystemFrame
	turnID
}

func NewAgentResponseStartedFrame(turn uint64) *AgentResponseStartedFrame {
	return &AgentResponseStartedFrame{SystemFrame: newSystemFrame("AgentResponseStartedFrame"), turnID: turnID(turn)}
}

// AssistantResponseFrame is pushed upstream by the LLM with the text it
// produced for a turn. Interrupted is set when the turn was cancelled.
type AssistantResponseFrame struct {
	*SystemFrame
	turnID
	Text        string
	Interrupted bool
}

func NewAssistantResponseFrame(turn uint64, text string, interrupted bool) *AssistantResponseFrame {
	return &AssistantResponseFrame{
		SystemFrame: newSystemFrame("AssistantResponseFrame"),
		turnID:      turnID(turn),
		Text:        text,
		Interrupted: interrupted,
	}
}

// BotStartedSpeakingFrame is pushed upstream by the room output when the
// first audio of a turn is published.
type BotStartedSpeakingFrame struct {
	*SystemFrame
	turnID
}

func NewBotStartedSpeakingFrame(turn uint64) *BotStartedSpeakingFrame {
	return &BotStartedSpeakingFrame{SystemFrame: newSystemFrame("BotStartedSpeakingFrame"), turnID: turnID(turn)}
}

// BotStoppedSpeakingFrame is pushed upstream by the room output once every
// audio frame of a turn has been published.
type BotStoppedSpeakingFrame struct {
	*SystemFrame
	turnID
}

func NewBotStoppedSpeakingFrame(turn uint64) *BotStoppedSpeakingFrame {
	return &BotStoppedSpeakingFrame{SystemFrame: newSystemFrame("BotStoppedSpeakingFrame"), turnID: turnID(turn)}
}

// AgentStateFrame carries the agent state published to the room
// (listening, thinking, speaking, ...).
type AgentStateFrame struct {
	*SystemFrame
	State string
}

func NewAgentStateFrame(state string) *AgentStateFrame {
	return &AgentStateFrame{SystemFrame: newSystemFrame("AgentStateFrame"), State: state}
}

func (f *AgentStateFrame) String() string {
	return fmt.Sprintf("%s[state=%s]", f.Name(), f.State)
}

// TranscriptFrame carries a user or agent transcript to publish to the room.
type TranscriptFrame struct {
	*SystemFrame
	Role  string
	Text  string
	Final bool
}

func NewTranscriptFrame(role, text string, final bool) *TranscriptFrame {
	return &TranscriptFrame{SystemFrame: newSystemFrame("TranscriptFrame"), Role: role, Text: text, Final: final}
}

func (f *TranscriptFrame) String() string {
	return fmt.Sprintf("%s[role=%s, final=%t, text=%q]", f.Name(), f.Role, f.Final, f.Text)
}
