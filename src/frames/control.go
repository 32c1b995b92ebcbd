package frames

// ControlFrame is the base for ordered turn-boundary frames
type ControlFrame struct {
	*BaseFrame
}

func (f *ControlFrame) Category() FrameCategory {
	return ControlCategory
}

func newControlFrame(name string) *ControlFrame {
	return &ControlFrame{BaseFrame: NewBaseFrame(name)}
}

// LLMFullResponseStartFrame marks the beginning of an LLM response
type LLMFullResponseStartFrame struct {
	*ControlFrame
	turnID
}

func NewLLMFullResponseStartFrame(turn uint64) *LLMFullResponseStartFrame {
	return &LLMFullResponseStartFrame{ControlFrame: newControlFrame("LLMFullResponseStartFrame"), turnID: turnID(turn)}
}

// LLMFullResponseEndFrame marks the end of an LLM response
type LLMFullResponseEndFrame struct {
	*ControlFrame
	turnID
}

func NewLLMFullResponseEndFrame(turn uint64) *LLMFullResponseEndFrame {
	return &LLMFullResponseEndFrame{ControlFrame: newControlFrame("LLMFullResponseEndFrame"), turnID: turnID(turn)}
}

// TTSStartedFrame marks the beginning of TTS synthesis
type TTSStartedFrame struct {
	*ControlFrame
	turnID
}

func NewTTSStartedFrame(turn uint64) *TTSStartedFrame {
	return &TTSStartedFrame{ControlFrame: newControlFrame("TTSStartedFrame"), turnID: turnID(turn)}
}

// TTSStoppedFrame marks the end of TTS synthesis
type TTSStoppedFrame struct {
	*ControlFrame
	turnID
}

func NewTTSStoppedFrame(turn uint64) *TTSStoppedFrame {
	return &TTSStoppedFrame{ControlFrame: newControlFrame("TTSStoppedFrame"), turnID: turnID(turn)}
}
