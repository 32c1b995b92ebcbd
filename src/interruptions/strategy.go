package interruptions

// InterruptionStrategy decides whether the user's speech while the agent is
// talking is a real interruption or just a backchannel ("uh-huh").
type InterruptionStrategy interface {
	// AppendText feeds a transcription. Interim hypotheses replace the
	// previous interim one; finals are kept.
	AppendText(text string, final bool)

	ShouldInterrupt() bool

	// Reset clears accumulated text for the next candidate interruption
	Reset()
}

// Immediate interrupts as soon as speech starts.
type Immediate struct{}

func (Immediate) AppendText(string, bool) {}
func (Immediate) ShouldInterrupt() bool   { return true }
func (Immediate) Reset()                  {}

// FromMinWords returns Immediate for minWords <= 0 and a MinWords strategy
// otherwise.
func FromMinWords(minWords int) InterruptionStrategy {
	if minWords <= 0 {
		return Immediate{}
	}
	return NewMinWords(minWords)
}
