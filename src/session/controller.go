package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/square-key-labs/buildr-voice-agent/src/conversation"
	"github.com/square-key-labs/buildr-voice-agent/src/frames"
	"github.com/square-key-labs/buildr-voice-agent/src/interruptions"
	"github.com/square-key-labs/buildr-voice-agent/src/processors"
)

// DefaultTranscriptTimeout bounds how long a closed segment waits for the
// recognizer to finalize before the buffered finals are used as they are.
const DefaultTranscriptTimeout = 1200 * time.Millisecond

var ErrNotReady = errors.New("controller not awaiting room connect")

// Microphone is the local capture switch for the human participant's audio.
type Microphone interface {
	Enabled() bool
	SetEnabled(enabled bool)
}

// MemoryResult is a background enrichment that may or may not have finished.
type MemoryResult interface {
	// TryResult never blocks. ok is false while the work is still running.
	TryResult() (block string, ok bool)
	Cancel()
}

// ControllerConfig parameterizes one session's turn-taking
type ControllerConfig struct {
	AllowInterruptions   bool
	MuteMicWhileThinking bool
	// InterruptionMinWords > 0 makes speech over the agent an interruption
	// only once that many words were transcribed.
	InterruptionMinWords int
	TranscriptTimeout    time.Duration

	Microphone Microphone
	Memory     MemoryResult

	// OnStateChange and OnTranscript run with the controller locked and
	// must not call back into it.
	OnStateChange func(from, to State)
	OnTranscript  func(role conversation.Role, text string, final bool)
}

// segment is the user speech currently being collected.
type segment struct {
	id        uint64
	ended     bool
	finalized bool
	text      []string
}

func (s *segment) addFinal(text string, finalized bool) {
	if t := strings.TrimSpace(text); t != "" {
		s.text = append(s.text, t)
	}
	if finalized {
		s.finalized = true
	}
}

// end marks the speech boundary. Only a finalized result arriving after it
// covers the tail of the utterance, so earlier ones no longer count.
func (s *segment) end() {
	s.ended = true
	s.finalized = false
}

func (s *segment) transcript() string {
	return strings.TrimSpace(strings.Join(s.text, " "))
}

// reply is the assistant text of the last dispatched turn. It joins the
// conversation only once the homeowner heard it: played to the end or cut
// off by an interruption. An aborted turn contributes nothing.
type reply struct {
	turn     uint64
	text     string
	settled  bool
	aborted  bool
	appended bool
}

// Controller is the session state machine. It sits between STT and the LLM:
// user speech boundaries and transcripts arrive downstream, agent turn
// progress arrives upstream, and it dispatches LLMContextFrames and
// InterruptionFrames downstream.
type Controller struct {
	*processors.BaseProcessor
	config   ControllerConfig
	conv     *conversation.State
	strategy interruptions.InterruptionStrategy

	mu    sync.Mutex
	state State

	turn     uint64 // last dispatched agent turn
	inFlight bool   // turn dispatched and not yet finished

	user      *segment // collected while UserSpeaking
	candidate *segment // speech over the agent not yet judged an interruption
	queued    []frames.Frame
	reply     reply

	timer    *time.Timer
	timerSeq uint64

	micCaptured   bool
	micWasEnabled bool
	memoryChecked bool
}

func NewController(conv *conversation.State, config ControllerConfig) *Controller {
	if config.TranscriptTimeout <= 0 {
		config.TranscriptTimeout = DefaultTranscriptTimeout
	}
	c := &Controller{
		config:   config,
		conv:     conv,
		strategy: interruptions.FromMinWords(config.InterruptionMinWords),
	}
	c.BaseProcessor = processors.NewBaseProcessor("SessionController", c)
	return c
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Turn returns the id of the last dispatched agent turn.
func (c *Controller) Turn() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turn
}

// Prepare seeds the conversation and waits for the room.
func (c *Controller) Prepare(seed conversation.Seed) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Initializing {
		return fmt.Errorf("prepare in state %s", c.state)
	}
	if err := c.conv.Seed(seed); err != nil {
		return err
	}
	c.setState(AwaitingRoomConnect)
	return nil
}

// Open dispatches the scripted opening turn once the room is joined and
// starts listening.
func (c *Controller) Open(opening string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != AwaitingRoomConnect {
		return fmt.Errorf("%w: %s", ErrNotReady, c.state)
	}
	c.dispatch(opening)
	c.setState(ListeningIdle)
	return nil
}

// Close ends the session. Further frames are dropped.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.close()
}

func (c *Controller) close() {
	if c.state == Closed {
		return
	}
	c.stopTimer()
	if c.config.Memory != nil && !c.memoryChecked {
		c.memoryChecked = true
		c.config.Memory.Cancel()
	}
	c.setState(Closed)
}

func (c *Controller) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch frame.(type) {
	case *frames.EndFrame, *frames.CancelFrame:
		c.close()
		return c.PushFrame(frame, direction)
	}

	if c.state == Closed {
		return nil
	}

	if direction == frames.Upstream {
		switch f := frame.(type) {
		case *frames.AgentResponseStartedFrame:
			c.onResponseStarted(f.Turn())
		case *frames.BotStartedSpeakingFrame:
			c.onResponseStarted(f.Turn())
		case *frames.AssistantResponseFrame:
			c.onAssistantResponse(f)
		case *frames.BotStoppedSpeakingFrame:
			c.onTurnFinished(f.Turn())
		case *frames.TurnErrorFrame:
			c.onTurnError(f)
		default:
			return c.PushFrame(frame, direction)
		}
		return nil
	}

	switch frame.(type) {
	case *frames.UserStartedSpeakingFrame, *frames.UserStoppedSpeakingFrame,
		*frames.InterimTranscriptionFrame, *frames.TranscriptionFrame:
		c.onUserEvent(frame)
		return nil
	}
	return c.PushFrame(frame, direction)
}

// agentBusy reports whether an agent turn is being produced or played.
func (c *Controller) agentBusy() bool {
	return c.inFlight || c.state == AgentThinking || c.state == AgentSpeaking
}

func (c *Controller) onUserEvent(frame frames.Frame) {
	if !c.state.Active() {
		return
	}
	if c.agentBusy() && !c.config.AllowInterruptions {
		c.queued = append(c.queued, frame)
		return
	}

	switch f := frame.(type) {
	case *frames.UserStartedSpeakingFrame:
		c.onSpeechStart(f.Segment)
	case *frames.UserStoppedSpeakingFrame:
		c.onSpeechEnd(f.Segment)
	case *frames.InterimTranscriptionFrame:
		c.onInterim(f.Text)
	case *frames.TranscriptionFrame:
		c.onFinal(f.Text, f.Finalized)
	}
}

func (c *Controller) onSpeechStart(id uint64) {
	switch {
	case c.state == UserSpeaking:
		// the user resumed before the last segment resolved
		c.stopTimer()
		c.user.id = id
		c.user.ended = false
	case c.candidate != nil:
		c.stopTimer()
		c.candidate.id = id
		c.candidate.ended = false
	case c.agentBusy():
		if _, immediate := c.strategy.(interruptions.Immediate); immediate {
			c.interrupt()
			c.beginUserSegment(&segment{id: id})
			return
		}
		c.strategy.Reset()
		c.candidate = &segment{id: id}
	default:
		c.beginUserSegment(&segment{id: id})
	}
}

func (c *Controller) onSpeechEnd(id uint64) {
	if cand := c.candidate; cand != nil && cand.id == id {
		cand.end()
		c.armTimer(c.dropCandidate)
		return
	}
	if c.state != UserSpeaking || c.user.id != id {
		return
	}
	c.user.end()
	c.armTimer(c.completeUserTurn)
}

func (c *Controller) onInterim(text string) {
	if c.candidate != nil {
		c.strategy.AppendText(text, false)
		if c.strategy.ShouldInterrupt() {
			c.promoteCandidate()
		}
		return
	}
	if c.state == UserSpeaking && strings.TrimSpace(text) != "" {
		c.publishTranscript(conversation.RoleUser, text, false)
	}
}

func (c *Controller) onFinal(text string, finalized bool) {
	if cand := c.candidate; cand != nil {
		cand.addFinal(text, finalized)
		c.strategy.AppendText(text, true)
		switch {
		case c.strategy.ShouldInterrupt():
			c.promoteCandidate()
		case cand.ended && cand.finalized:
			c.dropCandidate()
		}
		return
	}

	switch c.state {
	case UserSpeaking:
		c.user.addFinal(text, finalized)
		if c.user.ended && c.user.finalized {
			c.completeUserTurn()
		}
	case ListeningIdle:
		if strings.TrimSpace(text) == "" || c.agentBusy() {
			return
		}
		// speech the detector missed; the recognizer heard it
		c.beginUserSegment(&segment{ended: true})
		c.user.addFinal(text, finalized)
		if finalized {
			c.completeUserTurn()
		} else {
			c.armTimer(c.completeUserTurn)
		}
	}
}

func (c *Controller) promoteCandidate() {
	cand := c.candidate
	c.candidate = nil
	c.strategy.Reset()
	c.stopTimer()
	c.interrupt()
	c.beginUserSegment(cand)
	switch {
	case cand.ended && cand.finalized:
		c.completeUserTurn()
	case cand.ended:
		c.armTimer(c.completeUserTurn)
	}
}

func (c *Controller) dropCandidate() {
	if c.candidate == nil {
		return
	}
	c.Logger().Debug("Ignoring speech over turn %d: %q", c.turn, c.candidate.transcript())
	c.candidate = nil
	c.strategy.Reset()
	c.stopTimer()
}

// interrupt cancels the in-flight agent turn. The InterruptionFrame is a
// system frame, so it overtakes queued deltas and audio downstream.
func (c *Controller) interrupt() {
	turn := c.turn
	c.inFlight = false
	c.Logger().Info("Interrupting turn %d", turn)
	c.settleReply()
	_ = c.PushFrame(frames.NewInterruptionFrame(turn), frames.Downstream)
}

func (c *Controller) beginUserSegment(s *segment) {
	c.stopTimer()
	c.user = s
	c.setState(UserSpeaking)
}

func (c *Controller) completeUserTurn() {
	c.stopTimer()
	if c.user == nil {
		return
	}
	text := c.user.transcript()
	c.user = nil

	if text == "" {
		c.Logger().Debug("Empty transcript, back to listening")
		c.enterListening()
		return
	}

	if err := c.conv.AppendTurn(conversation.RoleUser, text); err != nil {
		c.Logger().Error("Append user turn: %v", err)
		c.enterListening()
		return
	}
	c.publishTranscript(conversation.RoleUser, text, true)
	c.foldMemory()
	c.dispatch("")
	c.setState(AgentThinking)
}

// foldMemory adds the memory context before the first user-triggered
// dispatch if it is ready by then; otherwise it is abandoned.
func (c *Controller) foldMemory() {
	if c.config.Memory == nil || c.memoryChecked {
		return
	}
	c.memoryChecked = true
	block, ok := c.config.Memory.TryResult()
	if !ok {
		c.Logger().Warn("Memory context not ready, continuing without it")
		c.config.Memory.Cancel()
		return
	}
	if strings.TrimSpace(block) == "" {
		return
	}
	if err := c.conv.AppendTurn(conversation.RoleSystem, conversation.MemoryContextInstruction(block)); err != nil {
		c.Logger().Warn("Append memory context: %v", err)
		return
	}
	c.Logger().Info("Memory context added (%d chars)", len(block))
}

func (c *Controller) dispatch(instruction string) {
	c.turn++
	c.inFlight = true
	c.reply = reply{turn: c.turn}
	snapshot := c.conv.Snapshot()
	c.Logger().Debug("Dispatching turn %d (%d turns)", c.turn, len(snapshot))
	_ = c.PushFrame(frames.NewLLMContextFrame(c.turn, snapshot, instruction), frames.Downstream)
}

func (c *Controller) onResponseStarted(turn uint64) {
	if turn != c.turn || !c.inFlight {
		return
	}
	if c.state == AgentThinking || c.state == ListeningIdle {
		c.setState(AgentSpeaking)
	}
}

// onAssistantResponse holds the generated text until the turn's playback
// ends. Text for an older or aborted turn is dropped.
func (c *Controller) onAssistantResponse(f *frames.AssistantResponseFrame) {
	r := &c.reply
	if f.Turn() != r.turn || r.aborted || r.appended {
		c.Logger().Debug("Dropping response text of turn %d", f.Turn())
		return
	}
	r.text = strings.TrimSpace(f.Text)
	if r.settled {
		c.appendReply()
	}
}

// settleReply marks the current turn as heard, so far as it was played.
func (c *Controller) settleReply() {
	if c.reply.turn != c.turn || c.reply.aborted {
		return
	}
	c.reply.settled = true
	c.appendReply()
}

func (c *Controller) appendReply() {
	r := &c.reply
	if r.appended || r.text == "" {
		return
	}
	r.appended = true
	if err := c.conv.AppendTurn(conversation.RoleAssistant, r.text); err != nil {
		c.Logger().Error("Append assistant turn: %v", err)
		return
	}
	c.publishTranscript(conversation.RoleAssistant, r.text, true)
}

func (c *Controller) onTurnFinished(turn uint64) {
	if turn != c.turn || !c.inFlight {
		return
	}
	c.inFlight = false
	c.settleReply()
	c.finishAgentTurn()
}

func (c *Controller) onTurnError(f *frames.TurnErrorFrame) {
	if f.Turn() != c.turn || !c.inFlight {
		return
	}
	c.Logger().Error("Turn %d failed in %s: %v", f.Turn(), f.Stage, f.Error)
	c.reply.aborted = true
	c.reply.text = ""
	c.interrupt()
	c.finishAgentTurn()
}

// finishAgentTurn returns to listening after the agent turn ended, unless
// the user is already speaking.
func (c *Controller) finishAgentTurn() {
	if c.candidate != nil {
		// nothing left to interrupt; the speech is an ordinary user turn
		cand := c.candidate
		c.candidate = nil
		c.strategy.Reset()
		c.stopTimer()
		c.beginUserSegment(cand)
		if cand.ended && cand.finalized {
			c.completeUserTurn()
		} else if cand.ended {
			c.armTimer(c.completeUserTurn)
		}
		return
	}
	switch c.state {
	case AgentThinking, AgentSpeaking:
		c.enterListening()
	case ListeningIdle:
		c.replayQueued()
	}
}

func (c *Controller) enterListening() {
	c.setState(ListeningIdle)
	c.replayQueued()
}

// replayQueued feeds user events held back during the agent turn, in order.
// Replaying may dispatch a new turn, in which case the rest is queued again.
func (c *Controller) replayQueued() {
	if len(c.queued) == 0 || c.agentBusy() {
		return
	}
	pending := c.queued
	c.queued = nil
	c.Logger().Debug("Replaying %d queued user events", len(pending))
	for _, f := range pending {
		c.onUserEvent(f)
	}
}

func (c *Controller) setState(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.Logger().Debug("%s -> %s (turn %d)", from, to, c.turn)

	switch to {
	case AgentThinking:
		c.muteMic()
	case ListeningIdle, UserSpeaking, Closed:
		c.restoreMic()
	}

	if c.config.OnStateChange != nil {
		c.config.OnStateChange(from, to)
	}
	if from.AgentState() != to.AgentState() {
		_ = c.PushFrame(frames.NewAgentStateFrame(to.AgentState()), frames.Downstream)
	}
}

// publishTranscript sends a transcript towards the room output.
func (c *Controller) publishTranscript(role conversation.Role, text string, final bool) {
	if c.config.OnTranscript != nil {
		c.config.OnTranscript(role, text, final)
	}
	_ = c.PushFrame(frames.NewTranscriptFrame(string(role), text, final), frames.Downstream)
}

func (c *Controller) muteMic() {
	mic := c.config.Microphone
	if !c.config.MuteMicWhileThinking || mic == nil || c.micCaptured {
		return
	}
	c.micCaptured = true
	c.micWasEnabled = mic.Enabled()
	if c.micWasEnabled {
		mic.SetEnabled(false)
	}
}

// restoreMic re-enables the microphone only if it was on when muted.
func (c *Controller) restoreMic() {
	if !c.micCaptured {
		return
	}
	c.micCaptured = false
	if c.micWasEnabled {
		c.config.Microphone.SetEnabled(true)
	}
}

func (c *Controller) armTimer(fn func()) {
	c.stopTimer()
	c.timerSeq++
	seq := c.timerSeq
	c.timer = time.AfterFunc(c.config.TranscriptTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if seq != c.timerSeq || c.state == Closed {
			return
		}
		c.timer = nil
		fn()
	})
}

func (c *Controller) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerSeq++
}
