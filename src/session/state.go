package session

// State is the controller's position in a session.
type State int

const (
	Initializing State = iota
	AwaitingRoomConnect
	ListeningIdle
	UserSpeaking
	AgentThinking
	AgentSpeaking
	Closed
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "Initializing"
	case AwaitingRoomConnect:
		return "AwaitingRoomConnect"
	case ListeningIdle:
		return "ListeningIdle"
	case UserSpeaking:
		return "UserSpeaking"
	case AgentThinking:
		return "AgentThinking"
	case AgentSpeaking:
		return "AgentSpeaking"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Active reports whether the session is past room connect and not closed.
func (s State) Active() bool {
	return s >= ListeningIdle && s <= AgentSpeaking
}

// AgentState is the value published in the lk.agent.state participant
// attribute.
func (s State) AgentState() string {
	switch s {
	case Initializing, AwaitingRoomConnect:
		return "initializing"
	case ListeningIdle, UserSpeaking:
		return "listening"
	case AgentThinking:
		return "thinking"
	case AgentSpeaking:
		return "speaking"
	default:
		return "disconnected"
	}
}
