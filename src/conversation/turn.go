package conversation

// Role tags a turn with who produced it.
type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleAssistant, RoleUser:
		return true
	}
	return false
}

// Turn is one role-tagged utterance.
type Turn struct {
	Role    Role
	Content string
}
