package conversation

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFriendlyName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		username string
		want     string
	}{
		{name: "single", username: "Jordan", want: "Jordan"},
		{name: "full name", username: "Jordan Lee", want: "Jordan"},
		{name: "padded", username: "  Ana  Maria ", want: "Ana"},
		{name: "empty", username: "", want: "there"},
		{name: "whitespace", username: " \t", want: "there"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, FriendlyName(tc.username))
		})
	}
}

func TestGoalsInstructionKeepsOrderAndIsValidJSON(t *testing.T) {
	t.Parallel()

	out := GoalsInstruction(InternalGoals)
	require.True(t, strings.HasPrefix(out, "INTERNAL_GOALS: "))

	payload := strings.TrimPrefix(out, "INTERNAL_GOALS: ")
	var decoded map[string]string
	require.NoError(t, json.Unmarshal([]byte(payload), &decoded))
	assert.Len(t, decoded, len(InternalGoals))
	assert.Equal(t, "budget range and target completion date", decoded["budget_timeline"])

	assert.Less(t, strings.Index(payload, `"project"`), strings.Index(payload, `"location"`))
	assert.Less(t, strings.Index(payload, `"hazards"`), strings.Index(payload, `"drawings"`))
}

func TestStateSeed(t *testing.T) {
	t.Parallel()

	s := NewState()
	require.NoError(t, s.Seed(Seed{
		Goals:         InternalGoals,
		Policy:        ClarifyPolicy,
		MemoryContext: "Prefers oak floors.",
		FriendlyName:  "Jordan",
	}))

	turns := s.Snapshot()
	require.Len(t, turns, 4)
	assert.Equal(t, RoleSystem, turns[0].Role)
	assert.True(t, strings.HasPrefix(turns[0].Content, "INTERNAL_GOALS: "))
	assert.Equal(t, Turn{Role: RoleSystem, Content: ClarifyPolicy}, turns[1])
	assert.Equal(t, Turn{Role: RoleSystem, Content: "MEMORY_CONTEXT: Prefers oak floors."}, turns[2])
	assert.Equal(t, Turn{Role: RoleAssistant, Content: "The user's friendly name is Jordan"}, turns[3])

	assert.ErrorIs(t, s.Seed(Seed{}), ErrAlreadySeeded)
}

func TestStateSeedWithoutMemoryOrName(t *testing.T) {
	t.Parallel()

	s := NewState()
	require.NoError(t, s.Seed(Seed{Goals: InternalGoals, Policy: ClarifyPolicy}))

	turns := s.Snapshot()
	require.Len(t, turns, 3)
	assert.Equal(t, "The user's friendly name is there", turns[2].Content)
}

func TestStateAppendOnlyAndSnapshotIsolation(t *testing.T) {
	t.Parallel()

	s := NewState()
	require.NoError(t, s.AppendTurn(RoleUser, "I want to renovate my kitchen"))
	snap := s.Snapshot()

	require.NoError(t, s.AppendTurn(RoleAssistant, "Great, how big is it?"))
	assert.Len(t, snap, 1)
	assert.Equal(t, 2, s.Len())

	snap[0].Content = "mutated"
	assert.Equal(t, "I want to renovate my kitchen", s.Snapshot()[0].Content)

	assert.ErrorIs(t, s.AppendTurn(Role("tool"), "x"), ErrInvalidRole)
	assert.Equal(t, 2, s.Len())
}

func TestOpeningTemplate(t *testing.T) {
	t.Parallel()

	tmpl, err := ParseOpeningTemplate("")
	require.NoError(t, err)

	out, err := tmpl.Render("Jordan")
	require.NoError(t, err)
	assert.Contains(t, out, `"Jordan"`)
	assert.True(t, strings.HasSuffix(out, `"`+FirstQuestion+`"`))

	custom, err := ParseOpeningTemplate("Hi {{.Name}}. {{.Question}}")
	require.NoError(t, err)
	out, err = custom.Render("there")
	require.NoError(t, err)
	assert.Equal(t, "Hi there. "+FirstQuestion, out)

	_, err = ParseOpeningTemplate("Hi {{.Name")
	assert.Error(t, err)
}
