package gemini

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/square-key-labs/buildr-voice-agent/src/conversation"
	"github.com/square-key-labs/buildr-voice-agent/src/services"
)

func TestBuildContentsFoldsSystemTurns(t *testing.T) {
	instruction, contents := buildContents(services.ChatRequest{
		SystemPrompt: "prompt",
		Turns: []conversation.Turn{
			{Role: conversation.RoleSystem, Content: "INTERNAL_GOALS: {}"},
			{Role: conversation.RoleAssistant, Content: "Hi Sam"},
			{Role: conversation.RoleUser, Content: "My bathroom"},
		},
		Instruction: "ask about size",
	})

	require.NotNil(t, instruction)
	require.Len(t, instruction.Parts, 1)
	assert.Equal(t, "prompt\n\nINTERNAL_GOALS: {}", instruction.Parts[0].Text)

	require.Len(t, contents, 3)
	assert.Equal(t, genai.RoleModel, contents[0].Role)
	assert.Equal(t, genai.RoleUser, contents[1].Role)
	assert.Equal(t, "ask about size", contents[2].Parts[0].Text)
}

func TestBuildContentsWithoutSystem(t *testing.T) {
	instruction, contents := buildContents(services.ChatRequest{
		Turns: []conversation.Turn{{Role: conversation.RoleUser, Content: "hello"}},
	})
	assert.Nil(t, instruction)
	assert.Len(t, contents, 1)
}

func TestClientConfigRequiresCredentials(t *testing.T) {
	_, err := clientConfig(LLMConfig{})
	assert.Error(t, err)

	cc, err := clientConfig(LLMConfig{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, genai.BackendGeminiAPI, cc.Backend)
}
