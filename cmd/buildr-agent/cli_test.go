package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/buildr-voice-agent/src/config"
	"github.com/square-key-labs/buildr-voice-agent/src/token"
)

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "none.env")))

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestVersion(t *testing.T) {
	stdout, _, err := executeCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", stdout)
}

func TestTokenPrintsConnection(t *testing.T) {
	t.Setenv("LIVEKIT_URL", "wss://lk.example.com")
	t.Setenv("LIVEKIT_API_KEY", "devkey")
	t.Setenv("LIVEKIT_API_SECRET", "0123456789abcdef0123456789abcdef")

	stdout, _, err := executeCLI(t, "token", "--user-id", "u_1", "--name", "Jordan Smith")
	require.NoError(t, err)

	var conn token.Connection
	require.NoError(t, json.Unmarshal([]byte(stdout), &conn))
	assert.Equal(t, "wss://lk.example.com", conn.ServerURL)
	assert.Equal(t, "Jordan Smith", conn.ParticipantName)
	assert.Contains(t, conn.RoomName, token.RoomPrefix)
	assert.NotEmpty(t, conn.ParticipantToken)
}

func TestTokenRequiresFlags(t *testing.T) {
	_, _, err := executeCLI(t, "token", "--user-id", "u_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required flag(s) "name" not set`)
}

func TestTokenRequiresLiveKit(t *testing.T) {
	t.Setenv("LIVEKIT_URL", "")
	t.Setenv("LIVEKIT_API_KEY", "")
	t.Setenv("LIVEKIT_API_SECRET", "")

	_, _, err := executeCLI(t, "token", "--user-id", "u_1", "--name", "Sam")
	assert.ErrorIs(t, err, config.ErrMissingLiveKit)
}

func TestStartRejectsIncompleteConfig(t *testing.T) {
	t.Setenv("LIVEKIT_URL", "wss://lk.example.com")
	t.Setenv("LIVEKIT_API_KEY", "devkey")
	t.Setenv("LIVEKIT_API_SECRET", "secret")
	t.Setenv("DEEPGRAM_API_KEY", "")
	t.Setenv("STT_API_KEY", "")

	_, _, err := executeCLI(t, "start")
	assert.ErrorIs(t, err, config.ErrMissingSTTKey)
}

func TestConnectRequiresRoom(t *testing.T) {
	_, _, err := executeCLI(t, "connect")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required flag(s) "room" not set`)
}

func TestUnknownLogLevel(t *testing.T) {
	_, _, err := executeCLI(t, "token", "--user-id", "u_1", "--name", "Sam", "--log-level", "loud")
	assert.Error(t, err)
}
