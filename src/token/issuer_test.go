package token

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func claims(t *testing.T, jwt string) (map[string]any, string) {
	t.Helper()
	parts := strings.Split(jwt, ".")
	require.Len(t, parts, 3)
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out, string(raw)
}

func TestNewIssuerRequiresCredentials(t *testing.T) {
	_, err := NewIssuer(IssuerConfig{APIKey: "key"})
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestIssueParticipantConnection(t *testing.T) {
	iss, err := NewIssuer(IssuerConfig{ServerURL: "wss://lk.example.com", APIKey: "key", APISecret: "secret-secret-secret-secret-secret"})
	require.NoError(t, err)
	draws := []int{42, 7}
	iss.intn = func(n int) int {
		assert.Equal(t, 10_000, n)
		v := draws[0]
		draws = draws[1:]
		return v
	}

	conn, err := iss.Issue("u_1", "Jordan Smith")
	require.NoError(t, err)
	assert.Equal(t, "wss://lk.example.com", conn.ServerURL)
	assert.Equal(t, "voice_assistant_room_7", conn.RoomName)
	assert.Equal(t, "Jordan Smith", conn.ParticipantName)

	c, raw := claims(t, conn.ParticipantToken)
	assert.Equal(t, "u_1_42", c["sub"])
	assert.Equal(t, "Jordan Smith", c["name"])
	assert.Equal(t, "key", c["iss"])

	video, ok := c["video"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "voice_assistant_room_7", video["room"])
	assert.Equal(t, true, video["roomJoin"])
	assert.Equal(t, true, video["canPublish"])
	assert.Equal(t, true, video["canPublishData"])
	assert.Equal(t, true, video["canSubscribe"])

	exp, _ := c["exp"].(float64)
	nbf, _ := c["nbf"].(float64)
	assert.InDelta(t, DefaultTTL.Seconds(), exp-nbf, 1)

	assert.Contains(t, raw, DefaultAgentName)
	assert.Contains(t, raw, "u_1")
}

func TestWorkerTokenCarriesAgentGrant(t *testing.T) {
	iss, err := NewIssuer(IssuerConfig{APIKey: "key", APISecret: "secret-secret-secret-secret-secret"})
	require.NoError(t, err)

	jwt, err := iss.WorkerToken()
	require.NoError(t, err)
	c, _ := claims(t, jwt)
	video, ok := c["video"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, video["agent"])
}
