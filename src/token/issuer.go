// Package token issues LiveKit grants for the human participant and for the
// agent worker.
package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
)

const (
	DefaultTTL       = 30 * time.Minute
	DefaultAgentName = "buildr-voice-agent"
	RoomPrefix       = "voice_assistant_room_"
)

var ErrMissingCredentials = errors.New("livekit api key and secret are required")

// Connection is what a client needs to join its room.
type Connection struct {
	ServerURL        string `json:"serverUrl"`
	RoomName         string `json:"roomName"`
	ParticipantName  string `json:"participantName"`
	ParticipantToken string `json:"participantToken"`
}

// JobMetadata travels with the agent dispatch and is read back by the agent.
type JobMetadata struct {
	UserID   string `json:"userid"`
	Username string `json:"username"`
}

type IssuerConfig struct {
	ServerURL string
	APIKey    string
	APISecret string
	AgentName string
	TTL       time.Duration
}

type Issuer struct {
	config IssuerConfig
	intn   func(n int) int
}

func NewIssuer(config IssuerConfig) (*Issuer, error) {
	if config.APIKey == "" || config.APISecret == "" {
		return nil, ErrMissingCredentials
	}
	if config.AgentName == "" {
		config.AgentName = DefaultAgentName
	}
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	return &Issuer{config: config, intn: rand.IntN}, nil
}

// Issue grants userID the right to join a fresh room, with the agent
// dispatched into it carrying the user's id and name.
func (i *Issuer) Issue(userID, userName string) (*Connection, error) {
	identity := userID + "_" + strconv.Itoa(i.intn(10_000))
	room := RoomPrefix + strconv.Itoa(i.intn(10_000))

	metadata, err := json.Marshal(JobMetadata{UserID: userID, Username: userName})
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	grant := &auth.VideoGrant{RoomJoin: true, Room: room}
	grant.SetCanPublish(true)
	grant.SetCanPublishData(true)
	grant.SetCanSubscribe(true)

	at := auth.NewAccessToken(i.config.APIKey, i.config.APISecret).
		SetIdentity(identity).
		SetName(userName).
		SetValidFor(i.config.TTL).
		SetVideoGrant(grant).
		SetRoomConfig(&livekit.RoomConfiguration{
			Agents: []*livekit.RoomAgentDispatch{{
				AgentName: i.config.AgentName,
				Metadata:  string(metadata),
			}},
		})

	jwt, err := at.ToJWT()
	if err != nil {
		return nil, fmt.Errorf("sign participant token: %w", err)
	}
	return &Connection{
		ServerURL:        i.config.ServerURL,
		RoomName:         room,
		ParticipantName:  userName,
		ParticipantToken: jwt,
	}, nil
}

// WorkerToken authorizes a worker to register with the dispatch service.
func (i *Issuer) WorkerToken() (string, error) {
	at := auth.NewAccessToken(i.config.APIKey, i.config.APISecret).
		SetValidFor(i.config.TTL).
		SetVideoGrant(&auth.VideoGrant{Agent: true})
	jwt, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("sign worker token: %w", err)
	}
	return jwt, nil
}

// RoomToken grants the agent itself access to a named room. Used when a
// session is started without a dispatch.
func (i *Issuer) RoomToken(room, identity string) (string, error) {
	grant := &auth.VideoGrant{RoomJoin: true, Room: room, Agent: true}
	grant.SetCanPublish(true)
	grant.SetCanPublishData(true)
	grant.SetCanSubscribe(true)
	at := auth.NewAccessToken(i.config.APIKey, i.config.APISecret).
		SetIdentity(identity).
		SetName(i.config.AgentName).
		SetValidFor(i.config.TTL).
		SetVideoGrant(grant)
	jwt, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("sign room token: %w", err)
	}
	return jwt, nil
}
