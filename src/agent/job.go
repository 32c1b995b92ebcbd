// Package agent runs the voice agent as a LiveKit worker: it pre-warms the
// VAD model, registers for room jobs and holds one session per assignment.
package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/livekit/protocol/livekit"

	"github.com/square-key-labs/buildr-voice-agent/src/audio/vad"
	"github.com/square-key-labs/buildr-voice-agent/src/logger"
	"github.com/square-key-labs/buildr-voice-agent/src/session"
)

// ErrNoVAD means the worker could not load its VAD model and must not take
// jobs.
var ErrNoVAD = errors.New("vad model unavailable")

// Prewarm loads the VAD model shared by every session of the worker.
func Prewarm(params vad.VADParams) (*vad.Model, error) {
	model, err := vad.Load(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoVAD, err)
	}
	if model == nil {
		return nil, ErrNoVAD
	}
	logger.WithPrefix("Worker").Info("VAD model loaded")
	return model, nil
}

// Metadata is what the participant's grant attached to the dispatch. Fields
// are nil when absent.
type Metadata struct {
	Username *string `json:"username"`
	UserID   *string `json:"userid"`
}

// Job is one room assignment.
type Job struct {
	ID       string
	RoomName string
	URL      string
	Token    string
	Metadata Metadata
}

// DecodeJob reads an assignment. URL falls back to defaultURL when the server
// does not name one. Malformed metadata decodes to empty fields.
func DecodeJob(a *livekit.JobAssignment, defaultURL string) Job {
	job := Job{
		ID:       a.GetJob().GetId(),
		RoomName: a.GetJob().GetRoom().GetName(),
		URL:      a.GetUrl(),
		Token:    a.GetToken(),
		Metadata: decodeMetadata(a.GetJob().GetMetadata()),
	}
	if job.URL == "" {
		job.URL = defaultURL
	}
	return job
}

func decodeMetadata(raw string) Metadata {
	var md Metadata
	if strings.TrimSpace(raw) == "" {
		return md
	}
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		logger.WithPrefix("Worker").Warn("Ignoring malformed job metadata: %v", err)
		return Metadata{}
	}
	return md
}

// Session converts the job to what a session needs.
func (j Job) Session() session.Job {
	var username, userID string
	if j.Metadata.Username != nil {
		username = *j.Metadata.Username
	}
	if j.Metadata.UserID != nil {
		userID = *j.Metadata.UserID
	}
	return session.Job{
		ID:       j.ID,
		RoomName: j.RoomName,
		URL:      j.URL,
		Token:    j.Token,
		Username: username,
		UserID:   userID,
	}
}
