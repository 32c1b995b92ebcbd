// Package livekit connects a session pipeline to a LiveKit room: the linked
// participant's microphone feeds Input, and Output plays the agent's voice on
// a published track.
package livekit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	lkmedia "github.com/livekit/server-sdk-go/v2/pkg/media"
	"github.com/pion/webrtc/v4"

	"github.com/square-key-labs/buildr-voice-agent/src/conversation"
	"github.com/square-key-labs/buildr-voice-agent/src/logger"
	"github.com/square-key-labs/buildr-voice-agent/src/serializers"
)

const (
	AttrAgentState = "lk.agent.state"
	AttrAgentName  = "lk.agent.name"

	DefaultOutputSampleRate = 24000
	audioTrackName          = "agent-voice"
)

var (
	ErrNotConnected = errors.New("room not connected")
	ErrNoAuth       = errors.New("either a token or api key and secret are required")
)

// RoomConfig describes how to join. Token takes precedence over APIKey and
// APISecret.
type RoomConfig struct {
	URL       string
	RoomName  string
	Token     string
	APIKey    string
	APISecret string
	AgentName string

	// Participant is the identity whose microphone is heard. Empty links to
	// the first participant that publishes a microphone.
	Participant      string
	OutputSampleRate int
}

// Room owns the connection plus the pipeline's Input and Output.
type Room struct {
	config     RoomConfig
	input      *Input
	output     *Output
	serializer *serializers.JSONSerializer
	log        *logger.Logger

	mu       sync.Mutex
	room     *lksdk.Room
	track    *lkmedia.PCMLocalTrack
	linked   string
	identity string

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
}

// NewRoom builds the Input and Output so they can be placed in a pipeline
// before the room is joined.
func NewRoom(config RoomConfig) *Room {
	if config.OutputSampleRate <= 0 {
		config.OutputSampleRate = DefaultOutputSampleRate
	}
	if config.AgentName == "" {
		config.AgentName = "agent"
	}
	r := &Room{
		config:   config,
		input:    NewInput(),
		log:      logger.WithPrefix("Room"),
		done:     make(chan struct{}),
		identity: "agent-" + uuid.NewString()[:8],
	}
	r.serializer = serializers.NewJSONSerializer(nil)
	r.output = NewOutput(config.OutputSampleRate, r, r.serializer)
	return r
}

func (r *Room) Input() *Input   { return r.input }
func (r *Room) Output() *Output { return r.output }

// Microphone is the gate on the linked participant's audio.
func (r *Room) Microphone() *Microphone { return r.input.Microphone() }

// Done is closed when the room disconnects or the linked participant leaves.
func (r *Room) Done() <-chan struct{} { return r.done }

// Connect joins the room, publishes the agent's voice track and marks the
// agent as listening.
func (r *Room) Connect(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	cb := &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: r.onTrackSubscribed,
			OnTrackMuted: func(pub lksdk.TrackPublication, p lksdk.Participant) {
				r.onMuteChanged(pub, p, true)
			},
			OnTrackUnmuted: func(pub lksdk.TrackPublication, p lksdk.Participant) {
				r.onMuteChanged(pub, p, false)
			},
		},
		OnParticipantDisconnected: r.onParticipantDisconnected,
		OnDisconnected: func() {
			r.log.Info("Disconnected from %s", r.config.RoomName)
			r.markDone()
		},
	}

	var (
		room *lksdk.Room
		err  error
	)
	switch {
	case r.config.Token != "":
		room, err = lksdk.ConnectToRoomWithToken(r.config.URL, r.config.Token, cb, lksdk.WithAutoSubscribe(true))
	case r.config.APIKey != "" && r.config.APISecret != "":
		room, err = lksdk.ConnectToRoom(r.config.URL, lksdk.ConnectInfo{
			APIKey:              r.config.APIKey,
			APISecret:           r.config.APISecret,
			RoomName:            r.config.RoomName,
			ParticipantIdentity: r.identity,
			ParticipantName:     r.config.AgentName,
			ParticipantKind:     lksdk.ParticipantAgent,
		}, cb, lksdk.WithAutoSubscribe(true))
	default:
		return ErrNoAuth
	}
	if err != nil {
		return fmt.Errorf("connect to room %s: %w", r.config.RoomName, err)
	}

	track, err := lkmedia.NewPCMLocalTrack(r.config.OutputSampleRate, 1, nil)
	if err != nil {
		room.Disconnect()
		return fmt.Errorf("create audio track: %w", err)
	}
	if _, err := room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   audioTrackName,
		Source: livekit.TrackSource_MICROPHONE,
	}); err != nil {
		_ = track.Close()
		room.Disconnect()
		return fmt.Errorf("publish audio track: %w", err)
	}

	r.mu.Lock()
	r.room = room
	r.track = track
	r.mu.Unlock()
	r.output.Attach(track)

	room.LocalParticipant.SetAttributes(map[string]string{
		AttrAgentState: "listening",
		AttrAgentName:  r.config.AgentName,
	})
	r.serializer.SetParticipant(string(conversation.RoleAssistant), room.LocalParticipant.Identity())
	r.log.Info("Joined %s as %s", r.config.RoomName, room.LocalParticipant.Identity())
	return nil
}

func (r *Room) onTrackSubscribed(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if track.Kind() != webrtc.RTPCodecTypeAudio || pub.Source() != livekit.TrackSource_MICROPHONE {
		return
	}
	if !strings.EqualFold(track.Codec().MimeType, webrtc.MimeTypeOpus) {
		r.log.Warn("Ignoring %s track from %s", track.Codec().MimeType, rp.Identity())
		return
	}
	if !r.link(rp.Identity()) {
		r.log.Debug("Ignoring microphone of unlinked participant %s", rp.Identity())
		return
	}
	r.input.ReadTrack(r.ctx, rp.Identity(), func() ([]byte, error) {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return nil, err
		}
		return pkt.Payload, nil
	})
}

// link claims identity as the session's participant, or reports whether it
// already is.
func (r *Room) link(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.config.Participant != "" && r.config.Participant != identity {
		return false
	}
	if r.linked == "" {
		r.linked = identity
		r.serializer.SetParticipant(string(conversation.RoleUser), identity)
		r.log.Info("Linked participant %s", identity)
	}
	return r.linked == identity
}

func (r *Room) linkedIdentity() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.linked
}

func (r *Room) onMuteChanged(pub lksdk.TrackPublication, p lksdk.Participant, muted bool) {
	if pub.Source() != livekit.TrackSource_MICROPHONE || p.Identity() != r.linkedIdentity() {
		return
	}
	r.log.Info("Participant %s muted=%v", p.Identity(), muted)
	r.input.Microphone().setMuted(muted)
}

func (r *Room) onParticipantDisconnected(rp *lksdk.RemoteParticipant) {
	if rp.Identity() != r.linkedIdentity() {
		return
	}
	r.log.Info("Participant %s left", rp.Identity())
	r.markDone()
}

func (r *Room) markDone() {
	r.doneOnce.Do(func() { close(r.done) })
}

// PublishData sends payload reliably on topic.
func (r *Room) PublishData(topic string, payload []byte) error {
	r.mu.Lock()
	room := r.room
	r.mu.Unlock()
	if room == nil {
		return ErrNotConnected
	}
	return room.LocalParticipant.PublishDataPacket(lksdk.UserData(payload),
		lksdk.WithDataPublishReliable(true),
		lksdk.WithDataPublishTopic(topic),
	)
}

// SetAgentState updates the lk.agent.state attribute.
func (r *Room) SetAgentState(state string) error {
	r.mu.Lock()
	room := r.room
	r.mu.Unlock()
	if room == nil {
		return ErrNotConnected
	}
	room.LocalParticipant.SetAttributes(map[string]string{AttrAgentState: state})
	return nil
}

// Disconnect stops track readers, closes the voice track and leaves the room.
// Safe to call more than once.
func (r *Room) Disconnect() {
	if r.cancel != nil {
		r.cancel()
	}
	r.output.Close()

	r.mu.Lock()
	room, track := r.room, r.track
	r.room, r.track = nil, nil
	r.mu.Unlock()

	if track != nil {
		_ = track.Close()
	}
	if room != nil {
		room.Disconnect()
	}
	r.input.Wait()
	r.markDone()
}
