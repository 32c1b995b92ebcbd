package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/livekit/protocol/livekit"
	"google.golang.org/protobuf/proto"

	"github.com/square-key-labs/buildr-voice-agent/src/logger"
)

const (
	defaultPingInterval = 10 * time.Second
	minBackoff          = time.Second
	maxBackoff          = 30 * time.Second
	writeTimeout        = 5 * time.Second
)

var ErrNoRunner = errors.New("worker needs a job runner")

// TokenSource signs the worker's registration grant. *token.Issuer is one.
type TokenSource interface {
	WorkerToken() (string, error)
}

// Runner holds one job until it ends or ctx is cancelled.
type Runner func(ctx context.Context, job Job) error

type WorkerConfig struct {
	// URL of the LiveKit server, http(s) or ws(s).
	URL          string
	AgentName    string
	Version      string
	MaxJobs      int
	PingInterval time.Duration
}

// Worker keeps a registration with the LiveKit dispatch service and runs
// each assigned job on its own goroutine. Jobs survive reconnects.
type Worker struct {
	config WorkerConfig
	tokens TokenSource
	run    Runner
	dialer *websocket.Dialer
	log    *logger.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	jobs map[string]*runningJob
	wg   sync.WaitGroup

	writeMu sync.Mutex
}

type runningJob struct {
	cancel     context.CancelFunc
	terminated bool
}

func NewWorker(config WorkerConfig, tokens TokenSource, run Runner) (*Worker, error) {
	if run == nil {
		return nil, ErrNoRunner
	}
	if config.MaxJobs <= 0 {
		config.MaxJobs = 1
	}
	if config.PingInterval <= 0 {
		config.PingInterval = defaultPingInterval
	}
	return &Worker{
		config: config,
		tokens: tokens,
		run:    run,
		dialer: websocket.DefaultDialer,
		log:    logger.WithPrefix("Worker"),
		jobs:   make(map[string]*runningJob),
	}, nil
}

// agentURL maps the server URL to its worker endpoint.
func agentURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/agent"
	return u.String(), nil
}

// Run registers and serves until ctx is cancelled, reconnecting with
// exponential backoff. It returns once every job has ended.
func (w *Worker) Run(ctx context.Context) error {
	endpoint, err := agentURL(w.config.URL)
	if err != nil {
		return err
	}
	defer w.wg.Wait()

	backoff := minBackoff
	for {
		registered, err := w.session(ctx, endpoint)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if registered {
			backoff = minBackoff
		}
		w.log.Warn("Connection lost (%v), retrying in %s", err, backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// session holds one websocket registration. registered reports whether the
// server accepted the worker before the connection ended.
func (w *Worker) session(ctx context.Context, endpoint string) (registered bool, err error) {
	token, err := w.tokens.WorkerToken()
	if err != nil {
		return false, fmt.Errorf("worker token: %w", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := w.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	stop := make(chan struct{})
	defer func() {
		close(stop)
		w.mu.Lock()
		w.conn = nil
		w.mu.Unlock()
		_ = conn.Close()
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	if err := w.send(&livekit.WorkerMessage{Message: &livekit.WorkerMessage_Register{
		Register: &livekit.RegisterWorkerRequest{
			Type:      livekit.JobType_JT_ROOM,
			AgentName: w.config.AgentName,
			Version:   w.config.Version,
		},
	}}); err != nil {
		return false, err
	}
	go w.ping(stop)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return registered, err
		}
		var msg livekit.ServerMessage
		if err := proto.Unmarshal(data, &msg); err != nil {
			w.log.Warn("Dropping undecodable server message: %v", err)
			continue
		}
		if w.handle(ctx, &msg) {
			registered = true
		}
	}
}

// handle reacts to one server message and reports whether it confirmed the
// registration.
func (w *Worker) handle(ctx context.Context, msg *livekit.ServerMessage) bool {
	switch m := msg.Message.(type) {
	case *livekit.ServerMessage_Register:
		w.log.Info("Registered as %s (agent %s)", m.Register.GetWorkerId(), w.config.AgentName)
		return true
	case *livekit.ServerMessage_Availability:
		w.answerAvailability(m.Availability)
	case *livekit.ServerMessage_Assignment:
		w.assign(ctx, m.Assignment)
	case *livekit.ServerMessage_Termination:
		w.terminate(m.Termination.GetJobId())
	case *livekit.ServerMessage_Pong:
	default:
		w.log.Debug("Ignoring server message %T", m)
	}
	return false
}

func (w *Worker) answerAvailability(req *livekit.AvailabilityRequest) {
	job := req.GetJob()
	w.mu.Lock()
	available := len(w.jobs) < w.config.MaxJobs
	w.mu.Unlock()

	if !available {
		w.log.Info("Declining job %s, at capacity", job.GetId())
	}
	err := w.send(&livekit.WorkerMessage{Message: &livekit.WorkerMessage_Availability{
		Availability: &livekit.AvailabilityResponse{
			JobId:               job.GetId(),
			Available:           available,
			ParticipantIdentity: "agent-" + job.GetId(),
			ParticipantName:     w.config.AgentName,
		},
	}})
	if err != nil {
		w.log.Warn("Answer availability for %s: %v", job.GetId(), err)
	}
}

func (w *Worker) assign(ctx context.Context, a *livekit.JobAssignment) {
	job := DecodeJob(a, w.config.URL)
	jobCtx, cancel := context.WithCancel(ctx)
	rj := &runningJob{cancel: cancel}

	w.mu.Lock()
	if _, dup := w.jobs[job.ID]; dup {
		w.mu.Unlock()
		cancel()
		w.log.Warn("Job %s already running", job.ID)
		return
	}
	w.jobs[job.ID] = rj
	w.mu.Unlock()

	w.log.Info("Starting job %s in room %s", job.ID, job.RoomName)
	w.updateJob(job.ID, livekit.JobStatus_JS_RUNNING, "")
	w.updateLoad()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer cancel()
		err := w.run(jobCtx, job)

		w.mu.Lock()
		delete(w.jobs, job.ID)
		terminated := rj.terminated
		w.mu.Unlock()

		switch {
		case err == nil, terminated && errors.Is(err, context.Canceled):
			w.log.Info("Job %s finished", job.ID)
			w.updateJob(job.ID, livekit.JobStatus_JS_SUCCESS, "")
		default:
			w.log.Error("Job %s failed: %v", job.ID, err)
			w.updateJob(job.ID, livekit.JobStatus_JS_FAILED, err.Error())
		}
		w.updateLoad()
	}()
}

func (w *Worker) terminate(jobID string) {
	w.mu.Lock()
	rj, ok := w.jobs[jobID]
	if ok {
		rj.terminated = true
	}
	w.mu.Unlock()
	if !ok {
		return
	}
	w.log.Info("Terminating job %s", jobID)
	rj.cancel()
}

func (w *Worker) updateJob(id string, status livekit.JobStatus, errText string) {
	err := w.send(&livekit.WorkerMessage{Message: &livekit.WorkerMessage_UpdateJob{
		UpdateJob: &livekit.UpdateJobStatus{JobId: id, Status: status, Error: errText},
	}})
	if err != nil {
		w.log.Warn("Report job %s %s: %v", id, status, err)
	}
}

func (w *Worker) updateLoad() {
	w.mu.Lock()
	n := len(w.jobs)
	w.mu.Unlock()

	status := livekit.WorkerStatus_WS_AVAILABLE
	if n >= w.config.MaxJobs {
		status = livekit.WorkerStatus_WS_FULL
	}
	err := w.send(&livekit.WorkerMessage{Message: &livekit.WorkerMessage_UpdateWorker{
		UpdateWorker: &livekit.UpdateWorkerStatus{
			Status:   &status,
			Load:     float32(n) / float32(w.config.MaxJobs),
			JobCount: uint32(n),
		},
	}})
	if err != nil {
		w.log.Debug("Report load: %v", err)
	}
}

func (w *Worker) ping(stop <-chan struct{}) {
	ticker := time.NewTicker(w.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			err := w.send(&livekit.WorkerMessage{Message: &livekit.WorkerMessage_Ping{
				Ping: &livekit.WorkerPing{Timestamp: time.Now().UnixMilli()},
			}})
			if err != nil {
				w.log.Debug("Ping: %v", err)
			}
		}
	}
}

var errNotConnected = errors.New("not connected to dispatch service")

func (w *Worker) send(msg *livekit.WorkerMessage) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode worker message: %w", err)
	}
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

// ActiveJobs returns the ids of running jobs.
func (w *Worker) ActiveJobs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.jobs))
	for id := range w.jobs {
		ids = append(ids, id)
	}
	return ids
}
