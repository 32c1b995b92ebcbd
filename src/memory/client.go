// Package memory enriches a session with what a long-term memory store
// knows about the user. Every call is best-effort.
package memory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	zep "github.com/getzep/zep-go/v3"
	zepclient "github.com/getzep/zep-go/v3/client"
	"github.com/getzep/zep-go/v3/core"
	"github.com/getzep/zep-go/v3/option"
)

const DefaultBaseURL = "https://api.getzep.com/api/v2"

var ErrNotConfigured = errors.New("memory store not configured")

// APIError is a non-2xx answer from the store.
type APIError struct {
	Op     string
	Status int
	Err    error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// Message is one turn written to a memory thread.
type Message struct {
	Role    string
	Name    string
	Content string
}

type ClientConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	// MaxAttempts bounds the SDK's retries per call (default 1, no retry).
	MaxAttempts uint
}

// Client adapts the Zep SDK's user and thread API to Store.
type Client struct {
	zep *zepclient.Client
}

func NewClient(config ClientConfig) (*Client, error) {
	if config.APIKey == "" {
		return nil, ErrNotConfigured
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxAttempts == 0 {
		config.MaxAttempts = 1
	}
	return &Client{
		zep: zepclient.NewClient(
			option.WithAPIKey(config.APIKey),
			option.WithBaseURL(strings.TrimRight(config.BaseURL, "/")),
			option.WithHTTPClient(&http.Client{Timeout: config.Timeout}),
			option.WithMaxAttempts(config.MaxAttempts),
		),
	}, nil
}

// AddUser registers userID. A user that already exists is not an error.
func (c *Client) AddUser(ctx context.Context, userID, firstName string) error {
	req := &zep.CreateUserRequest{UserID: userID}
	if firstName != "" {
		req.FirstName = zep.String(firstName)
	}
	_, err := c.zep.User.Add(ctx, req)
	err = wrap("user.add", err)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		return nil
	}
	return err
}

func (c *Client) CreateThread(ctx context.Context, threadID, userID string) error {
	_, err := c.zep.Thread.Create(ctx, &zep.CreateThreadRequest{ThreadID: threadID, UserID: userID})
	return wrap("thread.create", err)
}

func (c *Client) AddMessages(ctx context.Context, threadID string, messages []Message) error {
	req := &zep.AddThreadMessagesRequest{Messages: make([]*zep.Message, 0, len(messages))}
	for _, m := range messages {
		msg := &zep.Message{Role: zep.RoleType(m.Role), Content: m.Content}
		if m.Name != "" {
			msg.Name = zep.String(m.Name)
		}
		req.Messages = append(req.Messages, msg)
	}
	_, err := c.zep.Thread.AddMessages(ctx, threadID, req)
	return wrap("thread.addMessages", err)
}

// GetUserContext returns the summarized context block for the thread's user.
func (c *Client) GetUserContext(ctx context.Context, threadID string) (string, error) {
	resp, err := c.zep.Thread.GetUserContext(ctx, threadID, nil)
	if err != nil {
		return "", wrap("thread.getUserContext", err)
	}
	if resp == nil || resp.Context == nil {
		return "", nil
	}
	return *resp.Context, nil
}

// wrap tags SDK errors with the operation and lifts the HTTP status.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *core.APIError
	if errors.As(err, &apiErr) {
		return &APIError{Op: op, Status: apiErr.StatusCode, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
