package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/square-key-labs/buildr-voice-agent/src/agent"
	"github.com/square-key-labs/buildr-voice-agent/src/session"
)

type connectOptions struct {
	room     string
	username string
	userID   string
}

// newConnectCmd joins one named room directly, without a dispatch.
func newConnectCmd(root *rootOptions) *cobra.Command {
	opts := &connectOptions{}
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Join a room directly and hold one conversation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			issuer, err := newIssuer(cfg)
			if err != nil {
				return err
			}
			jobID := "local-" + uuid.NewString()[:8]
			jwt, err := issuer.RoomToken(opts.room, "agent-"+jobID)
			if err != nil {
				return err
			}
			model, err := agent.Prewarm(cfg.VAD.Params())
			if err != nil {
				return err
			}
			deps, err := agent.NewSessionDeps(cfg, model)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			err = session.Run(ctx, deps, session.Job{
				ID:       jobID,
				RoomName: opts.room,
				URL:      cfg.LiveKit.URL,
				Token:    jwt,
				Username: opts.username,
				UserID:   opts.userID,
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&opts.room, "room", "", "room to join")
	cmd.Flags().StringVar(&opts.username, "username", "", "the user's display name")
	cmd.Flags().StringVar(&opts.userID, "user-id", "", "the user's id in the memory store")
	_ = cmd.MarkFlagRequired("room")
	return cmd
}
