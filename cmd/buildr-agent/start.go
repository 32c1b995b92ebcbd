package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/square-key-labs/buildr-voice-agent/src/agent"
	"github.com/square-key-labs/buildr-voice-agent/src/logger"
	"github.com/square-key-labs/buildr-voice-agent/src/session"
)

func newStartCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Register as a worker and take room jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
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
			model, err := agent.Prewarm(cfg.VAD.Params())
			if err != nil {
				return err
			}
			deps, err := agent.NewSessionDeps(cfg, model)
			if err != nil {
				return err
			}

			worker, err := agent.NewWorker(agent.WorkerConfig{
				URL:       cfg.LiveKit.URL,
				AgentName: cfg.Agent.Name,
				Version:   version,
				MaxJobs:   cfg.Agent.MaxJobs,
			}, issuer, func(ctx context.Context, job agent.Job) error {
				return session.Run(ctx, deps, job.Session())
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger.Info("Worker %s starting against %s", cfg.Agent.Name, cfg.LiveKit.URL)
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info("Worker stopped")
			return nil
		},
	}
	return cmd
}
