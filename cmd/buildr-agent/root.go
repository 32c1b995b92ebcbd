package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/square-key-labs/buildr-voice-agent/src/config"
	"github.com/square-key-labs/buildr-voice-agent/src/logger"
	"github.com/square-key-labs/buildr-voice-agent/src/token"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	configFile string
	envFiles   []string
	v          *viper.Viper
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:           "buildr-agent",
		Short:         "Voice assistant for renovation projects on LiveKit",
		Long:          "buildr-agent registers a voice agent with a LiveKit server, joins the rooms it is dispatched to and talks homeowners through scoping their renovation project.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "config file (yaml, toml or json)")
	flags.StringSliceVar(&opts.envFiles, "env-file", config.DefaultEnvFiles, "dotenv files to load, missing ones are skipped")
	flags.String("log-level", "info", "DEBUG, INFO, WARN or ERROR")
	flags.String("livekit-url", "", "LiveKit server url")
	_ = opts.v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = opts.v.BindPFlag("livekit.url", flags.Lookup("livekit-url"))

	rootCmd.AddCommand(
		newVersionCmd(),
		newStartCmd(opts),
		newConnectCmd(opts),
		newTokenCmd(opts),
	)
	return rootCmd
}

// load reads configuration and applies the logging section.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.v, config.Options{ConfigFile: o.configFile, EnvFiles: o.envFiles})
	if err != nil {
		return nil, err
	}
	lc, err := cfg.Log.Logger()
	if err != nil {
		return nil, err
	}
	logger.Configure(lc)
	return cfg, nil
}

func newIssuer(cfg *config.Config) (*token.Issuer, error) {
	if cfg.LiveKit.URL == "" {
		return nil, config.ErrMissingLiveKit
	}
	issuer, err := token.NewIssuer(token.IssuerConfig{
		ServerURL: cfg.LiveKit.URL,
		APIKey:    cfg.LiveKit.APIKey,
		APISecret: cfg.LiveKit.APISecret,
		AgentName: cfg.Agent.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrMissingLiveKit, err)
	}
	return issuer, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}
