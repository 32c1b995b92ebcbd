package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

type tokenOptions struct {
	userID string
	name   string
}

// newTokenCmd prints the connection details a client needs for a fresh
// room with the agent dispatched into it.
func newTokenCmd(root *rootOptions) *cobra.Command {
	opts := &tokenOptions{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a participant token for a new room",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			issuer, err := newIssuer(cfg)
			if err != nil {
				return err
			}
			conn, err := issuer.Issue(opts.userID, opts.name)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(conn)
		},
	}
	cmd.Flags().StringVar(&opts.userID, "user-id", "", "the user's id")
	cmd.Flags().StringVar(&opts.name, "name", "", "the user's display name")
	_ = cmd.MarkFlagRequired("user-id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}
