package main

import (
	"github.com/spf13/cobra"

	"convsync/cmd/internal/app"
	"convsync/cmd/internal/session"
)

func newRootCmd() *cobra.Command { return newRootCmdWith(&globalFlags{}) }

func newRootCmdWith(g *globalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "convsync",
		Short: "Realtime conversation sync client",
		Long: `convsync keeps a signed-in session in sync with the conversation server:
one shared realtime connection, optimistic sends reconciled against the
durable submit, room rejoin after reconnects and typing/presence tracking.

Configuration comes from CONVSYNC_* environment variables, optionally loaded
from .env files.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := app.LoadEnvFiles(g.envFiles...); err != nil {
				return err
			}
			g.cfg = app.LoadConfig()
			if cmd.Flags().Changed("log-level") {
				g.cfg.LogLevel = g.logLevel
			}
			if cmd.Flags().Changed("log-format") {
				g.cfg.LogFormat = g.format
			}
			if err := g.cfg.Validate(); err != nil {
				return err
			}
			g.log = app.NewLogger(cmd.ErrOrStderr(), g.cfg.LogLevel, g.cfg.LogFormat)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringSliceVar(&g.envFiles, "env-file", nil, "env files to load before reading CONVSYNC_* (default .env)")
	pf.StringVar(&g.userID, "user-id", "", "signed-in user id (default $CONVSYNC_USER_ID)")
	pf.StringVar(&g.role, "role", "", "signed-in role, ADMIN or PARTICIPANT (default $CONVSYNC_USER_ROLE)")
	pf.StringVar(&g.logLevel, "log-level", "info", "debug, info, warn or error")
	pf.StringVar(&g.format, "log-format", "json", "json or pretty")

	root.AddCommand(newWatchCmd(g), newSendCmd(g))
	return root
}

// session resolves the signed-in identity from flags, then the environment.
func (g *globalFlags) session() (session.Session, error) {
	id := g.userID
	if id == "" {
		id = app.EnvString("CONVSYNC_USER_ID", "")
	}
	role := g.role
	if role == "" {
		role = app.EnvString("CONVSYNC_USER_ROLE", string(session.RoleParticipant))
	}
	return session.Parse(id, role)
}
