package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"convsync/cmd/internal/app"
	"convsync/cmd/internal/transport"
)

func newSendCmd(g *globalFlags) *cobra.Command {
	var (
		conversationID int64
		wait           time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send TEXT...",
		Short: "Send one message and print the stored result",
		Long: `send shows the message optimistically, pushes it over the realtime
connection when it authenticates within --wait and submits it durably. If the
connection is not up in time the message is submitted over HTTP only.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if conversationID <= 0 {
				return errors.New("--conversation is required")
			}
			sess, err := g.session()
			if err != nil {
				return err
			}

			return app.Run(cmd.Context(), g.cfg, g.log, func(ctx context.Context, a *app.App) error {
				c := a.Controller(&sess, nil)
				if err := c.Attach(); err != nil {
					return err
				}
				defer c.Detach()

				waitCtx, cancel := context.WithTimeout(ctx, wait)
				if err := a.Transport().WaitForState(waitCtx, transport.StateAuthenticated); err != nil {
					g.log.Warn("send.realtime.unavailable", "err", err)
				} else {
					c.JoinConversation(conversationID)
				}
				cancel()

				res := c.SendMessage(ctx, conversationID, strings.Join(args, " "))
				if !res.Success {
					return res.Err
				}

				enc := json.NewEncoder(cmd.OutOrStdout())
				return enc.Encode(map[string]any{
					"id":             res.Data.ID,
					"conversationId": res.Data.ConversationID,
					"text":           res.Data.Text,
					"createdAt":      res.Data.CreatedAt,
				})
			}, g.appOpts...)
		},
	}

	cmd.Flags().Int64Var(&conversationID, "conversation", 0, "conversation id")
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "how long to wait for the realtime connection")
	return cmd
}
