package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"convsync/cmd/internal/app"
	"convsync/cmd/internal/conversation"
	"convsync/cmd/internal/transport"
)

func newWatchCmd(g *globalFlags) *cobra.Command {
	var (
		rooms []int64
		wait  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Join conversations and stream notices until interrupted",
		Long: `watch attaches to the shared connection, joins the given conversations
(or every conversation visible to the session when none are given) and prints
one JSON line per notice: inbound messages, new conversations, operation errors
and connection changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := g.session()
			if err != nil {
				return err
			}
			out := &noticeWriter{w: cmd.OutOrStdout()}

			return app.Run(cmd.Context(), g.cfg, g.log, func(ctx context.Context, a *app.App) error {
				c := a.Controller(&sess, out.write)
				if err := c.Attach(); err != nil {
					return err
				}
				defer c.Detach()

				// Joins emitted before authentication are dropped, and a later
				// rejoin only replays rooms that were joined.
				waitCtx, cancel := context.WithTimeout(ctx, wait)
				err := a.Transport().WaitForState(waitCtx, transport.StateAuthenticated)
				cancel()
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("watch: realtime connection: %w", err)
				}

				if err := joinInitial(ctx, c, sess.IsAdmin(), rooms); err != nil {
					return err
				}

				<-ctx.Done()
				return nil
			}, g.appOpts...)
		},
	}

	cmd.Flags().Int64SliceVar(&rooms, "conversation", nil, "conversation ids to join")
	cmd.Flags().DurationVar(&wait, "wait", 20*time.Second, "how long to wait for the realtime connection before joining")
	return cmd
}

func joinInitial(ctx context.Context, c *conversation.Controller, admin bool, rooms []int64) error {
	if len(rooms) > 0 {
		for _, id := range rooms {
			if r := c.JoinConversation(id); !r.Success {
				return r.Err
			}
		}
		return nil
	}
	if admin {
		if r := c.GetConversations(ctx); !r.Success {
			return r.Err
		}
		return nil
	}
	if r := c.GetUserConversation(ctx); !r.Success {
		return r.Err
	}
	return nil
}

// noticeWriter serializes notices as JSON lines.
type noticeWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (n *noticeWriter) write(x conversation.Notice) {
	b, err := json.Marshal(struct {
		Kind           conversation.NoticeKind `json:"kind"`
		ConversationID int64                   `json:"conversationId,omitempty"`
		Message        string                  `json:"message,omitempty"`
	}{x.Kind, x.ConversationID, x.Message})
	if err != nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	_, _ = fmt.Fprintln(n.w, string(b))
}
