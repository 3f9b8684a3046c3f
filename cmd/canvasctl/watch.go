package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"canvas-sync/auth"
	"canvas-sync/presence"
	"canvas-sync/recovery"
	"canvas-sync/state"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func (c *cli) watchCmd() *cobra.Command {
	var leave bool

	cmd := &cobra.Command{
		Use:   "watch <canvas-id>",
		Short: "Follow a canvas live until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.watch(ctx, cmd.OutOrStdout(), args[0], leave)
		},
	}
	cmd.Flags().BoolVar(&leave, "leave", true, "Tell the server you left when exiting")
	return cmd
}

func (c *cli) watch(ctx context.Context, out io.Writer, canvasID string, leave bool) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	claims, err := auth.UnverifiedClaims(c.cfg.Token)
	if err != nil {
		return err
	}

	log := logrus.WithFields(logrus.Fields{
		"canvasID": canvasID,
		"userID":   claims.Subject,
	})
	ctrl := recovery.New(c.cfg.RecoveryConfig(), claims.Subject, auth.TokenSource(c.cfg.Token),
		recovery.WithAPI(client),
		recovery.WithPresence(presence.New(c.cfg.PresenceOptions()...)),
		recovery.WithLogger(log),
	)

	changes, unsubscribe := ctrl.Store().Subscribe(64)
	defer unsubscribe()
	statuses, unwatch := ctrl.StatusChanges(8)
	defer unwatch()

	if err := ctrl.Connect(ctx, canvasID); err != nil {
		ctrl.Disconnect()
		return err
	}
	defer func() {
		if !leave {
			ctrl.Disconnect()
			return
		}
		leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ctrl.Leave(leaveCtx); err != nil {
			log.WithError(err).Warn("leave failed")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case status := <-statuses:
			fmt.Fprintf(out, "status %s\n", status)
			if status == recovery.StatusFailed {
				return ctrl.Err()
			}
		case change := <-changes:
			fmt.Fprintln(out, formatChange(ctrl.Store(), change))
		}
	}
}

func formatChange(store *state.Store, change state.Change) string {
	var b strings.Builder
	b.WriteString(change.Kind.String())

	switch change.Kind {
	case state.ChangeSnapshot, state.ChangeCleared:
		fmt.Fprintf(&b, " blocks=%d seq=%d", len(store.Blocks()), store.ServerSeq())
	default:
		for _, id := range change.BlockIDs {
			blk, ok := store.Block(id)
			if !ok {
				fmt.Fprintf(&b, " %s(gone)", id)
				continue
			}
			fmt.Fprintf(&b, " %s(%s v%d @%.0f,%.0f)", id, blk.Type, blk.Version, blk.Position.X, blk.Position.Y)
		}
	}
	if change.Err != nil {
		fmt.Fprintf(&b, " error=%q", change.Err.Error())
	}
	return b.String()
}
