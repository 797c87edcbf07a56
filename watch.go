package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"taskflow/internal/cache"
	"taskflow/internal/client"
	"taskflow/internal/config"
	"taskflow/internal/logger"
	"taskflow/pkg"
)

func watchCmd() *cobra.Command {
	var (
		serverURL string
		principal string
		workspace string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a workspace and keep a synchronized local cache",
		Long: `Subscribe to a workspace and print every applied change.

Examples:
  taskflow watch --principal alice --workspace acme
  taskflow watch --server http://tasks.internal:8080 -p bob -w acme`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			if serverURL != "" {
				cfg.Client.ServerURL = serverURL
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, cfg, principal, workspace, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "server URL (overrides TASKFLOW_CLIENT_SERVER_URL)")
	cmd.Flags().StringVarP(&principal, "principal", "p", "", "identity to connect as")
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "workspace to follow")
	_ = cmd.MarkFlagRequired("principal")
	_ = cmd.MarkFlagRequired("workspace")

	return cmd
}

func runWatch(ctx context.Context, cfg *config.Config, principal, workspace string, out io.Writer) error {
	log := logger.Component("client")

	synchronizer := cache.NewSynchronizer(
		pkg.Session{Principal: principal, WorkspaceID: workspace},
		client.NewHTTPRefetcher(cfg.Client.ServerURL, principal, nil),
		log,
		cache.OnApplied(func(env pkg.EventEnvelope) {
			fmt.Fprintf(out, "%6d  %-22s %s\n", env.Seq, env.Type, describe(env))
		}),
		cache.OnResync(func(snap *pkg.WorkspaceSnapshot) {
			blocked := 0
			for _, t := range snap.Tasks {
				if t.IsBlocked {
					blocked++
				}
			}
			fmt.Fprintf(out, "%6d  %-22s %d projects, %d tasks (%d blocked)\n",
				snap.Seq, "baseline", len(snap.Projects), len(snap.Tasks), blocked)
		}),
	)

	dialer, err := client.NewWSDialer(cfg.Client.ServerURL, cfg.Server.WriteTimeout)
	if err != nil {
		return err
	}
	manager := client.NewManager(dialer, synchronizer, cfg.Client, principal, log,
		client.WithStateListener(func(s client.State) {
			log.Info().Str("state", s.String()).Msg("connection state")
		}))
	defer manager.Close()

	if err := manager.Connect(ctx, workspace); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", workspace, err)
	}

	select {
	case <-ctx.Done():
		return nil
	case <-manager.Done():
		if err := manager.Err(); err != nil {
			if errors.Is(err, client.ErrReconnectExhausted) {
				return fmt.Errorf("live updates unavailable, refresh manually: %w", err)
			}
			return err
		}
		return nil
	}
}

func describe(env pkg.EventEnvelope) string {
	p := env.Payload
	var parts []string
	if p.Task != nil {
		s := fmt.Sprintf("task %s %q [%s]", p.Task.ID, p.Task.Title, p.Task.Status)
		if p.Task.IsBlocked {
			s += " blocked"
		}
		parts = append(parts, s)
	}
	if p.Edge != nil {
		parts = append(parts, fmt.Sprintf("%s waits on %s", p.Edge.Dependent, p.Edge.Blocker))
	}
	if p.Project != nil {
		parts = append(parts, fmt.Sprintf("project %s %q", p.Project.ID, p.Project.Name))
	}
	if p.Comment != nil {
		parts = append(parts, fmt.Sprintf("comment by %s on %s", p.Comment.Author, p.Comment.TaskID))
	}
	if p.Notification != nil {
		parts = append(parts, p.Notification.Message)
	}
	if env.Actor != "" {
		parts = append(parts, "by "+env.Actor)
	}
	return strings.Join(parts, ", ")
}
