package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"taskflow/internal/broker"
	"taskflow/internal/config"
	"taskflow/internal/core"
	"taskflow/internal/events"
	"taskflow/internal/logger"
	"taskflow/internal/server"
	"taskflow/internal/session"
	"taskflow/internal/storage"
	"taskflow/pkg"
)

func serveCmd() *cobra.Command {
	var (
		addr       string
		redisURL   string
		workspaces []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and live-update server",
		Long: `Start the taskflow server.

Without a Redis URL every backend is in memory and state is lost on exit.

Examples:
  taskflow serve --workspace acme=alice,bob
  taskflow serve --addr :9090 --redis redis://localhost:6379/0 --workspace acme=alice`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if redisURL != "" {
				cfg.Redis.URL = redisURL
			}
			seeds, err := parseWorkspaces(workspaces)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, seeds)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides TASKFLOW_SERVER_ADDR)")
	cmd.Flags().StringVar(&redisURL, "redis", "", "redis URL; empty keeps everything in memory")
	cmd.Flags().StringArrayVarP(&workspaces, "workspace", "w", nil, "seed a workspace as id=member1,member2 (repeatable)")

	return cmd
}

type backends struct {
	store    storage.Store
	sequence events.Sequencer
	presence session.Presence
}

func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	if cfg.Redis.URL == "" {
		logger.Info().Msg("using in-memory backends")
		return &backends{
			store:    storage.NewMemoryStore(),
			sequence: events.NewMemorySequencer(),
			presence: session.NewMemoryPresence(),
		}, nil
	}

	client, err := storage.NewRedisClient(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("prefix", cfg.Redis.KeyPrefix).Msg("using redis backends")
	return &backends{
		store:    storage.NewRedisStore(client, cfg.Redis.KeyPrefix),
		sequence: events.NewRedisSequencer(client, cfg.Redis.KeyPrefix),
		presence: session.NewRedisPresence(client, cfg.Redis.KeyPrefix, cfg.Session.PresenceTTL),
	}, nil
}

func runServe(ctx context.Context, cfg *config.Config, seeds []pkg.Workspace) error {
	gin.SetMode(gin.ReleaseMode)

	be, err := openBackends(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open backends: %w", err)
	}
	defer be.store.Close()

	b := broker.New(cfg.Broker.QueueSize, logger.Component("broker"))
	defer b.Close()

	encoder := events.NewEncoder(be.sequence, b, logger.Component("events"))
	svc, err := core.NewService(ctx, be.store, encoder, logger.Component("core"))
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	for i := range seeds {
		ws := seeds[i]
		if err := svc.CreateWorkspace(ctx, &ws); err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				logger.Info().Str("workspace", ws.ID).Msg("workspace already exists")
				continue
			}
			return fmt.Errorf("failed to seed workspace %s: %w", ws.ID, err)
		}
		logger.Info().Str("workspace", ws.ID).Strs("members", ws.Members).Msg("workspace seeded")
	}

	deps := session.Deps{
		Broker:   b,
		Auth:     session.NewStoreAuthorizer(be.store),
		Sequence: encoder,
		Presence: be.presence,
	}
	srv := server.NewServer(svc, be.store, deps, cfg, logger.Component("server"))
	return srv.Run(ctx)
}

// parseWorkspaces reads id=member1,member2 seeds
func parseWorkspaces(specs []string) ([]pkg.Workspace, error) {
	out := make([]pkg.Workspace, 0, len(specs))
	for _, spec := range specs {
		id, members, ok := strings.Cut(spec, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid workspace %q, want id=member1,member2", spec)
		}
		ws := pkg.Workspace{ID: id, Name: id}
		for _, m := range strings.Split(members, ",") {
			if m = strings.TrimSpace(m); m != "" {
				ws.Members = append(ws.Members, m)
			}
		}
		if len(ws.Members) == 0 {
			return nil, fmt.Errorf("workspace %s needs at least one member", id)
		}
		out = append(out, ws)
	}
	return out, nil
}
