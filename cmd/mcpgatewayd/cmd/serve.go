package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/nexusmcp/gateway/bridge"
	gwconfig "github.com/nexusmcp/gateway/config"
	"github.com/nexusmcp/gateway/crypto"
	"github.com/nexusmcp/gateway/janitor"
	"github.com/nexusmcp/gateway/orchestrator"
	"github.com/nexusmcp/gateway/registry"
	"github.com/nexusmcp/gateway/session"
	"github.com/nexusmcp/gateway/transport/server/auth"
	transporthttp "github.com/nexusmcp/gateway/transport/server/http"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway's unified SSE Bridge over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
	return cmd
}

// runServe wires the gateway's components in dependency order:
// encryption key -> registry -> session manager -> janitor -> bridge,
// then serves the bridge over HTTP until signaled to stop.
func runServe(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := gwconfig.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	encryptionKey, err := crypto.ParseEncryptionKey(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("parse encryption key: %w", err)
	}

	store, closeStore, err := registry.OpenSQLite(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open registry store: %w", err)
	}
	defer func() { _ = closeStore() }()
	reg := registry.New(store, encryptionKey)

	sessions := session.New(reg, session.ClientInfo{Name: "mcpgatewayd", Version: Version})

	jan := janitor.New(sessions,
		janitor.WithIdleTimeout(cfg.SessionTimeout()),
		janitor.WithCleanupInterval(cfg.SessionCleanupInterval()),
	)
	go jan.Run(ctx)
	defer jan.Stop()

	orch := orchestrator.New(sessions, reg, nil)

	verifier := buildVerifier(cfg)
	br := bridge.New(orch, sessions, reg, verifier, cfg.ChannelQueueCapacity)

	server := transporthttp.NewServer(cfg.ListenAddr, br)
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	fmt.Fprintf(os.Stderr, "mcpgatewayd listening on %s\n", cfg.ListenAddr)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	case err := <-serveErr:
		return err
	}
}

// buildVerifier constructs the default HS256 auth boundary. AuthSecret
// unset means no Verifier is wired and every request is accepted — only
// appropriate for local/dev use, never production.
func buildVerifier(cfg *gwconfig.Config) auth.Verifier {
	if cfg.AuthSecret == "" {
		return nil
	}
	var grants auth.Store
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err == nil {
			rdb := redis.NewClient(opts)
			grants = auth.NewRedisStore(rdb, "mcpgatewayd:grant:", cfg.SessionTimeout(), 24*time.Hour, time.Minute)
		}
	}
	if grants == nil {
		grants = auth.NewMemoryStore(cfg.SessionTimeout(), 24*time.Hour, time.Minute)
	}
	return auth.NewHS256Verifier(cfg.AuthSecret, grants, cfg.SessionTimeout())
}
