// Command sessionwired runs a standalone resumable session transport server.
// Method handlers are registered in code; the daemon itself only ships a
// "ping" method and exists mainly as deployment scaffolding and a reference
// for embedding the transport.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sessionwire/sessionwire-go/eventlog"
	"github.com/sessionwire/sessionwire-go/eventlog/memorylog"
	"github.com/sessionwire/sessionwire-go/eventlog/redislog"
	"github.com/sessionwire/sessionwire-go/router"
	"github.com/sessionwire/sessionwire-go/storage"
	storagememory "github.com/sessionwire/sessionwire-go/storage/memory"
	storageredis "github.com/sessionwire/sessionwire-go/storage/redis"
	"github.com/sessionwire/sessionwire-go/streamhttp"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "sessionwired",
		Short:        "Resumable session transport server",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to TOML config file")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg config) error {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	kv, events, cleanup, err := buildBackends(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	routes := router.NewMux()
	routes.Handle("ping", func(ctx context.Context, sessionID string, params json.RawMessage) (any, error) {
		return map[string]any{"ok": true}, nil
	})

	handler, err := streamhttp.New(ctx, cfg.Endpoint, kv, events, routes,
		streamhttp.WithLogger(log),
		streamhttp.WithServerInfo(streamhttp.ServerInfo{Name: cfg.ServerName, Version: version}),
		streamhttp.WithSessionWindow(time.Duration(cfg.SessionWindow)),
		streamhttp.WithHeartbeatInterval(time.Duration(cfg.Heartbeat)),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: handler}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server.start",
			slog.String("addr", cfg.Addr),
			slog.String("endpoint", cfg.Endpoint),
			slog.String("backend", cfg.Backend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("server.stop")
	return nil
}

func buildBackends(cfg config) (storage.KV, eventlog.Log, func(), error) {
	switch cfg.Backend {
	case "redis":
		kv, err := storageredis.New(storageredis.Config{RedisAddr: cfg.Redis.Addr})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect session store: %w", err)
		}
		events, err := redislog.New(redislog.Config{RedisAddr: cfg.Redis.Addr})
		if err != nil {
			kv.Close()
			return nil, nil, nil, fmt.Errorf("failed to connect event log: %w", err)
		}
		return kv, events, func() { events.Close(); kv.Close() }, nil

	default:
		kv, err := storagememory.New(cfg.MaxSessions)
		if err != nil {
			return nil, nil, nil, err
		}
		return kv, memorylog.New(), func() { kv.Close() }, nil
	}
}
