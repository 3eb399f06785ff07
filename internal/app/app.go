// Package app wires the board server's subsystems together behind one
// shared application context for the process-wide registry, fanout and
// reaper singletons.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/collabboard/boardsync/internal/checkpointer"
	"github.com/collabboard/boardsync/internal/config"
	"github.com/collabboard/boardsync/internal/gateway"
	"github.com/collabboard/boardsync/internal/presence"
	"github.com/collabboard/boardsync/internal/reaper"
	"github.com/collabboard/boardsync/internal/registry"
)

// startupPingAttempts bounds how many times New retries an unreachable
// Redis before giving up and returning an error, so main can exit non-zero
// on unrecoverable startup failure rather than serving traffic against a
// dead backend.
const startupPingAttempts = 5

// App owns every process-wide singleton: the Redis gateway, the board
// registry (and the checkpointers it spawns), the presence fanout and the
// session reaper. HTTP-layer wiring lives in internal/httpserver, which
// takes an *App to build per-connection sessions from.
type App struct {
	Config   config.Config
	Redis    redis.UniversalClient
	Gateway  *gateway.Gateway
	Registry *registry.Registry
	Fanout   *presence.Fanout
	Reaper   *reaper.Reaper
	Logger   *slog.Logger

	ctx context.Context
}

// New constructs every singleton, binding board checkpointers and other
// background work to ctx's lifetime. It starts none of them; call Run to
// start the fanout and reaper background tasks.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("app: parse redis.url: %w", err)
	}
	client := redis.NewClient(opts)

	if err := pingWithRetry(ctx, client, logger); err != nil {
		_ = client.Close()
		return nil, err
	}

	gw := gateway.New(client, gateway.Config{
		SmallOpTimeout: cfg.GatewaySmallOpTimeout,
		JSONGetTimeout: cfg.GatewayJSONTimeout,
	})

	reg := registry.New(ctx, gw, checkpointer.Config{
		BatchSize:    cfg.CheckpointBatchSize,
		EmptyBackoff: cfg.CheckpointEmptyBackoff,
		IdleGrace:    cfg.BoardIdleGrace,
	}, logger)

	fanout := presence.NewFanout(gw, logger)
	r := reaper.New(gw, reg, logger, cfg.ReaperInterval)

	return &App{
		Config:   cfg,
		Redis:    client,
		Gateway:  gw,
		Registry: reg,
		Fanout:   fanout,
		Reaper:   r,
		Logger:   logger,
		ctx:      ctx,
	}, nil
}

// pingWithRetry validates that client can reach Redis before any singleton
// is built on top of it, retrying transient failures with the same capped
// backoff the rest of the package uses, and giving up with an error after
// startupPingAttempts so main can exit non-zero.
func pingWithRetry(ctx context.Context, client redis.UniversalClient, logger *slog.Logger) error {
	backoff := gateway.NewBackoff()
	var lastErr error
	for attempt := 1; attempt <= startupPingAttempts; attempt++ {
		lastErr = client.Ping(ctx).Err()
		if lastErr == nil {
			return nil
		}
		logger.Warn("app: redis unreachable, retrying", "attempt", attempt, "error", lastErr)
		if attempt == startupPingAttempts {
			break
		}
		if sleepErr := backoff.Sleep(ctx); sleepErr != nil {
			return fmt.Errorf("app: redis unreachable: %w", sleepErr)
		}
	}
	return fmt.Errorf("app: redis unreachable after %d attempts: %w", startupPingAttempts, lastErr)
}

// Run starts the presence fanout and reaper background tasks and blocks
// until the context passed to New is cancelled.
func (a *App) Run() {
	go func() {
		if err := a.Fanout.Run(a.ctx); err != nil && a.ctx.Err() == nil {
			a.Logger.Error("presence fanout exited unexpectedly", "error", err)
		}
	}()
	go a.Reaper.Run(a.ctx)
	<-a.ctx.Done()
}

// Shutdown waits for every board checkpointer to exit and closes the
// Redis connection. Callers should cancel the context passed to New
// before calling Shutdown.
func (a *App) Shutdown() error {
	a.Registry.Shutdown()
	return a.Redis.Close()
}
