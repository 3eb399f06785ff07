package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/collabboard/boardsync/internal/app"
	"github.com/collabboard/boardsync/internal/config"
	"github.com/collabboard/boardsync/internal/httpserver"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "boardserver",
		Short: "Real-time collaborative board server",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Redis connection URL")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().Int64("checkpoint-batch-size", defaults.GetInt64("checkpoint.batch_size"), "Checkpointer batch size")
	cmd.PersistentFlags().Duration("checkpoint-empty-backoff", defaults.GetDuration("checkpoint.empty_backoff"), "Sleep between empty checkpoint batches")
	cmd.PersistentFlags().Duration("board-idle-grace", defaults.GetDuration("board.idle_grace"), "Grace window before an idle checkpointer exits")
	cmd.PersistentFlags().Duration("session-checkin-ttl", defaults.GetDuration("session.checkin_ttl"), "Presence check-in TTL")
	cmd.PersistentFlags().Duration("reaper-interval", defaults.GetDuration("reaper.interval"), "Session reaper sweep interval")
	cmd.PersistentFlags().Int("snapshot-chunk-size", defaults.GetInt("snapshot.chunk_size"), "Object ids per snapshot chunk")
	cmd.PersistentFlags().Duration("gateway-timeout", defaults.GetDuration("gateway.timeout"), "Timeout for small gateway operations")
	cmd.PersistentFlags().Duration("gateway-json-timeout", defaults.GetDuration("gateway.json_timeout"), "Timeout for JSON.GET gateway operations")

	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "checkpoint.batch_size", "checkpoint-batch-size")
	bindFlag(cmd, "checkpoint.empty_backoff", "checkpoint-empty-backoff")
	bindFlag(cmd, "board.idle_grace", "board-idle-grace")
	bindFlag(cmd, "session.checkin_ttl", "session-checkin-ttl")
	bindFlag(cmd, "reaper.interval", "reaper-interval")
	bindFlag(cmd, "snapshot.chunk_size", "snapshot-chunk-size")
	bindFlag(cmd, "gateway.timeout", "gateway-timeout")
	bindFlag(cmd, "gateway.json_timeout", "gateway-json-timeout")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &notFound) {
			return err
		}
	}
	return nil
}

func runServer(ctx context.Context) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(signalCtx, cfg, logger)
	if err != nil {
		return err
	}

	go a.Run()

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddress,
		Handler: httpserver.NewRouter(a),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "address", cfg.HTTPAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
		return a.Shutdown()
	case err := <-errCh:
		if err != nil {
			return err
		}
		return a.Shutdown()
	}
}
