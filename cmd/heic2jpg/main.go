package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/coah80/heic2jpg/internal/alerts"
	"github.com/coah80/heic2jpg/internal/analytics"
	"github.com/coah80/heic2jpg/internal/auth"
	"github.com/coah80/heic2jpg/internal/cleanup"
	"github.com/coah80/heic2jpg/internal/codec"
	"github.com/coah80/heic2jpg/internal/config"
	"github.com/coah80/heic2jpg/internal/convert"
	"github.com/coah80/heic2jpg/internal/logger"
	"github.com/coah80/heic2jpg/internal/middleware"
	"github.com/coah80/heic2jpg/internal/routes"
	"github.com/coah80/heic2jpg/internal/server"
	"github.com/coah80/heic2jpg/internal/util"
)

var (
	configPath string
	cfg        *config.Config
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "heic2jpg",
		Short:        "Convert HEIC/HEIF images to JPEG",
		Version:      config.Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			godotenv.Load()
			if configPath == "" {
				configPath = os.Getenv("CONFIG_PATH")
			}
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
			logger.Init(cfg.LogLevel, cfg.LogFormat)
			for _, w := range cfg.Warnings {
				logger.Component("config").Warn(w)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.toml (default $CONFIG_PATH or ./config.toml)")

	root.AddCommand(newServeCmd(), newConvertCmd(), newConvertDirCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var clearTemp bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP conversion service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), clearTemp)
		},
	}
	cmd.Flags().BoolVar(&clearTemp, "clear-temp", false, "empty the working directories before starting")
	return cmd
}

func serve(ctx context.Context, clearTemp bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	decoder, err := util.FindDecoder(cfg.HEIFDecoder)
	if err != nil {
		return err
	}
	if err := util.EnsureDirs(cfg.Dirs()...); err != nil {
		return err
	}
	if clearTemp {
		util.ClearTempDirs(cfg.Dirs()...)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	usage := analytics.New(reg)

	notifier, err := alerts.New(cfg.DiscordWebhookURL)
	if err != nil {
		return err
	}
	defer notifier.Close()

	store, closeStore, err := rateLimitStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	sched := cleanup.New(cleanup.WithRetentionSweep(config.FileRetention, cfg.Dirs()...))
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start cleanup: %w", err)
	}
	defer sched.Stop()

	api := routes.New(routes.Deps{
		Config:    cfg,
		Converter: convert.New(codec.NewExecCodec(decoder)),
		Usage:     usage,
		Cleanup:   sched,
		Auth:      auth.New(cfg, usage, notifier),
		Alerts:    notifier,
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	srv := server.New(cfg, api, server.NewLimiters(store, usage, notifier))

	server.PrintBanner()
	logger.L.Info("server starting",
		slog.String("port", cfg.Port),
		slog.String("env", cfg.EnvMode),
		slog.String("decoder", decoder),
		slog.Bool("multi_file", cfg.MultiFile),
		slog.Bool("require_api_key", cfg.RequireAPIKey),
		slog.String("api_key", util.MaskKey(firstKey(cfg.APIKeys))),
		slog.Bool("alerts", notifier.Enabled()))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	notifier.ServerStarted(cfg.Port)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.L.Info("shutting down")
	notifier.ServerStopping()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.L.Error("shutdown", slog.Any("error", err))
	}
	return nil
}

// rateLimitStore uses Redis when REDIS_URL is set so several instances share
// one window; otherwise it keeps windows in memory.
func rateLimitStore(ctx context.Context) (middleware.Store, func(), error) {
	if cfg.RedisURL == "" {
		mem := middleware.NewMemoryStore()
		mem.StartPruning(ctx, config.RateLimitWindow)
		return mem, func() {}, nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client, err := middleware.NewRedisClient(pingCtx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	logger.L.Info("rate limits shared through redis", slog.String("addr", client.Options().Addr))
	return middleware.NewRedisStore(client, "heic2jpg:ratelimit:"), func() { closeRedis(client) }, nil
}

func closeRedis(client *redis.Client) {
	if err := client.Close(); err != nil {
		logger.L.Warn("redis close", slog.Any("error", err))
	}
}

func firstKey(keys []string) string {
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}
