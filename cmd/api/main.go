package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"content-hub/internal/api"
	"content-hub/internal/config"
	"content-hub/internal/logger"
	"content-hub/internal/models"
	"content-hub/internal/producer"
	"content-hub/internal/queue"
	"content-hub/internal/ratelimit"
	"content-hub/internal/store"
)

var (
	envFile string
	version = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:   "hub-api",
	Short: "Admin API that fans content pushes out to website backends",
	RunE:  runAPI,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("hub-api %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file loaded before reading the environment")
	rootCmd.AddCommand(versionCmd)
}

func runAPI(*cobra.Command, []string) error {
	cfg := config.Load(envFile)

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	client := queue.NewRedisClient(cfg)
	defer client.Close()

	opts := queue.Options{VisibilityTimeout: cfg.VisibilityTimeout, CompletedRetention: cfg.CompletedRetention}
	enqueuers := make(map[string]producer.Enqueuer, len(models.Queues))
	inspectors := make(map[string]api.QueueInspector, len(models.Queues))
	for _, name := range models.Queues {
		q := queue.NewRedisQueue(client, name, opts)
		enqueuers[name] = q
		inspectors[name] = q
	}

	prod := producer.New(st, enqueuers, producer.Options{MaxAttempts: cfg.MaxAttempts, MailFrom: cfg.MailFrom}, log.Named("producer"))

	var limiter api.Limiter
	if cfg.RateLimitCapacity > 0 {
		l, err := ratelimit.New(client, ratelimit.TenantPrefix, cfg.RateLimitCapacity, cfg.RateLimitRefill)
		if err != nil {
			return fmt.Errorf("init tenant rate limit: %w", err)
		}
		limiter = l
	}

	server := api.New(prod, st, inspectors, limiter, log.Named("api"))
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("api listening", zap.String("addr", httpServer.Addr), zap.String("version", version))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down api")
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
