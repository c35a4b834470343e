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
	"golang.org/x/sync/errgroup"

	"content-hub/internal/config"
	"content-hub/internal/logger"
	"content-hub/internal/mail"
	"content-hub/internal/media"
	"content-hub/internal/models"
	"content-hub/internal/queue"
	"content-hub/internal/ratelimit"
	"content-hub/internal/remote"
	"content-hub/internal/store"
	"content-hub/internal/telemetry"
	"content-hub/internal/worker"
)

var (
	envFile string
	queues  []string
	version = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:   "hub-worker",
	Short: "Consumes the push, content and email queues",
	RunE:  runWorker,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("hub-worker %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file loaded before reading the environment")
	rootCmd.Flags().StringSliceVar(&queues, "queues", models.Queues, "named queues to consume")
	rootCmd.AddCommand(versionCmd)
}

func runWorker(*cobra.Command, []string) error {
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

	deps := worker.Deps{
		Store:  st,
		Remote: remote.NewFromConfig(cfg),
		Log:    log.Named("handlers"),
	}
	banners, err := media.NewRenditioner(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init banner renditions: %w", err)
	}
	if banners != nil {
		deps.Banners = banners
	}
	if cfg.WebsiteRateCapacity > 0 {
		throttle, err := ratelimit.New(client, ratelimit.WebsitePrefix, cfg.WebsiteRateCapacity, cfg.WebsiteRateRefill)
		if err != nil {
			return fmt.Errorf("init website throttle: %w", err)
		}
		deps.Throttle = throttle
	}
	if consumes(models.QueueEmail) {
		transport, err := mail.NewFromConfig(cfg)
		if err != nil {
			// Email jobs fail permanently until a transport is configured.
			log.Warn("mail transport disabled", zap.Error(err))
		} else {
			defer transport.Close()
			deps.Mail = transport
		}
	}
	handlers := worker.NewHandlers(deps)

	opts := queue.Options{VisibilityTimeout: cfg.VisibilityTimeout, CompletedRetention: cfg.CompletedRetention}
	sink := telemetry.OutcomeLogger(log.Named("outcomes"))

	g, ctx := errgroup.WithContext(ctx)
	for _, name := range queues {
		q := queue.NewRedisQueue(client, name, opts)
		proc := worker.NewProcessor(q, st, worker.SettingsFromConfig(cfg, name), log.Named("processor"))
		handlers.Register(proc)
		proc.Subscribe(sink)
		g.Go(func() error { return proc.Run(ctx) })
	}

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	log.Info("worker started",
		zap.Strings("queues", queues),
		zap.Duration("visibility", cfg.VisibilityTimeout),
		zap.Duration("backoff_initial", cfg.BackoffInitial),
		zap.String("version", version),
	)
	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metrics.Shutdown(shutdownCtx)
	return err
}

func consumes(name string) bool {
	for _, q := range queues {
		if q == name {
			return true
		}
	}
	return false
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
