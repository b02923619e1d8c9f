package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/ZaynJarvis/newtab/internal/config"
	"github.com/ZaynJarvis/newtab/internal/logging"
	"github.com/ZaynJarvis/newtab/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the indexing and search server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	// .env is optional; real env vars win over file values.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	cleanup, err := logging.SetupDefault(logging.Config{
		Level:         cfg.Logging.Level,
		FilePath:      cfg.Logging.FilePath,
		WriteToStderr: true,
	})
	if err != nil {
		return err
	}
	defer cleanup()

	svc, err := server.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			slog.Warn("service close failed", slog.String("error", err.Error()))
		}
	}()

	// Periodic maintenance: eviction sweep and cache TTL cleanup.
	scheduler := cron.New()
	_, err = scheduler.AddFunc(cfg.Eviction.SweepSchedule, func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if removed, err := svc.Evictor.Run(sweepCtx); err != nil {
			slog.Warn("eviction sweep failed", slog.String("error", err.Error()))
		} else if removed > 0 {
			slog.Info("eviction sweep", slog.Int("removed", removed))
		}
		if removed := svc.Queries.CleanupExpired(); removed > 0 {
			slog.Info("cache cleanup", slog.Int("removed", removed))
		}
	})
	if err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Handler(svc, cfg.Server.RequestTimeout),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", slog.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutting down", slog.String("signal", sig.String()))
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
