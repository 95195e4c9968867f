package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mediaConverter/internal/config"
	"mediaConverter/internal/engine"
	"mediaConverter/internal/handlers"
	"mediaConverter/internal/storage"
	"mediaConverter/internal/transcode"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	stager := storage.New(logger, cfg.Storage.InputDir, cfg.Storage.OutputDir)
	if err := stager.EnsureDirs(); err != nil {
		logger.Error("failed to prepare staging roots", "error", err)
		os.Exit(1)
	}
	if cfg.Storage.SweepTTL > 0 {
		stager.Sweep(cfg.Storage.SweepTTL)
	}

	eng, err := engine.New(engine.Config{
		Backend:        cfg.Engine.Backend,
		FfmpegBinPath:  cfg.Engine.FfmpegBinPath,
		FfprobeBinPath: cfg.Engine.FfprobeBinPath,
	}, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	runner := transcode.NewRunner(logger, eng, transcode.Config{
		MaxConcurrent: cfg.Engine.MaxConcurrent,
		AdmissionWait: cfg.Engine.AdmissionWait,
		JobTimeout:    cfg.Engine.JobTimeout,
	})

	app := handlers.NewApp(logger, stager, runner, handlers.Options{
		MaxBodyBytes:      cfg.Upload.MaxBodyBytes,
		MaxFileBytes:      cfg.Upload.MaxFileBytes,
		AllowedExtensions: cfg.Upload.AllowedExtensions,
		StaticDir:         cfg.HTTP.StaticDir,
		RequestTimeout:    cfg.HTTP.RequestTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stager.StartJanitor(ctx, cfg.Storage.SweepInterval, cfg.Storage.SweepTTL)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("server started", "addr", cfg.Addr, "engine", cfg.Engine.Backend, "max_concurrent", cfg.Engine.MaxConcurrent)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received")
	cancel()

	// In-flight requests still release their staged files before Shutdown returns.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		_ = srv.Close()
	}
	logger.Info("server stopped")
}
