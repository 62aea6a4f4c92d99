// Command ripforged runs the transcode job daemon: webhook intake, a
// single-flight worker, and the HTTP control plane.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/ripforge/ripforge/internal/admission"
	"github.com/ripforge/ripforge/internal/config"
	"github.com/ripforge/ripforge/internal/httpapi"
	"github.com/ripforge/ripforge/internal/logger"
	"github.com/ripforge/ripforge/internal/probe"
	"github.com/ripforge/ripforge/internal/store"
	"github.com/ripforge/ripforge/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger.Init(cfg.LogLevel)

	if err := checkTools(cfg); err != nil {
		log.Fatalf("tool check failed: %v", err)
	}

	detector := probe.NewEncoderDetector(cfg.FFmpegPath, cfg.VAAPIDevice)
	available := detector.Detect(ctx)
	logger.Info("detected encoders", "available", available)

	st, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer st.Close()

	if n, err := st.RecoverOrphans(ctx); err != nil {
		log.Fatalf("recover orphans: %v", err)
	} else if n > 0 {
		logger.Info("recovered orphaned jobs", "count", n)
	}

	prober := probe.NewProber(cfg.FFprobePath)
	w := worker.New(cfg, st, prober, detector)
	w.Start(ctx)

	admitter := admission.New(st, cfg.WebhookSecret)
	handler := httpapi.New(st, admitter, w, cfg)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	w.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
}

// checkTools confirms ffmpeg and ffprobe are reachable before the worker
// starts claiming jobs it could never execute.
func checkTools(cfg *config.Config) error {
	for _, bin := range []string{cfg.FFmpegPath, cfg.FFprobePath} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%s not found: %w", bin, err)
		}
	}
	if cfg.RawPath == "" || cfg.CompletedPath == "" || cfg.WorkPath == "" {
		return fmt.Errorf("RAW_PATH, COMPLETED_PATH, and WORK_PATH must all be set")
	}
	for _, dir := range []string{cfg.RawPath, cfg.CompletedPath, cfg.WorkPath} {
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			return fmt.Errorf("path does not exist or is not a directory: %s", dir)
		}
	}
	return nil
}
