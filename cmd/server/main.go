// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cascdr-labs/whispr/internal/announce"
	"github.com/cascdr-labs/whispr/internal/blob"
	"github.com/cascdr-labs/whispr/internal/bus"
	"github.com/cascdr-labs/whispr/internal/cache"
	"github.com/cascdr-labs/whispr/internal/config"
	"github.com/cascdr-labs/whispr/internal/media"
	"github.com/cascdr-labs/whispr/internal/payment"
	"github.com/cascdr-labs/whispr/internal/pricing"
	"github.com/cascdr-labs/whispr/internal/scheduler"
	"github.com/cascdr-labs/whispr/internal/server"
	"github.com/cascdr-labs/whispr/internal/store"
	"github.com/cascdr-labs/whispr/internal/transcribe"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		fatal(logger, "load config", err)
	}
	logger.Info("server starting", "listen_addr", cfg.ListenAddr, "endpoint", cfg.Endpoint, "db_path", cfg.DBPath, "max_concurrent_jobs", cfg.MaxConcurrentJobs, "max_retries", cfg.MaxRetries)

	if cfg.LNAddress == "" {
		fatal(logger, "LN_ADDRESS is required", errors.New("missing LN_ADDRESS"))
	}
	if cfg.DeepgramAPIKey == "" {
		fatal(logger, "DEEPGRAM_API_KEY is required", errors.New("missing DEEPGRAM_API_KEY"))
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		fatal(logger, "ensure data directory", err, "db_path", cfg.DBPath)
	}

	jobs, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		fatal(logger, "open job store", err, "db_path", cfg.DBPath)
	}
	defer jobs.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var blobs blob.Store
	if cfg.Blob.Bucket != "" {
		s3, err := blob.NewS3(ctx, cfg.Blob)
		if err != nil {
			fatal(logger, "connect blob store", err, "bucket", cfg.Blob.Bucket)
		}
		blobs = s3
		logger.Info("blob store ready", "bucket", cfg.Blob.Bucket, "endpoint", cfg.Blob.Endpoint)
	} else {
		logger.Warn("no blob bucket configured, cached transcripts stay inline only")
	}

	var nc *bus.Client
	if cfg.NATSURL != "" {
		nc, err = bus.Connect(cfg.NATSURL)
		if err != nil {
			fatal(logger, "connect to NATS", err, "nats_url", cfg.NATSURL)
		}
		defer nc.Close()
		logger.Info("connected to NATS", "nats_url", cfg.NATSURL)
	} else {
		logger.Warn("no NATS url configured, lifecycle events and offerings disabled")
	}

	quoter := pricing.NewQuoter(cfg.FixedUSD, cfg.VariableUSD, logger)
	issuer := payment.NewLNURLIssuer(cfg.LNAddress, logger)
	gate := payment.NewGate(jobs, issuer, quoter, cfg.Endpoint, logger)
	provider := transcribe.NewDeepgram(cfg.DeepgramAPIKey, logger)
	transcripts := cache.New(jobs, blobs, logger)
	files := media.NewManager(cfg.TempDir, cfg.MaxUploadBytes)
	if err := files.EnsureTempDir(); err != nil {
		fatal(logger, "ensure temp directory", err, "temp_dir", cfg.TempDir)
	}

	var events bus.Publisher
	if nc != nil {
		events = nc
	}
	sched := scheduler.New(jobs, transcripts, provider, files, events, scheduler.Options{
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		MaxRetries:        cfg.MaxRetries,
		DispatchInterval:  cfg.DispatchInterval,
		AttemptTimeout:    cfg.AttemptTimeout,
		EventSubject:      cfg.EventSubject,
	}, logger)
	if err := sched.Start(ctx); err != nil {
		fatal(logger, "start scheduler", err)
	}

	if nc != nil {
		announcer := announce.New(nc, quoter, cfg.OfferingSubject, cfg.Endpoint, cfg.CostUnits, cfg.AnnounceInterval, logger)
		go announcer.Run(ctx)
	}

	handler, err := server.NewHandler(gate, sched, jobs, files, logger)
	if err != nil {
		fatal(logger, "build http handler", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(logger, "http server", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "err", err)
	}
	sched.Stop()
	logger.Info("stopped")
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
