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

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"quiqcl-server/internal/api"
	"quiqcl-server/internal/artifacts"
	"quiqcl-server/internal/config"
	"quiqcl-server/internal/hardware"
	"quiqcl-server/internal/models"
	"quiqcl-server/internal/profile"
	"quiqcl-server/internal/queue"
	"quiqcl-server/internal/ratelimit"
	"quiqcl-server/internal/runner"
	"quiqcl-server/internal/server"
	"quiqcl-server/internal/simulator"
	"quiqcl-server/internal/store"
	"quiqcl-server/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "quiqcl-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg.LogDebug)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	creds, err := config.LoadCredentials(cfg.CredentialsFile)
	if err != nil {
		return err
	}
	tlsCfg, err := creds.ServerTLS()
	if err != nil {
		return err
	}
	profiles, err := loadProfiles(cfg.ProfilesFile)
	if err != nil {
		return err
	}
	telemetry.Register()

	jobs := store.NewJobs()
	q := queue.NewFIFO[models.Job]()

	var limiter *ratelimit.SubmitLimiter
	if cfg.Redis.Addr != "" {
		rdb, err := ratelimit.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		limiter = ratelimit.NewSubmitLimiter(rdb, cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerSec, 0)
		logger.Info("submit rate limit enabled",
			zap.Int("capacity", cfg.RateLimit.Capacity),
			zap.Float64("refill_per_sec", cfg.RateLimit.RefillPerSec),
		)
	}

	runOpts := runner.Options{Logger: logger.Named("runner")}
	var archive api.JobArchive
	if cfg.ArchiveDSN != "" {
		a, err := store.NewArchive(ctx, cfg.ArchiveDSN)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.RunMigrations(ctx); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		runOpts.Archive = a
		archive = a
	}
	pub, err := artifacts.New(ctx, cfg.Artifacts.Dir, artifacts.S3Config{
		Bucket:    cfg.Artifacts.S3Bucket,
		Region:    cfg.Artifacts.S3Region,
		Endpoint:  cfg.Artifacts.S3Endpoint,
		PathStyle: cfg.Artifacts.S3PathStyle,
	})
	if err != nil {
		return err
	}
	if pub != nil {
		runOpts.Publisher = pub
	}

	r := runner.New(jobs, q, runOpts)
	r.RegisterProfiles(profiles, hardware.NewExecutor(logger.Named("hardware"), nil, cfg.PollInterval))
	if cfg.SimulatorURL != "" {
		r.RegisterHandler(simulator.Backend, runner.SimulatorHandler(simulator.New(cfg.SimulatorURL, cfg.SimulatorTimeout)))
	}

	srv := server.New(jobs, q, server.Options{
		Logger:          logger.Named("server"),
		Limiter:         limiter,
		ConnTimeout:     cfg.ConnTimeout,
		MaxMessageBytes: cfg.MaxMessageBytes,
	})
	ln, err := server.ListenTLS(creds.ServerAddress.String(), tlsCfg)
	if err != nil {
		return err
	}

	ops := &http.Server{
		Addr:              cfg.OpsAddr,
		Handler:           api.New(jobs, profiles, archive, logger.Named("ops")).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, ln)
	})
	g.Go(func() error {
		if err := r.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("ops listening", zap.String("addr", cfg.OpsAddr))
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return ops.Shutdown(shutdownCtx)
	})

	logger.Info("quiqcl server started",
		zap.String("addr", creds.ServerAddress.String()),
		zap.Strings("backends", r.Backends()),
	)
	err = g.Wait()
	logger.Info("quiqcl server stopped", zap.Error(err))
	return err
}

func loadProfiles(path string) (*profile.Registry, error) {
	if path == "" {
		return profile.Builtin()
	}
	return profile.Load(path)
}
