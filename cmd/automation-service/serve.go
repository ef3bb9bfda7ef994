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

	"automation/internal/api"
	"automation/internal/archive"
	"automation/internal/catalog"
	"automation/internal/config"
	"automation/internal/dispatcher"
	"automation/internal/health"
	"automation/internal/job"
	"automation/internal/observability"
	"automation/internal/supervisor"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the job supervisor",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, c *config.ServiceConfig) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, dir := range []string{c.WorkDir, c.UploadDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	st, err := openStores(ctx, c, metrics)
	if err != nil {
		return err
	}
	defer st.Close()

	services, err := catalog.Load(c.ServicesFile, c.ScriptsDir)
	if err != nil {
		return err
	}
	runtimes := supervisor.ResolveRuntimes(services.Runtimes(), map[string]string{"python": c.PythonRuntime}, nil)

	checks := []health.Check{
		{Name: "ledger", Checker: health.CheckFunc(st.ledger.Ready)},
		{Name: "history", Checker: health.CheckFunc(st.history.Ping)},
		{Name: "runtimes", Optional: true, Checker: health.CheckFunc(func(context.Context) error {
			if missing := runtimes.Missing(services.Runtimes()); len(missing) > 0 {
				return fmt.Errorf("missing runtimes: %v", missing)
			}
			return nil
		})},
	}

	supCfg := supervisor.Config{
		Services:       services,
		Runtimes:       runtimes,
		TerminateGrace: c.TerminateGrace,
	}
	if c.DockerEnabled {
		docker, err := supervisor.NewDockerLauncher(supervisor.LoadDockerConfigFromEnv())
		if err != nil {
			return err
		}
		defer docker.Close()
		supCfg.Container = docker
		checks = append(checks, health.Check{Name: "docker", Optional: true, Checker: docker})
		slog.Info("Container workers enabled")
	}
	sup, err := supervisor.New(supCfg)
	if err != nil {
		return err
	}

	eventDispatcher := dispatcher.NewMemory(dispatcher.LoadConfigFromEnv(), metrics)

	var archiver *archive.S3Archiver
	if c.ArchiveBucket != "" {
		archiver, err = archive.NewS3Archiver(ctx, archive.LoadConfigFromEnv(c.ArchiveBucket, c.ArchivePrefix), metrics)
		if err != nil {
			return err
		}
		slog.Info("Artifact archival enabled", "bucket", c.ArchiveBucket, "prefix", c.ArchivePrefix)
	}

	svcCfg := job.ServiceConfig{
		Supervisor: sup,
		Ledger:     st.ledger,
		Catalog:    services,
		History:    st.history,
		Dispatcher: eventDispatcher,
		Metrics:    metrics,
		WorkDir:    c.WorkDir,
		UploadDir:  c.UploadDir,
		Retention:  c.JobRetention,
	}
	if archiver != nil {
		svcCfg.Archiver = archiver
	}
	jobService, err := job.NewService(svcCfg)
	if err != nil {
		return err
	}

	healthChecker := health.NewChecker(checks...)

	router := api.NewRouter(api.RouterConfig{
		JobService:    jobService,
		Credits:       st.ledger,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        c.APIKey,
		StartLimiter:  api.NewUserRateLimiter(c.StartRatePerMinute, c.StartBurst),
	})

	if c.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured, credit top-ups are rejected")
	}

	apiServer := &http.Server{
		Addr:        ":" + c.Port,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
		// No WriteTimeout: bundles stream for as long as they need.
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + c.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Starting API server", "port", c.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		slog.Info("Starting metrics server", "port", c.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		jobService.Run(gctx, c.MaintenanceInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			slog.Info("Received shutdown signal")
		}

		// Phase 1: Mark service as unhealthy for load balancer draining
		healthChecker.SetShuttingDown()
		if c.ShutdownDrainWait > 0 && ctx.Err() != nil {
			slog.Info("Waiting for traffic to drain", "duration", c.ShutdownDrainWait)
			time.Sleep(c.ShutdownDrainWait)
		}

		// Phase 2: Stop accepting new connections, finish in-flight requests
		slog.Info("Starting graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
		return nil
	})

	runErr := g.Wait()

	// Phase 3: Stop workers. Their jobs end stopped and are refunded.
	slog.Info("Terminating running workers", "count", sup.Live())
	supCtx, supCancel := context.WithTimeout(context.Background(), c.TerminateGrace+5*time.Second)
	defer supCancel()
	if err := sup.Close(supCtx); err != nil {
		slog.Warn("Supervisor shutdown error", "error", err)
	}

	// Phase 4: Drain callbacks and uploads
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer drainCancel()
	if err := eventDispatcher.Close(drainCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}
	stats := eventDispatcher.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)
	if archiver != nil {
		if err := archiver.Close(drainCtx); err != nil {
			slog.Warn("Archiver shutdown error", "error", err)
		}
	}

	slog.Info("Shutdown complete")
	return runErr
}
