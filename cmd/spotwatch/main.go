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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/driftline/spotwatch/internal/api"
	"github.com/driftline/spotwatch/internal/config"
	"github.com/driftline/spotwatch/internal/metrics"
	"github.com/driftline/spotwatch/internal/utils"
)

func main() {
	var (
		configPath string
		logLevel   string
		storeFlag  string
	)
	flag.StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	flag.StringVar(&logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
	flag.StringVar(&storeFlag, "store", "", "Override store.driver (memory, sqlite, postgres)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if storeFlag != "" {
		cfg.Store.Driver = storeFlag
		if err := cfg.Validate(); err != nil {
			slog.Error("invalid store override", slog.Any("error", err))
			os.Exit(1)
		}
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	slog.SetDefault(logger)
	logger.Info("starting spotwatch",
		slog.String("address", cfg.Server.Address),
		slog.String("store", cfg.Store.Driver),
		slog.Int("pools", len(cfg.Pools)))

	if err := run(cfg, logger); err != nil {
		logger.Error("spotwatch exited", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("spotwatch stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	plane, err := assemble(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer plane.close()

	if err := plane.cp.Restore(ctx); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}

	server, err := api.NewServer(cfg.Server, api.NewHandler(plane.cp), logger)
	if err != nil {
		return fmt.Errorf("create gRPC server: %w", err)
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	loopsDone := make(chan struct{})
	go func() {
		plane.cp.Run(ctx)
		close(loopsDone)
	}()

	go func() {
		logger.Info("gRPC server listening", slog.String("address", server.Address()))
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), server.GracefulTimeout())
	defer cancel()
	server.Shutdown(shutdownCtx)

	select {
	case <-loopsDone:
	case <-shutdownCtx.Done():
		logger.Warn("background loops did not stop before the graceful timeout")
	}
	logger.Info("control plane drained", slog.Duration("evaluate_p95", plane.cp.EvaluationLatencyP95()))

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}
	return nil
}
