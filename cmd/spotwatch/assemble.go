package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/driftline/spotwatch/internal/cache"
	"github.com/driftline/spotwatch/internal/clock"
	"github.com/driftline/spotwatch/internal/commands"
	"github.com/driftline/spotwatch/internal/config"
	"github.com/driftline/spotwatch/internal/engine"
	"github.com/driftline/spotwatch/internal/inference"
	"github.com/driftline/spotwatch/internal/monitor"
	"github.com/driftline/spotwatch/internal/registry"
	"github.com/driftline/spotwatch/internal/services"
	"github.com/driftline/spotwatch/internal/standby"
	"github.com/driftline/spotwatch/internal/store"
	"github.com/driftline/spotwatch/internal/telemetry"
	"github.com/driftline/spotwatch/internal/transport"
)

type assembly struct {
	cp      *services.ControlPlane
	closers []func() error
	logger  *slog.Logger
}

func (a *assembly) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", slog.Any("error", err))
		}
	}
}

// assemble builds every component from cfg and wires them behind the control plane.
func assemble(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*assembly, error) {
	a := &assembly{logger: logger}
	clk := clock.Real()

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.closers = append(a.closers, st.Close)

	snapshotCache := openCache(cfg.Cache, clk, logger)
	a.closers = append(a.closers, snapshotCache.Close)

	catalog, err := engine.NewCatalog(cfg.Pools)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("pool catalog: %w", err)
	}
	calc, err := engine.NewCalculator(cfg.Features, catalog)
	if err != nil {
		a.close()
		return nil, err
	}
	rules, err := engine.NewRuleEngine(cfg.Rules.Path, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("load rule pack: %w", err)
	}
	scorer, err := loadModels(cfg.Inference, clk, logger)
	if err != nil {
		a.close()
		return nil, err
	}

	reg := registry.New(cfg.Registry, st, clk, logger)
	gate := telemetry.New(cfg.Telemetry, telemetry.Options{
		Store:      st,
		Cache:      snapshotCache,
		CacheTTL:   cfg.Cache.SnapshotTTL,
		Clock:      clk,
		Logger:     logger,
		Placements: reg,
	})

	resolve := func(agentID string) (string, error) {
		agent, err := reg.Get(agentID)
		if err != nil {
			return "", err
		}
		return agent.Address, nil
	}
	tracker := commands.New(cfg.Commands, commands.Options{
		Store:     st,
		Transport: transport.NewHTTPTransport(resolve, cfg.Transport.CommandPath, cfg.Transport.Timeout),
		Clock:     clk,
		Logger:    logger,
	})
	standbys := standby.NewManager(st, standby.NoopProvisioner{}, clk, logger)
	mon := monitor.New(cfg.Monitor, monitor.Options{
		Agents:      reg,
		Snapshots:   gate,
		Features:    calc,
		Predictor:   scorer,
		Recommender: rules,
		Commands:    tracker,
		Standby:     standbys,
		Catalog:     catalog,
		Store:       st,
		Clock:       clk,
		Logger:      logger,
	})

	var notices transport.NoticeFeed
	if cfg.Transport.NoticeFeedURL != "" {
		notices = transport.NewHTTPNoticeFeed(cfg.Transport.NoticeFeedURL, cfg.Transport.NoticePollInterval, cfg.Transport.Timeout, clk, logger)
	}

	a.cp = services.NewControlPlane(logger, services.Components{
		Registry: reg,
		Gate:     gate,
		Catalog:  catalog,
		Features: calc,
		Rules:    rules,
		Models:   scorer,
		Monitor:  mon,
		Commands: tracker,
		Standby:  standbys,
		Notices:  notices,
	})
	return a, nil
}

func openCache(cfg config.CacheConfig, clk clock.Clock, logger *slog.Logger) cache.Provider {
	if cfg.Addr == "" {
		return cache.NewMemoryProvider(clk)
	}
	provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
		TLS:          cfg.TLS,
		KeyPrefix:    "spotwatch:",
	})
	if err != nil {
		logger.Warn("valkey cache unavailable, using in-process cache", slog.Any("error", err))
		return cache.NewMemoryProvider(clk)
	}
	return provider
}

// loadModels registers the built-in model and every artifact found in the
// artifact directory, then activates the configured version.
func loadModels(cfg config.InferenceConfig, clk clock.Clock, logger *slog.Logger) (*inference.Registry, error) {
	reg := inference.NewRegistry(clk, logger)
	builtin := inference.DefaultManifest()
	adapter, err := inference.NewLogisticAdapter(builtin)
	if err != nil {
		return nil, err
	}
	if err := reg.Register(adapter); err != nil {
		return nil, err
	}

	if cfg.ArtifactDir != "" {
		artifacts, err := inference.NewArtifactStore(cfg.ArtifactDir, logger)
		if err != nil {
			return nil, fmt.Errorf("artifact store: %w", err)
		}
		versions, err := artifacts.List()
		if err != nil {
			return nil, fmt.Errorf("list artifacts: %w", err)
		}
		if len(versions) == 0 {
			if err := artifacts.Save(builtin); err != nil {
				logger.Warn("seed builtin artifact failed", slog.Any("error", err))
			}
		} else {
			loaded, err := artifacts.LoadAll(reg)
			if err != nil {
				return nil, fmt.Errorf("load artifacts: %w", err)
			}
			logger.Info("model artifacts loaded", slog.Int("count", loaded), slog.String("dir", cfg.ArtifactDir))
		}
	}

	active := cfg.ActiveVersion
	if active == "" {
		active = builtin.ModelVersion
	}
	if _, err := reg.Activate(active); err != nil {
		return nil, fmt.Errorf("activate model %s: %w", active, err)
	}
	return reg, nil
}
