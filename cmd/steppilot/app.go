package main

import (
	"context"
	"fmt"

	"github.com/spf13/viper"
	"github.com/v0xg/steppilot/internal/agent"
	"github.com/v0xg/steppilot/internal/ai"
	"github.com/v0xg/steppilot/internal/audit"
	"github.com/v0xg/steppilot/internal/cache"
	"github.com/v0xg/steppilot/internal/config"
	"github.com/v0xg/steppilot/internal/crawler"
	"github.com/v0xg/steppilot/internal/executor"
	"github.com/v0xg/steppilot/internal/observability"
	"go.uber.org/zap"
)

// app holds the collaborators shared by every run in this process.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      cache.Store
	controller *agent.Controller
}

func setup(ctx context.Context, v *viper.Viper) (*app, error) {
	cfg, err := loadConfig(v)
	if err != nil {
		return nil, err
	}
	observability.InitializeLogger(cfg.Logger)
	logger := observability.GetLogger()

	fmt.Printf("→ Connecting to %s... ", cfg.Generator.Provider)
	provider, err := ai.NewProvider(cfg.Generator)
	if err != nil {
		fmt.Println("failed")
		return nil, fmt.Errorf("AI provider init failed: %w", err)
	}
	fmt.Println("done")

	fmt.Printf("→ Opening %s step cache... ", cfg.Cache.Driver)
	store, err := cache.Open(ctx, cfg.Cache, logger)
	if err != nil {
		fmt.Println("failed")
		return nil, fmt.Errorf("step cache init failed: %w", err)
	}
	fmt.Println("done")

	matcher, err := cache.NewMatcher(cfg.Cache.Matcher)
	if err != nil {
		store.Close()
		return nil, err
	}

	launcher := crawler.NewLauncher(crawler.Options{
		Width:             cfg.Browser.Width,
		Height:            cfg.Browser.Height,
		Headless:          cfg.Browser.Headless,
		ProfileDir:        cfg.Browser.ProfileDir,
		NavigationTimeout: cfg.Browser.NavigationTimeout,
		IdleWait:          cfg.Browser.IdleWait,
	}, logger)

	var auditFactory agent.AuditFactory
	if cfg.Audit.Dir != "" {
		auditFactory = func(runID string, maxAttempts int) (agent.Auditor, error) {
			rec, err := audit.NewRecorder(cfg.Audit, runID, maxAttempts, logger)
			if err != nil {
				return nil, err
			}
			return rec, nil
		}
	}

	controller := agent.New(agent.Deps{
		Launcher:  browserLauncher{launcher},
		Generator: provider,
		Store:     store,
		Matcher:   matcher,
		Executor:  executor.New(executor.NewPolicy(cfg.Executor.DenyList), cfg.Executor.Timeout, logger),
		Audit:     auditFactory,
		Logger:    logger,
	}, agent.Options{
		MaxAttempts:     cfg.Agent.MaxAttempts,
		GenerateTimeout: cfg.Generator.Timeout,
		GenerateRetries: cfg.Generator.Retries,
		SettleDelay:     cfg.Agent.SettleDelay,
		MemoryLimit:     cfg.Agent.MemoryLimit,
		Dialect:         cfg.Generator.Dialect,
	})

	return &app{cfg: cfg, logger: logger, store: store, controller: controller}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Failed to close step cache", zap.Error(err))
	}
}

// browserLauncher adapts the rod launcher to the agent's Launcher.
type browserLauncher struct {
	l *crawler.Launcher
}

func (b browserLauncher) Launch(ctx context.Context, startURL string) (agent.Session, error) {
	s, err := b.l.Launch(ctx, startURL)
	if err != nil {
		return nil, err
	}
	return s, nil
}
