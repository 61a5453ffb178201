// Heron - Segment classification and evidence assembly for mortality models.
// Copyright (c) 2025 opensource.actuarial
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-actuarial/heron/internal/api"
	"github.com/opensource-actuarial/heron/internal/bus"
	"github.com/opensource-actuarial/heron/internal/cache"
	"github.com/opensource-actuarial/heron/internal/calibration"
	"github.com/opensource-actuarial/heron/internal/compliance"
	"github.com/opensource-actuarial/heron/internal/domain"
	"github.com/opensource-actuarial/heron/internal/knowledge"
	"github.com/opensource-actuarial/heron/internal/pipeline"
	"github.com/opensource-actuarial/heron/internal/popstats"
	"github.com/opensource-actuarial/heron/internal/repository"
	"github.com/opensource-actuarial/heron/internal/rules"
	"github.com/opensource-actuarial/heron/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("HERON_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting heron",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("HERON_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	// Optional YAML overlay
	if path := os.Getenv("HERON_CONFIG"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			slog.Error("failed to load config file", "path", path, "error", err)
			os.Exit(1)
		}
		slog.Info("config file loaded", "path", path)
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Canonical feature schema
	schema := domain.DefaultSchema()

	// Initialize Segment Registry + Matcher
	registry := rules.NewRegistry(schema)
	if err := loadSegmentsFromDatabase(ctx, repo, registry); err != nil {
		slog.Error("failed to load segments", "error", err)
		os.Exit(1)
	}
	matcher := rules.NewMatcher(registry, rules.MatcherConfig{
		RRDeviation:    cfg.Engine.SpotlightRRDeviation,
		MinCredibility: cfg.Engine.SpotlightMinCredibility,
	})

	// Initialize Calibration Store
	calStore := calibration.NewStore()
	if err := loadCalibrationFromDatabase(ctx, repo, calStore); err != nil {
		slog.Error("failed to load calibration", "error", err)
		os.Exit(1)
	}

	// Initialize Knowledge Store
	knStore := knowledge.NewStore(schema)
	if err := loadKnowledgeFromDatabase(ctx, repo, knStore); err != nil {
		slog.Error("failed to load knowledge items", "error", err)
		os.Exit(1)
	}

	// Initialize Compliance Guard
	guard, err := compliance.NewGuard(cfg.Engine)
	if err != nil {
		slog.Error("failed to initialize compliance guard", "error", err)
		os.Exit(1)
	}
	if err := loadComplianceRulesFromDatabase(ctx, repo, guard); err != nil {
		slog.Error("failed to load compliance rules", "error", err)
		os.Exit(1)
	}
	slog.Info("compliance guard initialized", "rules_count", guard.RuleCount())

	// Initialize Population Statistics service (feature summaries)
	popStats := popstats.NewService(repo, cacheImpl)
	slog.Info("population statistics service initialized")

	// Initialize Explanation Pipeline
	processor := pipeline.NewProcessor(schema, matcher, calStore, knStore, guard).
		WithPopStats(popStats).
		WithBus(busImpl)
	slog.Info("explanation pipeline initialized", "engine_version", pipeline.EngineVersion)

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("HERON_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, repo, processor)

		// Portfolios to process (comma-separated; empty = global subscription)
		var portfolioIDs []string
		if envPortfolios := os.Getenv("HERON_PORTFOLIOS"); envPortfolios != "" {
			for _, id := range strings.Split(envPortfolios, ",") {
				if id = strings.TrimSpace(id); id != "" {
					portfolioIDs = append(portfolioIDs, id)
				}
			}
		}

		workerCfg := worker.Config{
			PortfolioIDs: portfolioIDs,
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "portfolio_count", len(portfolioIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, schema, registry, calStore, knStore, guard, processor, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("heron is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("heron shutdown complete")
}

// loadSegmentsFromDatabase loads global segment definitions into the
// registry. Definitions are configured via POST /segments - no hardcoded
// defaults.
func loadSegmentsFromDatabase(ctx context.Context, repo domain.Repository, registry *rules.Registry) error {
	defs, err := repo.ListSegments(ctx, api.GlobalPortfolioID)
	if err != nil {
		slog.Warn("failed to list segments from database", "error", err)
		return nil // Start empty - segments can be added via API
	}

	if len(defs) > 0 {
		slog.Info("loading segments from database", "count", len(defs))
		version := "segments-" + time.Now().UTC().Format("20060102T150405Z")
		_, err := registry.Load(version, defs)
		return err
	}

	slog.Info("no segments in database - configure via POST /segments API")
	return nil
}

// loadCalibrationFromDatabase loads the global calibration snapshot. A
// missing snapshot is not fatal at startup: the pipeline refuses requests
// until one is loaded.
func loadCalibrationFromDatabase(ctx context.Context, repo domain.Repository, store *calibration.Store) error {
	snap, err := repo.GetCalibration(ctx, api.GlobalPortfolioID)
	if err != nil {
		slog.Warn("no calibration snapshot in database - load via PUT /calibration", "error", err)
		return nil
	}

	slog.Info("loading calibration from database", "version", snap.Version)
	return store.Load(snap)
}

// loadKnowledgeFromDatabase loads global knowledge items into the store.
func loadKnowledgeFromDatabase(ctx context.Context, repo domain.Repository, store *knowledge.Store) error {
	items, err := repo.ListKnowledgeItems(ctx, api.GlobalPortfolioID)
	if err != nil {
		slog.Warn("failed to list knowledge items from database", "error", err)
		return nil
	}

	if len(items) > 0 {
		slog.Info("loading knowledge items from database", "count", len(items))
		version := "knowledge-" + time.Now().UTC().Format("20060102T150405Z")
		store.Load(version, items)
		return nil
	}

	slog.Info("no knowledge items in database - configure via POST /knowledge API")
	return nil
}

// loadComplianceRulesFromDatabase loads compliance rules into the guard.
// Falls back to the built-in language contract when the database has none.
func loadComplianceRulesFromDatabase(ctx context.Context, repo domain.Repository, guard *compliance.Guard) error {
	dbRules, err := repo.ListComplianceRules(ctx, api.GlobalPortfolioID)
	if err != nil {
		slog.Warn("failed to list compliance rules from database", "error", err)
		dbRules = nil
	}

	if len(dbRules) > 0 {
		slog.Info("loading compliance rules from database", "count", len(dbRules))
		return guard.LoadRules(dbRules)
	}

	slog.Info("no compliance rules in database - loading built-in language contract")
	return guard.LoadRules(compliance.DefaultRules())
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🪶 HERON                    ║")
	fmt.Println("  ║   Evidence Assembly for Mortality Models  ║")
	fmt.Println("  ║      Every figure traceable.              ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /explain                 - Explain one record prediction")
	fmt.Println("    GET  /explanations/{id}       - Get explanation by ID")
	fmt.Println("    POST /narrative/check         - Check a narrative against a bundle")
	fmt.Println("    GET  /segments                - List segment definitions")
	fmt.Println("    POST /segments                - Create a segment definition")
	fmt.Println("    POST /segments/reload         - Hot-reload segments from database")
	fmt.Println("    GET  /calibration             - View calibration snapshot")
	fmt.Println("    PUT  /calibration             - Save calibration snapshot")
	fmt.Println("    POST /calibration/reload      - Hot-reload calibration")
	fmt.Println("    GET  /knowledge               - List knowledge items")
	fmt.Println("    POST /knowledge               - Create a knowledge item")
	fmt.Println("    POST /knowledge/reload        - Hot-reload knowledge items")
	fmt.Println("    GET  /compliance/rules        - List compliance rules")
	fmt.Println("    POST /compliance/rules        - Create a compliance rule")
	fmt.Println("    POST /compliance/rules/reload - Hot-reload compliance rules")
	fmt.Println("    GET  /health                  - Health check")
	fmt.Println()
}
