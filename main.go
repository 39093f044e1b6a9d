package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/loomhq/loom/agent"
	"github.com/loomhq/loom/api"
	"github.com/loomhq/loom/config"
	"github.com/loomhq/loom/cost"
	"github.com/loomhq/loom/engine"
	"github.com/loomhq/loom/events"
	"github.com/loomhq/loom/executor"
	"github.com/loomhq/loom/llm"
	"github.com/loomhq/loom/memory"
	"github.com/loomhq/loom/policy"
	"github.com/loomhq/loom/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log.Printf("Starting loom...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Database: %s", cfg.DatabaseURL)
	log.Printf("LLM Base URL: %s", cfg.LLMBaseURL)

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	// Pricing and budgets
	pricing := cost.NewPricingRegistry()
	if cfg.PricingFile != "" {
		if err := pricing.LoadFile(cfg.PricingFile); err != nil {
			log.Fatalf("Failed to load pricing file: %v", err)
		}
	}
	resolver := cost.NewPricingResolver(pricing, cost.PricingMode(cfg.PricingMode))
	tracker := cost.NewTracker(resolver)
	ledger := cost.NewLedger(db)
	budget := cost.NewBudgetManager(ledger, cost.Limits{
		MaxCostPerRun:     cfg.MaxCostPerRun,
		MaxCostPerSession: cfg.MaxCostPerSession,
	})

	// LLM gateway; task-level calls resolve their session through the store
	provider := llm.NewClient(cfg.DefaultProvider, cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMTimeout)
	sessions := llm.SessionResolverFunc(func(ctx context.Context, runID string) (string, error) {
		run, err := db.GetRun(ctx, runID)
		if err != nil {
			return "", err
		}
		if run == nil {
			return "", fmt.Errorf("run %s not found", runID)
		}
		return run.SessionID, nil
	})
	gateway := llm.NewGateway(provider, tracker, budget, sessions, cfg.DefaultProvider, cfg.DefaultModel)

	// Initialize policy engine
	ctx := context.Background()
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Executor with built-in plugins
	local := executor.NewLocal()
	executor.RegisterBuiltins(local)

	// Agents
	registry := agent.NewRegistry()
	registry.Register(agent.NewDefault(gateway, local, policyEngine))

	// Memory
	coord := memory.NewCoordinator(
		memory.NewRepository(db),
		memory.NewRetriever(memory.DefaultWeights()),
		memory.NewExtractor(),
		memory.Policy{
			CompactThreshold: cfg.MemoryCompactThreshold,
			TokenBudget:      cfg.MemoryTokenBudget,
		},
	)

	// Lifecycle event hub
	hub := events.NewHub()
	go hub.Run()

	// Engine
	eng := engine.New(db, coord, registry, hub, engine.Config{
		ConcurrencyLimit: cfg.ConcurrencyLimit,
		TaskMaxRetries:   cfg.TaskMaxRetries,
	})

	// HTTP server
	h := api.NewHandler(eng, db, registry, pricing, hub)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	h.RegisterRoutes(e)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	log.Printf("API started on port %d", cfg.HTTPPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down loom...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown server gracefully: %v", err)
	}

	log.Println("Loom stopped")
}
