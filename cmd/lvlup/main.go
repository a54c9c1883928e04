// Command lvlup runs the multi-agent learning backend: the scheduler
// that drives per-agent learning cycles, the custody engine that tests
// them, the shared token budget governor, and the HTTP facade.
//
// Exit codes: 0 clean shutdown, 1 configuration error, 2 database
// error, 3 fatal runtime error.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/CTG813819/lvl-up-sub003/pkg/api"
	"github.com/CTG813819/lvl-up-sub003/pkg/archive"
	"github.com/CTG813819/lvl-up-sub003/pkg/config"
	"github.com/CTG813819/lvl-up-sub003/pkg/custody"
	"github.com/CTG813819/lvl-up-sub003/pkg/database"
	"github.com/CTG813819/lvl-up-sub003/pkg/governor"
	"github.com/CTG813819/lvl-up-sub003/pkg/llm"
	"github.com/CTG813819/lvl-up-sub003/pkg/models"
	"github.com/CTG813819/lvl-up-sub003/pkg/scheduler"
	"github.com/CTG813819/lvl-up-sub003/pkg/services"
)

const defaultHTTPPort = 8080

func main() {
	os.Exit(run())
}

func run() int {
	// Optional .env for local development; absence is fine.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.LogLevelFromEnv(),
	}))
	slog.SetDefault(logger)

	cfg, err := config.Initialize()
	if err != nil {
		logger.Error("configuration failed", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		logger.Error("database configuration failed", "error", err)
		return 1
	}
	client, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		logger.Error("database initialization failed", "error", err)
		return 2
	}
	defer client.Close()
	logger.Info("database ready")

	metrics := services.NewMetricsService(client.Pool())
	ledger := services.NewTokenLedgerService(client.Pool())

	gov := governor.New(*cfg.Budget, *cfg.LLM, ledger, logger)

	providers := map[models.Provider]llm.Provider{}
	if cfg.LLM.Primary.Enabled() {
		providers[models.ProviderPrimary] = llm.NewClient(cfg.LLM.Primary, cfg.Budget.ProviderTimeout, logger)
	}
	if cfg.LLM.Secondary.Enabled() {
		providers[models.ProviderSecondary] = llm.NewClient(cfg.LLM.Secondary, cfg.Budget.ProviderTimeout, logger)
	}
	if len(providers) == 0 {
		logger.Warn("no provider keys configured, all answers will be synthesized")
	}
	broker := llm.NewBroker(*cfg.Budget, gov, providers, logger)

	generator := custody.NewTemplateGenerator(time.Now().UnixNano())
	engine := custody.NewEngine(metrics, broker, generator, custody.HeuristicScorer{}, logger)

	learner := scheduler.NewLearner(broker, metrics, logger)
	sched := scheduler.New(cfg.Scheduler, metrics, learner, engine, gov, logger)
	if err := sched.Start(ctx); err != nil {
		logger.Error("scheduler start failed", "error", err)
		return 3
	}

	archiver := archive.NewService(ledger, logger)
	if err := archiver.Start(ctx); err != nil {
		logger.Error("archive service start failed", "error", err)
		sched.Stop()
		return 3
	}

	server := api.NewServer(httpPort(), api.Deps{
		Metrics:    metrics,
		Governor:   gov,
		Ledger:     ledger,
		Gate:       engine,
		Scheduler:  sched,
		Pool:       client.Pool(),
		AdminToken: cfg.AdminToken,
	}, logger)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("http server failed", "error", err)
		exitCode = 3
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.GracefulShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	sched.Stop()
	archiver.Stop()
	logger.Info("shutdown complete")
	return exitCode
}

func httpPort() int {
	if raw := os.Getenv("HTTP_PORT"); raw != "" {
		if p, err := strconv.Atoi(raw); err == nil && p > 0 {
			return p
		}
		slog.Warn("Ignoring invalid HTTP_PORT", "value", raw)
	}
	return defaultHTTPPort
}
