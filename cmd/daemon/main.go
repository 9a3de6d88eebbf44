// The daemon runs the full trading stack: orchestrated per-user strategy
// executors, the HTTP/WS surface, health sweeps, and state snapshots.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/schrute_futures/internal/alert"
	"github.com/eddiefleurent/schrute_futures/internal/api"
	"github.com/eddiefleurent/schrute_futures/internal/auth"
	"github.com/eddiefleurent/schrute_futures/internal/broker"
	"github.com/eddiefleurent/schrute_futures/internal/config"
	"github.com/eddiefleurent/schrute_futures/internal/executor"
	"github.com/eddiefleurent/schrute_futures/internal/health"
	"github.com/eddiefleurent/schrute_futures/internal/history"
	"github.com/eddiefleurent/schrute_futures/internal/lifecycle"
	"github.com/eddiefleurent/schrute_futures/internal/models"
	"github.com/eddiefleurent/schrute_futures/internal/orchestrator"
	"github.com/eddiefleurent/schrute_futures/internal/risk"
	"github.com/eddiefleurent/schrute_futures/internal/statestore"
	"github.com/eddiefleurent/schrute_futures/internal/strategy"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// Credentials usually live in .env; a missing file is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Environment.LogLevel)
	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Fatal("daemon exited")
	}
	logger.Info("daemon stopped")
}

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o750); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	stateStore, err := statestore.NewFileStore(cfg.Storage.DataDir, logger)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}

	hist, err := history.NewSQLiteStore(dbPath(cfg.Storage.TradesDB, cfg.Storage.DataDir, "trades.db"))
	if err != nil {
		return fmt.Errorf("opening trade history: %w", err)
	}
	defer hist.Close()

	users, err := auth.NewStore(dbPath(cfg.Storage.UsersDB, cfg.Storage.DataDir, "users.db"))
	if err != nil {
		return fmt.Errorf("opening user store: %w", err)
	}
	defer users.Close()

	notifier := buildNotifier(cfg, logger)
	issuer := auth.NewIssuer(cfg.Server.JWTSecret)

	factory := executorFactory(cfg, stateStore, hist, notifier, logger)
	ents := entitlements{users: users, fallback: cfg.Orchestrator.DefaultMaxWorkers}
	orch := orchestrator.New(factory, ents, cfg.Orchestrator.QueueSize, cfg.Broker.Env, logger)

	checker := health.NewChecker(orch, cfg.Storage.HealthInterval(), logger)
	metrics := health.NewCollector(
		func(ctx context.Context) (int, error) {
			stats, err := hist.Stats(ctx, history.Query{})
			return stats.Total, err
		},
		orch.OpenPositions,
		orch.Crashes,
		orch.LastRecovery,
	)

	server := api.NewServer(cfg.Server, users, issuer, orch, hist, checker, metrics, logger)

	logger.WithFields(logrus.Fields{
		"env":      cfg.Broker.Env,
		"provider": cfg.Broker.Provider,
		"addr":     cfg.Server.ListenAddr,
	}).Info("daemon starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error { return checker.Run(gctx) })
	g.Go(func() error {
		stateStore.RunSnapshots(gctx, cfg.Storage.BackupInterval(), cfg.Storage.BackupRetention)
		return nil
	})
	g.Go(func() error {
		err := server.Run(gctx)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	return g.Wait()
}

// executorFactory builds one executor per start request. Each gets its
// own broker session behind a circuit breaker.
func executorFactory(cfg *config.Config, stateStore statestore.Store, hist history.Store,
	notifier alert.Notifier, logger *logrus.Logger) orchestrator.Factory {

	return func(job models.WorkerJob) (orchestrator.Runner, *lifecycle.Manager, error) {
		lm, err := lifecycle.NewManager(job.UserID, stateStore, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("loading lifecycle for %s: %w", job.UserID, err)
		}

		strat, err := strategy.New(job.StrategyName)
		if err != nil {
			return nil, nil, err
		}
		if len(job.Config) > 0 {
			if err := strat.Configure(job.Config); err != nil {
				return nil, nil, fmt.Errorf("configuring %s: %w", job.StrategyName, err)
			}
		}

		provider := job.Broker
		if provider == "" {
			provider = cfg.Broker.Provider
		}
		creds := broker.Credentials{
			ClientID:     cfg.Broker.ClientID,
			ClientSecret: cfg.Broker.ClientSecret,
		}
		session := broker.NewCircuitBreaker(broker.New(provider, creds, cfg.IsTestnet(), logger), logger)

		exec := executor.New(executor.Config{
			UserID:     job.UserID,
			Instrument: job.Instrument,
			Timeframe:  timeframe(cfg.Trading.CandleTimeframe),

			RiskMode:       risk.Mode(cfg.Risk.Mode),
			RiskValue:      cfg.Risk.Value,
			WarnLeverage:   cfg.Risk.WarnLeverage,
			MaxLeverageCap: cfg.Risk.MaxLeverageCap,

			FillTimeout:          cfg.Trading.OrderFillTimeout(),
			ReconcileInterval:    cfg.Trading.ReconcileInterval(),
			Cooldown:             cfg.Trading.Cooldown(),
			TriggerBudget:        cfg.Trading.TriggerBudget,
			MaxConsecutiveErrors: cfg.Trading.MaxConsecutiveErrors,
			ErrorWindow:          cfg.Trading.ErrorWindow(),

			FallbackStopLossPct:   cfg.Trading.FallbackStopLossPct,
			FallbackTakeProfitPct: cfg.Trading.FallbackTakeProfitPct,
		}, strat, session, lm, hist, notifier, logger)

		return exec, lm, nil
	}
}

// buildNotifier routes alerts to the webhook when configured, always
// keeping an audit trail when an audit path is set.
func buildNotifier(cfg *config.Config, logger *logrus.Logger) alert.Notifier {
	var n alert.Notifier = alert.NewLogNotifier(logger)
	if cfg.Alert.WebhookURL != "" {
		n = alert.NewWebhookNotifier(cfg.Alert.WebhookURL, logger)
	}
	auditPath := cfg.Alert.AuditPath
	if auditPath == "" {
		auditPath = filepath.Join(cfg.Storage.DataDir, "audit.jsonl")
	}
	return alert.NewAuditingNotifier(n, alert.NewAuditWriter(auditPath))
}

// entitlements resolves worker budgets from the user store, falling
// back to the configured default for operator-seeded users.
type entitlements struct {
	users    *auth.Store
	fallback int
}

func (e entitlements) MaxWorkers(userID string) int {
	if n := e.users.MaxWorkers(userID); n > 0 {
		return n
	}
	return e.fallback
}

// dbPath resolves an optional configured path against the data dir.
func dbPath(configured, dataDir, name string) string {
	if configured != "" {
		return configured
	}
	return filepath.Join(dataDir, name)
}

// timeframe parses the candle timeframe in minutes.
func timeframe(v string) time.Duration {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		n = 1
	}
	return time.Duration(n) * time.Minute
}
