// Package main is the entry point for the rebalancer service. It wires the
// three databases, the risk and sizing engines, the rebalancing lifecycle
// and the trigger scheduler behind one HTTP API.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/parosfi/rebalancer/internal/adapters"
	"github.com/parosfi/rebalancer/internal/config"
	"github.com/parosfi/rebalancer/internal/database"
	"github.com/parosfi/rebalancer/internal/events"
	"github.com/parosfi/rebalancer/internal/modules/allocation"
	"github.com/parosfi/rebalancer/internal/modules/ledger"
	"github.com/parosfi/rebalancer/internal/modules/notifications"
	"github.com/parosfi/rebalancer/internal/modules/rebalancing"
	"github.com/parosfi/rebalancer/internal/modules/risk"
	"github.com/parosfi/rebalancer/internal/modules/sizing"
	"github.com/parosfi/rebalancer/internal/modules/strategy"
	"github.com/parosfi/rebalancer/internal/scheduler"
	"github.com/parosfi/rebalancer/internal/server"
	"github.com/parosfi/rebalancer/internal/services"
	"github.com/parosfi/rebalancer/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	log.Info().Int("port", cfg.Port).Bool("dev_mode", cfg.DevMode).Msg("Starting rebalancer")

	coreDB, ledgerDB, cacheDB, err := openDatabases(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open databases")
	}
	defer func() {
		_ = coreDB.Close()
		_ = ledgerDB.Close()
		_ = cacheDB.Close()
	}()

	bus := events.NewBus()

	// Market data. The static feed serves development and paper trading;
	// a live feed plugs in behind the same interface.
	market := services.NewMarketDataService(services.NewStaticFeed(), log)

	// Risk scoring with the sqlite-backed score cache and the optional
	// remote prediction service.
	scoreCache := risk.NewSQLiteCache(cacheDB.Conn(), log)
	var predictor risk.Predictor
	if cfg.MLServiceURL != "" {
		predictor = risk.NewMLClient(cfg.MLServiceURL, log)
	}
	scorer := risk.NewScorer(cfg.Risk, scoreCache, predictor, bus, log)
	sizer := sizing.NewService(log)

	// Portfolio state and planning.
	holdings := allocation.NewSQLiteHoldingsRepository(coreDB.Conn())
	snapshots := allocation.NewSnapshotService(holdings, market, log)
	planner := allocation.NewPlanner()

	// Execution adapters. The paper adapter backs every chain until real
	// protocol adapters are registered.
	registry := adapters.NewRegistry(adapters.NewPaperAdapter(log))

	recorder := ledger.NewRecorder(ledgerDB.Conn())
	strategies := strategy.NewRepository(coreDB.Conn())

	rebalancer := rebalancing.NewService(
		rebalancing.NewRepository(coreDB.Conn()),
		snapshots,
		planner,
		rebalancing.NewSimulator(registry, log),
		rebalancing.NewExecutor(registry, recorder, cfg.Execution, log),
		bus,
		log,
	)

	// Notifications on operation transitions, filtered by strategy prefs.
	dispatcher := notifications.NewDispatcher(
		notifications.NewLogSink(log),
		func(strategyID string) (strategy.NotifyPrefs, error) {
			s, err := strategies.GetByID(strategyID)
			if err != nil {
				return strategy.NotifyPrefs{}, err
			}
			return s.NotifyPrefs, nil
		},
		log,
	)
	dispatcher.Register(bus)

	// Pick operations stranded mid-execution back up before accepting
	// new work.
	resumeCtx, cancelResume := context.WithTimeout(context.Background(), 5*time.Minute)
	if err := rebalancer.ResumeInterrupted(resumeCtx); err != nil {
		log.Error().Err(err).Msg("Failed to resume interrupted operations")
	}
	cancelResume()

	sched := scheduler.New(log)
	if err := registerJobs(sched, strategies, snapshots, rebalancer, scoreCache, bus, log); err != nil {
		log.Fatal().Err(err).Msg("Failed to register scheduled jobs")
	}
	sched.Start()

	srv := server.New(server.Config{
		Log:      log,
		Cfg:      cfg,
		CoreDB:   coreDB,
		LedgerDB: ledgerDB,
		CacheDB:  cacheDB,

		Bus:        bus,
		Strategies: strategies,
		Rebalancer: rebalancer,
		Snapshots:  snapshots,
		Scorer:     scorer,
		Sizer:      sizer,
		Ledger:     recorder,
		Market:     market,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	sched.Stop()
	log.Info().Msg("Rebalancer stopped")
}

// openDatabases opens and migrates the three databases. Each carries its own
// durability profile: the ledger fsyncs every write, the cache never does.
func openDatabases(cfg *config.Config) (core, ledgerDB, cache *database.DB, err error) {
	open := func(name string, profile database.DatabaseProfile) (*database.DB, error) {
		db, err := database.New(database.Config{
			Path:    filepath.Join(cfg.DataDir, name+".db"),
			Profile: profile,
			Name:    name,
		})
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			_ = db.Close()
			return nil, err
		}
		return db, nil
	}

	if core, err = open("core", database.ProfileStandard); err != nil {
		return nil, nil, nil, err
	}
	if ledgerDB, err = open("ledger", database.ProfileLedger); err != nil {
		_ = core.Close()
		return nil, nil, nil, err
	}
	if cache, err = open("cache", database.ProfileCache); err != nil {
		_ = core.Close()
		_ = ledgerDB.Close()
		return nil, nil, nil, err
	}
	return core, ledgerDB, cache, nil
}

func registerJobs(
	sched *scheduler.Scheduler,
	strategies *strategy.Repository,
	snapshots rebalancing.SnapshotProvider,
	rebalancer *rebalancing.Service,
	scoreCache *risk.SQLiteCache,
	bus *events.Bus,
	log zerolog.Logger,
) error {
	jobs := []struct {
		schedule string
		job      scheduler.Job
	}{
		{"@every 1m", scheduler.NewThresholdTriggerJob(strategies, snapshots, rebalancer, bus, log)},
		{"@every 5m", scheduler.NewPeriodicTriggerJob(strategies, rebalancer, bus, log)},
		{"@hourly", scheduler.NewCachePruneJob(scoreCache, log)},
	}
	for _, j := range jobs {
		if err := sched.AddJob(j.schedule, j.job); err != nil {
			return err
		}
	}
	return nil
}
