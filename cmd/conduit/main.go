package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/conduit/internal/api"
	"github.com/seantiz/conduit/internal/config"
	"github.com/seantiz/conduit/internal/dispatch"
	"github.com/seantiz/conduit/internal/isolation"
	"github.com/seantiz/conduit/internal/kv"
	"github.com/seantiz/conduit/internal/pool"
	"github.com/seantiz/conduit/internal/store"
	"github.com/seantiz/conduit/internal/txn"
)

const drainTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("conduit: starting",
		"admin_addr", cfg.AdminAddr,
		"db_path", cfg.DBPath,
		"resource", cfg.Resource,
		"pool_core", cfg.Pool.CoreSize,
		"pool_max", cfg.Pool.MaxSize,
		"pool_queue", cfg.Pool.QueueCapacity,
		"rejection", cfg.Pool.Rejection,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	poolCfg, err := cfg.Pool.Build()
	if err != nil {
		log.Fatalf("pool config: %v", err)
	}
	reg := prometheus.DefaultRegisterer
	workers, err := pool.New(poolCfg, logger, pool.NewMetrics(reg))
	if err != nil {
		log.Fatalf("create pool: %v", err)
	}

	var (
		res   txn.Resource = db
		locks *isolation.Controller
	)
	if cfg.Resource == config.ResourceKV {
		data := kv.New(isolation.WithWaitTimeout(cfg.LockWaitTimeout))
		res, locks = data, data.Locks()
	}
	manager := txn.NewManager(res, logger, txn.NewMetrics(reg))

	dispatcher := dispatch.New(workers, manager, logger,
		dispatch.WithJournal(db),
		dispatch.WithMetrics(dispatch.NewMetrics(reg)),
	)

	srv := api.NewServer(cfg.AdminAddr, api.Deps{
		Journal:    db,
		Dispatcher: dispatcher,
		Pool:       workers,
		Txn:        manager,
		Locks:      locks,
		Registerer: reg,
		Gatherer:   prometheus.DefaultGatherer,
	}, logger)

	runErr := srv.Run(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := workers.Shutdown(ctx); err != nil {
		dropped := workers.ShutdownNow()
		logger.Warn("pool drain timed out", "error", err, "dropped", len(dropped))
	}
	logger.Info("conduit: stopped", "dispatch", dispatcher.Stats(), "transactions", manager.Stats())

	if runErr != nil {
		log.Fatalf("server error: %v", runErr)
	}
}
