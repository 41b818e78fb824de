// testserver starts a conduit runtime over the in-memory kv resource and
// dispatches a synthetic workload, for E2E testing.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/seantiz/conduit/internal/api"
	"github.com/seantiz/conduit/internal/config"
	"github.com/seantiz/conduit/internal/dispatch"
	"github.com/seantiz/conduit/internal/isolation"
	"github.com/seantiz/conduit/internal/kv"
	"github.com/seantiz/conduit/internal/pool"
	"github.com/seantiz/conduit/internal/store"
	"github.com/seantiz/conduit/internal/txn"
)

const (
	envJobs  = "CONDUIT_TESTSERVER_JOBS"
	envDelay = "CONDUIT_TESTSERVER_DELAY"
	// Jobs dispatched per second; 0 dispatches them as fast as possible.
	envRate = "CONDUIT_TESTSERVER_RATE"

	// Every failEvery-th job returns an error instead of writing.
	failEvery = 5
)

var errFlaky = errors.New("flaky job")

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	jobs := 20
	if v := os.Getenv(envJobs); v != "" {
		if jobs, err = strconv.Atoi(v); err != nil {
			log.Fatalf("%s: %v", envJobs, err)
		}
	}
	delay := 20 * time.Millisecond
	if v := os.Getenv(envDelay); v != "" {
		if delay, err = time.ParseDuration(v); err != nil {
			log.Fatalf("%s: %v", envDelay, err)
		}
	}

	limit := rate.Inf
	if v := os.Getenv(envRate); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil || rps < 0 {
			log.Fatalf("%s: invalid rate %q", envRate, v)
		}
		if rps > 0 {
			limit = rate.Limit(rps)
		}
	}

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

	data := kv.New(isolation.WithWaitTimeout(cfg.LockWaitTimeout))
	manager := txn.NewManager(data, logger, txn.NewMetrics(reg))
	dispatcher := dispatch.New(workers, manager, logger,
		dispatch.WithJournal(db),
		dispatch.WithMetrics(dispatch.NewMetrics(reg)),
	)

	srv := api.NewServer(cfg.AdminAddr, api.Deps{
		Journal:    db,
		Dispatcher: dispatcher,
		Pool:       workers,
		Txn:        manager,
		Locks:      data.Locks(),
		Registerer: reg,
		Gatherer:   prometheus.DefaultGatherer,
	}, logger)

	go runWorkload(logger, dispatcher, data, rate.NewLimiter(limit, 1), jobs, delay)

	logger.Info("testserver: starting", "addr", cfg.AdminAddr, "jobs", jobs, "rate", float64(limit))
	runErr := srv.Run(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := workers.Shutdown(ctx); err != nil {
		workers.ShutdownNow()
	}
	logger.Info("testserver: stopped", "dispatch", dispatcher.Stats())

	if runErr != nil {
		log.Fatalf("server error: %v", runErr)
	}
}

// runWorkload dispatches jobs transactional writes, paced by limiter, then a
// fire-and-forget audit that checks one key exists per successful job.
func runWorkload(logger *slog.Logger, d *dispatch.Dispatcher, data *kv.Store, limiter *rate.Limiter, jobs int, delay time.Duration) {
	ctx := context.Background()
	handles := make([]*dispatch.Handle, 0, jobs)
	for i := range jobs {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		h, err := d.Dispatch(ctx, jobItem(data, i, delay))
		if err != nil {
			logger.Error("dispatch job", "job", i, "error", err)
			continue
		}
		handles = append(handles, h)
	}

	succeeded := 0
	for _, h := range handles {
		if _, err := h.Await(ctx); err == nil {
			succeeded++
		}
	}

	err := d.Execute(ctx, dispatch.WorkItem{
		Name:       "audit",
		Args:       []any{succeeded},
		Descriptor: &txn.Descriptor{Propagation: txn.Supports, ReadOnly: true},
		Body: func(ctx context.Context, tc *txn.Context) (any, error) {
			entries, err := data.Scan(ctx, tc.Current(), isolation.Range{Start: "job/", End: "job0"})
			if err != nil {
				return nil, err
			}
			if len(entries) != succeeded {
				return nil, fmt.Errorf("audit: %d job keys, want %d", len(entries), succeeded)
			}
			return len(entries), nil
		},
	})
	if err != nil {
		logger.Error("dispatch audit", "error", err)
	}
}

func jobItem(data *kv.Store, i int, delay time.Duration) dispatch.WorkItem {
	key := fmt.Sprintf("job/%04d", i)
	return dispatch.WorkItem{
		Name: "job",
		Args: []any{i},
		Descriptor: &txn.Descriptor{
			Propagation: txn.Required,
			Isolation:   isolation.ReadCommitted,
			Timeout:     5 * time.Second,
		},
		Body: func(ctx context.Context, tc *txn.Context) (any, error) {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if i%failEvery == failEvery-1 {
				return nil, fmt.Errorf("job %d: %w", i, errFlaky)
			}
			if err := data.Put(ctx, tc.Current(), key, []byte(strconv.Itoa(i))); err != nil {
				return nil, err
			}
			return key, nil
		},
	}
}
