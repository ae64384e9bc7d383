/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// vectorgate is a high-availability gateway for a primary/replica pair of
// vector store instances: it routes reads, write-ahead-logs every write in a
// PostgreSQL coordination database, and replays missed writes until both
// instances converge.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jordigilh/vectorgate/pkg/alerting"
	"github.com/jordigilh/vectorgate/pkg/autocreator"
	"github.com/jordigilh/vectorgate/pkg/backend"
	"github.com/jordigilh/vectorgate/pkg/config"
	"github.com/jordigilh/vectorgate/pkg/database"
	"github.com/jordigilh/vectorgate/pkg/health"
	"github.com/jordigilh/vectorgate/pkg/mapping"
	"github.com/jordigilh/vectorgate/pkg/memwatch"
	"github.com/jordigilh/vectorgate/pkg/metrics"
	"github.com/jordigilh/vectorgate/pkg/perf"
	"github.com/jordigilh/vectorgate/pkg/router"
	"github.com/jordigilh/vectorgate/pkg/server"
	"github.com/jordigilh/vectorgate/pkg/txlog"
	"github.com/jordigilh/vectorgate/pkg/wal"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("coordination database unavailable", zap.Error(err))
		return 1
	}
	defer func() { _ = db.Close() }()

	m := metrics.New("vectorgate")
	notifier := alerting.NewNotifier(cfg.SlackWebhookURL, logger)
	registry := backend.NewRegistry(cfg.PrimaryURL, cfg.ReplicaURL)

	forwarder, err := backend.NewForwarder(backend.ForwarderConfig{
		MaxWorkers:     cfg.MaxWorkers,
		RequestTimeout: cfg.RequestTimeout,
	}, m, logger)
	if err != nil {
		logger.Error("create forwarder", zap.Error(err))
		return 1
	}
	defer forwarder.Close()

	memory, err := memwatch.New(cfg.MemoryPressureBytes(), cfg.MemoryLimitBytes(), m, logger)
	if err != nil {
		logger.Error("create memory watcher", zap.Error(err))
		return 1
	}

	mappings := mapping.NewStore(db.DB, m, logger)
	if _, err := mappings.Prime(ctx); err != nil {
		logger.Warn("mapping cache prime failed, starting cold", zap.Error(err))
	}

	walStore := wal.NewStore(db.DB, cfg.WALRetryMax, m, notifier, logger)
	syncLog := wal.NewSyncLog(db.DB)
	txLog := txlog.NewLog(db.DB, cfg.WALRetryMax, m, logger)
	recoverer := txlog.NewRecoverer(txLog, walStore, db, cfg.RecoveryStuckAfter, 10*time.Minute, m, notifier, logger)
	healthStore := health.NewStore(db.DB)

	monitor := health.New(health.Config{
		Interval: cfg.HealthCheckInterval,
	}, registry, healthStore, notifier, m, logger)

	creator := autocreator.New(autocreator.Config{
		DefaultTenant:   cfg.DefaultTenant,
		DefaultDatabase: cfg.DefaultDatabase,
	}, autocreator.Deps{
		Mappings:  mappings,
		Registry:  registry,
		Forwarder: forwarder,
		Logger:    logger,
	})

	replayer := wal.NewReplayer(wal.ReplayerConfig{
		Interval:  cfg.ReplayInterval,
		BatchSize: cfg.WALBatchSize,
	}, wal.ReplayerDeps{
		Store:     walStore,
		SyncLog:   syncLog,
		Rewriter:  mappings,
		Registry:  registry,
		Forwarder: forwarder,
		Creator:   creator,
		Janitor:   mappings,
		Pressure:  memory,
		Gate:      db,
		Metrics:   m,
		Logger:    logger,
	})

	sampler := perf.New(db.DB, registry, memory, func(ctx context.Context) (int64, error) {
		counts, err := walStore.Counts(ctx)
		if err != nil {
			return 0, err
		}
		return counts.Pending + counts.Executed + counts.Failed, nil
	}, time.Minute, logger)

	rt := router.New(router.Config{
		ReadReplicaRatio: cfg.ReadReplicaRatio,
		DefaultTenant:    cfg.DefaultTenant,
		DefaultDatabase:  cfg.DefaultDatabase,
		MaxBodyBytes:     int64(cfg.MemoryLimitBytes()),
	}, router.Deps{
		Registry:  registry,
		Forwarder: forwarder,
		Mappings:  mappings,
		WAL:       walStore,
		TxLog:     txLog,
		Creator:   creator,
		Memory:    memory,
		Metrics:   m,
		Logger:    logger,
	})

	srv := server.New(server.Config{
		Port:             cfg.Port,
		ReadReplicaRatio: cfg.ReadReplicaRatio,
		DefaultTenant:    cfg.DefaultTenant,
		DefaultDatabase:  cfg.DefaultDatabase,
	}, server.Deps{
		Router:    rt,
		Registry:  registry,
		Forwarder: forwarder,
		Mappings:  mappings,
		WAL:       walStore,
		SyncLog:   syncLog,
		Replayer:  replayer,
		TxLog:     txLog,
		Recoverer: recoverer,
		DB:        db,
		Memory:    memory,
		Perf:      sampler,
		Metrics:   m,
		Logger:    logger,
	})

	// Background workers share one cancelation; the HTTP server drains first
	// so the replayer can finish entries for in-flight writes.
	bgCtx, cancelBG := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, worker := range []func(context.Context){
		monitor.Run,
		replayer.Run,
		creator.Run,
		recoverer.Run,
		memory.Run,
		sampler.Run,
	} {
		worker := worker
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker(bgCtx)
		}()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	logger.Info("vectorgate started",
		zap.Int("port", cfg.Port),
		zap.String("primary", cfg.PrimaryURL),
		zap.String("replica", cfg.ReplicaURL))

	exit := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server failed", zap.Error(err))
			exit = 1
		}
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancelDrain()
	if err := srv.Shutdown(drainCtx); err != nil {
		logger.Error("graceful shutdown incomplete", zap.Error(err))
		exit = 1
	}

	cancelBG()
	wg.Wait()
	logger.Info("vectorgate stopped")
	return exit
}
