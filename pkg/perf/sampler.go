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

// Package perf periodically samples process and gateway vitals into the
// performance_metrics table and keeps the latest observation in memory for
// the status surface.
package perf

import (
	"context"
	"encoding/json"
	"runtime"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/jordigilh/vectorgate/pkg/backend"
)

// RSSSource reports the last observed resident set size. Satisfied by
// *memwatch.Watcher.
type RSSSource interface {
	RSS() uint64
}

// BacklogSource reports the replayable WAL backlog. Satisfied by *wal.Store
// through a small adapter in cmd.
type BacklogSource func(ctx context.Context) (int64, error)

// Sampler records one row per metric per tick. Rows are observability only;
// a failed insert costs nothing but a log line.
type Sampler struct {
	db       *sqlx.DB
	registry *backend.Registry
	rss      RSSSource
	backlog  BacklogSource
	interval time.Duration
	logger   *zap.Logger

	mu            sync.RWMutex
	last          map[string]float64
	lastAt        time.Time
	prevRequests  int64
	prevSampledAt time.Time
}

// New builds the sampler. interval defaults to 60s.
func New(db *sqlx.DB, registry *backend.Registry, rss RSSSource, backlog BacklogSource, interval time.Duration, logger *zap.Logger) *Sampler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sampler{
		db:       db,
		registry: registry,
		rss:      rss,
		backlog:  backlog,
		interval: interval,
		logger:   logger.Named("perf"),
		last:     make(map[string]float64),
	}
}

// Run samples until ctx is canceled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample(ctx)
		}
	}
}

// Snapshot returns the most recent observations keyed by metric name.
func (s *Sampler) Snapshot() (map[string]float64, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64, len(s.last))
	for k, v := range s.last {
		out[k] = v
	}
	return out, s.lastAt
}

func (s *Sampler) sample(ctx context.Context) {
	now := time.Now()
	observations := map[string]float64{
		"goroutines": float64(runtime.NumGoroutine()),
	}

	if s.rss != nil {
		observations["process_rss_bytes"] = float64(s.rss.RSS())
	}

	var requests, errors int64
	healthy := 0
	for _, snap := range s.registry.Snapshots() {
		requests += snap.RequestCount
		errors += snap.RequestCount - snap.SuccessCount
		if snap.Healthy {
			healthy++
		}
	}
	observations["healthy_instances"] = float64(healthy)
	observations["requests_total"] = float64(requests)
	observations["request_errors_total"] = float64(errors)

	s.mu.Lock()
	if !s.prevSampledAt.IsZero() {
		elapsed := now.Sub(s.prevSampledAt).Seconds()
		if elapsed > 0 {
			observations["requests_per_second"] = float64(requests-s.prevRequests) / elapsed
		}
	}
	s.prevRequests = requests
	s.prevSampledAt = now
	s.mu.Unlock()

	if s.backlog != nil {
		if n, err := s.backlog(ctx); err == nil {
			observations["wal_backlog"] = float64(n)
		} else {
			s.logger.Debug("sample wal backlog", zap.Error(err))
		}
	}

	s.persist(ctx, now, observations)

	s.mu.Lock()
	s.last = observations
	s.lastAt = now
	s.mu.Unlock()
}

func (s *Sampler) persist(ctx context.Context, at time.Time, observations map[string]float64) {
	labels, _ := json.Marshal(map[string]string{"service": "vectorgate"})
	const q = `
		INSERT INTO performance_metrics (metric_name, metric_value, labels, recorded_at)
		VALUES ($1, $2, $3, $4)`
	for name, value := range observations {
		if _, err := s.db.ExecContext(ctx, q, name, value, labels, at); err != nil {
			s.logger.Debug("persist performance sample",
				zap.String("metric", name),
				zap.Error(err))
			return
		}
	}
}

// Purge removes samples older than the cutoff.
func (s *Sampler) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM performance_metrics WHERE recorded_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
