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

package wal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jordigilh/vectorgate/pkg/backend"
	"github.com/jordigilh/vectorgate/pkg/mapping"
	"github.com/jordigilh/vectorgate/pkg/metrics"
	"github.com/jordigilh/vectorgate/pkg/models"
)

// PathRewriter translates collection identifiers in a path for a target
// instance. Satisfied by *mapping.Store.
type PathRewriter interface {
	RewritePath(ctx context.Context, path string, target models.InstanceName) (string, error)
}

// CollectionCreator ensures the collection referenced by ref (a name or a
// source-instance identifier) exists on the target and that the mapping row
// covers it. originPath supplies the tenant/database scope. Satisfied by
// *autocreator.Creator.
type CollectionCreator interface {
	EnsureOnTarget(ctx context.Context, ref string, target models.InstanceName, originPath string) error
}

// PressureSource reports process memory pressure. Satisfied by
// *memwatch.Watcher.
type PressureSource interface {
	UnderPressure() bool
}

// MappingJanitor removes the mapping row for a collection reference once the
// collection is gone everywhere. Satisfied by *mapping.Store.
type MappingJanitor interface {
	DeleteByRef(ctx context.Context, ref string) error
}

// PoolGate bounds concurrent burst access to the coordination database pool.
// Satisfied by *database.DB.
type PoolGate interface {
	Acquire(ctx context.Context) error
	Release()
}

// ReplayerConfig tunes the drain loop.
type ReplayerConfig struct {
	// Interval is the idle wait between cycles. Default: 10s.
	Interval time.Duration
	// BatchSize is the claim size per target per cycle. Halved while the
	// process is under memory pressure. Default: 50.
	BatchSize int
	// GroupParallelism bounds concurrently replayed collection groups.
	// Entries within a group are always applied sequentially. Default: 4.
	GroupParallelism int
}

func (c *ReplayerConfig) defaults() {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.GroupParallelism <= 0 {
		c.GroupParallelism = 4
	}
}

// ReplayerDeps wires the replayer's collaborators. Janitor and Pressure are
// optional.
type ReplayerDeps struct {
	Store     *Store
	SyncLog   *SyncLog
	Rewriter  PathRewriter
	Registry  *backend.Registry
	Forwarder *backend.Forwarder
	Creator   CollectionCreator
	Janitor   MappingJanitor
	Pressure  PressureSource
	Gate      PoolGate
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Replayer continuously drains queued writes toward healthy instances.
// Ordering: entries are claimed in write_id order per target, grouped by
// collection, and applied sequentially within each group; a group stops at
// its first failure so a later write never lands before an earlier one.
type Replayer struct {
	cfg  ReplayerConfig
	deps ReplayerDeps

	workerID  string
	logger    *zap.Logger
	running   atomic.Bool
	lastCycle atomic.Int64 // unix nanos of last cycle start
	lastBatch atomic.Int64
}

// NewReplayer builds the replayer. Run must be called to start draining.
func NewReplayer(cfg ReplayerConfig, deps ReplayerDeps) *Replayer {
	cfg.defaults()
	return &Replayer{
		cfg:      cfg,
		deps:     deps,
		workerID: uuid.NewString(),
		logger:   deps.Logger.Named("replayer"),
	}
}

// ReplayerStatus is the snapshot exposed on the admin surface.
type ReplayerStatus struct {
	WorkerID    string    `json:"worker_id"`
	Running     bool      `json:"running"`
	LastCycleAt time.Time `json:"last_cycle_at"`
	LastBatch   int64     `json:"last_batch"`
	BatchSize   int       `json:"batch_size"`
	Interval    string    `json:"interval"`
}

// Status reports the replayer's current activity.
func (r *Replayer) Status() ReplayerStatus {
	var last time.Time
	if ns := r.lastCycle.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	return ReplayerStatus{
		WorkerID:    r.workerID,
		Running:     r.running.Load(),
		LastCycleAt: last,
		LastBatch:   r.lastBatch.Load(),
		BatchSize:   r.cfg.BatchSize,
		Interval:    r.cfg.Interval.String(),
	}
}

// Run drains until ctx is canceled. A full claimed batch triggers a short
// follow-up cycle to catch up on backlog; memory pressure stretches the wait
// and halves the claim size.
func (r *Replayer) Run(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	hostname, _ := os.Hostname()
	if err := r.deps.SyncLog.RegisterWorker(ctx, r.workerID, hostname); err != nil {
		r.logger.Warn("register sync worker", zap.Error(err))
	}
	defer func() {
		dctx, cancel := detached(ctx, 5*time.Second)
		defer cancel()
		if err := r.deps.SyncLog.DeregisterWorker(dctx, r.workerID); err != nil {
			r.logger.Warn("deregister sync worker", zap.Error(err))
		}
	}()

	r.logger.Info("replayer started",
		zap.String("worker_id", r.workerID),
		zap.Duration("interval", r.cfg.Interval),
		zap.Int("batch_size", r.cfg.BatchSize))

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		full := r.cycle(ctx)

		wait := r.cfg.Interval
		switch {
		case r.underPressure():
			wait = 2 * r.cfg.Interval
		case full:
			wait = time.Second
		}
		timer.Reset(wait)
	}
}

// TriggerCycle runs one drain cycle synchronously. Used by the admin surface.
func (r *Replayer) TriggerCycle(ctx context.Context) {
	r.cycle(ctx)
}

func (r *Replayer) underPressure() bool {
	return r.deps.Pressure != nil && r.deps.Pressure.UnderPressure()
}

// cycle claims and replays one batch per healthy target. Returns true when
// any target yielded a full batch, meaning more backlog is likely waiting.
func (r *Replayer) cycle(ctx context.Context) bool {
	r.lastCycle.Store(time.Now().UnixNano())
	if err := r.deps.SyncLog.Heartbeat(ctx, r.workerID); err != nil {
		r.logger.Debug("sync worker heartbeat", zap.Error(err))
	}

	batch := r.cfg.BatchSize
	if r.underPressure() {
		batch /= 2
		if batch < 1 {
			batch = 1
		}
	}

	full := false
	for _, inst := range r.deps.Registry.All() {
		if ctx.Err() != nil {
			return false
		}
		// Claiming for an unreachable target would only burn retry budget.
		if !inst.Healthy() {
			continue
		}
		if n := r.replayTarget(ctx, inst, batch); n == batch {
			full = true
		}
	}
	return full
}

func (r *Replayer) replayTarget(ctx context.Context, inst *backend.Instance, batch int) int {
	entries, err := r.claim(ctx, inst.Name, batch)
	if err != nil {
		r.logger.Error("claim wal entries", zap.String("target", string(inst.Name)), zap.Error(err))
		return 0
	}
	if len(entries) == 0 {
		return 0
	}

	r.lastBatch.Store(int64(len(entries)))
	r.deps.Metrics.ReplayBatchSize.Set(float64(len(entries)))
	r.logger.Info("replaying wal batch",
		zap.String("target", string(inst.Name)),
		zap.Int("entries", len(entries)))

	keys, groups := groupByCollection(entries)

	var g errgroup.Group
	g.SetLimit(r.cfg.GroupParallelism)
	for _, key := range keys {
		key, group := key, groups[key]
		g.Go(func() error {
			r.replayGroup(ctx, inst, key, group)
			return nil
		})
	}
	_ = g.Wait()
	return len(entries)
}

// claim reserves a batch for this worker. The claim transaction competes with
// every other router process for pool connections, so it goes through the
// gate when one is wired.
func (r *Replayer) claim(ctx context.Context, target models.InstanceName, batch int) ([]models.WALEntry, error) {
	if r.deps.Gate != nil {
		if err := r.deps.Gate.Acquire(ctx); err != nil {
			return nil, fmt.Errorf("acquire pool slot: %w", err)
		}
		defer r.deps.Gate.Release()
	}
	return r.deps.Store.ClaimPending(ctx, target, batch)
}

// groupByCollection splits a write_id-ordered batch into per-collection
// slices, preserving order inside each slice and the order of first
// appearance across keys.
func groupByCollection(entries []models.WALEntry) ([]string, map[string][]models.WALEntry) {
	keys := make([]string, 0, len(entries))
	groups := make(map[string][]models.WALEntry)
	for _, e := range entries {
		if _, ok := groups[e.CollectionIdentifier]; !ok {
			keys = append(keys, e.CollectionIdentifier)
		}
		groups[e.CollectionIdentifier] = append(groups[e.CollectionIdentifier], e)
	}
	return keys, groups
}

func (r *Replayer) replayGroup(ctx context.Context, inst *backend.Instance, collection string, entries []models.WALEntry) {
	taskID, taskErr := r.deps.SyncLog.BeginTask(ctx, inst.Name, collection, len(entries))
	if taskErr != nil {
		r.logger.Debug("begin sync task", zap.Error(taskErr))
	}

	outcome := "synced"
	var failure string
	released := 0

	for i := range entries {
		e := &entries[i]

		if ctx.Err() != nil {
			released = r.release(ctx, entries[i:])
			outcome = "interrupted"
			break
		}

		err := r.replayEntry(ctx, inst, e)
		attempt := e.RetryCount + 1

		if err == nil {
			r.deps.Metrics.WALReplays.WithLabelValues(string(inst.Name), "success").Inc()
			if merr := r.deps.Store.MarkSynced(ctx, e.WriteID); merr != nil {
				r.logger.Error("mark wal entry synced", zap.Int64("write_id", e.WriteID), zap.Error(merr))
			}
			r.bookkeep(ctx, func(bctx context.Context) error {
				if herr := r.deps.SyncLog.RecordAttempt(bctx, e.WriteID, inst.Name, attempt, "synced", ""); herr != nil {
					return herr
				}
				return r.deps.SyncLog.AdvanceWatermark(bctx, collection, inst.Name, e.WriteID)
			})
			if r.deps.Janitor != nil && isCollectionLevelDelete(e) {
				// The collection is gone on this target too; drop the now
				// dangling mapping row.
				r.bookkeep(ctx, func(bctx context.Context) error {
					return r.deps.Janitor.DeleteByRef(bctx, e.CollectionIdentifier)
				})
			}
			continue
		}

		if interrupted(err) {
			// Transport failure or shutdown: nothing reached the target, so
			// return the remainder to pending without burning retries.
			released = r.release(ctx, entries[i:])
			outcome = "interrupted"
			failure = err.Error()
			r.logger.Warn("replay interrupted",
				zap.String("target", string(inst.Name)),
				zap.String("collection", collection),
				zap.Int64("write_id", e.WriteID),
				zap.Int("released", released),
				zap.Error(err))
			break
		}

		r.deps.Metrics.WALReplays.WithLabelValues(string(inst.Name), "failure").Inc()
		if merr := r.deps.Store.MarkFailed(ctx, e.WriteID, err.Error()); merr != nil {
			r.logger.Error("mark wal entry failed", zap.Int64("write_id", e.WriteID), zap.Error(merr))
		}
		r.bookkeep(ctx, func(bctx context.Context) error {
			return r.deps.SyncLog.RecordAttempt(bctx, e.WriteID, inst.Name, attempt, "failed", err.Error())
		})
		outcome = "failed"
		failure = err.Error()
		r.logger.Warn("stopping collection group after failed entry",
			zap.String("target", string(inst.Name)),
			zap.String("collection", collection),
			zap.Int64("write_id", e.WriteID),
			zap.Int("deferred", len(entries)-i-1),
			zap.Error(err))
		break
	}

	if taskErr == nil {
		r.bookkeep(ctx, func(bctx context.Context) error {
			return r.deps.SyncLog.FinishTask(bctx, taskID, outcome, failure)
		})
	}
}

// replayEntry applies one entry to the target. Creations converge through
// the auto-creator so repeated replays observe the existing collection. Data
// writes are path-rewritten first; an unmapped identifier triggers
// just-in-time creation on the target before one more rewrite attempt.
func (r *Replayer) replayEntry(ctx context.Context, inst *backend.Instance, e *models.WALEntry) error {
	if isCreate(e) {
		name, err := createName(e.Payload)
		if err != nil {
			return fmt.Errorf("parse creation payload: %w", err)
		}
		return r.deps.Creator.EnsureOnTarget(ctx, name, inst.Name, e.Path)
	}

	path, err := r.deps.Rewriter.RewritePath(ctx, e.Path, inst.Name)
	if errors.Is(err, mapping.ErrUnmapped) {
		ref, _ := mapping.CollectionRef(e.Path)
		if cerr := r.deps.Creator.EnsureOnTarget(ctx, ref, inst.Name, e.Path); cerr != nil {
			return fmt.Errorf("collection %q missing on %s: %w", ref, inst.Name, cerr)
		}
		path, err = r.deps.Rewriter.RewritePath(ctx, e.Path, inst.Name)
	}
	if err != nil {
		return err
	}

	resp, err := r.deps.Forwarder.Do(ctx, inst, &backend.Request{
		Method:  e.Method,
		Path:    path,
		Body:    e.Payload,
		Headers: e.ReplayHeaders(),
	})
	if err != nil {
		return err
	}

	switch {
	case resp.Success():
		return nil
	case e.Method == http.MethodDelete && resp.StatusCode == http.StatusNotFound:
		// Already gone on the target; the deferred DELETE is idempotent.
		return nil
	default:
		return fmt.Errorf("target returned %d: %s", resp.StatusCode, truncate(resp.Body, 200))
	}
}

func (r *Replayer) release(ctx context.Context, entries []models.WALEntry) int {
	ids := make([]int64, len(entries))
	for i := range entries {
		ids[i] = entries[i].WriteID
	}
	rctx, cancel := detached(ctx, 5*time.Second)
	defer cancel()
	if err := r.deps.Store.Release(rctx, ids); err != nil {
		// Entries stay executed and will be re-claimed on a later cycle.
		r.logger.Warn("release claimed wal entries", zap.Error(err))
		return 0
	}
	return len(ids)
}

// bookkeep runs an audit-trail write that must not be lost to an expiring
// request context and must never affect replay outcome.
func (r *Replayer) bookkeep(ctx context.Context, fn func(context.Context) error) {
	bctx, cancel := detached(ctx, 5*time.Second)
	defer cancel()
	if err := fn(bctx); err != nil {
		r.logger.Debug("sync bookkeeping", zap.Error(err))
	}
}

func interrupted(err error) bool {
	return errors.Is(err, backend.ErrInstanceUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func isCreate(e *models.WALEntry) bool {
	if e.Method != http.MethodPost {
		return false
	}
	path, _, _ := strings.Cut(e.Path, "?")
	return strings.HasSuffix(strings.TrimRight(path, "/"), "/collections")
}

// isCollectionLevelDelete reports whether the entry deletes a collection
// itself: DELETE with the collection reference as the final path segment.
func isCollectionLevelDelete(e *models.WALEntry) bool {
	if e.Method != http.MethodDelete {
		return false
	}
	path, _, _ := strings.Cut(e.Path, "?")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, seg := range segments {
		if seg == "collections" {
			return len(segments) == i+2
		}
	}
	return false
}

func createName(payload []byte) (string, error) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return "", err
	}
	if body.Name == "" {
		return "", errors.New("creation payload has no name")
	}
	return body.Name, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

func detached(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}
