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

// Package wal implements the durable write-ahead log and its replayer. Every
// client write is appended here before it is forwarded anywhere; the replayer
// drains entries toward instances that missed them.
package wal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/jordigilh/vectorgate/pkg/alerting"
	"github.com/jordigilh/vectorgate/pkg/metrics"
	"github.com/jordigilh/vectorgate/pkg/models"
)

// AppendInput describes one write to queue. Headers carries the replay
// subset (content-type, authorization, correlation ids).
type AppendInput struct {
	Method               string
	Path                 string
	Payload              []byte
	Headers              map[string]string
	TargetInstance       models.InstanceName
	CollectionIdentifier string
}

// Store is the sqlx-backed WAL. write_id ordering is assigned by the
// database; claim, retry, and purge operations all key off it.
type Store struct {
	db         *sqlx.DB
	metrics    *metrics.Metrics
	notifier   alerting.Notifier
	logger     *zap.Logger
	maxRetries int
}

// NewStore builds the WAL store. maxRetries is the per-entry retry budget
// stamped at append time (default 3).
func NewStore(db *sqlx.DB, maxRetries int, m *metrics.Metrics, notifier alerting.Notifier, logger *zap.Logger) *Store {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Store{
		db:         db,
		metrics:    m,
		notifier:   notifier,
		logger:     logger.Named("wal"),
		maxRetries: maxRetries,
	}
}

// Append queues one write for the target instance and returns its write_id.
// It only fails when the coordination database is unavailable, in which case
// the caller must refuse the client write.
func (s *Store) Append(ctx context.Context, in AppendInput) (int64, error) {
	headers, err := json.Marshal(in.Headers)
	if err != nil {
		return 0, fmt.Errorf("append wal entry: encode headers: %w", err)
	}

	const q = `
		INSERT INTO unified_wal_writes
			(method, path, payload, headers, target_instance, collection_identifier, status, max_retries)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7)
		RETURNING write_id`

	var writeID int64
	if err := s.db.GetContext(ctx, &writeID, q,
		in.Method, in.Path, in.Payload, headers, in.TargetInstance, in.CollectionIdentifier, s.maxRetries); err != nil {
		return 0, fmt.Errorf("append wal entry for %s: %w", in.TargetInstance, err)
	}

	s.metrics.WALAppends.WithLabelValues(string(in.TargetInstance)).Inc()
	s.logger.Debug("wal entry appended",
		zap.Int64("write_id", writeID),
		zap.String("target", string(in.TargetInstance)),
		zap.String("method", in.Method),
		zap.String("collection", in.CollectionIdentifier))
	return writeID, nil
}

// ClaimPending atomically claims up to limit replayable entries for the
// target, oldest write_id first, and flips them to executed. Replayable
// means pending, failed with budget left, or executed (claimed by a process
// that died before finishing). Row locks with SKIP LOCKED guarantee two
// concurrent claimers never receive the same entry.
func (s *Store) ClaimPending(ctx context.Context, target models.InstanceName, limit int) ([]models.WALEntry, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim wal entries: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const sel = `
		SELECT * FROM unified_wal_writes
		WHERE target_instance = $1
		  AND status IN ('pending', 'executed', 'failed')
		  AND retry_count < max_retries
		ORDER BY write_id
		LIMIT $2
		FOR UPDATE SKIP LOCKED`

	var entries []models.WALEntry
	if err := tx.SelectContext(ctx, &entries, sel, target, limit); err != nil {
		return nil, fmt.Errorf("claim wal entries for %s: %w", target, err)
	}
	if len(entries) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]int64, len(entries))
	for i := range entries {
		ids[i] = entries[i].WriteID
	}
	upd, args, err := sqlx.In(
		`UPDATE unified_wal_writes SET status = 'executed', updated_at = now() WHERE write_id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("claim wal entries: build update: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(upd), args...); err != nil {
		return nil, fmt.Errorf("claim wal entries: mark executed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim wal entries: commit: %w", err)
	}

	for i := range entries {
		entries[i].Status = models.WALStatusExecuted
	}
	return entries, nil
}

// MarkSynced records terminal success for one entry.
func (s *Store) MarkSynced(ctx context.Context, writeID int64) error {
	const q = `
		UPDATE unified_wal_writes
		SET status = 'synced', error_message = NULL, updated_at = now()
		WHERE write_id = $1`
	if _, err := s.db.ExecContext(ctx, q, writeID); err != nil {
		return fmt.Errorf("mark wal entry %d synced: %w", writeID, err)
	}
	return nil
}

// MarkFailed burns one retry for the entry. While budget remains the entry
// rests as failed and is claimed again on a later cycle; once the budget is
// exhausted it becomes abandoned and an alert is raised.
func (s *Store) MarkFailed(ctx context.Context, writeID int64, cause string) error {
	const q = `
		UPDATE unified_wal_writes
		SET retry_count   = retry_count + 1,
		    error_message = $2,
		    status        = CASE WHEN retry_count + 1 >= max_retries THEN 'abandoned' ELSE 'failed' END,
		    updated_at    = now()
		WHERE write_id = $1
		RETURNING status, retry_count, max_retries, method, path, target_instance`

	var row struct {
		Status         models.WALStatus    `db:"status"`
		RetryCount     int                 `db:"retry_count"`
		MaxRetries     int                 `db:"max_retries"`
		Method         string              `db:"method"`
		Path           string              `db:"path"`
		TargetInstance models.InstanceName `db:"target_instance"`
	}
	if err := s.db.GetContext(ctx, &row, q, writeID, cause); err != nil {
		return fmt.Errorf("mark wal entry %d failed: %w", writeID, err)
	}

	if row.Status == models.WALStatusAbandoned {
		s.metrics.WALAbandoned.Inc()
		s.logger.Error("wal entry abandoned after exhausting retries",
			zap.Int64("write_id", writeID),
			zap.String("target", string(row.TargetInstance)),
			zap.String("method", row.Method),
			zap.String("path", row.Path),
			zap.Int("retry_count", row.RetryCount),
			zap.String("cause", cause))
		s.notifier.Notify(ctx, alerting.SeverityCritical,
			fmt.Sprintf("WAL entry %d abandoned", writeID),
			fmt.Sprintf("%s %s on %s failed %d times: %s", row.Method, row.Path, row.TargetInstance, row.RetryCount, cause))
		return nil
	}

	s.logger.Warn("wal entry failed, will retry",
		zap.Int64("write_id", writeID),
		zap.Int("retry_count", row.RetryCount),
		zap.Int("max_retries", row.MaxRetries),
		zap.String("cause", cause))
	return nil
}

// Release returns claimed-but-unprocessed entries to pending. The replayer
// calls it during graceful shutdown so a restart picks them up immediately
// instead of relying on the executed re-claim path.
func (s *Store) Release(ctx context.Context, writeIDs []int64) error {
	if len(writeIDs) == 0 {
		return nil
	}
	q, args, err := sqlx.In(
		`UPDATE unified_wal_writes SET status = 'pending', updated_at = now()
		 WHERE write_id IN (?) AND status = 'executed'`, writeIDs)
	if err != nil {
		return fmt.Errorf("release wal entries: build update: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...); err != nil {
		return fmt.Errorf("release wal entries: %w", err)
	}
	return nil
}

// Discard removes entries outright. The router uses it when a write was
// definitively rejected by a backend (4xx): replaying a rejected request to
// the other instance would only burn its retry budget, and a landed write's
// redundant entry would duplicate data on replay.
func (s *Store) Discard(ctx context.Context, writeIDs ...int64) error {
	if len(writeIDs) == 0 {
		return nil
	}
	q, args, err := sqlx.In(`DELETE FROM unified_wal_writes WHERE write_id IN (?)`, writeIDs)
	if err != nil {
		return fmt.Errorf("discard wal entries: build delete: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...); err != nil {
		return fmt.Errorf("discard wal entries: %w", err)
	}
	return nil
}

// Purge deletes terminal entries older than the cutoff and returns the
// number removed. Non-terminal entries are never purged.
func (s *Store) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	const q = `
		DELETE FROM unified_wal_writes
		WHERE status IN ('synced', 'abandoned') AND updated_at < $1`
	res, err := s.db.ExecContext(ctx, q, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge wal entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge wal entries: rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Info("purged terminal wal entries", zap.Int64("removed", n))
	}
	return n, nil
}

// Counts returns entry counts by status and refreshes the status gauges.
func (s *Store) Counts(ctx context.Context) (*models.WALCounts, error) {
	const q = `
		SELECT
			count(*) FILTER (WHERE status = 'pending')   AS pending,
			count(*) FILTER (WHERE status = 'executed')  AS executed,
			count(*) FILTER (WHERE status = 'synced')    AS synced,
			count(*) FILTER (WHERE status = 'failed')    AS failed,
			count(*) FILTER (WHERE status = 'abandoned') AS abandoned
		FROM unified_wal_writes`

	var counts models.WALCounts
	if err := s.db.GetContext(ctx, &counts, q); err != nil {
		return nil, fmt.Errorf("count wal entries: %w", err)
	}

	s.metrics.WALEntriesByStatus.WithLabelValues(string(models.WALStatusPending)).Set(float64(counts.Pending))
	s.metrics.WALEntriesByStatus.WithLabelValues(string(models.WALStatusExecuted)).Set(float64(counts.Executed))
	s.metrics.WALEntriesByStatus.WithLabelValues(string(models.WALStatusSynced)).Set(float64(counts.Synced))
	s.metrics.WALEntriesByStatus.WithLabelValues(string(models.WALStatusFailed)).Set(float64(counts.Failed))
	s.metrics.WALEntriesByStatus.WithLabelValues(string(models.WALStatusAbandoned)).Set(float64(counts.Abandoned))
	return &counts, nil
}

// Recent returns the newest entries, most recent write_id first. Payloads
// are omitted; the admin surface lists entry metadata, not request bodies.
func (s *Store) Recent(ctx context.Context, limit int) ([]models.WALEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
		SELECT write_id, method, path, ''::bytea AS payload, headers, target_instance,
		       collection_identifier, status, retry_count, max_retries, error_message,
		       created_at, updated_at, timestamp
		FROM unified_wal_writes
		ORDER BY write_id DESC
		LIMIT $1`
	var entries []models.WALEntry
	if err := s.db.SelectContext(ctx, &entries, q, limit); err != nil {
		return nil, fmt.Errorf("list recent wal entries: %w", err)
	}
	return entries, nil
}

// BacklogByTarget returns the number of replayable entries per target.
func (s *Store) BacklogByTarget(ctx context.Context) (map[models.InstanceName]int64, error) {
	const q = `
		SELECT target_instance, count(*) AS n
		FROM unified_wal_writes
		WHERE status IN ('pending', 'executed', 'failed') AND retry_count < max_retries
		GROUP BY target_instance`

	rows := []struct {
		Target models.InstanceName `db:"target_instance"`
		N      int64               `db:"n"`
	}{}
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, fmt.Errorf("count wal backlog: %w", err)
	}
	out := make(map[models.InstanceName]int64, len(rows))
	for _, r := range rows {
		out[r.Target] = r.N
	}
	return out, nil
}

// OldestBacklog returns the created_at of the oldest replayable entry, if
// any. Used by the admin surface to expose backlog age.
func (s *Store) OldestBacklog(ctx context.Context) (time.Time, bool, error) {
	const q = `
		SELECT min(created_at) FROM unified_wal_writes
		WHERE status IN ('pending', 'executed', 'failed') AND retry_count < max_retries`
	var ts sql.NullTime
	if err := s.db.GetContext(ctx, &ts, q); err != nil {
		return time.Time{}, false, fmt.Errorf("oldest wal backlog: %w", err)
	}
	return ts.Time, ts.Valid, nil
}

// HasLandedSince reports whether a synced entry exists for the method and
// path at or after the given time. Transaction recovery uses it to decide
// whether a stuck write actually reached its target.
func (s *Store) HasLandedSince(ctx context.Context, method, path string, since time.Time) (bool, error) {
	const q = `
		SELECT EXISTS (
			SELECT 1 FROM unified_wal_writes
			WHERE method = $1 AND path = $2 AND status = 'synced' AND updated_at >= $3
		)`
	var landed bool
	if err := s.db.GetContext(ctx, &landed, q, method, path, since); err != nil {
		return false, fmt.Errorf("check wal for landed write: %w", err)
	}
	return landed, nil
}
