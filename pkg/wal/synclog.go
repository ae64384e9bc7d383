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
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jordigilh/vectorgate/pkg/models"
)

// SyncLog is the replayer's audit trail: worker liveness, one task row per
// replay group, a per-attempt history, and a per-collection high-water mark.
// Everything here is observability bookkeeping; replay correctness never
// depends on it, so callers treat errors as log-and-continue.
type SyncLog struct {
	db *sqlx.DB
}

// NewSyncLog wraps the coordination database for replay bookkeeping.
func NewSyncLog(db *sqlx.DB) *SyncLog {
	return &SyncLog{db: db}
}

// RegisterWorker upserts this process's worker row.
func (l *SyncLog) RegisterWorker(ctx context.Context, workerID, hostname string) error {
	const q = `
		INSERT INTO sync_workers (worker_id, hostname, started_at, last_seen_at, state)
		VALUES ($1, $2, now(), now(), 'running')
		ON CONFLICT (worker_id) DO UPDATE SET
			hostname = EXCLUDED.hostname, started_at = now(), last_seen_at = now(), state = 'running'`
	if _, err := l.db.ExecContext(ctx, q, workerID, hostname); err != nil {
		return fmt.Errorf("register sync worker: %w", err)
	}
	return nil
}

// Heartbeat bumps the worker's last_seen_at.
func (l *SyncLog) Heartbeat(ctx context.Context, workerID string) error {
	if _, err := l.db.ExecContext(ctx,
		`UPDATE sync_workers SET last_seen_at = now() WHERE worker_id = $1`, workerID); err != nil {
		return fmt.Errorf("sync worker heartbeat: %w", err)
	}
	return nil
}

// DeregisterWorker marks the worker stopped.
func (l *SyncLog) DeregisterWorker(ctx context.Context, workerID string) error {
	if _, err := l.db.ExecContext(ctx,
		`UPDATE sync_workers SET state = 'stopped', last_seen_at = now() WHERE worker_id = $1`, workerID); err != nil {
		return fmt.Errorf("deregister sync worker: %w", err)
	}
	return nil
}

// BeginTask opens a task row for one replay group and returns its id.
func (l *SyncLog) BeginTask(ctx context.Context, target models.InstanceName, collection string, entryCount int) (int64, error) {
	const q = `
		INSERT INTO sync_tasks (target_instance, collection_identifier, entry_count)
		VALUES ($1, $2, $3)
		RETURNING id`
	var id int64
	if err := l.db.GetContext(ctx, &id, q, target, collection, entryCount); err != nil {
		return 0, fmt.Errorf("begin sync task: %w", err)
	}
	return id, nil
}

// FinishTask closes the task row with its outcome.
func (l *SyncLog) FinishTask(ctx context.Context, taskID int64, outcome, errMsg string) error {
	const q = `
		UPDATE sync_tasks
		SET finished_at = now(), outcome = $2, error_message = NULLIF($3, '')
		WHERE id = $1`
	if _, err := l.db.ExecContext(ctx, q, taskID, outcome, errMsg); err != nil {
		return fmt.Errorf("finish sync task %d: %w", taskID, err)
	}
	return nil
}

// RecordAttempt appends one replay attempt to the history.
func (l *SyncLog) RecordAttempt(ctx context.Context, writeID int64, target models.InstanceName, attempt int, outcome, errMsg string) error {
	const q = `
		INSERT INTO sync_history (write_id, target_instance, attempt, outcome, error_message)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))`
	if _, err := l.db.ExecContext(ctx, q, writeID, target, attempt, outcome, errMsg); err != nil {
		return fmt.Errorf("record sync attempt for %d: %w", writeID, err)
	}
	return nil
}

// AdvanceWatermark raises the per-collection replay high-water mark. The
// mark never moves backwards.
func (l *SyncLog) AdvanceWatermark(ctx context.Context, collection string, target models.InstanceName, writeID int64) error {
	const q = `
		INSERT INTO sync_collections (collection_identifier, target_instance, last_synced_write_id, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (collection_identifier, target_instance) DO UPDATE SET
			last_synced_write_id = GREATEST(sync_collections.last_synced_write_id, EXCLUDED.last_synced_write_id),
			updated_at = now()`
	if _, err := l.db.ExecContext(ctx, q, collection, target, writeID); err != nil {
		return fmt.Errorf("advance sync watermark for %q: %w", collection, err)
	}
	return nil
}

// Watermark returns the last synced write_id for a collection on a target,
// zero when nothing has been replayed yet.
func (l *SyncLog) Watermark(ctx context.Context, collection string, target models.InstanceName) (int64, error) {
	const q = `
		SELECT COALESCE(max(last_synced_write_id), 0)
		FROM sync_collections
		WHERE collection_identifier = $1 AND target_instance = $2`
	var id int64
	if err := l.db.GetContext(ctx, &id, q, collection, target); err != nil {
		return 0, fmt.Errorf("read sync watermark for %q: %w", collection, err)
	}
	return id, nil
}

// StaleWorkers returns worker ids whose heartbeat is older than the cutoff
// and that are still marked running.
func (l *SyncLog) StaleWorkers(ctx context.Context, olderThan time.Time) ([]string, error) {
	var ids []string
	const q = `SELECT worker_id FROM sync_workers WHERE state = 'running' AND last_seen_at < $1`
	if err := l.db.SelectContext(ctx, &ids, q, olderThan); err != nil {
		return nil, fmt.Errorf("list stale sync workers: %w", err)
	}
	return ids, nil
}
