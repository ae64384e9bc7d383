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

// Package txlog is the transaction safety log: an audit trail of every
// client-visible write attempt, independent of the WAL. It answers "what did
// the client see" even when the WAL path itself failed, and is the substrate
// for post-hoc recovery of stuck writes.
package txlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/jordigilh/vectorgate/pkg/metrics"
	"github.com/jordigilh/vectorgate/pkg/models"
)

// ErrNotFound is returned when no record exists for a transaction id.
var ErrNotFound = errors.New("transaction not found")

// Log is the sqlx-backed safety log.
type Log struct {
	db         *sqlx.DB
	metrics    *metrics.Metrics
	logger     *zap.Logger
	maxRetries int
}

// NewLog builds the safety log. maxRetries bounds how many recovery sweeps
// may re-examine a record before it is abandoned (default 3).
func NewLog(db *sqlx.DB, maxRetries int, m *metrics.Metrics, logger *zap.Logger) *Log {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Log{
		db:         db,
		metrics:    m,
		logger:     logger.Named("txlog"),
		maxRetries: maxRetries,
	}
}

// Begin records a write attempt in ATTEMPTING state and returns the
// client-visible transaction id.
func (l *Log) Begin(ctx context.Context, method, path string, op models.OperationType, clientSession string) (string, error) {
	id := uuid.NewString()
	const q = `
		INSERT INTO emergency_transaction_log
			(transaction_id, method, path, status, operation_type, client_session, max_retries)
		VALUES ($1, $2, $3, 'ATTEMPTING', $4, NULLIF($5, ''), $6)`
	if _, err := l.db.ExecContext(ctx, q, id, method, path, op, clientSession, l.maxRetries); err != nil {
		return "", fmt.Errorf("begin transaction record: %w", err)
	}
	l.metrics.Transactions.WithLabelValues(string(models.TxAttempting)).Inc()
	return id, nil
}

// Complete marks the attempt COMPLETED. Terminal records are left untouched.
func (l *Log) Complete(ctx context.Context, id string) error {
	const q = `
		UPDATE emergency_transaction_log
		SET status = 'COMPLETED', completed_at = now(), failure_reason = NULL
		WHERE transaction_id = $1 AND status = 'ATTEMPTING'`
	if _, err := l.db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("complete transaction %s: %w", id, err)
	}
	l.metrics.Transactions.WithLabelValues(string(models.TxCompleted)).Inc()
	return nil
}

// Fail marks the attempt FAILED with the reason the client was given.
// Terminal records are left untouched.
func (l *Log) Fail(ctx context.Context, id, reason string) error {
	const q = `
		UPDATE emergency_transaction_log
		SET status = 'FAILED', completed_at = now(), failure_reason = $2
		WHERE transaction_id = $1 AND status = 'ATTEMPTING'`
	if _, err := l.db.ExecContext(ctx, q, id, reason); err != nil {
		return fmt.Errorf("fail transaction %s: %w", id, err)
	}
	l.metrics.Transactions.WithLabelValues(string(models.TxFailed)).Inc()
	return nil
}

// RecordRefusal audits a write the router refused before forwarding
// (memory pressure, draining). The record is born FAILED; there is nothing
// to recover because nothing was sent anywhere.
func (l *Log) RecordRefusal(ctx context.Context, method, path string, op models.OperationType, clientSession, reason string) (string, error) {
	id := uuid.NewString()
	const q = `
		INSERT INTO emergency_transaction_log
			(transaction_id, method, path, status, operation_type, client_session, completed_at, failure_reason, max_retries)
		VALUES ($1, $2, $3, 'FAILED', $4, NULLIF($5, ''), now(), $6, $7)`
	if _, err := l.db.ExecContext(ctx, q, id, method, path, op, clientSession, reason, l.maxRetries); err != nil {
		return "", fmt.Errorf("record refused write: %w", err)
	}
	l.metrics.Transactions.WithLabelValues(string(models.TxFailed)).Inc()
	return id, nil
}

// Get returns one record by transaction id.
func (l *Log) Get(ctx context.Context, id string) (*models.TransactionRecord, error) {
	var rec models.TransactionRecord
	err := l.db.GetContext(ctx, &rec,
		`SELECT * FROM emergency_transaction_log WHERE transaction_id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", id, err)
	}
	return &rec, nil
}

// Counts aggregates records by status.
func (l *Log) Counts(ctx context.Context) (*models.TransactionCounts, error) {
	const q = `
		SELECT
			count(*) FILTER (WHERE status = 'ATTEMPTING') AS attempting,
			count(*) FILTER (WHERE status = 'COMPLETED')  AS completed,
			count(*) FILTER (WHERE status = 'FAILED')     AS failed,
			count(*) FILTER (WHERE status = 'ABANDONED')  AS abandoned,
			count(*) FILTER (WHERE status = 'RECOVERED')  AS recovered
		FROM emergency_transaction_log`
	var counts models.TransactionCounts
	if err := l.db.GetContext(ctx, &counts, q); err != nil {
		return nil, fmt.Errorf("count transactions: %w", err)
	}
	return &counts, nil
}

// StuckCount returns how many records are still ATTEMPTING beyond the
// recovery deadline.
func (l *Log) StuckCount(ctx context.Context, olderThan time.Time) (int64, error) {
	var n int64
	const q = `
		SELECT count(*) FROM emergency_transaction_log
		WHERE status = 'ATTEMPTING' AND attempted_at < $1`
	if err := l.db.GetContext(ctx, &n, q, olderThan); err != nil {
		return 0, fmt.Errorf("count stuck transactions: %w", err)
	}
	return n, nil
}

// Cleanup deletes terminal records older than the cutoff and returns the
// number removed. ATTEMPTING records are never cleaned; recovery owns them.
func (l *Log) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	const q = `
		DELETE FROM emergency_transaction_log
		WHERE status IN ('COMPLETED', 'FAILED', 'ABANDONED', 'RECOVERED')
		  AND attempted_at < $1`
	res, err := l.db.ExecContext(ctx, q, olderThan)
	if err != nil {
		return 0, fmt.Errorf("cleanup transactions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup transactions: rows affected: %w", err)
	}
	if n > 0 {
		l.logger.Info("cleaned terminal transaction records", zap.Int64("removed", n))
	}
	return n, nil
}
