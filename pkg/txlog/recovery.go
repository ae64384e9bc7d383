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

package txlog

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jordigilh/vectorgate/pkg/alerting"
	"github.com/jordigilh/vectorgate/pkg/metrics"
	"github.com/jordigilh/vectorgate/pkg/models"
)

// WALChecker answers whether a write demonstrably landed on a target after a
// given time. Satisfied by *wal.Store.
type WALChecker interface {
	HasLandedSince(ctx context.Context, method, path string, since time.Time) (bool, error)
}

// PoolGate bounds concurrent burst access to the coordination database pool.
// Satisfied by *database.DB.
type PoolGate interface {
	Acquire(ctx context.Context) error
	Release()
}

// RecoveryReport summarizes one recovery sweep.
type RecoveryReport struct {
	Checked   int `json:"checked"`
	Recovered int `json:"recovered"`
	Failed    int `json:"failed"`
	Abandoned int `json:"abandoned"`
}

// Recoverer advances stuck transaction records. A record stuck in ATTEMPTING
// beyond the deadline either demonstrably landed (the WAL shows a synced
// entry for the same write, RECOVERED) or is advanced to FAILED; FAILED
// records are re-examined on later sweeps for late convergence until their
// retry budget runs out, after which they are ABANDONED.
type Recoverer struct {
	log      *Log
	wal      WALChecker
	gate     PoolGate
	notifier alerting.Notifier
	metrics  *metrics.Metrics
	logger   *zap.Logger

	stuckAfter time.Duration
	interval   time.Duration
}

// NewRecoverer builds the recovery sweeper. stuckAfter defaults to 5m, the
// sweep interval to 10m. gate is optional.
func NewRecoverer(log *Log, wal WALChecker, gate PoolGate, stuckAfter, interval time.Duration, m *metrics.Metrics, notifier alerting.Notifier, logger *zap.Logger) *Recoverer {
	if stuckAfter <= 0 {
		stuckAfter = 5 * time.Minute
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Recoverer{
		log:        log,
		wal:        wal,
		gate:       gate,
		notifier:   notifier,
		metrics:    m,
		logger:     log.logger.Named("recovery"),
		stuckAfter: stuckAfter,
		interval:   interval,
	}
}

// StuckAfter exposes the recovery deadline for the admin surface.
func (r *Recoverer) StuckAfter() time.Duration { return r.stuckAfter }

// Run sweeps periodically until ctx is canceled.
func (r *Recoverer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if report, err := r.Recover(ctx, false); err != nil {
				r.logger.Error("recovery sweep", zap.Error(err))
			} else if report.Checked > 0 {
				r.logger.Info("recovery sweep finished",
					zap.Int("checked", report.Checked),
					zap.Int("recovered", report.Recovered),
					zap.Int("failed", report.Failed),
					zap.Int("abandoned", report.Abandoned))
			}
		}
	}
}

// Recover runs one sweep. includeAbandoned extends the scan to ABANDONED
// records, which only the explicit admin trigger does.
func (r *Recoverer) Recover(ctx context.Context, includeAbandoned bool) (*RecoveryReport, error) {
	// The sweep is a burst of reads and updates against a pool shared with
	// the data plane; hold one slot for its whole duration.
	if r.gate != nil {
		if err := r.gate.Acquire(ctx); err != nil {
			return nil, fmt.Errorf("acquire pool slot: %w", err)
		}
		defer r.gate.Release()
	}

	cutoff := time.Now().Add(-r.stuckAfter)

	q := `
		SELECT * FROM emergency_transaction_log
		WHERE (status = 'ATTEMPTING' AND attempted_at < $1)
		   OR (status = 'FAILED' AND completed_at < $1 AND retry_count < max_retries)`
	if includeAbandoned {
		q += `
		   OR (status = 'ABANDONED')`
	}
	q += `
		ORDER BY attempted_at
		LIMIT 500`

	var candidates []models.TransactionRecord
	if err := r.log.db.SelectContext(ctx, &candidates, q, cutoff); err != nil {
		return nil, fmt.Errorf("scan stuck transactions: %w", err)
	}

	report := &RecoveryReport{Checked: len(candidates)}
	for i := range candidates {
		rec := &candidates[i]
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if err := r.advance(ctx, rec, report); err != nil {
			r.logger.Error("advance stuck transaction",
				zap.String("transaction_id", rec.TransactionID),
				zap.Error(err))
		}
	}

	if report.Abandoned > 0 {
		r.notifier.Notify(ctx, alerting.SeverityWarning,
			fmt.Sprintf("%d transactions abandoned by recovery", report.Abandoned),
			fmt.Sprintf("checked=%d recovered=%d failed=%d abandoned=%d",
				report.Checked, report.Recovered, report.Failed, report.Abandoned))
	}
	return report, nil
}

func (r *Recoverer) advance(ctx context.Context, rec *models.TransactionRecord, report *RecoveryReport) error {
	landed, err := r.wal.HasLandedSince(ctx, rec.Method, rec.Path, rec.AttemptedAt)
	if err != nil {
		return err
	}

	if landed {
		const q = `
			UPDATE emergency_transaction_log
			SET status = 'RECOVERED', completed_at = now()
			WHERE transaction_id = $1`
		if _, err := r.log.db.ExecContext(ctx, q, rec.TransactionID); err != nil {
			return fmt.Errorf("mark recovered: %w", err)
		}
		report.Recovered++
		r.metrics.Transactions.WithLabelValues(string(models.TxRecovered)).Inc()
		r.metrics.RecoveredTransactions.Inc()
		r.logger.Info("transaction recovered: write landed via wal",
			zap.String("transaction_id", rec.TransactionID),
			zap.String("method", rec.Method),
			zap.String("path", rec.Path))
		return nil
	}

	// A record that is already ABANDONED only re-enters the sweep via the
	// manual trigger; when the write still hasn't landed it stays as it is,
	// without burning retries past the budget.
	if rec.Status == models.TxAbandoned {
		return nil
	}

	if rec.RetryCount+1 >= rec.MaxRetries {
		const q = `
			UPDATE emergency_transaction_log
			SET status = 'ABANDONED', retry_count = retry_count + 1, completed_at = now()
			WHERE transaction_id = $1`
		if _, err := r.log.db.ExecContext(ctx, q, rec.TransactionID); err != nil {
			return fmt.Errorf("mark abandoned: %w", err)
		}
		report.Abandoned++
		r.metrics.Transactions.WithLabelValues(string(models.TxAbandoned)).Inc()
		r.logger.Warn("transaction abandoned after recovery retries",
			zap.String("transaction_id", rec.TransactionID),
			zap.Int("retry_count", rec.RetryCount+1))
		return nil
	}

	const q = `
		UPDATE emergency_transaction_log
		SET status = 'FAILED', retry_count = retry_count + 1, completed_at = now(),
		    failure_reason = COALESCE(failure_reason, $2)
		WHERE transaction_id = $1`
	reason := fmt.Sprintf("stuck in ATTEMPTING beyond %s", r.stuckAfter)
	if _, err := r.log.db.ExecContext(ctx, q, rec.TransactionID, reason); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	report.Failed++
	r.metrics.Transactions.WithLabelValues(string(models.TxFailed)).Inc()
	return nil
}
