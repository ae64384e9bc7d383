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

package health

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jordigilh/vectorgate/pkg/models"
)

// Store persists health samples and failover events. All methods are
// best-effort from the monitor's perspective; errors are surfaced so the
// caller can log them but never interrupt probing.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps the coordination database for health bookkeeping.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// InsertSample appends one probe observation.
func (s *Store) InsertSample(ctx context.Context, sample *models.HealthSample) error {
	const q = `
		INSERT INTO health_metrics (instance_name, healthy, response_time_ms, checked_at, error_message)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.db.ExecContext(ctx, q,
		sample.InstanceName, sample.Healthy, sample.ResponseTimeMS, sample.CheckedAt, sample.ErrorMessage); err != nil {
		return fmt.Errorf("insert health sample: %w", err)
	}
	return nil
}

// InsertFailoverEvent records one health transition.
func (s *Store) InsertFailoverEvent(ctx context.Context, ev *models.FailoverEvent) error {
	const q = `
		INSERT INTO failover_events (instance_name, previous_state, new_state, reason, occurred_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.db.ExecContext(ctx, q,
		ev.InstanceName, ev.PreviousState, ev.NewState, ev.Reason, ev.OccurredAt); err != nil {
		return fmt.Errorf("insert failover event: %w", err)
	}
	return nil
}

// RecentSamples returns the newest probe observations for one instance,
// most recent first. Used by the admin status surface.
func (s *Store) RecentSamples(ctx context.Context, instance models.InstanceName, limit int) ([]models.HealthSample, error) {
	const q = `
		SELECT id, instance_name, healthy, response_time_ms, checked_at, error_message
		FROM health_metrics
		WHERE instance_name = $1
		ORDER BY checked_at DESC
		LIMIT $2`
	var samples []models.HealthSample
	if err := s.db.SelectContext(ctx, &samples, q, instance, limit); err != nil {
		return nil, fmt.Errorf("select health samples: %w", err)
	}
	return samples, nil
}

// PurgeSamples removes probe observations older than the cutoff and returns
// the number of rows deleted.
func (s *Store) PurgeSamples(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM health_metrics WHERE checked_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge health samples: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge health samples: rows affected: %w", err)
	}
	return n, nil
}
