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

// Package mapping maintains the bidirectional name-to-identifier mapping
// between the two backend instances. Each backend assigns its own identifier
// to a collection; this store is the only place that knows both.
package mapping

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/jordigilh/vectorgate/pkg/metrics"
	"github.com/jordigilh/vectorgate/pkg/models"
)

var (
	// ErrNotFound is returned by resolve operations when no mapping exists.
	ErrNotFound = errors.New("mapping not found")
	// ErrUnmapped is returned by RewritePath when the path references an
	// identifier that has no mapping for the target instance. The caller
	// decides whether to pass the original path through or queue the write.
	ErrUnmapped = errors.New("collection identifier unmapped for target")
	// ErrIdentifierTaken is returned when an upsert would bind an identifier
	// that is already bound to a different name.
	ErrIdentifierTaken = errors.New("collection identifier already mapped to another name")
)

const uniqueViolation = "23505"

// Store is the sqlx-backed mapping store with a process-local read cache.
// The database row is authoritative; the cache is refreshed on miss and
// invalidated on every mutation through this store.
type Store struct {
	db      *sqlx.DB
	metrics *metrics.Metrics
	logger  *zap.Logger

	group singleflight.Group
	locks sync.Map // name → *sync.Mutex, serializes racing upserts

	mu     sync.RWMutex
	byName map[string]*models.CollectionMapping
	byID   map[string]string // identifier on either instance → name
}

// NewStore builds the mapping store.
func NewStore(db *sqlx.DB, m *metrics.Metrics, logger *zap.Logger) *Store {
	return &Store{
		db:      db,
		metrics: m,
		logger:  logger.Named("mapping"),
		byName:  make(map[string]*models.CollectionMapping),
		byID:    make(map[string]string),
	}
}

// Prime loads every mapping into the cache. Called once at startup so the
// hot path starts warm; failures are surfaced but the store remains usable.
func (s *Store) Prime(ctx context.Context) (int, error) {
	rows, err := s.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("prime mapping cache: %w", err)
	}
	for i := range rows {
		s.storeInCache(&rows[i])
	}
	s.logger.Info("mapping cache primed", zap.Int("mappings", len(rows)))
	return len(rows), nil
}

// ResolveByName returns the mapping for a collection name, or ErrNotFound.
func (s *Store) ResolveByName(ctx context.Context, name string) (*models.CollectionMapping, error) {
	if m, ok := s.cachedByName(name); ok {
		s.metrics.MappingCacheHits.Inc()
		return m, nil
	}
	s.metrics.MappingCacheMisses.Inc()

	v, err, _ := s.group.Do("name:"+name, func() (interface{}, error) {
		return s.fetch(ctx, `SELECT * FROM collection_id_mapping WHERE name = $1`, name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.CollectionMapping), nil
}

// ResolveByIDOnInstance returns the mapping whose identifier on the given
// instance equals id, or ErrNotFound.
func (s *Store) ResolveByIDOnInstance(ctx context.Context, id string, instance models.InstanceName) (*models.CollectionMapping, error) {
	m, err := s.resolveByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if got, ok := m.IDOn(instance); !ok || got != id {
		return nil, ErrNotFound
	}
	return m, nil
}

// resolveByID finds the mapping holding id on either instance.
func (s *Store) resolveByID(ctx context.Context, id string) (*models.CollectionMapping, error) {
	if m, ok := s.cachedByID(id); ok {
		s.metrics.MappingCacheHits.Inc()
		return m, nil
	}
	s.metrics.MappingCacheMisses.Inc()

	v, err, _ := s.group.Do("id:"+id, func() (interface{}, error) {
		return s.fetch(ctx,
			`SELECT * FROM collection_id_mapping WHERE primary_collection_id = $1 OR replica_collection_id = $1`, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.CollectionMapping), nil
}

// Upsert records the identifier a backend assigned to name. Inserts when the
// name is new, otherwise fills or replaces that instance's identifier.
// Racing upserts of the same name are serialized under a per-name lock and
// converge to a single row.
func (s *Store) Upsert(ctx context.Context, name string, instance models.InstanceName, id string, config []byte) (*models.CollectionMapping, error) {
	if !instance.Valid() {
		return nil, fmt.Errorf("upsert mapping %q: unknown instance %q", name, instance)
	}
	lock := s.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	var before *models.CollectionMapping
	if m, err := s.fetch(ctx, `SELECT * FROM collection_id_mapping WHERE name = $1`, name); err == nil {
		before = m
	}

	column := "primary_collection_id"
	if instance == models.InstanceReplica {
		column = "replica_collection_id"
	}
	q := fmt.Sprintf(`
		INSERT INTO collection_id_mapping (name, %[1]s, collection_config)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET
			%[1]s             = EXCLUDED.%[1]s,
			collection_config = COALESCE(EXCLUDED.collection_config, collection_id_mapping.collection_config),
			updated_at        = now()
		RETURNING *`, column)

	var row models.CollectionMapping
	if err := s.db.GetContext(ctx, &row, q, name, id, nullableJSON(config)); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, fmt.Errorf("%w: %s=%s for %q", ErrIdentifierTaken, instance, id, name)
		}
		return nil, fmt.Errorf("upsert mapping %q: %w", name, err)
	}

	s.storeInCache(&row)
	s.observeTotal(ctx)

	if row.Complete() && (before == nil || !before.Complete()) {
		s.logger.Info("collection mapping complete",
			zap.String("name", name),
			zap.String("primary_id", row.PrimaryID.String),
			zap.String("replica_id", row.ReplicaID.String))
	} else {
		s.logger.Debug("collection mapping updated",
			zap.String("name", name),
			zap.String("instance", string(instance)),
			zap.String("id", id))
	}
	return &row, nil
}

// Delete removes the mapping for name. Deleting an absent name is a no-op.
func (s *Store) Delete(ctx context.Context, name string) error {
	lock := s.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM collection_id_mapping WHERE name = $1`, name); err != nil {
		return fmt.Errorf("delete mapping %q: %w", name, err)
	}
	s.evict(name)
	s.observeTotal(ctx)
	s.logger.Info("collection mapping deleted", zap.String("name", name))
	return nil
}

// DeleteByRef removes the mapping the reference points at, whether the
// reference is the collection name or one of its instance identifiers.
// Unknown references are a no-op.
func (s *Store) DeleteByRef(ctx context.Context, ref string) error {
	name := ref
	if IsIdentifier(ref) {
		m, err := s.resolveByID(ctx, ref)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		name = m.Name
	}
	return s.Delete(ctx, name)
}

// List returns all mappings ordered by name.
func (s *Store) List(ctx context.Context) ([]models.CollectionMapping, error) {
	var rows []models.CollectionMapping
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM collection_id_mapping ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	s.metrics.MappingsTotal.Set(float64(len(rows)))
	return rows, nil
}

func (s *Store) fetch(ctx context.Context, query string, arg string) (*models.CollectionMapping, error) {
	var row models.CollectionMapping
	err := s.db.GetContext(ctx, &row, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve mapping: %w", err)
	}
	s.storeInCache(&row)
	return &row, nil
}

func (s *Store) nameLock(name string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(name, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *Store) cachedByName(name string) (*models.CollectionMapping, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byName[name]
	return m, ok
}

func (s *Store) cachedByID(id string) (*models.CollectionMapping, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	m, ok := s.byName[name]
	return m, ok
}

func (s *Store) storeInCache(m *models.CollectionMapping) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byName[m.Name]; ok {
		s.dropIDsLocked(old)
	}
	s.byName[m.Name] = m
	if id, ok := m.IDOn(models.InstancePrimary); ok {
		s.byID[id] = m.Name
	}
	if id, ok := m.IDOn(models.InstanceReplica); ok {
		s.byID[id] = m.Name
	}
}

func (s *Store) evict(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byName[name]; ok {
		s.dropIDsLocked(old)
		delete(s.byName, name)
	}
}

func (s *Store) dropIDsLocked(m *models.CollectionMapping) {
	if id, ok := m.IDOn(models.InstancePrimary); ok {
		delete(s.byID, id)
	}
	if id, ok := m.IDOn(models.InstanceReplica); ok {
		delete(s.byID, id)
	}
}

func (s *Store) observeTotal(ctx context.Context) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT count(*) FROM collection_id_mapping`); err != nil {
		return
	}
	s.metrics.MappingsTotal.Set(float64(n))
}

// nullableJSON maps an empty config to SQL NULL so COALESCE keeps the
// existing value on conflict.
func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
