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

// Package database owns the connection pool to the coordination database and
// the embedded schema migrations. Every persisted record the gateway relies
// on (mappings, WAL, transaction safety log, health and sync bookkeeping)
// lives behind this pool.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Pool defaults. The coordination database is shared across router processes,
// so the per-process pool stays small and a semaphore keeps incident-recovery
// stampedes from exhausting it.
const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

// DB wraps the sqlx pool together with an acquisition semaphore.
type DB struct {
	*sqlx.DB
	sem    *semaphore.Weighted
	logger *zap.Logger
}

// Connect opens the pool, verifies connectivity, and applies any pending
// migrations. A failure here is fatal at startup per the exit-code contract.
func Connect(ctx context.Context, dsn string, logger *zap.Logger) (*DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open coordination database: %w", err)
	}

	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping coordination database: %w", err)
	}

	if err := migrate(db, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("coordination database connected",
		zap.Int("max_open_conns", defaultMaxOpenConns),
		zap.Int("max_idle_conns", defaultMaxIdleConns),
	)

	return &DB{
		DB:     sqlx.NewDb(db, "pgx"),
		sem:    semaphore.NewWeighted(defaultMaxOpenConns),
		logger: logger,
	}, nil
}

// Acquire reserves one pool slot, blocking until capacity or ctx is done.
// Callers must Release. This is the stampede guard for recovery bursts.
func (d *DB) Acquire(ctx context.Context) error {
	return d.sem.Acquire(ctx, 1)
}

// Release returns a pool slot taken by Acquire.
func (d *DB) Release() {
	d.sem.Release(1)
}

// Healthy reports whether the database answers a ping within two seconds.
func (d *DB) Healthy(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return d.PingContext(pingCtx) == nil
}

func migrate(db *sql.DB, logger *zap.Logger) error {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	version, err := goose.GetDBVersion(db)
	if err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}
	logger.Info("schema migrations applied", zap.Int64("version", version))
	return nil
}
