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

// Package config loads gateway configuration from the environment, with an
// optional YAML file overlay (VECTORGATE_CONFIG). Environment variables win
// over the file; defaults fill the rest. Validation failures are fatal at
// startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full gateway configuration.
type Config struct {
	// PrimaryURL is the base URL of the primary vector store instance.
	PrimaryURL string `yaml:"primary_url" validate:"required,url"`

	// ReplicaURL is the base URL of the replica vector store instance.
	ReplicaURL string `yaml:"replica_url" validate:"required,url"`

	// DatabaseURL is the PostgreSQL DSN of the coordination database.
	DatabaseURL string `yaml:"database_url" validate:"required"`

	// Port is the HTTP listen port for client traffic and the admin surface.
	Port int `yaml:"port" validate:"gt=0,lte=65535"`

	// MaxWorkers bounds concurrent outbound HTTP forwards. Default: 8.
	MaxWorkers int `yaml:"max_workers" validate:"gt=0"`

	// ReadReplicaRatio is the fraction of reads preferring the replica when
	// both instances are healthy, in [0.0, 1.0]. Default: 0.8.
	ReadReplicaRatio float64 `yaml:"read_replica_ratio" validate:"gte=0,lte=1"`

	// HealthCheckInterval is the probe cadence per instance. Default: 30s.
	HealthCheckInterval time.Duration `yaml:"health_check_interval" validate:"gt=0"`

	// WALBatchSize is the replayer claim size per pass. Default: 50.
	WALBatchSize int `yaml:"wal_batch_size" validate:"gt=0"`

	// WALRetryMax is the retry budget per WAL entry before it is abandoned.
	// Default: 3.
	WALRetryMax int `yaml:"wal_retry_max" validate:"gte=0"`

	// RequestTimeout applies to every outbound HTTP call. Default: 30s.
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gt=0"`

	// MemoryLimitMB is the process memory budget. Writes are refused once RSS
	// exceeds MemoryPressureFraction of this limit, and any single request
	// body at or above the full limit is rejected outright. Default: 512.
	MemoryLimitMB int `yaml:"memory_limit_mb" validate:"gt=0"`

	// MemoryPressureFraction of MemoryLimitMB at which back-pressure engages.
	// Default: 0.8.
	MemoryPressureFraction float64 `yaml:"memory_pressure_fraction" validate:"gt=0,lte=1"`

	// SlackWebhookURL receives health-transition and replay-exhaustion
	// alerts. Empty disables alerting.
	SlackWebhookURL string `yaml:"slack_webhook_url" validate:"omitempty,url"`

	// DefaultTenant and DefaultDatabase are inserted when canonicalising
	// legacy paths that omit the tenant/database segments.
	DefaultTenant   string `yaml:"default_tenant" validate:"required"`
	DefaultDatabase string `yaml:"default_database" validate:"required"`

	// ReplayInterval is the base sleep between replayer passes; it shrinks
	// when the pending backlog is high. Default: 10s.
	ReplayInterval time.Duration `yaml:"replay_interval" validate:"gt=0"`

	// RecoveryStuckAfter is how long a transaction may sit in ATTEMPTING
	// before the recovery sweep advances it. Default: 5m.
	RecoveryStuckAfter time.Duration `yaml:"recovery_stuck_after" validate:"gt=0"`

	// DrainTimeout bounds the in-flight request drain during shutdown.
	// Default: 30s.
	DrainTimeout time.Duration `yaml:"drain_timeout" validate:"gt=0"`
}

// Default returns a Config carrying every documented default. Required
// endpoint and database settings are left empty and must come from the
// environment or the overlay file.
func Default() *Config {
	return &Config{
		Port:                   8000,
		MaxWorkers:             8,
		ReadReplicaRatio:       0.8,
		HealthCheckInterval:    30 * time.Second,
		WALBatchSize:           50,
		WALRetryMax:            3,
		RequestTimeout:         30 * time.Second,
		MemoryLimitMB:          512,
		MemoryPressureFraction: 0.8,
		DefaultTenant:          "default_tenant",
		DefaultDatabase:        "default_database",
		ReplayInterval:         10 * time.Second,
		RecoveryStuckAfter:     5 * time.Minute,
		DrainTimeout:           30 * time.Second,
	}
}

// Load builds the configuration: defaults, then the optional YAML overlay,
// then environment variables, then validation.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("VECTORGATE_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural constraints. It does not reach the network.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// MemoryLimitBytes returns the configured memory budget in bytes.
func (c *Config) MemoryLimitBytes() uint64 {
	return uint64(c.MemoryLimitMB) * 1024 * 1024
}

// MemoryPressureBytes returns the RSS threshold at which writes are refused.
func (c *Config) MemoryPressureBytes() uint64 {
	return uint64(float64(c.MemoryLimitBytes()) * c.MemoryPressureFraction)
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PRIMARY_URL"); v != "" {
		c.PrimaryURL = v
	}
	if v := os.Getenv("REPLICA_URL"); v != "" {
		c.ReplicaURL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		c.SlackWebhookURL = v
	}
	if v := os.Getenv("DEFAULT_TENANT"); v != "" {
		c.DefaultTenant = v
	}
	if v := os.Getenv("DEFAULT_DATABASE"); v != "" {
		c.DefaultDatabase = v
	}

	intVars := []struct {
		name string
		dst  *int
	}{
		{"PORT", &c.Port},
		{"MAX_WORKERS", &c.MaxWorkers},
		{"WAL_BATCH_SIZE", &c.WALBatchSize},
		{"WAL_RETRY_MAX", &c.WALRetryMax},
		{"MEMORY_LIMIT_MB", &c.MemoryLimitMB},
	}
	for _, iv := range intVars {
		if v := os.Getenv(iv.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", iv.name, err)
			}
			*iv.dst = n
		}
	}

	secondVars := []struct {
		name string
		dst  *time.Duration
	}{
		{"HEALTH_CHECK_INTERVAL_SECONDS", &c.HealthCheckInterval},
		{"REQUEST_TIMEOUT_SECONDS", &c.RequestTimeout},
		{"REPLAY_INTERVAL_SECONDS", &c.ReplayInterval},
		{"DRAIN_TIMEOUT_SECONDS", &c.DrainTimeout},
	}
	for _, sv := range secondVars {
		if v := os.Getenv(sv.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", sv.name, err)
			}
			*sv.dst = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("READ_REPLICA_RATIO"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("READ_REPLICA_RATIO: %w", err)
		}
		c.ReadReplicaRatio = f
	}
	if v := os.Getenv("MEMORY_PRESSURE_FRACTION"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("MEMORY_PRESSURE_FRACTION: %w", err)
		}
		c.MemoryPressureFraction = f
	}
	return nil
}
