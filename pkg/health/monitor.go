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

// Package health probes both backend instances and owns their health state.
// Nothing else in the process flips an instance between healthy and
// unhealthy; the router and replayer only read the current state.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jordigilh/vectorgate/pkg/alerting"
	"github.com/jordigilh/vectorgate/pkg/backend"
	"github.com/jordigilh/vectorgate/pkg/metrics"
	"github.com/jordigilh/vectorgate/pkg/models"
)

// TransitionFunc is invoked after an instance changes health state.
type TransitionFunc func(instance models.InstanceName, healthy bool)

// Config tunes probing behavior.
type Config struct {
	// Interval between probes per instance. Default: 30s.
	Interval time.Duration
	// ProbeTimeout bounds a single probe. Default: 5s.
	ProbeTimeout time.Duration
	// FailureThreshold is the consecutive probe failures required before an
	// instance is marked unhealthy. Default: 3.
	FailureThreshold int
	// ProbePath is the liveness path issued against each base URL.
	// Default: /api/v2/healthcheck.
	ProbePath string
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.ProbePath == "" {
		c.ProbePath = "/api/v2/healthcheck"
	}
}

// Monitor runs one probe loop per instance. Probe errors never propagate;
// they are absorbed into health state, metrics, and alerts.
type Monitor struct {
	cfg      Config
	registry *backend.Registry
	store    *Store
	notifier alerting.Notifier
	metrics  *metrics.Metrics
	logger   *zap.Logger
	client   *http.Client

	mu        sync.Mutex
	failures  map[models.InstanceName]int
	callbacks []TransitionFunc
}

// New builds a monitor over the instance registry. store may be nil when no
// coordination database is available; persistence is then skipped.
func New(cfg Config, registry *backend.Registry, store *Store, notifier alerting.Notifier, m *metrics.Metrics, logger *zap.Logger) *Monitor {
	cfg.defaults()
	return &Monitor{
		cfg:      cfg,
		registry: registry,
		store:    store,
		notifier: notifier,
		metrics:  m,
		logger:   logger.Named("health"),
		client:   &http.Client{Timeout: cfg.ProbeTimeout},
		failures: make(map[models.InstanceName]int, 2),
	}
}

// OnTransition registers a listener for health transitions. Callbacks run on
// the probing goroutine and must return promptly.
func (m *Monitor) OnTransition(fn TransitionFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// GetHealthy returns the currently healthy instances, primary first. The
// slice may be empty.
func (m *Monitor) GetHealthy() []*backend.Instance {
	return m.registry.Healthy()
}

// ObserveRequestOutcome feeds a routed request's outcome into the instance's
// success-rate counters. It never changes health state.
func (m *Monitor) ObserveRequestOutcome(instance models.InstanceName, success bool) {
	if inst := m.registry.Get(instance); inst != nil {
		inst.ObserveRequest(success)
	}
}

// Run probes all instances until ctx is canceled. Each instance gets its own
// loop; the first probe fires immediately so instances can become healthy
// right after startup.
func (m *Monitor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, inst := range m.registry.All() {
		inst := inst
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.loop(ctx, inst)
		}()
	}
	wg.Wait()
}

func (m *Monitor) loop(ctx context.Context, inst *backend.Instance) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.probe(ctx, inst)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx, inst)
		}
	}
}

func (m *Monitor) probe(ctx context.Context, inst *backend.Instance) {
	start := time.Now()
	err := m.check(ctx, inst)
	elapsed := time.Since(start)
	m.metrics.ProbeDuration.WithLabelValues(string(inst.Name)).Observe(elapsed.Seconds())

	if err == nil {
		m.mu.Lock()
		m.failures[inst.Name] = 0
		m.mu.Unlock()
		if changed := inst.SetHealth(true, ""); changed {
			m.transition(ctx, inst, true, elapsed, "probe succeeded")
		}
		return
	}

	m.mu.Lock()
	m.failures[inst.Name]++
	count := m.failures[inst.Name]
	m.mu.Unlock()

	m.logger.Debug("probe failed",
		zap.String("instance", string(inst.Name)),
		zap.Int("consecutive_failures", count),
		zap.Error(err))

	if count < m.cfg.FailureThreshold {
		return
	}
	if changed := inst.SetHealth(false, err.Error()); changed {
		m.transition(ctx, inst, false, elapsed, err.Error())
	}
}

func (m *Monitor) check(ctx context.Context, inst *backend.Instance) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inst.BaseURL+m.cfg.ProbePath, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("liveness probe returned %d", resp.StatusCode)
	}
	return nil
}

// transition fans the state change out to metrics, persistence, alerting,
// and registered callbacks. Persistence failures are logged, never fatal.
func (m *Monitor) transition(ctx context.Context, inst *backend.Instance, healthy bool, elapsed time.Duration, reason string) {
	state := "unhealthy"
	gauge := 0.0
	prev := "healthy"
	if healthy {
		state = "healthy"
		gauge = 1.0
		prev = "unhealthy"
	}

	m.metrics.InstanceHealthy.WithLabelValues(string(inst.Name)).Set(gauge)
	m.metrics.HealthTransitions.WithLabelValues(string(inst.Name), state).Inc()

	m.logger.Warn("instance health transition",
		zap.String("instance", string(inst.Name)),
		zap.String("state", state),
		zap.String("reason", reason))

	if m.store != nil {
		now := time.Now().UTC()
		sample := &models.HealthSample{
			InstanceName:   inst.Name,
			Healthy:        healthy,
			ResponseTimeMS: elapsed.Milliseconds(),
			CheckedAt:      now,
		}
		if !healthy {
			sample.ErrorMessage = sql.NullString{String: reason, Valid: true}
		}
		if err := m.store.InsertSample(ctx, sample); err != nil {
			m.logger.Error("persist health sample", zap.Error(err))
		}
		ev := &models.FailoverEvent{
			InstanceName:  inst.Name,
			PreviousState: prev,
			NewState:      state,
			Reason:        reason,
			OccurredAt:    now,
		}
		if err := m.store.InsertFailoverEvent(ctx, ev); err != nil {
			m.logger.Error("persist failover event", zap.Error(err))
		}
	}

	severity := alerting.SeverityCritical
	title := fmt.Sprintf("Instance %s is DOWN", inst.Name)
	if healthy {
		severity = alerting.SeverityInfo
		title = fmt.Sprintf("Instance %s recovered", inst.Name)
	}
	m.notifier.Notify(ctx, severity, title, reason)

	m.mu.Lock()
	callbacks := make([]TransitionFunc, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()
	for _, fn := range callbacks {
		fn(inst.Name, healthy)
	}
}
