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

// Package autocreator keeps collection mappings complete. When one instance
// creates a collection, the counterpart must create the same collection and
// the mapping row must end up holding both identifiers. The creator does
// this eagerly when the counterpart is healthy; the WAL entry the router
// appended for the deferred target guarantees convergence when it is not.
package autocreator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/jordigilh/vectorgate/pkg/backend"
	"github.com/jordigilh/vectorgate/pkg/mapping"
	"github.com/jordigilh/vectorgate/pkg/models"
)

// Config tunes the creator.
type Config struct {
	// DefaultTenant and DefaultDatabase scope creation paths when the
	// originating path does not carry them.
	DefaultTenant   string
	DefaultDatabase string
	// QueueSize bounds the asynchronous trigger queue. A full queue drops
	// the eager attempt; the deferred WAL entry still converges the
	// counterpart. Default: 64.
	QueueSize int
}

func (c *Config) defaults() {
	if c.DefaultTenant == "" {
		c.DefaultTenant = "default_tenant"
	}
	if c.DefaultDatabase == "" {
		c.DefaultDatabase = "default_database"
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
}

// Deps wires the creator's collaborators.
type Deps struct {
	Mappings  *mapping.Store
	Registry  *backend.Registry
	Forwarder *backend.Forwarder
	Logger    *zap.Logger
}

type task struct {
	name    string
	source  models.InstanceName
	payload []byte // original creation request body
	path    string // original creation path, carries tenant/database scope
}

// Creator mirrors collection creations across instances. TriggerFromCreation
// feeds it from the router; EnsureOnTarget serves the replayer's
// just-in-time path. Both converge on the same creation logic, which treats
// the backend's name-uniqueness rejection as success.
type Creator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	tasks chan task
	group singleflight.Group
}

// New builds the creator. Run must be called to drain the trigger queue.
func New(cfg Config, deps Deps) *Creator {
	cfg.defaults()
	return &Creator{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.Named("autocreator"),
		tasks:  make(chan task, cfg.QueueSize),
	}
}

// Run processes queued triggers until ctx is canceled. Triggers still queued
// at shutdown are simply dropped: the WAL entry the router appended for the
// deferred target converges them after restart.
func (c *Creator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-c.tasks:
			c.process(ctx, t)
		}
	}
}

// TriggerFromCreation records the identifier a successful creation response
// assigned and queues the eager counterpart creation. Never blocks the
// caller.
func (c *Creator) TriggerFromCreation(ctx context.Context, source models.InstanceName, createPath string, requestBody, responseBody []byte) {
	id, name, err := parseCreationResponse(responseBody)
	if err != nil {
		c.logger.Warn("unparseable creation response, mapping not recorded",
			zap.String("source", string(source)),
			zap.Error(err))
		return
	}

	uctx, cancel := detached(ctx, 10*time.Second)
	defer cancel()
	if _, err := c.deps.Mappings.Upsert(uctx, name, source, id, requestBody); err != nil {
		c.logger.Error("record source-side mapping",
			zap.String("name", name),
			zap.String("source", string(source)),
			zap.Error(err))
	}

	select {
	case c.tasks <- task{name: name, source: source, payload: requestBody, path: createPath}:
	default:
		c.logger.Warn("trigger queue full, leaving counterpart creation to the replayer",
			zap.String("name", name))
	}
}

// process eagerly creates the collection on the counterpart. Failures are
// logged only; the deferred WAL entry remains the durable convergence path.
func (c *Creator) process(ctx context.Context, t task) {
	counterpart := t.source.Other()
	inst := c.deps.Registry.Get(counterpart)
	if inst == nil || !inst.Healthy() {
		c.logger.Info("counterpart unhealthy, creation left to the replayer",
			zap.String("name", t.name),
			zap.String("counterpart", string(counterpart)))
		return
	}

	if err := c.EnsureOnTarget(ctx, t.name, counterpart, t.path); err != nil {
		c.logger.Warn("eager counterpart creation failed, replayer will converge it",
			zap.String("name", t.name),
			zap.String("counterpart", string(counterpart)),
			zap.Error(err))
		return
	}
	c.logger.Info("counterpart collection created",
		zap.String("name", t.name),
		zap.String("counterpart", string(counterpart)))
}

// EnsureOnTarget makes the collection referenced by ref exist on target and
// completes the mapping row. ref may be a name or a source-side identifier;
// originPath supplies the tenant/database scope. Concurrent calls for the
// same (ref, target) coalesce.
func (c *Creator) EnsureOnTarget(ctx context.Context, ref string, target models.InstanceName, originPath string) error {
	_, err, _ := c.group.Do(ref+"|"+string(target), func() (interface{}, error) {
		return nil, c.ensure(ctx, ref, target, originPath)
	})
	return err
}

func (c *Creator) ensure(ctx context.Context, ref string, target models.InstanceName, originPath string) error {
	name, payload, err := c.resolveCreation(ctx, ref)
	if err != nil {
		return err
	}

	m, err := c.deps.Mappings.ResolveByName(ctx, name)
	if err == nil {
		if _, ok := m.IDOn(target); ok {
			return nil // already mapped on the target
		}
	} else if !errors.Is(err, mapping.ErrNotFound) {
		return err
	}

	inst := c.deps.Registry.Get(target)
	if inst == nil {
		return fmt.Errorf("unknown target instance %q", target)
	}

	id, err := c.createOn(ctx, inst, name, payload, originPath)
	if err != nil {
		return err
	}
	if _, err := c.deps.Mappings.Upsert(ctx, name, target, id, payload); err != nil {
		return fmt.Errorf("record %s-side mapping for %q: %w", target, name, err)
	}
	return nil
}

// resolveCreation turns a ref into the collection name plus the original
// creation payload, consulting the mapping store when ref is an identifier.
func (c *Creator) resolveCreation(ctx context.Context, ref string) (string, []byte, error) {
	if !mapping.IsIdentifier(ref) {
		name := ref
		if m, err := c.deps.Mappings.ResolveByName(ctx, name); err == nil && len(m.Config) > 0 {
			return name, m.Config, nil
		}
		return name, minimalCreatePayload(name), nil
	}

	m, err := c.deps.Mappings.ResolveByIDOnInstance(ctx, ref, models.InstancePrimary)
	if errors.Is(err, mapping.ErrNotFound) {
		m, err = c.deps.Mappings.ResolveByIDOnInstance(ctx, ref, models.InstanceReplica)
	}
	if errors.Is(err, mapping.ErrNotFound) {
		return "", nil, fmt.Errorf("identifier %s has no mapping, creation cannot be reconstructed", ref)
	}
	if err != nil {
		return "", nil, err
	}
	payload := m.Config
	if len(payload) == 0 {
		payload = minimalCreatePayload(m.Name)
	}
	return m.Name, payload, nil
}

// createOn issues the creation against one instance and returns the
// identifier it assigned. A name-uniqueness rejection means the collection
// already exists there; the identifier is then fetched by name.
func (c *Creator) createOn(ctx context.Context, inst *backend.Instance, name string, payload []byte, originPath string) (string, error) {
	resp, err := c.deps.Forwarder.Do(ctx, inst, &backend.Request{
		Method:  http.MethodPost,
		Path:    c.createPath(originPath),
		Body:    payload,
		Headers: map[string]string{"Content-Type": "application/json"},
	})
	if err != nil {
		return "", err
	}

	switch {
	case resp.Success():
		id, _, perr := parseCreationResponse(resp.Body)
		if perr != nil {
			return "", fmt.Errorf("creation on %s succeeded but response is unparseable: %w", inst.Name, perr)
		}
		return id, nil
	case alreadyExists(resp):
		return c.fetchIDByName(ctx, inst, name, originPath)
	default:
		return "", fmt.Errorf("creation on %s returned %d: %s", inst.Name, resp.StatusCode, snippet(resp.Body))
	}
}

// fetchIDByName asks the instance for the collection it already holds under
// name.
func (c *Creator) fetchIDByName(ctx context.Context, inst *backend.Instance, name, originPath string) (string, error) {
	resp, err := c.deps.Forwarder.Do(ctx, inst, &backend.Request{
		Method: http.MethodGet,
		Path:   c.createPath(originPath) + "/" + name,
	})
	if err != nil {
		return "", err
	}
	if !resp.Success() {
		return "", fmt.Errorf("lookup of existing collection %q on %s returned %d", name, inst.Name, resp.StatusCode)
	}
	id, _, perr := parseCreationResponse(resp.Body)
	if perr != nil {
		return "", fmt.Errorf("lookup of existing collection %q on %s: %w", name, inst.Name, perr)
	}
	return id, nil
}

// createPath returns the collections path in the scope of originPath,
// falling back to the configured default tenant and database.
func (c *Creator) createPath(originPath string) string {
	tenant, database := c.cfg.DefaultTenant, c.cfg.DefaultDatabase
	if t, d, ok := scopeFromPath(originPath); ok {
		tenant, database = t, d
	}
	return fmt.Sprintf("/api/v2/tenants/%s/databases/%s/collections", tenant, database)
}

// scopeFromPath extracts the tenant and database segments from a canonical
// API path.
func scopeFromPath(path string) (tenant, database string, ok bool) {
	path, _, _ = strings.Cut(path, "?")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i+3 < len(segments); i++ {
		if segments[i] == "tenants" && segments[i+2] == "databases" {
			return segments[i+1], segments[i+3], true
		}
	}
	return "", "", false
}

func parseCreationResponse(body []byte) (id, name string, err error) {
	var parsed struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", "", fmt.Errorf("decode creation response: %w", err)
	}
	if parsed.ID == "" {
		return "", "", errors.New("creation response has no id")
	}
	if parsed.Name == "" {
		return "", "", errors.New("creation response has no name")
	}
	return parsed.ID, parsed.Name, nil
}

func alreadyExists(resp *backend.Response) bool {
	if resp.StatusCode == http.StatusConflict {
		return true
	}
	return resp.StatusCode == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(string(resp.Body)), "already exists")
}

func minimalCreatePayload(name string) []byte {
	b, _ := json.Marshal(map[string]string{"name": name})
	return b
}

func snippet(b []byte) string {
	const n = 200
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

func detached(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}
