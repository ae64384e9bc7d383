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

// Package backend models the two vector store instances and owns the bounded
// HTTP forwarding path used by the router, the WAL replayer and the mapping
// auto-creator.
package backend

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jordigilh/vectorgate/pkg/models"
)

// Instance is the live descriptor of one backend. Health state is mutated
// only by the health monitor; request counters by ObserveRequest.
type Instance struct {
	Name    models.InstanceName
	BaseURL string

	mu        sync.RWMutex
	healthy   bool
	lastProbe time.Time
	lastError string

	requestCount atomic.Int64
	successCount atomic.Int64
}

// NewInstance creates a descriptor. Instances start unhealthy until the
// first successful probe so traffic never races initialisation.
func NewInstance(name models.InstanceName, baseURL string) *Instance {
	return &Instance{
		Name:    name,
		BaseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Healthy reports the current health flag.
func (i *Instance) Healthy() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.healthy
}

// SetHealth records a probe outcome. Returns true when the flag flipped.
func (i *Instance) SetHealth(healthy bool, errMsg string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	changed := i.healthy != healthy
	i.healthy = healthy
	i.lastProbe = time.Now()
	i.lastError = errMsg
	return changed
}

// ObserveRequest updates the per-instance counters used for success-rate
// reporting on the status surface.
func (i *Instance) ObserveRequest(success bool) {
	i.requestCount.Add(1)
	if success {
		i.successCount.Add(1)
	}
}

// Status is the read-only view exposed by /status.
type Status struct {
	Name         models.InstanceName `json:"name"`
	BaseURL      string              `json:"url"`
	Healthy      bool                `json:"healthy"`
	LastProbe    time.Time           `json:"last_probe"`
	LastError    string              `json:"last_error,omitempty"`
	RequestCount int64               `json:"request_count"`
	SuccessCount int64               `json:"success_count"`
	SuccessRate  float64             `json:"success_rate"`
}

// Snapshot returns a consistent copy of the instance state.
func (i *Instance) Snapshot() Status {
	i.mu.RLock()
	healthy, probe, lastErr := i.healthy, i.lastProbe, i.lastError
	i.mu.RUnlock()

	requests := i.requestCount.Load()
	successes := i.successCount.Load()
	rate := 1.0
	if requests > 0 {
		rate = float64(successes) / float64(requests)
	}
	return Status{
		Name:         i.Name,
		BaseURL:      i.BaseURL,
		Healthy:      healthy,
		LastProbe:    probe,
		LastError:    lastErr,
		RequestCount: requests,
		SuccessCount: successes,
		SuccessRate:  rate,
	}
}

// Registry holds the fixed pair of instances.
type Registry struct {
	primary *Instance
	replica *Instance
}

// NewRegistry builds the pair from configuration.
func NewRegistry(primaryURL, replicaURL string) *Registry {
	return &Registry{
		primary: NewInstance(models.InstancePrimary, primaryURL),
		replica: NewInstance(models.InstanceReplica, replicaURL),
	}
}

// Get returns the instance by name, or nil for an unknown name.
func (r *Registry) Get(name models.InstanceName) *Instance {
	switch name {
	case models.InstancePrimary:
		return r.primary
	case models.InstanceReplica:
		return r.replica
	}
	return nil
}

// All returns both instances, primary first.
func (r *Registry) All() []*Instance {
	return []*Instance{r.primary, r.replica}
}

// Healthy returns the currently healthy subset, primary first. May be empty.
func (r *Registry) Healthy() []*Instance {
	out := make([]*Instance, 0, 2)
	for _, inst := range r.All() {
		if inst.Healthy() {
			out = append(out, inst)
		}
	}
	return out
}

// Snapshots returns the status view of both instances.
func (r *Registry) Snapshots() []Status {
	all := r.All()
	out := make([]Status, 0, len(all))
	for _, inst := range all {
		out = append(out, inst.Snapshot())
	}
	return out
}
