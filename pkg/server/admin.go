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

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jordigilh/vectorgate/pkg/backend"
	"github.com/jordigilh/vectorgate/pkg/mapping"
	"github.com/jordigilh/vectorgate/pkg/models"
	"github.com/jordigilh/vectorgate/pkg/txlog"
)

// handleStatus aggregates the operator's one-page view: per-instance health
// and counters, routing strategy, WAL backlog, memory, and the latest
// performance samples.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	out := map[string]any{
		"service":   "vectorgate",
		"instances": s.deps.Registry.Snapshots(),
		"strategy": map[string]any{
			"read_replica_ratio": s.cfg.ReadReplicaRatio,
			"write_target":       "primary-first",
			"delete":             "fan-out",
		},
	}

	walStatus := map[string]any{}
	if counts, err := s.deps.WAL.Counts(ctx); err == nil {
		walStatus["pending"] = counts.Pending
		walStatus["counts"] = counts
	} else {
		walStatus["error"] = "coordination database unreachable"
	}
	if backlog, err := s.deps.WAL.BacklogByTarget(ctx); err == nil {
		walStatus["backlog_by_target"] = backlog
	}
	out["wal"] = walStatus
	out["replayer"] = s.deps.Replayer.Status()

	if s.deps.Memory != nil {
		out["memory"] = map[string]any{
			"rss_bytes":   s.deps.Memory.RSS(),
			"limit_bytes": s.deps.Memory.LimitBytes(),
			"pressure":    s.deps.Memory.UnderPressure(),
		}
	}
	if s.deps.Perf != nil {
		samples, at := s.deps.Perf.Snapshot()
		out["performance"] = map[string]any{"samples": samples, "sampled_at": at}
	}

	s.writeJSON(w, http.StatusOK, out)
}

// staleWorkerAfter is how long a replayer may miss heartbeats before the
// admin surface reports it stale. Heartbeats arrive once per drain cycle.
const staleWorkerAfter = 2 * time.Minute

// handleWALStatus reports entry counts by status, backlog per target, the
// age of the oldest replayable entry, replayer activity, worker liveness,
// and the newest entries (bodies omitted). ?collection=<ref> adds the replay
// high-water mark per target for that collection.
func (s *Server) handleWALStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	counts, err := s.deps.WAL.Counts(ctx)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "coordination database unreachable")
		return
	}

	out := map[string]any{
		"counts":   counts,
		"replayer": s.deps.Replayer.Status(),
	}
	if backlog, err := s.deps.WAL.BacklogByTarget(ctx); err == nil {
		out["backlog_by_target"] = backlog
	}
	if oldest, ok, err := s.deps.WAL.OldestBacklog(ctx); err == nil && ok {
		out["oldest_backlog_age_seconds"] = time.Since(oldest).Seconds()
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	if entries, err := s.deps.WAL.Recent(ctx, limit); err == nil {
		out["entries"] = entries
	}

	if s.deps.SyncLog != nil {
		if stale, err := s.deps.SyncLog.StaleWorkers(ctx, time.Now().Add(-staleWorkerAfter)); err == nil {
			if stale == nil {
				stale = []string{}
			}
			out["stale_workers"] = stale
		}
		if coll := r.URL.Query().Get("collection"); coll != "" {
			marks := map[string]int64{}
			for _, inst := range s.deps.Registry.All() {
				if mark, err := s.deps.SyncLog.Watermark(ctx, coll, inst.Name); err == nil {
					marks[string(inst.Name)] = mark
				}
			}
			out["watermarks"] = map[string]any{"collection": coll, "by_target": marks}
		}
	}

	s.writeJSON(w, http.StatusOK, out)
}

type cleanupRequest struct {
	MaxAgeHours float64 `json:"max_age_hours"`
}

func (s *Server) decodeCleanup(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	var req cleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "body must be {\"max_age_hours\": number}")
		return time.Time{}, false
	}
	if req.MaxAgeHours <= 0 {
		s.writeError(w, http.StatusBadRequest, "max_age_hours must be positive")
		return time.Time{}, false
	}
	return time.Now().Add(-time.Duration(req.MaxAgeHours * float64(time.Hour))), true
}

func (s *Server) handleWALCleanup(w http.ResponseWriter, r *http.Request) {
	cutoff, ok := s.decodeCleanup(w, r)
	if !ok {
		return
	}
	removed, err := s.deps.WAL.Purge(r.Context(), cutoff)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "coordination database unreachable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

// handleReplayTrigger runs one replay cycle synchronously so an operator can
// force convergence without waiting for the next tick.
func (s *Server) handleReplayTrigger(w http.ResponseWriter, r *http.Request) {
	s.deps.Replayer.TriggerCycle(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]any{"triggered": true, "replayer": s.deps.Replayer.Status()})
}

func (s *Server) handleListMappings(w http.ResponseWriter, r *http.Request) {
	mappings, err := s.deps.Mappings.List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "coordination database unreachable")
		return
	}
	if mappings == nil {
		mappings = []models.CollectionMapping{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"mappings": mappings, "count": len(mappings)})
}

// handleDeleteMapping removes a mapping row, but only after both backends
// confirm the collection is gone. A backend that still holds the collection
// makes this a 409; a backend that cannot be asked makes it a 503. Orphaning
// live data behind a deleted mapping is the failure mode this guards.
func (s *Server) handleDeleteMapping(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")

	m, err := s.deps.Mappings.ResolveByName(ctx, name)
	if errors.Is(err, mapping.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "mapping not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "coordination database unreachable")
		return
	}

	for _, inst := range s.deps.Registry.All() {
		present, err := s.collectionPresent(r, inst, m)
		if err != nil {
			s.writeError(w, http.StatusServiceUnavailable,
				fmt.Sprintf("cannot verify collection absence on %s", inst.Name))
			return
		}
		if present {
			s.logger.Warn("mapping deletion rejected, collection still present",
				zap.String("name", name),
				zap.String("instance", string(inst.Name)))
			s.writeError(w, http.StatusConflict,
				fmt.Sprintf("collection still exists on %s", inst.Name))
			return
		}
	}

	if err := s.deps.Mappings.Delete(ctx, name); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "coordination database unreachable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deleted": name})
}

// collectionPresent asks one instance whether it still serves the mapped
// collection. 404 means absent; 2xx means present; anything else means the
// question went unanswered.
func (s *Server) collectionPresent(r *http.Request, inst *backend.Instance, m *models.CollectionMapping) (bool, error) {
	ref := m.Name
	if id, ok := m.IDOn(inst.Name); ok {
		ref = id
	}
	path := fmt.Sprintf("/api/v2/tenants/%s/databases/%s/collections/%s",
		s.cfg.DefaultTenant, s.cfg.DefaultDatabase, ref)

	resp, err := s.deps.Forwarder.Do(r.Context(), inst, &backend.Request{
		Method: http.MethodGet,
		Path:   path,
	})
	if err != nil {
		return false, err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.Success():
		return true, nil
	default:
		return false, fmt.Errorf("lookup returned %d", resp.StatusCode)
	}
}

func (s *Server) handleTxStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counts, err := s.deps.TxLog.Counts(ctx)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "coordination database unreachable")
		return
	}
	out := map[string]any{"counts": counts}
	if s.deps.Recoverer != nil {
		cutoff := time.Now().Add(-s.deps.Recoverer.StuckAfter())
		if stuck, err := s.deps.TxLog.StuckCount(ctx, cutoff); err == nil {
			out["stuck"] = stuck
			out["stuck_after"] = s.deps.Recoverer.StuckAfter().String()
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTxGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.TxLog.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, txlog.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "coordination database unreachable")
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// handleTxRecovery advances stuck transactions now. The manual trigger is
// the only path that re-examines ABANDONED records.
func (s *Server) handleTxRecovery(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Recoverer.Recover(r.Context(), true)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "recovery sweep failed")
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleTxCleanup(w http.ResponseWriter, r *http.Request) {
	cutoff, ok := s.decodeCleanup(w, r)
	if !ok {
		return
	}
	removed, err := s.deps.TxLog.Cleanup(r.Context(), cutoff)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "coordination database unreachable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}
