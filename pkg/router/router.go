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

// Package router is the data-plane entry point. Every client request is
// classified, path-normalized, identifier-rewritten, durably queued for the
// instance that is not receiving it directly, and forwarded. Reads never
// touch the WAL; writes are never forwarded before their WAL append.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jordigilh/vectorgate/pkg/autocreator"
	"github.com/jordigilh/vectorgate/pkg/backend"
	"github.com/jordigilh/vectorgate/pkg/mapping"
	"github.com/jordigilh/vectorgate/pkg/metrics"
	"github.com/jordigilh/vectorgate/pkg/models"
	"github.com/jordigilh/vectorgate/pkg/txlog"
	"github.com/jordigilh/vectorgate/pkg/wal"
)

var errBodyTooLarge = errors.New("request body exceeds memory limit")

// MemoryGuard reports process memory pressure. Satisfied by
// *memwatch.Watcher.
type MemoryGuard interface {
	UnderPressure() bool
}

// Config tunes routing policy.
type Config struct {
	// ReadReplicaRatio is the share of reads sent to the replica when both
	// instances are healthy, in [0,1].
	ReadReplicaRatio float64
	// DefaultTenant and DefaultDatabase complete legacy paths.
	DefaultTenant   string
	DefaultDatabase string
	// MaxBodyBytes rejects request bodies at or above this size before they
	// are buffered. Zero disables the check.
	MaxBodyBytes int64
	// TransportRetries bounds in-request retries of transport failures for
	// writes and DELETE fan-out attempts. Default: 2.
	TransportRetries uint64
}

// Deps wires the router's collaborators. Memory is optional.
type Deps struct {
	Registry  *backend.Registry
	Forwarder *backend.Forwarder
	Mappings  *mapping.Store
	WAL       *wal.Store
	TxLog     *txlog.Log
	Creator   *autocreator.Creator
	Memory    MemoryGuard
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Router fans requests out to the two instances according to the policy in
// spec'd order: classify, normalize, select, rewrite, log, queue, forward,
// record, trigger.
type Router struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	readCounter atomic.Uint64
	draining    atomic.Bool
}

// New builds the router.
func New(cfg Config, deps Deps) *Router {
	if cfg.TransportRetries == 0 {
		cfg.TransportRetries = 2
	}
	return &Router{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.Named("router"),
	}
}

// Handler returns the catch-all data-plane handler.
func (rt *Router) Handler() http.Handler {
	return http.HandlerFunc(rt.handle)
}

// SetDraining flips write admission. While draining, new writes are refused
// so the WAL and safety log quiesce before shutdown; reads keep flowing.
func (rt *Router) SetDraining(draining bool) {
	rt.draining.Store(draining)
}

func (rt *Router) handle(w http.ResponseWriter, r *http.Request) {
	path := NormalizePath(r.URL.Path, rt.cfg.DefaultTenant, rt.cfg.DefaultDatabase)
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}
	op := Classify(r.Method, path)

	body, err := rt.readBody(w, r)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			rt.refuseWrite(w, r, op, path, "body_too_large",
				"request body exceeds the configured memory limit")
			return
		}
		rt.writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	if op == models.OpRead {
		rt.serveRead(w, r, path, body)
		return
	}

	if rt.draining.Load() {
		rt.refuseWrite(w, r, op, path, "draining", "shutting down, write refused")
		return
	}
	if rt.deps.Memory != nil && rt.deps.Memory.UnderPressure() {
		rt.refuseWrite(w, r, op, path, "memory_pressure",
			"memory pressure, write refused")
		return
	}

	if op == models.OpWriteDelete {
		rt.serveDelete(w, r, path, body)
		return
	}
	rt.serveWrite(w, r, op, path, body)
}

// serveRead forwards to one healthy instance, failing over to the other
// exactly once on transport errors or 5xx. Reads never write to the WAL and
// keep flowing on a degraded coordination database.
func (rt *Router) serveRead(w http.ResponseWriter, r *http.Request, path string, body []byte) {
	ctx := r.Context()
	inst := rt.pickRead()
	if inst == nil {
		rt.writeError(w, http.StatusServiceUnavailable, "no healthy instances")
		return
	}

	resp, err := rt.deps.Forwarder.Do(ctx, inst, rt.outbound(r, rt.rewriteOrOriginal(ctx, path, inst.Name), body))
	if err == nil && !resp.ServerError() {
		rt.writeBackendResponse(w, resp)
		return
	}

	if other := rt.deps.Registry.Get(inst.Name.Other()); other != nil && other.Healthy() {
		rt.deps.Metrics.ReadFailovers.Inc()
		rt.logger.Debug("read failover",
			zap.String("from", string(inst.Name)),
			zap.String("to", string(other.Name)),
			zap.String("path", path))
		if resp2, err2 := rt.deps.Forwarder.Do(ctx, other, rt.outbound(r, rt.rewriteOrOriginal(ctx, path, other.Name), body)); err2 == nil && !resp2.ServerError() {
			rt.writeBackendResponse(w, resp2)
			return
		}
	}

	// Both attempts failed; surface the original outcome.
	if err != nil {
		rt.writeError(w, http.StatusBadGateway, "upstream read failed")
		return
	}
	rt.writeBackendResponse(w, resp)
}

// serveWrite handles create and data writes: one immediate target, a WAL
// entry for the deferred target appended before the forward.
func (rt *Router) serveWrite(w http.ResponseWriter, r *http.Request, op models.OperationType, path string, body []byte) {
	ctx := r.Context()
	started := time.Now()

	immediate := rt.pickWrite()
	if immediate == nil {
		rt.refuseWrite(w, r, op, path, "no_healthy_instances", "no healthy instances")
		return
	}
	deferred := immediate.Name.Other()

	txID, err := rt.deps.TxLog.Begin(ctx, r.Method, path, op, clientSession(r))
	if err != nil {
		rt.logger.Error("begin transaction record", zap.Error(err))
		rt.refuseWrite(w, r, op, path, "database_unavailable", "coordination database unavailable")
		return
	}
	w.Header().Set("X-Transaction-ID", txID)

	collRef := collectionIdentifier(op, path, body)

	fwdPath := path
	unmapped := false
	switch rewritten, rerr := rt.deps.Mappings.RewritePath(ctx, path, immediate.Name); {
	case rerr == nil:
		fwdPath = rewritten
	case errors.Is(rerr, mapping.ErrUnmapped):
		unmapped = true // fall through with the original path
	default:
		rt.failTx(ctx, txID, "coordination database unavailable")
		rt.refuseWrite(w, r, op, path, "database_unavailable", "coordination database unavailable")
		return
	}

	// WAL before forward: a crash after this point costs at worst a
	// duplicate delivery, never a lost write.
	deferredID, err := rt.deps.WAL.Append(ctx, wal.AppendInput{
		Method:               r.Method,
		Path:                 path,
		Payload:              body,
		Headers:              replayHeaders(r),
		TargetInstance:       deferred,
		CollectionIdentifier: collRef,
	})
	if err != nil {
		rt.logger.Error("append deferred wal entry", zap.Error(err))
		rt.failTx(ctx, txID, "wal append failed")
		rt.refuseWrite(w, r, op, path, "database_unavailable", "coordination database unavailable")
		return
	}

	// An unmapped identifier could belong to either side; queue for both and
	// reconcile once the immediate outcome is known.
	var immediateID int64
	if unmapped {
		immediateID, err = rt.deps.WAL.Append(ctx, wal.AppendInput{
			Method:               r.Method,
			Path:                 path,
			Payload:              body,
			Headers:              replayHeaders(r),
			TargetInstance:       immediate.Name,
			CollectionIdentifier: collRef,
		})
		if err != nil {
			rt.logger.Error("append immediate wal entry", zap.Error(err))
			rt.failTx(ctx, txID, "wal append failed")
			rt.refuseWrite(w, r, op, path, "database_unavailable", "coordination database unavailable")
			return
		}
	}

	resp, err := rt.deps.Forwarder.DoWithRetry(ctx, immediate, rt.outbound(r, fwdPath, body), rt.cfg.TransportRetries)

	// Outcome bookkeeping survives client disconnects.
	bctx, cancel := detached(ctx, 10*time.Second)
	defer cancel()

	if err != nil {
		if immediateID == 0 {
			if _, aerr := rt.deps.WAL.Append(bctx, wal.AppendInput{
				Method:               r.Method,
				Path:                 path,
				Payload:              body,
				Headers:              replayHeaders(r),
				TargetInstance:       immediate.Name,
				CollectionIdentifier: collRef,
			}); aerr != nil {
				rt.logger.Error("append immediate wal entry after forward failure", zap.Error(aerr))
			}
		}
		rt.failTx(bctx, txID, "forward failed: "+err.Error())
		rt.logger.Warn("write forward failed, queued for replay",
			zap.String("method", r.Method),
			zap.String("path", path),
			zap.String("immediate", string(immediate.Name)),
			zap.String("transaction_id", txID),
			zap.Error(err))
		rt.writeError(w, http.StatusBadGateway, "upstream write failed, queued for replay")
		return
	}

	switch {
	case resp.Success():
		if cerr := rt.deps.TxLog.Complete(bctx, txID); cerr != nil {
			rt.logger.Error("complete transaction record", zap.Error(cerr))
		}
		if unmapped && immediateID != 0 {
			// The write landed on the immediate target after all; replaying
			// it there would duplicate data.
			if derr := rt.deps.WAL.Discard(bctx, immediateID); derr != nil {
				rt.logger.Error("discard landed wal entry", zap.Error(derr))
			}
		}
		if op == models.OpWriteCreate {
			go rt.deps.Creator.TriggerFromCreation(bctx, immediate.Name, path, body, resp.Body)
		}
		rt.logger.Debug("write forwarded",
			zap.String("method", r.Method),
			zap.String("path", path),
			zap.String("immediate", string(immediate.Name)),
			zap.Int("status", resp.StatusCode),
			zap.Duration("elapsed", time.Since(started)))
		rt.writeBackendResponse(w, resp)

	case resp.ServerError():
		if immediateID == 0 {
			if _, aerr := rt.deps.WAL.Append(bctx, wal.AppendInput{
				Method:               r.Method,
				Path:                 path,
				Payload:              body,
				Headers:              replayHeaders(r),
				TargetInstance:       immediate.Name,
				CollectionIdentifier: collRef,
			}); aerr != nil {
				rt.logger.Error("append immediate wal entry after backend 5xx", zap.Error(aerr))
			}
		}
		rt.failTx(bctx, txID, fmt.Sprintf("backend returned %d", resp.StatusCode))
		rt.logger.Warn("backend rejected write with server error",
			zap.String("method", r.Method),
			zap.String("path", path),
			zap.String("immediate", string(immediate.Name)),
			zap.Int("status", resp.StatusCode),
			zap.String("transaction_id", txID))
		rt.writeError(w, http.StatusBadGateway, "backend write failed, queued for replay")

	default:
		// Definitive client-error rejection: the other instance would reject
		// it identically, so the queued entries must not replay.
		rt.failTx(bctx, txID, fmt.Sprintf("backend rejected write: %d", resp.StatusCode))
		discard := []int64{deferredID}
		if immediateID != 0 {
			discard = append(discard, immediateID)
		}
		if derr := rt.deps.WAL.Discard(bctx, discard...); derr != nil {
			rt.logger.Error("discard rejected wal entries", zap.Error(derr))
		}
		rt.writeBackendResponse(w, resp)
	}
}

// serveDelete fans the DELETE out to every healthy instance in parallel and
// queues a WAL entry for every unhealthy one. 404 counts as success; a
// healthy instance that fails its attempt gets a WAL entry so it still
// converges.
func (rt *Router) serveDelete(w http.ResponseWriter, r *http.Request, path string, body []byte) {
	ctx := r.Context()

	txID, err := rt.deps.TxLog.Begin(ctx, r.Method, path, models.OpWriteDelete, clientSession(r))
	if err != nil {
		rt.logger.Error("begin transaction record", zap.Error(err))
		rt.refuseWrite(w, r, models.OpWriteDelete, path, "database_unavailable", "coordination database unavailable")
		return
	}
	w.Header().Set("X-Transaction-ID", txID)

	collRef, _ := mapping.CollectionRef(path)

	var healthy []*backend.Instance
	deferredCount := 0
	for _, inst := range rt.deps.Registry.All() {
		if inst.Healthy() {
			healthy = append(healthy, inst)
			continue
		}
		deferredCount++
		if _, aerr := rt.deps.WAL.Append(ctx, wal.AppendInput{
			Method:               r.Method,
			Path:                 path,
			Payload:              body,
			Headers:              replayHeaders(r),
			TargetInstance:       inst.Name,
			CollectionIdentifier: collRef,
		}); aerr != nil {
			rt.logger.Error("append deferred delete", zap.Error(aerr))
			rt.failTx(ctx, txID, "wal append failed")
			rt.refuseWrite(w, r, models.OpWriteDelete, path, "database_unavailable", "coordination database unavailable")
			return
		}
	}

	if len(healthy) == 0 {
		rt.failTx(ctx, txID, "no healthy instances, delete deferred")
		rt.writeError(w, http.StatusServiceUnavailable, "no healthy instances, delete queued for replay")
		return
	}

	attempts := make([]deleteAttempt, len(healthy))
	var wg sync.WaitGroup
	for i, inst := range healthy {
		i, inst := i, inst
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, ferr := rt.deps.Forwarder.DoWithRetry(ctx, inst,
				rt.outbound(r, rt.rewriteOrOriginal(ctx, path, inst.Name), body), rt.cfg.TransportRetries)
			attempts[i] = deleteAttempt{inst: inst, resp: resp, err: ferr}
		}()
	}
	wg.Wait()

	bctx, cancel := detached(ctx, 10*time.Second)
	defer cancel()

	var firstOK *backend.Response
	succeeded := 0
	for _, a := range attempts {
		ok := a.err == nil && (a.resp.Success() || a.resp.StatusCode == http.StatusNotFound)
		if ok {
			succeeded++
			if firstOK == nil && a.resp.Success() {
				firstOK = a.resp
			}
			rt.deps.Metrics.DeleteFanouts.WithLabelValues("success").Inc()
			continue
		}
		rt.deps.Metrics.DeleteFanouts.WithLabelValues("failure").Inc()
		// The failed instance is missing the delete; queue it.
		if _, aerr := rt.deps.WAL.Append(bctx, wal.AppendInput{
			Method:               r.Method,
			Path:                 path,
			Payload:              body,
			Headers:              replayHeaders(r),
			TargetInstance:       a.inst.Name,
			CollectionIdentifier: collRef,
		}); aerr != nil {
			rt.logger.Error("append delete retry entry", zap.Error(aerr))
		}
	}

	switch {
	case succeeded == len(healthy):
		if cerr := rt.deps.TxLog.Complete(bctx, txID); cerr != nil {
			rt.logger.Error("complete transaction record", zap.Error(cerr))
		}
		if deferredCount == 0 && collRef != "" && isCollectionLevelDelete(r.Method, path) {
			if derr := rt.deps.Mappings.DeleteByRef(bctx, collRef); derr != nil {
				rt.logger.Error("delete mapping after collection delete", zap.Error(derr))
			}
		}
		if firstOK != nil {
			rt.writeBackendResponse(w, firstOK)
			return
		}
		// Every success was a 404: the collection was already gone, which a
		// deleting client must still see as success.
		rt.writeJSON(w, http.StatusOK, map[string]any{"success": true, "detail": "already deleted"})

	case succeeded > 0:
		if cerr := rt.deps.TxLog.Complete(bctx, txID); cerr != nil {
			rt.logger.Error("complete transaction record", zap.Error(cerr))
		}
		rt.writeJSON(w, http.StatusMultiStatus, rt.deleteSummary(attempts))

	default:
		rt.failTx(bctx, txID, "delete failed on every healthy instance")
		rt.logger.Warn("delete failed on every healthy instance",
			zap.String("path", path),
			zap.String("transaction_id", txID))
		rt.writeError(w, http.StatusServiceUnavailable, "delete failed on all instances, queued for replay")
	}
}

// deleteAttempt records one instance's outcome during a DELETE fan-out.
type deleteAttempt struct {
	inst *backend.Instance
	resp *backend.Response
	err  error
}

func (rt *Router) deleteSummary(attempts []deleteAttempt) map[string]any {
	results := make([]map[string]any, 0, len(attempts))
	for _, a := range attempts {
		entry := map[string]any{"instance": string(a.inst.Name)}
		switch {
		case a.err != nil:
			entry["error"] = "unreachable"
		case a.resp.Success() || a.resp.StatusCode == http.StatusNotFound:
			entry["status"] = a.resp.StatusCode
			entry["success"] = true
		default:
			entry["status"] = a.resp.StatusCode
			entry["success"] = false
		}
		results = append(results, entry)
	}
	return map[string]any{"results": results}
}

// pickRead chooses the read target: the replica for ReadReplicaRatio of
// requests when both instances are healthy, the sole healthy instance
// otherwise.
func (rt *Router) pickRead() *backend.Instance {
	healthy := rt.deps.Registry.Healthy()
	switch len(healthy) {
	case 0:
		return nil
	case 1:
		return healthy[0]
	}
	n := rt.readCounter.Add(1)
	if n%100 < uint64(rt.cfg.ReadReplicaRatio*100) {
		return rt.deps.Registry.Get(models.InstanceReplica)
	}
	return rt.deps.Registry.Get(models.InstancePrimary)
}

// pickWrite prefers the primary; the replica only takes immediate writes
// while the primary is down.
func (rt *Router) pickWrite() *backend.Instance {
	for _, inst := range rt.deps.Registry.All() {
		if inst.Healthy() {
			return inst
		}
	}
	return nil
}

// rewriteOrOriginal rewrites the path for the target, falling back to the
// original on unmapped identifiers (the backend will answer 404) and on
// coordination database errors (reads must keep flowing).
func (rt *Router) rewriteOrOriginal(ctx context.Context, path string, target models.InstanceName) string {
	rewritten, err := rt.deps.Mappings.RewritePath(ctx, path, target)
	if err != nil {
		if !errors.Is(err, mapping.ErrUnmapped) {
			rt.logger.Debug("path rewrite degraded", zap.String("path", path), zap.Error(err))
		}
		return path
	}
	return rewritten
}

func (rt *Router) outbound(r *http.Request, path string, body []byte) *backend.Request {
	return &backend.Request{
		Method:  r.Method,
		Path:    path,
		Body:    body,
		Headers: forwardHeaders(r),
	}
}

func (rt *Router) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	if rt.cfg.MaxBodyBytes > 0 {
		if r.ContentLength >= rt.cfg.MaxBodyBytes {
			return nil, errBodyTooLarge
		}
		r.Body = http.MaxBytesReader(w, r.Body, rt.cfg.MaxBodyBytes)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, errBodyTooLarge
		}
		return nil, err
	}
	return body, nil
}

// refuseWrite rejects a write before any forwarding, audits the refusal in
// the safety log, and tells the client when to come back.
func (rt *Router) refuseWrite(w http.ResponseWriter, r *http.Request, op models.OperationType, path, reason, msg string) {
	if op == models.OpRead {
		// Oversized read bodies are refused without write bookkeeping.
		rt.writeError(w, http.StatusServiceUnavailable, msg)
		return
	}
	rt.deps.Metrics.WritesRefused.WithLabelValues(reason).Inc()

	bctx, cancel := detached(r.Context(), 5*time.Second)
	defer cancel()
	if id, err := rt.deps.TxLog.RecordRefusal(bctx, r.Method, path, op, clientSession(r), reason); err == nil {
		w.Header().Set("X-Transaction-ID", id)
	} else {
		rt.logger.Debug("record refused write", zap.Error(err))
	}

	w.Header().Set("Retry-After", "30")
	rt.writeError(w, http.StatusServiceUnavailable, msg)
	rt.logger.Warn("write refused",
		zap.String("method", r.Method),
		zap.String("path", path),
		zap.String("reason", reason))
}

func (rt *Router) failTx(ctx context.Context, txID, reason string) {
	if err := rt.deps.TxLog.Fail(ctx, txID, reason); err != nil {
		rt.logger.Error("fail transaction record",
			zap.String("transaction_id", txID),
			zap.Error(err))
	}
}

var passthroughResponseHeaders = []string{
	"Content-Type",
	"Content-Encoding",
	"Cache-Control",
	"ETag",
	"Last-Modified",
}

func (rt *Router) writeBackendResponse(w http.ResponseWriter, resp *backend.Response) {
	for _, h := range passthroughResponseHeaders {
		if v := resp.Headers.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		rt.logger.Debug("write response body", zap.Error(err))
	}
}

func (rt *Router) writeError(w http.ResponseWriter, status int, msg string) {
	rt.writeJSON(w, status, map[string]string{"error": msg})
}

func (rt *Router) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		rt.logger.Debug("encode response", zap.Error(err))
	}
}

// forwardHeaders is the request-header subset passed to the backends.
func forwardHeaders(r *http.Request) map[string]string {
	out := map[string]string{}
	for _, h := range []string{"Content-Type", "Authorization", "Accept", "X-Request-Id", "X-Chroma-Token"} {
		if v := r.Header.Get(h); v != "" {
			out[h] = v
		}
	}
	return out
}

// replayHeaders is the smaller subset a WAL entry needs to replay.
func replayHeaders(r *http.Request) map[string]string {
	out := map[string]string{}
	for _, h := range []string{"Content-Type", "Authorization"} {
		if v := r.Header.Get(h); v != "" {
			out[h] = v
		}
	}
	return out
}

func clientSession(r *http.Request) string {
	if s := r.Header.Get("X-Client-Session"); s != "" {
		return s
	}
	return r.RemoteAddr
}

// collectionIdentifier extracts the WAL grouping key: the name from the
// payload for creations, the path reference otherwise.
func collectionIdentifier(op models.OperationType, path string, body []byte) string {
	if op == models.OpWriteCreate {
		var parsed struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(body, &parsed); err == nil && parsed.Name != "" {
			return parsed.Name
		}
		return ""
	}
	ref, _ := mapping.CollectionRef(path)
	return ref
}

func detached(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}
