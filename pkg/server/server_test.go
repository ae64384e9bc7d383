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
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"go.uber.org/zap"

	"github.com/jordigilh/vectorgate/pkg/alerting"
	"github.com/jordigilh/vectorgate/pkg/backend"
	"github.com/jordigilh/vectorgate/pkg/mapping"
	"github.com/jordigilh/vectorgate/pkg/metrics"
	"github.com/jordigilh/vectorgate/pkg/router"
	"github.com/jordigilh/vectorgate/pkg/txlog"
	"github.com/jordigilh/vectorgate/pkg/wal"
)

func TestServer(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Server Suite")
}

type dbStub struct{ healthy bool }

func (d *dbStub) Healthy(context.Context) bool { return d.healthy }

type memStub struct{ pressure bool }

func (m *memStub) RSS() uint64         { return 128 << 20 }
func (m *memStub) LimitBytes() uint64  { return 1 << 30 }
func (m *memStub) UnderPressure() bool { return m.pressure }

const (
	primaryID = "11111111-1111-1111-1111-111111111111"
	replicaID = "22222222-2222-2222-2222-222222222222"
)

var mappingColumns = []string{
	"name", "primary_collection_id", "replica_collection_id",
	"collection_config", "created_at", "updated_at",
}

func mappingRow(name string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(mappingColumns).
		AddRow(name,
			sql.NullString{String: primaryID, Valid: true},
			sql.NullString{String: replicaID, Valid: true},
			[]byte(`{"name":"`+name+`"}`), now, now)
}

var _ = Describe("Server", func() {
	var (
		primary *ghttp.Server
		replica *ghttp.Server
		mock    sqlmock.Sqlmock
		db      *dbStub
		srv     *Server
		handler http.Handler
	)

	BeforeEach(func() {
		primary = ghttp.NewServer()
		replica = ghttp.NewServer()

		raw, m, err := sqlmock.New()
		Expect(err).NotTo(HaveOccurred())
		mock = m
		sdb := sqlx.NewDb(raw, "pgx")

		logger := zap.NewNop()
		notifier := alerting.NewNotifier("", logger)
		registry := backend.NewRegistry(primary.URL(), replica.URL())
		forwarder, err := backend.NewForwarder(backend.ForwarderConfig{MaxWorkers: 2}, metrics.New("test"), logger)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(forwarder.Close)

		mappings := mapping.NewStore(sdb, metrics.New("test"), logger)
		walStore := wal.NewStore(sdb, 3, metrics.New("test"), notifier, logger)
		syncLog := wal.NewSyncLog(sdb)
		txLog := txlog.NewLog(sdb, 3, metrics.New("test"), logger)
		recoverer := txlog.NewRecoverer(txLog, walStore, nil, 5*time.Minute, 10*time.Minute, metrics.New("test"), notifier, logger)
		replayer := wal.NewReplayer(wal.ReplayerConfig{}, wal.ReplayerDeps{
			Store:     walStore,
			SyncLog:   syncLog,
			Rewriter:  mappings,
			Registry:  registry,
			Forwarder: forwarder,
			Metrics:   metrics.New("test"),
			Logger:    logger,
		})
		rt := router.New(router.Config{}, router.Deps{
			Registry:  registry,
			Forwarder: forwarder,
			Mappings:  mappings,
			WAL:       walStore,
			TxLog:     txLog,
			Metrics:   metrics.New("test"),
			Logger:    logger,
		})

		db = &dbStub{healthy: true}
		srv = New(Config{
			Port:            0,
			DefaultTenant:   "default_tenant",
			DefaultDatabase: "default_database",
		}, Deps{
			Router:    rt,
			Registry:  registry,
			Forwarder: forwarder,
			Mappings:  mappings,
			WAL:       walStore,
			SyncLog:   syncLog,
			Replayer:  replayer,
			TxLog:     txLog,
			Recoverer: recoverer,
			DB:        db,
			Memory:    &memStub{},
			Metrics:   metrics.New("test"),
			Logger:    logger,
		})
		handler = srv.Handler()
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
		primary.Close()
		replica.Close()
	})

	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	Describe("probes", func() {
		It("always answers liveness", func() {
			Expect(do(http.MethodGet, "/health", "").Code).To(Equal(http.StatusOK))
			Expect(do(http.MethodGet, "/health/live", "").Code).To(Equal(http.StatusOK))
		})

		It("is ready while the coordination database is reachable", func() {
			Expect(do(http.MethodGet, "/health/ready", "").Code).To(Equal(http.StatusOK))
		})

		It("fails readiness when the coordination database is unreachable", func() {
			db.healthy = false
			Expect(do(http.MethodGet, "/health/ready", "").Code).To(Equal(http.StatusServiceUnavailable))
		})

		It("fails readiness the moment shutdown begins", func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			Expect(srv.Shutdown(ctx)).To(Succeed())
			Expect(do(http.MethodGet, "/health/ready", "").Code).To(Equal(http.StatusServiceUnavailable))
		})

		It("serves prometheus metrics", func() {
			Expect(do(http.MethodGet, "/metrics", "").Code).To(Equal(http.StatusOK))
		})
	})

	Describe("wal surface", func() {
		It("reports counts, backlog and recent entries", func() {
			mock.ExpectQuery("FROM unified_wal_writes").
				WillReturnRows(sqlmock.NewRows([]string{"pending", "executed", "synced", "failed", "abandoned"}).
					AddRow(2, 0, 9, 1, 0))
			mock.ExpectQuery("FROM unified_wal_writes").
				WillReturnRows(sqlmock.NewRows([]string{"target_instance", "n"}).AddRow("replica", 3))
			mock.ExpectQuery("FROM unified_wal_writes").
				WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(time.Now().Add(-time.Minute)))
			mock.ExpectQuery("FROM unified_wal_writes").
				WillReturnRows(sqlmock.NewRows([]string{"write_id"}))
			mock.ExpectQuery("FROM sync_workers").
				WillReturnRows(sqlmock.NewRows([]string{"worker_id"}).AddRow("worker-dead"))

			rec := do(http.MethodGet, "/wal/status", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring(`"pending":2`))
			Expect(rec.Body.String()).To(ContainSubstring("backlog_by_target"))
			Expect(rec.Body.String()).To(ContainSubstring(`"stale_workers":["worker-dead"]`))
		})

		It("reports per-target replay watermarks for a collection", func() {
			mock.ExpectQuery("FROM unified_wal_writes").
				WillReturnRows(sqlmock.NewRows([]string{"pending", "executed", "synced", "failed", "abandoned"}).
					AddRow(0, 0, 4, 0, 0))
			mock.ExpectQuery("FROM unified_wal_writes").
				WillReturnRows(sqlmock.NewRows([]string{"target_instance", "n"}))
			mock.ExpectQuery("FROM unified_wal_writes").
				WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(nil))
			mock.ExpectQuery("FROM unified_wal_writes").
				WillReturnRows(sqlmock.NewRows([]string{"write_id"}))
			mock.ExpectQuery("FROM sync_workers").
				WillReturnRows(sqlmock.NewRows([]string{"worker_id"}))
			mock.ExpectQuery("FROM sync_collections").
				WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(17)))
			mock.ExpectQuery("FROM sync_collections").
				WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(12)))

			rec := do(http.MethodGet, "/wal/status?collection=docs", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring(`"collection":"docs"`))
			Expect(rec.Body.String()).To(ContainSubstring(`"primary":17`))
			Expect(rec.Body.String()).To(ContainSubstring(`"replica":12`))
		})

		It("answers 503 when the backlog cannot be counted", func() {
			mock.ExpectQuery("FROM unified_wal_writes").
				WillReturnError(context.DeadlineExceeded)

			Expect(do(http.MethodGet, "/wal/status", "").Code).To(Equal(http.StatusServiceUnavailable))
		})

		It("purges terminal entries older than the requested age", func() {
			mock.ExpectExec("DELETE FROM unified_wal_writes").
				WillReturnResult(sqlmock.NewResult(0, 7))

			rec := do(http.MethodPost, "/wal/cleanup", `{"max_age_hours": 24}`)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring(`"removed":7`))
		})

		It("rejects a cleanup request without a positive age", func() {
			Expect(do(http.MethodPost, "/wal/cleanup", `{"max_age_hours": 0}`).Code).To(Equal(http.StatusBadRequest))
			Expect(do(http.MethodPost, "/wal/cleanup", `nope`).Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("mapping surface", func() {
		It("lists mappings", func() {
			mock.ExpectQuery("FROM collection_id_mapping").
				WillReturnRows(mappingRow("docs"))

			rec := do(http.MethodGet, "/collection/mappings/", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring(`"count":1`))
			Expect(rec.Body.String()).To(ContainSubstring("docs"))
		})

		It("404s deletion of an unknown mapping", func() {
			mock.ExpectQuery("FROM collection_id_mapping WHERE name").
				WillReturnError(sql.ErrNoRows)

			Expect(do(http.MethodDelete, "/collection/mappings/ghost", "").Code).To(Equal(http.StatusNotFound))
		})

		It("refuses deletion while a backend still holds the collection", func() {
			mock.ExpectQuery("FROM collection_id_mapping WHERE name").
				WillReturnRows(mappingRow("docs"))
			primary.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodGet, "/api/v2/tenants/default_tenant/databases/default_database/collections/"+primaryID),
				ghttp.RespondWith(http.StatusOK, `{"id":"`+primaryID+`","name":"docs"}`),
			))

			rec := do(http.MethodDelete, "/collection/mappings/docs", "")
			Expect(rec.Code).To(Equal(http.StatusConflict))
			Expect(rec.Body.String()).To(ContainSubstring("still exists"))
		})

		It("deletes a mapping once both backends confirm absence", func() {
			mock.ExpectQuery("FROM collection_id_mapping WHERE name").
				WillReturnRows(mappingRow("docs"))
			primary.AppendHandlers(ghttp.RespondWith(http.StatusNotFound, ""))
			replica.AppendHandlers(ghttp.RespondWith(http.StatusNotFound, ""))
			mock.ExpectExec("DELETE FROM collection_id_mapping").
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectQuery("count").
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

			rec := do(http.MethodDelete, "/collection/mappings/docs", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring(`"deleted":"docs"`))
		})

		It("answers 503 when absence cannot be verified", func() {
			mock.ExpectQuery("FROM collection_id_mapping WHERE name").
				WillReturnRows(mappingRow("docs"))
			primary.AppendHandlers(ghttp.RespondWith(http.StatusInternalServerError, "boom"))

			Expect(do(http.MethodDelete, "/collection/mappings/docs", "").Code).To(Equal(http.StatusServiceUnavailable))
		})
	})

	Describe("transaction safety surface", func() {
		It("reports counts and the stuck backlog", func() {
			mock.ExpectQuery("FROM emergency_transaction_log").
				WillReturnRows(sqlmock.NewRows([]string{"attempting", "completed", "failed", "abandoned", "recovered"}).
					AddRow(1, 40, 2, 0, 3))
			mock.ExpectQuery("FROM emergency_transaction_log").
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

			rec := do(http.MethodGet, "/transaction/safety/status", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring(`"stuck":1`))
		})

		It("404s an unknown transaction id", func() {
			mock.ExpectQuery("FROM emergency_transaction_log").
				WillReturnError(sql.ErrNoRows)

			Expect(do(http.MethodGet, "/transaction/safety/transaction/ghost", "").Code).To(Equal(http.StatusNotFound))
		})

		It("runs a recovery sweep on demand", func() {
			mock.ExpectQuery("FROM emergency_transaction_log").
				WillReturnRows(sqlmock.NewRows([]string{
					"transaction_id", "method", "path", "status", "operation_type",
					"client_session", "attempted_at", "completed_at", "failure_reason",
					"retry_count", "max_retries",
				}))

			rec := do(http.MethodPost, "/transaction/safety/recovery/trigger", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring(`"checked":0`))
		})

		It("cleans terminal records on request", func() {
			mock.ExpectExec("DELETE FROM emergency_transaction_log").
				WillReturnResult(sqlmock.NewResult(0, 11))

			rec := do(http.MethodPost, "/transaction/safety/cleanup", `{"max_age_hours": 48}`)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring(`"removed":11`))
		})
	})

	Describe("status", func() {
		It("aggregates instance, wal, replayer and memory state", func() {
			mock.ExpectQuery("FROM unified_wal_writes").
				WillReturnRows(sqlmock.NewRows([]string{"pending", "executed", "synced", "failed", "abandoned"}).
					AddRow(0, 0, 5, 0, 0))
			mock.ExpectQuery("FROM unified_wal_writes").
				WillReturnRows(sqlmock.NewRows([]string{"target_instance", "n"}))

			rec := do(http.MethodGet, "/status", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			body := rec.Body.String()
			Expect(body).To(ContainSubstring("vectorgate"))
			Expect(body).To(ContainSubstring("read_replica_ratio"))
			Expect(body).To(ContainSubstring("rss_bytes"))
			Expect(body).To(ContainSubstring("worker_id"))
		})
	})
})
