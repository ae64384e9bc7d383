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

package wal

import (
	"context"
	"database/sql/driver"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/jordigilh/vectorgate/pkg/alerting"
	"github.com/jordigilh/vectorgate/pkg/metrics"
	"github.com/jordigilh/vectorgate/pkg/models"
)

func TestWAL(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "WAL Suite")
}

// recordingNotifier captures alerts for assertions.
type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *recordingNotifier) Notify(_ context.Context, _ alerting.Severity, title, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
}

func (n *recordingNotifier) Titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.titles...)
}

var walColumns = []string{
	"write_id", "method", "path", "payload", "headers", "target_instance",
	"collection_identifier", "status", "retry_count", "max_retries",
	"error_message", "created_at", "updated_at", "timestamp",
}

func walRow(id int64, method, path, target, collection, status string) []driver.Value {
	now := time.Now()
	return []driver.Value{
		id, method, path, []byte(`{}`), []byte(`{}`), target,
		collection, status, 0, 3, nil, now, now, now,
	}
}

var _ = Describe("Store", func() {
	var (
		store    *Store
		mock     sqlmock.Sqlmock
		notifier *recordingNotifier
		ctx      context.Context
	)

	BeforeEach(func() {
		raw, m, err := sqlmock.New()
		Expect(err).NotTo(HaveOccurred())
		mock = m
		notifier = &recordingNotifier{}
		store = NewStore(sqlx.NewDb(raw, "pgx"), 3, metrics.New("test"), notifier, zap.NewNop())
		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	Describe("Append", func() {
		It("returns the database-assigned write_id", func() {
			mock.ExpectQuery("INSERT INTO unified_wal_writes").
				WillReturnRows(sqlmock.NewRows([]string{"write_id"}).AddRow(int64(42)))

			id, err := store.Append(ctx, AppendInput{
				Method:               "POST",
				Path:                 "/api/v2/tenants/t/databases/d/collections/docs/add",
				Payload:              []byte(`{"ids":["1"]}`),
				Headers:              map[string]string{"Content-Type": "application/json"},
				TargetInstance:       models.InstanceReplica,
				CollectionIdentifier: "docs",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal(int64(42)))
		})

		It("fails when the coordination database is down", func() {
			mock.ExpectQuery("INSERT INTO unified_wal_writes").
				WillReturnError(context.DeadlineExceeded)

			_, err := store.Append(ctx, AppendInput{TargetInstance: models.InstanceReplica})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("ClaimPending", func() {
		It("claims entries in write_id order and flips them to executed", func() {
			rows := sqlmock.NewRows(walColumns)
			rows.AddRow(walRow(1, "POST", "/p1", "replica", "docs", "pending")...)
			rows.AddRow(walRow(2, "POST", "/p2", "replica", "docs", "failed")...)

			mock.ExpectBegin()
			mock.ExpectQuery("FROM unified_wal_writes").WillReturnRows(rows)
			mock.ExpectExec("SET status = 'executed'").
				WillReturnResult(sqlmock.NewResult(0, 2))
			mock.ExpectCommit()

			entries, err := store.ClaimPending(ctx, models.InstanceReplica, 50)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(2))
			Expect(entries[0].WriteID).To(BeNumerically("<", entries[1].WriteID))
			for _, e := range entries {
				Expect(e.Status).To(Equal(models.WALStatusExecuted))
			}
		})

		It("commits and returns nothing when the backlog is empty", func() {
			mock.ExpectBegin()
			mock.ExpectQuery("FROM unified_wal_writes").
				WillReturnRows(sqlmock.NewRows(walColumns))
			mock.ExpectCommit()

			entries, err := store.ClaimPending(ctx, models.InstancePrimary, 50)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(BeEmpty())
		})
	})

	Describe("MarkFailed", func() {
		failedRow := func(status string, retries int) *sqlmock.Rows {
			return sqlmock.NewRows([]string{"status", "retry_count", "max_retries", "method", "path", "target_instance"}).
				AddRow(status, retries, 3, "POST", "/p", "replica")
		}

		It("returns the entry to the retry pool while budget remains", func() {
			mock.ExpectQuery("UPDATE unified_wal_writes").
				WillReturnRows(failedRow("failed", 1))

			Expect(store.MarkFailed(ctx, 7, "connection refused")).To(Succeed())
			Expect(notifier.Titles()).To(BeEmpty())
		})

		It("abandons the entry and alerts once the budget is exhausted", func() {
			mock.ExpectQuery("UPDATE unified_wal_writes").
				WillReturnRows(failedRow("abandoned", 3))

			Expect(store.MarkFailed(ctx, 7, "connection refused")).To(Succeed())
			Expect(notifier.Titles()).To(ContainElement(ContainSubstring("abandoned")))
		})
	})

	Describe("Release", func() {
		It("returns claimed entries to pending", func() {
			mock.ExpectExec("SET status = 'pending'").
				WillReturnResult(sqlmock.NewResult(0, 2))

			Expect(store.Release(ctx, []int64{1, 2})).To(Succeed())
		})

		It("is a no-op for an empty id list", func() {
			Expect(store.Release(ctx, nil)).To(Succeed())
		})
	})

	Describe("Purge", func() {
		It("deletes only terminal entries older than the cutoff", func() {
			mock.ExpectExec("DELETE FROM unified_wal_writes").
				WillReturnResult(sqlmock.NewResult(0, 5))

			n, err := store.Purge(ctx, time.Now().Add(-24*time.Hour))
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(int64(5)))
		})
	})

	Describe("Counts", func() {
		It("aggregates entries by status", func() {
			mock.ExpectQuery("FROM unified_wal_writes").
				WillReturnRows(sqlmock.NewRows([]string{"pending", "executed", "synced", "failed", "abandoned"}).
					AddRow(3, 1, 10, 2, 0))

			counts, err := store.Counts(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(counts.Pending).To(Equal(int64(3)))
			Expect(counts.Synced).To(Equal(int64(10)))
		})
	})

	Describe("HasLandedSince", func() {
		It("reports a synced entry for the same write", func() {
			mock.ExpectQuery("SELECT EXISTS").
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

			landed, err := store.HasLandedSince(ctx, "POST", "/p", time.Now().Add(-time.Hour))
			Expect(err).NotTo(HaveOccurred())
			Expect(landed).To(BeTrue())
		})
	})
})
