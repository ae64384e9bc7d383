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

package txlog

import (
	"context"
	"sync"
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

var txColumns = []string{
	"transaction_id", "method", "path", "status", "operation_type",
	"client_session", "attempted_at", "completed_at", "failure_reason",
	"retry_count", "max_retries",
}

func txRecord(id, status string, retries int) models.TransactionRecord {
	return models.TransactionRecord{
		TransactionID: id,
		Method:        "POST",
		Path:          "/api/v2/tenants/t/databases/d/collections/docs/add",
		Status:        models.TransactionStatus(status),
		OperationType: models.OpWriteData,
		AttemptedAt:   time.Now().Add(-time.Hour),
		RetryCount:    retries,
		MaxRetries:    3,
	}
}

func txRows(records ...models.TransactionRecord) *sqlmock.Rows {
	rows := sqlmock.NewRows(txColumns)
	for _, r := range records {
		rows.AddRow(r.TransactionID, r.Method, r.Path, string(r.Status), string(r.OperationType),
			r.ClientSession, r.AttemptedAt, r.CompletedAt, r.FailureReason,
			r.RetryCount, r.MaxRetries)
	}
	return rows
}

// stubWAL answers HasLandedSince with a fixed verdict.
type stubWAL struct {
	landed bool
	err    error
}

func (s stubWAL) HasLandedSince(context.Context, string, string, time.Time) (bool, error) {
	return s.landed, s.err
}

// recordingGate counts pool-slot acquisitions.
type recordingGate struct {
	acquired int
	released int
	err      error
}

func (g *recordingGate) Acquire(context.Context) error {
	if g.err != nil {
		return g.err
	}
	g.acquired++
	return nil
}

func (g *recordingGate) Release() { g.released++ }

type capturedAlerts struct {
	mu     sync.Mutex
	titles []string
}

func (c *capturedAlerts) Notify(_ context.Context, _ alerting.Severity, title, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.titles = append(c.titles, title)
}

func (c *capturedAlerts) Titles() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.titles...)
}

var _ = Describe("Recoverer", func() {
	var (
		mock   sqlmock.Sqlmock
		log    *Log
		alerts *capturedAlerts
		ctx    context.Context
	)

	BeforeEach(func() {
		raw, m, err := sqlmock.New()
		Expect(err).NotTo(HaveOccurred())
		mock = m
		log = NewLog(sqlx.NewDb(raw, "pgx"), 3, metrics.New("test"), zap.NewNop())
		alerts = &capturedAlerts{}
		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	newRecoverer := func(wal WALChecker) *Recoverer {
		return NewRecoverer(log, wal, nil, 5*time.Minute, 10*time.Minute, metrics.New("test"), alerts, zap.NewNop())
	}

	It("marks a stuck record recovered when the write landed via the wal", func() {
		mock.ExpectQuery("FROM emergency_transaction_log").
			WillReturnRows(txRows(txRecord("tx-1", "ATTEMPTING", 0)))
		mock.ExpectExec("SET status = 'RECOVERED'").
			WithArgs("tx-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		report, err := newRecoverer(stubWAL{landed: true}).Recover(ctx, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Checked).To(Equal(1))
		Expect(report.Recovered).To(Equal(1))
		Expect(alerts.Titles()).To(BeEmpty())
	})

	It("fails a stuck record that never landed while budget remains", func() {
		mock.ExpectQuery("FROM emergency_transaction_log").
			WillReturnRows(txRows(txRecord("tx-1", "ATTEMPTING", 0)))
		mock.ExpectExec("SET status = 'FAILED'").
			WillReturnResult(sqlmock.NewResult(0, 1))

		report, err := newRecoverer(stubWAL{landed: false}).Recover(ctx, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Failed).To(Equal(1))
		Expect(report.Abandoned).To(BeZero())
	})

	It("abandons a record once its recovery budget is exhausted and alerts", func() {
		mock.ExpectQuery("FROM emergency_transaction_log").
			WillReturnRows(txRows(txRecord("tx-1", "FAILED", 2)))
		mock.ExpectExec("SET status = 'ABANDONED'").
			WithArgs("tx-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		report, err := newRecoverer(stubWAL{landed: false}).Recover(ctx, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Abandoned).To(Equal(1))
		Expect(alerts.Titles()).To(ContainElement(ContainSubstring("abandoned")))
	})

	It("re-examines abandoned records only on the manual trigger", func() {
		mock.ExpectQuery("FROM emergency_transaction_log").
			WillReturnRows(txRows(txRecord("tx-1", "ABANDONED", 3)))
		mock.ExpectExec("SET status = 'RECOVERED'").
			WillReturnResult(sqlmock.NewResult(0, 1))

		report, err := newRecoverer(stubWAL{landed: true}).Recover(ctx, true)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Recovered).To(Equal(1))
	})

	It("leaves an abandoned record untouched when the write still has not landed", func() {
		// No UPDATE expectation: repeated manual triggers must not keep
		// bumping retry_count on a record that is already abandoned.
		mock.ExpectQuery("FROM emergency_transaction_log").
			WillReturnRows(txRows(txRecord("tx-1", "ABANDONED", 3)))

		report, err := newRecoverer(stubWAL{landed: false}).Recover(ctx, true)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Checked).To(Equal(1))
		Expect(report.Abandoned).To(BeZero())
		Expect(alerts.Titles()).To(BeEmpty())
	})

	It("holds a pool slot for the duration of the sweep", func() {
		gate := &recordingGate{}
		mock.ExpectQuery("FROM emergency_transaction_log").
			WillReturnRows(txRows())

		_, err := NewRecoverer(log, stubWAL{}, gate, 5*time.Minute, 10*time.Minute,
			metrics.New("test"), alerts, zap.NewNop()).Recover(ctx, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(gate.acquired).To(Equal(1))
		Expect(gate.released).To(Equal(1))
	})

	It("refuses to sweep when no pool slot can be acquired", func() {
		gate := &recordingGate{err: context.DeadlineExceeded}

		_, err := NewRecoverer(log, stubWAL{}, gate, 5*time.Minute, 10*time.Minute,
			metrics.New("test"), alerts, zap.NewNop()).Recover(ctx, false)
		Expect(err).To(MatchError(context.DeadlineExceeded))
	})

	It("does nothing when no record is stuck", func() {
		mock.ExpectQuery("FROM emergency_transaction_log").
			WillReturnRows(txRows())

		report, err := newRecoverer(stubWAL{}).Recover(ctx, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Checked).To(BeZero())
	})

	It("keeps sweeping past a record whose wal check fails", func() {
		mock.ExpectQuery("FROM emergency_transaction_log").
			WillReturnRows(txRows(txRecord("tx-1", "ATTEMPTING", 0)))

		report, err := newRecoverer(stubWAL{err: context.DeadlineExceeded}).Recover(ctx, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Checked).To(Equal(1))
		Expect(report.Recovered).To(BeZero())
	})
})
