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
	"net/http"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/jordigilh/vectorgate/pkg/backend"
	"github.com/jordigilh/vectorgate/pkg/mapping"
	"github.com/jordigilh/vectorgate/pkg/metrics"
	"github.com/jordigilh/vectorgate/pkg/models"
)

func TestGroupByCollection(t *testing.T) {
	entries := []models.WALEntry{
		{WriteID: 1, CollectionIdentifier: "a"},
		{WriteID: 2, CollectionIdentifier: "b"},
		{WriteID: 3, CollectionIdentifier: "a"},
		{WriteID: 4, CollectionIdentifier: "c"},
	}

	keys, groups := groupByCollection(entries)

	if want := []string{"a", "b", "c"}; len(keys) != len(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	} else {
		for i := range want {
			if keys[i] != want[i] {
				t.Fatalf("keys = %v, want %v", keys, want)
			}
		}
	}
	if len(groups["a"]) != 2 || groups["a"][0].WriteID != 1 || groups["a"][1].WriteID != 3 {
		t.Errorf("group a out of order: %+v", groups["a"])
	}
	if len(groups["b"]) != 1 || len(groups["c"]) != 1 {
		t.Errorf("unexpected group sizes: b=%d c=%d", len(groups["b"]), len(groups["c"]))
	}
}

func TestIsCreate(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		want   bool
	}{
		{"collection creation", http.MethodPost, "/api/v2/tenants/t/databases/d/collections", true},
		{"creation with trailing slash", http.MethodPost, "/api/v2/tenants/t/databases/d/collections/", true},
		{"data write", http.MethodPost, "/api/v2/tenants/t/databases/d/collections/foo/add", false},
		{"get collections listing", http.MethodGet, "/api/v2/tenants/t/databases/d/collections", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &models.WALEntry{Method: tt.method, Path: tt.path}
			if got := isCreate(e); got != tt.want {
				t.Errorf("isCreate(%s %s) = %v, want %v", tt.method, tt.path, got, tt.want)
			}
		})
	}
}

func TestEntryIsCollectionLevelDelete(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		want   bool
	}{
		{"collection delete", http.MethodDelete, "/api/v2/tenants/t/databases/d/collections/foo", true},
		{"document delete", http.MethodDelete, "/api/v2/tenants/t/databases/d/collections/foo/delete", false},
		{"query string ignored", http.MethodDelete, "/api/v2/tenants/t/databases/d/collections/foo?force=1", true},
		{"post never", http.MethodPost, "/api/v2/tenants/t/databases/d/collections/foo", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &models.WALEntry{Method: tt.method, Path: tt.path}
			if got := isCollectionLevelDelete(e); got != tt.want {
				t.Errorf("isCollectionLevelDelete(%s %s) = %v, want %v", tt.method, tt.path, got, tt.want)
			}
		})
	}
}

func TestCreateName(t *testing.T) {
	if name, err := createName([]byte(`{"name":"docs","metadata":{}}`)); err != nil || name != "docs" {
		t.Errorf("createName = (%q, %v), want (docs, nil)", name, err)
	}
	if _, err := createName([]byte(`{"metadata":{}}`)); err == nil {
		t.Error("createName accepted a payload without a name")
	}
	if _, err := createName([]byte(`not json`)); err == nil {
		t.Error("createName accepted malformed json")
	}
}

// passthroughRewriter returns the path unchanged, or a fixed error sequence.
type passthroughRewriter struct {
	errs []error // consumed per call; nil once exhausted
}

func (p *passthroughRewriter) RewritePath(_ context.Context, path string, _ models.InstanceName) (string, error) {
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		return path, err
	}
	return path, nil
}

// poolGateStub counts pool-slot acquisitions.
type poolGateStub struct {
	acquired int
	released int
	err      error
}

func (g *poolGateStub) Acquire(context.Context) error {
	if g.err != nil {
		return g.err
	}
	g.acquired++
	return nil
}

func (g *poolGateStub) Release() { g.released++ }

// recordingCreator records EnsureOnTarget calls.
type recordingCreator struct {
	refs []string
	err  error
}

func (c *recordingCreator) EnsureOnTarget(_ context.Context, ref string, _ models.InstanceName, _ string) error {
	c.refs = append(c.refs, ref)
	return c.err
}

var _ = Describe("Replayer", func() {
	var (
		server    *ghttp.Server
		forwarder *backend.Forwarder
		inst      *backend.Instance
		rewriter  *passthroughRewriter
		creator   *recordingCreator
		replayer  *Replayer
		ctx       context.Context
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		var err error
		forwarder, err = backend.NewForwarder(backend.ForwarderConfig{MaxWorkers: 2}, metrics.New("test"), zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		inst = backend.NewInstance(models.InstanceReplica, server.URL())
		rewriter = &passthroughRewriter{}
		creator = &recordingCreator{}
		replayer = NewReplayer(ReplayerConfig{}, ReplayerDeps{
			Rewriter:  rewriter,
			Forwarder: forwarder,
			Creator:   creator,
			Logger:    zap.NewNop(),
		})
		ctx = context.Background()
	})

	AfterEach(func() {
		forwarder.Close()
		server.Close()
	})

	Describe("replayEntry", func() {
		const dataPath = "/api/v2/tenants/t/databases/d/collections/docs/add"

		It("forwards a data write and reports success on 2xx", func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, dataPath),
				ghttp.VerifyHeaderKV("Content-Type", "application/json"),
				ghttp.RespondWith(http.StatusCreated, `{}`),
			))

			e := &models.WALEntry{
				Method:  http.MethodPost,
				Path:    dataPath,
				Payload: []byte(`{"ids":["1"]}`),
				Headers: []byte(`{"Content-Type":"application/json"}`),
			}
			Expect(replayer.replayEntry(ctx, inst, e)).To(Succeed())
			Expect(server.ReceivedRequests()).To(HaveLen(1))
		})

		It("reports a backend error status as a failure", func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusInternalServerError, "boom"))

			e := &models.WALEntry{Method: http.MethodPost, Path: dataPath}
			err := replayer.replayEntry(ctx, inst, e)
			Expect(err).To(MatchError(ContainSubstring("500")))
		})

		It("treats a 404 on a deferred delete as already applied", func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusNotFound, ""))

			e := &models.WALEntry{
				Method: http.MethodDelete,
				Path:   "/api/v2/tenants/t/databases/d/collections/docs",
			}
			Expect(replayer.replayEntry(ctx, inst, e)).To(Succeed())
		})

		It("wraps transport failures as instance unavailability", func() {
			dead := backend.NewInstance(models.InstanceReplica, "http://127.0.0.1:1")

			e := &models.WALEntry{Method: http.MethodPost, Path: dataPath}
			err := replayer.replayEntry(ctx, dead, e)
			Expect(err).To(MatchError(backend.ErrInstanceUnavailable))
			Expect(interrupted(err)).To(BeTrue())
		})

		It("converges collection creation through the auto-creator", func() {
			e := &models.WALEntry{
				Method:  http.MethodPost,
				Path:    "/api/v2/tenants/t/databases/d/collections",
				Payload: []byte(`{"name":"docs"}`),
			}
			Expect(replayer.replayEntry(ctx, inst, e)).To(Succeed())
			Expect(creator.refs).To(Equal([]string{"docs"}))
			Expect(server.ReceivedRequests()).To(BeEmpty())
		})

		It("creates the collection just in time when the path is unmapped", func() {
			rewriter.errs = []error{mapping.ErrUnmapped, nil}
			server.AppendHandlers(ghttp.RespondWith(http.StatusOK, `{}`))

			e := &models.WALEntry{Method: http.MethodPost, Path: dataPath}
			Expect(replayer.replayEntry(ctx, inst, e)).To(Succeed())
			Expect(creator.refs).To(Equal([]string{"docs"}))
		})

		It("fails when just-in-time creation cannot converge", func() {
			rewriter.errs = []error{mapping.ErrUnmapped}
			creator.err = context.DeadlineExceeded

			e := &models.WALEntry{Method: http.MethodPost, Path: dataPath}
			err := replayer.replayEntry(ctx, inst, e)
			Expect(err).To(MatchError(ContainSubstring("missing on")))
		})
	})

	Describe("replayTarget", func() {
		const dataPath = "/api/v2/tenants/t/databases/d/collections/docs/add"

		It("gates the claim, replays the batch, and records its size", func() {
			raw, mock, err := sqlmock.New()
			Expect(err).NotTo(HaveOccurred())
			sdb := sqlx.NewDb(raw, "pgx")
			m := metrics.New("test")
			gate := &poolGateStub{}

			r := NewReplayer(ReplayerConfig{}, ReplayerDeps{
				Store:     NewStore(sdb, 3, m, &recordingNotifier{}, zap.NewNop()),
				SyncLog:   NewSyncLog(sdb),
				Rewriter:  rewriter,
				Forwarder: forwarder,
				Creator:   creator,
				Gate:      gate,
				Metrics:   m,
				Logger:    zap.NewNop(),
			})

			server.AppendHandlers(ghttp.RespondWith(http.StatusOK, `{}`))

			mock.ExpectBegin()
			mock.ExpectQuery("FROM unified_wal_writes").
				WillReturnRows(sqlmock.NewRows(walColumns).
					AddRow(walRow(1, http.MethodPost, dataPath, "replica", "docs", "pending")...))
			mock.ExpectExec("SET status = 'executed'").
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()
			mock.ExpectQuery("INSERT INTO sync_tasks").
				WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))
			mock.ExpectExec("SET status = 'synced'").
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec("INSERT INTO sync_history").
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec("INSERT INTO sync_collections").
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec("UPDATE sync_tasks").
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(r.replayTarget(ctx, inst, 50)).To(Equal(1))
			Expect(gate.acquired).To(Equal(1))
			Expect(gate.released).To(Equal(1))
			Expect(testutil.ToFloat64(m.ReplayBatchSize)).To(Equal(1.0))
			Expect(server.ReceivedRequests()).To(HaveLen(1))
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})

		It("claims nothing while no pool slot can be acquired", func() {
			gate := &poolGateStub{err: context.DeadlineExceeded}
			r := NewReplayer(ReplayerConfig{}, ReplayerDeps{
				Forwarder: forwarder,
				Gate:      gate,
				Logger:    zap.NewNop(),
			})

			Expect(r.replayTarget(ctx, inst, 50)).To(BeZero())
			Expect(server.ReceivedRequests()).To(BeEmpty())
		})
	})

	Describe("Status", func() {
		It("reports identity and tuning before the first cycle", func() {
			st := replayer.Status()
			Expect(st.WorkerID).NotTo(BeEmpty())
			Expect(st.Running).To(BeFalse())
			Expect(st.BatchSize).To(Equal(50))
			Expect(st.LastCycleAt.IsZero()).To(BeTrue())
		})
	})
})
