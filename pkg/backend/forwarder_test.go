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

package backend

import (
	"context"
	"net/http"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"go.uber.org/zap"

	"github.com/jordigilh/vectorgate/pkg/metrics"
	"github.com/jordigilh/vectorgate/pkg/models"
)

func TestBackend(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Backend Suite")
}

var _ = Describe("Forwarder", func() {
	var (
		server    *ghttp.Server
		forwarder *Forwarder
		inst      *Instance
		ctx       context.Context
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		var err error
		forwarder, err = NewForwarder(ForwarderConfig{MaxWorkers: 2}, metrics.New("test"), zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		inst = NewInstance(models.InstancePrimary, server.URL())
		ctx = context.Background()
	})

	AfterEach(func() {
		forwarder.Close()
		server.Close()
	})

	Describe("Do", func() {
		It("forwards method, path, body and the header subset", func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/api/v2/tenants/t/databases/d/collections/docs/add"),
				ghttp.VerifyHeaderKV("Content-Type", "application/json"),
				ghttp.VerifyBody([]byte(`{"ids":["1"]}`)),
				ghttp.RespondWith(http.StatusCreated, `{"ok":true}`, http.Header{"X-Backend": []string{"yes"}}),
			))

			resp, err := forwarder.Do(ctx, inst, &Request{
				Method:  http.MethodPost,
				Path:    "/api/v2/tenants/t/databases/d/collections/docs/add",
				Body:    []byte(`{"ids":["1"]}`),
				Headers: map[string]string{"Content-Type": "application/json"},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			Expect(resp.Success()).To(BeTrue())
			Expect(resp.Body).To(MatchJSON(`{"ok":true}`))
			Expect(resp.Headers.Get("X-Backend")).To(Equal("yes"))
		})

		It("returns backend error statuses as responses, not errors", func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusBadGateway, "upstream sad"))

			resp, err := forwarder.Do(ctx, inst, &Request{Method: http.MethodGet, Path: "/x"})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.ServerError()).To(BeTrue())
			Expect(resp.Success()).To(BeFalse())
		})

		It("wraps transport failures in ErrInstanceUnavailable", func() {
			dead := NewInstance(models.InstancePrimary, "http://127.0.0.1:1")

			_, err := forwarder.Do(ctx, dead, &Request{Method: http.MethodGet, Path: "/x"})
			Expect(err).To(MatchError(ErrInstanceUnavailable))
		})

		It("opens the circuit after consecutive transport failures", func() {
			dead := NewInstance(models.InstancePrimary, "http://127.0.0.1:1")

			for i := 0; i < 6; i++ {
				_, err := forwarder.Do(ctx, dead, &Request{Method: http.MethodGet, Path: "/x"})
				Expect(err).To(MatchError(ErrInstanceUnavailable))
			}
		})

		It("does not follow redirects", func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusTemporaryRedirect, "", http.Header{
				"Location": []string{"http://example.invalid/elsewhere"},
			}))

			resp, err := forwarder.Do(ctx, inst, &Request{Method: http.MethodGet, Path: "/x"})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusTemporaryRedirect))
			Expect(resp.Headers.Get("Location")).To(Equal("http://example.invalid/elsewhere"))
		})
	})

	Describe("DoWithRetry", func() {
		It("returns the first successful response without retrying statuses", func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusInternalServerError, "boom"))

			resp, err := forwarder.DoWithRetry(ctx, inst, &Request{Method: http.MethodGet, Path: "/x"}, 3)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			Expect(server.ReceivedRequests()).To(HaveLen(1))
		})

		It("gives up on a persistent transport failure", func() {
			dead := NewInstance(models.InstancePrimary, "http://127.0.0.1:1")

			_, err := forwarder.DoWithRetry(ctx, dead, &Request{Method: http.MethodGet, Path: "/x"}, 1)
			Expect(err).To(MatchError(ErrInstanceUnavailable))
		})
	})
})

var _ = Describe("Registry", func() {
	It("starts both instances unhealthy", func() {
		reg := NewRegistry("http://primary:8000", "http://replica:8000")
		Expect(reg.Healthy()).To(BeEmpty())
		Expect(reg.All()).To(HaveLen(2))
	})

	It("returns the healthy subset primary-first", func() {
		reg := NewRegistry("http://primary:8000", "http://replica:8000")
		reg.Get(models.InstanceReplica).SetHealth(true, "")
		reg.Get(models.InstancePrimary).SetHealth(true, "")

		healthy := reg.Healthy()
		Expect(healthy).To(HaveLen(2))
		Expect(healthy[0].Name).To(Equal(models.InstancePrimary))
	})

	It("strips trailing slashes off base urls", func() {
		inst := NewInstance(models.InstancePrimary, "http://primary:8000/")
		Expect(inst.BaseURL).To(Equal("http://primary:8000"))
	})

	It("tracks request success rates per instance", func() {
		inst := NewInstance(models.InstancePrimary, "http://primary:8000")
		inst.ObserveRequest(true)
		inst.ObserveRequest(true)
		inst.ObserveRequest(false)

		snap := inst.Snapshot()
		Expect(snap.RequestCount).To(Equal(int64(3)))
		Expect(snap.SuccessCount).To(Equal(int64(2)))
		Expect(snap.SuccessRate).To(BeNumerically("~", 2.0/3.0, 1e-9))
	})
})
