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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/jordigilh/vectorgate/pkg/metrics"
	"github.com/jordigilh/vectorgate/pkg/models"
)

// ErrInstanceUnavailable wraps transport failures and open-breaker rejections
// so callers can classify them apart from backend HTTP errors.
var ErrInstanceUnavailable = errors.New("instance unavailable")

// Request is one outbound call. Path carries the already-rewritten request
// path including any query string; Headers is the replay subset
// (content-type, authorization, correlation ids).
type Request struct {
	Method  string
	Path    string
	Body    []byte
	Headers map[string]string
}

// Response is the verbatim backend answer.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Success reports a 2xx status.
func (r *Response) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ServerError reports a 5xx status.
func (r *Response) ServerError() bool {
	return r.StatusCode >= 500
}

// Forwarder issues outbound HTTP calls through a bounded worker pool with a
// per-instance circuit breaker. Submissions block until pool capacity is
// available, which is the concurrency bound required of outbound traffic.
type Forwarder struct {
	client   *http.Client
	pool     *ants.Pool
	breakers map[models.InstanceName]*gobreaker.CircuitBreaker
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// ForwarderConfig configures the outbound path.
type ForwarderConfig struct {
	// MaxWorkers bounds concurrent outbound calls. Default: 8.
	MaxWorkers int
	// RequestTimeout applies per call. Default: 30s.
	RequestTimeout time.Duration
}

// NewForwarder builds the forwarding client for both instances.
func NewForwarder(cfg ForwarderConfig, m *metrics.Metrics, logger *zap.Logger) (*Forwarder, error) {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 8
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	pool, err := ants.NewPool(cfg.MaxWorkers, ants.WithPanicHandler(func(v any) {
		logger.Error("outbound worker panic recovered", zap.Any("panic", v))
	}))
	if err != nil {
		return nil, fmt.Errorf("create outbound worker pool: %w", err)
	}

	breakers := make(map[models.InstanceName]*gobreaker.CircuitBreaker, 2)
	for _, name := range []models.InstanceName{models.InstancePrimary, models.InstanceReplica} {
		name := name
		breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        string(name),
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(_ string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change",
					zap.String("instance", string(name)),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
	}

	return &Forwarder{
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
			// Forward redirects verbatim instead of following them.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		pool:     pool,
		breakers: breakers,
		metrics:  m,
		logger:   logger,
	}, nil
}

// Do forwards one request to the instance. Transport failures and breaker
// rejections come back wrapped in ErrInstanceUnavailable; HTTP error statuses
// are returned as a normal Response for the caller to classify.
func (f *Forwarder) Do(ctx context.Context, inst *Instance, req *Request) (*Response, error) {
	type outcome struct {
		resp *Response
		err  error
	}
	done := make(chan outcome, 1)

	submitErr := f.pool.Submit(func() {
		resp, err := f.execute(ctx, inst, req)
		done <- outcome{resp: resp, err: err}
	})
	if submitErr != nil {
		return nil, fmt.Errorf("%w: submit to worker pool: %v", ErrInstanceUnavailable, submitErr)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-done:
		return out.resp, out.err
	}
}

// DoWithRetry retries transport-level failures with capped exponential
// backoff. HTTP error statuses are never retried here; the caller decides.
func (f *Forwarder) DoWithRetry(ctx context.Context, inst *Instance, req *Request, attempts uint64) (*Response, error) {
	var resp *Response
	backoff := retry.WithMaxRetries(attempts, retry.NewExponential(100*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := f.Do(ctx, inst, req)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return retry.RetryableError(err)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Close releases the worker pool.
func (f *Forwarder) Close() {
	f.pool.Release()
}

func (f *Forwarder) execute(ctx context.Context, inst *Instance, req *Request) (*Response, error) {
	breaker := f.breakers[inst.Name]
	start := time.Now()

	result, err := breaker.Execute(func() (interface{}, error) {
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, inst.BaseURL+req.Path, bytes.NewReader(req.Body))
		if err != nil {
			return nil, err
		}
		for k, v := range req.Headers {
			httpReq.Header.Set(k, v)
		}

		httpResp, err := f.client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer func() { _ = httpResp.Body.Close() }()

		body, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return nil, err
		}
		return &Response{
			StatusCode: httpResp.StatusCode,
			Headers:    httpResp.Header.Clone(),
			Body:       body,
		}, nil
	})

	duration := time.Since(start)
	f.metrics.RequestDuration.WithLabelValues(string(inst.Name)).Observe(duration.Seconds())

	if err != nil {
		f.metrics.RequestsTotal.WithLabelValues(string(inst.Name), req.Method, "error").Inc()
		inst.ObserveRequest(false)
		f.logger.Debug("forward failed",
			zap.String("instance", string(inst.Name)),
			zap.String("method", req.Method),
			zap.String("path", req.Path),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %s %s on %s: %v", ErrInstanceUnavailable, req.Method, req.Path, inst.Name, err)
	}

	resp := result.(*Response)
	resp.Duration = duration

	outcome := "success"
	if resp.ServerError() {
		outcome = "server_error"
	} else if resp.StatusCode >= 400 {
		outcome = "client_error"
	}
	f.metrics.RequestsTotal.WithLabelValues(string(inst.Name), req.Method, outcome).Inc()
	inst.ObserveRequest(!resp.ServerError())

	return resp, nil
}
