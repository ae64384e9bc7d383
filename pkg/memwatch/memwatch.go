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

// Package memwatch samples the process resident set size and drives the
// gateway's write back-pressure: above the configured threshold the router
// refuses writes and the replayer halves its claim batch.
package memwatch

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/jordigilh/vectorgate/pkg/metrics"
)

const sampleInterval = 5 * time.Second

// Watcher periodically samples RSS and exposes a pressure flag.
type Watcher struct {
	thresholdBytes uint64
	limitBytes     uint64
	proc           *process.Process
	logger         *zap.Logger
	metrics        *metrics.Metrics

	rss      atomic.Uint64
	pressure atomic.Bool
}

// New creates a watcher for the current process. thresholdBytes is the RSS
// at which pressure engages; limitBytes is the hard memory budget reported
// on the status surface.
func New(thresholdBytes, limitBytes uint64, m *metrics.Metrics, logger *zap.Logger) (*Watcher, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Watcher{
		thresholdBytes: thresholdBytes,
		limitBytes:     limitBytes,
		proc:           proc,
		logger:         logger,
		metrics:        m,
	}, nil
}

// Run samples until ctx is cancelled. It never returns an error; sampling
// failures keep the previous observation.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	w.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sample()
		}
	}
}

// UnderPressure reports whether writes should currently be refused.
func (w *Watcher) UnderPressure() bool {
	return w.pressure.Load()
}

// RSS returns the last observed resident set size in bytes.
func (w *Watcher) RSS() uint64 {
	return w.rss.Load()
}

// LimitBytes returns the configured hard memory budget.
func (w *Watcher) LimitBytes() uint64 {
	return w.limitBytes
}

func (w *Watcher) sample() {
	info, err := w.proc.MemoryInfo()
	if err != nil {
		w.logger.Debug("rss sample failed", zap.Error(err))
		return
	}

	w.rss.Store(info.RSS)
	w.metrics.ProcessRSSBytes.Set(float64(info.RSS))

	engaged := info.RSS > w.thresholdBytes
	if engaged != w.pressure.Swap(engaged) {
		if engaged {
			w.metrics.MemoryPressure.Set(1)
			w.logger.Warn("memory pressure engaged, refusing writes",
				zap.Uint64("rss_bytes", info.RSS),
				zap.Uint64("threshold_bytes", w.thresholdBytes))
		} else {
			w.metrics.MemoryPressure.Set(0)
			w.logger.Info("memory pressure released",
				zap.Uint64("rss_bytes", info.RSS))
		}
	}
}
