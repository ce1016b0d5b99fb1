// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes a Prometheus registry instrumenting the
// MapReduce Orchestrator: per-status agent counts and durations, DLQ
// writes and evictions, checkpoint saves, and job completions. A nil
// *Recorder is always safe to call — every instrument is only touched
// when a caller opted in via --metrics-addr.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns the counters and histograms for one process. Methods are
// nil-receiver safe so call sites never need a "metrics enabled" branch.
type Recorder struct {
	registry *prometheus.Registry

	agentResults     *prometheus.CounterVec
	agentDuration    *prometheus.HistogramVec
	dlqWrites        prometheus.Counter
	dlqEvictions     prometheus.Counter
	checkpointsSaved prometheus.Counter
	jobsCompleted    prometheus.Counter
}

// New returns a Recorder registered against a fresh registry, ready to be
// served by Serve.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		agentResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prodigy",
			Subsystem: "mapreduce",
			Name:      "agent_results_total",
			Help:      "Terminal agent outcomes by status.",
		}, []string{"status"}),
		agentDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "prodigy",
			Subsystem: "mapreduce",
			Name:      "agent_duration_seconds",
			Help:      "Per-agent wall-clock duration, from worktree acquire to terminal result.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		dlqWrites: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "prodigy",
			Subsystem: "dlq",
			Name:      "writes_total",
			Help:      "Dead-letter queue entries created or updated.",
		}),
		dlqEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "prodigy",
			Subsystem: "dlq",
			Name:      "evictions_total",
			Help:      "Oldest-item evictions triggered by the DLQ size cap.",
		}),
		checkpointsSaved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "prodigy",
			Subsystem: "mapreduce",
			Name:      "checkpoints_saved_total",
			Help:      "Checkpoint writes across every job phase.",
		}),
		jobsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "prodigy",
			Name:      "jobs_completed_total",
			Help:      "Jobs that reached the done phase.",
		}),
	}
}

// ObserveAgentResult records one terminal agent outcome.
func (r *Recorder) ObserveAgentResult(status string, duration time.Duration) {
	if r == nil {
		return
	}
	r.agentResults.WithLabelValues(status).Inc()
	r.agentDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// ObserveDLQWrite records a new or updated DLQ entry.
func (r *Recorder) ObserveDLQWrite() {
	if r == nil {
		return
	}
	r.dlqWrites.Inc()
}

// ObserveDLQEviction records an oldest-item eviction triggered by the
// queue's size cap.
func (r *Recorder) ObserveDLQEviction() {
	if r == nil {
		return
	}
	r.dlqEvictions.Inc()
}

// ObserveCheckpointSaved records one checkpoint write.
func (r *Recorder) ObserveCheckpointSaved() {
	if r == nil {
		return
	}
	r.checkpointsSaved.Inc()
}

// ObserveJobCompleted records a job reaching the done phase.
func (r *Recorder) ObserveJobCompleted() {
	if r == nil {
		return
	}
	r.jobsCompleted.Inc()
}

// Serve exposes the Recorder's registry on addr at /metrics until ctx is
// canceled, at which point it shuts the server down gracefully. Intended
// to run in its own goroutine.
func Serve(ctx context.Context, addr string, r *Recorder, log *slog.Logger) error {
	if r == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics: serve %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics server shutdown failed", "error", err)
		}
		return nil
	}
}
