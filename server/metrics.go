// Copyright 2024 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/uber-go/tally/v4"
	"github.com/uber-go/tally/v4/prometheus"
	"go.uber.org/zap"
)

type Metrics interface {
	Stop(logger *zap.Logger)

	CountAdmission(outcome string)
	CountStoreError(operation string)
	CountDroppedJob()
	CountEvent(kind string, remote bool)
	CountStaleNode()

	GaugeLocalSessions(value float64)
	GaugeOnline(local, global float64)
	GaugeWorkerQueue(value float64)

	Reconcile(elapsed time.Duration)
}

var _ Metrics = (*LocalMetrics)(nil)

type LocalMetrics struct {
	logger *zap.Logger
	config Config

	PrometheusScope      tally.Scope
	prometheusCloser     io.Closer
	prometheusHTTPServer *http.Server
}

func NewLocalMetrics(logger, startupLogger *zap.Logger, config Config) *LocalMetrics {
	m := &LocalMetrics{
		logger: logger,
		config: config,
	}

	// Create Prometheus reporter and root scope.
	reporter := prometheus.NewReporter(prometheus.Options{
		OnRegisterError: func(err error) {
			logger.Error("Error registering Prometheus metric", zap.Error(err))
		},
	})
	tags := map[string]string{"node_name": config.GetName()}
	if namespace := config.GetMetrics().Namespace; namespace != "" {
		tags["namespace"] = namespace
	}
	m.PrometheusScope, m.prometheusCloser = tally.NewRootScope(tally.ScopeOptions{
		Prefix:          config.GetMetrics().Prefix,
		Tags:            tags,
		CachedReporter:  reporter,
		Separator:       prometheus.DefaultSeparator,
		SanitizeOptions: &prometheus.DefaultSanitizerOpts,
	}, time.Duration(config.GetMetrics().ReportingFreqSec)*time.Second)

	// Check if exposing Prometheus metrics directly is enabled.
	if config.GetMetrics().PrometheusPort > 0 {
		// Create a HTTP server to expose Prometheus metrics through.
		router := mux.NewRouter()
		router.Handle("/", reporter.HTTPHandler())
		compressHandler := handlers.CompressHandler(router)
		m.prometheusHTTPServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", config.GetMetrics().PrometheusPort),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
			Handler:      compressHandler,
		}

		startupLogger.Info("Starting Prometheus server for metrics requests", zap.Int("port", config.GetMetrics().PrometheusPort))
		go func() {
			if err := m.prometheusHTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				startupLogger.Fatal("Prometheus listener failed", zap.Error(err))
			}
		}()
	}

	return m
}

func (m *LocalMetrics) Stop(logger *zap.Logger) {
	if m.prometheusHTTPServer != nil {
		// Stop Prometheus server if one is running.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.prometheusHTTPServer.Shutdown(ctx); err != nil {
			logger.Error("Prometheus listener shutdown error", zap.Error(err))
		}
	}

	// Close the Prometheus scope to flush the last values.
	if err := m.prometheusCloser.Close(); err != nil {
		logger.Error("Error closing Prometheus metrics scope", zap.Error(err))
	}
}

// CountAdmission counts connect attempts by outcome: "admitted" or a rejection reason.
func (m *LocalMetrics) CountAdmission(outcome string) {
	m.PrometheusScope.Tagged(map[string]string{"outcome": outcome}).Counter("presence_admissions").Inc(1)
}

func (m *LocalMetrics) CountStoreError(operation string) {
	m.PrometheusScope.Tagged(map[string]string{"operation": operation}).Counter("presence_store_errors").Inc(1)
}

func (m *LocalMetrics) CountDroppedJob() {
	m.PrometheusScope.Counter("presence_dropped_jobs").Inc(1)
}

func (m *LocalMetrics) CountEvent(kind string, remote bool) {
	direction := "published"
	if remote {
		direction = "received"
	}
	m.PrometheusScope.Tagged(map[string]string{"kind": kind, "direction": direction}).Counter("presence_events").Inc(1)
}

func (m *LocalMetrics) CountStaleNode() {
	m.PrometheusScope.Counter("presence_stale_nodes").Inc(1)
}

func (m *LocalMetrics) GaugeLocalSessions(value float64) {
	m.PrometheusScope.Gauge("presence_local_sessions").Update(value)
}

func (m *LocalMetrics) GaugeOnline(local, global float64) {
	m.PrometheusScope.Gauge("presence_online_node").Update(local)
	m.PrometheusScope.Gauge("presence_online_global").Update(global)
}

func (m *LocalMetrics) GaugeWorkerQueue(value float64) {
	m.PrometheusScope.Gauge("presence_worker_queue").Update(value)
}

func (m *LocalMetrics) Reconcile(elapsed time.Duration) {
	m.PrometheusScope.Timer("presence_reconcile_latency").Record(elapsed)
}

var _ Metrics = (*NoopMetrics)(nil)

// NoopMetrics discards every measurement. Used by one-shot operator commands.
type NoopMetrics struct{}

func NewNoopMetrics() *NoopMetrics {
	return &NoopMetrics{}
}

func (NoopMetrics) Stop(*zap.Logger)             {}
func (NoopMetrics) CountAdmission(string)        {}
func (NoopMetrics) CountStoreError(string)       {}
func (NoopMetrics) CountDroppedJob()             {}
func (NoopMetrics) CountEvent(string, bool)      {}
func (NoopMetrics) CountStaleNode()              {}
func (NoopMetrics) GaugeLocalSessions(float64)   {}
func (NoopMetrics) GaugeOnline(float64, float64) {}
func (NoopMetrics) GaugeWorkerQueue(float64)     {}
func (NoopMetrics) Reconcile(time.Duration)      {}
