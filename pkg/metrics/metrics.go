/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package metrics exposes Prometheus metrics for a reconciliation run.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/carverauto/fleetreconcile/pkg/models"
	"github.com/carverauto/fleetreconcile/pkg/report"
)

const namespace = "fleetreconcile"

var errNoPushgateway = errors.New("pushgateway url is not configured")

// Config selects where metrics are pushed at the end of a run.
type Config struct {
	PushgatewayURL string `json:"pushgateway_url" yaml:"pushgateway_url" toml:"pushgateway_url"`
	Job            string `json:"job" yaml:"job" toml:"job"`
}

// Metrics holds the run's collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	apiCalls        *prometheus.CounterVec
	apiCallDuration *prometheus.HistogramVec
	outcomes        *prometheus.CounterVec
	devices         *prometheus.CounterVec
	deviceDuration  prometheus.Histogram
	lastRun         prometheus.Gauge
	breaker         *prometheus.CounterVec
}

// New creates a fresh registry with every collector registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	apiCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "calls_total",
		Help:      "Calls made to the backing services.",
	}, []string{"service", "operation", "status"})

	apiCallDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "call_duration_seconds",
		Help:      "Latency of calls made to the backing services.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"service", "operation"})

	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operation_outcomes_total",
		Help:      "Normalized delete and wipe outcomes.",
	}, []string{"service", "error_class", "success"})

	devices := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "devices_total",
		Help:      "Devices processed by final status.",
	}, []string{"status"})

	deviceDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "device_duration_seconds",
		Help:      "Time from resolution to final verdict for one device.",
		Buckets:   []float64{1, 5, 30, 60, 300, 600, 1200, 1800, 3600},
	})

	lastRun := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix time of the last processed device.",
	})

	breaker := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "circuit_transitions_total",
		Help:      "Circuit breaker state changes by target state.",
	}, []string{"breaker", "state"})

	registry.MustRegister(apiCalls, apiCallDuration, outcomes, devices, deviceDuration, lastRun, breaker)

	return &Metrics{
		registry:        registry,
		apiCalls:        apiCalls,
		apiCallDuration: apiCallDuration,
		outcomes:        outcomes,
		devices:         devices,
		deviceDuration:  deviceDuration,
		lastRun:         lastRun,
		breaker:         breaker,
	}
}

// ObserveAPICall records one HTTP round trip. Status 0 means the call never got a response.
func (m *Metrics) ObserveAPICall(service models.ServiceKind, operation string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	m.apiCalls.WithLabelValues(service.String(), operation, strconv.Itoa(status)).Inc()
	m.apiCallDuration.WithLabelValues(service.String(), operation).Observe(duration.Seconds())
}

// ObserveBreakerTransition counts a circuit breaker entering state.
func (m *Metrics) ObserveBreakerTransition(name, state string) {
	if m == nil {
		return
	}

	m.breaker.WithLabelValues(name, state).Inc()
}

// ObserveOutcome records one normalized outcome.
func (m *Metrics) ObserveOutcome(service models.ServiceKind, outcome models.OperationOutcome) {
	if m == nil {
		return
	}

	m.outcomes.WithLabelValues(service.String(), string(outcome.ErrorClass), strconv.FormatBool(outcome.Success)).Inc()
}

// Write counts a finished device. It satisfies the runner's sink contract.
func (m *Metrics) Write(_ context.Context, result *models.DeviceReconciliationResult) error {
	if m == nil || result == nil {
		return nil
	}

	m.devices.WithLabelValues(string(report.Classify(result))).Inc()
	m.deviceDuration.Observe(result.Elapsed.Seconds())
	m.lastRun.Set(float64(result.StartedAt.Add(result.Elapsed).Unix()))

	return nil
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}

	return m.registry
}

// Handler exposes the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}

	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Push sends the registry to a Pushgateway, grouped by run ID.
func (m *Metrics) Push(ctx context.Context, cfg Config, runID string) error {
	if m == nil {
		return nil
	}

	if cfg.PushgatewayURL == "" {
		return errNoPushgateway
	}

	job := cfg.Job
	if job == "" {
		job = namespace
	}

	pusher := push.New(cfg.PushgatewayURL, job).Gatherer(m.registry)
	if runID != "" {
		pusher = pusher.Grouping("run_id", runID)
	}

	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", cfg.PushgatewayURL, err)
	}

	return nil
}
