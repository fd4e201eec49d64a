// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package telemetry is the stage's ambient observability surface: a
// prometheus metric set and a /healthz HTTP mux, grounded on
// api/metrics/metrics.go's Registerer/Registry/Metrics shape and
// api/health/health.go's Report/Check shape. This is ambient, not a
// spec feature (spec §1 Non-goals names no observability layer), so it
// stays outside stage.PublicAPI and is wired up by cmd/stagectl.
package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the counters/gauges the stage registers, per SPEC_FULL's
// domain-stack wiring: staged-transaction count, commits applied,
// conflicts detected, meta-pub round-trip latency, ack-timeout
// occurrences.
type Metrics struct {
	StagedTransactions prometheus.Counter
	CommitsApplied     prometheus.Counter
	ConflictsDetected  prometheus.Counter
	AckTimeouts        prometheus.Counter
	MetaPubRoundTrip   prometheus.Histogram
}

// NewMetrics constructs and registers a Metrics set under namespace,
// following api/metrics/metrics.go's NewMetrics(namespace, registerer)
// constructor shape.
func NewMetrics(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		StagedTransactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "staged_transactions_total",
			Help: "Number of transactions staged via transact/transact_binary.",
		}),
		CommitsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "commits_applied_total",
			Help: "Number of commits applied via the commit operation.",
		}),
		ConflictsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "conflicts_detected_total",
			Help: "Number of times ConflictSummarizer produced a Conflict.",
		}),
		AckTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ack_timeouts_total",
			Help: "Number of times SyncDriver's 10s meta-pubed ack wait elapsed.",
		}),
		MetaPubRoundTrip: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "meta_pub_round_trip_seconds",
			Help:    "Latency from publishing :meta-pub to receiving :meta-pubed.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	for _, c := range []prometheus.Collector{
		m.StagedTransactions, m.CommitsApplied, m.ConflictsDetected,
		m.AckTimeouts, m.MetaPubRoundTrip,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Checker mirrors api/health.Checker: a named health probe.
type Checker interface {
	HealthCheck(context.Context) (any, error)
}

// Report mirrors api/health.Report: the aggregate health document
// served at /healthz.
type Report struct {
	Healthy  bool                   `json:"healthy"`
	Checks   map[string]CheckResult `json:"checks,omitempty"`
	Duration time.Duration          `json:"duration"`
}

// CheckResult mirrors api/health.Check.
type CheckResult struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// Server exposes /metrics (prometheus) and /healthz (named Checkers)
// for a running stage process.
type Server struct {
	registry *prometheus.Registry
	checks   map[string]Checker
}

// NewServer returns a Server backed by its own prometheus registry.
func NewServer() *Server {
	return &Server{registry: prometheus.NewRegistry(), checks: map[string]Checker{}}
}

// Registry returns the registry NewMetrics should register against.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// RegisterCheck adds a named health check, reported at /healthz.
func (s *Server) RegisterCheck(name string, c Checker) {
	s.checks[name] = c
}

// Handler returns the HTTP mux serving /metrics and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.serveHealth)
	return mux
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	report := Report{Healthy: true, Checks: make(map[string]CheckResult, len(s.checks))}
	for name, c := range s.checks {
		_, err := c.HealthCheck(r.Context())
		result := CheckResult{Healthy: err == nil}
		if err != nil {
			result.Error = err.Error()
			report.Healthy = false
		}
		report.Checks[name] = result
	}
	report.Duration = time.Since(start)

	w.Header().Set("Content-Type", "application/json")
	if !report.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(report)
}
