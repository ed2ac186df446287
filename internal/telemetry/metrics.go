/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

var (
	// APIRequestsTotal counts HTTP requests by method, endpoint and status.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dutybot_api_requests_total",
		Help: "Total HTTP requests processed.",
	}, []string{"method", "endpoint", "status"})

	// APIRequestDuration observes HTTP request latency.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dutybot_api_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	// APIActiveConnections tracks in-flight HTTP requests.
	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dutybot_api_active_connections",
		Help: "In-flight HTTP requests.",
	})

	// PollsTotal counts provider poll attempts by outcome.
	PollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dutybot_provider_polls_total",
		Help: "Provider poll attempts.",
	}, []string{"provider", "outcome"})

	// ProviderStale is 1 while a provider lane serves retained data.
	ProviderStale = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dutybot_provider_stale",
		Help: "Whether the provider lane is stale (1) or fresh (0).",
	}, []string{"provider"})

	// TransitionsTotal counts detected duty transitions per provider lane.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dutybot_transitions_total",
		Help: "Detected duty transitions.",
	}, []string{"provider"})

	// DeliveriesTotal counts sink delivery attempts by outcome
	// (delivered, retried, failed, rejected).
	DeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dutybot_deliveries_total",
		Help: "Notification delivery attempts.",
	}, []string{"sink", "outcome"})

	// DatabaseQueryDuration observes delivery-log query latency by operation
	// and table.
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dutybot_database_query_duration_seconds",
		Help:    "Database query latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	// DatabaseErrorsTotal counts failed database operations.
	DatabaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dutybot_database_errors_total",
		Help: "Failed database operations.",
	}, []string{"operation"})

	// LeaderElectionStatus is 1 while this instance holds the reconciler lease.
	LeaderElectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dutybot_leader_election_status",
		Help: "Whether this instance is the elected leader (1) or a follower (0).",
	})

	// RemindersTotal counts reminder messages posted.
	RemindersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dutybot_reminders_total",
		Help: "Reminder messages posted.",
	}, []string{"provider"})
)
