package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AgentsRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fabric_agents_registered",
		Help: "Number of agents currently in the registry.",
	})
	AgentsVerified = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fabric_agents_verified",
		Help: "Number of registry agents with verified status.",
	})
	RegistrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_registrations_total",
		Help: "Total agent registration attempts by outcome.",
	}, []string{"outcome"})
	HeartbeatsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabric_heartbeats_total",
		Help: "Total heartbeats accepted by the registry.",
	})
	RoutesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_routes_total",
		Help: "Total orchestration route attempts by outcome.",
	}, []string{"outcome"})
	EscalationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabric_escalations_total",
		Help: "Total escalations to a second agent.",
	})
	ActiveCollaborations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fabric_active_collaborations",
		Help: "Number of in-flight orchestrated collaborations.",
	})
	EnvelopesVerifiedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_envelopes_verified_total",
		Help: "Total envelope verifications by outcome.",
	}, []string{"outcome"})
	TransportDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fabric_transport_duration_seconds",
		Help:    "Duration of outbound transport requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"agent_type"})
	TransportErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_transport_errors_total",
		Help: "Total transport errors by agent type.",
	}, []string{"agent_type"})
	DocumentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_documents_total",
		Help: "Total document intake attempts by outcome.",
	}, []string{"outcome"})
	DocumentBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fabric_document_bytes",
		Help:    "Size distribution of uploaded documents.",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
	})
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fabric_sweep_duration_seconds",
		Help:    "Duration of background sweep runs.",
		Buckets: prometheus.DefBuckets,
	})
)
