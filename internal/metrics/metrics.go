// Package metrics holds the Prometheus collectors of the comment service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "comments"

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Sessions currently registered in a room.",
	})

	Broadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcasts_total",
		Help:      "Refresh events published to a room.",
	})

	// FanoutDeliveries counts per-member outcomes of a broadcast: delivered or coalesced.
	FanoutDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fanout_deliveries_total",
		Help:      "Refresh signals handed to room members.",
	}, []string{"result"})

	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_requests_total",
		Help:      "Rendered page cache lookups.",
	}, []string{"result"})

	CommentsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "created_total",
		Help:      "Comments and replies persisted.",
	})

	ErrorFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "error_frames_total",
		Help:      "Error frames sent to clients, by kind.",
	}, []string{"kind"})
)
