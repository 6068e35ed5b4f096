// Package metrics holds the prometheus counters shared by the ingestion and delivery paths.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatmail_ingested_total",
			Help: "Envelopes ingested, by transport and result.",
		},
		[]string{
			"transport",
			"result", // new, duplicate, malformed, error
		},
	)
	metricCryptoFailure = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatmail_crypto_failure_total",
			Help: "Encrypted envelopes that could not be opened, by transport.",
		},
		[]string{
			"transport",
		},
	)
	metricDelivery = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatmail_delivery_attempt_total",
			Help: "Delivery attempts, by transport and result.",
		},
		[]string{
			"transport",
			"result", // ok, error, cancelled
		},
	)
	metricMembership = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatmail_membership_event_total",
			Help: "Group membership events, by outcome.",
		},
		[]string{
			"outcome", // applied, buffered, duplicate, evicted
		},
	)
	metricEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatmail_events_dropped_total",
			Help: "Events dropped because the event queue was full.",
		},
	)
	metricPanic = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatmail_panic_total",
			Help: "Recovered panics, by package.",
		},
		[]string{
			"pkg",
		},
	)
)

func Ingested(transport, result string) {
	metricIngested.WithLabelValues(transport, result).Inc()
}

func CryptoFailure(transport string) {
	metricCryptoFailure.WithLabelValues(transport).Inc()
}

func Delivery(transport, result string) {
	metricDelivery.WithLabelValues(transport, result).Inc()
}

func Membership(outcome string) {
	metricMembership.WithLabelValues(outcome).Inc()
}

func EventDropped() {
	metricEventsDropped.Inc()
}

func PanicInc(pkg string) {
	metricPanic.WithLabelValues(pkg).Inc()
}
