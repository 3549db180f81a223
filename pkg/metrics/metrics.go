// Package metrics exposes Prometheus counters and gauges for the
// ingestion pipeline's discovery, connection, subscription, and
// decode stages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DiscoveryEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ble_medical_discovery_events_total",
		Help: "Classified advertisements emitted by the scanner, by device kind",
	}, []string{"kind"})

	ConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ble_medical_connect_attempts_total",
		Help: "Connect attempts by outcome",
	}, []string{"outcome"})

	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ble_medical_reconnects_total",
		Help: "Reconnection attempts by outcome",
	}, []string{"outcome"})

	SubscriptionEnables = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ble_medical_subscription_enables_total",
		Help: "CCCD enable attempts by descriptor value and status code",
	}, []string{"descriptor", "status"})

	FramesDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ble_medical_frames_decoded_total",
		Help: "Raw frames decoded, by decoder and outcome",
	}, []string{"decoder", "outcome"})

	MeasurementsValidated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ble_medical_measurements_validated_total",
		Help: "Measurements delivered to the event sink, by kind and validity",
	}, []string{"kind", "valid"})

	ConnectedSlots = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ble_medical_connected_slots",
		Help: "Number of connection slots currently in the Connected state",
	})
)

// Outcome label values for ConnectAttempts/Reconnects.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Validity label values for MeasurementsValidated.
const (
	ValidTrue  = "true"
	ValidFalse = "false"
)

func IncDiscovery(kind string) {
	DiscoveryEvents.WithLabelValues(kind).Inc()
}

func IncConnectAttempt(outcome string) {
	ConnectAttempts.WithLabelValues(outcome).Inc()
}

func IncReconnect(outcome string) {
	Reconnects.WithLabelValues(outcome).Inc()
}

func IncSubscriptionEnable(descriptor, status string) {
	SubscriptionEnables.WithLabelValues(descriptor, status).Inc()
}

func IncFrameDecoded(decoder, outcome string) {
	FramesDecoded.WithLabelValues(decoder, outcome).Inc()
}

func IncMeasurementValidated(kind string, valid bool) {
	v := ValidFalse
	if valid {
		v = ValidTrue
	}
	MeasurementsValidated.WithLabelValues(kind, v).Inc()
}

func SetConnectedSlots(count int) {
	ConnectedSlots.Set(float64(count))
}
