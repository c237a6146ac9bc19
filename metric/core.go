package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all engine-level metrics
type Metrics struct {
	// Ingest metrics
	TagBatchesReceived *prometheus.CounterVec
	TagReadsProcessed  *prometheus.CounterVec
	TagReadsDropped    *prometheus.CounterVec
	MalformedPayloads  *prometheus.CounterVec

	// Domain metrics
	AlertsCreated      *prometheus.CounterVec
	AlertsAcknowledged prometheus.Counter
	SecurityFindings   *prometheus.CounterVec
	ReadersOnline      prometheus.Gauge
	InventoryItems     prometheus.Gauge

	// Audit metrics
	AuditDuration      prometheus.Histogram
	AuditDiscrepancies prometheus.Gauge

	// NATS metrics
	NATSConnected      prometheus.Gauge
	NATSRTT            prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all engine metrics
func NewMetrics() *Metrics {
	return &Metrics{
		TagBatchesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tagstream",
				Subsystem: "ingest",
				Name:      "tag_batches_received_total",
				Help:      "Total tag-read batches received from readers",
			},
			[]string{"reader"},
		),

		TagReadsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tagstream",
				Subsystem: "ingest",
				Name:      "tag_reads_processed_total",
				Help:      "Total individual tag reads applied to the inventory store",
			},
			[]string{"reader"},
		),

		TagReadsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tagstream",
				Subsystem: "ingest",
				Name:      "tag_reads_dropped_total",
				Help:      "Tag reads dropped and the reason (unknown_product, malformed)",
			},
			[]string{"reason"},
		),

		MalformedPayloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tagstream",
				Subsystem: "ingest",
				Name:      "malformed_payloads_total",
				Help:      "Payloads rejected at the transport boundary by schema validation",
			},
			[]string{"kind"},
		),

		AlertsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tagstream",
				Subsystem: "alerts",
				Name:      "created_total",
				Help:      "Alerts created by level and type",
			},
			[]string{"level", "type"},
		),

		AlertsAcknowledged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "tagstream",
				Subsystem: "alerts",
				Name:      "acknowledged_total",
				Help:      "Alerts acknowledged",
			},
		),

		SecurityFindings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tagstream",
				Subsystem: "security",
				Name:      "findings_total",
				Help:      "Security findings emitted by the detector, by type",
			},
			[]string{"type"},
		),

		ReadersOnline: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "tagstream",
				Subsystem: "readers",
				Name:      "online",
				Help:      "Number of readers currently online",
			},
		),

		InventoryItems: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "tagstream",
				Subsystem: "inventory",
				Name:      "items",
				Help:      "Number of items tracked in the inventory store",
			},
		),

		AuditDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "tagstream",
				Subsystem: "audit",
				Name:      "duration_seconds",
				Help:      "Wall-clock duration of full-facility audits",
				Buckets:   []float64{1, 2.5, 5, 7.5, 10, 15, 30, 60},
			},
		),

		AuditDiscrepancies: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "tagstream",
				Subsystem: "audit",
				Name:      "discrepancies",
				Help:      "Discrepancies found by the most recent audit",
			},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "tagstream",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "tagstream",
				Subsystem: "nats",
				Name:      "rtt_milliseconds",
				Help:      "NATS round-trip time in milliseconds",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "tagstream",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "tagstream",
				Subsystem: "nats",
				Name:      "circuit_breaker",
				Help:      "NATS circuit breaker status (0=closed, 1=open)",
			},
		),
	}
}

// RecordTagBatch increments the batch counter for a reader
func (c *Metrics) RecordTagBatch(readerID string) {
	c.TagBatchesReceived.WithLabelValues(readerID).Inc()
}

// RecordTagRead increments the processed tag-read counter for a reader
func (c *Metrics) RecordTagRead(readerID string) {
	c.TagReadsProcessed.WithLabelValues(readerID).Inc()
}

// RecordTagDropped increments the dropped tag-read counter
func (c *Metrics) RecordTagDropped(reason string) {
	c.TagReadsDropped.WithLabelValues(reason).Inc()
}

// RecordMalformedPayload increments the malformed payload counter
func (c *Metrics) RecordMalformedPayload(kind string) {
	c.MalformedPayloads.WithLabelValues(kind).Inc()
}

// RecordAlertCreated increments the alert counter
func (c *Metrics) RecordAlertCreated(level, alertType string) {
	c.AlertsCreated.WithLabelValues(level, alertType).Inc()
}

// RecordAlertAcknowledged increments the acknowledgement counter
func (c *Metrics) RecordAlertAcknowledged() {
	c.AlertsAcknowledged.Inc()
}

// RecordSecurityFinding increments the security finding counter
func (c *Metrics) RecordSecurityFinding(findingType string) {
	c.SecurityFindings.WithLabelValues(findingType).Inc()
}

// RecordReadersOnline updates the online reader gauge
func (c *Metrics) RecordReadersOnline(n int) {
	c.ReadersOnline.Set(float64(n))
}

// RecordInventoryItems updates the tracked item gauge
func (c *Metrics) RecordInventoryItems(n int) {
	c.InventoryItems.Set(float64(n))
}

// RecordAudit records the duration and discrepancy count of an audit run
func (c *Metrics) RecordAudit(duration time.Duration, discrepancies int) {
	c.AuditDuration.Observe(duration.Seconds())
	c.AuditDiscrepancies.Set(float64(discrepancies))
}

// RecordNATSStatus updates the NATS connection gauge
func (c *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSRTT updates the NATS round-trip time gauge
func (c *Metrics) RecordNATSRTT(rtt time.Duration) {
	c.NATSRTT.Set(float64(rtt.Milliseconds()))
}

// RecordNATSReconnect increments the reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates the circuit breaker gauge
func (c *Metrics) RecordCircuitBreakerState(open bool) {
	value := 0.0
	if open {
		value = 1.0
	}
	c.NATSCircuitBreaker.Set(value)
}
