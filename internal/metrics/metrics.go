// Package metrics drží Prometheus metriky ingestoru.
// Všechny metody jsou bezpečné i na nil *Metrics (komponenty pak metriky prostě nesbírají).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ConnectionsAccepted prometheus.Counter
	ConnectionsActive   prometheus.Gauge
	ChunksReceived      prometheus.Counter
	BytesReceived       prometheus.Counter
	ReadingsDecoded     prometheus.Counter
	DecodeFailures      prometheus.Counter
	FieldWarnings       prometheus.Counter
	BytesSent           prometheus.Counter
	InsertsSkipped      prometheus.Counter

	DBOperations *prometheus.CounterVec
	DBLatency    *prometheus.HistogramVec
}

// New vytvoří metriky a zaregistruje je do reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "greenhouse_connections_accepted_total",
			Help: "Accepted device TCP connections.",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "greenhouse_connections_active",
			Help: "Device connections with a running worker.",
		}),
		ChunksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "greenhouse_chunks_received_total",
			Help: "Socket reads that returned data.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "greenhouse_bytes_received_total",
			Help: "Bytes read from device sockets.",
		}),
		ReadingsDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "greenhouse_readings_decoded_total",
			Help: "Messages decoded into a reading.",
		}),
		DecodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "greenhouse_decode_failures_total",
			Help: "Messages dropped because of framing or empty content.",
		}),
		FieldWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "greenhouse_field_warnings_total",
			Help: "Key/value pairs skipped inside otherwise valid messages.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "greenhouse_bytes_sent_total",
			Help: "Bytes written to device sockets.",
		}),
		InsertsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "greenhouse_inserts_skipped_total",
			Help: "Readings not stored because the database was not connected.",
		}),
		DBOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "greenhouse_db_operations_total",
			Help: "Database gateway operations by operation and result.",
		}, []string{"op", "result"}),
		DBLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "greenhouse_db_operation_seconds",
			Help:    "Time spent inside the gateway lock per operation.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.ConnectionsAccepted, m.ConnectionsActive, m.ChunksReceived, m.BytesReceived,
		m.ReadingsDecoded, m.DecodeFailures, m.FieldWarnings, m.BytesSent, m.InsertsSkipped,
		m.DBOperations, m.DBLatency,
	)
	return m
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsAccepted.Inc()
	m.ConnectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

func (m *Metrics) Chunk(n int) {
	if m == nil {
		return
	}
	m.ChunksReceived.Inc()
	m.BytesReceived.Add(float64(n))
}

func (m *Metrics) Decoded(warnings int) {
	if m == nil {
		return
	}
	m.ReadingsDecoded.Inc()
	m.FieldWarnings.Add(float64(warnings))
}

func (m *Metrics) DecodeFailed() {
	if m == nil {
		return
	}
	m.DecodeFailures.Inc()
}

func (m *Metrics) Sent(n int) {
	if m == nil {
		return
	}
	m.BytesSent.Add(float64(n))
}

func (m *Metrics) InsertSkipped() {
	if m == nil {
		return
	}
	m.InsertsSkipped.Inc()
}

// DBOp zaznamená jednu operaci gateway.
func (m *Metrics) DBOp(op string, err error, took time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.DBOperations.WithLabelValues(op, result).Inc()
	m.DBLatency.WithLabelValues(op).Observe(took.Seconds())
}
