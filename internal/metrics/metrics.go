// Package metrics exposes Prometheus instrumentation for one peer process.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/WendelHime/peershare/internal/shared/models"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "peershare"

type Metrics struct {
	messagesReceived *prometheus.CounterVec
	messagesSent     *prometheus.CounterVec
	piecesStored     prometheus.Counter
	bytesStored      prometheus.Counter
	piecesPresent    prometheus.Gauge
	preferred        prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Protocol messages received, by type.",
		}, []string{"type"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Protocol messages sent, by type.",
		}, []string{"type"}),
		piecesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pieces_stored_total",
			Help:      "Pieces received and written to disk.",
		}),
		bytesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_stored_total",
			Help:      "Piece bytes written to disk.",
		}),
		piecesPresent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pieces_present",
			Help:      "Pieces currently held by the local peer.",
		}),
		preferred: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "preferred_neighbors",
			Help:      "Size of the last preferred neighbor selection.",
		}),
	}
	reg.MustRegister(m.messagesReceived, m.messagesSent, m.piecesStored, m.bytesStored, m.piecesPresent, m.preferred)
	return m
}

func (m *Metrics) MessageReceived(t models.MessageType) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) MessageSent(t models.MessageType) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) PieceStored(size int, present int) {
	if m == nil {
		return
	}
	m.piecesStored.Inc()
	m.bytesStored.Add(float64(size))
	m.piecesPresent.Set(float64(present))
}

func (m *Metrics) PiecesPresent(present int) {
	if m == nil {
		return
	}
	m.piecesPresent.Set(float64(present))
}

func (m *Metrics) PreferredNeighbors(n int) {
	if m == nil {
		return
	}
	m.preferred.Set(float64(n))
}
