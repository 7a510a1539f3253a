package rabbitmq

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "mmate_amqp"

// Result label values
const (
	resultSuccess = "success"
	resultFailure = "failure"
)

// Metrics holds the Prometheus collectors updated by the connection manager
// and publisher. A nil *Metrics records nothing.
type Metrics struct {
	connections  *prometheus.CounterVec
	channels     *prometheus.CounterVec
	declarations *prometheus.CounterVec
	publishes    *prometheus.CounterVec
	batchSize    prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
// Pass prometheus.DefaultRegisterer to expose them on the default handler.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connection_attempts_total",
			Help:      "Broker connection attempts by result.",
		}, []string{"result"}),
		channels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "channels_opened_total",
			Help:      "Channel open requests by result.",
		}, []string{"result"}),
		declarations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "exchange_declarations_total",
			Help:      "Exchange declarations by exchange and result.",
		}, []string{"exchange", "result"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "publishes_total",
			Help:      "Messages handed to the transport by exchange and result.",
		}, []string{"exchange", "result"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "batch_size",
			Help:      "Messages per flushed batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.connections, m.channels, m.declarations, m.publishes, m.batchSize} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

func result(err error) string {
	if err != nil {
		return resultFailure
	}
	return resultSuccess
}

func (m *Metrics) observeConnection(err error) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) observeChannel(err error) {
	if m == nil {
		return
	}
	m.channels.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) observeDeclaration(exchange string, err error) {
	if m == nil {
		return
	}
	m.declarations.WithLabelValues(exchange, result(err)).Inc()
}

func (m *Metrics) observePublish(exchange string, count int, err error) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(exchange, result(err)).Add(float64(count))
}

func (m *Metrics) observeBatch(size int) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(size))
}
