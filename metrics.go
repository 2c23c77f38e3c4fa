package nsq

import "github.com/prometheus/client_golang/prometheus"

// metrics bundles the optional Prometheus instrumentation for a
// Consumer (Producer has none). A nil registerer leaves every field nil and
// every method becomes a no-op, so the dependency costs nothing for
// callers who don't want it.
type metrics struct {
	messagesReceived prometheus.Counter
	messagesFinished prometheus.Counter
	messagesRequeued prometheus.Counter
	messagesGivenUp prometheus.Counter
	connectionsTotal prometheus.Gauge
	readyCountTotal prometheus.Gauge
	inFlightCount *prometheus.GaugeVec
	backoffState *prometheus.GaugeVec
}

// newMetrics registers the Consumer's counters/gauges against reg,
// labeled with topic/channel. A nil reg yields a nil *metrics.
func newMetrics(reg prometheus.Registerer, topic, channel string) *metrics {
	if reg == nil {
		return nil
	}

	labels := prometheus.Labels{"topic": topic, "channel": channel}

	m := &metrics{
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nsq_consumer",
			Name: "messages_received_total",
			Help: "Total messages delivered to this consumer.",
			ConstLabels: labels,
		}),
		messagesFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nsq_consumer",
			Name: "messages_finished_total",
			Help: "Total messages successfully finished.",
			ConstLabels: labels,
		}),
		messagesRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nsq_consumer",
			Name: "messages_requeued_total",
			Help: "Total messages requeued.",
			ConstLabels: labels,
		}),
		messagesGivenUp: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nsq_consumer",
			Name: "messages_given_up_total",
			Help: "Total messages finished without handler invocation after exceeding max_tries.",
			ConstLabels: labels,
		}),
		connectionsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nsq_consumer",
			Name: "connections",
			Help: "Current number of nsqd connections.",
			ConstLabels: labels,
		}),
		readyCountTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nsq_consumer",
			Name: "ready_count_total",
			Help: "Sum of RDY across all connections.",
			ConstLabels: labels,
		}),
		inFlightCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nsq_consumer",
			Name: "in_flight_count",
			Help: "Messages delivered but not yet finished or requeued, per broker address.",
			ConstLabels: labels,
		}, []string{"addr"}),
		backoffState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nsq_consumer",
			Name: "backoff_state",
			Help: "Per-session backoff state machine value: 0=init 1=running 2=backoff 3=throttled.",
			ConstLabels: labels,
		}, []string{"addr"}),
	}

	reg.MustRegister(
	m.messagesReceived,
	m.messagesFinished,
	m.messagesRequeued,
	m.messagesGivenUp,
	m.connectionsTotal,
	m.readyCountTotal,
	m.inFlightCount,
	m.backoffState,
	)

	return m
}

func (m *metrics) received() {
	if m == nil {
		return
	}
	m.messagesReceived.Inc()
}

func (m *metrics) finished() {
	if m == nil {
		return
	}
	m.messagesFinished.Inc()
}

func (m *metrics) requeued() {
	if m == nil {
		return
	}
	m.messagesRequeued.Inc()
}

func (m *metrics) setConnections(n int) {
	if m == nil {
		return
	}
	m.connectionsTotal.Set(float64(n))
}

func (m *metrics) setReadyTotal(n int64) {
	if m == nil {
		return
	}
	m.readyCountTotal.Set(float64(n))
}

func (m *metrics) givenUp() {
	if m == nil {
		return
	}
	m.messagesGivenUp.Inc()
}

func (m *metrics) setInFlight(addr string, n int64) {
	if m == nil {
		return
	}
	m.inFlightCount.WithLabelValues(addr).Set(float64(n))
}

func (m *metrics) setBackoffState(addr string, state sessState) {
	if m == nil {
		return
	}
	m.backoffState.WithLabelValues(addr).Set(float64(state))
}

func (m *metrics) dropSession(addr string) {
	if m == nil {
		return
	}
	m.inFlightCount.DeleteLabelValues(addr)
	m.backoffState.DeleteLabelValues(addr)
}
