package metrics

import "github.com/prometheus/client_golang/prometheus"

// Recorder exposes counters for booking, settlement and notification flows.
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	bookingsTotal      *prometheus.CounterVec
	transitionsTotal   *prometheus.CounterVec
	settlementTotal    *prometheus.CounterVec
	notificationsTotal *prometheus.CounterVec
	gatewayLatency     *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Recorder {
	m := &Recorder{
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "scheduling",
			Name:      "bookings_total",
			Help:      "Booking attempts by outcome",
		}, []string{"outcome"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "scheduling",
			Name:      "status_transitions_total",
			Help:      "Appointment status changes by target status",
		}, []string{"status"}),
		settlementTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "billing",
			Name:      "settlement_events_total",
			Help:      "Settlement channel events by channel, event and outcome",
		}, []string{"channel", "event", "outcome"}),
		notificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "notify",
			Name:      "sent_total",
			Help:      "Best-effort notifications by status",
		}, []string{"status"}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "billing",
			Name:      "gateway_latency_seconds",
			Help:      "Latency of payment gateway calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingsTotal, m.transitionsTotal, m.settlementTotal, m.notificationsTotal, m.gatewayLatency)
	return m
}

func (m *Recorder) ObserveBooking(outcome string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(outcome).Inc()
}

func (m *Recorder) ObserveTransition(status string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(status).Inc()
}

func (m *Recorder) ObserveSettlement(channel, event, outcome string) {
	if m == nil {
		return
	}
	m.settlementTotal.WithLabelValues(channel, event, outcome).Inc()
}

func (m *Recorder) ObserveNotification(status string) {
	if m == nil {
		return
	}
	m.notificationsTotal.WithLabelValues(status).Inc()
}

func (m *Recorder) ObserveGatewayLatency(operation string, seconds float64) {
	if m == nil {
		return
	}
	m.gatewayLatency.WithLabelValues(operation).Observe(seconds)
}
