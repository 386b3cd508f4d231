package signaling

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics Prometheus метрики контроллера сессий
type Metrics struct {
	sessionsOpened      prometheus.Counter
	sessionsActive      prometheus.Gauge
	negotiations        *prometheus.CounterVec
	negotiationDuration prometheus.Histogram
	eventsDelivered     *prometheus.CounterVec
	deliveriesDropped   prometheus.Counter
	engineErrors        *prometheus.CounterVec
	rtpPackets          prometheus.Counter
	rtpBytes            prometheus.Counter
}

// NewMetrics создает метрики и регистрирует их в reg.
// При reg == nil метрики создаются без регистрации.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	const ns, sub = "mrcp", "signaling"

	return &Metrics{
		sessionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "sessions_opened_total",
			Help: "Количество открытых сессий",
		}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "sessions_active",
			Help: "Количество сессий в реестре",
		}),
		negotiations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "negotiations_total",
			Help: "Результаты согласования канала",
		}, []string{"outcome"}),
		negotiationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "negotiation_duration_seconds",
			Help:    "Время ожидания согласования канала",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
		}),
		eventsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "events_delivered_total",
			Help: "События, переданные подписчикам",
		}, []string{"type"}),
		deliveriesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "deliveries_dropped_total",
			Help: "События, отброшенные после закрытия или без подписчика",
		}),
		engineErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "engine_errors_total",
			Help: "Ошибки вызовов движка",
		}, []string{"op"}),
		rtpPackets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "rtp_packets_received_total",
			Help: "Принятые RTP пакеты",
		}),
		rtpBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "rtp_bytes_received_total",
			Help: "Принятые байты RTP полезной нагрузки",
		}),
	}
}

func (m *Metrics) opened() {
	m.sessionsOpened.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) closed() {
	m.sessionsActive.Dec()
}

func (m *Metrics) negotiated(outcome string, elapsed time.Duration) {
	m.negotiations.WithLabelValues(outcome).Inc()
	m.negotiationDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) delivered(t EventType) {
	m.eventsDelivered.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) dropped() {
	m.deliveriesDropped.Inc()
}

func (m *Metrics) engineError(op string) {
	m.engineErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) rtp(size int) {
	m.rtpPackets.Inc()
	m.rtpBytes.Add(float64(size))
}
