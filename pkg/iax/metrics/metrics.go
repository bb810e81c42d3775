// Package metrics экспортирует метрики IAX2 клиента в Prometheus.
//
// Collector создается один на клиента. Нулевой указатель (*Collector)(nil)
// допустим: все методы на нем ничего не делают.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config конфигурация метрик
type Config struct {
	Enabled bool
	// Namespace префикс метрик
	Namespace string
	// Subsystem подсистема метрик
	Subsystem string
	// Registerer куда регистрировать метрики; nil означает prometheus.DefaultRegisterer
	Registerer prometheus.Registerer
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Namespace: "iax",
		Subsystem: "client",
	}
}

// Направление кадра
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Collector набор метрик клиента
type Collector struct {
	frames           *prometheus.CounterVec
	decodeErrors     *prometheus.CounterVec
	retransmissions  *prometheus.CounterVec
	retransmitFailed *prometheus.CounterVec
	outOfOrder       *prometheus.CounterVec
	registrations    *prometheus.CounterVec
	dropped          prometheus.Counter
	callsActive      prometheus.Gauge
	callsTotal       *prometheus.CounterVec
	callDuration     prometheus.Histogram
}

// New создает и регистрирует метрики. При Enabled=false возвращает nil.
func New(cfg Config) *Collector {
	if !cfg.Enabled {
		return nil
	}
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	ns, sub := cfg.Namespace, cfg.Subsystem

	return &Collector{
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "frames_total",
			Help:      "IAX2 frames by direction, frame type and subclass",
		}, []string{"direction", "type", "subclass"}),

		decodeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "decode_errors_total",
			Help:      "Datagrams dropped because they could not be decoded",
		}, []string{"reason"}),

		retransmissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "retransmissions_total",
			Help:      "Full frames sent again without acknowledgement",
		}, []string{"scope"}),

		retransmitFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "retransmit_failures_total",
			Help:      "Full frames dropped after exhausting retransmissions",
		}, []string{"scope"}),

		outOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "out_of_order_total",
			Help:      "Full frames that failed the sequence check",
		}, []string{"verdict"}),

		registrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "registration_transitions_total",
			Help:      "Registration state transitions by target state",
		}, []string{"state"}),

		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "datagrams_dropped_total",
			Help:      "Datagrams dropped because a worker queue was full",
		}),

		callsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "calls_active",
			Help:      "Calls currently holding a call number",
		}),

		callsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "calls_total",
			Help:      "Calls by direction and result",
		}, []string{"direction", "result"}),

		callDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "call_duration_seconds",
			Help:      "Duration of finished calls",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
	}
}

// FrameSent учитывает отправленный кадр
func (c *Collector) FrameSent(typ, subclass string) {
	if c == nil {
		return
	}
	c.frames.WithLabelValues(DirectionOut, typ, subclass).Inc()
}

// FrameReceived учитывает принятый кадр
func (c *Collector) FrameReceived(typ, subclass string) {
	if c == nil {
		return
	}
	c.frames.WithLabelValues(DirectionIn, typ, subclass).Inc()
}

// DecodeError учитывает отброшенную датаграмму
func (c *Collector) DecodeError(reason string) {
	if c == nil {
		return
	}
	c.decodeErrors.WithLabelValues(reason).Inc()
}

// Retransmitted учитывает повторно отправленные кадры
func (c *Collector) Retransmitted(scope string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.retransmissions.WithLabelValues(scope).Add(float64(n))
}

// RetransmitFailed учитывает кадры, снятые без подтверждения
func (c *Collector) RetransmitFailed(scope string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.retransmitFailed.WithLabelValues(scope).Add(float64(n))
}

// OutOfOrder учитывает кадр, не прошедший проверку порядка
func (c *Collector) OutOfOrder(verdict string) {
	if c == nil {
		return
	}
	c.outOfOrder.WithLabelValues(verdict).Inc()
}

// Registration учитывает переход регистрации
func (c *Collector) Registration(state string) {
	if c == nil {
		return
	}
	c.registrations.WithLabelValues(state).Inc()
}

// Dropped учитывает датаграмму, отброшенную из-за переполнения очереди
func (c *Collector) Dropped() {
	if c == nil {
		return
	}
	c.dropped.Inc()
}

// CallStarted учитывает занятый номер вызова
func (c *Collector) CallStarted() {
	if c == nil {
		return
	}
	c.callsActive.Inc()
}

// CallFinished освобождает номер вызова и учитывает результат и длительность
func (c *Collector) CallFinished(direction, result string, d time.Duration) {
	if c == nil {
		return
	}
	c.callsActive.Dec()
	c.callsTotal.WithLabelValues(direction, result).Inc()
	c.callDuration.Observe(d.Seconds())
}
