package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics содержит метрики координационного слоя заказов.
type Metrics struct {
	// Счётчики жизненного цикла заказов
	orderTransitions *prometheus.CounterVec
	sagaCompleted    prometheus.Counter
	sagaCancelled    prometheus.Counter

	// Склад
	reservations      *prometheus.CounterVec
	allocationsFailed prometheus.Counter
	lowStockEvents    prometheus.Counter

	// Платежи
	offlineQueueProcessed *prometheus.CounterVec
	offlineQueueDepth     prometheus.Gauge

	// Инфраструктура событий
	outboxEvents   prometheus.Counter
	timelineEvents prometheus.Counter

	handlerDuration *prometheus.HistogramVec
}

// NewMetrics создаёт метрики и регистрирует их в default registry.
func NewMetrics() *Metrics {
	return newMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

func newMetricsWithRegisterer(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		orderTransitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fulfillment_order_transitions_total",
			Help: "Total number of order status transitions",
		}, []string{"to_status"}),
		sagaCompleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fulfillment_saga_completed_total",
			Help: "Total number of orders that reached the delivered status",
		}),
		sagaCancelled: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fulfillment_saga_cancelled_total",
			Help: "Total number of cancelled orders",
		}),
		reservations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fulfillment_inventory_reservations_total",
			Help: "Total number of reservation requests grouped by result",
		}, []string{"result"}),
		allocationsFailed: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fulfillment_inventory_allocations_failed_total",
			Help: "Total number of rejected order allocations",
		}),
		lowStockEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fulfillment_inventory_low_stock_total",
			Help: "Total number of low stock threshold crossings",
		}),
		offlineQueueProcessed: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fulfillment_offline_queue_processed_total",
			Help: "Total number of offline payment reconciliation attempts grouped by result",
		}, []string{"result"}),
		offlineQueueDepth: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "fulfillment_offline_queue_depth",
			Help: "Number of offline payments waiting for reconciliation",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fulfillment_outbox_events_total",
			Help: "Total number of outbox events published",
		}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fulfillment_timeline_events_total",
			Help: "Total number of timeline events recorded",
		}),
		handlerDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "fulfillment_event_handler_duration_seconds",
			Help:    "Duration of event handler execution in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"handler"}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordOrderTransition увеличивает счётчик переходов в указанный статус.
func (m *Metrics) RecordOrderTransition(toStatus string) {
	m.orderTransitions.WithLabelValues(toStatus).Inc()
}

// RecordSagaCompleted увеличивает счётчик доставленных заказов.
func (m *Metrics) RecordSagaCompleted() {
	m.sagaCompleted.Inc()
}

// RecordSagaCancelled увеличивает счётчик отменённых заказов.
func (m *Metrics) RecordSagaCancelled() {
	m.sagaCancelled.Inc()
}

// RecordReservation учитывает исход запроса резервирования.
func (m *Metrics) RecordReservation(result string) {
	m.reservations.WithLabelValues(result).Inc()
}

// RecordAllocationFailed увеличивает счётчик отклонённых аллокаций.
func (m *Metrics) RecordAllocationFailed() {
	m.allocationsFailed.Inc()
}

// RecordLowStock увеличивает счётчик пересечений порога reorder point.
func (m *Metrics) RecordLowStock() {
	m.lowStockEvents.Inc()
}

// RecordOfflinePayment учитывает исход обработки элемента офлайн-очереди.
func (m *Metrics) RecordOfflinePayment(result string) {
	m.offlineQueueProcessed.WithLabelValues(result).Inc()
}

// SetOfflineQueueDepth выставляет текущую глубину офлайн-очереди.
func (m *Metrics) SetOfflineQueueDepth(depth int) {
	m.offlineQueueDepth.Set(float64(depth))
}

// RecordOutboxEvent увеличивает счётчик опубликованных событий outbox.
func (m *Metrics) RecordOutboxEvent() {
	m.outboxEvents.Inc()
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *Metrics) RecordTimelineEvent() {
	m.timelineEvents.Inc()
}

// RecordHandlerDuration записывает время выполнения обработчика события.
func (m *Metrics) RecordHandlerDuration(handler string, duration time.Duration) {
	m.handlerDuration.WithLabelValues(handler).Observe(duration.Seconds())
}
