package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	m := newMetricsWithRegisterer(prometheus.NewRegistry())

	if m.orderTransitions == nil {
		t.Error("orderTransitions counter vec should not be nil")
	}
	if m.reservations == nil {
		t.Error("reservations counter vec should not be nil")
	}
	if m.offlineQueueProcessed == nil {
		t.Error("offlineQueueProcessed counter vec should not be nil")
	}
	if m.offlineQueueDepth == nil {
		t.Error("offlineQueueDepth gauge should not be nil")
	}
	if m.handlerDuration == nil {
		t.Error("handlerDuration histogram vec should not be nil")
	}
}

func TestMetricsDoubleRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()

	first := newMetricsWithRegisterer(registry)
	second := newMetricsWithRegisterer(registry)

	first.RecordSagaCompleted()
	second.RecordSagaCompleted()

	if got := testutil.ToFloat64(first.sagaCompleted); got != 2 {
		t.Errorf("expected shared counter value 2, got %v", got)
	}
}

func TestMetricsRecorders(t *testing.T) {
	m := newMetricsWithRegisterer(prometheus.NewRegistry())

	m.RecordOrderTransition("confirmed")
	m.RecordOrderTransition("confirmed")
	m.RecordReservation("backordered")
	m.RecordAllocationFailed()
	m.RecordLowStock()
	m.RecordOfflinePayment("completed")
	m.SetOfflineQueueDepth(7)
	m.RecordOutboxEvent()
	m.RecordTimelineEvent()
	m.RecordHandlerDuration("inventory.orders", 5*time.Millisecond)

	if got := testutil.ToFloat64(m.orderTransitions.WithLabelValues("confirmed")); got != 2 {
		t.Errorf("orderTransitions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.reservations.WithLabelValues("backordered")); got != 1 {
		t.Errorf("reservations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.allocationsFailed); got != 1 {
		t.Errorf("allocationsFailed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.offlineQueueDepth); got != 7 {
		t.Errorf("offlineQueueDepth = %v, want 7", got)
	}
}
