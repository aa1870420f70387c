package payment

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/events"
	"github.com/vladislavdragonenkov/fulfillment/internal/messaging/broker"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
)

type serviceFixture struct {
	service  *Service
	payments domain.PaymentRepository
	queue    domain.OfflineQueueRepository
	gateway  *MockGateway
	outbox   interface {
		domain.OutboxRepository
		AllPending() []domain.OutboxMessage
	}
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	payments := memory.NewPaymentRepository()
	queue := memory.NewOfflineQueueRepository()
	outbox := memory.NewOutboxRepository()
	gateway := NewMockGateway()

	gateways := NewRegistry()
	gateways.Register(domain.PaymentMethodCard, gateway)
	gateways.Register(domain.PaymentMethodCash, gateway)

	service := NewService(
		payments,
		queue,
		gateways,
		outbox,
		memory.NewTimelineRepository(),
		memory.NewInboxRepository(),
	)

	return &serviceFixture{
		service:  service,
		payments: payments,
		queue:    queue,
		gateway:  gateway,
		outbox:   outbox,
	}
}

func (f *serviceFixture) pendingByKey(routingKey string) []domain.OutboxMessage {
	var result []domain.OutboxMessage
	for _, msg := range f.outbox.AllPending() {
		if msg.RoutingKey == routingKey {
			result = append(result, msg)
		}
	}
	return result
}

func TestChargeCompletesPayment(t *testing.T) {
	f := newServiceFixture(t)

	payment, err := f.service.Charge(context.Background(), "order-1", domain.PaymentMethodCard, "RUB", 100000)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusCompleted, payment.Status)
	require.NotEmpty(t, payment.GatewayTxnID)

	stored, err := f.payments.Get(payment.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusCompleted, stored.Status)

	msgs := f.pendingByKey(events.KeyPaymentCompleted)
	require.Len(t, msgs, 1)

	var event events.PaymentCompleted
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &event))
	require.Equal(t, payment.ID, event.PaymentID)
	require.Equal(t, int64(100000), event.AmountMinor)
	require.False(t, event.Offline)
}

func TestChargeDeclinedMarksFailed(t *testing.T) {
	f := newServiceFixture(t)
	f.gateway.ChargeErr = domain.ErrGatewayDeclined

	_, err := f.service.Charge(context.Background(), "order-1", domain.PaymentMethodCard, "RUB", 100000)
	require.ErrorIs(t, err, domain.ErrGatewayDeclined)

	payments, err := f.payments.ListByOrder("order-1")
	require.NoError(t, err)
	require.Len(t, payments, 1)
	require.Equal(t, domain.PaymentStatusFailed, payments[0].Status)

	require.Len(t, f.pendingByKey(events.KeyPaymentFailed), 1)
	require.Empty(t, f.pendingByKey(events.KeyPaymentCompleted))
}

func TestChargeInfraErrorLeavesProcessing(t *testing.T) {
	f := newServiceFixture(t)
	f.gateway.ChargeErr = domain.ErrGatewayUnavailable

	_, err := f.service.Charge(context.Background(), "order-1", domain.PaymentMethodCard, "RUB", 100000)
	require.ErrorIs(t, err, domain.ErrGatewayUnavailable)

	// Инфраструктурная ошибка не означает отказ: платёж остаётся processing
	// и событие payment.failed не публикуется.
	payments, err := f.payments.ListByOrder("order-1")
	require.NoError(t, err)
	require.Len(t, payments, 1)
	require.Equal(t, domain.PaymentStatusProcessing, payments[0].Status)
	require.Empty(t, f.pendingByKey(events.KeyPaymentFailed))
}

func TestChargeUnknownMethod(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.Charge(context.Background(), "order-1", domain.PaymentMethodWallet, "RUB", 100000)
	require.ErrorIs(t, err, domain.ErrUnknownPaymentMethod)
}

func TestAcceptOfflineCompletesAndQueuesReconciliation(t *testing.T) {
	f := newServiceFixture(t)

	payment, err := f.service.AcceptOffline("order-1", domain.PaymentMethodCash, "RUB", 50000)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusCompleted, payment.Status)
	require.True(t, payment.Offline)
	require.Empty(t, payment.GatewayTxnID)
	require.Zero(t, f.gateway.ChargeCalls, "offline accept must not call gateway")

	stats, err := f.queue.Stats()
	require.NoError(t, err)
	require.Equal(t, 1, stats.Pending)

	msgs := f.pendingByKey(events.KeyPaymentCompleted)
	require.Len(t, msgs, 1)

	var event events.PaymentCompleted
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &event))
	require.True(t, event.Offline)
}

func TestRefundPartialThenFull(t *testing.T) {
	f := newServiceFixture(t)

	payment, err := f.service.Charge(context.Background(), "order-1", domain.PaymentMethodCard, "RUB", 100000)
	require.NoError(t, err)

	partial, err := f.service.Refund(context.Background(), payment.ID, 30000)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusPartiallyRefunded, partial.Status)
	require.Equal(t, int64(30000), partial.RefundedMinor)

	full, err := f.service.Refund(context.Background(), partial.ID, 0)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusRefunded, full.Status)
	require.Equal(t, int64(100000), full.RefundedMinor)

	// Возврат по полностью возвращённому платежу — no-op.
	again, err := f.service.Refund(context.Background(), full.ID, 0)
	require.NoError(t, err)
	require.Equal(t, int64(100000), again.RefundedMinor)
	require.Equal(t, 2, f.gateway.RefundCalls)

	msgs := f.pendingByKey(events.KeyPaymentRefunded)
	require.Len(t, msgs, 2)

	// События несут накопленный возврат и полную сумму: по ним потребитель
	// отличает частичный возврат от полного.
	var first, second events.PaymentRefunded
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &first))
	require.NoError(t, json.Unmarshal(msgs[1].Payload, &second))
	require.Equal(t, int64(30000), first.RefundedMinor)
	require.Equal(t, int64(100000), first.TotalMinor)
	require.Equal(t, int64(100000), second.RefundedMinor)
	require.Equal(t, int64(100000), second.TotalMinor)
}

func TestRefundOverRemainingRejected(t *testing.T) {
	f := newServiceFixture(t)

	payment, err := f.service.Charge(context.Background(), "order-1", domain.PaymentMethodCard, "RUB", 100000)
	require.NoError(t, err)

	_, err = f.service.Refund(context.Background(), payment.ID, 999999)
	require.ErrorIs(t, err, domain.ErrOverRefund)
	require.Zero(t, f.gateway.RefundCalls, "rejected refund must not reach gateway")

	stored, err := f.payments.Get(payment.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), stored.RefundedMinor)
	require.Equal(t, domain.PaymentStatusCompleted, stored.Status)
	require.Empty(t, f.pendingByKey(events.KeyPaymentRefunded))
}

func TestOrderCancelledRefundsPayments(t *testing.T) {
	f := newServiceFixture(t)

	payment, err := f.service.Charge(context.Background(), "order-1", domain.PaymentMethodCard, "RUB", 100000)
	require.NoError(t, err)

	raw, err := json.Marshal(events.OrderCancelled{OrderID: "order-1", Reason: "customer request"})
	require.NoError(t, err)
	env := broker.NewEnvelope("test", events.KeyOrderCancelled, "", raw)

	handler := f.service.OrdersHandler()
	require.NoError(t, handler(context.Background(), env))

	stored, err := f.payments.Get(payment.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusRefunded, stored.Status)
	require.Equal(t, 1, f.gateway.RefundCalls)

	// Повтор того же конверта подавляется inbox-ом.
	require.NoError(t, handler(context.Background(), env))
	require.Equal(t, 1, f.gateway.RefundCalls)
}
