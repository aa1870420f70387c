package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/events"
	"github.com/vladislavdragonenkov/fulfillment/internal/messaging/broker"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
)

// Service управляет платежами заказов: онлайн-списания через шлюз,
// офлайн-приём с отложенной сверкой и возвраты по отмене заказа.
type Service struct {
	payments domain.PaymentRepository
	queue    domain.OfflineQueueRepository
	gateways *Registry
	outbox   domain.OutboxRepository
	timeline domain.TimelineRepository
	inbox    domain.InboxRepository
	logger   *log.Entry
	metrics  *metrics.Metrics
	inboxTTL time.Duration
}

// ServiceOption настраивает Service.
type ServiceOption func(*Service)

// WithServiceLogger задаёт logger сервиса платежей.
func WithServiceLogger(logger *log.Entry) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithServiceMetrics задаёт метрики сервиса платежей.
func WithServiceMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// NewService создаёт сервис платежей.
func NewService(
	payments domain.PaymentRepository,
	queue domain.OfflineQueueRepository,
	gateways *Registry,
	outbox domain.OutboxRepository,
	timeline domain.TimelineRepository,
	inbox domain.InboxRepository,
	options ...ServiceOption,
) *Service {
	s := &Service{
		payments: payments,
		queue:    queue,
		gateways: gateways,
		outbox:   outbox,
		timeline: timeline,
		inbox:    inbox,
		inboxTTL: events.DefaultInboxTTL,
	}
	for _, option := range options {
		option(s)
	}
	if s.logger == nil {
		s.logger = log.WithField("component", "payment-service")
	}
	return s
}

// Charge проводит онлайн-списание через шлюз способа оплаты.
// Отказ шлюза фиксируется как failed-платёж и событие payment.failed.
func (s *Service) Charge(ctx context.Context, orderID string, method domain.PaymentMethod, currency string, amountMinor int64) (domain.Payment, error) {
	payment := s.newPayment(orderID, method, currency, amountMinor, false)
	if errs := payment.Validate(); len(errs) > 0 {
		return domain.Payment{}, errs[0]
	}

	gateway, err := s.gateways.Resolve(method)
	if err != nil {
		return domain.Payment{}, err
	}

	payment.Status = domain.PaymentStatusProcessing
	if err := s.payments.Create(payment); err != nil {
		return domain.Payment{}, err
	}

	txnID, chargeErr := gateway.Charge(ctx, payment)
	if chargeErr != nil {
		if domain.IsBusinessRejection(chargeErr) {
			payment.Status = domain.PaymentStatusFailed
			if err := s.payments.Save(payment); err != nil {
				return domain.Payment{}, err
			}
			s.emitEvent(payment.OrderID, events.KeyPaymentFailed, events.PaymentFailed{
				PaymentID: payment.ID,
				OrderID:   payment.OrderID,
				Reason:    chargeErr.Error(),
			})
		}
		return domain.Payment{}, chargeErr
	}

	payment.Status = domain.PaymentStatusCompleted
	payment.GatewayTxnID = txnID
	if err := s.payments.Save(payment); err != nil {
		return domain.Payment{}, err
	}

	s.emitEvent(payment.OrderID, events.KeyPaymentCompleted, events.PaymentCompleted{
		PaymentID:    payment.ID,
		OrderID:      payment.OrderID,
		AmountMinor:  payment.AmountMinor,
		GatewayTxnID: txnID,
	})
	s.logger.WithFields(log.Fields{
		"order_id":   orderID,
		"payment_id": payment.ID,
	}).Info("payment charged")

	payment.Version++
	return payment, nil
}

// AcceptOffline принимает платёж без обращения к шлюзу (наличные, терминал
// без связи). Платёж сразу считается completed, а сверка со шлюзом
// откладывается в офлайн-очередь.
func (s *Service) AcceptOffline(orderID string, method domain.PaymentMethod, currency string, amountMinor int64) (domain.Payment, error) {
	payment := s.newPayment(orderID, method, currency, amountMinor, true)
	if errs := payment.Validate(); len(errs) > 0 {
		return domain.Payment{}, errs[0]
	}

	payment.Status = domain.PaymentStatusCompleted
	if err := s.payments.Create(payment); err != nil {
		return domain.Payment{}, err
	}

	if _, err := s.queue.Enqueue(domain.OfflineQueueItem{
		PaymentID: payment.ID,
		Status:    domain.OfflineQueuePending,
	}); err != nil {
		return domain.Payment{}, err
	}

	s.emitEvent(payment.OrderID, events.KeyPaymentCompleted, events.PaymentCompleted{
		PaymentID:   payment.ID,
		OrderID:     payment.OrderID,
		AmountMinor: payment.AmountMinor,
		Offline:     true,
	})
	s.logger.WithFields(log.Fields{
		"order_id":   orderID,
		"payment_id": payment.ID,
	}).Info("offline payment accepted")
	return payment, nil
}

// Refund возвращает amountMinor по платежу (0 — весь остаток).
// Запрос сверх остатка — бизнес-отказ, а не молчаливое урезание.
func (s *Service) Refund(ctx context.Context, paymentID string, amountMinor int64) (domain.Payment, error) {
	payment, err := s.payments.Get(paymentID)
	if err != nil {
		return domain.Payment{}, err
	}

	remaining := payment.AmountMinor - payment.RefundedMinor
	if amountMinor <= 0 {
		amountMinor = remaining
	}
	if amountMinor > remaining {
		return domain.Payment{}, fmt.Errorf("%w: requested %d, remaining %d",
			domain.ErrOverRefund, amountMinor, remaining)
	}
	if amountMinor <= 0 {
		return payment, nil
	}

	gateway, err := s.gateways.Resolve(payment.Method)
	if err != nil {
		return domain.Payment{}, err
	}
	if _, err := gateway.Refund(ctx, payment, amountMinor); err != nil {
		return domain.Payment{}, err
	}

	payment.RefundedMinor += amountMinor
	if payment.FullyRefunded() {
		payment.Status = domain.PaymentStatusRefunded
	} else {
		payment.Status = domain.PaymentStatusPartiallyRefunded
	}
	if err := s.payments.Save(payment); err != nil {
		return domain.Payment{}, err
	}

	s.emitEvent(payment.OrderID, events.KeyPaymentRefunded, events.PaymentRefunded{
		PaymentID:     payment.ID,
		OrderID:       payment.OrderID,
		AmountMinor:   amountMinor,
		RefundedMinor: payment.RefundedMinor,
		TotalMinor:    payment.AmountMinor,
	})
	s.logger.WithFields(log.Fields{
		"payment_id":   payment.ID,
		"amount_minor": amountMinor,
	}).Info("payment refunded")

	payment.Version++
	return payment, nil
}

// ListByOrder возвращает платежи заказа.
func (s *Service) ListByOrder(orderID string) ([]domain.Payment, error) {
	return s.payments.ListByOrder(orderID)
}

// QueueStats возвращает срез офлайн-очереди по статусам.
func (s *Service) QueueStats() (domain.OfflineQueueStats, error) {
	return s.queue.Stats()
}

// OrdersHandler возвращает обработчик событий заказов: отмена заказа
// запускает возврат всех завершённых платежей.
func (s *Service) OrdersHandler() broker.MessageHandler {
	dedup := &events.Deduper{
		Inbox:   s.inbox,
		TTL:     s.inboxTTL,
		Logger:  s.logger,
		Metrics: s.metrics,
	}
	router := events.NewRouter(s.logger).
		Handle(events.KeyOrderCancelled, dedup.Wrap(events.QueuePaymentOrders, s.onOrderCancelled))
	return router.Dispatch
}

func (s *Service) onOrderCancelled(ctx context.Context, env broker.Envelope) error {
	var event events.OrderCancelled
	if err := env.DecodePayload(&event); err != nil {
		return err
	}

	payments, err := s.payments.ListByOrder(event.OrderID)
	if err != nil {
		return err
	}
	for _, p := range payments {
		if p.Status != domain.PaymentStatusCompleted && p.Status != domain.PaymentStatusPartiallyRefunded {
			continue
		}
		if _, err := s.Refund(ctx, p.ID, 0); err != nil {
			if domain.IsBusinessRejection(err) {
				s.logger.WithError(err).WithField("payment_id", p.ID).Warn("refund rejected")
				continue
			}
			return err
		}
	}
	return nil
}

func (s *Service) newPayment(orderID string, method domain.PaymentMethod, currency string, amountMinor int64, offline bool) domain.Payment {
	now := time.Now().UTC()
	return domain.Payment{
		ID:          uuid.NewString(),
		OrderID:     orderID,
		Method:      method,
		Status:      domain.PaymentStatusPending,
		Currency:    currency,
		AmountMinor: amountMinor,
		Offline:     offline,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (s *Service) emitEvent(orderID, routingKey string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.WithError(err).WithField("routing_key", routingKey).Error("marshal event failed")
		return
	}
	if _, err := s.outbox.Enqueue(domain.OutboxMessage{
		AggregateType: "payment",
		AggregateID:   orderID,
		RoutingKey:    routingKey,
		Payload:       raw,
	}); err != nil {
		s.logger.WithError(err).WithField("routing_key", routingKey).Error("enqueue event failed")
	} else if s.metrics != nil {
		s.metrics.RecordOutboxEvent()
	}
}
