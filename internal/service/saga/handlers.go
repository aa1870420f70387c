package saga

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/events"
	"github.com/vladislavdragonenkov/fulfillment/internal/messaging/broker"
)

// InventoryHandler возвращает обработчик событий склада.
func (s *Saga) InventoryHandler() broker.MessageHandler {
	dedup := s.deduper()
	router := events.NewRouter(s.logger).
		Handle(events.KeyInventoryAllocated, dedup.Wrap(events.QueueSagaInventory, s.onInventoryAllocated)).
		Handle(events.KeyInventoryAllocationFailed, dedup.Wrap(events.QueueSagaInventory, s.onInventoryAllocationFailed))
	return router.Dispatch
}

// PaymentsHandler возвращает обработчик событий платежей.
func (s *Saga) PaymentsHandler() broker.MessageHandler {
	dedup := s.deduper()
	router := events.NewRouter(s.logger).
		Handle(events.KeyPaymentCompleted, dedup.Wrap(events.QueueSagaPayments, s.onPaymentCompleted)).
		Handle(events.KeyPaymentFailed, dedup.Wrap(events.QueueSagaPayments, s.onPaymentFailed)).
		Handle(events.KeyPaymentRefunded, dedup.Wrap(events.QueueSagaPayments, s.onPaymentRefunded))
	return router.Dispatch
}

// DeliveryHandler возвращает обработчик событий доставки.
func (s *Saga) DeliveryHandler() broker.MessageHandler {
	dedup := s.deduper()
	router := events.NewRouter(s.logger).
		Handle(events.KeyDeliveryAssigned, dedup.Wrap(events.QueueSagaDelivery, s.onDeliveryAssigned)).
		Handle(events.KeyDeliveryCompleted, dedup.Wrap(events.QueueSagaDelivery, s.onDeliveryCompleted))
	return router.Dispatch
}

func (s *Saga) deduper() *events.Deduper {
	return &events.Deduper{
		Inbox:   s.inbox,
		TTL:     s.inboxTTL,
		Logger:  s.logger,
		Metrics: s.metrics,
	}
}

// onInventoryAllocated переводит подтверждённый заказ в работу.
// Повторная доставка для заказа, уже ушедшего дальше, игнорируется.
func (s *Saga) onInventoryAllocated(_ context.Context, env broker.Envelope) error {
	var event events.InventoryAllocated
	if err := env.DecodePayload(&event); err != nil {
		return err
	}

	order, err := s.orders.Get(event.OrderID)
	if err != nil {
		return err
	}
	if order.Status != domain.OrderStatusConfirmed {
		s.logger.WithFields(log.Fields{
			"order_id": order.ID,
			"status":   order.Status,
		}).Debug("allocation replay for advanced order ignored")
		return nil
	}
	return s.updateStatus(&order, domain.OrderStatusProcessing)
}

// onInventoryAllocationFailed фиксирует отказ склада в timeline.
// Заказ не отменяется автоматически: решение остаётся за оператором.
func (s *Saga) onInventoryAllocationFailed(_ context.Context, env broker.Envelope) error {
	var event events.InventoryAllocationFailed
	if err := env.DecodePayload(&event); err != nil {
		return err
	}

	s.appendTimeline(event.OrderID, "InventoryAllocationFailed", event.Reason)
	if s.metrics != nil {
		s.metrics.RecordAllocationFailed()
	}
	s.logger.WithFields(log.Fields{
		"order_id": event.OrderID,
		"reason":   event.Reason,
	}).Warn("inventory allocation failed")
	return nil
}

func (s *Saga) onPaymentCompleted(_ context.Context, env broker.Envelope) error {
	var event events.PaymentCompleted
	if err := env.DecodePayload(&event); err != nil {
		return err
	}

	err := s.mutate(event.OrderID, func(order *domain.Order) error {
		if event.AmountMinor >= order.TotalMinor {
			order.PaymentStatus = domain.OrderPaymentPaid
		} else {
			order.PaymentStatus = domain.OrderPaymentPartiallyPaid
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.appendTimeline(event.OrderID, "PaymentCompleted", "")
	return nil
}

func (s *Saga) onPaymentFailed(_ context.Context, env broker.Envelope) error {
	var event events.PaymentFailed
	if err := env.DecodePayload(&event); err != nil {
		return err
	}

	s.appendTimeline(event.OrderID, "PaymentFailed", event.Reason)
	s.logger.WithFields(log.Fields{
		"order_id":   event.OrderID,
		"payment_id": event.PaymentID,
		"reason":     event.Reason,
	}).Warn("payment failed")
	return nil
}

// onPaymentRefunded различает частичный и полный возврат по накопленной
// сумме в событии: только полный возврат помечает оплату возвращённой
// и переводит отменённый или доставленный заказ в терминальный refunded.
// Частичный возврат фиксируется в timeline, статусы не трогаются.
func (s *Saga) onPaymentRefunded(_ context.Context, env broker.Envelope) error {
	var event events.PaymentRefunded
	if err := env.DecodePayload(&event); err != nil {
		return err
	}

	if event.TotalMinor <= 0 || event.RefundedMinor < event.TotalMinor {
		s.appendTimeline(event.OrderID, "PaymentPartiallyRefunded", "")
		s.logger.WithFields(log.Fields{
			"order_id":   event.OrderID,
			"payment_id": event.PaymentID,
			"refunded":   event.RefundedMinor,
			"total":      event.TotalMinor,
		}).Info("partial refund recorded")
		return nil
	}

	err := s.mutate(event.OrderID, func(order *domain.Order) error {
		order.PaymentStatus = domain.OrderPaymentRefunded
		return nil
	})
	if err != nil {
		return err
	}
	s.appendTimeline(event.OrderID, "PaymentRefunded", "")

	order, err := s.orders.Get(event.OrderID)
	if err != nil {
		return err
	}
	if !domain.CanTransition(order.Status, domain.OrderStatusRefunded) {
		return nil
	}
	return s.updateStatus(&order, domain.OrderStatusRefunded)
}

// onDeliveryAssigned фиксирует назначение доставки: processing → fulfilled.
func (s *Saga) onDeliveryAssigned(_ context.Context, env broker.Envelope) error {
	var event events.DeliveryAssigned
	if err := env.DecodePayload(&event); err != nil {
		return err
	}

	order, err := s.orders.Get(event.OrderID)
	if err != nil {
		return err
	}
	if order.Status != domain.OrderStatusProcessing {
		s.logger.WithFields(log.Fields{
			"order_id": order.ID,
			"status":   order.Status,
		}).Debug("delivery assignment replay ignored")
		return nil
	}

	// DeliveryID сохраняется тем же Save, что и смена статуса.
	order.DeliveryID = event.DeliveryID
	return s.updateStatus(&order, domain.OrderStatusFulfilled)
}

// onDeliveryCompleted завершает сагу: fulfilled → delivered.
func (s *Saga) onDeliveryCompleted(_ context.Context, env broker.Envelope) error {
	var event events.DeliveryCompleted
	if err := env.DecodePayload(&event); err != nil {
		return err
	}

	order, err := s.orders.Get(event.OrderID)
	if err != nil {
		return err
	}
	if order.Status != domain.OrderStatusFulfilled {
		s.logger.WithFields(log.Fields{
			"order_id": order.ID,
			"status":   order.Status,
		}).Debug("delivery completion replay ignored")
		return nil
	}
	return s.updateStatus(&order, domain.OrderStatusDelivered)
}
