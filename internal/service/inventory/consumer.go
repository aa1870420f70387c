package inventory

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/events"
	"github.com/vladislavdragonenkov/fulfillment/internal/messaging/broker"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
)

// defaultLocation используется, пока событие order.confirmed
// не несёт явного распределения по складам.
const defaultLocation = "main"

// Consumer обрабатывает события заказов и доставки на стороне склада.
type Consumer struct {
	engine   *Engine
	outbox   domain.OutboxRepository
	inbox    domain.InboxRepository
	metrics  *metrics.Metrics
	logger   *log.Entry
	location string
	inboxTTL time.Duration
}

// ConsumerOption настраивает Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerLogger задаёт logger потребителя.
func WithConsumerLogger(logger *log.Entry) ConsumerOption {
	return func(c *Consumer) { c.logger = logger }
}

// WithConsumerMetrics задаёт метрики потребителя.
func WithConsumerMetrics(m *metrics.Metrics) ConsumerOption {
	return func(c *Consumer) { c.metrics = m }
}

// WithDefaultLocation задаёт локацию для резервирования заказов.
func WithDefaultLocation(location string) ConsumerOption {
	return func(c *Consumer) { c.location = location }
}

// WithInboxTTL задаёт срок хранения записей дедупликации.
func WithInboxTTL(ttl time.Duration) ConsumerOption {
	return func(c *Consumer) { c.inboxTTL = ttl }
}

// NewConsumer создаёт потребителя складских событий.
func NewConsumer(engine *Engine, outbox domain.OutboxRepository, inbox domain.InboxRepository, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		engine:   engine,
		outbox:   outbox,
		inbox:    inbox,
		location: defaultLocation,
		inboxTTL: events.DefaultInboxTTL,
	}
	for _, option := range options {
		option(c)
	}
	if c.logger == nil {
		c.logger = log.WithField("component", "inventory-consumer")
	}
	return c
}

// OrdersHandler возвращает обработчик очереди заказов.
func (c *Consumer) OrdersHandler() broker.MessageHandler {
	dedup := c.deduper()
	router := events.NewRouter(c.logger).
		Handle(events.KeyOrderConfirmed, dedup.Wrap(events.QueueInventoryOrders, c.onOrderConfirmed)).
		Handle(events.KeyOrderCancelled, dedup.Wrap(events.QueueInventoryOrders, c.onOrderCancelled))
	return router.Dispatch
}

// DeliveryHandler возвращает обработчик очереди завершённых доставок.
func (c *Consumer) DeliveryHandler() broker.MessageHandler {
	router := events.NewRouter(c.logger).
		Handle(events.KeyDeliveryCompleted, c.deduper().Wrap(events.QueueInventoryDelivery, c.onDeliveryCompleted))
	return router.Dispatch
}

func (c *Consumer) deduper() *events.Deduper {
	return &events.Deduper{
		Inbox:   c.inbox,
		TTL:     c.inboxTTL,
		Logger:  c.logger,
		Metrics: c.metrics,
	}
}

// onOrderConfirmed резервирует позиции заказа и публикует результат.
// Бизнес-отказ резервирования подтверждается (ack) и превращается в событие
// inventory.allocation.failed, а не в redelivery.
func (c *Consumer) onOrderConfirmed(_ context.Context, env broker.Envelope) error {
	var event events.OrderConfirmed
	if err := env.DecodePayload(&event); err != nil {
		return err
	}

	lines := make([]domain.ReservationLine, 0, len(event.Items))
	for _, item := range event.Items {
		lines = append(lines, domain.ReservationLine{
			ProductID: item.ProductID,
			Location:  c.location,
			Qty:       int64(item.Qty),
		})
	}

	reserved, err := c.engine.Reserve(event.OrderID, lines)
	if err != nil {
		if !domain.IsBusinessRejection(err) {
			return err
		}
		c.logger.WithError(err).WithField("order_id", event.OrderID).Warn("allocation rejected")
		return c.publishResult(event.OrderID, events.KeyInventoryAllocationFailed, events.InventoryAllocationFailed{
			OrderID: event.OrderID,
			Reason:  err.Error(),
		})
	}

	allocated := events.InventoryAllocated{OrderID: event.OrderID, StoreID: c.location}
	for _, line := range reserved {
		allocated.Lines = append(allocated.Lines, events.AllocationLine{
			ProductID:   line.ProductID,
			Location:    line.Location,
			Qty:         int32(line.Qty),
			Backordered: int32(line.Backordered),
		})
	}
	return c.publishResult(event.OrderID, events.KeyInventoryAllocated, allocated)
}

func (c *Consumer) onOrderCancelled(_ context.Context, env broker.Envelope) error {
	var event events.OrderCancelled
	if err := env.DecodePayload(&event); err != nil {
		return err
	}
	return c.engine.Release(event.OrderID, nil)
}

func (c *Consumer) onDeliveryCompleted(_ context.Context, env broker.Envelope) error {
	var event events.DeliveryCompleted
	if err := env.DecodePayload(&event); err != nil {
		return err
	}
	return c.engine.CommitSale(event.OrderID)
}

func (c *Consumer) publishResult(orderID, routingKey string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = c.outbox.Enqueue(domain.OutboxMessage{
		AggregateType: "order",
		AggregateID:   orderID,
		RoutingKey:    routingKey,
		Payload:       raw,
	})
	return err
}
