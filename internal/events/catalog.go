package events

import "github.com/vladislavdragonenkov/fulfillment/internal/messaging/broker"

// Exchange-ы сервиса. Каждый exchange — отдельный topic брокера.
const (
	ExchangeOrders    = "fulfillment.orders"
	ExchangeInventory = "fulfillment.inventory"
	ExchangePayments  = "fulfillment.payments"
	ExchangeDelivery  = "fulfillment.delivery"

	// DLQTopic — dead-letter topic для дважды упавших сообщений.
	DLQTopic = "fulfillment.dlq"
)

// Очереди (consumer group-ы) сервиса.
const (
	QueueInventoryOrders   = "fulfillment.inventory.orders"
	QueueInventoryDelivery = "fulfillment.inventory.delivery"
	QueueSagaInventory     = "fulfillment.saga.inventory"
	QueueSagaPayments      = "fulfillment.saga.payments"
	QueueSagaDelivery      = "fulfillment.saga.delivery"
	QueuePaymentOrders     = "fulfillment.payments.orders"
)

// Routing key-и событийного каталога.
const (
	KeyOrderConfirmed            = "order.confirmed"
	KeyOrderCancelled            = "order.cancelled"
	KeyInventoryAllocated        = "inventory.allocated"
	KeyInventoryAllocationFailed = "inventory.allocation.failed"
	KeyInventoryLowStock         = "inventory.low-stock"
	KeyPaymentCompleted          = "payment.completed"
	KeyPaymentFailed             = "payment.failed"
	KeyPaymentRefunded           = "payment.refunded"
	KeyDeliveryAssigned          = "delivery.assigned"
	KeyDeliveryCompleted         = "delivery.completed"
)

// ExchangeForKey возвращает exchange, в который публикуется событие
// с данным routing key.
func ExchangeForKey(routingKey string) string {
	switch {
	case broker.MatchRoutingKey("order.#", routingKey):
		return ExchangeOrders
	case broker.MatchRoutingKey("inventory.#", routingKey):
		return ExchangeInventory
	case broker.MatchRoutingKey("payment.#", routingKey):
		return ExchangePayments
	case broker.MatchRoutingKey("delivery.#", routingKey):
		return ExchangeDelivery
	default:
		return ExchangeOrders
	}
}

// DeclareTopology объявляет все exchange-ы и очереди сервиса.
// Вызывается при старте; декларации идемпотентны.
func DeclareTopology(client *broker.Client) error {
	exchanges := []string{ExchangeOrders, ExchangeInventory, ExchangePayments, ExchangeDelivery}
	for _, exchange := range exchanges {
		if err := client.DeclareExchange(exchange, broker.ExchangeKindTopic); err != nil {
			return err
		}
	}

	bindings := []struct {
		queue    string
		exchange string
		pattern  string
	}{
		{QueueInventoryOrders, ExchangeOrders, "order.*"},
		{QueueInventoryDelivery, ExchangeDelivery, "delivery.completed"},
		{QueueSagaInventory, ExchangeInventory, "inventory.#"},
		{QueueSagaPayments, ExchangePayments, "payment.*"},
		{QueueSagaDelivery, ExchangeDelivery, "delivery.*"},
		{QueuePaymentOrders, ExchangeOrders, "order.cancelled"},
	}
	for _, b := range bindings {
		if err := client.DeclareQueue(b.queue, b.exchange, b.pattern); err != nil {
			return err
		}
	}
	return nil
}
