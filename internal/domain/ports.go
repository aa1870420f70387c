package domain

import (
	"context"
	"time"
)

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ. Возвращает ошибку, если запись с таким ID уже существует.
	Create(order Order) error
	// Get возвращает заказ по идентификатору или ErrOrderNotFound, если его нет.
	Get(id string) (Order, error)
	// ListByCustomer возвращает заказы клиента с опциональным ограничением на количество.
	ListByCustomer(customerID string, limit int) ([]Order, error)
	// Save применяет обновления к заказу с учётом optimistic locking.
	Save(order Order) error
}

// InventoryChange — атомарный набор изменений складских записей вместе
// со строками леджера. Либо применяется целиком, либо не применяется вовсе.
type InventoryChange struct {
	// Created — записи, создаваемые впервые (первое поступление, transfer в новую локацию).
	Created []InventoryItem
	// Updated — записи, сохраняемые с проверкой версии.
	Updated []InventoryItem
	// Ledger — append-only строки аудита.
	Ledger []InventoryTransaction
}

// InventoryRepository описывает хранилище складских записей и леджера.
type InventoryRepository interface {
	// Get возвращает запись по (product, location) или ErrInventoryNotFound.
	Get(productID, location string) (InventoryItem, error)
	// Apply атомарно применяет изменения и леджер: любая ошибка откатывает всё.
	// Конфликт версий возвращается как ErrVersionConflict.
	Apply(change InventoryChange) error
	// OpenReservations выводит из леджера незакрытые резервы по заказу
	// (reserve минус unreserve по каждой паре product/location).
	OpenReservations(orderID string) ([]ReservationLine, error)
	// Ledger возвращает строки аудита по записи, новые первыми (limit <= 0 — все).
	Ledger(productID, location string, limit int) ([]InventoryTransaction, error)
}

// PaymentRepository описывает хранилище платежей.
type PaymentRepository interface {
	Create(p Payment) error
	Get(id string) (Payment, error)
	// ListByOrder возвращает платежи заказа, старые первыми.
	ListByOrder(orderID string) ([]Payment, error)
	// Save применяет обновления с учётом optimistic locking.
	Save(p Payment) error
}

// OfflineQueueRepository — хранилище очереди сверки офлайн-платежей.
type OfflineQueueRepository interface {
	Enqueue(item OfflineQueueItem) (OfflineQueueItem, error)
	// PullPending возвращает до limit элементов в статусе pending
	// с attempts < maxAttempts, старые первыми.
	PullPending(limit int, maxAttempts int32) ([]OfflineQueueItem, error)
	Get(id string) (OfflineQueueItem, error)
	Update(item OfflineQueueItem) error
	Stats() (OfflineQueueStats, error)
}

// PaymentGateway описывает взаимодействие с внешним платёжным шлюзом.
// Реализации выбираются по способу оплаты через реестр стратегий.
type PaymentGateway interface {
	// Charge проводит списание и возвращает идентификатор транзакции шлюза.
	Charge(ctx context.Context, p Payment) (string, error)
	// Refund возвращает средства и отдаёт идентификатор транзакции возврата.
	Refund(ctx context.Context, p Payment, amountMinor int64) (string, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(event TimelineEvent) error
	List(orderID string) ([]TimelineEvent, error)
}

// InboxRepository хранит идентификаторы обработанных сообщений для
// подавления дублей при at-least-once доставке.
type InboxRepository interface {
	// Processed сообщает, был ли message_id уже обработан этим потребителем.
	Processed(messageID, consumer string) (bool, error)
	// MarkProcessed фиксирует message_id и возвращает false, если он уже был обработан.
	MarkProcessed(messageID, consumer string, ttlAt time.Time) (bool, error)
	// DeleteExpired удаляет записи с ttl <= before, порциями limit.
	DeleteExpired(before time.Time, limit int) (int, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	// RoutingKey определяет маршрут события в брокере (например order.confirmed).
	RoutingKey string
	Payload    []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
