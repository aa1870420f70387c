package saga

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/events"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
)

// Saga ведёт заказ по жизненному циклу cart → delivered, реагируя на события
// склада, платежей и доставки. Прямые команды (Confirm, Cancel) публикуют
// события через transactional outbox, переходы статуса защищены таблицей
// переходов и optimistic locking.
type Saga struct {
	orders   domain.OrderRepository
	outbox   domain.OutboxRepository
	timeline domain.TimelineRepository
	inbox    domain.InboxRepository
	logger   *log.Entry
	metrics  *metrics.Metrics
	inboxTTL time.Duration
}

// Option настраивает Saga.
type Option func(*Saga)

// WithLogger задаёт logger саги.
func WithLogger(logger *log.Entry) Option {
	return func(s *Saga) { s.logger = logger }
}

// WithMetrics задаёт метрики саги.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Saga) { s.metrics = m }
}

// WithInboxTTL задаёт срок хранения записей дедупликации обработчиков.
func WithInboxTTL(ttl time.Duration) Option {
	return func(s *Saga) { s.inboxTTL = ttl }
}

// NewSaga создаёт сагу заказа.
func NewSaga(
	orders domain.OrderRepository,
	outbox domain.OutboxRepository,
	timeline domain.TimelineRepository,
	inbox domain.InboxRepository,
	options ...Option,
) *Saga {
	s := &Saga{
		orders:   orders,
		outbox:   outbox,
		timeline: timeline,
		inbox:    inbox,
		inboxTTL: events.DefaultInboxTTL,
	}
	for _, option := range options {
		option(s)
	}
	if s.logger == nil {
		s.logger = log.WithField("component", "order-saga")
	}
	return s
}

// CreateOrder создаёт пустой заказ в статусе cart.
func (s *Saga) CreateOrder(customerID, currency string, taxRateBP int32) (domain.Order, error) {
	if customerID == "" {
		return domain.Order{}, domain.ErrCustomerRequired
	}
	if currency == "" {
		return domain.Order{}, domain.ErrCurrencyRequired
	}

	order := domain.NewOrder(uuid.NewString(), customerID, currency, taxRateBP)
	if err := s.orders.Create(order); err != nil {
		return domain.Order{}, err
	}

	s.appendTimeline(order.ID, "OrderCreated", "")
	s.logger.WithFields(log.Fields{
		"order_id":    order.ID,
		"customer_id": customerID,
	}).Info("order created")
	return order, nil
}

// AddItem добавляет позицию; первый товар переводит заказ cart → pending.
func (s *Saga) AddItem(orderID string, item domain.OrderItem) (domain.Order, error) {
	if item.Qty <= 0 {
		return domain.Order{}, domain.ErrItemQtyInvalid
	}
	if item.PriceMinor < 0 {
		return domain.Order{}, domain.ErrItemPriceInvalid
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.CreatedAt = time.Now().UTC()

	var result domain.Order
	err := s.mutate(orderID, func(order *domain.Order) error {
		if order.Status != domain.OrderStatusCart && order.Status != domain.OrderStatusPending {
			return domain.ValidateTransition(order.Status, domain.OrderStatusPending)
		}
		order.AddItem(item)
		if order.Status == domain.OrderStatusCart {
			order.Status = domain.OrderStatusPending
		}
		result = *order
		return nil
	})
	return result, err
}

// RemoveItem удаляет позицию из неподтверждённого заказа.
func (s *Saga) RemoveItem(orderID, itemID string) (domain.Order, error) {
	var result domain.Order
	err := s.mutate(orderID, func(order *domain.Order) error {
		if order.Status != domain.OrderStatusCart && order.Status != domain.OrderStatusPending {
			return domain.ValidateTransition(order.Status, domain.OrderStatusPending)
		}
		if !order.RemoveItem(itemID) {
			return domain.ErrOrderNotFound
		}
		result = *order
		return nil
	})
	return result, err
}

// Confirm подтверждает заказ: pending → confirmed, публикует order.confirmed.
// Заказ без позиций не подтверждается.
func (s *Saga) Confirm(orderID string, paymentMethod domain.PaymentMethod) error {
	order, err := s.orders.Get(orderID)
	if err != nil {
		return err
	}
	if len(order.Items) == 0 {
		return domain.ErrItemsRequired
	}
	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return errs[0]
	}

	if err := s.updateStatus(&order, domain.OrderStatusConfirmed); err != nil {
		return err
	}

	items := make([]events.OrderLine, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, events.OrderLine{
			ProductID:  item.ProductID,
			SKU:        item.SKU,
			Qty:        item.Qty,
			PriceMinor: item.PriceMinor,
		})
	}
	s.emitEvent(order.ID, events.KeyOrderConfirmed, events.OrderConfirmed{
		OrderID:       order.ID,
		CustomerID:    order.CustomerID,
		Currency:      order.Currency,
		TotalMinor:    order.TotalMinor,
		PaymentMethod: string(paymentMethod),
		Items:         items,
	})
	s.logger.WithField("order_id", order.ID).Info("order confirmed")
	return nil
}

// Cancel отменяет заказ из любого нетерминального статуса и публикует
// order.cancelled. Событие запускает компенсации: снятие резерва и возврат
// средств выполняют подписчики.
func (s *Saga) Cancel(orderID, reason string) error {
	order, err := s.orders.Get(orderID)
	if err != nil {
		return err
	}
	if order.Status == domain.OrderStatusCancelled {
		s.logger.WithField("order_id", orderID).Debug("order already cancelled")
		return nil
	}

	if err := s.updateStatusWithReason(&order, domain.OrderStatusCancelled, reason); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.RecordSagaCancelled()
	}
	s.emitEvent(order.ID, events.KeyOrderCancelled, events.OrderCancelled{
		OrderID: order.ID,
		Reason:  reason,
	})
	s.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"reason":   reason,
	}).Info("order cancelled")
	return nil
}

// Advance переводит заказ в указанный статус по таблице переходов.
// Используется операционными инструментами для ручного вмешательства.
func (s *Saga) Advance(orderID string, to domain.OrderStatus) error {
	order, err := s.orders.Get(orderID)
	if err != nil {
		return err
	}
	return s.updateStatus(&order, to)
}

// Get возвращает заказ по идентификатору.
func (s *Saga) Get(orderID string) (domain.Order, error) {
	return s.orders.Get(orderID)
}

// ListByCustomer возвращает заказы клиента, новые первыми.
func (s *Saga) ListByCustomer(customerID string, limit int) ([]domain.Order, error) {
	return s.orders.ListByCustomer(customerID, limit)
}

// Timeline возвращает хронологию событий заказа.
func (s *Saga) Timeline(orderID string) ([]domain.TimelineEvent, error) {
	return s.timeline.List(orderID)
}

const (
	saveRetries   = 3
	saveBaseDelay = 10 * time.Millisecond
)

// mutate применяет мутацию к заказу с retry на конфликт версий.
func (s *Saga) mutate(orderID string, apply func(*domain.Order) error) error {
	for attempt := 0; attempt < saveRetries; attempt++ {
		order, err := s.orders.Get(orderID)
		if err != nil {
			return err
		}
		if err := apply(&order); err != nil {
			return err
		}

		if err := s.orders.Save(order); err != nil {
			if domain.IsVersionConflict(err) && attempt < saveRetries-1 {
				time.Sleep(saveBaseDelay * time.Duration(1<<uint(attempt)))
				continue
			}
			return err
		}
		return nil
	}
	return domain.ErrVersionConflict
}

// updateStatus меняет статус заказа с проверкой таблицы переходов,
// retry на конфликт версий и записью в timeline.
func (s *Saga) updateStatus(order *domain.Order, to domain.OrderStatus) error {
	return s.updateStatusWithReason(order, to, "")
}

func (s *Saga) updateStatusWithReason(order *domain.Order, to domain.OrderStatus, reason string) error {
	if order.Status == to {
		return nil
	}

	for attempt := 0; attempt < saveRetries; attempt++ {
		if err := domain.ValidateTransition(order.Status, to); err != nil {
			return err
		}

		previous := order.Status
		prevVersion := order.Version
		order.Status = to
		order.UpdatedAt = time.Now().UTC()

		if err := s.orders.Save(*order); err != nil {
			if domain.IsVersionConflict(err) && attempt < saveRetries-1 {
				s.logger.WithFields(log.Fields{
					"order_id": order.ID,
					"attempt":  attempt + 1,
				}).Warn("version conflict detected, retrying")

				fresh, loadErr := s.orders.Get(order.ID)
				if loadErr != nil {
					return loadErr
				}
				*order = fresh
				if order.Status == to {
					return nil
				}
				time.Sleep(saveBaseDelay * time.Duration(1<<uint(attempt)))
				continue
			}
			order.Status = previous
			s.logger.WithError(err).WithField("order_id", order.ID).Error("failed to persist status")
			return err
		}

		order.Version = prevVersion + 1
		if s.metrics != nil {
			s.metrics.RecordOrderTransition(string(to))
			if to == domain.OrderStatusDelivered {
				s.metrics.RecordSagaCompleted()
			}
		}
		s.appendTimeline(order.ID, "OrderStatusChanged: "+string(to), reason)
		return nil
	}
	return domain.ErrVersionConflict
}

// emitEvent кладёт событие в transactional outbox.
func (s *Saga) emitEvent(orderID, routingKey string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"order_id":    orderID,
			"routing_key": routingKey,
		}).Error("marshal event failed")
		return
	}

	msg := domain.OutboxMessage{
		AggregateType: "order",
		AggregateID:   orderID,
		RoutingKey:    routingKey,
		Payload:       data,
	}
	if _, err := s.outbox.Enqueue(msg); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"order_id":    orderID,
			"routing_key": routingKey,
		}).Error("enqueue event failed")
	} else if s.metrics != nil {
		s.metrics.RecordOutboxEvent()
	}
}

func (s *Saga) appendTimeline(orderID, eventType, reason string) {
	if s.timeline == nil {
		return
	}
	err := s.timeline.Append(domain.TimelineEvent{
		OrderID:  orderID,
		Type:     eventType,
		Reason:   reason,
		Occurred: time.Now().UTC(),
	})
	if err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"order_id": orderID,
			"event":    eventType,
		}).Warn("append timeline event failed")
	} else if s.metrics != nil {
		s.metrics.RecordTimelineEvent()
	}
}
