package ops

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/inventory"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/payment"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/saga"
)

// Facade — операционная поверхность сервиса для административных сценариев:
// ручное резервирование, продвижение статусов, приём офлайн-платежей
// и контроль очереди сверки. Используется cmd-утилитами и интеграционными
// тестами; событийные потоки идут мимо неё.
type Facade struct {
	saga     *saga.Saga
	engine   *inventory.Engine
	payments *payment.Service
	logger   *log.Entry
}

// NewFacade создаёт операционный фасад.
func NewFacade(orderSaga *saga.Saga, engine *inventory.Engine, payments *payment.Service, logger *log.Entry) *Facade {
	if logger == nil {
		logger = log.WithField("component", "ops")
	}
	return &Facade{
		saga:     orderSaga,
		engine:   engine,
		payments: payments,
		logger:   logger,
	}
}

// ReserveInventory резервирует позиции под заказ вне событийного потока.
func (f *Facade) ReserveInventory(orderID string, lines []domain.ReservationLine) ([]inventory.ReservedLine, error) {
	reserved, err := f.engine.Reserve(orderID, lines)
	if err != nil {
		return nil, err
	}
	f.logger.WithFields(log.Fields{
		"order_id": orderID,
		"lines":    len(reserved),
	}).Info("inventory reserved manually")
	return reserved, nil
}

// ReleaseInventory снимает открытые резервы заказа: весь резерв при пустом
// списке позиций, иначе только перечисленные.
func (f *Facade) ReleaseInventory(orderID string, lines []domain.ReservationLine) error {
	if err := f.engine.Release(orderID, lines); err != nil {
		return err
	}
	f.logger.WithFields(log.Fields{
		"order_id": orderID,
		"lines":    len(lines),
	}).Info("inventory released manually")
	return nil
}

// AdvanceOrderStatus принудительно продвигает заказ по таблице переходов.
func (f *Facade) AdvanceOrderStatus(orderID string, to domain.OrderStatus) error {
	if err := f.saga.Advance(orderID, to); err != nil {
		return err
	}
	f.logger.WithFields(log.Fields{
		"order_id": orderID,
		"status":   to,
	}).Info("order status advanced manually")
	return nil
}

// SubmitOfflinePayment принимает офлайн-платёж по заказу.
func (f *Facade) SubmitOfflinePayment(orderID string, method domain.PaymentMethod, currency string, amountMinor int64) (domain.Payment, error) {
	return f.payments.AcceptOffline(orderID, method, currency, amountMinor)
}

// RefundPayment запускает возврат по платежу (amountMinor = 0 — весь остаток).
func (f *Facade) RefundPayment(ctx context.Context, paymentID string, amountMinor int64) (domain.Payment, error) {
	return f.payments.Refund(ctx, paymentID, amountMinor)
}

// OfflineQueueStatus возвращает срез очереди офлайн-платежей.
func (f *Facade) OfflineQueueStatus() (domain.OfflineQueueStats, error) {
	return f.payments.QueueStats()
}

// OrderTimeline возвращает историю событий заказа.
func (f *Facade) OrderTimeline(orderID string) ([]domain.TimelineEvent, error) {
	return f.saga.Timeline(orderID)
}

// StockLedger возвращает строки аудита складской записи.
func (f *Facade) StockLedger(productID, location string, limit int) ([]domain.InventoryTransaction, error) {
	return f.engine.Ledger(productID, location, limit)
}
