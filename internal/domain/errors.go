package domain

import "errors"

var (
	// Ошибка отсутствующего идентификатора клиента.
	ErrCustomerRequired = errors.New("customer_id is required")
	// Ошибка отсутствующего кода валюты.
	ErrCurrencyRequired = errors.New("currency is required")
	// Ошибка подтверждения заказа без позиций.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrItemQtyInvalid = errors.New("item qty must be greater than zero")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = errors.New("item price must be non-negative")
	// Ошибка несоответствия суммы заказа и сумм позиций.
	ErrAmountMismatch = errors.New("order total does not match subtotal + tax - discount")
	// ErrInvalidStatusTransition — переход статуса вне таблицы переходов.
	ErrInvalidStatusTransition = errors.New("invalid order status transition")
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrVersionConflict = errors.New("record version conflict")

	// Ошибка отсутствующего идентификатора заказа в платежах/резервах.
	ErrOrderIDRequired = errors.New("order_id is required")
	// Ошибка отсутствующего способа оплаты.
	ErrPaymentMethodRequired = errors.New("payment method is required")
	// Ошибка отрицательной суммы платежа.
	ErrPaymentAmountNegative = errors.New("payment amount must be non-negative")
	// ErrOverRefund — попытка вернуть больше, чем списано.
	ErrOverRefund = errors.New("refund exceeds captured amount")
	// ErrPaymentNotFound возвращается, если платёж не найден.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrGatewayUnavailable — временная ошибка платёжного шлюза.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrGatewayDeclined — шлюз отклонил платёж (бизнес-ошибка).
	ErrGatewayDeclined = errors.New("payment declined by gateway")
	// ErrUnknownPaymentMethod — для метода не зарегистрирован шлюз.
	ErrUnknownPaymentMethod = errors.New("no gateway registered for payment method")

	// ErrInventoryNotFound — складская запись не найдена.
	ErrInventoryNotFound = errors.New("inventory record not found")
	// ErrInsufficientStock — бизнес-отказ: нет остатка сверх лимита бэкордера.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrTransferInvalid — некорректные параметры перемещения между локациями.
	ErrTransferInvalid = errors.New("invalid inventory transfer")
	// ErrQueueItemNotFound — элемент очереди офлайн-платежей не найден.
	ErrQueueItemNotFound = errors.New("offline queue item not found")

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
	// ErrDuplicateMessage — событие с таким message_id уже обработано.
	ErrDuplicateMessage = errors.New("message already processed")
)

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsBusinessRejection отличает бизнес-отказ от инфраструктурной ошибки:
// такие ошибки возвращаются вызывающему синхронно и не ретраятся.
func IsBusinessRejection(err error) bool {
	return errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrInvalidStatusTransition) ||
		errors.Is(err, ErrOverRefund) ||
		errors.Is(err, ErrTransferInvalid) ||
		errors.Is(err, ErrItemsRequired) ||
		errors.Is(err, ErrGatewayDeclined)
}
