package domain

import (
	"fmt"
	"time"
)

// OrderStatus описывает жизненный цикл заказа в системе фулфилмента.
type OrderStatus string

const (
	// OrderStatusCart — черновик заказа, позиции ещё не добавлены.
	OrderStatusCart OrderStatus = "cart"
	// OrderStatusPending — в заказе есть позиции, но он не подтверждён.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed — заказ подтверждён, запрошено резервирование на складе.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusProcessing — склад зарезервировал товары, заказ в работе.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusFulfilled — заказ собран и передан в доставку.
	OrderStatusFulfilled OrderStatus = "fulfilled"
	// OrderStatusDelivered — доставка подтверждена получателем.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled — заказ отменён до завершения цикла.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRefunded — терминальный статус: деньги возвращены полностью.
	OrderStatusRefunded OrderStatus = "refunded"
)

// OrderPaymentStatus отражает состояние оплаты заказа.
type OrderPaymentStatus string

const (
	OrderPaymentUnpaid        OrderPaymentStatus = "unpaid"
	OrderPaymentPartiallyPaid OrderPaymentStatus = "partially_paid"
	OrderPaymentPaid          OrderPaymentStatus = "paid"
	OrderPaymentRefunded      OrderPaymentStatus = "refunded"
)

// orderTransitions — таблица допустимых переходов статуса заказа.
// Любой переход вне таблицы отклоняется с ErrInvalidStatusTransition.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusCart:       {OrderStatusPending, OrderStatusCancelled},
	OrderStatusPending:    {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:  {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusFulfilled, OrderStatusCancelled},
	OrderStatusFulfilled:  {OrderStatusDelivered, OrderStatusCancelled},
	OrderStatusDelivered:  {OrderStatusRefunded},
	OrderStatusCancelled:  {OrderStatusRefunded},
	// refunded — терминальный статус без исходящих переходов.
	OrderStatusRefunded: {},
}

// CanTransition сообщает, допустим ли переход from → to.
func CanTransition(from, to OrderStatus) bool {
	for _, allowed := range orderTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidateTransition возвращает бизнес-ошибку с именами текущего и запрошенного
// статусов, если переход запрещён таблицей.
func ValidateTransition(from, to OrderStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, from, to)
	}
	return nil
}

// OrderItem представляет одну позицию заказа.
type OrderItem struct {
	ID string
	// ProductID — идентификатор товара в каталоге.
	ProductID string
	// SKU — внешний артикул товара.
	SKU string
	// Qty — количество единиц товара.
	Qty int32
	// PriceMinor — цена за единицу в минимальных денежных единицах.
	PriceMinor int64
	// DiscountMinor — скидка на позицию целиком.
	DiscountMinor int64
	// TotalMinor — производное поле: qty*price - discount.
	// Пересчитывается при каждой мутации позиций через Order.Recalculate.
	TotalMinor int64
	CreatedAt  time.Time
}

// Order агрегирует состояние заказа, его позиции и производные суммы.
type Order struct {
	ID            string
	CustomerID    string
	Status        OrderStatus
	PaymentStatus OrderPaymentStatus
	Currency      string
	Items         []OrderItem

	// Производные суммы. Инвариант: TotalMinor == SubtotalMinor + TaxMinor - DiscountMinor.
	SubtotalMinor int64
	TaxMinor      int64
	DiscountMinor int64
	TotalMinor    int64

	// TaxRateBP — ставка налога в базисных пунктах (10000 = 100%).
	TaxRateBP int32

	// DeliveryID заполняется при назначении доставки.
	DeliveryID string

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewOrder создаёт пустой заказ в статусе cart.
func NewOrder(id, customerID, currency string, taxRateBP int32) Order {
	now := time.Now().UTC()
	return Order{
		ID:            id,
		CustomerID:    customerID,
		Status:        OrderStatusCart,
		PaymentStatus: OrderPaymentUnpaid,
		Currency:      currency,
		TaxRateBP:     taxRateBP,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// AddItem добавляет позицию и пересчитывает суммы.
func (o *Order) AddItem(item OrderItem) {
	o.Items = append(o.Items, item)
	o.Recalculate()
}

// RemoveItem удаляет позицию по ID и пересчитывает суммы.
func (o *Order) RemoveItem(itemID string) bool {
	for i, item := range o.Items {
		if item.ID == itemID {
			o.Items = append(o.Items[:i], o.Items[i+1:]...)
			o.Recalculate()
			return true
		}
	}
	return false
}

// Recalculate пересчитывает производные суммы позиций и заказа.
// Вызывается при каждой мутации позиций.
func (o *Order) Recalculate() {
	var gross, discount int64
	for i := range o.Items {
		item := &o.Items[i]
		lineGross := int64(item.Qty) * item.PriceMinor
		item.TotalMinor = lineGross - item.DiscountMinor
		if item.TotalMinor < 0 {
			item.TotalMinor = 0
		}
		gross += lineGross
		discount += item.DiscountMinor
	}
	o.SubtotalMinor = gross
	o.TaxMinor = (gross - discount) * int64(o.TaxRateBP) / 10000
	o.DiscountMinor = discount
	o.TotalMinor = o.SubtotalMinor + o.TaxMinor - o.DiscountMinor
	o.UpdatedAt = time.Now().UTC()
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.CustomerID == "" {
		errs = append(errs, ErrCustomerRequired)
	}
	if o.Currency == "" {
		errs = append(errs, ErrCurrencyRequired)
	}
	for _, item := range o.Items {
		if item.Qty <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.PriceMinor < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
	}
	if o.TotalMinor != o.SubtotalMinor+o.TaxMinor-o.DiscountMinor {
		errs = append(errs, ErrAmountMismatch)
	}

	return errs
}

// IsTerminal сообщает, достиг ли заказ терминального статуса.
func (o *Order) IsTerminal() bool {
	return o.Status == OrderStatusRefunded
}
