package domain

import "time"

// PaymentStatus описывает состояние платежа в системе.
type PaymentStatus string

const (
	// PaymentStatusPending — платёж инициирован, но не подтверждён.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusProcessing — платёж передан шлюзу, ожидаем результат.
	PaymentStatusProcessing PaymentStatus = "processing"
	// PaymentStatusCompleted — деньги списаны в пользу мерчанта.
	PaymentStatusCompleted PaymentStatus = "completed"
	// PaymentStatusFailed — шлюз отклонил платёж или произошла ошибка.
	PaymentStatusFailed PaymentStatus = "failed"
	// PaymentStatusRefunded — деньги возвращены клиенту полностью.
	PaymentStatusRefunded PaymentStatus = "refunded"
	// PaymentStatusPartiallyRefunded — возвращена часть суммы.
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
)

// PaymentMethod определяет способ оплаты и выбирает стратегию шлюза.
type PaymentMethod string

const (
	PaymentMethodCard   PaymentMethod = "card"
	PaymentMethodCash   PaymentMethod = "cash"
	PaymentMethodWallet PaymentMethod = "wallet"
)

// Payment описывает платёж, связанный с заказом.
type Payment struct {
	ID       string
	OrderID  string
	Method   PaymentMethod
	Status   PaymentStatus
	Currency string
	// AmountMinor — сумма платежа в минимальных денежных единицах.
	AmountMinor int64
	// RefundedMinor — возвращённая сумма. Инвариант: RefundedMinor <= AmountMinor.
	RefundedMinor int64
	// GatewayTxnID — идентификатор транзакции у внешнего шлюза.
	// Может быть пустым, пока офлайн-платёж не сверён со шлюзом.
	GatewayTxnID string
	// Offline помечает платёж, принятый локально без подтверждения шлюза.
	Offline   bool
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate проверяет корректность полей платежа и возвращает ошибки, если они есть.
func (p *Payment) Validate() []error {
	var errs []error

	if p.OrderID == "" {
		errs = append(errs, ErrOrderIDRequired)
	}
	if p.Method == "" {
		errs = append(errs, ErrPaymentMethodRequired)
	}
	if p.AmountMinor < 0 {
		errs = append(errs, ErrPaymentAmountNegative)
	}
	if p.RefundedMinor > p.AmountMinor {
		errs = append(errs, ErrOverRefund)
	}

	return errs
}

// FullyRefunded сообщает, возвращена ли вся сумма платежа.
func (p *Payment) FullyRefunded() bool {
	return p.AmountMinor > 0 && p.RefundedMinor >= p.AmountMinor
}

// OfflineQueueStatus — статус элемента очереди офлайн-платежей.
type OfflineQueueStatus string

const (
	OfflineQueuePending    OfflineQueueStatus = "pending"
	OfflineQueueProcessing OfflineQueueStatus = "processing"
	OfflineQueueCompleted  OfflineQueueStatus = "completed"
	OfflineQueueFailed     OfflineQueueStatus = "failed"
)

// OfflineQueueItem — элемент очереди сверки офлайн-платежей со шлюзом.
// Мутируется только процессором очереди.
type OfflineQueueItem struct {
	ID        string
	PaymentID string
	// Attempts — счётчик попыток, ограничен потолком процессора.
	Attempts  int32
	Status    OfflineQueueStatus
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OfflineQueueStats — срез очереди по статусам для операционного контроля.
type OfflineQueueStats struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
}
