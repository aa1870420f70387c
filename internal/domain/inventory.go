package domain

import "time"

// InventoryItem хранит складской остаток товара в конкретной локации.
// Запись создаётся при первом поступлении товара и никогда не удаляется,
// только деактивируется.
type InventoryItem struct {
	ID        string
	ProductID string
	SKU       string
	// Location — идентификатор склада/магазина.
	Location string
	// Quantity — физический остаток (on-hand).
	Quantity int64
	// Reserved — количество, зарезервированное под заказы.
	// Инвариант: Reserved >= 0; Quantity - Reserved может быть отрицательным
	// только в пределах BackorderLimit при включённом бэкордере.
	Reserved int64
	// BackorderEnabled разрешает резервирование сверх остатка.
	BackorderEnabled bool
	// BackorderLimit ограничивает глубину бэкордера.
	BackorderLimit int64
	// ReorderPoint — порог, при пересечении которого сверху вниз
	// эмитится событие low-stock.
	ReorderPoint int64
	// ReorderQty — рекомендованный объём дозаказа для события low-stock.
	ReorderQty int64
	Active     bool
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Available возвращает доступное к резервированию количество.
func (i *InventoryItem) Available() int64 {
	return i.Quantity - i.Reserved
}

// TransactionType — тип операции в складском леджере.
type TransactionType string

const (
	TransactionRestock    TransactionType = "restock"
	TransactionSale       TransactionType = "sale"
	TransactionReturn     TransactionType = "return"
	TransactionAdjustment TransactionType = "adjustment"
	TransactionTransfer   TransactionType = "transfer"
	TransactionReserve    TransactionType = "reserve"
	TransactionUnreserve  TransactionType = "unreserve"
)

// affectsQuantity сообщает, меняет ли тип операции физический остаток.
// reserve/unreserve двигают только Reserved и в аудите остатка не участвуют.
func (t TransactionType) affectsQuantity() bool {
	switch t {
	case TransactionReserve, TransactionUnreserve:
		return false
	default:
		return true
	}
}

// InventoryTransaction — неизменяемая строка append-only леджера.
// Для типов, меняющих остаток, сумма Delta по записи (product, location)
// равна текущему Quantity минус начальный — ключевой инвариант аудита.
// Для reserve/unreserve Delta и Prev/New относятся к полю Reserved.
type InventoryTransaction struct {
	ID        string
	Type      TransactionType
	ProductID string
	Location  string
	Delta     int64
	PrevQty   int64
	NewQty    int64
	// OrderID связывает запись с заказом (reserve/unreserve/sale/return).
	OrderID string
	// PurchaseOrderID связывает restock с закупкой.
	PurchaseOrderID string
	// CounterpartID ссылается на парную запись transfer.
	CounterpartID string
	Reason        string
	CreatedAt     time.Time
}

// QuantityDeltaSum суммирует дельты операций, меняющих физический остаток.
// Используется в аудите: сумма должна равняться quantity - initialQuantity.
func QuantityDeltaSum(rows []InventoryTransaction) int64 {
	var sum int64
	for _, row := range rows {
		if row.Type.affectsQuantity() {
			sum += row.Delta
		}
	}
	return sum
}

// ReservationLine описывает открытый резерв по заказу, выведенный из леджера.
type ReservationLine struct {
	ProductID string
	Location  string
	Qty       int64
}
