package events

// OrderLine — позиция заказа в событии order.confirmed.
type OrderLine struct {
	ProductID  string `json:"product_id"`
	SKU        string `json:"sku"`
	Qty        int32  `json:"qty"`
	PriceMinor int64  `json:"price_minor"`
}

// OrderConfirmed публикуется при переводе заказа в статус pending -> confirmed
// и запускает резервирование склада.
type OrderConfirmed struct {
	OrderID       string      `json:"order_id"`
	CustomerID    string      `json:"customer_id"`
	Currency      string      `json:"currency"`
	TotalMinor    int64       `json:"total_minor"`
	PaymentMethod string      `json:"payment_method"`
	Items         []OrderLine `json:"items"`
}

// OrderCancelled публикуется при отмене заказа из любого нетерминального статуса.
type OrderCancelled struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

// AllocationLine — результат резервирования по одной позиции.
type AllocationLine struct {
	ProductID   string `json:"product_id"`
	Location    string `json:"location"`
	Qty         int32  `json:"qty"`
	Backordered int32  `json:"backordered,omitempty"`
}

// InventoryAllocated подтверждает успешное резервирование всех позиций заказа.
type InventoryAllocated struct {
	OrderID string           `json:"order_id"`
	StoreID string           `json:"store_id"`
	Lines   []AllocationLine `json:"lines"`
}

// InventoryAllocationFailed сообщает, что резервирование отклонено целиком.
type InventoryAllocationFailed struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

// InventoryLowStock публикуется при пересечении порога reorder point сверху вниз.
type InventoryLowStock struct {
	ProductID    string `json:"product_id"`
	Location     string `json:"location"`
	Available    int32  `json:"available"`
	ReorderPoint int32  `json:"reorder_point"`
	ReorderQty   int32  `json:"reorder_qty"`
}

// PaymentCompleted подтверждает успешное списание по заказу.
type PaymentCompleted struct {
	PaymentID    string `json:"payment_id"`
	OrderID      string `json:"order_id"`
	AmountMinor  int64  `json:"amount_minor"`
	GatewayTxnID string `json:"gateway_txn_id,omitempty"`
	Offline      bool   `json:"offline,omitempty"`
}

// PaymentFailed сообщает об окончательном отказе в списании.
type PaymentFailed struct {
	PaymentID string `json:"payment_id"`
	OrderID   string `json:"order_id"`
	Reason    string `json:"reason"`
}

// PaymentRefunded подтверждает возврат средств по заказу. AmountMinor —
// сумма этого возврата, RefundedMinor — накопленный возврат по платежу:
// полный возврат определяется по RefundedMinor >= TotalMinor, а не по
// факту события.
type PaymentRefunded struct {
	PaymentID     string `json:"payment_id"`
	OrderID       string `json:"order_id"`
	AmountMinor   int64  `json:"amount_minor"`
	RefundedMinor int64  `json:"refunded_minor"`
	TotalMinor    int64  `json:"total_minor"`
}

// DeliveryAssigned сообщает о назначении доставки на заказ.
type DeliveryAssigned struct {
	OrderID    string `json:"order_id"`
	DeliveryID string `json:"delivery_id"`
	Carrier    string `json:"carrier,omitempty"`
}

// DeliveryCompleted сообщает о завершении доставки заказа.
type DeliveryCompleted struct {
	OrderID    string `json:"order_id"`
	DeliveryID string `json:"delivery_id"`
}
