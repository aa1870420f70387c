package inventory

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/events"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
)

const saveAttempts = 3

// ReservedLine — результат резервирования одной позиции.
type ReservedLine struct {
	ProductID string
	Location  string
	Qty       int64
	// Backordered — часть Qty, зарезервированная сверх физического остатка.
	Backordered int64
}

// Engine реализует резервирование склада с бэкордером и append-only леджером.
// Все операции по одной записи (product, location) сериализуются keyed-мьютексом,
// конфликт версий с внешним писателем разрешается перечитыванием.
type Engine struct {
	repo    domain.InventoryRepository
	outbox  domain.OutboxRepository
	metrics *metrics.Metrics
	logger  *log.Entry

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// EngineOption настраивает Engine.
type EngineOption func(*Engine)

// WithLogger задаёт logger движка.
func WithLogger(logger *log.Entry) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics задаёт метрики движка.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine создаёт движок резервирования.
func NewEngine(repo domain.InventoryRepository, outbox domain.OutboxRepository, options ...EngineOption) *Engine {
	e := &Engine{
		repo:   repo,
		outbox: outbox,
		locks:  make(map[string]*sync.Mutex),
	}
	for _, option := range options {
		option(e)
	}
	if e.logger == nil {
		e.logger = log.WithField("component", "inventory-engine")
	}
	return e
}

func lockKey(productID, location string) string {
	return productID + "/" + location
}

// lockAll захватывает мьютексы записей в отсортированном порядке,
// исключая взаимные блокировки между конкурентными операциями.
func (e *Engine) lockAll(keys []string) func() {
	uniq := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; !ok {
			seen[key] = struct{}{}
			uniq = append(uniq, key)
		}
	}
	sort.Strings(uniq)

	locked := make([]*sync.Mutex, 0, len(uniq))
	for _, key := range uniq {
		e.mu.Lock()
		lock, ok := e.locks[key]
		if !ok {
			lock = &sync.Mutex{}
			e.locks[key] = lock
		}
		e.mu.Unlock()
		lock.Lock()
		locked = append(locked, lock)
	}

	return func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].Unlock()
		}
	}
}

// Reserve резервирует все позиции заказа по принципу всё-или-ничего.
// Недостаток остатка покрывается бэкордером в пределах лимита записи;
// выход за лимит отклоняет запрос целиком с ErrInsufficientStock.
// Повторный вызов для заказа с открытым резервом идемпотентен.
func (e *Engine) Reserve(orderID string, lines []domain.ReservationLine) ([]ReservedLine, error) {
	if orderID == "" {
		return nil, domain.ErrOrderIDRequired
	}
	if len(lines) == 0 {
		return nil, domain.ErrItemsRequired
	}

	for _, line := range lines {
		if line.Qty <= 0 {
			return nil, domain.ErrItemQtyInvalid
		}
	}
	lines = mergeLines(lines)

	keys := make([]string, 0, len(lines))
	for _, line := range lines {
		keys = append(keys, lockKey(line.ProductID, line.Location))
	}
	unlock := e.lockAll(keys)
	defer unlock()

	// Повторная доставка order.confirmed: резерв уже открыт.
	open, err := e.repo.OpenReservations(orderID)
	if err != nil {
		return nil, err
	}
	if len(open) > 0 {
		result := make([]ReservedLine, 0, len(open))
		for _, line := range open {
			result = append(result, ReservedLine{ProductID: line.ProductID, Location: line.Location, Qty: line.Qty})
		}
		e.logger.WithField("order_id", orderID).Info("reservation already open, replay ignored")
		return result, nil
	}

	for attempt := 0; attempt < saveAttempts; attempt++ {
		change, result, err := e.buildReservation(orderID, lines)
		if err != nil {
			e.recordReservation("rejected")
			return nil, err
		}

		if err := e.repo.Apply(change); err != nil {
			if domain.IsVersionConflict(err) && attempt < saveAttempts-1 {
				continue
			}
			return nil, err
		}

		backordered := false
		for _, line := range result {
			if line.Backordered > 0 {
				backordered = true
			}
		}
		if backordered {
			e.recordReservation("backordered")
		} else {
			e.recordReservation("reserved")
		}
		e.logger.WithFields(log.Fields{
			"order_id": orderID,
			"lines":    len(result),
		}).Info("inventory reserved")
		return result, nil
	}
	return nil, domain.ErrVersionConflict
}

// mergeLines суммирует дубликаты (product, location), сохраняя порядок
// первого вхождения. Две позиции одного товара в заказе — один резерв.
func mergeLines(lines []domain.ReservationLine) []domain.ReservationLine {
	index := make(map[string]int, len(lines))
	merged := make([]domain.ReservationLine, 0, len(lines))
	for _, line := range lines {
		key := lockKey(line.ProductID, line.Location)
		if i, ok := index[key]; ok {
			merged[i].Qty += line.Qty
			continue
		}
		index[key] = len(merged)
		merged = append(merged, line)
	}
	return merged
}

func (e *Engine) buildReservation(orderID string, lines []domain.ReservationLine) (domain.InventoryChange, []ReservedLine, error) {
	var change domain.InventoryChange
	result := make([]ReservedLine, 0, len(lines))

	for _, line := range lines {
		item, err := e.repo.Get(line.ProductID, line.Location)
		if err != nil {
			return domain.InventoryChange{}, nil, err
		}
		if !item.Active {
			return domain.InventoryChange{}, nil, fmt.Errorf("%w: %s is inactive at %s",
				domain.ErrInsufficientStock, line.ProductID, line.Location)
		}

		available := item.Available()
		backordered := int64(0)
		if available < line.Qty {
			shortfall := line.Qty - available
			if available < 0 {
				shortfall = line.Qty
			}
			newDebt := item.Reserved + line.Qty - item.Quantity
			if !item.BackorderEnabled || newDebt > item.BackorderLimit {
				return domain.InventoryChange{}, nil, fmt.Errorf("%w: %s at %s, requested %d, available %d",
					domain.ErrInsufficientStock, line.ProductID, line.Location, line.Qty, available)
			}
			backordered = shortfall
		}

		prevReserved := item.Reserved
		item.Reserved += line.Qty
		change.Updated = append(change.Updated, item)
		change.Ledger = append(change.Ledger, domain.InventoryTransaction{
			ID:        uuid.NewString(),
			Type:      domain.TransactionReserve,
			ProductID: line.ProductID,
			Location:  line.Location,
			Delta:     line.Qty,
			PrevQty:   prevReserved,
			NewQty:    item.Reserved,
			OrderID:   orderID,
		})
		result = append(result, ReservedLine{
			ProductID:   line.ProductID,
			Location:    line.Location,
			Qty:         line.Qty,
			Backordered: backordered,
		})
	}
	return change, result, nil
}

// Release снимает открытые резервы заказа. Пустой список lines снимает
// весь резерв; непустой — только перечисленные позиции, количество
// урезается до открытого остатка. Операция идемпотентна: закрытый или
// несуществующий резерв — no-op.
func (e *Engine) Release(orderID string, lines []domain.ReservationLine) error {
	if orderID == "" {
		return domain.ErrOrderIDRequired
	}

	open, err := e.repo.OpenReservations(orderID)
	if err != nil {
		return err
	}
	if len(open) == 0 {
		return nil
	}

	keys := make([]string, 0, len(open))
	for _, line := range open {
		keys = append(keys, lockKey(line.ProductID, line.Location))
	}
	unlock := e.lockAll(keys)
	defer unlock()

	for attempt := 0; attempt < saveAttempts; attempt++ {
		// Перечитываем под локом: резерв мог закрыться, пока мы ждали.
		open, err = e.repo.OpenReservations(orderID)
		if err != nil {
			return err
		}
		toRelease := open
		if len(lines) > 0 {
			toRelease = filterReleaseLines(open, lines)
		}
		if len(toRelease) == 0 {
			return nil
		}

		var change domain.InventoryChange
		for _, line := range toRelease {
			item, err := e.repo.Get(line.ProductID, line.Location)
			if err != nil {
				return err
			}
			prevReserved := item.Reserved
			item.Reserved -= line.Qty
			if item.Reserved < 0 {
				item.Reserved = 0
			}
			change.Updated = append(change.Updated, item)
			change.Ledger = append(change.Ledger, domain.InventoryTransaction{
				ID:        uuid.NewString(),
				Type:      domain.TransactionUnreserve,
				ProductID: line.ProductID,
				Location:  line.Location,
				Delta:     -line.Qty,
				PrevQty:   prevReserved,
				NewQty:    item.Reserved,
				OrderID:   orderID,
			})
		}

		if err := e.repo.Apply(change); err != nil {
			if domain.IsVersionConflict(err) && attempt < saveAttempts-1 {
				continue
			}
			return err
		}
		e.logger.WithField("order_id", orderID).Info("reservation released")
		return nil
	}
	return domain.ErrVersionConflict
}

// filterReleaseLines ограничивает снятие резерва запрошенными позициями.
// Количество урезается до открытого остатка; позиции без открытого
// резерва пропускаются, а не считаются ошибкой.
func filterReleaseLines(open, requested []domain.ReservationLine) []domain.ReservationLine {
	want := make(map[string]int64, len(requested))
	for _, line := range requested {
		want[lockKey(line.ProductID, line.Location)] += line.Qty
	}

	result := make([]domain.ReservationLine, 0, len(open))
	for _, line := range open {
		qty, ok := want[lockKey(line.ProductID, line.Location)]
		if !ok || qty <= 0 {
			continue
		}
		if qty > line.Qty {
			qty = line.Qty
		}
		line.Qty = qty
		result = append(result, line)
	}
	return result
}

// Restock увеличивает физический остаток; при первом поступлении
// создаёт складскую запись.
func (e *Engine) Restock(productID, location string, qty int64, purchaseOrderID string) error {
	if qty <= 0 {
		return domain.ErrItemQtyInvalid
	}

	unlock := e.lockAll([]string{lockKey(productID, location)})
	defer unlock()

	for attempt := 0; attempt < saveAttempts; attempt++ {
		var change domain.InventoryChange
		item, err := e.repo.Get(productID, location)
		switch {
		case err == nil:
			prev := item.Quantity
			item.Quantity += qty
			change.Updated = append(change.Updated, item)
			change.Ledger = append(change.Ledger, e.quantityRow(domain.TransactionRestock, productID, location, qty, prev, item.Quantity, domain.InventoryTransaction{PurchaseOrderID: purchaseOrderID}))
		case errors.Is(err, domain.ErrInventoryNotFound):
			change.Created = append(change.Created, domain.InventoryItem{
				ID:        uuid.NewString(),
				ProductID: productID,
				Location:  location,
				Quantity:  qty,
				Active:    true,
			})
			change.Ledger = append(change.Ledger, e.quantityRow(domain.TransactionRestock, productID, location, qty, 0, qty, domain.InventoryTransaction{PurchaseOrderID: purchaseOrderID}))
		default:
			return err
		}

		if err := e.repo.Apply(change); err != nil {
			if domain.IsVersionConflict(err) && attempt < saveAttempts-1 {
				continue
			}
			return err
		}
		return nil
	}
	return domain.ErrVersionConflict
}

// Adjust применяет ручную корректировку остатка (инвентаризация, списание
// брака). Остаток не уходит ниже нуля: избыточное списание урезается,
// в леджер попадает фактически применённая дельта.
func (e *Engine) Adjust(productID, location string, delta int64, reason string) error {
	if delta == 0 {
		return nil
	}

	unlock := e.lockAll([]string{lockKey(productID, location)})
	defer unlock()

	for attempt := 0; attempt < saveAttempts; attempt++ {
		item, err := e.repo.Get(productID, location)
		if err != nil {
			return err
		}

		prev := item.Quantity
		prevAvailable := item.Available()
		item.Quantity += delta
		if item.Quantity < 0 {
			item.Quantity = 0
		}
		applied := item.Quantity - prev
		if applied == 0 {
			return nil
		}

		change := domain.InventoryChange{
			Updated: []domain.InventoryItem{item},
			Ledger: []domain.InventoryTransaction{
				e.quantityRow(domain.TransactionAdjustment, productID, location, applied, prev, item.Quantity, domain.InventoryTransaction{Reason: reason}),
			},
		}

		if err := e.repo.Apply(change); err != nil {
			if domain.IsVersionConflict(err) && attempt < saveAttempts-1 {
				continue
			}
			return err
		}

		e.maybeEmitLowStock(item, prevAvailable)
		return nil
	}
	return domain.ErrVersionConflict
}

// Transfer перемещает qty между локациями. В леджер пишутся две связанные
// строки: списание из источника и приход в приёмник, ссылающиеся друг на друга.
// Зарезервированный остаток перемещать нельзя.
func (e *Engine) Transfer(productID, from, to string, qty int64) error {
	if qty <= 0 || from == "" || to == "" || from == to {
		return domain.ErrTransferInvalid
	}

	unlock := e.lockAll([]string{lockKey(productID, from), lockKey(productID, to)})
	defer unlock()

	for attempt := 0; attempt < saveAttempts; attempt++ {
		source, err := e.repo.Get(productID, from)
		if err != nil {
			return err
		}
		if source.Available() < qty {
			return fmt.Errorf("%w: transfer %d from %s, available %d",
				domain.ErrInsufficientStock, qty, from, source.Available())
		}

		var change domain.InventoryChange
		prevSource := source.Quantity
		prevAvailable := source.Available()
		source.Quantity -= qty
		change.Updated = append(change.Updated, source)

		outRowID := uuid.NewString()
		inRowID := uuid.NewString()

		var prevDest int64
		dest, err := e.repo.Get(productID, to)
		switch {
		case err == nil:
			prevDest = dest.Quantity
			dest.Quantity += qty
			change.Updated = append(change.Updated, dest)
		case errors.Is(err, domain.ErrInventoryNotFound):
			// Новая локация наследует политику бэкордера и дозаказа источника.
			change.Created = append(change.Created, domain.InventoryItem{
				ID:               uuid.NewString(),
				ProductID:        productID,
				SKU:              source.SKU,
				Location:         to,
				Quantity:         qty,
				BackorderEnabled: source.BackorderEnabled,
				BackorderLimit:   source.BackorderLimit,
				ReorderPoint:     source.ReorderPoint,
				ReorderQty:       source.ReorderQty,
				Active:           true,
			})
		default:
			return err
		}

		change.Ledger = append(change.Ledger,
			domain.InventoryTransaction{
				ID:            outRowID,
				Type:          domain.TransactionTransfer,
				ProductID:     productID,
				Location:      from,
				Delta:         -qty,
				PrevQty:       prevSource,
				NewQty:        prevSource - qty,
				CounterpartID: inRowID,
			},
			domain.InventoryTransaction{
				ID:            inRowID,
				Type:          domain.TransactionTransfer,
				ProductID:     productID,
				Location:      to,
				Delta:         qty,
				PrevQty:       prevDest,
				NewQty:        prevDest + qty,
				CounterpartID: outRowID,
			},
		)

		if err := e.repo.Apply(change); err != nil {
			if domain.IsVersionConflict(err) && attempt < saveAttempts-1 {
				continue
			}
			return err
		}

		e.maybeEmitLowStock(source, prevAvailable)
		return nil
	}
	return domain.ErrVersionConflict
}

// CommitSale закрывает открытые резервы заказа продажей: снимает резерв
// и списывает физический остаток. Вызывается при подтверждении доставки.
func (e *Engine) CommitSale(orderID string) error {
	if orderID == "" {
		return domain.ErrOrderIDRequired
	}

	open, err := e.repo.OpenReservations(orderID)
	if err != nil {
		return err
	}
	if len(open) == 0 {
		return nil
	}

	keys := make([]string, 0, len(open))
	for _, line := range open {
		keys = append(keys, lockKey(line.ProductID, line.Location))
	}
	unlock := e.lockAll(keys)
	defer unlock()

	for attempt := 0; attempt < saveAttempts; attempt++ {
		open, err = e.repo.OpenReservations(orderID)
		if err != nil {
			return err
		}
		if len(open) == 0 {
			return nil
		}

		var change domain.InventoryChange
		lowStock := make([]func(), 0, len(open))
		for _, line := range open {
			item, err := e.repo.Get(line.ProductID, line.Location)
			if err != nil {
				return err
			}
			prevReserved := item.Reserved
			prevQty := item.Quantity
			prevAvailable := item.Available()

			item.Reserved -= line.Qty
			if item.Reserved < 0 {
				item.Reserved = 0
			}
			item.Quantity -= line.Qty
			change.Updated = append(change.Updated, item)
			change.Ledger = append(change.Ledger,
				domain.InventoryTransaction{
					ID:        uuid.NewString(),
					Type:      domain.TransactionUnreserve,
					ProductID: line.ProductID,
					Location:  line.Location,
					Delta:     -line.Qty,
					PrevQty:   prevReserved,
					NewQty:    item.Reserved,
					OrderID:   orderID,
				},
				e.quantityRow(domain.TransactionSale, line.ProductID, line.Location, -line.Qty, prevQty, item.Quantity, domain.InventoryTransaction{OrderID: orderID}),
			)

			lowStock = append(lowStock, func() { e.maybeEmitLowStock(item, prevAvailable) })
		}

		if err := e.repo.Apply(change); err != nil {
			if domain.IsVersionConflict(err) && attempt < saveAttempts-1 {
				continue
			}
			return err
		}

		for _, emit := range lowStock {
			emit()
		}
		e.logger.WithField("order_id", orderID).Info("sale committed")
		return nil
	}
	return domain.ErrVersionConflict
}

// Return возвращает товар на склад после возврата заказа.
func (e *Engine) Return(orderID string, lines []domain.ReservationLine) error {
	if len(lines) == 0 {
		return nil
	}

	keys := make([]string, 0, len(lines))
	for _, line := range lines {
		if line.Qty <= 0 {
			return domain.ErrItemQtyInvalid
		}
		keys = append(keys, lockKey(line.ProductID, line.Location))
	}
	unlock := e.lockAll(keys)
	defer unlock()

	for attempt := 0; attempt < saveAttempts; attempt++ {
		var change domain.InventoryChange
		for _, line := range lines {
			item, err := e.repo.Get(line.ProductID, line.Location)
			if err != nil {
				return err
			}
			prev := item.Quantity
			item.Quantity += line.Qty
			change.Updated = append(change.Updated, item)
			change.Ledger = append(change.Ledger,
				e.quantityRow(domain.TransactionReturn, line.ProductID, line.Location, line.Qty, prev, item.Quantity, domain.InventoryTransaction{OrderID: orderID}))
		}

		if err := e.repo.Apply(change); err != nil {
			if domain.IsVersionConflict(err) && attempt < saveAttempts-1 {
				continue
			}
			return err
		}
		return nil
	}
	return domain.ErrVersionConflict
}

// Ledger возвращает аудит складской записи, новые строки первыми.
func (e *Engine) Ledger(productID, location string, limit int) ([]domain.InventoryTransaction, error) {
	return e.repo.Ledger(productID, location, limit)
}

func (e *Engine) quantityRow(txType domain.TransactionType, productID, location string, delta, prev, next int64, extra domain.InventoryTransaction) domain.InventoryTransaction {
	return domain.InventoryTransaction{
		ID:              uuid.NewString(),
		Type:            txType,
		ProductID:       productID,
		Location:        location,
		Delta:           delta,
		PrevQty:         prev,
		NewQty:          next,
		OrderID:         extra.OrderID,
		PurchaseOrderID: extra.PurchaseOrderID,
		Reason:          extra.Reason,
	}
}

// maybeEmitLowStock публикует inventory.low-stock ровно в момент пересечения
// порога сверху вниз. Пока остаток остаётся ниже порога, событие не повторяется.
func (e *Engine) maybeEmitLowStock(item domain.InventoryItem, prevAvailable int64) {
	if item.ReorderPoint <= 0 {
		return
	}
	newAvailable := item.Quantity - item.Reserved
	if prevAvailable <= item.ReorderPoint || newAvailable > item.ReorderPoint {
		return
	}

	payload, err := json.Marshal(events.InventoryLowStock{
		ProductID:    item.ProductID,
		Location:     item.Location,
		Available:    int32(newAvailable),
		ReorderPoint: int32(item.ReorderPoint),
		ReorderQty:   int32(item.ReorderQty),
	})
	if err != nil {
		e.logger.WithError(err).Error("marshal low stock event")
		return
	}

	if _, err := e.outbox.Enqueue(domain.OutboxMessage{
		AggregateType: "inventory",
		AggregateID:   item.ProductID,
		RoutingKey:    events.KeyInventoryLowStock,
		Payload:       payload,
	}); err != nil {
		e.logger.WithError(err).Error("enqueue low stock event")
		return
	}

	if e.metrics != nil {
		e.metrics.RecordLowStock()
	}
	e.logger.WithFields(log.Fields{
		"product_id": item.ProductID,
		"location":   item.Location,
		"available":  newAvailable,
	}).Warn("stock below reorder point")
}

func (e *Engine) recordReservation(result string) {
	if e.metrics != nil {
		e.metrics.RecordReservation(result)
	}
	if result == "rejected" && e.metrics != nil {
		e.metrics.RecordAllocationFailed()
	}
}
