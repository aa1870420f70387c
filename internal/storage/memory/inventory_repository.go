package memory

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// inventoryRepositoryInMemory — in-memory реализация InventoryRepository.
// Записи ключуются парой (product, location), леджер хранится единым
// append-only срезом в порядке записи.
type inventoryRepositoryInMemory struct {
	mu     sync.RWMutex
	items  map[string]domain.InventoryItem
	ledger []domain.InventoryTransaction
}

// NewInventoryRepository возвращает in-memory репозиторий склада.
func NewInventoryRepository() domain.InventoryRepository {
	return &inventoryRepositoryInMemory{
		items: make(map[string]domain.InventoryItem),
	}
}

func inventoryKey(productID, location string) string {
	return productID + "/" + location
}

// Get возвращает запись по (product, location) или ErrInventoryNotFound.
func (r *inventoryRepositoryInMemory) Get(productID, location string) (domain.InventoryItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, ok := r.items[inventoryKey(productID, location)]
	if !ok {
		return domain.InventoryItem{}, domain.ErrInventoryNotFound
	}
	return item, nil
}

// Apply атомарно применяет изменения записей и строки леджера.
// Сначала валидируются все записи, потом применяется всё разом:
// частично применённых изменений не бывает.
func (r *inventoryRepositoryInMemory) Apply(change domain.InventoryChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, item := range change.Created {
		if _, exists := r.items[inventoryKey(item.ProductID, item.Location)]; exists {
			return domain.ErrVersionConflict
		}
	}
	for _, item := range change.Updated {
		current, ok := r.items[inventoryKey(item.ProductID, item.Location)]
		if !ok {
			return domain.ErrInventoryNotFound
		}
		if current.Version != item.Version {
			return domain.ErrVersionConflict
		}
	}

	now := time.Now().UTC()
	for _, item := range change.Created {
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		if item.CreatedAt.IsZero() {
			item.CreatedAt = now
		}
		item.UpdatedAt = now
		r.items[inventoryKey(item.ProductID, item.Location)] = item
	}
	for _, item := range change.Updated {
		item.Version++
		item.UpdatedAt = now
		r.items[inventoryKey(item.ProductID, item.Location)] = item
	}
	for _, row := range change.Ledger {
		if row.ID == "" {
			row.ID = uuid.NewString()
		}
		if row.CreatedAt.IsZero() {
			row.CreatedAt = now
		}
		r.ledger = append(r.ledger, row)
	}
	return nil
}

// OpenReservations выводит незакрытые резервы заказа из леджера:
// сумма дельт reserve/unreserve по каждой паре (product, location).
func (r *inventoryRepositoryInMemory) OpenReservations(orderID string) ([]domain.ReservationLine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type key struct{ product, location string }
	open := make(map[key]int64)
	var order []key

	for _, row := range r.ledger {
		if row.OrderID != orderID {
			continue
		}
		if row.Type != domain.TransactionReserve && row.Type != domain.TransactionUnreserve {
			continue
		}
		k := key{row.ProductID, row.Location}
		if _, seen := open[k]; !seen {
			order = append(order, k)
		}
		open[k] += row.Delta
	}

	result := make([]domain.ReservationLine, 0, len(order))
	for _, k := range order {
		if open[k] > 0 {
			result = append(result, domain.ReservationLine{
				ProductID: k.product,
				Location:  k.location,
				Qty:       open[k],
			})
		}
	}
	return result, nil
}

// Ledger возвращает строки аудита по записи, новые первыми.
func (r *inventoryRepositoryInMemory) Ledger(productID, location string, limit int) ([]domain.InventoryTransaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.InventoryTransaction, 0)
	for i := len(r.ledger) - 1; i >= 0; i-- {
		row := r.ledger[i]
		if row.ProductID != productID || row.Location != location {
			continue
		}
		result = append(result, row)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

var _ domain.InventoryRepository = (*inventoryRepositoryInMemory)(nil)
