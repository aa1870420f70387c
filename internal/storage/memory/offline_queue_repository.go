package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// offlineQueueRepositoryInMemory — in-memory очередь сверки офлайн-платежей.
type offlineQueueRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.OfflineQueueItem
}

// NewOfflineQueueRepository возвращает in-memory реализацию очереди.
func NewOfflineQueueRepository() domain.OfflineQueueRepository {
	return &offlineQueueRepositoryInMemory{
		items: make(map[string]domain.OfflineQueueItem),
	}
}

// Enqueue добавляет элемент в очередь со статусом pending.
func (r *offlineQueueRepositoryInMemory) Enqueue(item domain.OfflineQueueItem) (domain.OfflineQueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	if item.Status == "" {
		item.Status = domain.OfflineQueuePending
	}
	r.items[item.ID] = item
	return item, nil
}

// PullPending возвращает до limit элементов pending с attempts < maxAttempts,
// старые первыми.
func (r *offlineQueueRepositoryInMemory) PullPending(limit int, maxAttempts int32) ([]domain.OfflineQueueItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.OfflineQueueItem, 0)
	for _, item := range r.items {
		if item.Status != domain.OfflineQueuePending {
			continue
		}
		if maxAttempts > 0 && item.Attempts >= maxAttempts {
			continue
		}
		result = append(result, item)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Get возвращает элемент очереди или ErrQueueItemNotFound.
func (r *offlineQueueRepositoryInMemory) Get(id string) (domain.OfflineQueueItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, ok := r.items[id]
	if !ok {
		return domain.OfflineQueueItem{}, domain.ErrQueueItemNotFound
	}
	return item, nil
}

// Update перезаписывает элемент очереди.
func (r *offlineQueueRepositoryInMemory) Update(item domain.OfflineQueueItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[item.ID]; !ok {
		return domain.ErrQueueItemNotFound
	}
	item.UpdatedAt = time.Now().UTC()
	r.items[item.ID] = item
	return nil
}

// Stats возвращает распределение элементов очереди по статусам.
func (r *offlineQueueRepositoryInMemory) Stats() (domain.OfflineQueueStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats domain.OfflineQueueStats
	for _, item := range r.items {
		switch item.Status {
		case domain.OfflineQueuePending:
			stats.Pending++
		case domain.OfflineQueueProcessing:
			stats.Processing++
		case domain.OfflineQueueCompleted:
			stats.Completed++
		case domain.OfflineQueueFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

var _ domain.OfflineQueueRepository = (*offlineQueueRepositoryInMemory)(nil)
