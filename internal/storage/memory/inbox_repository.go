package memory

import (
	"sync"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// inboxRepositoryInMemory хранит идентификаторы обработанных сообщений
// для подавления дублей at-least-once доставки.
type inboxRepositoryInMemory struct {
	mu        sync.Mutex
	processed map[string]time.Time
}

// NewInboxRepository создаёт in-memory реализацию inbox.
func NewInboxRepository() domain.InboxRepository {
	return &inboxRepositoryInMemory{
		processed: make(map[string]time.Time),
	}
}

func inboxKey(messageID, consumer string) string {
	return consumer + "/" + messageID
}

// Processed сообщает, был ли message_id уже обработан потребителем.
func (r *inboxRepositoryInMemory) Processed(messageID, consumer string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	expires, ok := r.processed[inboxKey(messageID, consumer)]
	return ok && expires.After(time.Now().UTC()), nil
}

// MarkProcessed фиксирует message_id и возвращает false для уже обработанного.
// Просроченная запись считается отсутствующей и перезаписывается.
func (r *inboxRepositoryInMemory) MarkProcessed(messageID, consumer string, ttlAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := inboxKey(messageID, consumer)
	if expires, ok := r.processed[key]; ok && expires.After(time.Now().UTC()) {
		return false, nil
	}
	r.processed[key] = ttlAt
	return true, nil
}

// DeleteExpired удаляет записи с ttl <= before, не больше limit за вызов.
func (r *inboxRepositoryInMemory) DeleteExpired(before time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deleted := 0
	for key, expires := range r.processed {
		if limit > 0 && deleted >= limit {
			break
		}
		if !expires.After(before) {
			delete(r.processed, key)
			deleted++
		}
	}
	return deleted, nil
}

var _ domain.InboxRepository = (*inboxRepositoryInMemory)(nil)
