package payment

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease — single-flight блокировка обработки офлайн-очереди:
// в каждый момент времени очередь обрабатывает одна реплика.
type Lease interface {
	// Acquire пытается захватить блокировку на ttl. false — блокировка занята.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release освобождает блокировку.
	Release(ctx context.Context, key string) error
}

// localLease — процессная реализация Lease для single-instance запуска и тестов.
type localLease struct {
	mu     sync.Mutex
	leases map[string]time.Time
}

// NewLocalLease создаёт локальную реализацию Lease.
func NewLocalLease() Lease {
	return &localLease{leases: make(map[string]time.Time)}
}

func (l *localLease) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if expires, ok := l.leases[key]; ok && expires.After(now) {
		return false, nil
	}
	l.leases[key] = now.Add(ttl)
	return true, nil
}

func (l *localLease) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.leases, key)
	return nil
}

// redisLease — распределённая реализация Lease поверх Redis (SET NX PX).
type redisLease struct {
	client *redis.Client
	prefix string
}

// NewRedisLease создаёт распределённую блокировку поверх Redis.
func NewRedisLease(client *redis.Client, prefix string) Lease {
	if prefix == "" {
		prefix = "fulfillment:lease:"
	}
	return &redisLease{client: client, prefix: prefix}
}

func (l *redisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, l.prefix+key, "1", ttl).Result()
}

func (l *redisLease) Release(ctx context.Context, key string) error {
	return l.client.Del(ctx, l.prefix+key).Err()
}
