package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/postgres"
)

// Dependencies содержит репозитории приложения, собранные под
// выбранный драйвер хранилища.
type Dependencies struct {
	Orders       domain.OrderRepository
	Inventory    domain.InventoryRepository
	Payments     domain.PaymentRepository
	OfflineQueue domain.OfflineQueueRepository
	Outbox       domain.OutboxRepository
	Timeline     domain.TimelineRepository
	Inbox        domain.InboxRepository

	// Store заполнен только для postgres-драйвера.
	Store  *postgres.Store
	Logger *log.Entry
}

// NewDependencies собирает зависимости приложения под cfg.StorageDriver.
func NewDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*Dependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	switch cfg.StorageDriver {
	case StorageDriverPostgres:
		return newPostgresDependencies(ctx, cfg, logger)
	case StorageDriverMemory, "":
		return newMemoryDependencies(logger), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

func newMemoryDependencies(logger *log.Entry) *Dependencies {
	logger.Info("using in-memory storage")
	return &Dependencies{
		Orders:       memory.NewOrderRepository(),
		Inventory:    memory.NewInventoryRepository(),
		Payments:     memory.NewPaymentRepository(),
		OfflineQueue: memory.NewOfflineQueueRepository(),
		Outbox:       memory.NewOutboxRepository(),
		Timeline:     memory.NewTimelineRepository(),
		Inbox:        memory.NewInboxRepository(),
		Logger:       logger,
	}
}

func newPostgresDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*Dependencies, error) {
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("postgres storage driver requires FULFILLMENT_POSTGRES_DSN")
	}

	store, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}

	if cfg.PostgresAutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		logger.Info("postgres schema migrated")
	}

	logger.Info("using postgres storage")
	return &Dependencies{
		Orders:       postgres.NewOrderRepository(store),
		Inventory:    postgres.NewInventoryRepository(store),
		Payments:     postgres.NewPaymentRepository(store),
		OfflineQueue: postgres.NewOfflineQueueRepository(store),
		Outbox:       postgres.NewOutboxRepository(store),
		Timeline:     postgres.NewTimelineRepository(store),
		Inbox:        postgres.NewInboxRepository(store),
		Store:        store,
		Logger:       logger,
	}, nil
}

// Close освобождает ресурсы хранилища.
func (d *Dependencies) Close() {
	if d.Store == nil {
		return
	}
	if err := d.Store.Close(); err != nil {
		d.Logger.WithError(err).Warn("failed to close postgres store")
	}
}
