package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

type offlineQueueRepository struct {
	db *sql.DB
}

// NewOfflineQueueRepository создаёт PostgreSQL-реализацию OfflineQueueRepository.
func NewOfflineQueueRepository(store *Store) domain.OfflineQueueRepository {
	return &offlineQueueRepository{db: store.DB()}
}

func (r *offlineQueueRepository) Enqueue(item domain.OfflineQueueItem) (domain.OfflineQueueItem, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = domain.OfflineQueuePending
	}
	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO offline_queue (id, payment_id, attempts, status, last_error, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`,
		item.ID, item.PaymentID, item.Attempts, string(item.Status), item.LastError, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return domain.OfflineQueueItem{}, fmt.Errorf("enqueue offline payment: %w", err)
	}

	return item, nil
}

func (r *offlineQueueRepository) PullPending(limit int, maxAttempts int32) ([]domain.OfflineQueueItem, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, payment_id, attempts, status, last_error, created_at, updated_at
		FROM offline_queue
		WHERE status = 'pending'
	`
	args := []any{limit}
	if maxAttempts > 0 {
		query += ` AND attempts < $2`
		args = append(args, maxAttempts)
	}
	query += ` ORDER BY created_at, id LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pull pending offline payments: %w", err)
	}
	defer rows.Close()

	items := make([]domain.OfflineQueueItem, 0, limit)
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan offline queue item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate offline queue rows: %w", err)
	}

	return items, nil
}

func (r *offlineQueueRepository) Get(id string) (domain.OfflineQueueItem, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	item, err := scanQueueItem(r.db.QueryRowContext(ctx, `
		SELECT id, payment_id, attempts, status, last_error, created_at, updated_at
		FROM offline_queue
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.OfflineQueueItem{}, domain.ErrQueueItemNotFound
		}
		return domain.OfflineQueueItem{}, fmt.Errorf("select offline queue item: %w", err)
	}

	return item, nil
}

func (r *offlineQueueRepository) Update(item domain.OfflineQueueItem) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE offline_queue
		SET attempts = $1,
		    status = $2,
		    last_error = $3,
		    updated_at = NOW()
		WHERE id = $4
	`, item.Attempts, string(item.Status), item.LastError, item.ID)
	if err != nil {
		return fmt.Errorf("update offline queue item: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrQueueItemNotFound
	}

	return nil
}

func (r *offlineQueueRepository) Stats() (domain.OfflineQueueStats, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM offline_queue
		GROUP BY status
	`)
	if err != nil {
		return domain.OfflineQueueStats{}, fmt.Errorf("offline queue stats query failed: %w", err)
	}
	defer rows.Close()

	var stats domain.OfflineQueueStats
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return domain.OfflineQueueStats{}, fmt.Errorf("scan stats row: %w", err)
		}
		switch domain.OfflineQueueStatus(status) {
		case domain.OfflineQueuePending:
			stats.Pending = count
		case domain.OfflineQueueProcessing:
			stats.Processing = count
		case domain.OfflineQueueCompleted:
			stats.Completed = count
		case domain.OfflineQueueFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return domain.OfflineQueueStats{}, fmt.Errorf("iterate stats rows: %w", err)
	}

	return stats, nil
}

func scanQueueItem(row rowScanner) (domain.OfflineQueueItem, error) {
	var (
		item   domain.OfflineQueueItem
		status string
	)
	if err := row.Scan(
		&item.ID, &item.PaymentID, &item.Attempts, &status, &item.LastError, &item.CreatedAt, &item.UpdatedAt,
	); err != nil {
		return domain.OfflineQueueItem{}, err
	}
	item.Status = domain.OfflineQueueStatus(status)
	return item, nil
}

var _ domain.OfflineQueueRepository = (*offlineQueueRepository)(nil)
