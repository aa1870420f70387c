package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

type inboxRepository struct {
	db *sql.DB
}

// NewInboxRepository создаёт PostgreSQL-реализацию InboxRepository.
func NewInboxRepository(store *Store) domain.InboxRepository {
	return &inboxRepository{db: store.DB()}
}

func (r *inboxRepository) Processed(messageID, consumer string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var ttl time.Time
	err := r.db.QueryRowContext(ctx, `
		SELECT ttl FROM inbox_messages
		WHERE consumer = $1 AND message_id = $2
	`, consumer, messageID).Scan(&ttl)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("select inbox record: %w", err)
	}

	// Просроченная запись эквивалентна отсутствующей: cleanup её ещё не удалил.
	return ttl.After(time.Now().UTC()), nil
}

func (r *inboxRepository) MarkProcessed(messageID, consumer string, ttlAt time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO inbox_messages (message_id, consumer, ttl, processed_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (consumer, message_id) DO UPDATE
		SET ttl = EXCLUDED.ttl,
		    processed_at = NOW()
		WHERE inbox_messages.ttl <= NOW()
	`, messageID, consumer, ttlAt)
	if err != nil {
		return false, fmt.Errorf("mark inbox record: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *inboxRepository) DeleteExpired(before time.Time, limit int) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 500
	}

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM inbox_messages
		WHERE (consumer, message_id) IN (
			SELECT consumer, message_id
			FROM inbox_messages
			WHERE ttl <= $1
			LIMIT $2
		)
	`, before, limit)
	if err != nil {
		return 0, fmt.Errorf("delete expired inbox records: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(affected), nil
}

var _ domain.InboxRepository = (*inboxRepository)(nil)
