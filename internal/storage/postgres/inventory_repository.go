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

type inventoryRepository struct {
	db *sql.DB
}

// NewInventoryRepository создаёт PostgreSQL-реализацию InventoryRepository.
func NewInventoryRepository(store *Store) domain.InventoryRepository {
	return &inventoryRepository{db: store.DB()}
}

func (r *inventoryRepository) Get(productID, location string) (domain.InventoryItem, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var item domain.InventoryItem
	err := r.db.QueryRowContext(ctx, `
		SELECT id, product_id, sku, location, quantity, reserved,
		       backorder_enabled, backorder_limit, reorder_point, reorder_qty,
		       active, version, created_at, updated_at
		FROM inventory_items
		WHERE product_id = $1 AND location = $2
	`, productID, location).Scan(
		&item.ID, &item.ProductID, &item.SKU, &item.Location, &item.Quantity, &item.Reserved,
		&item.BackorderEnabled, &item.BackorderLimit, &item.ReorderPoint, &item.ReorderQty,
		&item.Active, &item.Version, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.InventoryItem{}, domain.ErrInventoryNotFound
		}
		return domain.InventoryItem{}, fmt.Errorf("select inventory item: %w", err)
	}

	return item, nil
}

// Apply применяет изменения и строки леджера в одной транзакции:
// любой конфликт версии или отсутствующая запись откатывают всё целиком.
func (r *inventoryRepository) Apply(change domain.InventoryChange) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()

	for _, item := range change.Created {
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		if item.CreatedAt.IsZero() {
			item.CreatedAt = now
		}
		item.UpdatedAt = now

		_, err = tx.ExecContext(ctx, `
			INSERT INTO inventory_items (
				id, product_id, sku, location, quantity, reserved,
				backorder_enabled, backorder_limit, reorder_point, reorder_qty,
				active, version, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		`,
			item.ID, item.ProductID, item.SKU, item.Location, item.Quantity, item.Reserved,
			item.BackorderEnabled, item.BackorderLimit, item.ReorderPoint, item.ReorderQty,
			item.Active, item.Version, item.CreatedAt, item.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.ErrVersionConflict
			}
			return fmt.Errorf("insert inventory item: %w", err)
		}
	}

	for _, item := range change.Updated {
		var res sql.Result
		res, err = tx.ExecContext(ctx, `
			UPDATE inventory_items
			SET quantity = $1,
			    reserved = $2,
			    backorder_enabled = $3,
			    backorder_limit = $4,
			    reorder_point = $5,
			    reorder_qty = $6,
			    active = $7,
			    version = version + 1,
			    updated_at = $8
			WHERE product_id = $9
			  AND location = $10
			  AND version = $11
		`,
			item.Quantity, item.Reserved,
			item.BackorderEnabled, item.BackorderLimit, item.ReorderPoint, item.ReorderQty,
			item.Active, now,
			item.ProductID, item.Location, item.Version,
		)
		if err != nil {
			return fmt.Errorf("update inventory item: %w", err)
		}

		var affected int64
		affected, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			err = r.classifyUpdateMiss(ctx, tx, item.ProductID, item.Location)
			return err
		}
	}

	for _, row := range change.Ledger {
		if row.ID == "" {
			row.ID = uuid.NewString()
		}
		if row.CreatedAt.IsZero() {
			row.CreatedAt = now
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO inventory_ledger (
				id, type, product_id, location, delta, prev_qty, new_qty,
				order_id, purchase_order_id, counterpart_id, reason, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`,
			row.ID, string(row.Type), row.ProductID, row.Location, row.Delta, row.PrevQty, row.NewQty,
			row.OrderID, row.PurchaseOrderID, row.CounterpartID, row.Reason, row.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert ledger row: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit inventory change: %w", err)
	}

	return nil
}

func (r *inventoryRepository) OpenReservations(orderID string) ([]domain.ReservationLine, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	// Дельты unreserve уже отрицательные, открытый остаток — прямая сумма.
	rows, err := r.db.QueryContext(ctx, `
		SELECT product_id, location, SUM(delta) AS open_qty
		FROM inventory_ledger
		WHERE order_id = $1
		  AND type IN ('reserve', 'unreserve')
		GROUP BY product_id, location
		HAVING SUM(delta) > 0
		ORDER BY MIN(created_at), product_id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query open reservations: %w", err)
	}
	defer rows.Close()

	lines := make([]domain.ReservationLine, 0)
	for rows.Next() {
		var line domain.ReservationLine
		if err := rows.Scan(&line.ProductID, &line.Location, &line.Qty); err != nil {
			return nil, fmt.Errorf("scan reservation line: %w", err)
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reservation lines: %w", err)
	}

	return lines, nil
}

func (r *inventoryRepository) Ledger(productID, location string, limit int) ([]domain.InventoryTransaction, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	query := `
		SELECT id, type, product_id, location, delta, prev_qty, new_qty,
		       order_id, purchase_order_id, counterpart_id, reason, created_at
		FROM inventory_ledger
		WHERE product_id = $1 AND location = $2
		ORDER BY created_at DESC, id DESC
	`

	var (
		rows *sql.Rows
		err  error
	)

	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, query+" LIMIT $3", productID, location, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, query, productID, location)
	}
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	result := make([]domain.InventoryTransaction, 0)
	for rows.Next() {
		var (
			row    domain.InventoryTransaction
			txType string
		)
		if err := rows.Scan(
			&row.ID, &txType, &row.ProductID, &row.Location, &row.Delta, &row.PrevQty, &row.NewQty,
			&row.OrderID, &row.PurchaseOrderID, &row.CounterpartID, &row.Reason, &row.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		row.Type = domain.TransactionType(txType)
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger rows: %w", err)
	}

	return result, nil
}

func (r *inventoryRepository) classifyUpdateMiss(ctx context.Context, tx *sql.Tx, productID, location string) error {
	var id string
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM inventory_items WHERE product_id = $1 AND location = $2
	`, productID, location).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrInventoryNotFound
	}
	if err != nil {
		return fmt.Errorf("check inventory exists: %w", err)
	}
	return domain.ErrVersionConflict
}

var _ domain.InventoryRepository = (*inventoryRepository)(nil)
