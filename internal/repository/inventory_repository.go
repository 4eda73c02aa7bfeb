package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"economy/pkg/retry"
)

// ErrNegativeInventory - списание больше, чем есть на складе
var ErrNegativeInventory = retry.Permanent(errors.New("inventory would become negative"))

// InventoryRepository - складские остатки акторов
type InventoryRepository struct {
	db DBTX
}

// NewInventoryRepository создает новый экземпляр репозитория
func NewInventoryRepository(db DBTX) *InventoryRepository {
	return &InventoryRepository{db: db}
}

// Quantity возвращает остаток товара (0 если записи нет)
func (r *InventoryRepository) Quantity(ctx context.Context, ownerID int64, good string) (int64, error) {
	query := `SELECT quantity FROM inventory WHERE owner_id = $1 AND good = $2`

	var qty int64
	err := r.db.QueryRowContext(ctx, query, ownerID, good).Scan(&qty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return qty, nil
}

// Adjust изменяет остаток на delta. Уход в минус - ErrNegativeInventory.
func (r *InventoryRepository) Adjust(ctx context.Context, ownerID int64, good string, delta int64) error {
	if delta == 0 {
		return nil
	}

	query := `
		INSERT INTO inventory (owner_id, good, quantity) VALUES ($1, $2, $3)
		ON CONFLICT (owner_id, good) DO UPDATE SET quantity = inventory.quantity + EXCLUDED.quantity
		RETURNING quantity`

	var qty int64
	err := r.db.QueryRowContext(ctx, query, ownerID, good, delta).Scan(&qty)
	if err != nil {
		if isCheckViolation(err) {
			return fmt.Errorf("%w: owner %d, good %s", ErrNegativeInventory, ownerID, good)
		}
		return err
	}
	if qty < 0 {
		return fmt.Errorf("%w: owner %d, good %s", ErrNegativeInventory, ownerID, good)
	}
	return nil
}
