package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"economy/internal/models"
)

// ErrOrderNotFound - ордер не найден
var ErrOrderNotFound = fmt.Errorf("order %w", models.ErrNotFound)

const orderColumns = `id, actor_id, synthetic, instrument, side, kind, price,
		qty_open, qty_initial, status, created_at, updated_at`

// OrderRepository - книга ордеров
type OrderRepository struct {
	db DBTX
}

// NewOrderRepository создает новый экземпляр репозитория
func NewOrderRepository(db DBTX) *OrderRepository {
	return &OrderRepository{db: db}
}

func scanOrder(row rowScanner) (*models.Order, error) {
	o := &models.Order{}
	var actorID, price sql.NullInt64
	var side, kind string

	err := row.Scan(
		&o.ID,
		&actorID,
		&o.Synthetic,
		&o.Instrument,
		&side,
		&kind,
		&price,
		&o.QtyOpen,
		&o.QtyInitial,
		&o.Status,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Side = models.Side(side)
	o.Kind = models.OrderKind(kind)
	if actorID.Valid {
		o.ActorID = &actorID.Int64
	}
	if price.Valid {
		o.Price = &price.Int64
	}
	return o, nil
}

// Create сохраняет новый ордер
func (r *OrderRepository) Create(ctx context.Context, o *models.Order) error {
	query := `
		INSERT INTO orders (actor_id, synthetic, instrument, side, kind, price,
			qty_open, qty_initial, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		RETURNING id`

	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	o.UpdatedAt = o.CreatedAt

	return r.db.QueryRowContext(ctx, query,
		o.ActorID,
		o.Synthetic,
		o.Instrument,
		string(o.Side),
		string(o.Kind),
		o.Price,
		o.QtyOpen,
		o.QtyInitial,
		o.Status,
		o.CreatedAt,
	).Scan(&o.ID)
}

// GetByID возвращает ордер без блокировки
func (r *OrderRepository) GetByID(ctx context.Context, id int64) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	return r.getOne(ctx, query, id)
}

// GetForUpdate возвращает ордер под блокировкой строки
func (r *OrderRepository) GetForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 FOR UPDATE`
	return r.getOne(ctx, query, id)
}

func (r *OrderRepository) getOne(ctx context.Context, query string, args ...interface{}) (*models.Order, error) {
	o, err := scanOrder(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return o, nil
}

// NextMatch находит лучший покоящийся лимитный ордер против тейкера
//
// Приоритет: лучшая цена, затем время создания. limit == nil - рыночный
// тейкер (любая цена). Заблокированные другими транзакциями строки
// пропускаются, exclude - уже отвергнутые в этом проходе мейкеры.
// nil, nil - подходящих ордеров нет.
func (r *OrderRepository) NextMatch(ctx context.Context, instrument string, takerSide models.Side, limit *int64, exclude []int64) (*models.Order, error) {
	var query string
	if takerSide == models.SideBuy {
		query = `SELECT ` + orderColumns + `
			FROM orders
			WHERE instrument = $1 AND side = $2 AND kind = $3 AND status = ANY($4)
				AND ($5::bigint IS NULL OR price <= $5)
				AND NOT (id = ANY($6))
			ORDER BY price ASC, created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`
	} else {
		query = `SELECT ` + orderColumns + `
			FROM orders
			WHERE instrument = $1 AND side = $2 AND kind = $3 AND status = ANY($4)
				AND ($5::bigint IS NULL OR price >= $5)
				AND NOT (id = ANY($6))
			ORDER BY price DESC, created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`
	}

	if exclude == nil {
		exclude = []int64{}
	}

	o, err := scanOrder(r.db.QueryRowContext(ctx, query,
		instrument,
		string(takerSide.Opposite()),
		string(models.KindLimit),
		pq.Array(openOrderStatuses),
		limit,
		pq.Array(exclude),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return o, nil
}

var openOrderStatuses = []string{models.OrderStatusOpen, models.OrderStatusPartial}

// UpdateFill записывает открытое количество и статус
func (r *OrderRepository) UpdateFill(ctx context.Context, o *models.Order) error {
	query := `UPDATE orders SET qty_open = $2, status = $3, updated_at = $4 WHERE id = $1`

	o.UpdatedAt = time.Now()
	result, err := r.db.ExecContext(ctx, query, o.ID, o.QtyOpen, o.Status, o.UpdatedAt)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// ListSyntheticOpen - открытые ордера маркет-мейкера по инструменту (под блокировкой)
func (r *OrderRepository) ListSyntheticOpen(ctx context.Context, instrument string) ([]*models.Order, error) {
	query := `SELECT ` + orderColumns + `
		FROM orders
		WHERE instrument = $1 AND synthetic = TRUE AND status = ANY($2)
		ORDER BY id
		FOR UPDATE`

	rows, err := r.db.QueryContext(ctx, query, instrument, pq.Array(openOrderStatuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// TopLevels - агрегированные уровни книги по стороне, лучшие первыми
func (r *OrderRepository) TopLevels(ctx context.Context, instrument string, side models.Side, depth int) ([]models.PriceLevel, error) {
	order := "ASC"
	if side == models.SideBuy {
		order = "DESC"
	}

	query := `
		SELECT price, SUM(qty_open), COUNT(*)
		FROM orders
		WHERE instrument = $1 AND side = $2 AND kind = $3 AND status = ANY($4)
		GROUP BY price
		ORDER BY price ` + order + `
		LIMIT $5`

	rows, err := r.db.QueryContext(ctx, query,
		instrument, string(side), string(models.KindLimit), pq.Array(openOrderStatuses), depth)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	levels := make([]models.PriceLevel, 0, depth)
	for rows.Next() {
		var lvl models.PriceLevel
		if err := rows.Scan(&lvl.Price, &lvl.Quantity, &lvl.Orders); err != nil {
			return nil, err
		}
		levels = append(levels, lvl)
	}
	return levels, rows.Err()
}
