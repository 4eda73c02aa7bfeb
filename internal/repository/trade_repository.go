package repository

import (
	"context"
	"time"

	"economy/internal/models"
)

// TradeRepository - журнал сделок (только добавление)
type TradeRepository struct {
	db DBTX
}

// NewTradeRepository создает новый экземпляр репозитория
func NewTradeRepository(db DBTX) *TradeRepository {
	return &TradeRepository{db: db}
}

// Create записывает сделку
func (r *TradeRepository) Create(ctx context.Context, t *models.Trade) error {
	query := `
		INSERT INTO trades (instrument, buy_order_id, sell_order_id, price, quantity, fee, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	return r.db.QueryRowContext(ctx, query,
		t.Instrument,
		t.BuyOrderID,
		t.SellOrderID,
		t.Price,
		t.Quantity,
		t.Fee,
		t.CreatedAt,
	).Scan(&t.ID)
}

// Recent - последние сделки по инструменту, новые первыми
func (r *TradeRepository) Recent(ctx context.Context, instrument string, limit int) ([]*models.Trade, error) {
	query := `
		SELECT id, instrument, buy_order_id, sell_order_id, price, quantity, fee, created_at
		FROM trades
		WHERE instrument = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, instrument, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*models.Trade
	for rows.Next() {
		t := &models.Trade{}
		if err := rows.Scan(
			&t.ID,
			&t.Instrument,
			&t.BuyOrderID,
			&t.SellOrderID,
			&t.Price,
			&t.Quantity,
			&t.Fee,
			&t.CreatedAt,
		); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
