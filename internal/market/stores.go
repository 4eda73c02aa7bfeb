package market

import (
	"context"

	"economy/internal/models"
)

// OrderStore - книга ордеров
type OrderStore interface {
	Create(ctx context.Context, o *models.Order) error
	GetForUpdate(ctx context.Context, id int64) (*models.Order, error)
	NextMatch(ctx context.Context, instrument string, takerSide models.Side, limit *int64, exclude []int64) (*models.Order, error)
	UpdateFill(ctx context.Context, o *models.Order) error
	ListSyntheticOpen(ctx context.Context, instrument string) ([]*models.Order, error)
	TopLevels(ctx context.Context, instrument string, side models.Side, depth int) ([]models.PriceLevel, error)
}

// TradeStore - журнал сделок
type TradeStore interface {
	Create(ctx context.Context, t *models.Trade) error
	Recent(ctx context.Context, instrument string, limit int) ([]*models.Trade, error)
}

// StateStore - рыночное состояние инструментов
type StateStore interface {
	Get(ctx context.Context, instrument string) (*models.InstrumentState, error)
	GetForUpdate(ctx context.Context, instrument string) (*models.InstrumentState, error)
	Save(ctx context.Context, s *models.InstrumentState) error
	RecordSnapshot(ctx context.Context, snap *models.PriceSnapshot) error
	Snapshots(ctx context.Context, instrument string, limit int) ([]*models.PriceSnapshot, error)
}

// Ledger - денежные переводы (двойная запись, без ухода в минус)
type Ledger interface {
	Balance(ctx context.Context, accountID int64) (int64, error)
	Transfer(ctx context.Context, from, to, amount int64, reason string, actionID *int64) error
}

// Inventory - складские остатки
type Inventory interface {
	Quantity(ctx context.Context, ownerID int64, good string) (int64, error)
	Adjust(ctx context.Context, ownerID int64, good string, delta int64) error
}

// Stores - хранилища, привязанные к одной транзакции
type Stores struct {
	Orders    OrderStore
	Trades    TradeStore
	States    StateStore
	Ledger    Ledger
	Inventory Inventory
}
