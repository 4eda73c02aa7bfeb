package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"economy/internal/models"
)

// ErrInstrumentNotFound - инструмент не зарегистрирован
var ErrInstrumentNotFound = fmt.Errorf("instrument %w", models.ErrNotFound)

const instrumentColumns = `instrument, base_price, essential, demand, supply, reference_price,
		window_ref_price, window_started_at, halt_until, spread_bps, widened_spread_until,
		last_maker_refresh, updated_at`

// MarketRepository - рыночное состояние инструментов и история справочной цены
type MarketRepository struct {
	db DBTX
}

// NewMarketRepository создает новый экземпляр репозитория
func NewMarketRepository(db DBTX) *MarketRepository {
	return &MarketRepository{db: db}
}

func scanInstrument(row rowScanner) (*models.InstrumentState, error) {
	s := &models.InstrumentState{}
	var halt, widened, refresh sql.NullTime

	err := row.Scan(
		&s.Instrument,
		&s.BasePrice,
		&s.Essential,
		&s.Demand,
		&s.Supply,
		&s.ReferencePrice,
		&s.WindowRefPrice,
		&s.WindowStartedAt,
		&halt,
		&s.SpreadBps,
		&widened,
		&refresh,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if halt.Valid {
		s.HaltUntil = &halt.Time
	}
	if widened.Valid {
		s.WidenedSpreadUntil = &widened.Time
	}
	if refresh.Valid {
		s.LastMakerRefresh = &refresh.Time
	}
	return s, nil
}

// Get возвращает состояние инструмента без блокировки
func (r *MarketRepository) Get(ctx context.Context, instrument string) (*models.InstrumentState, error) {
	query := `SELECT ` + instrumentColumns + ` FROM instrument_states WHERE instrument = $1`
	return r.getOne(ctx, query, instrument)
}

// GetForUpdate возвращает состояние под эксклюзивной блокировкой строки
func (r *MarketRepository) GetForUpdate(ctx context.Context, instrument string) (*models.InstrumentState, error) {
	query := `SELECT ` + instrumentColumns + ` FROM instrument_states WHERE instrument = $1 FOR UPDATE`
	return r.getOne(ctx, query, instrument)
}

func (r *MarketRepository) getOne(ctx context.Context, query string, args ...interface{}) (*models.InstrumentState, error) {
	s, err := scanInstrument(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInstrumentNotFound
		}
		return nil, err
	}
	return s, nil
}

// Save записывает состояние инструмента
func (r *MarketRepository) Save(ctx context.Context, s *models.InstrumentState) error {
	query := `
		UPDATE instrument_states SET
			demand = $2, supply = $3, reference_price = $4, window_ref_price = $5,
			window_started_at = $6, halt_until = $7, spread_bps = $8,
			widened_spread_until = $9, last_maker_refresh = $10, updated_at = $11
		WHERE instrument = $1`

	s.UpdatedAt = time.Now()
	result, err := r.db.ExecContext(ctx, query,
		s.Instrument,
		s.Demand,
		s.Supply,
		s.ReferencePrice,
		s.WindowRefPrice,
		s.WindowStartedAt,
		s.HaltUntil,
		s.SpreadBps,
		s.WidenedSpreadUntil,
		s.LastMakerRefresh,
		s.UpdatedAt,
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrInstrumentNotFound
	}
	return nil
}

// Seed регистрирует инструмент, если его ещё нет. Возвращает true если создан.
func (r *MarketRepository) Seed(ctx context.Context, s *models.InstrumentState) (bool, error) {
	query := `
		INSERT INTO instrument_states (instrument, base_price, essential, demand, supply,
			reference_price, window_ref_price, window_started_at, spread_bps, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6, $7, $8, $7)
		ON CONFLICT (instrument) DO NOTHING`

	if s.WindowStartedAt.IsZero() {
		s.WindowStartedAt = time.Now()
	}

	result, err := r.db.ExecContext(ctx, query,
		s.Instrument,
		s.BasePrice,
		s.Essential,
		s.Demand,
		s.Supply,
		s.ReferencePrice,
		s.WindowStartedAt,
		s.SpreadBps,
	)
	if err != nil {
		return false, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected > 0, nil
}

// ListInstruments - все зарегистрированные инструменты по алфавиту
func (r *MarketRepository) ListInstruments(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT instrument FROM instrument_states ORDER BY instrument`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// RecordSnapshot добавляет точку истории справочной цены
func (r *MarketRepository) RecordSnapshot(ctx context.Context, snap *models.PriceSnapshot) error {
	query := `
		INSERT INTO price_snapshots (instrument, reference_price, demand, supply, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}
	return r.db.QueryRowContext(ctx, query,
		snap.Instrument,
		snap.ReferencePrice,
		snap.Demand,
		snap.Supply,
		snap.Source,
		snap.CreatedAt,
	).Scan(&snap.ID)
}

// Snapshots - последние точки истории цены, новые первыми
func (r *MarketRepository) Snapshots(ctx context.Context, instrument string, limit int) ([]*models.PriceSnapshot, error) {
	query := `
		SELECT id, instrument, reference_price, demand, supply, source, created_at
		FROM price_snapshots
		WHERE instrument = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, instrument, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.PriceSnapshot
	for rows.Next() {
		s := &models.PriceSnapshot{}
		if err := rows.Scan(&s.ID, &s.Instrument, &s.ReferencePrice, &s.Demand, &s.Supply, &s.Source, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
