package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"economy/internal/models"
)

// ErrActorNotFound - строка состояния актора отсутствует
var ErrActorNotFound = fmt.Errorf("actor state %w", models.ErrNotFound)

const actorColumns = `actor_id, vigor, max_vigor, activity, activity_since, activity_until, stress,
		day_trade_date, day_trade_count, updated_at`

// ActorRepository - изменяемое состояние акторов (точка сериализации на актора)
type ActorRepository struct {
	db       DBTX
	maxVigor int64
}

// NewActorRepository создает новый экземпляр репозитория
func NewActorRepository(db DBTX, defaultMaxVigor int64) *ActorRepository {
	return &ActorRepository{db: db, maxVigor: defaultMaxVigor}
}

func scanActorState(row rowScanner) (*models.ActorState, error) {
	s := &models.ActorState{}
	var since, until, dayTrade sql.NullTime

	err := row.Scan(
		&s.ActorID,
		&s.Vigor,
		&s.MaxVigor,
		&s.Activity,
		&since,
		&until,
		&s.Stress,
		&dayTrade,
		&s.DayTradeCount,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if since.Valid {
		s.ActivitySince = &since.Time
	}
	if until.Valid {
		s.ActivityUntil = &until.Time
	}
	if dayTrade.Valid {
		s.DayTradeDate = &dayTrade.Time
	}
	return s, nil
}

// LockState блокирует строку актора (SELECT ... FOR UPDATE), создавая её
// при первом обращении. Блокировка держится до конца транзакции.
func (r *ActorRepository) LockState(ctx context.Context, actorID int64) (*models.ActorState, error) {
	insert := `
		INSERT INTO actor_states (actor_id, vigor, max_vigor, activity, stress, day_trade_count, updated_at)
		VALUES ($1, $2, $2, $3, 0, 0, $4)
		ON CONFLICT (actor_id) DO NOTHING`

	if _, err := r.db.ExecContext(ctx, insert, actorID, r.maxVigor, models.ActivityIdle, time.Now()); err != nil {
		return nil, err
	}

	query := `SELECT ` + actorColumns + ` FROM actor_states WHERE actor_id = $1 FOR UPDATE`
	s, err := scanActorState(r.db.QueryRowContext(ctx, query, actorID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrActorNotFound
		}
		return nil, err
	}
	return s, nil
}

// Get читает состояние без блокировки. Для неизвестного актора
// возвращает состояние по умолчанию.
func (r *ActorRepository) Get(ctx context.Context, actorID int64) (*models.ActorState, error) {
	query := `SELECT ` + actorColumns + ` FROM actor_states WHERE actor_id = $1`

	s, err := scanActorState(r.db.QueryRowContext(ctx, query, actorID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.NewActorState(actorID, r.maxVigor), nil
		}
		return nil, err
	}
	return s, nil
}

// Save записывает состояние (строка должна быть заблокирована LockState)
func (r *ActorRepository) Save(ctx context.Context, s *models.ActorState) error {
	query := `
		UPDATE actor_states SET
			vigor = $2, max_vigor = $3, activity = $4, activity_since = $5,
			activity_until = $6, stress = $7, day_trade_date = $8,
			day_trade_count = $9, updated_at = $10
		WHERE actor_id = $1`

	s.UpdatedAt = time.Now()
	result, err := r.db.ExecContext(ctx, query,
		s.ActorID,
		s.Vigor,
		s.MaxVigor,
		s.Activity,
		s.ActivitySince,
		s.ActivityUntil,
		s.Stress,
		s.DayTradeDate,
		s.DayTradeCount,
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
		return ErrActorNotFound
	}
	return nil
}
