package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"economy/pkg/retry"
	"economy/pkg/utils"
)

// Коды ошибок Postgres
const (
	pgUniqueViolation      = "23505"
	pgCheckViolation       = "23514"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// DBTX - общее подмножество *sql.DB и *sql.Tx
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Options - параметры репозиториев
type Options struct {
	// DefaultMaxVigor - запас сил нового актора
	DefaultMaxVigor int64
	// TxRetry - повтор транзакции при serialization failure / deadlock
	TxRetry retry.Config
}

// Store - точка входа в хранилище
//
// Все изменения состояния идут через WithTx; чтения без блокировок
// можно делать через репозитории Store напрямую.
type Store struct {
	db   *sql.DB
	opts Options
	log  *utils.Logger

	Actions   *ActionRepository
	Actors    *ActorRepository
	Orders    *OrderRepository
	Trades    *TradeRepository
	Markets   *MarketRepository
	Ledger    *LedgerRepository
	Inventory *InventoryRepository
}

// Tx - набор репозиториев, привязанных к одной транзакции
type Tx struct {
	Actions   *ActionRepository
	Actors    *ActorRepository
	Ledger    *LedgerRepository
	Inventory *InventoryRepository
	Orders    *OrderRepository
	Trades    *TradeRepository
	Markets   *MarketRepository
}

// NewStore создает хранилище поверх пула соединений
func NewStore(db *sql.DB, opts Options) *Store {
	if opts.DefaultMaxVigor <= 0 {
		opts.DefaultMaxVigor = 100
	}
	if opts.TxRetry.MaxRetries == 0 {
		opts.TxRetry = retry.TxConfig()
	}
	return &Store{
		db:        db,
		opts:      opts,
		log:       utils.L().WithComponent("store"),
		Actions:   NewActionRepository(db),
		Actors:    NewActorRepository(db, opts.DefaultMaxVigor),
		Orders:    NewOrderRepository(db),
		Trades:    NewTradeRepository(db),
		Markets:   NewMarketRepository(db),
		Ledger:    NewLedgerRepository(db),
		Inventory: NewInventoryRepository(db),
	}
}

// DB возвращает пул соединений
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) bind(q DBTX) *Tx {
	return &Tx{
		Actions:   NewActionRepository(q),
		Actors:    NewActorRepository(q, s.opts.DefaultMaxVigor),
		Ledger:    NewLedgerRepository(q),
		Inventory: NewInventoryRepository(q),
		Orders:    NewOrderRepository(q),
		Trades:    NewTradeRepository(q),
		Markets:   NewMarketRepository(q),
	}
}

// WithTx выполняет fn в транзакции
//
// При serialization failure или deadlock вся транзакция повторяется,
// поэтому fn должна быть повторяемой (не накапливать состояние снаружи).
// Любая ошибка fn откатывает транзакцию.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	cfg := s.opts.TxRetry
	cfg.RetryIf = IsTxConflict
	cfg.OnRetry = func(attempt int, err error, _ time.Duration) {
		s.log.Warn("transaction conflict, retrying", utils.Int("attempt", attempt), utils.Err(err))
	}
	err := retry.Do(ctx, func() error {
		return s.runTx(ctx, fn)
	}, cfg)
	if IsTxConflict(err) {
		// попытки исчерпаны: вызывающий может повторить позже
		return retry.Temporary(fmt.Errorf("transaction conflict: %w", err))
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return retry.Temporary(fmt.Errorf("begin tx: %w", err))
	}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(s.bind(sqlTx)); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Error("rollback failed", utils.Err(rbErr))
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ============================================================
// Классификация ошибок драйвера
// ============================================================

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// IsTxConflict - serialization failure или deadlock: транзакцию можно повторить
func IsTxConflict(err error) bool {
	switch pqCode(err) {
	case pgSerializationFailure, pgDeadlockDetected:
		return true
	}
	return false
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if pqCode(err) == pgUniqueViolation {
		return true
	}
	return strings.Contains(err.Error(), "duplicate key")
}

func isCheckViolation(err error) bool {
	return pqCode(err) == pgCheckViolation
}
