package service

import (
	"context"
	"encoding/json"
	"time"

	"economy/internal/market"
	"economy/internal/models"
)

// ActionRepositoryInterface определяет интерфейс очереди действий
type ActionRepositoryInterface interface {
	Create(ctx context.Context, a *models.Action) error
	GetByID(ctx context.Context, id int64) (*models.Action, error)
	GetForUpdate(ctx context.Context, id int64) (*models.Action, error)
	GetByIdempotencyKey(ctx context.Context, actorID int64, key string) (*models.Action, error)
	CountActive(ctx context.Context, actorID int64) (int, error)
	QueueTail(ctx context.Context, actorID int64) (*time.Time, error)
	MarkRunning(ctx context.Context, id int64, now time.Time) error
	Complete(ctx context.Context, id int64, result json.RawMessage, now time.Time) error
	Fail(ctx context.Context, id int64, reason string, result json.RawMessage, retryCount int, now time.Time) error
	Reschedule(ctx context.Context, id int64, reason string, retryCount int) error
	ClaimDue(ctx context.Context, now time.Time, limit, maxRetries int) ([]*models.Action, error)
	RequeueStale(ctx context.Context, startedBefore, now time.Time, maxRetries int) (requeued, deadLettered int, err error)
	ListQueue(ctx context.Context, actorID int64) ([]*models.Action, error)
	ListHistory(ctx context.Context, actorID int64, status string, limit int) ([]*models.Action, error)
}

// ActorRepositoryInterface определяет интерфейс состояния акторов
type ActorRepositoryInterface interface {
	LockState(ctx context.Context, actorID int64) (*models.ActorState, error)
	Get(ctx context.Context, actorID int64) (*models.ActorState, error)
	Save(ctx context.Context, s *models.ActorState) error
}

// InstrumentRepositoryInterface определяет интерфейс справочника инструментов
type InstrumentRepositoryInterface interface {
	ListInstruments(ctx context.Context) ([]string, error)
	Seed(ctx context.Context, s *models.InstrumentState) (bool, error)
}

// TxStores - репозитории, привязанные к одной транзакции
// (или к пулу соединений для чтения без блокировок)
type TxStores struct {
	Actions ActionRepositoryInterface
	Actors  ActorRepositoryInterface
	Market  market.Stores
}

// Store - транзакционная граница сервисов
//
// WithTx может повторить fn при конфликте сериализации, поэтому fn
// не должна накапливать состояние снаружи между попытками.
type Store interface {
	WithTx(ctx context.Context, fn func(tx *TxStores) error) error
	Reader() *TxStores
	Instruments() InstrumentRepositoryInterface
}

// ActionServiceInterface определяет интерфейс сервиса действий для handlers
type ActionServiceInterface interface {
	Submit(ctx context.Context, req SubmitRequest) (*models.ActionSnapshot, error)
	Preview(ctx context.Context, actorID int64, actionType string, payload json.RawMessage) (*models.Projection, error)
	GetAction(ctx context.Context, actorID, actionID int64) (*models.Action, error)
	ListQueue(ctx context.Context, actorID int64) ([]*models.Action, error)
	ListHistory(ctx context.Context, actorID int64, status string, limit int) ([]*models.Action, error)
}

// MarketServiceInterface определяет интерфейс рыночных запросов для handlers
type MarketServiceInterface interface {
	OrderBook(ctx context.Context, instrument string, depth int) (*models.OrderBook, error)
	TradeHistory(ctx context.Context, instrument string, limit int) (*models.TradeHistory, error)
	Instruments(ctx context.Context) ([]string, error)
}

// SchedulerInterface определяет интерфейс планировщика для воркера и CLI
type SchedulerInterface interface {
	RunIteration(ctx context.Context, batchSize int) (*IterationStats, error)
	RequeueStale(ctx context.Context, claimTimeout time.Duration) (requeued, deadLettered int, err error)
}

// Publisher - получатель событий после коммита (websocket hub)
type Publisher interface {
	Publish(events []Event)
}
