package models

import (
	"encoding/json"
	"time"

	"economy/pkg/utils"
)

// Статусы действия
const (
	ActionStatusPending   = "pending"   // мгновенное действие, ещё не разрешено
	ActionStatusScheduled = "scheduled" // ожидает scheduled_for + duration
	ActionStatusRunning   = "running"   // захвачено воркером
	ActionStatusCompleted = "completed"
	ActionStatusFailed    = "failed"
)

// Action - единица работы актора
//
// Хранится вечно как журнал аудита. Статус меняется только под
// блокировкой строки актора.
type Action struct {
	ID              int64           `json:"id" db:"id"`
	ActorID         int64           `json:"actor_id" db:"actor_id"`
	Type            string          `json:"type" db:"type"`
	Payload         json.RawMessage `json:"payload" db:"payload"`
	PayloadHash     string          `json:"-" db:"payload_hash"`
	Status          string          `json:"status" db:"status"`
	ScheduledFor    time.Time       `json:"scheduled_for" db:"scheduled_for"`
	DurationSeconds int64           `json:"duration_seconds" db:"duration_seconds"`
	IdempotencyKey  string          `json:"idempotency_key" db:"idempotency_key"`
	RetryCount      int             `json:"retry_count" db:"retry_count"`
	FailureReason   *string         `json:"failure_reason,omitempty" db:"failure_reason"`
	Result          json.RawMessage `json:"result,omitempty" db:"result"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty" db:"started_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
}

// Duration возвращает длительность как time.Duration
func (a *Action) Duration() time.Duration {
	return utils.SecondsDuration(a.DurationSeconds)
}

// EndsAt - момент, когда действие становится готовым к разрешению
func (a *Action) EndsAt() time.Time {
	return a.ScheduledFor.Add(a.Duration())
}

// IsTerminal возвращает true для completed/failed
func (a *Action) IsTerminal() bool {
	return IsTerminalStatus(a.Status)
}

// IsTerminalStatus возвращает true для конечных статусов
func IsTerminalStatus(s string) bool {
	return s == ActionStatusCompleted || s == ActionStatusFailed
}

// ActiveActionStatuses - нетерминальные статусы, занимающие место в очереди
var ActiveActionStatuses = []string{ActionStatusPending, ActionStatusScheduled, ActionStatusRunning}

// ValidActionTransitions - допустимые переходы статуса действия
//
// running -> scheduled - ребро повтора после временной ошибки.
var ValidActionTransitions = map[string][]string{
	ActionStatusPending:   {ActionStatusRunning},
	ActionStatusScheduled: {ActionStatusRunning},
	ActionStatusRunning:   {ActionStatusCompleted, ActionStatusFailed, ActionStatusScheduled},
	ActionStatusCompleted: {},
	ActionStatusFailed:    {},
}

// CanTransitionAction проверяет допустимость перехода
func CanTransitionAction(from, to string) bool {
	allowed, ok := ValidActionTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// ActionSnapshot - ответ на submit
type ActionSnapshot struct {
	ActionID        int64           `json:"action_id"`
	Status          string          `json:"status"`
	ScheduledFor    time.Time       `json:"scheduled_for"`
	DurationSeconds int64           `json:"duration_seconds"`
	Result          json.RawMessage `json:"result,omitempty"`
}

// Snapshot строит ответ submit из записи
func (a *Action) Snapshot() *ActionSnapshot {
	return &ActionSnapshot{
		ActionID:        a.ID,
		Status:          a.Status,
		ScheduledFor:    a.ScheduledFor,
		DurationSeconds: a.DurationSeconds,
		Result:          a.Result,
	}
}

// Projection - результат предпросмотра (ничего не записывает)
type Projection struct {
	Type            string    `json:"type"`
	VigorDelta      int64     `json:"vigor_delta"`
	FundsDelta      int64     `json:"funds_delta"`
	StartsAt        time.Time `json:"starts_at"`
	CompletesAt     time.Time `json:"completes_at"`
	DurationSeconds int64     `json:"duration_seconds"`
	Warnings        []string  `json:"warnings"`
}
