package models

import "time"

// Активности актора
const (
	ActivityIdle    = "idle"
	ActivityWorking = "working"
	ActivityResting = "resting"
)

// Служебные счета двойной записи
const (
	// TreasuryAccountID - казна: источник зарплат и синтетической ликвидности,
	// может уходить в минус
	TreasuryAccountID int64 = 0
	// FeeSinkAccountID - получатель торговых комиссий
	FeeSinkAccountID int64 = -1
)

// ActorState - изменяемое состояние актора (строка блокировки)
type ActorState struct {
	ActorID       int64      `json:"actor_id" db:"actor_id"`
	Vigor         int64      `json:"vigor" db:"vigor"`
	MaxVigor      int64      `json:"max_vigor" db:"max_vigor"`
	Activity      string     `json:"activity" db:"activity"`
	ActivitySince *time.Time `json:"activity_since,omitempty" db:"activity_since"`
	ActivityUntil *time.Time `json:"activity_until,omitempty" db:"activity_until"`
	Stress        int64      `json:"stress" db:"stress"`
	DayTradeDate  *time.Time `json:"day_trade_date,omitempty" db:"day_trade_date"`
	DayTradeCount int        `json:"day_trade_count" db:"day_trade_count"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// NewActorState - состояние по умолчанию для нового актора
func NewActorState(actorID int64, maxVigor int64) *ActorState {
	return &ActorState{
		ActorID:  actorID,
		Vigor:    maxVigor,
		MaxVigor: maxVigor,
		Activity: ActivityIdle,
	}
}

// BusyAt возвращает true если момент t попадает в [ActivitySince, ActivityUntil)
func (s *ActorState) BusyAt(t time.Time) bool {
	if s.Activity == "" || s.Activity == ActivityIdle {
		return false
	}
	if s.ActivitySince != nil && t.Before(*s.ActivitySince) {
		return false
	}
	return s.ActivityUntil == nil || t.Before(*s.ActivityUntil)
}

// SetActivity занимает актора на интервал [since, until)
func (s *ActorState) SetActivity(activity string, since, until time.Time) {
	s.Activity = activity
	s.ActivitySince = &since
	s.ActivityUntil = &until
}

// ClearActivity возвращает актора в idle
func (s *ActorState) ClearActivity() {
	s.Activity = ActivityIdle
	s.ActivitySince = nil
	s.ActivityUntil = nil
}
