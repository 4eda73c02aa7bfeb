package actions

import (
	"time"

	"economy/internal/apperr"
	"economy/internal/models"
)

// Costs - плоские ставки сил и оплаты
//
// Полная модель выносливости живёт вне ядра; здесь только то, что нужно
// для предусловий и разрешения действий.
type Costs struct {
	WorkVigorPerHour     int64 `yaml:"work_vigor_per_hour"`
	WagePerHour          int64 `yaml:"wage_per_hour"`
	RestVigorPerHour     int64 `yaml:"rest_vigor_per_hour"`
	DayTradeVigor        int64 `yaml:"day_trade_vigor"`
	DayTradeStress       int64 `yaml:"day_trade_stress"`
	DayTradeFreeSessions int   `yaml:"day_trade_free_sessions"`
	MaxShiftHours        int   `yaml:"max_shift_hours"`
}

// DefaultCosts - ставки по умолчанию
func DefaultCosts() Costs {
	return Costs{
		WorkVigorPerHour:     10,
		WagePerHour:          25,
		RestVigorPerHour:     15,
		DayTradeVigor:        5,
		DayTradeStress:       10,
		DayTradeFreeSessions: 2,
		MaxShiftHours:        12,
	}
}

// RequireVigor - проверка запаса сил без списания
func RequireVigor(s *models.ActorState, cost int64) error {
	if s.Vigor < cost {
		return apperr.InsufficientVigor(cost, s.Vigor)
	}
	return nil
}

// ApplyCost списывает силы; при нехватке - InsufficientVigor, состояние не меняется
func ApplyCost(s *models.ActorState, cost int64) error {
	if err := RequireVigor(s, cost); err != nil {
		return err
	}
	s.Vigor -= cost
	return nil
}

// Restore восполняет силы, не выше максимума
func Restore(s *models.ActorState, amount int64) int64 {
	before := s.Vigor
	s.Vigor += amount
	if s.Vigor > s.MaxVigor {
		s.Vigor = s.MaxVigor
	}
	return s.Vigor - before
}

func hoursDuration(hours int) time.Duration {
	return time.Duration(hours) * time.Hour
}
