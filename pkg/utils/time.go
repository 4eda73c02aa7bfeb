package utils

import (
	"time"
)

// time.go - утилиты для работы со временем
//
// Используются:
// - счётчик торговых сессий за сутки (граница суток в UTC)
// - окно circuit breaker'а и хвост очереди действий актора

// GetDayStartFrom возвращает начало дня (00:00:00 UTC) для указанного времени
func GetDayStartFrom(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// SameDay проверяет, что два момента попадают в одни сутки UTC
func SameDay(a, b time.Time) bool {
	return GetDayStartFrom(a).Equal(GetDayStartFrom(b))
}

// MaxTime возвращает более поздний из двух моментов
func MaxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// SecondsDuration переводит целые секунды в time.Duration
func SecondsDuration(seconds int64) time.Duration {
	return time.Duration(seconds) * time.Second
}

// MsSince - прошедшее время в миллисекундах (для метрик латентности)
func MsSince(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}

// Active проверяет, что момент now раньше until (nil = неактивно).
// Используется для halt_until / widened_spread_until / activity_until.
func Active(until *time.Time, now time.Time) bool {
	return until != nil && now.Before(*until)
}
