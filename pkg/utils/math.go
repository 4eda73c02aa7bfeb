package utils

import (
	"errors"
	"math"
)

// math.go - математические утилиты для рынка
//
// Все цены, деньги и количества в системе - целые единицы (int64).
// Дробные промежуточные значения округляются только здесь.
//
// Функции:
// - Clamp / ClampInt64: ограничение диапазона
// - RoundHalfAway: округление к ближайшему целому (0.5 - от нуля)
// - FloorMul: floor(value × rate) для комиссий
// - VWAP: средневзвешенная по объёму цена
// - MulInt64 / AddInt64: целочисленная арифметика с проверкой переполнения

// ErrOverflow - результат не помещается в int64
var ErrOverflow = errors.New("int64 overflow")

// Clamp ограничивает значение диапазоном [min, max].
// NaN превращается в min.
func Clamp(value, min, max float64) float64 {
	if math.IsNaN(value) {
		return min
	}
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// ClampInt64 ограничивает целое значение диапазоном [min, max]
func ClampInt64(value, min, max int64) int64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// RoundHalfAway округляет к ближайшему целому, половины - от нуля.
//
// Примеры:
//   - RoundHalfAway(200.5) = 201
//   - RoundHalfAway(-1.5) = -2
func RoundHalfAway(value float64) int64 {
	return int64(math.Round(value))
}

// FloorMul возвращает floor(value × rate) для неотрицательных значений.
//
// Используется для комиссии: floor(210×5×0.01) = 10.
// Малый эпсилон защищает от 10.499999 вместо 10.5 в двоичной арифметике.
func FloorMul(value int64, rate float64) int64 {
	if value <= 0 || rate <= 0 {
		return 0
	}
	return int64(math.Floor(float64(value)*rate + 1e-9))
}

// VWAP рассчитывает средневзвешенную по объёму цену.
//
//	VWAP = Σ(price_i × qty_i) / Σ(qty_i)
//
// Возвращает 0, если входные данные некорректны или суммарный объём равен 0.
// Отрицательные объёмы пропускаются.
func VWAP(prices, quantities []int64) float64 {
	if len(prices) == 0 || len(prices) != len(quantities) {
		return 0
	}

	var sumWeighted, sumQty float64
	for i := range prices {
		if quantities[i] <= 0 {
			continue
		}
		sumWeighted += float64(prices[i]) * float64(quantities[i])
		sumQty += float64(quantities[i])
	}

	if sumQty == 0 {
		return 0
	}
	return sumWeighted / sumQty
}

// MulInt64 возвращает a × b или ErrOverflow
func MulInt64(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	c := a * b
	if c/b != a || (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return 0, ErrOverflow
	}
	return c, nil
}

// AddInt64 возвращает a + b или ErrOverflow
func AddInt64(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// Abs возвращает модуль числа
func Abs(x float64) float64 {
	return math.Abs(x)
}
