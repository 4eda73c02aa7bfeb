package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// retry.go - повтор операций с экспоненциальной задержкой
//
// Два потребителя:
// - транзакции хранилища (TxConfig): повтор при serialization failure и deadlock
// - обращения к внешним коллабораторам при старте (DefaultConfig)
//
// Классификация ошибок общая для всего сервиса: Permanent не повторяется,
// Temporary повторяется, неизвестная ошибка считается временной.

// Config - параметры повтора
//
//	delay(n) = min(InitialDelay × Multiplier^n, MaxDelay) ± JitterFactor
type Config struct {
	// MaxRetries - число попыток, включая первую; <= 0 - без ограничения
	MaxRetries int

	InitialDelay time.Duration // 100ms если не задано
	MaxDelay     time.Duration // 30s если не задано
	Multiplier   float64       // 2.0 если не задано
	JitterFactor float64       // доля случайного разброса, [0, 1]

	// RetryIf решает, повторять ли ошибку; nil - повторять всё
	RetryIf func(error) bool

	// OnRetry вызывается перед ожиданием очередной попытки
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig - 4 попытки: 100ms, 200ms, 400ms (+ jitter)
func DefaultConfig() Config {
	return Config{
		MaxRetries:   4,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// TxConfig - повтор транзакций: 5 попыток, 10ms, 20ms, 40ms, 80ms (+ jitter)
//
// Jitter разводит во времени повторы воркеров, столкнувшихся на одних строках.
func TxConfig() Config {
	return Config{
		MaxRetries:   5,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

func (c *Config) normalize() {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	c.JitterFactor = math.Max(0, math.Min(1, c.JitterFactor))
}

// backoff - задержка перед попыткой attempt+1
func (c *Config) backoff(attempt int) time.Duration {
	delay := math.Min(float64(c.InitialDelay)*math.Pow(c.Multiplier, float64(attempt)), float64(c.MaxDelay))
	if c.JitterFactor > 0 {
		delay += delay * c.JitterFactor * (rand.Float64()*2 - 1)
	}
	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}

func (c *Config) exhausted(attempt int) bool {
	return c.MaxRetries > 0 && attempt >= c.MaxRetries-1
}

// Do выполняет operation, пока она не вернёт nil, RetryIf не откажет,
// попытки не кончатся или ctx не отменят. Возвращает последнюю ошибку
// операции; ошибку контекста - только если операция ни разу не запускалась.
//
//	err := retry.Do(ctx, func() error {
//	    return store.runTx(ctx, fn)
//	}, retry.TxConfig())
func Do(ctx context.Context, operation func() error, cfg Config) error {
	cfg.normalize()

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}
		if cfg.RetryIf != nil && !cfg.RetryIf(lastErr) {
			return lastErr
		}
		if cfg.exhausted(attempt) {
			return lastErr
		}

		delay := cfg.backoff(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, lastErr, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		}
	}
}

// ============================================================
// Классификация
// ============================================================

// RetryableError - ошибка, сама знающая, можно ли её повторить
// (доменные ошибки apperr отвечают false)
type RetryableError interface {
	error
	Retryable() bool
}

// IsRetryable - ближайшая в цепочке RetryableError решает; без неё
// ошибка считается временной (сбой хранилища, сеть).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r RetryableError
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// RetryIfNotContext - всё, кроме отмены и истечения контекста
func RetryIfNotContext(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// PermanentError - повтор не изменит исход (нехватка остатка, отрицательный баланс)
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string   { return e.Err.Error() }
func (e *PermanentError) Unwrap() error   { return e.Err }
func (e *PermanentError) Retryable() bool { return false }

// Permanent помечает ошибку как постоянную; nil остаётся nil
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// TemporaryError - коллаборатор временно недоступен (конфликт транзакций
// после всех повторов, нет соединения с хранилищем)
type TemporaryError struct {
	Err error
}

func (e *TemporaryError) Error() string   { return e.Err.Error() }
func (e *TemporaryError) Unwrap() error   { return e.Err }
func (e *TemporaryError) Retryable() bool { return true }
func (e *TemporaryError) Temporary() bool { return true }

// Temporary помечает ошибку как временную; nil остаётся nil
func Temporary(err error) error {
	if err == nil {
		return nil
	}
	return &TemporaryError{Err: err}
}
