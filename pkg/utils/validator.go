package utils

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// validator.go - валидация входных данных
//
// Проверки формата, не зависящие от состояния:
// - ValidateInstrument: код инструмента (grain, iron_ore)
// - ValidateIdempotencyKey: ключ идемпотентности
// - ValidatePositive / ValidateRange: числовые параметры
//
// ValidationErrors собирает несколько ошибок по полям.

// Ошибки валидации
var (
	ErrInvalidInstrument     = errors.New("instrument must be 2-32 chars of a-z, 0-9 or _")
	ErrEmptyIdempotencyKey   = errors.New("idempotency key is required")
	ErrInvalidIdempotencyKey = errors.New("idempotency key must be 1-128 printable chars without spaces")
	ErrNotPositive           = errors.New("value must be greater than 0")
	ErrOutOfRange            = errors.New("value is out of range")
)

const maxIdempotencyKeyLength = 128

var (
	instrumentRe     = regexp.MustCompile(`^[a-z0-9_]{2,32}$`)
	idempotencyKeyRe = regexp.MustCompile(`^[\x21-\x7E]+$`)
)

// NormalizeInstrument приводит код инструмента к каноничному виду (lowercase, без пробелов)
func NormalizeInstrument(instrument string) string {
	return strings.ToLower(strings.TrimSpace(instrument))
}

// ValidateInstrument проверяет код инструмента после нормализации
func ValidateInstrument(instrument string) error {
	if !instrumentRe.MatchString(NormalizeInstrument(instrument)) {
		return ErrInvalidInstrument
	}
	return nil
}

// ValidateIdempotencyKey проверяет ключ идемпотентности
func ValidateIdempotencyKey(key string) error {
	if key == "" {
		return ErrEmptyIdempotencyKey
	}
	if len(key) > maxIdempotencyKeyLength || !idempotencyKeyRe.MatchString(key) {
		return ErrInvalidIdempotencyKey
	}
	return nil
}

// ValidatePositive проверяет, что значение > 0
func ValidatePositive(value int64) error {
	if value <= 0 {
		return ErrNotPositive
	}
	return nil
}

// ValidateRange проверяет, что min <= value <= max
func ValidateRange(value, min, max int64) error {
	if value < min || value > max {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrOutOfRange, value, min, max)
	}
	return nil
}

// ============================================================
// ValidationErrors
// ============================================================

// FieldError - ошибка конкретного поля
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors - список ошибок по полям
type ValidationErrors []FieldError

// Add добавляет ошибку поля
func (v *ValidationErrors) Add(field, message string) {
	*v = append(*v, FieldError{Field: field, Message: message})
}

// AddError добавляет ошибку поля, если err != nil
func (v *ValidationErrors) AddError(field string, err error) {
	if err != nil {
		v.Add(field, err.Error())
	}
}

// HasErrors проверяет наличие ошибок
func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

// Error реализует error: "field: message; field2: message2"
func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, fe := range v {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return strings.Join(parts, "; ")
}

// Err возвращает nil при отсутствии ошибок (удобно для return)
func (v ValidationErrors) Err() error {
	if !v.HasErrors() {
		return nil
	}
	return v
}
