package apperr

import (
	"errors"
	"fmt"
)

// Коды доменных ошибок. Значения стабильны: клиенты сравнивают их строково.
const (
	CodeValidation            = "VALIDATION_ERROR"
	CodeIdempotencyConflict   = "IDEMPOTENCY_CONFLICT"
	CodeQueueLimit            = "QUEUE_LIMIT"
	CodeActionConflict        = "ACTION_CONFLICT"
	CodeInsufficientFunds     = "INSUFFICIENT_FUNDS"
	CodeInsufficientInventory = "INSUFFICIENT_INVENTORY"
	CodeInsufficientVigor     = "INSUFFICIENT_VIGOR"
	CodeMarketHalted          = "MARKET_HALTED"
	CodeNotFound              = "NOT_FOUND"
)

// Error - доменная ошибка с кодом, сообщением и подсказками для клиента
//
// Required/Available заполняются для ошибок нехватки ресурса.
// Доменные ошибки всегда постоянные: повтор с тем же состоянием не поможет.
type Error struct {
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	Suggestions []string `json:"suggestions,omitempty"`
	Required    *int64   `json:"required,omitempty"`
	Available   *int64   `json:"available,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Retryable реализует retry.RetryableError
func (e *Error) Retryable() bool {
	return false
}

// Is сравнивает ошибки по коду
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// New создаёт ошибку с подсказками по умолчанию для кода
func New(code, message string) *Error {
	return &Error{Code: code, Message: message, Suggestions: suggestionsFor(code)}
}

// Newf - New с форматированием
func Newf(code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Sentinel'ы для errors.Is по коду
var (
	ErrValidation            = &Error{Code: CodeValidation}
	ErrIdempotencyConflict   = &Error{Code: CodeIdempotencyConflict}
	ErrQueueLimit            = &Error{Code: CodeQueueLimit}
	ErrActionConflict        = &Error{Code: CodeActionConflict}
	ErrInsufficientFunds     = &Error{Code: CodeInsufficientFunds}
	ErrInsufficientInventory = &Error{Code: CodeInsufficientInventory}
	ErrInsufficientVigor     = &Error{Code: CodeInsufficientVigor}
	ErrMarketHalted          = &Error{Code: CodeMarketHalted}
	ErrNotFound              = &Error{Code: CodeNotFound}
)

// ============================================================
// Конструкторы
// ============================================================

func Validation(format string, args ...interface{}) *Error {
	return Newf(CodeValidation, format, args...)
}

func IdempotencyConflict(key string) *Error {
	return Newf(CodeIdempotencyConflict, "idempotency key %q was already used with a different request", key)
}

func QueueLimit(capacity int) *Error {
	return Newf(CodeQueueLimit, "action queue is full (%d pending actions)", capacity)
}

func ActionConflict(format string, args ...interface{}) *Error {
	return Newf(CodeActionConflict, format, args...)
}

func InsufficientFunds(required, available int64) *Error {
	return withAmounts(Newf(CodeInsufficientFunds, "insufficient funds: required %d, available %d", required, available), required, available)
}

func InsufficientInventory(good string, required, available int64) *Error {
	return withAmounts(Newf(CodeInsufficientInventory, "insufficient %s: required %d, available %d", good, required, available), required, available)
}

func InsufficientVigor(required, available int64) *Error {
	return withAmounts(Newf(CodeInsufficientVigor, "insufficient vigor: required %d, available %d", required, available), required, available)
}

func MarketHalted(instrument string) *Error {
	return Newf(CodeMarketHalted, "market %s is halted by circuit breaker", instrument)
}

func NotFound(what string) *Error {
	return Newf(CodeNotFound, "%s not found", what)
}

func withAmounts(e *Error, required, available int64) *Error {
	e.Required = &required
	e.Available = &available
	return e
}

// As извлекает доменную ошибку из цепочки
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf возвращает код доменной ошибки или пустую строку
func CodeOf(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}

// suggestionsFor - эвристические подсказки по коду ошибки
func suggestionsFor(code string) []string {
	switch code {
	case CodeInsufficientFunds:
		return []string{"submit labor.work to earn wages", "sell goods with market.place_order"}
	case CodeInsufficientInventory:
		return []string{"buy goods with market.place_order", "reduce order quantity"}
	case CodeInsufficientVigor:
		return []string{"submit labor.rest to restore vigor", "choose a shorter action"}
	case CodeQueueLimit:
		return []string{"wait for queued actions to complete"}
	case CodeActionConflict:
		return []string{"wait for the current activity to finish"}
	case CodeMarketHalted:
		return []string{"place a limit order instead", "retry after the halt expires"}
	case CodeIdempotencyConflict:
		return []string{"use a new idempotency key for a different request"}
	default:
		return nil
	}
}
