package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"economy/internal/apperr"
	"economy/internal/market"
	"economy/internal/models"
)

// Env - окружение обработчика внутри транзакции
//
// State заблокирован вызывающим (FOR UPDATE) и сохраняется им после
// OnSubmit/Resolve; обработчик только меняет поля.
type Env struct {
	Now      time.Time
	// StartsAt - плановое начало действия в очереди актора (нулевое = Now)
	StartsAt time.Time
	State    *models.ActorState
	Action   *models.Action // nil в проверках submit до записи и в Preview
	Stores   market.Stores
	Market   *market.Engine
}

// Start возвращает момент, с которого действие занимает актора
func (e *Env) Start() time.Time {
	if e.StartsAt.IsZero() {
		return e.Now
	}
	return e.StartsAt
}

// ActionID возвращает id действия для проводок журнала
func (e *Env) ActionID() *int64 {
	if e.Action == nil || e.Action.ID == 0 {
		return nil
	}
	id := e.Action.ID
	return &id
}

// Handler - набор возможностей одного типа действия
type Handler interface {
	Type() string
	// Validate разбирает и проверяет payload; ошибка - apperr.Validation
	Validate(raw json.RawMessage) (models.Payload, error)
	// Duration - длительность действия (0 = мгновенное)
	Duration(p models.Payload) time.Duration
	CheckPreconditions(ctx context.Context, env *Env, p models.Payload) error
	// Resolve выполняет действие; результат сериализуется в Action.Result
	Resolve(ctx context.Context, env *Env, p models.Payload) (interface{}, error)
}

// SubmitHook - немедленный эффект в транзакции submit
type SubmitHook interface {
	OnSubmit(ctx context.Context, env *Env, p models.Payload) error
}

// PreconditionSkipper - тип, чей OnSubmit уже перевёл актора в состояние,
// несовместимое с повторной проверкой предусловий при разрешении
type PreconditionSkipper interface {
	SkipPreconditionsOnResolve() bool
}

// Projector - оценка изменений для предпросмотра (без записи)
type Projector interface {
	Project(ctx context.Context, env *Env, p models.Payload) (vigorDelta, fundsDelta int64, err error)
}

// Registry - таблица обработчиков по тегу типа
//
// Жизненный цикл: NewRegistry -> Register... -> Freeze -> Lookup.
// После Freeze таблица только читается и безопасна для горутин.
type Registry struct {
	handlers map[string]Handler
	frozen   bool
}

// NewRegistry создает пустой реестр
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register добавляет обработчик. Повторная регистрация тега или
// регистрация после Freeze - ошибка программиста (panic).
func (r *Registry) Register(h Handler) *Registry {
	if r.frozen {
		panic(fmt.Sprintf("actions: register %q after freeze", h.Type()))
	}
	if _, exists := r.handlers[h.Type()]; exists {
		panic(fmt.Sprintf("actions: duplicate handler for %q", h.Type()))
	}
	r.handlers[h.Type()] = h
	return r
}

// Freeze запрещает дальнейшую регистрацию
func (r *Registry) Freeze() *Registry {
	r.frozen = true
	return r
}

// Frozen возвращает true после Freeze
func (r *Registry) Frozen() bool {
	return r.frozen
}

// Lookup ищет обработчик; неизвестный тип - ValidationError
func (r *Registry) Lookup(actionType string) (Handler, error) {
	if !r.frozen {
		panic("actions: lookup before freeze")
	}
	h, ok := r.handlers[actionType]
	if !ok {
		e := apperr.Validation("unknown action type %q", actionType)
		e.Suggestions = append(e.Suggestions, "registered types: "+strings.Join(r.Types(), ", "))
		return nil, e
	}
	return h, nil
}

// Types возвращает зарегистрированные теги по алфавиту
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// RegisterDefaults регистрирует встроенные типы действий
func RegisterDefaults(r *Registry, costs Costs) *Registry {
	return r.
		Register(&PlaceOrderHandler{}).
		Register(&CancelOrderHandler{}).
		Register(&DayTradeHandler{costs: costs}).
		Register(&WorkHandler{costs: costs}).
		Register(&RestHandler{costs: costs})
}

// NewDefaultRegistry регистрирует все типы действий и замораживает реестр
func NewDefaultRegistry(costs Costs) *Registry {
	return RegisterDefaults(NewRegistry(), costs).Freeze()
}

// ============================================================
// Разбор payload
// ============================================================

var strictJSON = jsoniter.Config{
	EscapeHTML:             true,
	DisallowUnknownFields:  true,
	ValidateJsonRawMessage: true,
}.Froze()

// decode разбирает payload строго: неизвестные поля и пустое тело отклоняются
func decode(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 {
		return apperr.Validation("payload is required")
	}
	if err := strictJSON.Unmarshal(raw, dst); err != nil {
		return apperr.Validation("invalid payload: %v", err)
	}
	return nil
}

func payloadAs[T models.Payload](p models.Payload) (T, error) {
	v, ok := p.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("actions: unexpected payload %T", p)
	}
	return v, nil
}
