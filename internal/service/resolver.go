package service

import (
	"context"
	"errors"
	"time"

	jsoniter "github.com/json-iterator/go"

	"economy/internal/actions"
	"economy/internal/apperr"
	"economy/internal/market"
	"economy/internal/models"
	"economy/pkg/retry"
	"economy/pkg/utils"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Outcome - итог разрешения захваченного действия
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeRescheduled Outcome = "rescheduled"
	OutcomeFailed      Outcome = "failed"
	OutcomeSkipped     Outcome = "skipped" // уже разрешено другим воркером
)

// FailureResult - результат, сохраняемый в failed действии
type FailureResult struct {
	Code        string   `json:"code,omitempty"`
	Message     string   `json:"message"`
	Suggestions []string `json:"suggestions,omitempty"`
	Required    *int64   `json:"required,omitempty"`
	Available   *int64   `json:"available,omitempty"`
	Transient   bool     `json:"transient"`
	Attempts    int      `json:"attempts"`
}

// IsTransient - ошибку разрешения можно повторить
//
// Доменные ошибки (apperr) постоянны; обёрнутые retry.Permanent тоже.
// Остальное (сбои хранилища, таймауты) считается временным.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := apperr.As(err); ok {
		return false
	}
	return retry.IsRetryable(err)
}

// Resolver - общее тело разрешения для мгновенного пути и планировщика
type Resolver struct {
	registry   *actions.Registry
	engine     *market.Engine
	maxRetries int
	now        func() time.Time
	log        *utils.Logger
}

// NewResolver создает резолвер
func NewResolver(registry *actions.Registry, engine *market.Engine, maxRetries int) *Resolver {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Resolver{
		registry:   registry,
		engine:     engine,
		maxRetries: maxRetries,
		now:        time.Now,
		log:        utils.L().WithComponent("resolver"),
	}
}

// MaxRetries - бюджет повторов
func (r *Resolver) MaxRetries() int {
	return r.maxRetries
}

// resolve выполняет действие на заблокированных строках действия и актора.
// Состояние актора и результат записываются в той же транзакции.
func (r *Resolver) resolve(ctx context.Context, tx *TxStores, a *models.Action, state *models.ActorState, now time.Time) (interface{}, error) {
	h, err := r.registry.Lookup(a.Type)
	if err != nil {
		return nil, err
	}
	payload, err := h.Validate(a.Payload)
	if err != nil {
		return nil, err
	}

	if a.Status != models.ActionStatusRunning {
		if err := tx.Actions.MarkRunning(ctx, a.ID, now); err != nil {
			return nil, err
		}
		a.Status = models.ActionStatusRunning
		a.StartedAt = &now
	}

	env := &actions.Env{Now: now, StartsAt: a.ScheduledFor, State: state, Action: a, Stores: tx.Market, Market: r.engine}

	skip := false
	if s, ok := h.(actions.PreconditionSkipper); ok {
		skip = s.SkipPreconditionsOnResolve()
	}
	if !skip {
		if err := h.CheckPreconditions(ctx, env, payload); err != nil {
			return nil, err
		}
	}

	out, err := h.Resolve(ctx, env, payload)
	if err != nil {
		return nil, err
	}

	raw, err := jsonAPI.Marshal(out)
	if err != nil {
		return nil, err
	}
	if err := tx.Actors.Save(ctx, state); err != nil {
		return nil, err
	}
	if err := tx.Actions.Complete(ctx, a.ID, raw, now); err != nil {
		return nil, err
	}

	a.Status = models.ActionStatusCompleted
	a.Result = raw
	a.FailureReason = nil
	a.FinishedAt = &now
	return out, nil
}

// events - события успешного разрешения
func (r *Resolver) events(a *models.Action, out interface{}, now time.Time) []Event {
	events := []Event{actionEvent(a, now)}
	if place, ok := out.(*market.PlaceResult); ok {
		var p models.PlaceOrderPayload
		if err := jsonAPI.Unmarshal(a.Payload, &p); err == nil {
			events = append(events, resultEvents(p.Instrument, place, r.engine.Config(), now)...)
		}
	}
	return events
}

// ResolveClaimed разрешает действие, захваченное планировщиком
//
// Успех коммитится одной транзакцией. При ошибке транзакция откатывается,
// а исход (повтор или failed) записывается отдельной транзакцией, чтобы
// пережить откат.
func (r *Resolver) ResolveClaimed(ctx context.Context, store Store, claimed *models.Action) (Outcome, []Event, error) {
	now := r.now()
	var (
		outcome Outcome
		events  []Event
	)

	err := store.WithTx(ctx, func(tx *TxStores) error {
		outcome, events = OutcomeCompleted, nil

		cur, err := tx.Actions.GetForUpdate(ctx, claimed.ID)
		if err != nil {
			return err
		}
		if !models.CanTransitionAction(cur.Status, models.ActionStatusCompleted) {
			outcome = OutcomeSkipped
			return nil
		}

		state, err := tx.Actors.LockState(ctx, cur.ActorID)
		if err != nil {
			return err
		}
		out, err := r.resolve(ctx, tx, cur, state, now)
		if err != nil {
			return err
		}
		events = r.events(cur, out, now)
		return nil
	})
	if err == nil {
		return outcome, events, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// действие остаётся running и будет возвращено по таймауту захвата
		return "", nil, err
	}

	return r.recordFailure(ctx, store, claimed.ID, claimed.ActorID, err)
}

// recordFailure применяет политику повторов к упавшему действию
func (r *Resolver) recordFailure(ctx context.Context, store Store, actionID, actorID int64, cause error) (Outcome, []Event, error) {
	now := r.now()
	transient := IsTransient(cause)
	var (
		outcome Outcome
		events  []Event
	)

	err := store.WithTx(ctx, func(tx *TxStores) error {
		events = nil

		cur, err := tx.Actions.GetForUpdate(ctx, actionID)
		if err != nil {
			return err
		}
		reason := cause.Error()
		attempts := cur.RetryCount + 1
		target := models.ActionStatusFailed
		if transient && attempts < r.maxRetries {
			target = models.ActionStatusScheduled
		}
		if !models.CanTransitionAction(cur.Status, target) {
			outcome = OutcomeSkipped
			return nil
		}

		if transient && attempts < r.maxRetries {
			if err := tx.Actions.Reschedule(ctx, cur.ID, reason, attempts); err != nil {
				return err
			}
			outcome = OutcomeRescheduled
			cur.Status = models.ActionStatusScheduled
			cur.RetryCount = attempts
			cur.FailureReason = &reason
			cur.StartedAt = nil
			events = append(events, actionEvent(cur, now))
			return nil
		}

		retryCount := cur.RetryCount
		if transient {
			retryCount = attempts
		}
		raw, err := jsonAPI.Marshal(failureResult(cause, transient, attempts))
		if err != nil {
			return err
		}
		if err := tx.Actions.Fail(ctx, cur.ID, reason, raw, retryCount, now); err != nil {
			return err
		}
		outcome = OutcomeFailed
		cur.Status = models.ActionStatusFailed
		cur.RetryCount = retryCount
		cur.FailureReason = &reason
		cur.Result = raw
		cur.FinishedAt = &now
		events = append(events, actionEvent(cur, now))
		return nil
	})
	if err != nil {
		return "", nil, err
	}

	log := r.log.WithAction(actionID).WithActor(actorID)
	switch outcome {
	case OutcomeRescheduled:
		log.Warn("action failed, rescheduled", utils.Err(cause))
	case OutcomeFailed:
		log.Error("action failed", utils.Err(cause), utils.Bool("transient", transient))
	}
	return outcome, events, nil
}

func failureResult(err error, transient bool, attempts int) *FailureResult {
	res := &FailureResult{Message: err.Error(), Transient: transient, Attempts: attempts}
	if e, ok := apperr.As(err); ok {
		res.Code = e.Code
		res.Message = e.Message
		res.Suggestions = e.Suggestions
		res.Required = e.Required
		res.Available = e.Available
	}
	return res
}
