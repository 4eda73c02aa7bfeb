package actions

import (
	"context"
	"encoding/json"
	"time"

	"economy/internal/apperr"
	"economy/internal/models"
	"economy/pkg/utils"
)

// Причина проводки зарплаты
const ReasonWage = "wage"

func validateHours(hours, maxHours int) error {
	if maxHours <= 0 {
		maxHours = 12
	}
	if err := utils.ValidateRange(int64(hours), 1, int64(maxHours)); err != nil {
		return apperr.Validation("hours: %v", err)
	}
	return nil
}

// ============================================================
// labor.work
// ============================================================

// WorkHandler - смена работы: силы тратятся, зарплата платится казной
//
// OnSubmit занимает актора на интервал смены в очереди, поэтому
// предусловия при разрешении не перепроверяются.
type WorkHandler struct {
	costs Costs
}

// WorkResult - итог смены
type WorkResult struct {
	Hours      int   `json:"hours"`
	Wage       int64 `json:"wage"`
	VigorSpent int64 `json:"vigor_spent"`
	Vigor      int64 `json:"vigor"`
}

func (h *WorkHandler) Type() string { return models.ActionTypeWork }

func (h *WorkHandler) Validate(raw json.RawMessage) (models.Payload, error) {
	var p models.WorkPayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := validateHours(p.Hours, h.costs.MaxShiftHours); err != nil {
		return nil, err
	}
	return p, nil
}

func (h *WorkHandler) Duration(p models.Payload) time.Duration {
	return hoursDuration(p.(models.WorkPayload).Hours)
}

func (h *WorkHandler) cost(p models.WorkPayload) int64 {
	return h.costs.WorkVigorPerHour * int64(p.Hours)
}

func (h *WorkHandler) CheckPreconditions(_ context.Context, env *Env, p models.Payload) error {
	wp, err := payloadAs[models.WorkPayload](p)
	if err != nil {
		return err
	}
	if env.State.BusyAt(env.Start()) {
		return apperr.ActionConflict("actor is already %s", env.State.Activity)
	}
	return RequireVigor(env.State, h.cost(wp))
}

func (h *WorkHandler) OnSubmit(_ context.Context, env *Env, p models.Payload) error {
	since := env.Start()
	until := since.Add(h.Duration(p))
	if env.Action != nil {
		since, until = env.Action.ScheduledFor, env.Action.EndsAt()
	}
	env.State.SetActivity(models.ActivityWorking, since, until)
	return nil
}

func (h *WorkHandler) SkipPreconditionsOnResolve() bool { return true }

func (h *WorkHandler) Resolve(ctx context.Context, env *Env, p models.Payload) (interface{}, error) {
	wp, err := payloadAs[models.WorkPayload](p)
	if err != nil {
		return nil, err
	}

	// силы могли измениться после submit - списываем сколько есть
	spent := h.cost(wp)
	if spent > env.State.Vigor {
		spent = env.State.Vigor
	}
	env.State.Vigor -= spent

	wage := h.costs.WagePerHour * int64(wp.Hours)
	if err := env.Stores.Ledger.Transfer(ctx, models.TreasuryAccountID, env.State.ActorID, wage, ReasonWage, env.ActionID()); err != nil {
		return nil, err
	}
	// следующая смена в очереди могла уже занять актора своим интервалом
	if env.Action == nil || env.State.ActivityUntil == nil || !env.State.ActivityUntil.After(env.Action.EndsAt()) {
		env.State.ClearActivity()
	}

	return &WorkResult{Hours: wp.Hours, Wage: wage, VigorSpent: spent, Vigor: env.State.Vigor}, nil
}

func (h *WorkHandler) Project(_ context.Context, _ *Env, p models.Payload) (int64, int64, error) {
	wp, err := payloadAs[models.WorkPayload](p)
	if err != nil {
		return 0, 0, err
	}
	return -h.cost(wp), h.costs.WagePerHour * int64(wp.Hours), nil
}

// ============================================================
// labor.rest
// ============================================================

// RestHandler - отдых восполняет силы
type RestHandler struct {
	costs Costs
}

// RestResult - итог отдыха
type RestResult struct {
	Hours    int   `json:"hours"`
	Restored int64 `json:"restored"`
	Vigor    int64 `json:"vigor"`
}

func (h *RestHandler) Type() string { return models.ActionTypeRest }

func (h *RestHandler) Validate(raw json.RawMessage) (models.Payload, error) {
	var p models.RestPayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := validateHours(p.Hours, h.costs.MaxShiftHours); err != nil {
		return nil, err
	}
	return p, nil
}

func (h *RestHandler) Duration(p models.Payload) time.Duration {
	return hoursDuration(p.(models.RestPayload).Hours)
}

func (h *RestHandler) CheckPreconditions(_ context.Context, env *Env, _ models.Payload) error {
	if env.State.Activity == models.ActivityWorking && env.State.BusyAt(env.Start()) {
		return apperr.ActionConflict("actor cannot rest while working")
	}
	return nil
}

func (h *RestHandler) Resolve(_ context.Context, env *Env, p models.Payload) (interface{}, error) {
	rp, err := payloadAs[models.RestPayload](p)
	if err != nil {
		return nil, err
	}
	restored := Restore(env.State, h.costs.RestVigorPerHour*int64(rp.Hours))
	return &RestResult{Hours: rp.Hours, Restored: restored, Vigor: env.State.Vigor}, nil
}

func (h *RestHandler) Project(_ context.Context, env *Env, p models.Payload) (int64, int64, error) {
	rp, err := payloadAs[models.RestPayload](p)
	if err != nil {
		return 0, 0, err
	}
	gain := h.costs.RestVigorPerHour * int64(rp.Hours)
	if room := env.State.MaxVigor - env.State.Vigor; gain > room {
		gain = room
	}
	if gain < 0 {
		gain = 0
	}
	return gain, 0, nil
}
