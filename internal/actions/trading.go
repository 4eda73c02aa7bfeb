package actions

import (
	"context"
	"encoding/json"
	"time"

	"economy/internal/apperr"
	"economy/internal/market"
	"economy/internal/models"
	"economy/pkg/utils"
)

// ============================================================
// market.place_order
// ============================================================

// PlaceOrderHandler - выставление ордера через движок сопоставления
type PlaceOrderHandler struct{}

func (h *PlaceOrderHandler) Type() string { return models.ActionTypePlaceOrder }

func (h *PlaceOrderHandler) Validate(raw json.RawMessage) (models.Payload, error) {
	var p models.PlaceOrderPayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	p.Instrument = utils.NormalizeInstrument(p.Instrument)
	if err := market.ValidateRequest(placeRequest(0, p, nil)); err != nil {
		return nil, err
	}
	return p, nil
}

func (h *PlaceOrderHandler) Duration(models.Payload) time.Duration { return 0 }

func placeRequest(actorID int64, p models.PlaceOrderPayload, actionID *int64) market.PlaceRequest {
	return market.PlaceRequest{
		ActorID:    actorID,
		Instrument: p.Instrument,
		Side:       p.Side,
		Kind:       p.Kind,
		Price:      p.Price,
		Quantity:   p.Quantity,
		ActionID:   actionID,
	}
}

func (h *PlaceOrderHandler) CheckPreconditions(ctx context.Context, env *Env, p models.Payload) error {
	op, err := payloadAs[models.PlaceOrderPayload](p)
	if err != nil {
		return err
	}
	return env.Market.CheckPlace(ctx, env.Stores, placeRequest(env.State.ActorID, op, nil))
}

func (h *PlaceOrderHandler) Resolve(ctx context.Context, env *Env, p models.Payload) (interface{}, error) {
	op, err := payloadAs[models.PlaceOrderPayload](p)
	if err != nil {
		return nil, err
	}
	return env.Market.PlaceOrder(ctx, env.Stores, placeRequest(env.State.ActorID, op, env.ActionID()))
}

// Project - покупка оценивается по EstimateCost, продажа по лимиту
// (или справочной цене) за вычетом комиссии
func (h *PlaceOrderHandler) Project(ctx context.Context, env *Env, p models.Payload) (int64, int64, error) {
	op, err := payloadAs[models.PlaceOrderPayload](p)
	if err != nil {
		return 0, 0, err
	}
	st, err := env.Stores.States.Get(ctx, op.Instrument)
	if err != nil {
		return 0, 0, err
	}
	req := placeRequest(env.State.ActorID, op, nil)
	if op.Side == models.SideBuy {
		cost, err := env.Market.EstimateCost(ctx, env.Stores, st, req)
		if err != nil {
			return 0, 0, err
		}
		return 0, -cost, nil
	}

	price := st.ReferencePrice
	if op.Price != nil {
		price = *op.Price
	}
	value, fee, err := market.TradeValue(price, op.Quantity, env.Market.Config().FeeRate)
	if err != nil {
		return 0, 0, apperr.Validation("%v", err)
	}
	return 0, value - fee, nil
}

// ============================================================
// market.cancel_order
// ============================================================

// CancelOrderHandler - отмена своего ордера
type CancelOrderHandler struct{}

func (h *CancelOrderHandler) Type() string { return models.ActionTypeCancelOrder }

func (h *CancelOrderHandler) Validate(raw json.RawMessage) (models.Payload, error) {
	var p models.CancelOrderPayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := utils.ValidatePositive(p.OrderID); err != nil {
		return nil, apperr.Validation("order_id: %v", err)
	}
	return p, nil
}

func (h *CancelOrderHandler) Duration(models.Payload) time.Duration { return 0 }

func (h *CancelOrderHandler) CheckPreconditions(ctx context.Context, env *Env, p models.Payload) error {
	cp, err := payloadAs[models.CancelOrderPayload](p)
	if err != nil {
		return err
	}
	_, err = env.Market.CheckCancel(ctx, env.Stores, env.State.ActorID, cp.OrderID)
	return err
}

func (h *CancelOrderHandler) Resolve(ctx context.Context, env *Env, p models.Payload) (interface{}, error) {
	cp, err := payloadAs[models.CancelOrderPayload](p)
	if err != nil {
		return nil, err
	}
	return env.Market.CancelOrder(ctx, env.Stores, env.State.ActorID, cp.OrderID)
}

// ============================================================
// market.day_trade
// ============================================================

// DayTradeHandler - торговая сессия: тратит силы, с третьей сессии за
// календарный день (UTC) добавляет стресс
type DayTradeHandler struct {
	costs Costs
}

// DayTradeResult - итог сессии
type DayTradeResult struct {
	Instrument    string `json:"instrument"`
	Session       int    `json:"session"`
	StressApplied bool   `json:"stress_applied"`
	Stress        int64  `json:"stress"`
	Vigor         int64  `json:"vigor"`
}

func (h *DayTradeHandler) Type() string { return models.ActionTypeDayTrade }

func (h *DayTradeHandler) Validate(raw json.RawMessage) (models.Payload, error) {
	var p models.DayTradePayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	p.Instrument = utils.NormalizeInstrument(p.Instrument)
	if err := utils.ValidateInstrument(p.Instrument); err != nil {
		return nil, apperr.Validation("invalid instrument %q", p.Instrument)
	}
	return p, nil
}

func (h *DayTradeHandler) Duration(models.Payload) time.Duration { return 0 }

func (h *DayTradeHandler) CheckPreconditions(_ context.Context, env *Env, _ models.Payload) error {
	return RequireVigor(env.State, h.costs.DayTradeVigor)
}

// sessionsToday - число сессий актора за текущий день с учётом смены даты
func (h *DayTradeHandler) sessionsToday(s *models.ActorState, now time.Time) int {
	if s.DayTradeDate == nil || !utils.SameDay(*s.DayTradeDate, now) {
		return 0
	}
	return s.DayTradeCount
}

func (h *DayTradeHandler) Resolve(_ context.Context, env *Env, p models.Payload) (interface{}, error) {
	dp, err := payloadAs[models.DayTradePayload](p)
	if err != nil {
		return nil, err
	}
	if err := ApplyCost(env.State, h.costs.DayTradeVigor); err != nil {
		return nil, err
	}

	day := utils.GetDayStartFrom(env.Now)
	session := h.sessionsToday(env.State, env.Now) + 1
	env.State.DayTradeDate = &day
	env.State.DayTradeCount = session

	stressed := session > h.costs.DayTradeFreeSessions
	if stressed {
		env.State.Stress += h.costs.DayTradeStress
	}

	return &DayTradeResult{
		Instrument:    dp.Instrument,
		Session:       session,
		StressApplied: stressed,
		Stress:        env.State.Stress,
		Vigor:         env.State.Vigor,
	}, nil
}

func (h *DayTradeHandler) Project(_ context.Context, _ *Env, _ models.Payload) (int64, int64, error) {
	return -h.costs.DayTradeVigor, 0, nil
}
