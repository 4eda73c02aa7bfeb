package market

import (
	"context"
	"errors"
	"time"

	"economy/internal/apperr"
	"economy/internal/models"
	"economy/pkg/utils"
)

// Причины денежных проводок
const (
	ReasonTrade = "trade"
	ReasonFee   = "trade_fee"
)

// Engine - сопоставление ордеров по приоритету цена-время
//
// Engine не хранит состояния: всё читается и пишется через Stores,
// привязанные к транзакции вызывающего.
type Engine struct {
	cfg Config
	now func() time.Time
	log *utils.Logger
}

// NewEngine создает движок с параметрами рынка
func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg: cfg,
		now: time.Now,
		log: utils.L().WithComponent("matching"),
	}
}

// WithClock подменяет источник времени
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Config возвращает параметры рынка
func (e *Engine) Config() Config {
	return e.cfg
}

// PlaceRequest - параметры нового ордера
type PlaceRequest struct {
	ActorID    int64
	Instrument string
	Side       models.Side
	Kind       models.OrderKind
	Price      *int64
	Quantity   int64
	ActionID   *int64
}

// Fill - одно исполнение тейкера
type Fill struct {
	TradeID      int64 `json:"trade_id"`
	MakerOrderID int64 `json:"maker_order_id"`
	Price        int64 `json:"price"`
	Quantity     int64 `json:"quantity"`
	Fee          int64 `json:"fee"`
}

// PlaceResult - итог выставления ордера
type PlaceResult struct {
	OrderID        int64           `json:"order_id"`
	Status         string          `json:"status"`
	Fills          []Fill          `json:"fills"`
	QtyFilled      int64           `json:"qty_filled"`
	QtyRemaining   int64           `json:"qty_remaining"`
	ReferencePrice int64           `json:"reference_price,omitempty"`
	HaltTriggered  bool            `json:"halt_triggered,omitempty"`
	Trades         []*models.Trade `json:"-"`
}

// CancelResult - итог отмены ордера
type CancelResult struct {
	OrderID  int64 `json:"order_id"`
	Refunded int64 `json:"refunded"`
}

// ============================================================
// Проверки
// ============================================================

// ValidateRequest проверяет форму ордера без обращения к хранилищу
func ValidateRequest(req PlaceRequest) error {
	var verrs utils.ValidationErrors
	verrs.AddError("instrument", utils.ValidateInstrument(req.Instrument))
	if !req.Side.Valid() {
		verrs.Add("side", "must be buy or sell")
	}
	if !req.Kind.Valid() {
		verrs.Add("kind", "must be limit or market")
	}
	if err := utils.ValidatePositive(req.Quantity); err != nil {
		verrs.AddError("quantity", err)
	} else {
		verrs.AddError("quantity", utils.ValidateRange(req.Quantity, 1, MaxOrderQuantity))
	}
	switch req.Kind {
	case models.KindLimit:
		if req.Price == nil {
			verrs.Add("price", "limit order requires a price")
		} else if err := utils.ValidatePositive(*req.Price); err != nil {
			verrs.AddError("price", err)
		} else {
			verrs.AddError("price", utils.ValidateRange(*req.Price, 1, MaxOrderPrice))
		}
	case models.KindMarket:
		if req.Price != nil {
			verrs.Add("price", "market order must not carry a price")
		}
	}
	if verrs.HasErrors() {
		return apperr.Validation("%s", verrs.Error())
	}
	return nil
}

// loadState читает состояние инструмента; forUpdate блокирует строку до
// конца транзакции. Строка инструмента блокируется раньше строк ордеров.
func (e *Engine) loadState(ctx context.Context, s Stores, instrument string, forUpdate bool) (*models.InstrumentState, error) {
	get := s.States.Get
	if forUpdate {
		get = s.States.GetForUpdate
	}
	st, err := get(ctx, instrument)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, apperr.Validation("unknown instrument %q", instrument)
		}
		return nil, err
	}
	return st, nil
}

// EstimateCost - оценка стоимости покупки с комиссией
//
// Цена: лимит для лимитного ордера, лучший ask (или справочная цена при
// пустой книге) для рыночного.
func (e *Engine) EstimateCost(ctx context.Context, s Stores, st *models.InstrumentState, req PlaceRequest) (int64, error) {
	price := st.ReferencePrice
	if req.Kind == models.KindLimit && req.Price != nil {
		price = *req.Price
	} else {
		asks, err := s.Orders.TopLevels(ctx, req.Instrument, models.SideSell, 1)
		if err != nil {
			return 0, err
		}
		if len(asks) > 0 {
			price = asks[0].Price
		}
	}
	value, fee, err := TradeValue(price, req.Quantity, e.cfg.FeeRate)
	if err != nil {
		return 0, apperr.Validation("%v", err)
	}
	return value + fee, nil
}

// CheckPlace - предусловия ордера на заблокированном состоянии актора:
// инструмент, остановка торгов, оценка средств (покупка) или остаток (продажа).
func (e *Engine) CheckPlace(ctx context.Context, s Stores, req PlaceRequest) error {
	_, err := e.checkPlace(ctx, s, req, false)
	return err
}

func (e *Engine) checkPlace(ctx context.Context, s Stores, req PlaceRequest, lock bool) (*models.InstrumentState, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	st, err := e.loadState(ctx, s, req.Instrument, lock)
	if err != nil {
		return nil, err
	}
	if req.Kind == models.KindMarket && st.HaltedAt(e.now()) {
		return nil, apperr.MarketHalted(req.Instrument)
	}

	if req.Side == models.SideBuy {
		cost, err := e.EstimateCost(ctx, s, st, req)
		if err != nil {
			return nil, err
		}
		balance, err := s.Ledger.Balance(ctx, req.ActorID)
		if err != nil {
			return nil, err
		}
		if balance < cost {
			return nil, apperr.InsufficientFunds(cost, balance)
		}
		return st, nil
	}

	available, err := s.Inventory.Quantity(ctx, req.ActorID, req.Instrument)
	if err != nil {
		return nil, err
	}
	if available < req.Quantity {
		return nil, apperr.InsufficientInventory(req.Instrument, req.Quantity, available)
	}
	return st, nil
}

// ============================================================
// Выставление и сопоставление
// ============================================================

// PlaceOrder выставляет ордер и сопоставляет его с книгой
//
// Продажа резервирует товар при выставлении. Покупка средств не
// резервирует: баланс проверяется в момент каждого исполнения.
// Цена исполнения всегда равна цене покоящегося ордера.
func (e *Engine) PlaceOrder(ctx context.Context, s Stores, req PlaceRequest) (*PlaceResult, error) {
	st, err := e.checkPlace(ctx, s, req, true)
	if err != nil {
		return nil, err
	}

	now := e.now()
	halted := st.HaltedAt(now)

	if req.Side == models.SideSell {
		if err := s.Inventory.Adjust(ctx, req.ActorID, req.Instrument, -req.Quantity); err != nil {
			return nil, err
		}
	}

	actorID := req.ActorID
	taker := &models.Order{
		ActorID:    &actorID,
		Instrument: req.Instrument,
		Side:       req.Side,
		Kind:       req.Kind,
		Price:      req.Price,
		QtyOpen:    req.Quantity,
		QtyInitial: req.Quantity,
		Status:     models.OrderStatusOpen,
		CreatedAt:  now,
	}
	if err := s.Orders.Create(ctx, taker); err != nil {
		return nil, err
	}

	result := &PlaceResult{OrderID: taker.ID, Fills: []Fill{}}

	if !halted {
		if err := e.match(ctx, s, taker, req.ActionID, result); err != nil {
			return nil, err
		}
	}

	// рыночный ордер не остаётся в книге
	if taker.Kind == models.KindMarket && taker.QtyOpen > 0 {
		taker.Status = models.OrderStatusCancelled
		if taker.Side == models.SideSell {
			if err := s.Inventory.Adjust(ctx, req.ActorID, req.Instrument, taker.QtyOpen); err != nil {
				return nil, err
			}
		}
	}
	if taker.Status != models.OrderStatusOpen || taker.Kind == models.KindMarket {
		if err := s.Orders.UpdateFill(ctx, taker); err != nil {
			return nil, err
		}
	}

	result.Status = taker.Status
	result.QtyFilled = taker.Filled()
	result.QtyRemaining = taker.QtyOpen

	if len(result.Fills) > 0 {
		ref, tripped, err := e.advance(ctx, s, st, result.Fills, now)
		if err != nil {
			return nil, err
		}
		result.ReferencePrice = ref
		result.HaltTriggered = tripped
	}

	e.log.Debug("order placed",
		utils.OrderID(taker.ID),
		utils.Instrument(req.Instrument),
		utils.Side(string(req.Side)),
		utils.Quantity(req.Quantity),
		utils.Int("fills", len(result.Fills)),
		utils.Status(taker.Status),
	)
	return result, nil
}

// match исполняет тейкера против книги, пока есть объём и подходящие мейкеры
func (e *Engine) match(ctx context.Context, s Stores, taker *models.Order, actionID *int64, result *PlaceResult) error {
	var limit *int64
	if taker.Kind == models.KindLimit {
		limit = taker.Price
	}
	skipped := []int64{}

	for taker.QtyOpen > 0 {
		maker, err := s.Orders.NextMatch(ctx, taker.Instrument, taker.Side, limit, skipped)
		if err != nil {
			return err
		}
		if maker == nil || maker.Price == nil {
			return nil
		}

		qty := taker.QtyOpen
		if maker.QtyOpen < qty {
			qty = maker.QtyOpen
		}
		price := *maker.Price
		value, fee, err := TradeValue(price, qty, e.cfg.FeeRate)
		if err != nil {
			return apperr.Validation("maker order %d: %v", maker.ID, err)
		}

		buyer, seller := taker, maker
		if taker.Side == models.SideSell {
			buyer, seller = maker, taker
		}

		funds, err := s.Ledger.Balance(ctx, buyer.Account())
		if err != nil {
			return err
		}
		if taker.Side == models.SideBuy {
			// тейкер не может оплатить исполнение - дальше не идём
			if !buyer.Synthetic && funds < value+fee {
				return nil
			}
		} else if !buyer.Synthetic && funds < value {
			// мейкер-покупатель без средств пропускается
			skipped = append(skipped, maker.ID)
			continue
		}

		if err := s.Ledger.Transfer(ctx, buyer.Account(), seller.Account(), value, ReasonTrade, actionID); err != nil {
			return err
		}
		if err := s.Ledger.Transfer(ctx, taker.Account(), models.FeeSinkAccountID, fee, ReasonFee, actionID); err != nil {
			return err
		}
		if !buyer.Synthetic {
			if err := s.Inventory.Adjust(ctx, buyer.Account(), taker.Instrument, qty); err != nil {
				return err
			}
		}

		trade := &models.Trade{
			Instrument:  taker.Instrument,
			BuyOrderID:  buyer.ID,
			SellOrderID: seller.ID,
			Price:       price,
			Quantity:    qty,
			Fee:         fee,
			CreatedAt:   e.now(),
		}
		if err := s.Trades.Create(ctx, trade); err != nil {
			return err
		}

		maker.ApplyFill(qty)
		if err := s.Orders.UpdateFill(ctx, maker); err != nil {
			return err
		}
		taker.ApplyFill(qty)

		result.Fills = append(result.Fills, Fill{
			TradeID:      trade.ID,
			MakerOrderID: maker.ID,
			Price:        price,
			Quantity:     qty,
			Fee:          fee,
		})
		result.Trades = append(result.Trades, trade)
	}
	return nil
}

// advance смешивает справочную цену с VWAP исполнений и проверяет автомат
// остановки. st заблокирован в PlaceOrder.
func (e *Engine) advance(ctx context.Context, s Stores, st *models.InstrumentState, fills []Fill, now time.Time) (int64, bool, error) {
	instrument := st.Instrument
	prices := make([]int64, len(fills))
	qtys := make([]int64, len(fills))
	for i, f := range fills {
		prices[i] = f.Price
		qtys[i] = f.Quantity
	}

	newRef := e.cfg.BlendVWAP(st.ReferencePrice, utils.VWAP(prices, qtys))
	tripped := e.cfg.ApplyReference(st, newRef, now)
	if err := s.States.Save(ctx, st); err != nil {
		return 0, false, err
	}
	if err := s.States.RecordSnapshot(ctx, &models.PriceSnapshot{
		Instrument:     instrument,
		ReferencePrice: newRef,
		Demand:         st.Demand,
		Supply:         st.Supply,
		Source:         models.SnapshotSourceFill,
		CreatedAt:      now,
	}); err != nil {
		return 0, false, err
	}

	if tripped {
		e.log.Warn("circuit breaker tripped",
			utils.Instrument(instrument),
			utils.Price(newRef),
			utils.Int64("window_ref_price", st.WindowRefPrice),
		)
	}
	return newRef, tripped, nil
}

// ============================================================
// Отмена
// ============================================================

// CheckCancel - ордер существует, принадлежит актору и не завершён
func (e *Engine) CheckCancel(ctx context.Context, s Stores, actorID, orderID int64) (*models.Order, error) {
	o, err := s.Orders.GetForUpdate(ctx, orderID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, apperr.NotFound("order")
		}
		return nil, err
	}
	if !o.OwnedBy(actorID) {
		return nil, apperr.NotFound("order")
	}
	if o.IsTerminal() {
		return nil, apperr.ActionConflict("order %d is already %s", o.ID, o.Status)
	}
	return o, nil
}

// CancelOrder отменяет свой незавершённый ордер. Продажа возвращает
// зарезервированный остаток; покупка ничего не возвращает, т.к. средства
// не резервировались.
func (e *Engine) CancelOrder(ctx context.Context, s Stores, actorID, orderID int64) (*CancelResult, error) {
	o, err := e.CheckCancel(ctx, s, actorID, orderID)
	if err != nil {
		return nil, err
	}

	result := &CancelResult{OrderID: o.ID}
	if o.Side == models.SideSell && o.QtyOpen > 0 {
		if err := s.Inventory.Adjust(ctx, actorID, o.Instrument, o.QtyOpen); err != nil {
			return nil, err
		}
		result.Refunded = o.QtyOpen
	}

	o.Status = models.OrderStatusCancelled
	if err := s.Orders.UpdateFill(ctx, o); err != nil {
		return nil, err
	}
	return result, nil
}

// ============================================================
// Чтение
// ============================================================

// Book - верхние уровни книги, справочная цена и статус остановки
func (e *Engine) Book(ctx context.Context, s Stores, instrument string, depth int) (*models.OrderBook, error) {
	st, err := e.loadState(ctx, s, instrument, false)
	if err != nil {
		return nil, err
	}
	bids, err := s.Orders.TopLevels(ctx, instrument, models.SideBuy, depth)
	if err != nil {
		return nil, err
	}
	asks, err := s.Orders.TopLevels(ctx, instrument, models.SideSell, depth)
	if err != nil {
		return nil, err
	}

	now := e.now()
	book := &models.OrderBook{
		Instrument:     instrument,
		ReferencePrice: st.ReferencePrice,
		Halted:         st.HaltedAt(now),
		Bids:           bids,
		Asks:           asks,
	}
	if book.Halted {
		book.HaltUntil = st.HaltUntil
	}
	return book, nil
}

// History - последние сделки и точки справочной цены
func (e *Engine) History(ctx context.Context, s Stores, instrument string, limit int) (*models.TradeHistory, error) {
	if _, err := e.loadState(ctx, s, instrument, false); err != nil {
		return nil, err
	}
	trades, err := s.Trades.Recent(ctx, instrument, limit)
	if err != nil {
		return nil, err
	}
	snaps, err := s.States.Snapshots(ctx, instrument, limit)
	if err != nil {
		return nil, err
	}
	return &models.TradeHistory{Instrument: instrument, Trades: trades, Snapshots: snaps}, nil
}
