package market

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"economy/internal/apperr"
	"economy/internal/models"
)

func newTestEngine(w *world) *Engine {
	return NewEngine(DefaultConfig()).WithClock(w.now)
}

// ============================================================
// Сопоставление
// ============================================================

func TestPlaceOrder_MarketBuyAgainstRestingSell(t *testing.T) {
	w := newWorld()
	w.addInstrument("grain", 200)
	maker := w.rest(ptr(2), models.SideSell, 210, 100, time.Minute)
	w.balances[1] = 10000

	e := newTestEngine(w)
	res, err := e.PlaceOrder(context.Background(), w.stores(), PlaceRequest{
		ActorID: 1, Instrument: "grain", Side: models.SideBuy, Kind: models.KindMarket, Quantity: 5,
	})
	require.NoError(t, err)

	require.Len(t, res.Fills, 1)
	fill := res.Fills[0]
	assert.Equal(t, int64(210), fill.Price)
	assert.Equal(t, int64(5), fill.Quantity)
	assert.Equal(t, int64(10), fill.Fee)
	assert.Equal(t, maker.ID, fill.MakerOrderID)

	assert.Equal(t, models.OrderStatusFilled, res.Status)
	assert.Equal(t, int64(5), res.QtyFilled)
	assert.Equal(t, int64(0), res.QtyRemaining)

	assert.Equal(t, int64(10000-1050-10), w.balances[1])
	assert.Equal(t, int64(1050), w.balances[2])
	assert.Equal(t, int64(10), w.balances[models.FeeSinkAccountID])
	assert.Equal(t, int64(5), w.inventory[invKey(1, "grain")])

	restingAfter := w.orders[maker.ID]
	assert.Equal(t, models.OrderStatusPartial, restingAfter.Status)
	assert.Equal(t, int64(95), restingAfter.QtyOpen)

	// справочная цена смешана с VWAP: 200×0.8 + 210×0.2
	assert.Equal(t, int64(202), res.ReferencePrice)
	assert.Equal(t, int64(202), w.states["grain"].ReferencePrice)
	require.Len(t, w.snapshots, 1)
	assert.Equal(t, models.SnapshotSourceFill, w.snapshots[0].Source)
}

func TestPlaceOrder_ExecutesAtMakerPrice(t *testing.T) {
	w := newWorld()
	w.addInstrument("grain", 200)
	w.rest(ptr(2), models.SideSell, 200, 10, time.Minute)
	w.rest(ptr(3), models.SideBuy, 180, 10, time.Minute)
	w.balances[1] = 100000
	w.balances[3] = 100000
	w.inventory[invKey(1, "grain")] = 10

	e := newTestEngine(w)

	buy, err := e.PlaceOrder(context.Background(), w.stores(), PlaceRequest{
		ActorID: 1, Instrument: "grain", Side: models.SideBuy, Kind: models.KindLimit, Price: ptr(250), Quantity: 4,
	})
	require.NoError(t, err)
	require.Len(t, buy.Fills, 1)
	assert.Equal(t, int64(200), buy.Fills[0].Price, "buyer taker pays the resting ask, not its limit")

	sell, err := e.PlaceOrder(context.Background(), w.stores(), PlaceRequest{
		ActorID: 1, Instrument: "grain", Side: models.SideSell, Kind: models.KindLimit, Price: ptr(100), Quantity: 4,
	})
	require.NoError(t, err)
	require.Len(t, sell.Fills, 1)
	assert.Equal(t, int64(180), sell.Fills[0].Price, "seller taker receives the resting bid, not its limit")

	for _, tr := range w.trades {
		assert.NotEqual(t, int64(250), tr.Price)
		assert.NotEqual(t, int64(100), tr.Price)
	}
}

func TestPlaceOrder_PriceTimePriority(t *testing.T) {
	w := newWorld()
	w.addInstrument("grain", 200)
	newer := w.rest(ptr(2), models.SideSell, 200, 5, time.Minute)
	older := w.rest(ptr(3), models.SideSell, 200, 5, time.Hour)
	best := w.rest(ptr(4), models.SideSell, 199, 5, time.Second)
	w.balances[1] = 100000

	e := newTestEngine(w)
	res, err := e.PlaceOrder(context.Background(), w.stores(), PlaceRequest{
		ActorID: 1, Instrument: "grain", Side: models.SideBuy, Kind: models.KindMarket, Quantity: 12,
	})
	require.NoError(t, err)

	require.Len(t, res.Fills, 3)
	assert.Equal(t, best.ID, res.Fills[0].MakerOrderID, "best price first")
	assert.Equal(t, older.ID, res.Fills[1].MakerOrderID, "then earliest at the same price")
	assert.Equal(t, newer.ID, res.Fills[2].MakerOrderID)
	assert.Equal(t, int64(2), res.Fills[2].Quantity)
}

func TestPlaceOrder_MarketBuyEmptyBookIsCancelled(t *testing.T) {
	w := newWorld()
	w.addInstrument("grain", 200)
	w.balances[1] = 10000

	e := newTestEngine(w)
	res, err := e.PlaceOrder(context.Background(), w.stores(), PlaceRequest{
		ActorID: 1, Instrument: "grain", Side: models.SideBuy, Kind: models.KindMarket, Quantity: 5,
	})
	require.NoError(t, err)

	assert.Empty(t, res.Fills)
	assert.Equal(t, models.OrderStatusCancelled, res.Status)
	assert.Equal(t, int64(0), res.QtyFilled)
	assert.Equal(t, int64(5), res.QtyRemaining)
	assert.Equal(t, int64(10000), w.balances[1])
	assert.Empty(t, w.snapshots, "no fills, no price move")
}

func TestPlaceOrder_MarketSellRemainderRefunded(t *testing.T) {
	w := newWorld()
	w.addInstrument("grain", 200)
	w.rest(ptr(2), models.SideBuy, 190, 3, time.Minute)
	w.balances[2] = 100000
	w.inventory[invKey(1, "grain")] = 10

	e := newTestEngine(w)
	res, err := e.PlaceOrder(context.Background(), w.stores(), PlaceRequest{
		ActorID: 1, Instrument: "grain", Side: models.SideSell, Kind: models.KindMarket, Quantity: 8,
	})
	require.NoError(t, err)

	require.Len(t, res.Fills, 1)
	assert.Equal(t, models.OrderStatusCancelled, res.Status)
	assert.Equal(t, int64(5), res.QtyRemaining)
	// 10 - 8 зарезервировано + 5 возвращено
	assert.Equal(t, int64(7), w.inventory[invKey(1, "grain")])
	assert.Equal(t, int64(3), w.inventory[invKey(2, "grain")])

	value := int64(190 * 3)
	assert.Equal(t, value-Fee(value, 0.01), w.balances[1])
}

func TestPlaceOrder_LimitSellReservesInventory(t *testing.T) {
	w := newWorld()
	w.addInstrument("grain", 200)
	w.inventory[invKey(1, "grain")] = 10

	e := newTestEngine(w)
	res, err := e.PlaceOrder(context.Background(), w.stores(), PlaceRequest{
		ActorID: 1, Instrument: "grain", Side: models.SideSell, Kind: models.KindLimit, Price: ptr(220), Quantity: 6,
	})
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusOpen, res.Status)
	assert.Equal(t, int64(4), w.inventory[invKey(1, "grain")])

	_, err = e.PlaceOrder(context.Background(), w.stores(), PlaceRequest{
		ActorID: 1, Instrument: "grain", Side: models.SideSell, Kind: models.KindLimit, Price: ptr(220), Quantity: 6,
	})
	assert.ErrorIs(t, err, apperr.ErrInsufficientInventory, "reserved units cannot be sold twice")
}

func TestPlaceOrder_SellSkipsUnaffordableMaker(t *testing.T) {
	w := newWorld()
	w.addInstrument("grain", 200)
	broke := w.rest(ptr(3), models.SideBuy, 200, 5, time.Hour)
	funded := w.rest(ptr(4), models.SideBuy, 190, 5, time.Minute)
	w.balances[4] = 100000
	w.inventory[invKey(1, "grain")] = 5

	e := newTestEngine(w)
	res, err := e.PlaceOrder(context.Background(), w.stores(), PlaceRequest{
		ActorID: 1, Instrument: "grain", Side: models.SideSell, Kind: models.KindMarket, Quantity: 5,
	})
	require.NoError(t, err)

	require.Len(t, res.Fills, 1)
	assert.Equal(t, funded.ID, res.Fills[0].MakerOrderID)
	assert.Equal(t, int64(190), res.Fills[0].Price)
	assert.Equal(t, models.OrderStatusOpen, w.orders[broke.ID].Status, "skipped maker stays in the book")
}

func TestPlaceOrder_BuyStopsWhenTakerRunsOutOfFunds(t *testing.T) {
	w := newWorld()
	w.addInstrument("grain", 100)
	w.rest(ptr(2), models.SideSell, 100, 5, time.Hour)
	w.rest(ptr(3), models.SideSell, 200, 5, time.Minute)
	// оценка по лучшему ask: 100 × 10 + 1% = 1010
	w.balances[1] = 1010

	e := newTestEngine(w)
	res, err := e.PlaceOrder(context.Background(), w.stores(), PlaceRequest{
		ActorID: 1, Instrument: "grain", Side: models.SideBuy, Kind: models.KindMarket, Quantity: 10,
	})
	require.NoError(t, err)

	require.Len(t, res.Fills, 1)
	assert.Equal(t, int64(5), res.QtyRemaining)
	assert.Equal(t, models.OrderStatusCancelled, res.Status)
	assert.Equal(t, int64(1010-500-5), w.balances[1])
}

func TestPlaceOrder_SelfTradeAllowed(t *testing.T) {
	w := newWorld()
	w.addInstrument("grain", 200)
	own := w.rest(ptr(1), models.SideSell, 200, 5, time.Minute)
	w.balances[1] = 10000

	e := newTestEngine(w)
	res, err := e.PlaceOrder(context.Background(), w.stores(), PlaceRequest{
		ActorID: 1, Instrument: "grain", Side: models.SideBuy, Kind: models.KindLimit, Price: ptr(200), Quantity: 5,
	})
	require.NoError(t, err)

	require.Len(t, res.Fills, 1)
	assert.Equal(t, own.ID, res.Fills[0].MakerOrderID)
	assert.Equal(t, int64(10000-10), w.balances[1], "only the fee leaves the account")
}

func TestPlaceOrder_SyntheticMakerSettlesWithTreasury(t *testing.T) {
	w := newWorld()
	w.addInstrument("grain", 200)
	w.rest(nil, models.SideSell, 202, 50, time.Minute)
	w.balances[1] = 10000

	e := newTestEngine(w)
	res, err := e.PlaceOrder(context.Background(), w.stores(), PlaceRequest{
		ActorID: 1, Instrument: "grain", Side: models.SideBuy, Kind: models.KindMarket, Quantity: 2,
	})
	require.NoError(t, err)

	require.Len(t, res.Fills, 1)
	assert.Equal(t, int64(404), w.balances[models.TreasuryAccountID])
	assert.Equal(t, int64(2), w.inventory[invKey(1, "grain")])
}

// ============================================================
// Проверки и остановка торгов
// ============================================================

func TestPlaceOrder_Validation(t *testing.T) {
	w := newWorld()
	w.addInstrument("grain", 200)
	e := newTestEngine(w)

	tests := []struct {
		name string
		req  PlaceRequest
		code string
	}{
		{"zero quantity", PlaceRequest{ActorID: 1, Instrument: "grain", Side: models.SideBuy, Kind: models.KindMarket}, apperr.CodeValidation},
		{"limit without price", PlaceRequest{ActorID: 1, Instrument: "grain", Side: models.SideBuy, Kind: models.KindLimit, Quantity: 1}, apperr.CodeValidation},
		{"limit with zero price", PlaceRequest{ActorID: 1, Instrument: "grain", Side: models.SideBuy, Kind: models.KindLimit, Price: ptr(0), Quantity: 1}, apperr.CodeValidation},
		{"price above cap", PlaceRequest{ActorID: 1, Instrument: "grain", Side: models.SideBuy, Kind: models.KindLimit, Price: ptr(MaxOrderPrice + 1), Quantity: 1}, apperr.CodeValidation},
		{"quantity above cap", PlaceRequest{ActorID: 1, Instrument: "grain", Side: models.SideBuy, Kind: models.KindMarket, Quantity: MaxOrderQuantity + 1}, apperr.CodeValidation},
		{"value overflows int64", PlaceRequest{ActorID: 1, Instrument: "grain", Side: models.SideBuy, Kind: models.KindLimit, Price: ptr(1<<62 + 1), Quantity: 4}, apperr.CodeValidation},
		{"bad side", PlaceRequest{ActorID: 1, Instrument: "grain", Side: "hold", Kind: models.KindMarket, Quantity: 1}, apperr.CodeValidation},
		{"unknown instrument", PlaceRequest{ActorID: 1, Instrument: "silk", Side: models.SideBuy, Kind: models.KindMarket, Quantity: 1}, apperr.CodeValidation},
		{"insufficient funds", PlaceRequest{ActorID: 1, Instrument: "grain", Side: models.SideBuy, Kind: models.KindLimit, Price: ptr(100), Quantity: 1}, apperr.CodeInsufficientFunds},
		{"insufficient inventory", PlaceRequest{ActorID: 1, Instrument: "grain", Side: models.SideSell, Kind: models.KindMarket, Quantity: 1}, apperr.CodeInsufficientInventory},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.PlaceOrder(context.Background(), w.stores(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.code, apperr.CodeOf(err))
		})
	}
	assert.Empty(t, w.orders, "rejected orders are never persisted")
}

func TestPlaceOrder_OversizedRestingOrderNeverSettles(t *testing.T) {
	huge := int64(1<<62 + 1)

	t.Run("market buy against oversized ask", func(t *testing.T) {
		w := newWorld()
		w.addInstrument("grain", 200)
		w.rest(ptr(2), models.SideSell, huge, 4, time.Minute)
		w.balances[1] = 10

		_, err := newTestEngine(w).PlaceOrder(context.Background(), w.stores(), PlaceRequest{
			ActorID: 1, Instrument: "grain", Side: models.SideBuy, Kind: models.KindMarket, Quantity: 4,
		})
		assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
		assert.Empty(t, w.trades)
		assert.Equal(t, int64(10), w.balances[1])
		assert.Zero(t, w.balances[2])
	})

	t.Run("market sell into oversized bid", func(t *testing.T) {
		w := newWorld()
		w.addInstrument("grain", 200)
		w.rest(ptr(3), models.SideBuy, huge, 4, time.Minute)
		w.inventory[invKey(1, "grain")] = 4

		_, err := newTestEngine(w).PlaceOrder(context.Background(), w.stores(), PlaceRequest{
			ActorID: 1, Instrument: "grain", Side: models.SideSell, Kind: models.KindMarket, Quantity: 4,
		})
		assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
		assert.Empty(t, w.trades)
		assert.Zero(t, w.balances[1])
		assert.Zero(t, w.inventory[invKey(3, "grain")])
	})
}

func TestPlaceOrder_LocksInstrumentBeforeOrders(t *testing.T) {
	w := newWorld()
	w.addInstrument("grain", 200)
	w.rest(nil, models.SideSell, 202, 50, time.Minute)
	w.balances[1] = 10000
	e := newTestEngine(w)

	_, err := e.PlaceOrder(context.Background(), w.stores(), PlaceRequest{
		ActorID: 1, Instrument: "grain", Side: models.SideBuy, Kind: models.KindMarket, Quantity: 2,
	})
	require.NoError(t, err)
	require.NotEmpty(t, w.locks)
	assert.Equal(t, "instrument:grain", w.locks[0])
	assert.Equal(t, 1, countLocks(w.locks, "instrument:grain"), "instrument row is locked once")

	// обновление мейкера захватывает строки в том же порядке
	w.locks = nil
	_, err = e.RefreshInstrument(context.Background(), w.stores(), "grain")
	require.NoError(t, err)
	require.NotEmpty(t, w.locks)
	assert.Equal(t, "instrument:grain", w.locks[0])
}

func countLocks(locks []string, key string) int {
	n := 0
	for _, l := range locks {
		if l == key {
			n++
		}
	}
	return n
}

func TestCircuitBreaker_HaltsMarketOrders(t *testing.T) {
	w := newWorld()
	st := w.addInstrument("grain", 130)
	st.WindowRefPrice = 100
	st.WindowStartedAt = w.clock.Add(-time.Hour)
	w.rest(ptr(2), models.SideSell, 200, 10, time.Minute)
	w.balances[1] = 100000

	e := newTestEngine(w)
	res, err := e.PlaceOrder(context.Background(), w.stores(), PlaceRequest{
		ActorID: 1, Instrument: "grain", Side: models.SideBuy, Kind: models.KindMarket, Quantity: 1,
	})
	require.NoError(t, err)
	assert.True(t, res.HaltTriggered)
	assert.Equal(t, int64(136), res.ReferencePrice)
	assert.True(t, w.states["grain"].HaltedAt(w.clock))

	_, err = e.PlaceOrder(context.Background(), w.stores(), PlaceRequest{
		ActorID: 1, Instrument: "grain", Side: models.SideBuy, Kind: models.KindMarket, Quantity: 1,
	})
	assert.ErrorIs(t, err, apperr.ErrMarketHalted)

	limit, err := e.PlaceOrder(context.Background(), w.stores(), PlaceRequest{
		ActorID: 1, Instrument: "grain", Side: models.SideBuy, Kind: models.KindLimit, Price: ptr(250), Quantity: 1,
	})
	require.NoError(t, err, "limit orders are accepted while halted")
	assert.Empty(t, limit.Fills, "but do not match")
	assert.Equal(t, models.OrderStatusOpen, limit.Status)

	book, err := e.Book(context.Background(), w.stores(), "grain", 5)
	require.NoError(t, err)
	assert.True(t, book.Halted)
	assert.NotNil(t, book.HaltUntil)
}

// ============================================================
// Отмена
// ============================================================

func TestCancelOrder(t *testing.T) {
	w := newWorld()
	w.addInstrument("grain", 200)
	sell := w.rest(ptr(1), models.SideSell, 220, 6, time.Minute)
	buy := w.rest(ptr(1), models.SideBuy, 180, 6, time.Minute)
	foreign := w.rest(ptr(2), models.SideSell, 220, 6, time.Minute)
	done := w.rest(ptr(1), models.SideSell, 220, 6, time.Minute)
	done.Status = models.OrderStatusFilled

	e := newTestEngine(w)
	ctx := context.Background()

	res, err := e.CancelOrder(ctx, w.stores(), 1, sell.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.Refunded)
	assert.Equal(t, int64(6), w.inventory[invKey(1, "grain")])
	assert.Equal(t, models.OrderStatusCancelled, w.orders[sell.ID].Status)

	res, err = e.CancelOrder(ctx, w.stores(), 1, buy.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Refunded, "buy orders reserve nothing")

	_, err = e.CancelOrder(ctx, w.stores(), 1, foreign.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = e.CancelOrder(ctx, w.stores(), 1, done.ID)
	assert.ErrorIs(t, err, apperr.ErrActionConflict)

	_, err = e.CancelOrder(ctx, w.stores(), 1, 999)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

// ============================================================
// Маркет-мейкер
// ============================================================

func TestRefreshInstrument(t *testing.T) {
	w := newWorld()
	w.addInstrument("grain", 200)
	oldBid := w.rest(nil, models.SideBuy, 150, 50, time.Hour)
	userOrder := w.rest(ptr(1), models.SideSell, 300, 5, time.Hour)

	e := newTestEngine(w)
	res, err := e.RefreshInstrument(context.Background(), w.stores(), "grain")
	require.NoError(t, err)

	assert.Equal(t, 1, res.Cancelled)
	assert.Equal(t, models.OrderStatusCancelled, w.orders[oldBid.ID].Status)
	assert.Equal(t, models.OrderStatusOpen, w.orders[userOrder.ID].Status, "actor orders are untouched")

	// спрос = предложение при ref = base
	assert.Equal(t, int64(200), res.ReferencePrice)
	assert.Equal(t, int64(198), res.Bid)
	assert.Equal(t, int64(202), res.Ask)
	assert.False(t, res.Widened)

	var quotes []*models.Order
	for _, o := range w.orders {
		if o.Synthetic && !o.IsTerminal() {
			quotes = append(quotes, o)
		}
	}
	require.Len(t, quotes, 2)
	for _, q := range quotes {
		assert.Nil(t, q.ActorID)
		assert.Equal(t, DefaultConfig().MakerQuantity, q.QtyOpen)
	}

	st := w.states["grain"]
	require.NotNil(t, st.LastMakerRefresh)
	require.Len(t, w.snapshots, 1)
	assert.Equal(t, models.SnapshotSourceMaker, w.snapshots[0].Source)
}

func TestRefreshInstrument_WidenedAfterHalt(t *testing.T) {
	w := newWorld()
	st := w.addInstrument("grain", 200)
	widened := w.clock.Add(10 * time.Minute)
	st.WidenedSpreadUntil = &widened

	e := newTestEngine(w)
	res, err := e.RefreshInstrument(context.Background(), w.stores(), "grain")
	require.NoError(t, err)

	assert.True(t, res.Widened)
	assert.Equal(t, int64(196), res.Bid)
	assert.Equal(t, int64(204), res.Ask)
}

// ============================================================
// Чтение
// ============================================================

func TestBookAndHistory(t *testing.T) {
	w := newWorld()
	w.addInstrument("grain", 200)
	w.rest(ptr(2), models.SideSell, 210, 10, time.Minute)
	w.rest(ptr(3), models.SideSell, 210, 5, time.Minute)
	w.rest(ptr(4), models.SideSell, 215, 5, time.Minute)
	w.rest(ptr(5), models.SideBuy, 190, 7, time.Minute)
	w.balances[1] = 10000

	e := newTestEngine(w)
	ctx := context.Background()

	book, err := e.Book(ctx, w.stores(), "grain", 1)
	require.NoError(t, err)
	require.Len(t, book.Asks, 1)
	assert.Equal(t, models.PriceLevel{Price: 210, Quantity: 15, Orders: 2}, book.Asks[0])
	require.Len(t, book.Bids, 1)
	assert.Equal(t, int64(190), book.Bids[0].Price)
	assert.False(t, book.Halted)

	_, err = e.PlaceOrder(ctx, w.stores(), PlaceRequest{
		ActorID: 1, Instrument: "grain", Side: models.SideBuy, Kind: models.KindMarket, Quantity: 2,
	})
	require.NoError(t, err)

	hist, err := e.History(ctx, w.stores(), "grain", 10)
	require.NoError(t, err)
	assert.Len(t, hist.Trades, 1)
	assert.Len(t, hist.Snapshots, 1)

	_, err = e.History(ctx, w.stores(), "silk", 10)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
