package market

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"economy/internal/models"
)

// world - in-memory рынок для тестов движка
type world struct {
	orders    map[int64]*models.Order
	nextOrder int64
	trades    []*models.Trade
	states    map[string]*models.InstrumentState
	snapshots []*models.PriceSnapshot
	balances  map[int64]int64
	inventory map[string]int64
	clock     time.Time
	locks     []string // порядок захвата строк
}

func newWorld() *world {
	return &world{
		orders:    make(map[int64]*models.Order),
		states:    make(map[string]*models.InstrumentState),
		balances:  make(map[int64]int64),
		inventory: make(map[string]int64),
		clock:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (w *world) now() time.Time { return w.clock }

func (w *world) stores() Stores {
	return Stores{
		Orders:    (*memOrders)(w),
		Trades:    (*memTrades)(w),
		States:    (*memStates)(w),
		Ledger:    (*memLedger)(w),
		Inventory: (*memInventory)(w),
	}
}

func invKey(owner int64, good string) string { return fmt.Sprintf("%d/%s", owner, good) }

func (w *world) addInstrument(name string, ref int64) *models.InstrumentState {
	st := &models.InstrumentState{
		Instrument:      name,
		BasePrice:       ref,
		ReferencePrice:  ref,
		WindowRefPrice:  ref,
		WindowStartedAt: w.clock,
		SpreadBps:       200,
	}
	w.states[name] = st
	return st
}

// rest кладёт покоящийся лимитный ордер в книгу
func (w *world) rest(actor *int64, side models.Side, price, qty int64, age time.Duration) *models.Order {
	w.nextOrder++
	p := price
	o := &models.Order{
		ID:         w.nextOrder,
		ActorID:    actor,
		Synthetic:  actor == nil,
		Instrument: "grain",
		Side:       side,
		Kind:       models.KindLimit,
		Price:      &p,
		QtyOpen:    qty,
		QtyInitial: qty,
		Status:     models.OrderStatusOpen,
		CreatedAt:  w.clock.Add(-age),
	}
	w.orders[o.ID] = o
	return o
}

func ptr(v int64) *int64 { return &v }

// ============================================================
// Orders
// ============================================================

type memOrders world

func (m *memOrders) Create(_ context.Context, o *models.Order) error {
	w := (*world)(m)
	w.nextOrder++
	o.ID = w.nextOrder
	c := *o
	w.orders[o.ID] = &c
	return nil
}

func (m *memOrders) GetForUpdate(_ context.Context, id int64) (*models.Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %w", models.ErrNotFound)
	}
	c := *o
	return &c, nil
}

func (m *memOrders) NextMatch(_ context.Context, instrument string, takerSide models.Side, limit *int64, exclude []int64) (*models.Order, error) {
	skip := make(map[int64]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	var candidates []*models.Order
	for _, o := range m.orders {
		if o.Instrument != instrument || o.Side != takerSide.Opposite() || o.Kind != models.KindLimit {
			continue
		}
		if o.IsTerminal() || skip[o.ID] {
			continue
		}
		if limit != nil {
			if takerSide == models.SideBuy && *o.Price > *limit {
				continue
			}
			if takerSide == models.SideSell && *o.Price < *limit {
				continue
			}
		}
		candidates = append(candidates, o)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if *a.Price != *b.Price {
			if takerSide == models.SideBuy {
				return *a.Price < *b.Price
			}
			return *a.Price > *b.Price
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	c := *candidates[0]
	m.locks = append(m.locks, fmt.Sprintf("order:%d", c.ID))
	return &c, nil
}

func (m *memOrders) UpdateFill(_ context.Context, o *models.Order) error {
	if _, ok := m.orders[o.ID]; !ok {
		return fmt.Errorf("order %w", models.ErrNotFound)
	}
	c := *o
	m.orders[o.ID] = &c
	return nil
}

func (m *memOrders) ListSyntheticOpen(_ context.Context, instrument string) ([]*models.Order, error) {
	var out []*models.Order
	for _, o := range m.orders {
		if o.Instrument == instrument && o.Synthetic && !o.IsTerminal() {
			c := *o
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	for _, o := range out {
		m.locks = append(m.locks, fmt.Sprintf("order:%d", o.ID))
	}
	return out, nil
}

func (m *memOrders) TopLevels(_ context.Context, instrument string, side models.Side, depth int) ([]models.PriceLevel, error) {
	agg := make(map[int64]*models.PriceLevel)
	for _, o := range m.orders {
		if o.Instrument != instrument || o.Side != side || o.Kind != models.KindLimit || o.IsTerminal() {
			continue
		}
		lvl, ok := agg[*o.Price]
		if !ok {
			lvl = &models.PriceLevel{Price: *o.Price}
			agg[*o.Price] = lvl
		}
		lvl.Quantity += o.QtyOpen
		lvl.Orders++
	}
	levels := make([]models.PriceLevel, 0, len(agg))
	for _, l := range agg {
		levels = append(levels, *l)
	}
	sort.Slice(levels, func(i, j int) bool {
		if side == models.SideBuy {
			return levels[i].Price > levels[j].Price
		}
		return levels[i].Price < levels[j].Price
	})
	if len(levels) > depth {
		levels = levels[:depth]
	}
	return levels, nil
}

// ============================================================
// Trades / States
// ============================================================

type memTrades world

func (m *memTrades) Create(_ context.Context, t *models.Trade) error {
	t.ID = int64(len(m.trades) + 1)
	m.trades = append(m.trades, t)
	return nil
}

func (m *memTrades) Recent(_ context.Context, instrument string, limit int) ([]*models.Trade, error) {
	var out []*models.Trade
	for i := len(m.trades) - 1; i >= 0 && len(out) < limit; i-- {
		if m.trades[i].Instrument == instrument {
			out = append(out, m.trades[i])
		}
	}
	return out, nil
}

type memStates world

func (m *memStates) Get(_ context.Context, instrument string) (*models.InstrumentState, error) {
	st, ok := m.states[instrument]
	if !ok {
		return nil, fmt.Errorf("instrument %w", models.ErrNotFound)
	}
	c := *st
	return &c, nil
}

func (m *memStates) GetForUpdate(ctx context.Context, instrument string) (*models.InstrumentState, error) {
	m.locks = append(m.locks, "instrument:"+instrument)
	return m.Get(ctx, instrument)
}

func (m *memStates) Save(_ context.Context, s *models.InstrumentState) error {
	c := *s
	m.states[s.Instrument] = &c
	return nil
}

func (m *memStates) RecordSnapshot(_ context.Context, snap *models.PriceSnapshot) error {
	m.snapshots = append(m.snapshots, snap)
	return nil
}

func (m *memStates) Snapshots(_ context.Context, instrument string, limit int) ([]*models.PriceSnapshot, error) {
	var out []*models.PriceSnapshot
	for i := len(m.snapshots) - 1; i >= 0 && len(out) < limit; i-- {
		if m.snapshots[i].Instrument == instrument {
			out = append(out, m.snapshots[i])
		}
	}
	return out, nil
}

// ============================================================
// Ledger / Inventory
// ============================================================

var errFakeInsufficient = errors.New("fake ledger: insufficient balance")

type memLedger world

func (m *memLedger) Balance(_ context.Context, account int64) (int64, error) {
	return m.balances[account], nil
}

func (m *memLedger) Transfer(_ context.Context, from, to, amount int64, _ string, _ *int64) error {
	if amount == 0 || from == to {
		return nil
	}
	if amount < 0 {
		return errors.New("fake ledger: negative amount")
	}
	if from != models.TreasuryAccountID && m.balances[from] < amount {
		return errFakeInsufficient
	}
	m.balances[from] -= amount
	m.balances[to] += amount
	return nil
}

type memInventory world

func (m *memInventory) Quantity(_ context.Context, owner int64, good string) (int64, error) {
	return m.inventory[invKey(owner, good)], nil
}

func (m *memInventory) Adjust(_ context.Context, owner int64, good string, delta int64) error {
	k := invKey(owner, good)
	if m.inventory[k]+delta < 0 {
		return errors.New("fake inventory: negative")
	}
	m.inventory[k] += delta
	return nil
}
