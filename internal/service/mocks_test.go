package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"economy/internal/actions"
	"economy/internal/apperr"
	"economy/internal/market"
	"economy/internal/models"
	"economy/internal/repository"
	"economy/pkg/retry"
)

// ============ In-memory Store ============
//
// Транзакция - глобальный мьютекс и снимок данных: при ошибке fn
// данные откатываются к снимку.

type memData struct {
	actions    map[int64]*models.Action
	nextAction int64
	actors     map[int64]*models.ActorState
	orders     map[int64]*models.Order
	nextOrder  int64
	trades     []*models.Trade
	states     map[string]*models.InstrumentState
	snapshots  []*models.PriceSnapshot
	balances   map[int64]int64
	inventory  map[string]int64
}

func newMemData() *memData {
	return &memData{
		actions:   make(map[int64]*models.Action),
		actors:    make(map[int64]*models.ActorState),
		orders:    make(map[int64]*models.Order),
		states:    make(map[string]*models.InstrumentState),
		balances:  make(map[int64]int64),
		inventory: make(map[string]int64),
	}
}

func (d *memData) clone() *memData {
	c := newMemData()
	c.nextAction, c.nextOrder = d.nextAction, d.nextOrder
	for k, v := range d.actions {
		a := *v
		c.actions[k] = &a
	}
	for k, v := range d.actors {
		s := *v
		c.actors[k] = &s
	}
	for k, v := range d.orders {
		o := *v
		c.orders[k] = &o
	}
	for k, v := range d.states {
		s := *v
		c.states[k] = &s
	}
	for k, v := range d.balances {
		c.balances[k] = v
	}
	for k, v := range d.inventory {
		c.inventory[k] = v
	}
	c.trades = append(c.trades, d.trades...)
	c.snapshots = append(c.snapshots, d.snapshots...)
	return c
}

type MockStore struct {
	mu   sync.Mutex
	data *memData

	// beforeTx вызывается перед каждой транзакцией (вне блокировки)
	beforeTx func()
	txCount  int
}

func NewMockStore() *MockStore {
	return &MockStore{data: newMemData()}
}

func (m *MockStore) bind(lock sync.Locker) *TxStores {
	h := &memHandle{store: m, lock: lock}
	return &TxStores{
		Actions: (*memActions)(h),
		Actors:  (*memActors)(h),
		Market: market.Stores{
			Orders:    (*memOrders)(h),
			Trades:    (*memTrades)(h),
			States:    (*memStates)(h),
			Ledger:    (*memLedger)(h),
			Inventory: (*memInventory)(h),
		},
	}
}

func (m *MockStore) WithTx(_ context.Context, fn func(tx *TxStores) error) error {
	if m.beforeTx != nil {
		m.beforeTx()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.txCount++
	snapshot := m.data.clone()
	if err := fn(m.bind(nil)); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

func (m *MockStore) Reader() *TxStores {
	return m.bind(&m.mu)
}

func (m *MockStore) Instruments() InstrumentRepositoryInterface {
	return (*memStates)(&memHandle{store: m, lock: &m.mu})
}

// view выполняет f под блокировкой (для проверок в тестах)
func (m *MockStore) view(f func(d *memData)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f(m.data)
}

// memHandle - доступ к данным; lock != nil вне транзакции
type memHandle struct {
	store *MockStore
	lock  sync.Locker
}

func (h *memHandle) d() (*memData, func()) {
	if h.lock != nil {
		h.lock.Lock()
		return h.store.data, h.lock.Unlock
	}
	return h.store.data, func() {}
}

// ============ Actions ============

type memActions memHandle

func (r *memActions) h() *memHandle { return (*memHandle)(r) }

func copyAction(a *models.Action) *models.Action {
	c := *a
	return &c
}

func (r *memActions) Create(_ context.Context, a *models.Action) error {
	d, done := r.h().d()
	defer done()
	for _, ex := range d.actions {
		if ex.ActorID == a.ActorID && ex.IdempotencyKey == a.IdempotencyKey {
			return repository.ErrDuplicateIdempotencyKey
		}
	}
	d.nextAction++
	a.ID = d.nextAction
	d.actions[a.ID] = copyAction(a)
	return nil
}

func (r *memActions) get(id int64) (*models.Action, error) {
	d, done := r.h().d()
	defer done()
	a, ok := d.actions[id]
	if !ok {
		return nil, repository.ErrActionNotFound
	}
	return copyAction(a), nil
}

func (r *memActions) GetByID(_ context.Context, id int64) (*models.Action, error) {
	return r.get(id)
}

func (r *memActions) GetForUpdate(_ context.Context, id int64) (*models.Action, error) {
	return r.get(id)
}

func (r *memActions) GetByIdempotencyKey(_ context.Context, actorID int64, key string) (*models.Action, error) {
	d, done := r.h().d()
	defer done()
	for _, a := range d.actions {
		if a.ActorID == actorID && a.IdempotencyKey == key {
			return copyAction(a), nil
		}
	}
	return nil, repository.ErrActionNotFound
}

func (r *memActions) active(d *memData, actorID int64) []*models.Action {
	var out []*models.Action
	for _, a := range d.actions {
		if a.ActorID == actorID && !a.IsTerminal() {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledFor.Equal(out[j].ScheduledFor) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledFor.Before(out[j].ScheduledFor)
	})
	return out
}

func (r *memActions) CountActive(_ context.Context, actorID int64) (int, error) {
	d, done := r.h().d()
	defer done()
	return len(r.active(d, actorID)), nil
}

func (r *memActions) QueueTail(_ context.Context, actorID int64) (*time.Time, error) {
	d, done := r.h().d()
	defer done()
	var tail *time.Time
	for _, a := range r.active(d, actorID) {
		end := a.EndsAt()
		if tail == nil || end.After(*tail) {
			tail = &end
		}
	}
	return tail, nil
}

func (r *memActions) transition(id int64, from []string, apply func(a *models.Action)) error {
	d, done := r.h().d()
	defer done()
	a, ok := d.actions[id]
	if !ok {
		return repository.ErrInvalidTransition
	}
	for _, s := range from {
		if a.Status == s {
			apply(a)
			return nil
		}
	}
	return repository.ErrInvalidTransition
}

func (r *memActions) MarkRunning(_ context.Context, id int64, now time.Time) error {
	return r.transition(id, []string{models.ActionStatusPending, models.ActionStatusScheduled}, func(a *models.Action) {
		a.Status = models.ActionStatusRunning
		a.StartedAt = &now
	})
}

func (r *memActions) Complete(_ context.Context, id int64, result json.RawMessage, now time.Time) error {
	return r.transition(id, []string{models.ActionStatusRunning}, func(a *models.Action) {
		a.Status = models.ActionStatusCompleted
		a.Result = result
		a.FailureReason = nil
		a.FinishedAt = &now
	})
}

func (r *memActions) Fail(_ context.Context, id int64, reason string, result json.RawMessage, retryCount int, now time.Time) error {
	return r.transition(id, []string{models.ActionStatusRunning}, func(a *models.Action) {
		a.Status = models.ActionStatusFailed
		a.FailureReason = &reason
		a.Result = result
		a.RetryCount = retryCount
		a.FinishedAt = &now
	})
}

func (r *memActions) Reschedule(_ context.Context, id int64, reason string, retryCount int) error {
	return r.transition(id, []string{models.ActionStatusRunning}, func(a *models.Action) {
		a.Status = models.ActionStatusScheduled
		a.FailureReason = &reason
		a.RetryCount = retryCount
		a.StartedAt = nil
	})
}

func (r *memActions) ClaimDue(_ context.Context, now time.Time, limit, maxRetries int) ([]*models.Action, error) {
	d, done := r.h().d()
	defer done()

	var due []*models.Action
	for _, a := range d.actions {
		if a.Status == models.ActionStatusScheduled && a.RetryCount < maxRetries && !a.EndsAt().After(now) {
			due = append(due, a)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].ScheduledFor.Equal(due[j].ScheduledFor) {
			return due[i].ID < due[j].ID
		}
		return due[i].ScheduledFor.Before(due[j].ScheduledFor)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]*models.Action, 0, len(due))
	for _, a := range due {
		started := now
		a.Status = models.ActionStatusRunning
		a.StartedAt = &started
		out = append(out, copyAction(a))
	}
	return out, nil
}

func (r *memActions) RequeueStale(_ context.Context, startedBefore, now time.Time, maxRetries int) (int, int, error) {
	d, done := r.h().d()
	defer done()

	requeued, dead := 0, 0
	for _, a := range d.actions {
		if a.Status != models.ActionStatusRunning || a.StartedAt == nil || !a.StartedAt.Before(startedBefore) {
			continue
		}
		a.RetryCount++
		reason := "claim timed out"
		a.FailureReason = &reason
		a.StartedAt = nil
		if a.RetryCount >= maxRetries {
			finished := now
			a.Status = models.ActionStatusFailed
			a.FinishedAt = &finished
			dead++
		} else {
			a.Status = models.ActionStatusScheduled
			requeued++
		}
	}
	return requeued, dead, nil
}

func (r *memActions) ListQueue(_ context.Context, actorID int64) ([]*models.Action, error) {
	d, done := r.h().d()
	defer done()
	var out []*models.Action
	for _, a := range r.active(d, actorID) {
		out = append(out, copyAction(a))
	}
	return out, nil
}

func (r *memActions) ListHistory(_ context.Context, actorID int64, status string, limit int) ([]*models.Action, error) {
	d, done := r.h().d()
	defer done()
	var out []*models.Action
	for _, a := range d.actions {
		if a.ActorID != actorID || !a.IsTerminal() || (status != "" && a.Status != status) {
			continue
		}
		out = append(out, copyAction(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ============ Actors ============

type memActors memHandle

func (r *memActors) LockState(_ context.Context, actorID int64) (*models.ActorState, error) {
	d, done := (*memHandle)(r).d()
	defer done()
	s, ok := d.actors[actorID]
	if !ok {
		s = models.NewActorState(actorID, 100)
		d.actors[actorID] = s
	}
	c := *s
	return &c, nil
}

func (r *memActors) Get(_ context.Context, actorID int64) (*models.ActorState, error) {
	d, done := (*memHandle)(r).d()
	defer done()
	s, ok := d.actors[actorID]
	if !ok {
		return models.NewActorState(actorID, 100), nil
	}
	c := *s
	return &c, nil
}

func (r *memActors) Save(_ context.Context, s *models.ActorState) error {
	d, done := (*memHandle)(r).d()
	defer done()
	c := *s
	d.actors[s.ActorID] = &c
	return nil
}

// ============ Market ============

type memOrders memHandle

func (r *memOrders) Create(_ context.Context, o *models.Order) error {
	d, done := (*memHandle)(r).d()
	defer done()
	d.nextOrder++
	o.ID = d.nextOrder
	c := *o
	d.orders[o.ID] = &c
	return nil
}

func (r *memOrders) GetForUpdate(_ context.Context, id int64) (*models.Order, error) {
	d, done := (*memHandle)(r).d()
	defer done()
	o, ok := d.orders[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	c := *o
	return &c, nil
}

func (r *memOrders) NextMatch(_ context.Context, instrument string, takerSide models.Side, limit *int64, exclude []int64) (*models.Order, error) {
	d, done := (*memHandle)(r).d()
	defer done()

	var best *models.Order
	for _, o := range d.orders {
		if o.Instrument != instrument || o.Side != takerSide.Opposite() || o.Kind != models.KindLimit || o.IsTerminal() {
			continue
		}
		skip := false
		for _, id := range exclude {
			skip = skip || id == o.ID
		}
		if skip {
			continue
		}
		if limit != nil && ((takerSide == models.SideBuy && *o.Price > *limit) || (takerSide == models.SideSell && *o.Price < *limit)) {
			continue
		}
		if best == nil || better(o, best, takerSide) {
			best = o
		}
	}
	if best == nil {
		return nil, nil
	}
	c := *best
	return &c, nil
}

func better(a, b *models.Order, takerSide models.Side) bool {
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
}

func (r *memOrders) UpdateFill(_ context.Context, o *models.Order) error {
	d, done := (*memHandle)(r).d()
	defer done()
	c := *o
	d.orders[o.ID] = &c
	return nil
}

func (r *memOrders) ListSyntheticOpen(_ context.Context, instrument string) ([]*models.Order, error) {
	d, done := (*memHandle)(r).d()
	defer done()
	var out []*models.Order
	for _, o := range d.orders {
		if o.Instrument == instrument && o.Synthetic && !o.IsTerminal() {
			c := *o
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *memOrders) TopLevels(_ context.Context, instrument string, side models.Side, depth int) ([]models.PriceLevel, error) {
	d, done := (*memHandle)(r).d()
	defer done()
	agg := map[int64]*models.PriceLevel{}
	for _, o := range d.orders {
		if o.Instrument != instrument || o.Side != side || o.Kind != models.KindLimit || o.IsTerminal() {
			continue
		}
		if agg[*o.Price] == nil {
			agg[*o.Price] = &models.PriceLevel{Price: *o.Price}
		}
		agg[*o.Price].Quantity += o.QtyOpen
		agg[*o.Price].Orders++
	}
	out := make([]models.PriceLevel, 0, len(agg))
	for _, l := range agg {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool {
		if side == models.SideBuy {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	if len(out) > depth {
		out = out[:depth]
	}
	return out, nil
}

type memTrades memHandle

func (r *memTrades) Create(_ context.Context, t *models.Trade) error {
	d, done := (*memHandle)(r).d()
	defer done()
	t.ID = int64(len(d.trades) + 1)
	d.trades = append(d.trades, t)
	return nil
}

func (r *memTrades) Recent(_ context.Context, instrument string, limit int) ([]*models.Trade, error) {
	d, done := (*memHandle)(r).d()
	defer done()
	var out []*models.Trade
	for i := len(d.trades) - 1; i >= 0 && len(out) < limit; i-- {
		if d.trades[i].Instrument == instrument {
			out = append(out, d.trades[i])
		}
	}
	return out, nil
}

type memStates memHandle

func (r *memStates) Get(_ context.Context, instrument string) (*models.InstrumentState, error) {
	d, done := (*memHandle)(r).d()
	defer done()
	s, ok := d.states[instrument]
	if !ok {
		return nil, repository.ErrInstrumentNotFound
	}
	c := *s
	return &c, nil
}

func (r *memStates) GetForUpdate(ctx context.Context, instrument string) (*models.InstrumentState, error) {
	return r.Get(ctx, instrument)
}

func (r *memStates) Save(_ context.Context, s *models.InstrumentState) error {
	d, done := (*memHandle)(r).d()
	defer done()
	c := *s
	d.states[s.Instrument] = &c
	return nil
}

func (r *memStates) RecordSnapshot(_ context.Context, snap *models.PriceSnapshot) error {
	d, done := (*memHandle)(r).d()
	defer done()
	d.snapshots = append(d.snapshots, snap)
	return nil
}

func (r *memStates) Snapshots(_ context.Context, instrument string, limit int) ([]*models.PriceSnapshot, error) {
	d, done := (*memHandle)(r).d()
	defer done()
	var out []*models.PriceSnapshot
	for i := len(d.snapshots) - 1; i >= 0 && len(out) < limit; i-- {
		if d.snapshots[i].Instrument == instrument {
			out = append(out, d.snapshots[i])
		}
	}
	return out, nil
}

func (r *memStates) ListInstruments(_ context.Context) ([]string, error) {
	d, done := (*memHandle)(r).d()
	defer done()
	out := make([]string, 0, len(d.states))
	for k := range d.states {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (r *memStates) Seed(_ context.Context, s *models.InstrumentState) (bool, error) {
	d, done := (*memHandle)(r).d()
	defer done()
	if _, ok := d.states[s.Instrument]; ok {
		return false, nil
	}
	c := *s
	d.states[s.Instrument] = &c
	return true, nil
}

type memLedger memHandle

func (r *memLedger) Balance(_ context.Context, account int64) (int64, error) {
	d, done := (*memHandle)(r).d()
	defer done()
	return d.balances[account], nil
}

func (r *memLedger) Transfer(_ context.Context, from, to, amount int64, _ string, _ *int64) error {
	d, done := (*memHandle)(r).d()
	defer done()
	if amount == 0 || from == to {
		return nil
	}
	if from != models.TreasuryAccountID && d.balances[from] < amount {
		return repository.ErrInsufficientBalance
	}
	d.balances[from] -= amount
	d.balances[to] += amount
	return nil
}

type memInventory memHandle

func invKey(owner int64, good string) string { return fmt.Sprintf("%d/%s", owner, good) }

func (r *memInventory) Quantity(_ context.Context, owner int64, good string) (int64, error) {
	d, done := (*memHandle)(r).d()
	defer done()
	return d.inventory[invKey(owner, good)], nil
}

func (r *memInventory) Adjust(_ context.Context, owner int64, good string, delta int64) error {
	d, done := (*memHandle)(r).d()
	defer done()
	k := invKey(owner, good)
	if d.inventory[k]+delta < 0 {
		return repository.ErrNegativeInventory
	}
	d.inventory[k] += delta
	return nil
}

// ============ Publisher ============

type MockPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *MockPublisher) Publish(events []Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
}

func (p *MockPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// ============ Тестовые обработчики ============

type waitPayload struct {
	Seconds int `json:"seconds"`
}

func (waitPayload) ActionType() string { return "test.wait" }

// waitHandler - действие без эффектов, считает разрешения
type waitHandler struct {
	mu       sync.Mutex
	resolved map[int64]int
}

func (h *waitHandler) Type() string { return "test.wait" }

func (h *waitHandler) Validate(raw json.RawMessage) (models.Payload, error) {
	var p waitPayload
	if err := jsonAPI.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p, nil
}

func (h *waitHandler) Duration(p models.Payload) time.Duration {
	return time.Duration(p.(waitPayload).Seconds) * time.Second
}

func (h *waitHandler) CheckPreconditions(context.Context, *actions.Env, models.Payload) error {
	return nil
}

func (h *waitHandler) Resolve(_ context.Context, env *actions.Env, _ models.Payload) (interface{}, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resolved[env.Action.ID]++
	return map[string]bool{"done": true}, nil
}

func (h *waitHandler) count(id int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resolved[id]
}

// flakyHandler платит из казны и затем падает: эффект должен откатиться
type flakyHandler struct {
	err error
}

func (h *flakyHandler) Type() string { return "test.flaky" }

func (h *flakyHandler) Validate(json.RawMessage) (models.Payload, error) {
	return waitPayload{Seconds: 60}, nil
}

func (h *flakyHandler) Duration(models.Payload) time.Duration { return time.Minute }

func (h *flakyHandler) CheckPreconditions(context.Context, *actions.Env, models.Payload) error {
	return nil
}

func (h *flakyHandler) Resolve(ctx context.Context, env *actions.Env, _ models.Payload) (interface{}, error) {
	if err := env.Stores.Ledger.Transfer(ctx, models.TreasuryAccountID, env.State.ActorID, 10, "test", nil); err != nil {
		return nil, err
	}
	return nil, h.err
}

// ============ Fixture ============

var errStorageDown = retry.Temporary(errors.New("storage unavailable"))

type fixture struct {
	store     *MockStore
	clock     time.Time
	engine    *market.Engine
	resolver  *Resolver
	actions   *ActionService
	scheduler *Scheduler
	market    *MarketService
	pub       *MockPublisher
	wait      *waitHandler
	flaky     *flakyHandler
	broken    *brokenHandler
}

// brokenHandler всегда возвращает доменную ошибку
type brokenHandler struct{ flakyHandler }

func (h *brokenHandler) Type() string { return "test.broken" }

func (h *brokenHandler) Resolve(context.Context, *actions.Env, models.Payload) (interface{}, error) {
	return nil, apperr.ActionConflict("workshop is closed")
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store: NewMockStore(),
		clock: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		pub:   &MockPublisher{},
		wait:  &waitHandler{resolved: make(map[int64]int)},
		flaky: &flakyHandler{err: errStorageDown},
	}
	f.broken = &brokenHandler{}
	now := func() time.Time { return f.clock }

	registry := actions.RegisterDefaults(actions.NewRegistry(), actions.DefaultCosts()).
		Register(f.wait).
		Register(f.flaky).
		Register(f.broken).
		Freeze()

	f.engine = market.NewEngine(market.DefaultConfig()).WithClock(now)
	f.resolver = NewResolver(registry, f.engine, 3)
	f.actions = NewActionService(f.store, registry, f.engine, f.resolver, DefaultActionConfig()).WithClock(now)
	f.scheduler = NewScheduler(f.store, f.resolver).WithClock(now)
	f.market = NewMarketService(f.store, f.engine)
	f.market.now = now

	f.actions.SetPublisher(f.pub)
	f.scheduler.SetPublisher(f.pub)
	f.market.SetPublisher(f.pub)

	_, err := f.market.Seed(context.Background(), []InstrumentSeed{{Instrument: "grain", BasePrice: 200, Essential: true}})
	require.NoError(t, err)

	f.store.view(func(d *memData) {
		d.balances[1] = 10_000
	})
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func (f *fixture) submit(actorID int64, actionType, payload, key string) (*models.ActionSnapshot, error) {
	return f.actions.Submit(context.Background(), SubmitRequest{
		ActorID:        actorID,
		Type:           actionType,
		Payload:        json.RawMessage(payload),
		IdempotencyKey: key,
	})
}

func (f *fixture) action(t *testing.T, id int64) *models.Action {
	t.Helper()
	a, err := f.store.Reader().Actions.GetByID(context.Background(), id)
	require.NoError(t, err)
	return a
}

func (f *fixture) actor(t *testing.T, id int64) *models.ActorState {
	t.Helper()
	s, err := f.store.Reader().Actors.Get(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (f *fixture) balance(id int64) int64 {
	var b int64
	f.store.view(func(d *memData) { b = d.balances[id] })
	return b
}

func (f *fixture) actionCount() int {
	n := 0
	f.store.view(func(d *memData) { n = len(d.actions) })
	return n
}
