package handlers

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"economy/internal/apperr"
	"economy/internal/models"
	"economy/internal/service"
)

// ============ MockActionService ============

// MockActionService - реализация service.ActionServiceInterface в памяти
type MockActionService struct {
	mu sync.Mutex

	Submitted []service.SubmitRequest
	SubmitErr error
	// SubmitStatus - статус, возвращаемый Submit (по умолчанию scheduled)
	SubmitStatus string

	PreviewErr error
	Actions    map[int64]*models.Action
	ListErr    error

	HistoryStatus string
	HistoryLimit  int
}

func NewMockActionService() *MockActionService {
	return &MockActionService{Actions: make(map[int64]*models.Action)}
}

func (m *MockActionService) Submit(_ context.Context, req service.SubmitRequest) (*models.ActionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SubmitErr != nil {
		return nil, m.SubmitErr
	}
	m.Submitted = append(m.Submitted, req)

	status := m.SubmitStatus
	if status == "" {
		status = models.ActionStatusScheduled
	}
	return &models.ActionSnapshot{
		ActionID:        int64(len(m.Submitted)),
		Status:          status,
		ScheduledFor:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		DurationSeconds: 3600,
	}, nil
}

func (m *MockActionService) Preview(_ context.Context, actorID int64, actionType string, payload json.RawMessage) (*models.Projection, error) {
	if m.PreviewErr != nil {
		return nil, m.PreviewErr
	}
	return &models.Projection{Type: actionType, VigorDelta: -10, FundsDelta: 25, Warnings: []string{}}, nil
}

func (m *MockActionService) GetAction(_ context.Context, actorID, actionID int64) (*models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Actions[actionID]
	if !ok || a.ActorID != actorID {
		return nil, apperr.NotFound("action")
	}
	return a, nil
}

func (m *MockActionService) ListQueue(_ context.Context, actorID int64) ([]*models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	var out []*models.Action
	for _, a := range m.Actions {
		if a.ActorID == actorID && !a.IsTerminal() {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MockActionService) ListHistory(_ context.Context, actorID int64, status string, limit int) ([]*models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HistoryStatus, m.HistoryLimit = status, limit
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	var out []*models.Action
	for _, a := range m.Actions {
		if a.ActorID == actorID && a.IsTerminal() {
			out = append(out, a)
		}
	}
	return out, nil
}

// AddAction кладёт действие в хранилище мока
func (m *MockActionService) AddAction(a *models.Action) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Actions[a.ID] = a
}

// ============ MockMarketService ============

// MockMarketService - реализация service.MarketServiceInterface в памяти
type MockMarketService struct {
	Books map[string]*models.OrderBook
	Err   error

	LastDepth int
	LastLimit int
}

func NewMockMarketService() *MockMarketService {
	return &MockMarketService{Books: make(map[string]*models.OrderBook)}
}

func (m *MockMarketService) OrderBook(_ context.Context, instrument string, depth int) (*models.OrderBook, error) {
	m.LastDepth = depth
	if m.Err != nil {
		return nil, m.Err
	}
	book, ok := m.Books[instrument]
	if !ok {
		return nil, apperr.Validation("unknown instrument %q", instrument)
	}
	return book, nil
}

func (m *MockMarketService) TradeHistory(_ context.Context, instrument string, limit int) (*models.TradeHistory, error) {
	m.LastLimit = limit
	if m.Err != nil {
		return nil, m.Err
	}
	if _, ok := m.Books[instrument]; !ok {
		return nil, apperr.Validation("unknown instrument %q", instrument)
	}
	return &models.TradeHistory{
		Instrument: instrument,
		Trades:     []*models.Trade{{Instrument: instrument, Price: 200, Quantity: 3}},
		Snapshots:  []*models.PriceSnapshot{},
	}, nil
}

func (m *MockMarketService) Instruments(context.Context) ([]string, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	names := make([]string, 0, len(m.Books))
	for name := range m.Books {
		names = append(names, name)
	}
	return names, nil
}
