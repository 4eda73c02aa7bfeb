package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"economy/internal/actions"
	"economy/internal/apperr"
	"economy/internal/market"
	"economy/internal/models"
	"economy/internal/repository"
	"economy/pkg/crypto"
	"economy/pkg/utils"
)

// ActionConfig - параметры очереди действий
type ActionConfig struct {
	QueueCapacity int
	MinDuration   time.Duration
	MaxRetries    int
	HistoryLimit  int
}

// DefaultActionConfig - 12 действий в очереди, минимум 60s, 3 попытки
func DefaultActionConfig() ActionConfig {
	return ActionConfig{
		QueueCapacity: 12,
		MinDuration:   60 * time.Second,
		MaxRetries:    3,
		HistoryLimit:  500,
	}
}

// SubmitRequest - входные данные submit
type SubmitRequest struct {
	ActorID        int64           `json:"actor_id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// ActionService предоставляет приём действий и запросы к очереди.
//
// Отвечает за:
// - Идемпотентный submit с проверкой ёмкости очереди
// - Мгновенное разрешение действий нулевой длительности
// - Предпросмотр без записи
// - Чтение очереди и истории актора
type ActionService struct {
	store     Store
	registry  *actions.Registry
	engine    *market.Engine
	resolver  *Resolver
	cfg       ActionConfig
	now       func() time.Time
	publisher Publisher
	log       *utils.Logger
}

// NewActionService создает новый экземпляр ActionService.
// Реестр должен быть заморожен.
func NewActionService(store Store, registry *actions.Registry, engine *market.Engine, resolver *Resolver, cfg ActionConfig) *ActionService {
	def := DefaultActionConfig()
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.MinDuration < 0 {
		cfg.MinDuration = 0
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	return &ActionService{
		store:    store,
		registry: registry,
		engine:   engine,
		resolver: resolver,
		cfg:      cfg,
		now:      time.Now,
		log:      utils.L().WithComponent("actions"),
	}
}

// SetPublisher устанавливает получателя событий (websocket hub)
func (s *ActionService) SetPublisher(p Publisher) {
	s.publisher = p
}

// WithClock подменяет источник времени (тесты)
func (s *ActionService) WithClock(now func() time.Time) *ActionService {
	s.now = now
	s.resolver.now = now
	return s
}

func (s *ActionService) publish(events []Event) {
	if s.publisher != nil && len(events) > 0 {
		s.publisher.Publish(events)
	}
}

// ============================================================
// Submit
// ============================================================

// Submit принимает действие актора
//
// Повтор с тем же ключом и тем же (type, payload) возвращает снимок
// исходного действия; с другим - IdempotencyConflict. Ошибки до коммита
// откатывают всё: ни строки действия, ни списаний.
func (s *ActionService) Submit(ctx context.Context, req SubmitRequest) (*models.ActionSnapshot, error) {
	h, err := s.registry.Lookup(req.Type)
	if err != nil {
		return nil, err
	}
	payload, err := h.Validate(req.Payload)
	if err != nil {
		return nil, err
	}

	duration := h.Duration(payload)
	if duration > 0 && duration < s.cfg.MinDuration {
		return nil, apperr.Validation("duration %s is below the minimum %s", duration, s.cfg.MinDuration)
	}
	if err := utils.ValidateIdempotencyKey(req.IdempotencyKey); err != nil {
		return nil, apperr.Validation("%v", err)
	}

	canonical, hash, err := crypto.PayloadFingerprint(payload)
	if err != nil {
		return nil, apperr.Validation("payload cannot be encoded: %v", err)
	}

	// быстрый путь идемпотентности, вне блокировок
	existing, err := s.store.Reader().Actions.GetByIdempotencyKey(ctx, req.ActorID, req.IdempotencyKey)
	switch {
	case err == nil:
		return s.replay(existing, req, hash)
	case !errors.Is(err, models.ErrNotFound):
		return nil, err
	}

	var (
		snap     *models.ActionSnapshot
		events   []Event
		replayed bool
	)
	err = s.store.WithTx(ctx, func(tx *TxStores) error {
		snap, events, replayed = nil, nil, false
		now := s.now()

		state, err := tx.Actors.LockState(ctx, req.ActorID)
		if err != nil {
			return err
		}

		// под блокировкой актора: параллельная отправка с тем же ключом
		// могла закоммититься после быстрого пути
		existing, err := tx.Actions.GetByIdempotencyKey(ctx, req.ActorID, req.IdempotencyKey)
		switch {
		case err == nil:
			replayed = true
			snap, err = s.replay(existing, req, hash)
			return err
		case !errors.Is(err, models.ErrNotFound):
			return err
		}

		active, err := tx.Actions.CountActive(ctx, req.ActorID)
		if err != nil {
			return err
		}
		if active >= s.cfg.QueueCapacity {
			return apperr.QueueLimit(s.cfg.QueueCapacity)
		}

		start, err := s.nextStart(ctx, tx.Actions, req.ActorID, now)
		if err != nil {
			return err
		}

		env := &actions.Env{Now: now, StartsAt: start, State: state, Stores: tx.Market, Market: s.engine}
		if err := h.CheckPreconditions(ctx, env, payload); err != nil {
			return err
		}

		a := &models.Action{
			ActorID:         req.ActorID,
			Type:            req.Type,
			Payload:         canonical,
			PayloadHash:     hash,
			Status:          models.ActionStatusScheduled,
			ScheduledFor:    start,
			DurationSeconds: int64(duration / time.Second),
			IdempotencyKey:  req.IdempotencyKey,
			CreatedAt:       now,
		}
		if duration == 0 {
			a.Status = models.ActionStatusPending
		}
		if err := tx.Actions.Create(ctx, a); err != nil {
			return err
		}
		env.Action = a

		if hook, ok := h.(actions.SubmitHook); ok {
			if err := hook.OnSubmit(ctx, env, payload); err != nil {
				return err
			}
		}

		if duration == 0 {
			out, err := s.resolver.resolve(ctx, tx, a, state, now)
			if err != nil {
				return err
			}
			events = s.resolver.events(a, out, now)
		} else {
			if err := tx.Actors.Save(ctx, state); err != nil {
				return err
			}
			events = []Event{actionEvent(a, now)}
		}

		snap = a.Snapshot()
		return nil
	})

	if errors.Is(err, repository.ErrDuplicateIdempotencyKey) {
		// гонку выиграла параллельная отправка с тем же ключом
		winner, rerr := s.store.Reader().Actions.GetByIdempotencyKey(ctx, req.ActorID, req.IdempotencyKey)
		if rerr != nil {
			return nil, rerr
		}
		return s.replay(winner, req, hash)
	}
	if err != nil {
		return nil, err
	}
	if replayed {
		return snap, nil
	}

	s.publish(events)
	s.log.Debug("action submitted",
		utils.ActorID(req.ActorID),
		utils.ActionID(snap.ActionID),
		utils.ActionType(req.Type),
		utils.Status(snap.Status),
	)
	return snap, nil
}

// replay - ответ на повтор с использованным ключом
func (s *ActionService) replay(existing *models.Action, req SubmitRequest, hash string) (*models.ActionSnapshot, error) {
	if existing.Type != req.Type || existing.PayloadHash != hash {
		return nil, apperr.IdempotencyConflict(req.IdempotencyKey)
	}
	return existing.Snapshot(), nil
}

// nextStart - max(now, конец текущей очереди актора)
func (s *ActionService) nextStart(ctx context.Context, repo ActionRepositoryInterface, actorID int64, now time.Time) (time.Time, error) {
	tail, err := repo.QueueTail(ctx, actorID)
	if err != nil {
		return time.Time{}, err
	}
	if tail == nil {
		return now, nil
	}
	return utils.MaxTime(now, *tail), nil
}

// ============================================================
// Preview
// ============================================================

// Preview - проекция действия без записи
//
// Нарушенные предусловия и заполненная очередь возвращаются как
// предупреждения; ошибкой остаётся только некорректный ввод.
func (s *ActionService) Preview(ctx context.Context, actorID int64, actionType string, raw json.RawMessage) (*models.Projection, error) {
	h, err := s.registry.Lookup(actionType)
	if err != nil {
		return nil, err
	}
	payload, err := h.Validate(raw)
	if err != nil {
		return nil, err
	}
	duration := h.Duration(payload)
	if duration > 0 && duration < s.cfg.MinDuration {
		return nil, apperr.Validation("duration %s is below the minimum %s", duration, s.cfg.MinDuration)
	}

	reader := s.store.Reader()
	now := s.now()

	state, err := reader.Actors.Get(ctx, actorID)
	if err != nil {
		return nil, err
	}
	start, err := s.nextStart(ctx, reader.Actions, actorID, now)
	if err != nil {
		return nil, err
	}

	proj := &models.Projection{
		Type:            actionType,
		StartsAt:        start,
		CompletesAt:     start.Add(duration),
		DurationSeconds: int64(duration / time.Second),
		Warnings:        []string{},
	}

	active, err := reader.Actions.CountActive(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if active >= s.cfg.QueueCapacity {
		proj.Warnings = append(proj.Warnings, apperr.QueueLimit(s.cfg.QueueCapacity).Message)
	}

	env := &actions.Env{Now: now, StartsAt: start, State: state, Stores: reader.Market, Market: s.engine}
	if err := h.CheckPreconditions(ctx, env, payload); err != nil {
		e, ok := apperr.As(err)
		if !ok {
			return nil, err
		}
		proj.Warnings = append(proj.Warnings, e.Message)
	}

	if p, ok := h.(actions.Projector); ok {
		vigor, funds, err := p.Project(ctx, env, payload)
		if err != nil {
			if _, ok := apperr.As(err); !ok && !errors.Is(err, models.ErrNotFound) {
				return nil, err
			}
		} else {
			proj.VigorDelta, proj.FundsDelta = vigor, funds
		}
	}
	return proj, nil
}

// ============================================================
// Чтение
// ============================================================

// GetAction возвращает действие актора; чужое - NotFound
func (s *ActionService) GetAction(ctx context.Context, actorID, actionID int64) (*models.Action, error) {
	a, err := s.store.Reader().Actions.GetByID(ctx, actionID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, apperr.NotFound("action")
		}
		return nil, err
	}
	if a.ActorID != actorID {
		return nil, apperr.NotFound("action")
	}
	return a, nil
}

// ListQueue - нетерминальные действия в порядке scheduled_for
func (s *ActionService) ListQueue(ctx context.Context, actorID int64) ([]*models.Action, error) {
	return s.store.Reader().Actions.ListQueue(ctx, actorID)
}

// ListHistory - завершённые действия, новые первыми
func (s *ActionService) ListHistory(ctx context.Context, actorID int64, status string, limit int) ([]*models.Action, error) {
	switch status {
	case "", models.ActionStatusCompleted, models.ActionStatusFailed:
	default:
		return nil, apperr.Validation("status must be completed or failed")
	}
	if limit <= 0 || limit > s.cfg.HistoryLimit {
		limit = s.cfg.HistoryLimit
	}
	return s.store.Reader().Actions.ListHistory(ctx, actorID, status, limit)
}
