package service

import (
	"context"
	"time"

	"economy/internal/models"
	"economy/pkg/utils"
)

// IterationStats - счётчики одной итерации планировщика
type IterationStats struct {
	Claimed     int `json:"claimed"`
	Resolved    int `json:"resolved"`
	Failed      int `json:"failed"`
	Rescheduled int `json:"rescheduled"`
	Skipped     int `json:"skipped"`
	Errors      int `json:"errors"`
}

// Scheduler - захват и разрешение готовых действий
//
// RunIteration можно вызывать из любого числа процессов одновременно:
// захват идёт через FOR UPDATE SKIP LOCKED, пачки не пересекаются.
type Scheduler struct {
	store     Store
	resolver  *Resolver
	now       func() time.Time
	publisher Publisher
	log       *utils.Logger
}

// NewScheduler создает планировщик
func NewScheduler(store Store, resolver *Resolver) *Scheduler {
	return &Scheduler{
		store:    store,
		resolver: resolver,
		now:      time.Now,
		log:      utils.L().WithComponent("scheduler"),
	}
}

// SetPublisher устанавливает получателя событий
func (s *Scheduler) SetPublisher(p Publisher) {
	s.publisher = p
}

// WithClock подменяет источник времени (тесты)
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	s.resolver.now = now
	return s
}

// RunIteration захватывает до batchSize готовых действий и разрешает
// каждое в своей транзакции. Ошибка одного действия не прерывает пачку.
func (s *Scheduler) RunIteration(ctx context.Context, batchSize int) (*IterationStats, error) {
	if batchSize <= 0 {
		batchSize = 1
	}
	stats := &IterationStats{}

	var claimed []*models.Action
	err := s.store.WithTx(ctx, func(tx *TxStores) error {
		var err error
		claimed, err = tx.Actions.ClaimDue(ctx, s.now(), batchSize, s.resolver.MaxRetries())
		return err
	})
	if err != nil {
		return stats, err
	}
	stats.Claimed = len(claimed)

	for _, a := range claimed {
		if ctx.Err() != nil {
			// оставшиеся running вернёт RequeueStale
			break
		}

		outcome, events, err := s.resolver.ResolveClaimed(ctx, s.store, a)
		if err != nil {
			stats.Errors++
			s.log.Error("resolution aborted",
				utils.ActionID(a.ID),
				utils.ActionType(a.Type),
				utils.Err(err),
			)
			continue
		}

		switch outcome {
		case OutcomeCompleted:
			stats.Resolved++
		case OutcomeFailed:
			stats.Failed++
		case OutcomeRescheduled:
			stats.Rescheduled++
		case OutcomeSkipped:
			stats.Skipped++
		}
		if s.publisher != nil && len(events) > 0 {
			s.publisher.Publish(events)
		}
	}

	if stats.Claimed > 0 {
		s.log.Info("scheduler iteration",
			utils.Int("claimed", stats.Claimed),
			utils.Int("resolved", stats.Resolved),
			utils.Int("failed", stats.Failed),
			utils.Int("rescheduled", stats.Rescheduled),
			utils.Int("skipped", stats.Skipped),
		)
	}
	return stats, nil
}

// RequeueStale возвращает в очередь действия, зависшие в running дольше
// claimTimeout (воркер упал после захвата)
func (s *Scheduler) RequeueStale(ctx context.Context, claimTimeout time.Duration) (requeued, deadLettered int, err error) {
	now := s.now()
	err = s.store.WithTx(ctx, func(tx *TxStores) error {
		var err error
		requeued, deadLettered, err = tx.Actions.RequeueStale(ctx, now.Add(-claimTimeout), now, s.resolver.MaxRetries())
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	if requeued > 0 || deadLettered > 0 {
		s.log.Warn("stale claims recovered",
			utils.Int("requeued", requeued),
			utils.Int("dead_lettered", deadLettered),
		)
	}
	return requeued, deadLettered, nil
}
