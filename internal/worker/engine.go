package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"economy/internal/market"
	"economy/internal/service"
	"economy/pkg/utils"
)

// Config - параметры фоновых циклов
type Config struct {
	PollInterval  time.Duration // период опроса готовых действий
	BatchSize     int           // действий за один захват
	Loops         int           // параллельных циклов планировщика
	ClaimTimeout  time.Duration // после этого running считается брошенным
	ReapInterval  time.Duration
	MakerInterval time.Duration // 0 = мейкер выключен
}

// DefaultConfig возвращает параметры по умолчанию
func DefaultConfig() Config {
	return Config{
		PollInterval:  time.Second,
		BatchSize:     50,
		Loops:         2,
		ClaimTimeout:  5 * time.Minute,
		ReapInterval:  time.Minute,
		MakerInterval: 30 * time.Second,
	}
}

// Maker - периодическое обновление котировок (service.MarketService)
type Maker interface {
	RefreshAll(ctx context.Context) ([]*market.RefreshResult, error)
}

// Engine - фоновые циклы планировщика, маркет-мейкера и сборщика
// брошенных захватов
//
// Циклы планировщика можно запускать в нескольких процессах одновременно:
// пачки не пересекаются благодаря SKIP LOCKED. Итерация, заставшая полную
// пачку, сразу повторяется, пока очередь готовых действий не опустеет.
type Engine struct {
	cfg       Config
	scheduler service.SchedulerInterface
	maker     Maker
	log       *utils.Logger

	iterations int64
	running    int32
}

// NewEngine создает Engine. maker может быть nil.
func NewEngine(cfg Config, scheduler service.SchedulerInterface, maker Maker) *Engine {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Loops <= 0 {
		cfg.Loops = 1
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = def.ClaimTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = def.ReapInterval
	}
	return &Engine{
		cfg:       cfg,
		scheduler: scheduler,
		maker:     maker,
		log:       utils.L().WithComponent("worker"),
	}
}

// Run запускает циклы и блокируется до отмены ctx.
// Возвращает ctx.Err() после остановки всех циклов.
func (e *Engine) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&e.running, 0, 1) {
		return nil
	}

	var wg sync.WaitGroup
	start := func(name string, loop func(ctx context.Context)) {
		wg.Add(1)
		ActiveLoops.WithLabelValues(name).Inc()
		go func() {
			defer wg.Done()
			defer ActiveLoops.WithLabelValues(name).Dec()
			loop(ctx)
		}()
	}

	for i := 0; i < e.cfg.Loops; i++ {
		start("scheduler", e.schedulerLoop)
	}
	start("reaper", e.reaperLoop)
	if e.maker != nil && e.cfg.MakerInterval > 0 {
		start("maker", e.makerLoop)
	}

	e.log.Info("worker started",
		utils.Int("scheduler_loops", e.cfg.Loops),
		utils.Int("batch_size", e.cfg.BatchSize),
		utils.Dur("poll_interval", e.cfg.PollInterval),
		utils.Bool("maker", e.maker != nil && e.cfg.MakerInterval > 0),
	)

	<-ctx.Done()
	wg.Wait()
	e.log.Info("worker stopped", utils.Int64("iterations", e.Iterations()))
	return ctx.Err()
}

// Iterations - число выполненных итераций планировщика
func (e *Engine) Iterations() int64 {
	return atomic.LoadInt64(&e.iterations)
}

// ============================================================
// Планировщик
// ============================================================

func (e *Engine) schedulerLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.DrainDue(ctx)
		}
	}
}

// DrainDue выполняет итерации, пока захват возвращает полную пачку.
// Возвращает суммарную статистику.
func (e *Engine) DrainDue(ctx context.Context) *service.IterationStats {
	total := &service.IterationStats{}
	for ctx.Err() == nil {
		stats, err := e.RunOnce(ctx)
		if err != nil {
			return total
		}
		total.Claimed += stats.Claimed
		total.Resolved += stats.Resolved
		total.Failed += stats.Failed
		total.Rescheduled += stats.Rescheduled
		total.Skipped += stats.Skipped
		total.Errors += stats.Errors
		if stats.Claimed < e.cfg.BatchSize {
			return total
		}
	}
	return total
}

// RunOnce - одна итерация планировщика с метриками
func (e *Engine) RunOnce(ctx context.Context) (*service.IterationStats, error) {
	started := time.Now()
	stats, err := e.scheduler.RunIteration(ctx, e.cfg.BatchSize)
	atomic.AddInt64(&e.iterations, 1)
	RecordIteration(stats, utils.MsSince(started), err)
	if err != nil && ctx.Err() == nil {
		e.log.Error("scheduler iteration failed", utils.Err(err))
	}
	return stats, err
}

// ============================================================
// Брошенные захваты
// ============================================================

func (e *Engine) reaperLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.ReapStale(ctx)
		}
	}
}

// ReapStale возвращает в очередь действия с истёкшим захватом
func (e *Engine) ReapStale(ctx context.Context) {
	requeued, dead, err := e.scheduler.RequeueStale(ctx, e.cfg.ClaimTimeout)
	if err != nil {
		if ctx.Err() == nil {
			e.log.Error("stale claim recovery failed", utils.Err(err))
		}
		return
	}
	RecordStale(requeued, dead)
}

// ============================================================
// Маркет-мейкер
// ============================================================

func (e *Engine) makerLoop(ctx context.Context) {
	// первые котировки сразу при старте
	e.RefreshMaker(ctx)

	ticker := time.NewTicker(e.cfg.MakerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RefreshMaker(ctx)
		}
	}
}

// RefreshMaker обновляет котировки всех инструментов
func (e *Engine) RefreshMaker(ctx context.Context) {
	results, err := e.maker.RefreshAll(ctx)
	for _, res := range results {
		RecordRefresh(res)
		if res.HaltTriggered {
			e.log.Warn("circuit breaker tripped",
				utils.Instrument(res.Instrument),
				utils.Price(res.ReferencePrice),
			)
		}
	}
	if err != nil {
		RecordRefreshError()
		if ctx.Err() == nil {
			e.log.Error("maker refresh failed", utils.Err(err))
		}
	}
}
