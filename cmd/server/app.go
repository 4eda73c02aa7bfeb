package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"economy/internal/actions"
	"economy/internal/config"
	"economy/internal/market"
	"economy/internal/repository"
	"economy/internal/service"
	"economy/internal/websocket"
	"economy/internal/worker"
	"economy/pkg/retry"
	"economy/pkg/utils"
)

// app - собранные компоненты процесса
type app struct {
	cfg *config.Config
	db  *sql.DB
	log *utils.Logger

	store     *service.SQLStore
	engine    *market.Engine
	actions   *service.ActionService
	market    *service.MarketService
	scheduler *service.Scheduler
	hub       *websocket.Hub
}

// newApp открывает БД и собирает сервисы.
// События идут в hub через счётчики метрик.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log := utils.InitGlobalLogger(cfg.LogConfig())

	db, err := initDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	log.Info("connected to database", utils.String("dsn", cfg.Database.DSNWithoutPassword()))

	store := service.NewSQLStore(repository.NewStore(db, repository.Options{}))
	engine := market.NewEngine(cfg.MarketEngineConfig())
	registry := actions.NewDefaultRegistry(cfg.Actions.Costs)
	resolver := service.NewResolver(registry, engine, cfg.Actions.MaxRetries)

	hub := websocket.NewHub()
	hub.SetAllowedOrigins(cfg.Server.AllowedOrigins)
	publisher := worker.InstrumentedPublisher{Next: hub}

	a := &app{
		cfg:       cfg,
		db:        db,
		log:       log,
		store:     store,
		engine:    engine,
		actions:   service.NewActionService(store, registry, engine, resolver, cfg.ActionConfig()),
		market:    service.NewMarketService(store, engine),
		scheduler: service.NewScheduler(store, resolver),
		hub:       hub,
	}
	a.actions.SetPublisher(publisher)
	a.market.SetPublisher(publisher)
	a.scheduler.SetPublisher(publisher)
	return a, nil
}

// worker - фоновые циклы планировщика и маркет-мейкера
func (a *app) worker() *worker.Engine {
	return worker.NewEngine(a.cfg.WorkerConfig(), a.scheduler, a.market)
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.log.Warn("database close failed", utils.Err(err))
	}
	a.log.Sync()
}

// initDatabase создает подключение к базе данных
func initDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	// база может подниматься одновременно с процессом
	cfgRetry := retry.DefaultConfig()
	cfgRetry.RetryIf = retry.RetryIfNotContext
	cfgRetry.OnRetry = func(attempt int, err error, delay time.Duration) {
		utils.L().Warn("database not ready, retrying",
			utils.Int("attempt", attempt), utils.Dur("delay", delay), utils.Err(err))
	}
	err = retry.Do(ctx, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	}, cfgRetry)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}
