package service

import (
	"context"
	"time"

	"economy/internal/apperr"
	"economy/internal/market"
	"economy/internal/models"
	"economy/pkg/utils"
)

// Ограничения выборок
const (
	DefaultBookDepth    = 10
	MaxBookDepth        = 100
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// InstrumentSeed - начальные параметры инструмента
type InstrumentSeed struct {
	Instrument string `yaml:"instrument"`
	BasePrice  int64  `yaml:"base_price"`
	Essential  bool   `yaml:"essential"`
	SpreadBps  int64  `yaml:"spread_bps"`
}

// MarketService - запросы к книге и периодическое обновление маркет-мейкера
type MarketService struct {
	store     Store
	engine    *market.Engine
	now       func() time.Time
	publisher Publisher
	log       *utils.Logger
}

// NewMarketService создает новый экземпляр MarketService
func NewMarketService(store Store, engine *market.Engine) *MarketService {
	return &MarketService{
		store:  store,
		engine: engine,
		now:    time.Now,
		log:    utils.L().WithComponent("maker"),
	}
}

// SetPublisher устанавливает получателя событий
func (s *MarketService) SetPublisher(p Publisher) {
	s.publisher = p
}

func clampLimit(v, def, maxV int) int {
	if v <= 0 {
		return def
	}
	if v > maxV {
		return maxV
	}
	return v
}

// OrderBook - верхние уровни книги инструмента
func (s *MarketService) OrderBook(ctx context.Context, instrument string, depth int) (*models.OrderBook, error) {
	instrument = utils.NormalizeInstrument(instrument)
	return s.engine.Book(ctx, s.store.Reader().Market, instrument, clampLimit(depth, DefaultBookDepth, MaxBookDepth))
}

// TradeHistory - последние сделки и снимки справочной цены
func (s *MarketService) TradeHistory(ctx context.Context, instrument string, limit int) (*models.TradeHistory, error) {
	instrument = utils.NormalizeInstrument(instrument)
	return s.engine.History(ctx, s.store.Reader().Market, instrument, clampLimit(limit, DefaultHistoryLimit, MaxHistoryLimit))
}

// Instruments - список торгуемых инструментов
func (s *MarketService) Instruments(ctx context.Context) ([]string, error) {
	return s.store.Instruments().ListInstruments(ctx)
}

// RefreshInstrument обновляет котировки одного инструмента в своей транзакции
func (s *MarketService) RefreshInstrument(ctx context.Context, instrument string) (*market.RefreshResult, error) {
	var res *market.RefreshResult
	err := s.store.WithTx(ctx, func(tx *TxStores) error {
		var err error
		res, err = s.engine.RefreshInstrument(ctx, tx.Market, instrument)
		return err
	})
	if err != nil {
		return nil, err
	}
	if s.publisher != nil {
		s.publisher.Publish(refreshEvents(res, s.engine.Config(), s.now()))
	}
	return res, nil
}

// RefreshAll обновляет все инструменты по одному; ошибка одного не
// останавливает остальные
func (s *MarketService) RefreshAll(ctx context.Context) ([]*market.RefreshResult, error) {
	instruments, err := s.store.Instruments().ListInstruments(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]*market.RefreshResult, 0, len(instruments))
	for _, inst := range instruments {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		res, err := s.RefreshInstrument(ctx, inst)
		if err != nil {
			s.log.WithInstrument(inst).Error("maker refresh failed", utils.Err(err))
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

// Seed создает инструменты, которых ещё нет. Возвращает число созданных.
func (s *MarketService) Seed(ctx context.Context, seeds []InstrumentSeed) (int, error) {
	created := 0
	now := s.now()
	for _, seed := range seeds {
		inst := utils.NormalizeInstrument(seed.Instrument)
		if err := utils.ValidateInstrument(inst); err != nil {
			return created, apperr.Validation("invalid instrument %q", seed.Instrument)
		}
		if seed.BasePrice <= 0 {
			return created, apperr.Validation("instrument %s: base price must be positive", inst)
		}
		spread := seed.SpreadBps
		if spread <= 0 {
			spread = s.engine.Config().DefaultSpreadBps
		}
		base := s.engine.Config().BaseDemand
		ok, err := s.store.Instruments().Seed(ctx, &models.InstrumentState{
			Instrument:      inst,
			BasePrice:       seed.BasePrice,
			Essential:       seed.Essential,
			Demand:          base,
			Supply:          base,
			ReferencePrice:  seed.BasePrice,
			WindowRefPrice:  seed.BasePrice,
			WindowStartedAt: now,
			SpreadBps:       spread,
			UpdatedAt:       now,
		})
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	return created, nil
}
