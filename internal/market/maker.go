package market

import (
	"context"

	"economy/internal/models"
	"economy/pkg/utils"
)

// RefreshResult - итог обновления котировок маркет-мейкера
type RefreshResult struct {
	Instrument     string `json:"instrument"`
	ReferencePrice int64  `json:"reference_price"`
	Bid            int64  `json:"bid"`
	Ask            int64  `json:"ask"`
	Cancelled      int    `json:"cancelled"`
	HaltTriggered  bool   `json:"halt_triggered"`
	Widened        bool   `json:"widened"`
}

// RefreshInstrument пересчитывает спрос/предложение и справочную цену,
// снимает старые котировки маркет-мейкера и выставляет новые bid/ask.
//
// Вызывающий держит транзакцию: строка инструмента блокируется здесь и
// остаётся заблокированной до коммита. Новые котировки не сопоставляются
// с книгой; их исполнит следующий тейкер.
func (e *Engine) RefreshInstrument(ctx context.Context, s Stores, instrument string) (*RefreshResult, error) {
	st, err := s.States.GetForUpdate(ctx, instrument)
	if err != nil {
		return nil, err
	}
	now := e.now()

	st.Demand, st.Supply = e.cfg.DemandSupply(st)
	newRef := e.cfg.NextReferencePrice(st.ReferencePrice, st.Demand, st.Supply)
	tripped := e.cfg.ApplyReference(st, newRef, now)

	stale, err := s.Orders.ListSyntheticOpen(ctx, instrument)
	if err != nil {
		return nil, err
	}
	for _, o := range stale {
		o.Status = models.OrderStatusCancelled
		if err := s.Orders.UpdateFill(ctx, o); err != nil {
			return nil, err
		}
	}

	widened := st.SpreadWidenedAt(now)
	bid, ask := e.cfg.Quotes(newRef, st.SpreadBps, widened)

	for _, q := range []struct {
		side  models.Side
		price int64
	}{
		{models.SideBuy, bid},
		{models.SideSell, ask},
	} {
		price := q.price
		o := &models.Order{
			Synthetic:  true,
			Instrument: instrument,
			Side:       q.side,
			Kind:       models.KindLimit,
			Price:      &price,
			QtyOpen:    e.cfg.MakerQuantity,
			QtyInitial: e.cfg.MakerQuantity,
			Status:     models.OrderStatusOpen,
			CreatedAt:  now,
		}
		if err := s.Orders.Create(ctx, o); err != nil {
			return nil, err
		}
	}

	st.LastMakerRefresh = &now
	if err := s.States.Save(ctx, st); err != nil {
		return nil, err
	}
	if err := s.States.RecordSnapshot(ctx, &models.PriceSnapshot{
		Instrument:     instrument,
		ReferencePrice: newRef,
		Demand:         st.Demand,
		Supply:         st.Supply,
		Source:         models.SnapshotSourceMaker,
		CreatedAt:      now,
	}); err != nil {
		return nil, err
	}

	e.log.Debug("maker refreshed",
		utils.Instrument(instrument),
		utils.Price(newRef),
		utils.Int64("bid", bid),
		utils.Int64("ask", ask),
		utils.Bool("widened", widened),
	)

	return &RefreshResult{
		Instrument:     instrument,
		ReferencePrice: newRef,
		Bid:            bid,
		Ask:            ask,
		Cancelled:      len(stale),
		HaltTriggered:  tripped,
		Widened:        widened,
	}, nil
}
