package service

import (
	"context"

	"economy/internal/market"
	"economy/internal/repository"
)

// Проверка соответствия репозиториев интерфейсам на этапе компиляции
var (
	_ ActionRepositoryInterface     = (*repository.ActionRepository)(nil)
	_ ActorRepositoryInterface      = (*repository.ActorRepository)(nil)
	_ InstrumentRepositoryInterface = (*repository.MarketRepository)(nil)
	_ market.OrderStore             = (*repository.OrderRepository)(nil)
	_ market.TradeStore             = (*repository.TradeRepository)(nil)
	_ market.StateStore             = (*repository.MarketRepository)(nil)
	_ market.Ledger                 = (*repository.LedgerRepository)(nil)
	_ market.Inventory              = (*repository.InventoryRepository)(nil)
	_ Store                         = (*SQLStore)(nil)
)

// SQLStore - Store поверх repository.Store (Postgres)
type SQLStore struct {
	store *repository.Store
}

// NewSQLStore оборачивает repository.Store
func NewSQLStore(store *repository.Store) *SQLStore {
	return &SQLStore{store: store}
}

// WithTx выполняет fn в транзакции Postgres
func (s *SQLStore) WithTx(ctx context.Context, fn func(tx *TxStores) error) error {
	return s.store.WithTx(ctx, func(tx *repository.Tx) error {
		return fn(&TxStores{
			Actions: tx.Actions,
			Actors:  tx.Actors,
			Market: market.Stores{
				Orders:    tx.Orders,
				Trades:    tx.Trades,
				States:    tx.Markets,
				Ledger:    tx.Ledger,
				Inventory: tx.Inventory,
			},
		})
	})
}

// Reader - репозитории поверх пула, без транзакции
func (s *SQLStore) Reader() *TxStores {
	return &TxStores{
		Actions: s.store.Actions,
		Actors:  s.store.Actors,
		Market: market.Stores{
			Orders:    s.store.Orders,
			Trades:    s.store.Trades,
			States:    s.store.Markets,
			Ledger:    s.store.Ledger,
			Inventory: s.store.Inventory,
		},
	}
}

// Instruments - справочник инструментов
func (s *SQLStore) Instruments() InstrumentRepositoryInterface {
	return s.store.Markets
}
