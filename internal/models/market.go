package models

import (
	"time"

	"economy/pkg/utils"
)

// InstrumentState - рыночное состояние инструмента (одна строка на инструмент)
//
// Меняется только движком справочной цены и маркет-мейкером под
// эксклюзивной блокировкой строки.
type InstrumentState struct {
	Instrument         string     `json:"instrument" db:"instrument"`
	BasePrice          int64      `json:"base_price" db:"base_price"`
	Essential          bool       `json:"essential" db:"essential"`
	Demand             float64    `json:"demand" db:"demand"`
	Supply             float64    `json:"supply" db:"supply"`
	ReferencePrice     int64      `json:"reference_price" db:"reference_price"`
	WindowRefPrice     int64      `json:"window_ref_price" db:"window_ref_price"`
	WindowStartedAt    time.Time  `json:"window_started_at" db:"window_started_at"`
	HaltUntil          *time.Time `json:"halt_until,omitempty" db:"halt_until"`
	SpreadBps          int64      `json:"spread_bps" db:"spread_bps"`
	WidenedSpreadUntil *time.Time `json:"widened_spread_until,omitempty" db:"widened_spread_until"`
	LastMakerRefresh   *time.Time `json:"last_maker_refresh,omitempty" db:"last_maker_refresh"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

// HaltedAt возвращает true если торги остановлены в момент now
func (s *InstrumentState) HaltedAt(now time.Time) bool {
	return utils.Active(s.HaltUntil, now)
}

// SpreadWidenedAt возвращает true в окне расширенного спреда после остановки
func (s *InstrumentState) SpreadWidenedAt(now time.Time) bool {
	return utils.Active(s.WidenedSpreadUntil, now)
}

// PriceSnapshot - точка истории справочной цены
type PriceSnapshot struct {
	ID             int64     `json:"id" db:"id"`
	Instrument     string    `json:"instrument" db:"instrument"`
	ReferencePrice int64     `json:"reference_price" db:"reference_price"`
	Demand         float64   `json:"demand" db:"demand"`
	Supply         float64   `json:"supply" db:"supply"`
	Source         string    `json:"source" db:"source"` // fill, maker
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Источники снимков цены
const (
	SnapshotSourceFill  = "fill"
	SnapshotSourceMaker = "maker"
)

// OrderBook - представление книги для чтения
type OrderBook struct {
	Instrument     string       `json:"instrument"`
	ReferencePrice int64        `json:"reference_price"`
	Halted         bool         `json:"halted"`
	HaltUntil      *time.Time   `json:"halt_until,omitempty"`
	Bids           []PriceLevel `json:"bids"`
	Asks           []PriceLevel `json:"asks"`
}

// TradeHistory - последние сделки и снимки цены
type TradeHistory struct {
	Instrument string           `json:"instrument"`
	Trades     []*Trade         `json:"trades"`
	Snapshots  []*PriceSnapshot `json:"snapshots"`
}
