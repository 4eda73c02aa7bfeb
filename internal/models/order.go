package models

import "time"

// Side - сторона ордера
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite возвращает противоположную сторону
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid проверяет значение стороны
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderKind - тип ордера
type OrderKind string

const (
	KindLimit  OrderKind = "limit"
	KindMarket OrderKind = "market"
)

func (k OrderKind) Valid() bool {
	return k == KindLimit || k == KindMarket
}

// Статусы ордера
const (
	OrderStatusOpen      = "open"
	OrderStatusPartial   = "partial"
	OrderStatusFilled    = "filled"
	OrderStatusCancelled = "cancelled"
)

// Order - ордер в книге инструмента
//
// ActorID == nil означает синтетического маркет-мейкера.
// Инвариант: 0 <= QtyOpen <= QtyInitial.
type Order struct {
	ID         int64     `json:"id" db:"id"`
	ActorID    *int64    `json:"actor_id,omitempty" db:"actor_id"`
	Synthetic  bool      `json:"synthetic" db:"synthetic"`
	Instrument string    `json:"instrument" db:"instrument"`
	Side       Side      `json:"side" db:"side"`
	Kind       OrderKind `json:"kind" db:"kind"`
	Price      *int64    `json:"price,omitempty" db:"price"`
	QtyOpen    int64     `json:"qty_open" db:"qty_open"`
	QtyInitial int64     `json:"qty_initial" db:"qty_initial"`
	Status     string    `json:"status" db:"status"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// IsTerminal возвращает true для filled/cancelled
func (o *Order) IsTerminal() bool {
	return o.Status == OrderStatusFilled || o.Status == OrderStatusCancelled
}

// OwnedBy проверяет принадлежность ордера актору
func (o *Order) OwnedBy(actorID int64) bool {
	return o.ActorID != nil && *o.ActorID == actorID
}

// Account возвращает счёт владельца (казна для синтетических ордеров)
func (o *Order) Account() int64 {
	if o.ActorID == nil {
		return TreasuryAccountID
	}
	return *o.ActorID
}

// ApplyFill уменьшает открытое количество и пересчитывает статус
func (o *Order) ApplyFill(qty int64) {
	o.QtyOpen -= qty
	if o.QtyOpen <= 0 {
		o.QtyOpen = 0
		o.Status = OrderStatusFilled
	} else {
		o.Status = OrderStatusPartial
	}
}

// Filled - исполненное количество
func (o *Order) Filled() int64 {
	return o.QtyInitial - o.QtyOpen
}

// Trade - сделка (только добавление)
//
// Price всегда равна цене покоящегося ордера (мейкера).
type Trade struct {
	ID          int64     `json:"id" db:"id"`
	Instrument  string    `json:"instrument" db:"instrument"`
	BuyOrderID  int64     `json:"buy_order_id" db:"buy_order_id"`
	SellOrderID int64     `json:"sell_order_id" db:"sell_order_id"`
	Price       int64     `json:"price" db:"price"`
	Quantity    int64     `json:"quantity" db:"quantity"`
	Fee         int64     `json:"fee" db:"fee"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Value - стоимость сделки
func (t *Trade) Value() int64 {
	return t.Price * t.Quantity
}

// PriceLevel - агрегированный уровень книги
type PriceLevel struct {
	Price    int64 `json:"price"`
	Quantity int64 `json:"quantity"`
	Orders   int   `json:"orders"`
}
