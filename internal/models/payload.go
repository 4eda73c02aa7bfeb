package models

// Теги типов действий
const (
	ActionTypePlaceOrder  = "market.place_order"
	ActionTypeCancelOrder = "market.cancel_order"
	ActionTypeDayTrade    = "market.day_trade"
	ActionTypeWork        = "labor.work"
	ActionTypeRest        = "labor.rest"
)

// Payload - провалидированные данные действия
//
// Каждый тег действия имеет свой вариант; обработчик приводит Payload
// к своему конкретному типу.
type Payload interface {
	ActionType() string
}

// PlaceOrderPayload - выставление ордера
type PlaceOrderPayload struct {
	Instrument string    `json:"instrument"`
	Side       Side      `json:"side"`
	Kind       OrderKind `json:"kind"`
	Price      *int64    `json:"price,omitempty"`
	Quantity   int64     `json:"quantity"`
}

func (PlaceOrderPayload) ActionType() string { return ActionTypePlaceOrder }

// CancelOrderPayload - отмена ордера
type CancelOrderPayload struct {
	OrderID int64 `json:"order_id"`
}

func (CancelOrderPayload) ActionType() string { return ActionTypeCancelOrder }

// DayTradePayload - торговая сессия
type DayTradePayload struct {
	Instrument string `json:"instrument"`
}

func (DayTradePayload) ActionType() string { return ActionTypeDayTrade }

// WorkPayload - смена работы
type WorkPayload struct {
	Hours int `json:"hours"`
}

func (WorkPayload) ActionType() string { return ActionTypeWork }

// RestPayload - отдых
type RestPayload struct {
	Hours int `json:"hours"`
}

func (RestPayload) ActionType() string { return ActionTypeRest }
