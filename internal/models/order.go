package models

import "time"

// Order представляет ордер одной ноги на конкретной бирже
type Order struct {
	ID              string    `json:"id" db:"id"`
	PositionID      *string   `json:"position_id,omitempty" db:"position_id"`
	Action          string    `json:"action" db:"action"` // open, close, hedge, rollback
	Status          string    `json:"status" db:"status"` // ok, failed, pending
	Exchange        string    `json:"exchange" db:"exchange"`
	Symbol          string    `json:"symbol" db:"symbol"`
	Side            string    `json:"side" db:"side"`         // buy, sell
	Quantity        float64   `json:"quantity" db:"quantity"` // в базовом активе
	FilledQty       *float64  `json:"filled_qty,omitempty" db:"filled_qty"`
	AvgPrice        *float64  `json:"avg_price,omitempty" db:"avg_price"`
	ExchangeOrderID *string   `json:"exchange_order_id,omitempty" db:"exchange_order_id"`
	Note            string    `json:"note,omitempty" db:"note"`
	Extra           JSONMap   `json:"extra,omitempty" db:"extra"` // сырой ответ биржи, диагностика
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// Действия ордера
const (
	OrderActionOpen     = "open"
	OrderActionClose    = "close"
	OrderActionHedge    = "hedge"
	OrderActionRollback = "rollback"
)

// Статусы ордера
const (
	OrderStatusOK      = "ok"
	OrderStatusFailed  = "failed"
	OrderStatusPending = "pending"
)

// Стороны ордера
const (
	OrderSideBuy  = "buy"
	OrderSideSell = "sell"
)
