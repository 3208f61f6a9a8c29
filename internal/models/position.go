package models

import "time"

// Position представляет парную позицию long/short на двух биржах
type Position struct {
	ID              string     `json:"id" db:"id"`
	Symbol          string     `json:"symbol" db:"symbol"` // BTCUSDT
	LongExchange    string     `json:"long_exchange" db:"long_exchange"`
	ShortExchange   string     `json:"short_exchange" db:"short_exchange"`
	LongQty         float64    `json:"long_qty" db:"long_qty"`   // в базовом активе
	ShortQty        float64    `json:"short_qty" db:"short_qty"` // в базовом активе
	Leverage        float64    `json:"leverage" db:"leverage"`
	Status          string     `json:"status" db:"status"`
	EntrySpreadRate *float64   `json:"entry_spread_rate" db:"entry_spread_rate"` // годовой номинальный спред на входе
	Extra           JSONMap    `json:"extra,omitempty" db:"extra"`               // данные сверки после сделки
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
	ClosedAt        *time.Time `json:"closed_at,omitempty" db:"closed_at"`
}

// Статусы позиции
const (
	PositionStatusOpening     = "opening"
	PositionStatusOpen        = "open"
	PositionStatusClosed      = "closed"
	PositionStatusRiskExposed = "risk_exposed"
	PositionStatusOpenFailed  = "open_failed"
	PositionStatusCloseFailed = "close_failed"
)
