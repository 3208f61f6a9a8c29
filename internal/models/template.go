package models

import "time"

// StrategyTemplate представляет сохраненный шаблон арбитражной стратегии
type StrategyTemplate struct {
	ID            string    `json:"id" db:"id"`
	Name          string    `json:"name" db:"name"` // уникальное имя
	Symbol        string    `json:"symbol" db:"symbol"`
	LongExchange  string    `json:"long_exchange" db:"long_exchange"`
	ShortExchange string    `json:"short_exchange" db:"short_exchange"`
	Quantity      *float64  `json:"quantity,omitempty" db:"quantity"` // в базовом активе
	NotionalUSD   *float64  `json:"notional_usd,omitempty" db:"notional_usd"`
	Leverage      *float64  `json:"leverage,omitempty" db:"leverage"`
	HoldHours     *float64  `json:"hold_hours,omitempty" db:"hold_hours"`
	Note          string    `json:"note,omitempty" db:"note"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}
