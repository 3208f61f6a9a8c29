package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// Схема приложения. Каждый стейтмент идемпотентен, Migrate можно
// выполнять при каждом старте.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS positions (
		id                TEXT PRIMARY KEY,
		symbol            TEXT NOT NULL,
		long_exchange     TEXT NOT NULL,
		short_exchange    TEXT NOT NULL,
		long_qty          DOUBLE PRECISION NOT NULL,
		short_qty         DOUBLE PRECISION NOT NULL,
		leverage          DOUBLE PRECISION NOT NULL DEFAULT 1,
		status            TEXT NOT NULL DEFAULT 'opening',
		entry_spread_rate DOUBLE PRECISION,
		extra             JSONB,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		closed_at         TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions (symbol)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions (status)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_created_at ON positions (created_at)`,

	`CREATE TABLE IF NOT EXISTS orders (
		id                TEXT PRIMARY KEY,
		position_id       TEXT REFERENCES positions (id),
		action            TEXT NOT NULL,
		status            TEXT NOT NULL,
		exchange          TEXT NOT NULL,
		symbol            TEXT NOT NULL,
		side              TEXT NOT NULL,
		quantity          DOUBLE PRECISION NOT NULL,
		filled_qty        DOUBLE PRECISION,
		avg_price         DOUBLE PRECISION,
		exchange_order_id TEXT,
		note              TEXT NOT NULL DEFAULT '',
		extra             JSONB,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_position_id ON orders (position_id)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_action ON orders (action)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_exchange ON orders (exchange)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_created_at ON orders (created_at)`,

	`CREATE TABLE IF NOT EXISTS risk_events (
		id          TEXT PRIMARY KEY,
		event_type  TEXT NOT NULL,
		severity    TEXT NOT NULL,
		message     TEXT NOT NULL,
		context     JSONB,
		resolved    BOOLEAN NOT NULL DEFAULT FALSE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		resolved_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_risk_events_event_type ON risk_events (event_type)`,
	`CREATE INDEX IF NOT EXISTS idx_risk_events_severity ON risk_events (severity)`,
	`CREATE INDEX IF NOT EXISTS idx_risk_events_resolved ON risk_events (resolved)`,
	`CREATE INDEX IF NOT EXISTS idx_risk_events_created_at ON risk_events (created_at)`,

	`CREATE TABLE IF NOT EXISTS strategy_templates (
		id             TEXT PRIMARY KEY,
		name           TEXT NOT NULL UNIQUE,
		symbol         TEXT NOT NULL,
		long_exchange  TEXT NOT NULL,
		short_exchange TEXT NOT NULL,
		quantity       DOUBLE PRECISION,
		notional_usd   DOUBLE PRECISION,
		leverage       DOUBLE PRECISION,
		hold_hours     DOUBLE PRECISION,
		note           TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_strategy_templates_updated_at ON strategy_templates (updated_at)`,

	`CREATE TABLE IF NOT EXISTS exchange_credentials (
		exchange   TEXT PRIMARY KEY,
		ciphertext TEXT NOT NULL,
		testnet    BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate создает таблицы и индексы приложения, если их еще нет.
// Вызывается при старте сервера после успешного ping БД.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema migration failed: %w", err)
		}
	}
	return nil
}

// normalizeLimit приводит лимит выборки к допустимому диапазону:
// неположительный лимит заменяется дефолтом, избыточный срезается до потолка
func normalizeLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
