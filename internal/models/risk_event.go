package models

import "time"

// RiskEvent представляет запись журнала рисков (только добавление)
type RiskEvent struct {
	ID         string     `json:"id" db:"id"`
	EventType  string     `json:"event_type" db:"event_type"`
	Severity   string     `json:"severity" db:"severity"` // info, warning, high, critical
	Message    string     `json:"message" db:"message"`
	Context    JSONMap    `json:"context,omitempty" db:"context"`
	Resolved   bool       `json:"resolved" db:"resolved"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Уровни серьезности событий
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Типы событий риска
const (
	RiskOpenFirstLegFailed      = "open_first_leg_failed"
	RiskOpenSecondLegRolledBack = "open_second_leg_failed_rolled_back"
	RiskRollbackFailed          = "rollback_failed"
	RiskOpenSecondLegUnresolved = "open_second_leg_unresolved"
	RiskCloseFirstLegFailed     = "close_first_leg_failed"
	RiskCloseSecondLegFailed    = "close_second_leg_failed"
	RiskHedgeExecuted           = "hedge_executed"
	RiskHedgeFailed             = "hedge_failed"
	RiskOrderTimeoutReconcile   = "order_timeout_reconcile"
	RiskEmergencyCloseFailed    = "emergency_close_failed"
)
