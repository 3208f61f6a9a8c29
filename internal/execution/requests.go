package execution

import (
	"strings"
	"time"

	"fundingarb/internal/exchange"
	"fundingarb/internal/models"
	"fundingarb/pkg/fault"
)

// Значения по умолчанию для предварительной оценки
const (
	defaultHoldHours   = 8.0
	defaultTakerFeeBps = 6.0
)

// PreviewRequest - параметры оценки доходности до открытия.
// HoldHours и TakerFeeBps - указатели, чтобы отличать "не задано"
// от явного нуля (нулевая комиссия допустима).
type PreviewRequest struct {
	Symbol        string   `json:"symbol"`
	LongExchange  string   `json:"long_exchange"`
	ShortExchange string   `json:"short_exchange"`
	NotionalUSD   float64  `json:"notional_usd"`
	HoldHours     *float64 `json:"hold_hours,omitempty"`
	TakerFeeBps   *float64 `json:"taker_fee_bps,omitempty"`
}

// PreviewReport - проекция PnL без побочных эффектов
type PreviewReport struct {
	Symbol              string         `json:"symbol"`
	LongExchange        string         `json:"long_exchange"`
	ShortExchange       string         `json:"short_exchange"`
	SpreadRate1yNominal *float64       `json:"spread_rate_1y_nominal"`
	ExpectedPnlUSD      *float64       `json:"expected_pnl_usd"`
	EstimatedFeeUSD     float64        `json:"estimated_fee_usd"`
	HoldHours           float64        `json:"hold_hours"`
	Details             models.JSONMap `json:"details"`
}

// CredentialInput - инлайн ключи из тела запроса. Отдельный от
// models.Credential тип: плоские поля того намеренно закрыты от JSON.
type CredentialInput struct {
	APIKey     string `json:"api_key"`
	APISecret  string `json:"api_secret"`
	Passphrase string `json:"passphrase,omitempty"`
	Testnet    bool   `json:"testnet,omitempty"`
}

// OpenRequest - заявка на открытие парной позиции.
// Quantity в базовом активе, одинаковое на обе ноги.
type OpenRequest struct {
	Symbol        string                     `json:"symbol"`
	LongExchange  string                     `json:"long_exchange"`
	ShortExchange string                     `json:"short_exchange"`
	Quantity      float64                    `json:"quantity"`
	Leverage      float64                    `json:"leverage"`
	Credentials   map[string]CredentialInput `json:"credentials,omitempty"`
	Note          string                     `json:"note,omitempty"`
}

// CloseRequest - заявка на закрытие. Либо по position_id,
// либо явным описанием ног для позиций вне журнала.
type CloseRequest struct {
	PositionID    string                     `json:"position_id,omitempty"`
	Symbol        string                     `json:"symbol,omitempty"`
	LongExchange  string                     `json:"long_exchange,omitempty"`
	ShortExchange string                     `json:"short_exchange,omitempty"`
	LongQuantity  float64                    `json:"long_quantity,omitempty"`
	ShortQuantity float64                    `json:"short_quantity,omitempty"`
	Credentials   map[string]CredentialInput `json:"credentials,omitempty"`
	Note          string                     `json:"note,omitempty"`
}

// HedgeRequest - одиночный аварийный ордер на одной бирже
type HedgeRequest struct {
	Symbol      string                     `json:"symbol"`
	Exchange    string                     `json:"exchange"`
	Side        string                     `json:"side"`
	Quantity    float64                    `json:"quantity"`
	Leverage    float64                    `json:"leverage,omitempty"`
	Credentials map[string]CredentialInput `json:"credentials,omitempty"`
	Reason      string                     `json:"reason,omitempty"`
}

// EmergencyCloseRequest - аварийное закрытие всех или выбранных позиций
type EmergencyCloseRequest struct {
	PositionIDs []string                   `json:"position_ids,omitempty"`
	Credentials map[string]CredentialInput `json:"credentials,omitempty"`
}

// ConvertRequest - пересчет номинала USD в количество базового актива
type ConvertRequest struct {
	Symbol      string  `json:"symbol"`
	NotionalUSD float64 `json:"notional_usd"`
}

// ConvertReport - результат пересчета по оракулу binance
type ConvertReport struct {
	Symbol      string    `json:"symbol"`
	Exchange    string    `json:"exchange"`
	NotionalUSD float64   `json:"notional_usd"`
	MarkPrice   float64   `json:"mark_price"`
	Quantity    float64   `json:"quantity"`
	Timestamp   time.Time `json:"timestamp"`
}

// LegResult - итог одной ноги. Quantity и FilledQty в базовом активе.
type LegResult struct {
	Exchange  string         `json:"exchange"`
	Symbol    string         `json:"symbol"`
	Side      string         `json:"side"`
	Quantity  float64        `json:"quantity"`
	Status    string         `json:"status"` // ok, failed, pending
	OrderID   *string        `json:"order_id,omitempty"`
	FilledQty *float64       `json:"filled_qty,omitempty"`
	AvgPrice  *float64       `json:"avg_price,omitempty"`
	Message   string         `json:"message,omitempty"`
	Raw       models.JSONMap `json:"raw,omitempty"`
}

// Report - единый ответ торговых операций
type Report struct {
	Success     bool        `json:"success"`
	Action      string      `json:"action"`
	PositionID  *string     `json:"position_id,omitempty"`
	Legs        []LegResult `json:"legs"`
	RiskEventID *string     `json:"risk_event_id,omitempty"`
	Message     string      `json:"message"`
	Timestamp   time.Time   `json:"timestamp"`
}

// normalizeSymbol приводит символ к каноническому BASEUSDT
func normalizeSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return "", fault.New(fault.KindValidation, "symbol is required")
	}
	if !strings.HasSuffix(s, "USDT") || s == "USDT" {
		return "", fault.Newf(fault.KindValidation, "unsupported symbol %s: only USDT perpetuals are traded", s)
	}
	return s, nil
}

// validatePair проверяет пару бирж long/short
func validatePair(longExchange, shortExchange string) error {
	if !exchange.IsSupported(longExchange) {
		return fault.Newf(fault.KindValidation, "unsupported long exchange: %s", longExchange)
	}
	if !exchange.IsSupported(shortExchange) {
		return fault.Newf(fault.KindValidation, "unsupported short exchange: %s", shortExchange)
	}
	if longExchange == shortExchange {
		return fault.New(fault.KindValidation, "long and short exchanges must differ")
	}
	return nil
}

func (r *PreviewRequest) normalize() error {
	symbol, err := normalizeSymbol(r.Symbol)
	if err != nil {
		return err
	}
	r.Symbol = symbol
	if err := validatePair(r.LongExchange, r.ShortExchange); err != nil {
		return err
	}
	if r.NotionalUSD <= 0 {
		return fault.New(fault.KindValidation, "notional_usd must be positive")
	}
	if r.HoldHours != nil && *r.HoldHours <= 0 {
		return fault.New(fault.KindValidation, "hold_hours must be positive")
	}
	if r.TakerFeeBps != nil && *r.TakerFeeBps < 0 {
		return fault.New(fault.KindValidation, "taker_fee_bps must not be negative")
	}
	return nil
}

func (r *PreviewRequest) holdHours() float64 {
	if r.HoldHours == nil {
		return defaultHoldHours
	}
	return *r.HoldHours
}

func (r *PreviewRequest) takerFeeBps() float64 {
	if r.TakerFeeBps == nil {
		return defaultTakerFeeBps
	}
	return *r.TakerFeeBps
}

func (r *OpenRequest) normalize() error {
	symbol, err := normalizeSymbol(r.Symbol)
	if err != nil {
		return err
	}
	r.Symbol = symbol
	if err := validatePair(r.LongExchange, r.ShortExchange); err != nil {
		return err
	}
	if r.Quantity <= 0 {
		return fault.New(fault.KindValidation, "quantity must be positive")
	}
	if r.Leverage <= 0 {
		return fault.New(fault.KindValidation, "leverage must be positive")
	}
	return nil
}

// normalize проверяет заявку на закрытие. Без position_id обязательны
// symbol, обе биржи и количества обеих ног.
func (r *CloseRequest) normalize() error {
	if r.PositionID != "" {
		return nil
	}
	symbol, err := normalizeSymbol(r.Symbol)
	if err != nil {
		return fault.New(fault.KindValidation,
			"either position_id or symbol/long_exchange/short_exchange/long_quantity/short_quantity must be provided")
	}
	r.Symbol = symbol
	if err := validatePair(r.LongExchange, r.ShortExchange); err != nil {
		return err
	}
	if r.LongQuantity <= 0 || r.ShortQuantity <= 0 {
		return fault.New(fault.KindValidation, "long_quantity and short_quantity must be positive")
	}
	return nil
}

func (r *HedgeRequest) normalize() error {
	symbol, err := normalizeSymbol(r.Symbol)
	if err != nil {
		return err
	}
	r.Symbol = symbol
	if !exchange.IsSupported(r.Exchange) {
		return fault.Newf(fault.KindValidation, "unsupported exchange: %s", r.Exchange)
	}
	if r.Side != exchange.SideBuy && r.Side != exchange.SideSell {
		return fault.Newf(fault.KindValidation, "side must be buy or sell, got %q", r.Side)
	}
	if r.Quantity <= 0 {
		return fault.New(fault.KindValidation, "quantity must be positive")
	}
	if r.Leverage < 0 {
		return fault.New(fault.KindValidation, "leverage must not be negative")
	}
	return nil
}

func (r *ConvertRequest) normalize() error {
	symbol, err := normalizeSymbol(r.Symbol)
	if err != nil {
		return err
	}
	r.Symbol = symbol
	if r.NotionalUSD <= 0 {
		return fault.New(fault.KindValidation, "notional_usd must be positive")
	}
	return nil
}
