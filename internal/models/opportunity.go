package models

// Opportunity - пара long/short без предпросмотра расчетов,
// результат простого сканирования для /api/opportunities
type Opportunity struct {
	Symbol               string   `json:"symbol"`
	LongExchange         string   `json:"long_exchange"`
	ShortExchange        string   `json:"short_exchange"`
	LongNominalRate1y    float64  `json:"long_nominal_rate_1y"`
	ShortNominalRate1y   float64  `json:"short_nominal_rate_1y"`
	SpreadRate1yNominal  float64  `json:"spread_rate_1y_nominal"`
	LongRate8h           float64  `json:"long_rate_8h"`
	ShortRate8h          float64  `json:"short_rate_8h"`
	LongFundingRateRaw   float64  `json:"long_funding_rate_raw"`
	ShortFundingRateRaw  float64  `json:"short_funding_rate_raw"`
	LongNextFundingTime  int64    `json:"long_next_funding_time"`
	ShortNextFundingTime int64    `json:"short_next_funding_time"`
	MaxUsableLeverage    *float64 `json:"max_usable_leverage"`

	LeveragedSpreadRate1yNominal *float64 `json:"leveraged_spread_rate_1y_nominal"`
}

// OpportunityRow представляет арбитражную пару long/short по одному символу
type OpportunityRow struct {
	ID            string          `json:"id"` // "{symbol}-{long}-{short}"
	Symbol        string          `json:"symbol"`
	LongExchange  string          `json:"long_exchange"`
	ShortExchange string          `json:"short_exchange"`
	LongLeg       FundingSnapshot `json:"long_leg"`
	ShortLeg      FundingSnapshot `json:"short_leg"`

	IntervalMismatch    bool    `json:"interval_mismatch"`
	ShorterIntervalSide *string `json:"shorter_interval_side"` // long, short, null

	SpreadRate1yNominal          float64  `json:"spread_rate_1y_nominal"` // short минус long, всегда >= 0
	MaxUsableLeverage            *float64 `json:"max_usable_leverage"`    // min по двум ногам
	LeveragedSpreadRate1yNominal *float64 `json:"leveraged_spread_rate_1y_nominal"`
	NextCycleScore               *float64 `json:"next_cycle_score"` // ключ ранжирования

	SettlementEventsPreview []SettlementEvent `json:"settlement_events_preview"`
	CalcStatus              string            `json:"calc_status"` // ok, missing_data, no_sync_found
	NextSyncSettlementTime  *int64            `json:"next_sync_settlement_time"`
	WindowHoursToSync       *float64          `json:"window_hours_to_sync"`
	SingleSideEventCount    int               `json:"single_side_event_count"`
	SingleSideTotalRate     float64           `json:"single_side_total_rate"`
	WindowRateSum           float64           `json:"window_rate_sum"`
	WindowRateSumLeveraged  float64           `json:"window_rate_sum_leveraged"`
}

// SettlementEvent представляет одно расчетное событие финансирования в окне превью
type SettlementEvent struct {
	EventTime      int64    `json:"event_time"` // unix ms
	Kind           string   `json:"kind"`       // hedged, single_side, unknown
	Side           *string  `json:"side"`       // long, short, null
	AmountRate     float64  `json:"amount_rate"`
	HedgedRate     *float64 `json:"hedged_rate"`
	SingleSideRate *float64 `json:"single_side_rate"`
	LongRateRaw    *float64 `json:"long_rate_raw"`
	ShortRateRaw   *float64 `json:"short_rate_raw"`
	Summary        string   `json:"summary"`
}

// Виды расчетных событий
const (
	EventKindHedged     = "hedged"
	EventKindSingleSide = "single_side"
	EventKindUnknown    = "unknown"
)

// Стороны событий и ног
const (
	SideLong  = "long"
	SideShort = "short"
)

// Статусы расчета превью
const (
	CalcStatusOK          = "ok"
	CalcStatusMissingData = "missing_data"
	CalcStatusNoSyncFound = "no_sync_found"
)
