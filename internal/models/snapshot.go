package models

import (
	"math"
	"time"
)

// FundingSnapshot представляет снимок ставки финансирования по (биржа, символ)
type FundingSnapshot struct {
	Exchange             string    `json:"exchange"`
	Symbol               string    `json:"symbol"`                 // BTCUSDT (нормализован)
	FundingRateRaw       float64   `json:"funding_rate_raw"`       // ставка за интервал, знаковая доля
	FundingIntervalHours int       `json:"funding_interval_hours"` // 1, 4, 8
	NextFundingTime      int64     `json:"next_funding_time"`      // unix ms
	MarkPrice            float64   `json:"mark_price"`
	OpenInterestUSD      *float64  `json:"open_interest_usd"`
	Volume24hUSD         *float64  `json:"volume24h_usd"`
	MaxLeverage          *float64  `json:"max_leverage"`
	SourceTag            string    `json:"source_tag"` // ccxt, rest, ws, stale
	FetchedAt            time.Time `json:"fetched_at"`

	// Производные ставки, заполняются при сборке снимка
	Rate1h                 float64  `json:"rate_1h"`
	Rate8h                 float64  `json:"rate_8h"`
	Rate1y                 *float64 `json:"rate_1y"`         // сложный процент, null при |rate_1h| > 0.01
	Rate1yNominal          float64  `json:"rate_1y_nominal"` // rate_1h * 24 * 365
	LeveragedNominalRate1y *float64 `json:"leveraged_nominal_rate_1y"`
}

// Источники снимка
const (
	SourceCCXT  = "ccxt"
	SourceRest  = "rest"
	SourceWS    = "ws"
	SourceStale = "stale"
)

// Порог для расчёта сложного процента: при почасовой ставке выше 1%
// компаундирование за 8760 часов переполняет float64 до бессмысленных величин.
const compoundRateLimit = 0.01

// FillDerived рассчитывает производные ставки из сырой ставки за интервал.
// Вызывается один раз при сборке снимка, до попадания в кеш.
func (s *FundingSnapshot) FillDerived() {
	if s.FundingIntervalHours <= 0 {
		s.FundingIntervalHours = 8
	}

	s.Rate1h = s.FundingRateRaw / float64(s.FundingIntervalHours)
	s.Rate8h = s.Rate1h * 8
	s.Rate1yNominal = s.Rate1h * 24 * 365

	// Сложный процент за год (8760 интервалов по часу)
	if math.Abs(s.Rate1h) <= compoundRateLimit {
		compound := math.Pow(1+s.Rate1h, 24*365) - 1
		if !math.IsInf(compound, 0) && !math.IsNaN(compound) {
			s.Rate1y = &compound
		} else {
			s.Rate1y = nil
		}
	} else {
		s.Rate1y = nil
	}

	if s.MaxLeverage != nil && *s.MaxLeverage > 0 {
		lev := s.Rate1yNominal * *s.MaxLeverage
		s.LeveragedNominalRate1y = &lev
	} else {
		s.LeveragedNominalRate1y = nil
	}
}
