package execution

import (
	"context"

	"fundingarb/internal/exchange"
	"fundingarb/internal/models"
	"fundingarb/pkg/fault"
)

// hoursPerYear - знаменатель аннуализации при пересчете годовой
// номинальной ставки в PnL за окно удержания
const hoursPerYear = 24 * 365

// Preview оценивает доходность открытия без побочных эффектов.
// PnL = notional * годовой_спред * hold_hours / (24*365),
// комиссия = notional * 2 ноги * taker_fee_bps / 1e4.
func (c *Coordinator) Preview(ctx context.Context, req *PreviewRequest) (*PreviewReport, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}

	result, err := c.market.FetchAll(ctx, false)
	if err != nil {
		return nil, err
	}

	var matched *models.Opportunity
	for _, opp := range c.scanner.ScanOpportunities(result.Snapshots, 0) {
		if opp.Symbol == req.Symbol && opp.LongExchange == req.LongExchange && opp.ShortExchange == req.ShortExchange {
			match := opp
			matched = &match
			break
		}
	}

	holdHours := req.holdHours()
	feeBps := req.takerFeeBps()

	report := &PreviewReport{
		Symbol:          req.Symbol,
		LongExchange:    req.LongExchange,
		ShortExchange:   req.ShortExchange,
		EstimatedFeeUSD: req.NotionalUSD * 2 * feeBps / 1e4,
		HoldHours:       holdHours,
		Details: models.JSONMap{
			"snapshot_errors": result.Meta.Errors,
			"per_leg_notional_usd": models.JSONMap{
				"long":  req.NotionalUSD,
				"short": req.NotionalUSD,
			},
		},
	}

	if matched != nil {
		spread := matched.SpreadRate1yNominal
		expected := req.NotionalUSD * spread * holdHours / hoursPerYear
		report.SpreadRate1yNominal = &spread
		report.ExpectedPnlUSD = &expected
		report.Details["long_rate_1y_nominal"] = matched.LongNominalRate1y
		report.Details["short_rate_1y_nominal"] = matched.ShortNominalRate1y
		if matched.MaxUsableLeverage != nil {
			report.Details["max_usable_leverage"] = *matched.MaxUsableLeverage
		}
	}
	return report, nil
}

// ConvertNotional пересчитывает номинал USD в количество базового
// актива. Оракул цены всегда binance, независимо от торгуемых бирж.
func (c *Coordinator) ConvertNotional(ctx context.Context, req *ConvertRequest) (*ConvertReport, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}

	result, err := c.market.FetchAll(ctx, false)
	if err != nil {
		return nil, err
	}

	var snap *models.FundingSnapshot
	for i := range result.Snapshots {
		row := &result.Snapshots[i]
		if row.Exchange == exchange.ExchangeBinance && row.Symbol == req.Symbol {
			snap = row
			break
		}
	}
	if snap == nil || snap.MarkPrice <= 0 {
		return nil, fault.Newf(fault.KindValidation, "no valid binance mark price for %s", req.Symbol)
	}

	quantity := req.NotionalUSD / snap.MarkPrice
	if quantity <= 0 {
		return nil, fault.Newf(fault.KindValidation, "converted quantity for %s is not positive", req.Symbol)
	}

	return &ConvertReport{
		Symbol:      req.Symbol,
		Exchange:    exchange.ExchangeBinance,
		NotionalUSD: req.NotionalUSD,
		MarkPrice:   snap.MarkPrice,
		Quantity:    quantity,
		Timestamp:   snap.FetchedAt,
	}, nil
}
