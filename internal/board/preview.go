package board

import (
	"fmt"
	"math"
	"time"

	"fundingarb/internal/models"
)

// Пределы окна предпросмотра расчетных событий
const (
	// Расчеты двух ног в пределах допуска считаются одним моментом
	settlementMatchTolerance = 60 * time.Second

	// Жесткие границы окна: по количеству событий и по времени
	maxPreviewEvents = 96
	maxPreviewWindow = 7 * 24 * time.Hour
)

// previewResult - итог построения окна расчетных событий пары
type previewResult struct {
	calcStatus           string
	nextSyncTime         *int64
	windowHoursToSync    *float64
	events               []models.SettlementEvent
	singleSideEventCount int
	singleSideTotalRate  float64
	windowRateSum        float64
}

func missingDataPreview() previewResult {
	return previewResult{calcStatus: models.CalcStatusMissingData, events: []models.SettlementEvent{}}
}

func noSyncPreview() previewResult {
	return previewResult{calcStatus: models.CalcStatusNoSyncFound, events: []models.SettlementEvent{}}
}

// sameSettlementInstant сравнивает два момента расчета с допуском
func sameSettlementInstant(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= settlementMatchTolerance
}

// normalizeForward сдвигает прошедший момент расчета вперед целым числом
// интервалов до первого момента не раньше now
func normalizeForward(next time.Time, interval time.Duration, now time.Time) time.Time {
	if next.After(now) || sameSettlementInstant(next, now) {
		return next
	}

	if elapsed := now.Sub(next); elapsed > interval {
		skipped := int64(elapsed / interval)
		next = next.Add(interval * time.Duration(skipped))
	}
	for next.Before(now) && !sameSettlementInstant(next, now) {
		next = next.Add(interval)
	}
	return next
}

// buildSettlementPreview строит окно расчетных событий пары ног.
//
// Две последовательности моментов расчета сливаются по времени:
// моменты в пределах допуска схлопываются в hedged событие со ставкой
// short-long, непарные моменты дают single_side (+short или -long).
// Первое совпадение курсоров закрывает окно финальным hedged событием.
// Если совпадение не найдено в пределах границ окна - no_sync_found.
func buildSettlementPreview(longLeg, shortLeg models.FundingSnapshot, now time.Time) previewResult {
	if longLeg.NextFundingTime <= 0 || shortLeg.NextFundingTime <= 0 ||
		longLeg.FundingIntervalHours <= 0 || shortLeg.FundingIntervalHours <= 0 {
		return missingDataPreview()
	}

	longInterval := time.Duration(longLeg.FundingIntervalHours) * time.Hour
	shortInterval := time.Duration(shortLeg.FundingIntervalHours) * time.Hour
	longCursor := normalizeForward(time.UnixMilli(longLeg.NextFundingTime).UTC(), longInterval, now)
	shortCursor := normalizeForward(time.UnixMilli(shortLeg.NextFundingTime).UTC(), shortInterval, now)
	horizon := now.Add(maxPreviewWindow)

	events := make([]models.SettlementEvent, 0, 8)
	var syncTime time.Time
	synced := false

	for len(events) < maxPreviewEvents {
		if sameSettlementInstant(longCursor, shortCursor) {
			eventTime := longCursor
			if shortCursor.After(eventTime) {
				eventTime = shortCursor
			}
			if eventTime.After(horizon) {
				break
			}
			events = append(events, hedgedEvent(eventTime, longLeg.FundingRateRaw, shortLeg.FundingRateRaw))
			syncTime = eventTime
			synced = true
			break
		}

		if longCursor.Before(shortCursor) {
			if longCursor.After(horizon) {
				break
			}
			events = append(events, singleSideEvent(longCursor, models.SideLong, longLeg.FundingRateRaw))
			longCursor = longCursor.Add(longInterval)
			continue
		}

		if shortCursor.After(horizon) {
			break
		}
		events = append(events, singleSideEvent(shortCursor, models.SideShort, shortLeg.FundingRateRaw))
		shortCursor = shortCursor.Add(shortInterval)
	}

	if !synced {
		return noSyncPreview()
	}

	var windowSum, singleTotal float64
	singleCount := 0
	for _, ev := range events {
		windowSum += ev.AmountRate
		if ev.Kind == models.EventKindSingleSide {
			singleCount++
			singleTotal += ev.AmountRate
		}
	}

	syncMS := syncTime.UnixMilli()
	hours := math.Max(0, syncTime.Sub(now).Hours())

	return previewResult{
		calcStatus:           models.CalcStatusOK,
		nextSyncTime:         &syncMS,
		windowHoursToSync:    &hours,
		events:               events,
		singleSideEventCount: singleCount,
		singleSideTotalRate:  singleTotal,
		windowRateSum:        windowSum,
	}
}

// hedgedEvent - совместный расчет обеих ног: short получает, long платит
func hedgedEvent(t time.Time, longRaw, shortRaw float64) models.SettlementEvent {
	rate := shortRaw - longRaw
	return models.SettlementEvent{
		EventTime:    t.UnixMilli(),
		Kind:         models.EventKindHedged,
		AmountRate:   rate,
		HedgedRate:   &rate,
		LongRateRaw:  &longRaw,
		ShortRateRaw: &shortRaw,
		Summary:      fmt.Sprintf("hedged short-long=%+.6f", rate),
	}
}

// singleSideEvent - расчет одной ноги: short собирает ставку, long платит её
func singleSideEvent(t time.Time, side string, rateRaw float64) models.SettlementEvent {
	amount := rateRaw
	var longRaw, shortRaw *float64
	if side == models.SideLong {
		amount = -rateRaw
		longRaw = &rateRaw
	} else {
		shortRaw = &rateRaw
	}

	s := side
	return models.SettlementEvent{
		EventTime:      t.UnixMilli(),
		Kind:           models.EventKindSingleSide,
		Side:           &s,
		AmountRate:     amount,
		SingleSideRate: &amount,
		LongRateRaw:    longRaw,
		ShortRateRaw:   shortRaw,
		Summary:        fmt.Sprintf("single_side %s %+.6f", side, amount),
	}
}
