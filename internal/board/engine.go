// Package board строит доску арбитражных возможностей: спаривание снимков
// по символам, спреды, ранжирование и предпросмотр расчетных событий.
package board

import (
	"regexp"
	"sort"
	"time"

	"go.uber.org/zap"

	"fundingarb/internal/metrics"
	"fundingarb/internal/models"
	"fundingarb/pkg/fault"
)

// Режимы сортировки доски
const (
	SortNextCycle = "next_cycle"
	SortLegacy    = "legacy"
)

// Query - параметры построения доски
type Query struct {
	Limit                  int
	MinSpreadRate1yNominal float64
	MinNextCycleScore      float64
	Exchanges              []string // фильтр: обе ноги обязаны входить в набор
	Symbol                 string   // regex по нормализованному символу, без учета регистра
	Sort                   string   // next_cycle (по умолчанию) или legacy
}

// Engine строит строки доски из снимков. Не хранит состояния между
// запросами: каждая доска собирается заново из переданных снимков.
type Engine struct {
	log *zap.Logger

	// переопределяется в тестах
	now func() time.Time
}

// NewEngine создает движок доски
func NewEngine(log *zap.Logger) *Engine {
	return &Engine{log: log, now: time.Now}
}

// ScanOpportunities спаривает снимки одного символа на разных биржах.
// Нога с меньшей номинальной годовой ставкой становится long, с большей -
// short, поэтому спред всегда неотрицателен. Результат отсортирован по
// спреду по убыванию.
func (e *Engine) ScanOpportunities(snapshots []models.FundingSnapshot, minSpread float64) []models.Opportunity {
	groups := make(map[string][]models.FundingSnapshot)
	for _, s := range snapshots {
		groups[s.Symbol] = append(groups[s.Symbol], s)
	}

	var out []models.Opportunity
	for symbol, items := range groups {
		if len(items) < 2 {
			continue
		}
		sort.Slice(items, func(i, j int) bool { return items[i].Exchange < items[j].Exchange })

		for i := 0; i < len(items); i++ {
			for j := i + 1; j < len(items); j++ {
				left, right := items[i], items[j]
				if left.Exchange == right.Exchange {
					continue
				}

				longLeg, shortLeg := left, right
				if left.Rate1yNominal > right.Rate1yNominal {
					longLeg, shortLeg = right, left
				}

				spread := shortLeg.Rate1yNominal - longLeg.Rate1yNominal
				if spread < minSpread {
					continue
				}

				maxUsable := usableLeverage(longLeg.MaxLeverage, shortLeg.MaxLeverage)
				var leveragedSpread *float64
				if maxUsable != nil {
					v := spread * *maxUsable
					leveragedSpread = &v
				}

				out = append(out, models.Opportunity{
					Symbol:               symbol,
					LongExchange:         longLeg.Exchange,
					ShortExchange:        shortLeg.Exchange,
					LongNominalRate1y:    longLeg.Rate1yNominal,
					ShortNominalRate1y:   shortLeg.Rate1yNominal,
					SpreadRate1yNominal:  spread,
					LongRate8h:           longLeg.Rate8h,
					ShortRate8h:          shortLeg.Rate8h,
					LongFundingRateRaw:   longLeg.FundingRateRaw,
					ShortFundingRateRaw:  shortLeg.FundingRateRaw,
					LongNextFundingTime:  longLeg.NextFundingTime,
					ShortNextFundingTime: shortLeg.NextFundingTime,
					MaxUsableLeverage:    maxUsable,

					LeveragedSpreadRate1yNominal: leveragedSpread,
				})
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SpreadRate1yNominal != out[j].SpreadRate1yNominal {
			return out[i].SpreadRate1yNominal > out[j].SpreadRate1yNominal
		}
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		if out[i].LongExchange != out[j].LongExchange {
			return out[i].LongExchange < out[j].LongExchange
		}
		return out[i].ShortExchange < out[j].ShortExchange
	})
	return out
}

// BuildRows строит полные строки доски с предпросмотром расчетов.
// Возвращает validation ошибку на нечитаемый regex символа или
// неизвестный режим сортировки.
func (e *Engine) BuildRows(snapshots []models.FundingSnapshot, q Query) ([]models.OpportunityRow, error) {
	sortMode := q.Sort
	if sortMode == "" {
		sortMode = SortNextCycle
	}
	if sortMode != SortNextCycle && sortMode != SortLegacy {
		return nil, fault.Newf(fault.KindValidation, "unknown sort mode: %s", q.Sort)
	}

	var symbolRe *regexp.Regexp
	if q.Symbol != "" {
		re, err := regexp.Compile("(?i)" + q.Symbol)
		if err != nil {
			return nil, fault.Wrap(fault.KindValidation, "invalid symbol pattern", err)
		}
		symbolRe = re
	}

	if q.Limit <= 0 {
		return []models.OpportunityRow{}, nil
	}

	// Фильтр символа применяется до спаривания
	filtered := snapshots
	if symbolRe != nil {
		filtered = make([]models.FundingSnapshot, 0, len(snapshots))
		for _, s := range snapshots {
			if symbolRe.MatchString(s.Symbol) {
				filtered = append(filtered, s)
			}
		}
	}

	index := make(map[string]models.FundingSnapshot, len(filtered))
	for _, s := range filtered {
		index[s.Symbol+"|"+s.Exchange] = s
	}

	exchangeFilter := make(map[string]struct{}, len(q.Exchanges))
	for _, ex := range q.Exchanges {
		exchangeFilter[ex] = struct{}{}
	}

	now := e.now()
	opportunities := e.ScanOpportunities(filtered, q.MinSpreadRate1yNominal)

	rows := make([]models.OpportunityRow, 0, len(opportunities))
	for _, opp := range opportunities {
		// Непустой фильтр бирж требует обе ноги в наборе
		if len(exchangeFilter) > 0 {
			if _, ok := exchangeFilter[opp.LongExchange]; !ok {
				continue
			}
			if _, ok := exchangeFilter[opp.ShortExchange]; !ok {
				continue
			}
		}

		longLeg, okLong := index[opp.Symbol+"|"+opp.LongExchange]
		shortLeg, okShort := index[opp.Symbol+"|"+opp.ShortExchange]
		if !okLong || !okShort {
			continue
		}

		preview := buildSettlementPreview(longLeg, shortLeg, now)
		mismatch, shorterSide := intervalRelation(longLeg.FundingIntervalHours, shortLeg.FundingIntervalHours)

		row := models.OpportunityRow{
			ID:            opp.Symbol + "-" + opp.LongExchange + "-" + opp.ShortExchange,
			Symbol:        opp.Symbol,
			LongExchange:  opp.LongExchange,
			ShortExchange: opp.ShortExchange,
			LongLeg:       longLeg,
			ShortLeg:      shortLeg,

			IntervalMismatch:    mismatch,
			ShorterIntervalSide: shorterSide,

			SpreadRate1yNominal:          opp.SpreadRate1yNominal,
			MaxUsableLeverage:            opp.MaxUsableLeverage,
			LeveragedSpreadRate1yNominal: opp.LeveragedSpreadRate1yNominal,
			NextCycleScore:               nextCycleScore(opp, preview.calcStatus),

			SettlementEventsPreview: preview.events,
			CalcStatus:              preview.calcStatus,
			NextSyncSettlementTime:  preview.nextSyncTime,
			WindowHoursToSync:       preview.windowHoursToSync,
			SingleSideEventCount:    preview.singleSideEventCount,
			SingleSideTotalRate:     preview.singleSideTotalRate,
			WindowRateSum:           preview.windowRateSum,
			WindowRateSumLeveraged:  preview.windowRateSum * resolveLeverage(opp.MaxUsableLeverage),
		}

		// Порог score отбрасывает строки без score только когда он задан
		if q.MinNextCycleScore > 0 {
			if row.NextCycleScore == nil || *row.NextCycleScore < q.MinNextCycleScore {
				continue
			}
		}

		rows = append(rows, row)
	}

	sortRows(rows, sortMode)

	if len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}

	metrics.BoardRows.Set(float64(len(rows)))
	return rows, nil
}

// nextCycleScore - ключ ранжирования строки: leveraged спред, при
// неизвестном плече сам спред. Строка без валидного окна расчетов
// не получает score и ранжируется последней.
func nextCycleScore(opp models.Opportunity, calcStatus string) *float64 {
	if calcStatus != models.CalcStatusOK {
		return nil
	}
	if opp.LeveragedSpreadRate1yNominal != nil {
		v := *opp.LeveragedSpreadRate1yNominal
		return &v
	}
	v := opp.SpreadRate1yNominal
	return &v
}

// usableLeverage - минимум по двум ногам; nil, если хотя бы одно плечо неизвестно
func usableLeverage(longLev, shortLev *float64) *float64 {
	if longLev == nil || shortLev == nil || *longLev <= 0 || *shortLev <= 0 {
		return nil
	}
	v := *longLev
	if *shortLev < v {
		v = *shortLev
	}
	return &v
}

// resolveLeverage - плечо для информационных сумм окна, 1 при неизвестном
func resolveLeverage(lev *float64) float64 {
	if lev == nil || *lev <= 0 {
		return 1
	}
	return *lev
}

// intervalRelation сообщает о несовпадении интервалов ног и о том,
// чья нога рассчитывается чаще
func intervalRelation(longHours, shortHours int) (bool, *string) {
	if longHours <= 0 || shortHours <= 0 || longHours == shortHours {
		return false, nil
	}
	side := models.SideShort
	if longHours < shortHours {
		side = models.SideLong
	}
	return true, &side
}

// legacyKey - ключ ранжирования до появления score:
// сначала строки с известным leveraged спредом, затем по самому спреду
func legacyKey(r models.OpportunityRow) (int, float64, float64) {
	if r.LeveragedSpreadRate1yNominal != nil {
		return 1, *r.LeveragedSpreadRate1yNominal, r.SpreadRate1yNominal
	}
	return 0, r.SpreadRate1yNominal, r.SpreadRate1yNominal
}

func legacyLess(a, b models.OpportunityRow) bool {
	a1, a2, a3 := legacyKey(a)
	b1, b2, b3 := legacyKey(b)
	if a1 != b1 {
		return a1 > b1
	}
	if a2 != b2 {
		return a2 > b2
	}
	return a3 > b3
}

func nextCycleLess(a, b models.OpportunityRow) bool {
	aHas, bHas := a.NextCycleScore != nil, b.NextCycleScore != nil
	if aHas != bHas {
		return aHas // строки без score в хвост
	}
	if aHas && *a.NextCycleScore != *b.NextCycleScore {
		return *a.NextCycleScore > *b.NextCycleScore
	}
	return legacyLess(a, b)
}

func sortRows(rows []models.OpportunityRow, mode string) {
	if mode == SortLegacy {
		sort.SliceStable(rows, func(i, j int) bool { return legacyLess(rows[i], rows[j]) })
		return
	}
	sort.SliceStable(rows, func(i, j int) bool { return nextCycleLess(rows[i], rows[j]) })
}
