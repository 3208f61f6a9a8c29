package exchange

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"fundingarb/pkg/fault"
)

const defaultLeverageCacheTTL = time.Hour

// leverageCache кэширует карту максимального плеча по символам.
// Загрузка идет под мьютексом: параллельные промахи делают один запрос.
type leverageCache struct {
	mu        sync.Mutex
	data      map[string]float64
	expiresAt time.Time
	ttl       time.Duration
}

func newLeverageCache(ttl time.Duration) *leverageCache {
	if ttl <= 0 {
		ttl = defaultLeverageCacheTTL
	}
	return &leverageCache{ttl: ttl}
}

// get возвращает кэшированную карту или загружает свежую через load.
// При сбое загрузки отдается устаревшая карта, если она есть.
func (c *leverageCache) get(ctx context.Context, load func(context.Context) (map[string]float64, error)) map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.data != nil && time.Now().Before(c.expiresAt) {
		return c.data
	}

	data, err := load(ctx)
	if err != nil || len(data) == 0 {
		return c.data
	}
	c.data = data
	c.expiresAt = time.Now().Add(c.ttl)
	return data
}

// leverageMap возвращает карту максимального плеча binance.
// Источник - публичный эндпоинт брекетов риска, ключи не требуются.
func (b *Binance) leverageMap(ctx context.Context) map[string]float64 {
	return b.levCache.get(ctx, b.fetchBrackets)
}

func (b *Binance) fetchBrackets(ctx context.Context) (map[string]float64, error) {
	raw, err := b.doRequest(ctx, http.MethodGet, b.bracketsURL, "", nil, false)
	if err != nil {
		return nil, err
	}
	return parseBinanceBrackets(raw)
}

// parseBinanceBrackets разбирает ответ эндпоинта брекетов.
// Берется максимум maxOpenPosLeverage по ярусам риска, при пустых ярусах
// fallback на maxLeverage. Не-USDT символы отбрасываются.
func parseBinanceBrackets(raw []byte) (map[string]float64, error) {
	var resp struct {
		Data struct {
			Brackets []struct {
				Symbol       string  `json:"symbol"`
				MaxLeverage  float64 `json:"maxLeverage"`
				RiskBrackets []struct {
					MaxOpenPosLeverage float64 `json:"maxOpenPosLeverage"`
				} `json:"riskBrackets"`
			} `json:"brackets"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "binance brackets decode failed", err)
	}

	leverage := make(map[string]float64, len(resp.Data.Brackets))
	for _, row := range resp.Data.Brackets {
		if !strings.HasSuffix(row.Symbol, "USDT") {
			continue
		}
		best := 0.0
		for _, tier := range row.RiskBrackets {
			if tier.MaxOpenPosLeverage > best {
				best = tier.MaxOpenPosLeverage
			}
		}
		if best == 0 {
			best = row.MaxLeverage
		}
		if best > 0 {
			leverage[row.Symbol] = best
		}
	}
	return leverage, nil
}
