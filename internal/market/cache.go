// Package market собирает снимки ставок финансирования с бирж:
// параллельный опрос с бюджетами времени, circuit breaker на биржу,
// локальный TTL кэш со stale окном и опциональная Redis прослойка.
package market

import (
	"sync"
	"time"

	"fundingarb/internal/models"
)

// CacheState - состояние записи кэша
type CacheState int

const (
	CacheMiss CacheState = iota
	CacheFresh
	CacheStale
)

// SnapshotCache - локальный кэш снимков по ключу (биржа, символ).
// Свежесть считается от FetchedAt снимка: запись свежая в пределах TTL,
// затем допустима как stale еще staleMax, затем вычищается.
type SnapshotCache struct {
	mu       sync.RWMutex
	ttl      time.Duration
	staleMax time.Duration
	entries  map[string]models.FundingSnapshot

	// переопределяется в тестах
	now func() time.Time
}

// NewSnapshotCache создает кэш с заданным TTL и stale окном
func NewSnapshotCache(ttl, staleMax time.Duration) *SnapshotCache {
	return &SnapshotCache{
		ttl:      ttl,
		staleMax: staleMax,
		entries:  make(map[string]models.FundingSnapshot),
		now:      time.Now,
	}
}

func cacheKey(exchange, symbol string) string {
	return exchange + "|" + symbol
}

// Put сохраняет снимки. FetchedAt монотонен по ключу:
// запись не перезаписывается более старыми данными.
func (c *SnapshotCache) Put(snaps []models.FundingSnapshot) {
	if len(snaps) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range snaps {
		key := cacheKey(s.Exchange, s.Symbol)
		if existing, ok := c.entries[key]; ok && existing.FetchedAt.After(s.FetchedAt) {
			continue
		}
		c.entries[key] = s
	}

	// Попутная чистка записей за пределами stale окна
	now := c.now()
	for key, s := range c.entries {
		if now.After(s.FetchedAt.Add(c.ttl + c.staleMax)) {
			delete(c.entries, key)
		}
	}
}

// GetVenue возвращает снимки биржи и их состояние.
// Свежие записи отдаются как есть; если свежих нет, но есть записи
// внутри stale окна, они отдаются с source_tag=stale независимо от
// исходного тега. Иначе промах.
func (c *SnapshotCache) GetVenue(exchange string) ([]models.FundingSnapshot, CacheState) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	var fresh, stale []models.FundingSnapshot

	for _, s := range c.entries {
		if s.Exchange != exchange {
			continue
		}
		switch {
		case !now.After(s.FetchedAt.Add(c.ttl)):
			fresh = append(fresh, s)
		case !now.After(s.FetchedAt.Add(c.ttl + c.staleMax)):
			copied := s
			copied.SourceTag = models.SourceStale
			stale = append(stale, copied)
		}
	}

	if len(fresh) > 0 {
		return fresh, CacheFresh
	}
	if len(stale) > 0 {
		return stale, CacheStale
	}
	return nil, CacheMiss
}

// GetVenueFallback возвращает любые допустимые записи биржи
// (свежие или stale) с тегом stale. Используется после провала
// живого запроса, в том числе при force_refresh, когда свежая
// запись была пропущена намеренно.
func (c *SnapshotCache) GetVenueFallback(exchange string) ([]models.FundingSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	var out []models.FundingSnapshot

	for _, s := range c.entries {
		if s.Exchange != exchange {
			continue
		}
		if now.After(s.FetchedAt.Add(c.ttl + c.staleMax)) {
			continue
		}
		copied := s
		copied.SourceTag = models.SourceStale
		out = append(out, copied)
	}

	return out, len(out) > 0
}

// Len возвращает количество записей (для тестов и диагностики)
func (c *SnapshotCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
