package market

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"fundingarb/internal/metrics"
	"fundingarb/internal/models"
	"fundingarb/pkg/fault"
	"fundingarb/pkg/retry"
)

// SnapshotFetcher - узкий срез биржевого адаптера, нужный провайдеру
type SnapshotFetcher interface {
	Name() string
	FetchSnapshots(ctx context.Context) ([]models.FundingSnapshot, error)
}

// Config - бюджеты времени и окна кэша провайдера
type Config struct {
	CacheTTL    time.Duration
	StaleMaxAge time.Duration
	VenueBudget time.Duration // бюджет на одну биржу
	TotalBudget time.Duration // бюджет на весь fan-out
}

// VenueError - ошибка опроса одной биржи для меты ответа
type VenueError struct {
	Exchange string `json:"exchange"`
	Message  string `json:"message"`
}

// Meta - метаданные сборки снимков
type Meta struct {
	FetchMS         int64             `json:"fetch_ms"`
	CacheHit        bool              `json:"cache_hit"`
	ExchangesOK     []string          `json:"exchanges_ok"`
	ExchangesFailed []string          `json:"exchanges_failed"`
	ExchangeSources map[string]string `json:"exchange_sources"`
	Errors          []VenueError      `json:"errors"`
}

// Result - собранные снимки всех бирж плюс мета
type Result struct {
	Snapshots []models.FundingSnapshot `json:"snapshots"`
	Meta      Meta                     `json:"meta"`
}

// errEmptySnapshotSet - нулевой результат означает троттлинг, считаем сбоем
var errEmptySnapshotSet = errors.New("empty snapshot set")

// Provider опрашивает биржи параллельно с деградацией до stale кэша.
// Конкурентные вызовы без force_refresh схлопываются в один опрос.
type Provider struct {
	fetchers []SnapshotFetcher
	cache    *SnapshotCache
	redis    *RedisTier // nil, если Redis не настроен
	breakers map[string]*gobreaker.CircuitBreaker
	flight   singleflight.Group
	cfg      Config
	log      *zap.Logger

	// переопределяется в тестах
	now func() time.Time
}

// NewProvider создает провайдер поверх адаптеров бирж.
// redisTier может быть nil, тогда работает только локальный кэш.
func NewProvider(fetchers []SnapshotFetcher, redisTier *RedisTier, cfg Config, log *zap.Logger) *Provider {
	sorted := make([]SnapshotFetcher, len(fetchers))
	copy(sorted, fetchers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name() < sorted[j].Name() })

	breakers := make(map[string]*gobreaker.CircuitBreaker, len(sorted))
	for _, f := range sorted {
		breakers[f.Name()] = newVenueBreaker(f.Name(), log)
	}

	return &Provider{
		fetchers: sorted,
		cache:    NewSnapshotCache(cfg.CacheTTL, cfg.StaleMaxAge),
		redis:    redisTier,
		breakers: breakers,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// newVenueBreaker создает circuit breaker биржи:
// размыкается после 3 подряд сбоев, пробует снова через 30 секунд
func newVenueBreaker(name string, log *zap.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("exchange", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			metrics.SetBreakerState(name, breakerStateValue(to))
		},
	})
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// venueResult - итог опроса одной биржи
type venueResult struct {
	exchange  string
	snapshots []models.FundingSnapshot
	source    string // тег источника для меты
	fromCache bool   // удовлетворено из кэша без сетевого вызова
	err       error  // ошибка живого запроса; может сосуществовать со stale снимками
}

// FetchAll собирает снимки всех бирж.
// force_refresh обходит оба уровня кэша, но результат все равно пишется назад.
// Возвращает ошибку только когда ни одна биржа не дала ни строки.
func (p *Provider) FetchAll(ctx context.Context, forceRefresh bool) (*Result, error) {
	if forceRefresh {
		return p.fetchAll(ctx, true)
	}

	// Конкурентные обычные запросы делят один проход
	v, err, _ := p.flight.Do("fetch_all", func() (interface{}, error) {
		return p.fetchAll(ctx, false)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (p *Provider) fetchAll(ctx context.Context, forceRefresh bool) (*Result, error) {
	start := p.now()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.TotalBudget)
	defer cancel()

	// Один воркер на биржу, сбои не отменяют соседей
	results := make([]venueResult, len(p.fetchers))
	var wg sync.WaitGroup
	for i, f := range p.fetchers {
		wg.Add(1)
		go func(i int, f SnapshotFetcher) {
			defer wg.Done()
			results[i] = p.fetchVenue(ctx, f, forceRefresh)
		}(i, f)
	}
	wg.Wait()

	meta := Meta{
		ExchangeSources: make(map[string]string, len(results)),
	}
	cacheHit := len(results) > 0

	var all []models.FundingSnapshot
	for _, r := range results {
		if r.err != nil {
			meta.ExchangesFailed = append(meta.ExchangesFailed, r.exchange)
			meta.Errors = append(meta.Errors, VenueError{Exchange: r.exchange, Message: r.err.Error()})
		} else {
			meta.ExchangesOK = append(meta.ExchangesOK, r.exchange)
		}
		if !r.fromCache {
			cacheHit = false
		}
		if len(r.snapshots) > 0 {
			meta.ExchangeSources[r.exchange] = r.source
			metrics.RecordSnapshots(r.exchange, r.source, len(r.snapshots))
			all = append(all, r.snapshots...)
		}
	}

	if len(all) == 0 {
		return nil, fault.New(fault.KindTransient, "no market data available from any venue")
	}

	meta.CacheHit = cacheHit
	meta.FetchMS = p.now().Sub(start).Milliseconds()

	return &Result{
		Snapshots: dedupKeepLatest(all),
		Meta:      meta,
	}, nil
}

// fetchVenue опрашивает одну биржу: кэш, живой запрос, stale фолбэк
func (p *Provider) fetchVenue(ctx context.Context, f SnapshotFetcher, forceRefresh bool) venueResult {
	name := f.Name()

	if !forceRefresh {
		// Локальный кэш
		if snaps, state := p.cache.GetVenue(name); state == CacheFresh {
			metrics.RecordCache("hit")
			return venueResult{exchange: name, snapshots: snaps, source: dominantSource(snaps), fromCache: true}
		}

		// Общая Redis прослойка
		if p.redis != nil {
			if snaps, fetchedAt, ok := p.redis.Load(ctx, name); ok && !p.now().After(fetchedAt.Add(p.cfg.CacheTTL)) {
				p.cache.Put(snaps)
				metrics.RecordCache("hit")
				return venueResult{exchange: name, snapshots: snaps, source: dominantSource(snaps), fromCache: true}
			}
		}
	}

	snaps, err := p.fetchLive(ctx, f)
	if err == nil {
		return venueResult{exchange: name, snapshots: snaps, source: dominantSource(snaps)}
	}

	// Живой запрос не удался: допустима любая запись внутри stale окна
	if stale, ok := p.cache.GetVenueFallback(name); ok {
		metrics.RecordCache("stale")
		p.log.Warn("venue fetch failed, serving stale snapshots",
			zap.String("exchange", name),
			zap.Int("rows", len(stale)),
			zap.Error(err),
		)
		return venueResult{exchange: name, snapshots: stale, source: models.SourceStale, err: err}
	}
	if p.redis != nil {
		if cached, fetchedAt, ok := p.redis.Load(ctx, name); ok && !p.now().After(fetchedAt.Add(p.cfg.CacheTTL+p.cfg.StaleMaxAge)) {
			for i := range cached {
				cached[i].SourceTag = models.SourceStale
			}
			metrics.RecordCache("stale")
			p.log.Warn("venue fetch failed, serving stale snapshots from redis",
				zap.String("exchange", name),
				zap.Int("rows", len(cached)),
				zap.Error(err),
			)
			return venueResult{exchange: name, snapshots: cached, source: models.SourceStale, err: err}
		}
	}

	metrics.RecordCache("miss")
	p.log.Error("venue fetch failed, no cached fallback",
		zap.String("exchange", name),
		zap.Error(err),
	)
	return venueResult{exchange: name, err: err}
}

// fetchLive выполняет живой запрос к бирже под её бюджетом:
// circuit breaker снаружи, одна повторная попытка внутри
func (p *Provider) fetchLive(ctx context.Context, f SnapshotFetcher) ([]models.FundingSnapshot, error) {
	name := f.Name()

	vctx, cancel := context.WithTimeout(ctx, p.cfg.VenueBudget)
	defer cancel()

	retryCfg := retry.DataFetchConfig()
	retryCfg.RetryIf = func(err error) bool {
		return retry.RetryIfNotContext(err) && fault.IsTransient(err)
	}
	retryCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		p.log.Debug("retrying venue fetch",
			zap.String("exchange", name),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}

	started := p.now()
	raw, err := p.breakers[name].Execute(func() (interface{}, error) {
		return retry.DoWithResult(vctx, func() ([]models.FundingSnapshot, error) {
			snaps, err := f.FetchSnapshots(vctx)
			if err != nil {
				return nil, err
			}
			if len(snaps) == 0 {
				return nil, fault.Wrap(fault.KindTransient, name+" returned zero rows", errEmptySnapshotSet)
			}
			return snaps, nil
		}, retryCfg)
	})
	elapsedMS := float64(p.now().Sub(started).Milliseconds())

	if err != nil {
		metrics.RecordFetch(name, elapsedMS, err, fetchFailReason(err))
		return nil, err
	}
	metrics.RecordFetch(name, elapsedMS, nil, "")

	snaps := raw.([]models.FundingSnapshot)
	for i := range snaps {
		snaps[i].FillDerived()
	}

	p.cache.Put(snaps)
	if p.redis != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		p.redis.Store(sctx, name, snaps, p.now())
		scancel()
	}

	return snaps, nil
}

// fetchFailReason классифицирует сбой опроса для метрик
func fetchFailReason(err error) string {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		return "breaker_open"
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return "timeout"
	case errors.Is(err, errEmptySnapshotSet):
		return "empty"
	default:
		return "http"
	}
}

// dominantSource возвращает преобладающий тег источника набора снимков
func dominantSource(snaps []models.FundingSnapshot) string {
	counts := make(map[string]int, 4)
	best := ""
	for _, s := range snaps {
		counts[s.SourceTag]++
		if counts[s.SourceTag] > counts[best] {
			best = s.SourceTag
		}
	}
	return best
}

// dedupKeepLatest убирает дубли по (биржа, символ), оставляя самый свежий,
// и сортирует результат по (символ, биржа)
func dedupKeepLatest(snaps []models.FundingSnapshot) []models.FundingSnapshot {
	byKey := make(map[string]models.FundingSnapshot, len(snaps))
	for _, s := range snaps {
		key := cacheKey(s.Exchange, s.Symbol)
		if existing, ok := byKey[key]; ok && existing.FetchedAt.After(s.FetchedAt) {
			continue
		}
		byKey[key] = s
	}

	out := make([]models.FundingSnapshot, 0, len(byKey))
	for _, s := range byKey {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Exchange < out[j].Exchange
	})
	return out
}
