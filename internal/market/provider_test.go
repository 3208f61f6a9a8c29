package market

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fundingarb/internal/models"
	"fundingarb/pkg/fault"
	"fundingarb/pkg/logger"
)

func approx(got, want float64) bool {
	return math.Abs(got-want) <= 1e-9
}

// fakeFetcher - подменный адаптер биржи для тестов провайдера
type fakeFetcher struct {
	name  string
	calls int32
	fetch func(ctx context.Context) ([]models.FundingSnapshot, error)
}

func (f *fakeFetcher) Name() string { return f.name }

func (f *fakeFetcher) FetchSnapshots(ctx context.Context) ([]models.FundingSnapshot, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.fetch(ctx)
}

func (f *fakeFetcher) callCount() int {
	return int(atomic.LoadInt32(&f.calls))
}

func testConfig() Config {
	return Config{
		CacheTTL:    60 * time.Second,
		StaleMaxAge: 120 * time.Second,
		VenueBudget: time.Second,
		TotalBudget: 3 * time.Second,
	}
}

func newTestProvider(fetchers ...SnapshotFetcher) *Provider {
	return NewProvider(fetchers, nil, testConfig(), logger.NewNop())
}

func TestProvider_FetchAll_MergesAndSorts(t *testing.T) {
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	binance := &fakeFetcher{name: "binance", fetch: func(ctx context.Context) ([]models.FundingSnapshot, error) {
		return []models.FundingSnapshot{
			snap("binance", "ETHUSDT", 0.0002, base),
			snap("binance", "BTCUSDT", 0.0001, base),
		}, nil
	}}
	okx := &fakeFetcher{name: "okx", fetch: func(ctx context.Context) ([]models.FundingSnapshot, error) {
		return []models.FundingSnapshot{snap("okx", "BTCUSDT", 0.0004, base)}, nil
	}}

	p := newTestProvider(binance, okx)

	result, err := p.FetchAll(context.Background(), false)
	if err != nil {
		t.Fatalf("FetchAll returned error: %v", err)
	}

	if len(result.Snapshots) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(result.Snapshots))
	}

	// Сортировка по (символ, биржа)
	want := []struct{ symbol, exchange string }{
		{"BTCUSDT", "binance"},
		{"BTCUSDT", "okx"},
		{"ETHUSDT", "binance"},
	}
	for i, w := range want {
		got := result.Snapshots[i]
		if got.Symbol != w.symbol || got.Exchange != w.exchange {
			t.Errorf("row %d = %s/%s, want %s/%s", i, got.Symbol, got.Exchange, w.symbol, w.exchange)
		}
	}

	if len(result.Meta.ExchangesOK) != 2 {
		t.Errorf("exchanges_ok = %v, want both venues", result.Meta.ExchangesOK)
	}
	if len(result.Meta.ExchangesFailed) != 0 {
		t.Errorf("exchanges_failed = %v, want empty", result.Meta.ExchangesFailed)
	}
	if result.Meta.CacheHit {
		t.Error("cache_hit must be false on first live fetch")
	}
	if result.Meta.ExchangeSources["binance"] != models.SourceRest {
		t.Errorf("binance source = %q, want %q", result.Meta.ExchangeSources["binance"], models.SourceRest)
	}
}

func TestProvider_FetchAll_FillsDerivedRates(t *testing.T) {
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	f := &fakeFetcher{name: "binance", fetch: func(ctx context.Context) ([]models.FundingSnapshot, error) {
		s := snap("binance", "BTCUSDT", 0.0004, base)
		s.FundingIntervalHours = 8
		return []models.FundingSnapshot{s}, nil
	}}

	p := newTestProvider(f)

	result, err := p.FetchAll(context.Background(), false)
	if err != nil {
		t.Fatalf("FetchAll returned error: %v", err)
	}

	got := result.Snapshots[0]
	if got.Rate1h != 0.00005 {
		t.Errorf("rate_1h = %v, want 0.00005", got.Rate1h)
	}
	if got.Rate8h != 0.0004 {
		t.Errorf("rate_8h = %v, want 0.0004", got.Rate8h)
	}
	if !approx(got.Rate1yNominal, 0.438) {
		t.Errorf("rate_1y_nominal = %v, want 0.438", got.Rate1yNominal)
	}
	if got.Rate1y == nil {
		t.Error("rate_1y should be computed for a small hourly rate")
	}
}

func TestProvider_FetchAll_SecondCallHitsCache(t *testing.T) {
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	f := &fakeFetcher{name: "binance", fetch: func(ctx context.Context) ([]models.FundingSnapshot, error) {
		return []models.FundingSnapshot{snap("binance", "BTCUSDT", 0.0001, base)}, nil
	}}

	p := newTestProvider(f)
	p.now = func() time.Time { return base }
	p.cache.now = p.now

	if _, err := p.FetchAll(context.Background(), false); err != nil {
		t.Fatalf("first FetchAll returned error: %v", err)
	}

	result, err := p.FetchAll(context.Background(), false)
	if err != nil {
		t.Fatalf("second FetchAll returned error: %v", err)
	}

	if f.callCount() != 1 {
		t.Errorf("fetcher calls = %d, want 1 (second call from cache)", f.callCount())
	}
	if !result.Meta.CacheHit {
		t.Error("cache_hit must be true when all venues served from cache")
	}
	if result.Snapshots[0].SourceTag != models.SourceRest {
		t.Errorf("cached fresh row tag = %q, want original %q", result.Snapshots[0].SourceTag, models.SourceRest)
	}
}

func TestProvider_FetchAll_ForceRefreshBypassesCache(t *testing.T) {
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	f := &fakeFetcher{name: "binance", fetch: func(ctx context.Context) ([]models.FundingSnapshot, error) {
		return []models.FundingSnapshot{snap("binance", "BTCUSDT", 0.0001, base)}, nil
	}}

	p := newTestProvider(f)
	p.now = func() time.Time { return base }
	p.cache.now = p.now

	if _, err := p.FetchAll(context.Background(), false); err != nil {
		t.Fatalf("first FetchAll returned error: %v", err)
	}

	result, err := p.FetchAll(context.Background(), true)
	if err != nil {
		t.Fatalf("forced FetchAll returned error: %v", err)
	}

	if f.callCount() != 2 {
		t.Errorf("fetcher calls = %d, want 2 (force bypasses cache)", f.callCount())
	}
	if result.Meta.CacheHit {
		t.Error("cache_hit must be false on forced refresh")
	}
}

func TestProvider_FetchAll_EmptyResultIsFailure(t *testing.T) {
	f := &fakeFetcher{name: "binance", fetch: func(ctx context.Context) ([]models.FundingSnapshot, error) {
		return []models.FundingSnapshot{}, nil
	}}

	p := newTestProvider(f)

	_, err := p.FetchAll(context.Background(), false)
	if err == nil {
		t.Fatal("expected error when the only venue returns zero rows")
	}
	if !fault.IsTransient(err) {
		t.Errorf("error kind = %v, want transient", fault.KindOf(err))
	}
}

func TestProvider_FetchAll_PartialFailure(t *testing.T) {
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	healthy := &fakeFetcher{name: "binance", fetch: func(ctx context.Context) ([]models.FundingSnapshot, error) {
		return []models.FundingSnapshot{snap("binance", "BTCUSDT", 0.0001, base)}, nil
	}}
	broken := &fakeFetcher{name: "okx", fetch: func(ctx context.Context) ([]models.FundingSnapshot, error) {
		return nil, fault.New(fault.KindValidation, "okx api error")
	}}

	p := newTestProvider(healthy, broken)

	result, err := p.FetchAll(context.Background(), false)
	if err != nil {
		t.Fatalf("FetchAll must not fail while one venue produces rows: %v", err)
	}

	if len(result.Snapshots) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(result.Snapshots))
	}
	if len(result.Meta.ExchangesFailed) != 1 || result.Meta.ExchangesFailed[0] != "okx" {
		t.Errorf("exchanges_failed = %v, want [okx]", result.Meta.ExchangesFailed)
	}
	if len(result.Meta.Errors) != 1 || result.Meta.Errors[0].Exchange != "okx" {
		t.Errorf("errors = %v, want one okx entry", result.Meta.Errors)
	}
	if _, ok := result.Meta.ExchangeSources["okx"]; ok {
		t.Error("okx must not appear in exchange_sources without rows")
	}
}

func TestProvider_FetchAll_StaleFallback(t *testing.T) {
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	now := base
	var failing atomic.Bool

	f := &fakeFetcher{name: "binance", fetch: func(ctx context.Context) ([]models.FundingSnapshot, error) {
		if failing.Load() {
			return nil, fault.New(fault.KindTransient, "binance timeout")
		}
		return []models.FundingSnapshot{snap("binance", "BTCUSDT", 0.0001, base)}, nil
	}}

	p := newTestProvider(f)
	p.now = func() time.Time { return now }
	p.cache.now = p.now

	if _, err := p.FetchAll(context.Background(), false); err != nil {
		t.Fatalf("priming FetchAll returned error: %v", err)
	}

	// Запись возрастом 90s при TTL 60s и stale окне 120s, живой запрос падает
	now = base.Add(90 * time.Second)
	failing.Store(true)

	result, err := p.FetchAll(context.Background(), false)
	if err != nil {
		t.Fatalf("FetchAll must degrade to stale, got error: %v", err)
	}

	if len(result.Snapshots) != 1 {
		t.Fatalf("expected 1 stale snapshot, got %d", len(result.Snapshots))
	}
	if result.Snapshots[0].SourceTag != models.SourceStale {
		t.Errorf("row tag = %q, want %q", result.Snapshots[0].SourceTag, models.SourceStale)
	}
	if result.Meta.ExchangeSources["binance"] != models.SourceStale {
		t.Errorf("meta source = %q, want %q", result.Meta.ExchangeSources["binance"], models.SourceStale)
	}
	if len(result.Meta.ExchangesFailed) != 1 {
		t.Errorf("exchanges_failed = %v, want the failed venue listed", result.Meta.ExchangesFailed)
	}
	if result.Meta.CacheHit {
		t.Error("cache_hit must be false when a live fetch was attempted")
	}
}

func TestProvider_FetchAll_RetriesTransientOnce(t *testing.T) {
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	var attempts int32

	f := &fakeFetcher{name: "binance", fetch: func(ctx context.Context) ([]models.FundingSnapshot, error) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return nil, fault.New(fault.KindTransient, "binance 502")
		}
		return []models.FundingSnapshot{snap("binance", "BTCUSDT", 0.0001, base)}, nil
	}}

	p := newTestProvider(f)

	result, err := p.FetchAll(context.Background(), false)
	if err != nil {
		t.Fatalf("FetchAll returned error: %v", err)
	}

	if f.callCount() != 2 {
		t.Errorf("fetcher calls = %d, want 2 (one retry)", f.callCount())
	}
	if len(result.Meta.ExchangesOK) != 1 {
		t.Errorf("exchanges_ok = %v, want the venue after retry", result.Meta.ExchangesOK)
	}
}

func TestProvider_FetchAll_NoRetryOnValidation(t *testing.T) {
	f := &fakeFetcher{name: "binance", fetch: func(ctx context.Context) ([]models.FundingSnapshot, error) {
		return nil, fault.New(fault.KindValidation, "binance bad payload")
	}}

	p := newTestProvider(f)

	if _, err := p.FetchAll(context.Background(), false); err == nil {
		t.Fatal("expected error from the only failing venue")
	}
	if f.callCount() != 1 {
		t.Errorf("fetcher calls = %d, want 1 (validation errors are not retried)", f.callCount())
	}
}

func TestProvider_FetchAll_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	f := &fakeFetcher{name: "binance", fetch: func(ctx context.Context) ([]models.FundingSnapshot, error) {
		return nil, fault.New(fault.KindValidation, "binance down")
	}}

	p := newTestProvider(f)

	for i := 0; i < 3; i++ {
		if _, err := p.FetchAll(context.Background(), true); err == nil {
			t.Fatalf("FetchAll %d: expected error", i)
		}
	}

	// Четвертый вызов отбивается разомкнутым breaker'ом без похода на биржу
	if _, err := p.FetchAll(context.Background(), true); err == nil {
		t.Fatal("expected error while breaker is open")
	}
	if f.callCount() != 3 {
		t.Errorf("fetcher calls = %d, want 3 (breaker blocks the fourth)", f.callCount())
	}
}

func TestProvider_FetchAll_SingleflightCollapses(t *testing.T) {
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	release := make(chan struct{})

	f := &fakeFetcher{name: "binance", fetch: func(ctx context.Context) ([]models.FundingSnapshot, error) {
		<-release
		return []models.FundingSnapshot{snap("binance", "BTCUSDT", 0.0001, base)}, nil
	}}

	p := newTestProvider(f)

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = p.FetchAll(context.Background(), false)
		}(i)
	}

	// Даем обоим вызовам встать в singleflight, затем отпускаем
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("call %d returned error: %v", i, errs[i])
		}
		if len(results[i].Snapshots) != 1 {
			t.Fatalf("call %d: expected 1 snapshot", i)
		}
	}
	if f.callCount() != 1 {
		t.Errorf("fetcher calls = %d, want 1 (concurrent calls collapse)", f.callCount())
	}
}

func TestDedupKeepLatest(t *testing.T) {
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	older := snap("binance", "BTCUSDT", 0.0001, base)
	newer := snap("binance", "BTCUSDT", 0.0002, base.Add(time.Minute))
	other := snap("okx", "BTCUSDT", 0.0003, base)

	out := dedupKeepLatest([]models.FundingSnapshot{older, newer, other})

	if len(out) != 2 {
		t.Fatalf("expected 2 rows after dedup, got %d", len(out))
	}
	if out[0].Exchange != "binance" || out[0].FundingRateRaw != 0.0002 {
		t.Errorf("row 0 = %s %v, want binance with the newer rate", out[0].Exchange, out[0].FundingRateRaw)
	}
	if out[1].Exchange != "okx" {
		t.Errorf("row 1 exchange = %s, want okx", out[1].Exchange)
	}
}
