package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"fundingarb/internal/models"
	"fundingarb/pkg/fault"
	"fundingarb/pkg/ratelimit"
)

const (
	binanceFAPIBaseURL = "https://fapi.binance.com"
	binancePAPIBaseURL = "https://papi.binance.com"
	binanceTestnetURL  = "https://testnet.binancefuture.com"

	// Публичный эндпоинт брекетов риска, не требует ключей
	binanceBracketsURL = "https://www.binance.com/bapi/futures/v1/public/future/common/brackets"

	binanceRecvWindow    = "5000"
	binanceOIConcurrency = 8
)

// Коды binance, означающие проблему ключей или подписи
var binanceAuthCodes = map[string]struct{}{
	"-1022": {},
	"-2014": {},
	"-2015": {},
}

// Binance реализует интерфейс Adapter для биржи Binance (USDT-M фьючерсы).
// Торговые запросы маршрутизируются через portfolio margin (papi),
// признак единого аккаунта - первичная подсказка маршрутизации.
type Binance struct {
	apiKey    string
	secretKey string
	testnet   bool

	// unified: торговые пути papi (/papi/v1/um/...), иначе классические fapi.
	// На testnet papi недоступен.
	unified bool

	httpClient *http.Client
	limiter    *ratelimit.RateLimiter

	fapiURL     string
	papiURL     string
	bracketsURL string

	levCache     *leverageCache
	skipLeverage bool
}

// NewBinance создает новый адаптер Binance
func NewBinance(opts Options) *Binance {
	b := &Binance{
		unified:      true,
		httpClient:   opts.httpClient(),
		limiter:      ratelimit.ForVenue(ExchangeBinance),
		fapiURL:      binanceFAPIBaseURL,
		papiURL:      binancePAPIBaseURL,
		bracketsURL:  binanceBracketsURL,
		levCache:     newLeverageCache(opts.LeverageCacheTTL),
		skipLeverage: opts.DisableLeverage,
	}
	if opts.Credential != nil {
		b.apiKey = opts.Credential.APIKey
		b.secretKey = opts.Credential.APISecret
		b.testnet = opts.Credential.Testnet
	}
	if b.testnet {
		b.unified = false
		b.fapiURL = binanceTestnetURL
		b.papiURL = binanceTestnetURL
	}
	return b
}

func (b *Binance) Name() string {
	return ExchangeBinance
}

// sign создает подпись HMAC-SHA256 для подписанных запросов
func (b *Binance) sign(payload string) string {
	h := hmac.New(sha256.New, []byte(b.secretKey))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// doRequest выполняет HTTP запрос к API Binance
func (b *Binance) doRequest(ctx context.Context, method, baseURL, path string, params url.Values, signed bool) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, transportError(ExchangeBinance, err)
	}

	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		params.Set("recvWindow", binanceRecvWindow)
	}
	encoded := params.Encode()
	if signed {
		encoded += "&signature=" + b.sign(encoded)
	}

	reqURL := baseURL + path
	var body io.Reader
	if method == http.MethodPost {
		body = strings.NewReader(encoded)
	} else if encoded != "" {
		reqURL += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, transportError(ExchangeBinance, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", b.apiKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, transportError(ExchangeBinance, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(ExchangeBinance, err)
	}

	// Binance кладет код ошибки в тело и при не-2xx статусе
	var apiResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &apiResp); err == nil && apiResp.Code != 0 {
		return nil, apiError(ExchangeBinance, strconv.Itoa(apiResp.Code), apiResp.Msg, binanceAuthCodes)
	}
	if resp.StatusCode >= 400 {
		return nil, httpStatusError(ExchangeBinance, resp.StatusCode)
	}
	return raw, nil
}

// FetchSnapshots собирает снимки фандинга по всем USDT перпетуалам.
// premiumIndex, ticker/24hr, exchangeInfo и fundingInfo запрашиваются
// параллельно, открытый интерес добирается посимвольно под семафором.
func (b *Binance) FetchSnapshots(ctx context.Context) ([]models.FundingSnapshot, error) {
	var (
		premium   []binancePremiumIndex
		volumes   map[string]float64
		perpetual []string
		intervals map[string]int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		premium, err = b.fetchPremiumIndex(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		volumes, err = b.fetchQuoteVolumes(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		perpetual, err = b.fetchPerpetualSymbols(gctx)
		return err
	})
	g.Go(func() error {
		// Нестандартные интервалы фандинга; сбой не фатален
		intervals = b.fetchFundingIntervals(gctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	premiumMap := make(map[string]binancePremiumIndex, len(premium))
	for _, row := range premium {
		premiumMap[row.Symbol] = row
	}

	var leverage map[string]float64
	if !b.skipLeverage {
		leverage = b.leverageMap(ctx)
	}
	oi := b.fetchOpenInterestMap(ctx, perpetual)

	now := time.Now().UTC()
	snapshots := make([]models.FundingSnapshot, 0, len(perpetual))
	for _, symbol := range perpetual {
		row, ok := premiumMap[symbol]
		if !ok {
			continue
		}
		rate, err := strconv.ParseFloat(row.LastFundingRate, 64)
		if err != nil {
			continue
		}
		markPrice, _ := strconv.ParseFloat(row.MarkPrice, 64)

		normalized, err := NormalizeUSDTSymbol(symbol)
		if err != nil {
			continue
		}

		interval := 8
		if hours, ok := intervals[symbol]; ok && hours > 0 {
			interval = hours
		}

		snap := models.FundingSnapshot{
			Exchange:             ExchangeBinance,
			Symbol:               normalized,
			FundingRateRaw:       rate,
			FundingIntervalHours: interval,
			NextFundingTime:      row.NextFundingTime,
			MarkPrice:            markPrice,
			SourceTag:            models.SourceRest,
			FetchedAt:            now,
		}
		if qty, ok := oi[symbol]; ok && markPrice > 0 {
			usd := qty * markPrice
			snap.OpenInterestUSD = &usd
		}
		if vol, ok := volumes[symbol]; ok {
			v := vol
			snap.Volume24hUSD = &v
		}
		if lev, ok := leverage[normalized]; ok {
			l := lev
			snap.MaxLeverage = &l
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}

type binancePremiumIndex struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
}

func (b *Binance) fetchPremiumIndex(ctx context.Context) ([]binancePremiumIndex, error) {
	raw, err := b.doRequest(ctx, http.MethodGet, b.fapiURL, "/fapi/v1/premiumIndex", nil, false)
	if err != nil {
		return nil, err
	}
	var rows []binancePremiumIndex
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "binance premiumIndex decode failed", err)
	}
	return rows, nil
}

func (b *Binance) fetchQuoteVolumes(ctx context.Context) (map[string]float64, error) {
	raw, err := b.doRequest(ctx, http.MethodGet, b.fapiURL, "/fapi/v1/ticker/24hr", nil, false)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Symbol      string `json:"symbol"`
		QuoteVolume string `json:"quoteVolume"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "binance ticker decode failed", err)
	}
	volumes := make(map[string]float64, len(rows))
	for _, row := range rows {
		if vol, err := strconv.ParseFloat(row.QuoteVolume, 64); err == nil {
			volumes[row.Symbol] = vol
		}
	}
	return volumes, nil
}

func (b *Binance) fetchPerpetualSymbols(ctx context.Context) ([]string, error) {
	raw, err := b.doRequest(ctx, http.MethodGet, b.fapiURL, "/fapi/v1/exchangeInfo", nil, false)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Symbols []struct {
			Symbol       string `json:"symbol"`
			QuoteAsset   string `json:"quoteAsset"`
			ContractType string `json:"contractType"`
			Status       string `json:"status"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "binance exchangeInfo decode failed", err)
	}
	symbols := make([]string, 0, len(resp.Symbols))
	for _, row := range resp.Symbols {
		if row.QuoteAsset == "USDT" && row.ContractType == "PERPETUAL" && row.Status == "TRADING" {
			symbols = append(symbols, row.Symbol)
		}
	}
	return symbols, nil
}

// fetchFundingIntervals возвращает нестандартные интервалы фандинга.
// Эндпоинт перечисляет только символы с интервалом, отличным от 8 часов.
func (b *Binance) fetchFundingIntervals(ctx context.Context) map[string]int {
	raw, err := b.doRequest(ctx, http.MethodGet, b.fapiURL, "/fapi/v1/fundingInfo", nil, false)
	if err != nil {
		return nil
	}
	var rows []struct {
		Symbol               string `json:"symbol"`
		FundingIntervalHours int    `json:"fundingIntervalHours"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil
	}
	intervals := make(map[string]int, len(rows))
	for _, row := range rows {
		if row.FundingIntervalHours > 0 {
			intervals[row.Symbol] = row.FundingIntervalHours
		}
	}
	return intervals
}

// fetchOpenInterestMap добирает открытый интерес посимвольно.
// Отдельные сбои пропускаются, частичная карта допустима.
func (b *Binance) fetchOpenInterestMap(ctx context.Context, symbols []string) map[string]float64 {
	var mu sync.Mutex
	oi := make(map[string]float64, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(binanceOIConcurrency)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			params := url.Values{}
			params.Set("symbol", symbol)
			raw, err := b.doRequest(gctx, http.MethodGet, b.fapiURL, "/fapi/v1/openInterest", params, false)
			if err != nil {
				return nil
			}
			var resp struct {
				OpenInterest string `json:"openInterest"`
			}
			if err := json.Unmarshal(raw, &resp); err != nil {
				return nil
			}
			if qty, err := strconv.ParseFloat(resp.OpenInterest, 64); err == nil {
				mu.Lock()
				oi[symbol] = qty
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return oi
}

// MarkPrice возвращает отметочную цену символа
func (b *Binance) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	raw, err := b.doRequest(ctx, http.MethodGet, b.fapiURL, "/fapi/v1/premiumIndex", params, false)
	if err != nil {
		return 0, err
	}
	var resp struct {
		MarkPrice string `json:"markPrice"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, fault.Wrap(fault.KindInternal, "binance premiumIndex decode failed", err)
	}
	price, err := strconv.ParseFloat(resp.MarkPrice, 64)
	if err != nil || price <= 0 {
		return 0, fault.Newf(fault.KindNotSupported, "binance: no mark price for %s", symbol)
	}
	return price, nil
}

// MaxLeverage возвращает максимальное плечо символа из карты брекетов
func (b *Binance) MaxLeverage(ctx context.Context, symbol string) (float64, error) {
	leverage := b.leverageMap(ctx)
	if lev, ok := leverage[symbol]; ok {
		return lev, nil
	}
	return 0, fault.Newf(fault.KindNotSupported, "binance: no leverage data for %s", symbol)
}

// ContractSize возвращает 1: binance принимает количество в базовом активе
func (b *Binance) ContractSize(ctx context.Context, symbol string) (float64, error) {
	return 1, nil
}

// tradeBase возвращает хост и префикс торговых путей согласно режиму аккаунта
func (b *Binance) tradeBase() (string, string) {
	if b.unified {
		return b.papiURL, "/papi/v1/um"
	}
	return b.fapiURL, "/fapi/v1"
}

// PlaceMarketOrder размещает рыночный ордер.
// Первая попытка идет с positionSide LONG/SHORT (hedge-режим аккаунта);
// на код -4061 выполняется один повтор с positionSide=BOTH и диагностической
// пометкой в результате.
func (b *Binance) PlaceMarketOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	positionSide := b.positionSideFor(req)

	result, err := b.submitOrder(ctx, req, positionSide)
	if err == nil {
		return result, nil
	}

	var exErr *ExchangeError
	if errors.As(err, &exErr) && exErr.Code == "-4061" && positionSide != "BOTH" {
		retried, retryErr := b.submitOrder(ctx, req, "BOTH")
		if retryErr != nil {
			return nil, orderDispatchError(ExchangeBinance, retryErr)
		}
		retried.Note = "position mode mismatch (-4061), retried with positionSide=BOTH"
		return retried, nil
	}
	return nil, orderDispatchError(ExchangeBinance, err)
}

// positionSideFor выводит positionSide из намерения ноги:
// открытие buy - LONG, открытие sell - SHORT, закрытие наоборот.
func (b *Binance) positionSideFor(req OrderRequest) string {
	if req.ReduceOnly {
		if req.Side == SideBuy {
			return "SHORT"
		}
		return "LONG"
	}
	if req.Side == SideBuy {
		return "LONG"
	}
	return "SHORT"
}

func (b *Binance) submitOrder(ctx context.Context, req OrderRequest, positionSide string) (*OrderResult, error) {
	base, prefix := b.tradeBase()

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(req.Side))
	params.Set("type", "MARKET")
	params.Set("quantity", strconv.FormatFloat(req.Quantity, 'f', -1, 64))
	params.Set("positionSide", positionSide)
	params.Set("newOrderRespType", "RESULT")
	// В hedge-режиме закрытие выражается через positionSide,
	// reduceOnly допустим только в one-way (BOTH)
	if req.ReduceOnly && positionSide == "BOTH" {
		params.Set("reduceOnly", "true")
	}

	raw, err := b.doRequest(ctx, http.MethodPost, base, prefix+"/order", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		OrderID     int64  `json:"orderId"`
		Status      string `json:"status"`
		AvgPrice    string `json:"avgPrice"`
		ExecutedQty string `json:"executedQty"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "binance order decode failed", err)
	}

	filled, _ := strconv.ParseFloat(resp.ExecutedQty, 64)
	if filled == 0 {
		filled = req.Quantity
	}
	avgPrice, _ := strconv.ParseFloat(resp.AvgPrice, 64)

	var rawMap models.JSONMap
	_ = json.Unmarshal(raw, &rawMap)

	return &OrderResult{
		OrderID:   strconv.FormatInt(resp.OrderID, 10),
		FilledQty: filled,
		AvgPrice:  avgPrice,
		Raw:       rawMap,
	}, nil
}

// CancelOrder отменяет ордер по биржевому идентификатору
func (b *Binance) CancelOrder(ctx context.Context, symbol, orderID string) error {
	base, prefix := b.tradeBase()
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	_, err := b.doRequest(ctx, http.MethodDelete, base, prefix+"/order", params, true)
	return err
}

// SetLeverage устанавливает плечо. Binance принимает только целое значение.
func (b *Binance) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	base, prefix := b.tradeBase()
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(int(math.Round(leverage))))
	_, err := b.doRequest(ctx, http.MethodPost, base, prefix+"/leverage", params, true)
	return err
}
