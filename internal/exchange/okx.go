package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/errgroup"

	"fundingarb/internal/models"
	"fundingarb/pkg/fault"
	"fundingarb/pkg/ratelimit"
)

const (
	okxBaseURL = "https://www.okx.com"

	okxFundingConcurrency = 8
	// Резерв на сборку ответа при расчете бюджета funding-rate запросов
	okxFundingBudgetReserve = 500 * time.Millisecond
)

// Коды OKX, означающие проблему ключей, подписи или passphrase
var okxAuthCodes = map[string]struct{}{
	"50105": {},
	"50111": {},
	"50113": {},
}

// OKX реализует интерфейс Adapter для биржи OKX (USDT-маржинальные свопы)
type OKX struct {
	apiKey     string
	secretKey  string
	passphrase string
	testnet    bool

	httpClient *http.Client
	limiter    *ratelimit.RateLimiter
	baseURL    string
}

// NewOKX создает новый адаптер OKX
func NewOKX(opts Options) *OKX {
	o := &OKX{
		httpClient: opts.httpClient(),
		limiter:    ratelimit.ForVenue(ExchangeOKX),
		baseURL:    okxBaseURL,
	}
	if opts.Credential != nil {
		o.apiKey = opts.Credential.APIKey
		o.secretKey = opts.Credential.APISecret
		o.passphrase = opts.Credential.Passphrase
		o.testnet = opts.Credential.Testnet
	}
	return o
}

func (o *OKX) Name() string {
	return ExchangeOKX
}

// okxInstID переводит нормализованный символ в обозначение контракта OKX
func okxInstID(symbol string) string {
	return BaseAsset(symbol) + "-USDT-SWAP"
}

// sign создает подпись запроса к OKX API v5
func (o *OKX) sign(timestamp, method, requestPath, body string) string {
	message := timestamp + method + requestPath + body
	h := hmac.New(sha256.New, []byte(o.secretKey))
	h.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// doRequest выполняет HTTP запрос к OKX API.
// Для ордеров код ошибки извлекается из data[0].sCode, если он есть.
func (o *OKX) doRequest(ctx context.Context, method, path string, query url.Values, body interface{}, signed bool) ([]byte, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, transportError(ExchangeOKX, err)
	}

	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}

	var bodyText string
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fault.Wrap(fault.KindInternal, "okx request encode failed", err)
		}
		bodyText = string(payload)
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, o.baseURL+requestPath, reader)
	if err != nil {
		return nil, transportError(ExchangeOKX, err)
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
		req.Header.Set("OK-ACCESS-KEY", o.apiKey)
		req.Header.Set("OK-ACCESS-SIGN", o.sign(timestamp, method, requestPath, bodyText))
		req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
		req.Header.Set("OK-ACCESS-PASSPHRASE", o.passphrase)
		if o.testnet {
			req.Header.Set("x-simulated-trading", "1")
		}
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, transportError(ExchangeOKX, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(ExchangeOKX, err)
	}

	var env struct {
		Code string          `json:"code"`
		Msg  string          `json:"msg"`
		Data jsoniter.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 400 {
			return nil, httpStatusError(ExchangeOKX, resp.StatusCode)
		}
		return nil, fault.Wrap(fault.KindInternal, "okx response decode failed", err)
	}
	if env.Code != "0" {
		code, msg := env.Code, env.Msg
		var details []struct {
			SCode string `json:"sCode"`
			SMsg  string `json:"sMsg"`
		}
		if err := json.Unmarshal(env.Data, &details); err == nil && len(details) > 0 && details[0].SCode != "" {
			code, msg = details[0].SCode, details[0].SMsg
		}
		return nil, apiError(ExchangeOKX, code, msg, okxAuthCodes)
	}
	return raw, nil
}

// FetchSnapshots собирает снимки фандинга по всем USDT свопам.
// instruments, tickers и open-interest запрашиваются параллельно;
// funding-rate у OKX только поконтрактный, поэтому добирается батчами
// под остаток бюджета контекста, частичный результат допустим.
func (o *OKX) FetchSnapshots(ctx context.Context) ([]models.FundingSnapshot, error) {
	var (
		instruments []okxInstrument
		tickers     map[string]okxTicker
		openInt     map[string]float64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		instruments, err = o.fetchInstruments(gctx, "")
		return err
	})
	g.Go(func() error {
		var err error
		tickers, err = o.fetchTickers(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		openInt, err = o.fetchOpenInterest(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	instIDs := make([]string, 0, len(instruments))
	for _, inst := range instruments {
		instIDs = append(instIDs, inst.InstID)
	}
	funding := o.fetchFundingRates(ctx, instIDs)

	now := time.Now().UTC()
	snapshots := make([]models.FundingSnapshot, 0, len(instruments))
	for _, inst := range instruments {
		rate, ok := funding[inst.InstID]
		if !ok {
			continue
		}
		fundingRate, err := strconv.ParseFloat(rate.FundingRate, 64)
		if err != nil {
			continue
		}
		normalized, err := NormalizeUSDTSymbol(inst.InstID)
		if err != nil {
			continue
		}

		ticker := tickers[inst.InstID]
		lastPrice, _ := strconv.ParseFloat(ticker.Last, 64)

		fundingTime, _ := strconv.ParseInt(rate.FundingTime, 10, 64)
		nextFundingTime, _ := strconv.ParseInt(rate.NextFundingTime, 10, 64)

		snap := models.FundingSnapshot{
			Exchange:             ExchangeOKX,
			Symbol:               normalized,
			FundingRateRaw:       fundingRate,
			FundingIntervalHours: inferOKXFundingInterval(fundingTime, nextFundingTime),
			NextFundingTime:      nextFundingTime,
			MarkPrice:            lastPrice,
			SourceTag:            models.SourceRest,
			FetchedAt:            now,
		}
		if usd, ok := openInt[inst.InstID]; ok {
			v := usd
			snap.OpenInterestUSD = &v
		}
		if volCcy, err := strconv.ParseFloat(ticker.VolCcy24h, 64); err == nil && lastPrice > 0 {
			vol := lastPrice * volCcy
			snap.Volume24hUSD = &vol
		}
		if lever, err := strconv.ParseFloat(inst.Lever, 64); err == nil && lever > 0 {
			l := lever
			snap.MaxLeverage = &l
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}

// inferOKXFundingInterval выводит интервал фандинга из пары таймстемпов
// расчетов, по умолчанию 8 часов
func inferOKXFundingInterval(fundingTime, nextFundingTime int64) int {
	if fundingTime > 0 && nextFundingTime > fundingTime {
		hours := int(math.Round(float64(nextFundingTime-fundingTime) / 3600000))
		if hours > 0 {
			return hours
		}
	}
	return 8
}

type okxInstrument struct {
	InstID string `json:"instId"`
	Lever  string `json:"lever"`
	CtVal  string `json:"ctVal"`
}

func (o *OKX) fetchInstruments(ctx context.Context, instID string) ([]okxInstrument, error) {
	query := url.Values{}
	query.Set("instType", "SWAP")
	if instID != "" {
		query.Set("instId", instID)
	}
	raw, err := o.doRequest(ctx, http.MethodGet, "/api/v5/public/instruments", query, nil, false)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Data []struct {
			okxInstrument
			InstType  string `json:"instType"`
			SettleCcy string `json:"settleCcy"`
			State     string `json:"state"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "okx instruments decode failed", err)
	}
	instruments := make([]okxInstrument, 0, len(resp.Data))
	for _, row := range resp.Data {
		if row.InstType == "SWAP" && row.SettleCcy == "USDT" && row.State == "live" && row.InstID != "" {
			instruments = append(instruments, row.okxInstrument)
		}
	}
	return instruments, nil
}

type okxTicker struct {
	Last      string `json:"last"`
	VolCcy24h string `json:"volCcy24h"`
}

func (o *OKX) fetchTickers(ctx context.Context) (map[string]okxTicker, error) {
	query := url.Values{}
	query.Set("instType", "SWAP")
	raw, err := o.doRequest(ctx, http.MethodGet, "/api/v5/market/tickers", query, nil, false)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Data []struct {
			InstID string `json:"instId"`
			okxTicker
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "okx tickers decode failed", err)
	}
	tickers := make(map[string]okxTicker, len(resp.Data))
	for _, row := range resp.Data {
		if row.InstID != "" {
			tickers[row.InstID] = row.okxTicker
		}
	}
	return tickers, nil
}

func (o *OKX) fetchOpenInterest(ctx context.Context) (map[string]float64, error) {
	query := url.Values{}
	query.Set("instType", "SWAP")
	raw, err := o.doRequest(ctx, http.MethodGet, "/api/v5/public/open-interest", query, nil, false)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Data []struct {
			InstID string `json:"instId"`
			OiUSD  string `json:"oiUsd"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "okx open-interest decode failed", err)
	}
	openInt := make(map[string]float64, len(resp.Data))
	for _, row := range resp.Data {
		if usd, err := strconv.ParseFloat(row.OiUSD, 64); err == nil {
			openInt[row.InstID] = usd
		}
	}
	return openInt, nil
}

type okxFundingRate struct {
	FundingRate     string `json:"fundingRate"`
	FundingTime     string `json:"fundingTime"`
	NextFundingTime string `json:"nextFundingTime"`
}

// fetchFundingRates добирает funding-rate поконтрактно батчами.
// Запросов много, поэтому работа идет под остатком бюджета контекста:
// по его исчерпании возвращается частичная карта вместо ошибки.
func (o *OKX) fetchFundingRates(ctx context.Context, instIDs []string) map[string]okxFundingRate {
	budget := okxFundingBudget(ctx)
	started := time.Now()

	var mu sync.Mutex
	result := make(map[string]okxFundingRate, len(instIDs))

	batchSize := okxFundingConcurrency * 3
	for offset := 0; offset < len(instIDs); offset += batchSize {
		if time.Since(started) > budget {
			break
		}
		end := offset + batchSize
		if end > len(instIDs) {
			end = len(instIDs)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(okxFundingConcurrency)
		for _, instID := range instIDs[offset:end] {
			instID := instID
			g.Go(func() error {
				if time.Since(started) > budget || gctx.Err() != nil {
					return nil
				}
				query := url.Values{}
				query.Set("instId", instID)
				raw, err := o.doRequest(gctx, http.MethodGet, "/api/v5/public/funding-rate", query, nil, false)
				if err != nil {
					return nil
				}
				var resp struct {
					Data []okxFundingRate `json:"data"`
				}
				if err := json.Unmarshal(raw, &resp); err != nil || len(resp.Data) == 0 {
					return nil
				}
				mu.Lock()
				result[instID] = resp.Data[0]
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}
	return result
}

// okxFundingBudget выводит бюджет поконтрактных запросов из дедлайна контекста
func okxFundingBudget(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		budget := time.Until(deadline) - okxFundingBudgetReserve
		if budget < okxFundingBudgetReserve {
			budget = okxFundingBudgetReserve
		}
		return budget
	}
	return 3 * time.Second
}

// MarkPrice возвращает отметочную цену контракта
func (o *OKX) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	query := url.Values{}
	query.Set("instType", "SWAP")
	query.Set("instId", okxInstID(symbol))
	raw, err := o.doRequest(ctx, http.MethodGet, "/api/v5/public/mark-price", query, nil, false)
	if err != nil {
		return 0, err
	}
	var resp struct {
		Data []struct {
			MarkPx string `json:"markPx"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || len(resp.Data) == 0 {
		return 0, fault.Newf(fault.KindNotSupported, "okx: no mark price for %s", symbol)
	}
	price, err := strconv.ParseFloat(resp.Data[0].MarkPx, 64)
	if err != nil || price <= 0 {
		return 0, fault.Newf(fault.KindNotSupported, "okx: no mark price for %s", symbol)
	}
	return price, nil
}

// MaxLeverage возвращает максимальное плечо контракта
func (o *OKX) MaxLeverage(ctx context.Context, symbol string) (float64, error) {
	instruments, err := o.fetchInstruments(ctx, okxInstID(symbol))
	if err != nil {
		return 0, err
	}
	if len(instruments) == 0 {
		return 0, fault.Newf(fault.KindNotSupported, "okx: unknown contract %s", symbol)
	}
	lever, err := strconv.ParseFloat(instruments[0].Lever, 64)
	if err != nil || lever <= 0 {
		return 0, fault.Newf(fault.KindNotSupported, "okx: no leverage data for %s", symbol)
	}
	return lever, nil
}

// ContractSize возвращает размер контракта ctVal в базовом активе
func (o *OKX) ContractSize(ctx context.Context, symbol string) (float64, error) {
	instruments, err := o.fetchInstruments(ctx, okxInstID(symbol))
	if err != nil {
		return 0, err
	}
	if len(instruments) == 0 {
		return 0, fault.Newf(fault.KindNotSupported, "okx: unknown contract %s", symbol)
	}
	ctVal, err := strconv.ParseFloat(instruments[0].CtVal, 64)
	if err != nil || ctVal <= 0 {
		return 0, fault.Newf(fault.KindNotSupported, "okx: no contract size for %s", symbol)
	}
	return ctVal, nil
}

// PlaceMarketOrder размещает рыночный ордер.
// Количество пересчитывается в контракты через ctVal. Первая попытка
// идет с posSide long/short; на ошибку параметров (51000) выполняется
// один повтор с posSide=net, при закрытии добавляется reduceOnly.
func (o *OKX) PlaceMarketOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	ctVal, err := o.ContractSize(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	contracts, err := ToContracts(req.Quantity, ctVal)
	if err != nil {
		return nil, err
	}

	instID := okxInstID(req.Symbol)
	posSide := "short"
	if (req.Side == SideBuy) != req.ReduceOnly {
		posSide = "long"
	}

	body := map[string]interface{}{
		"instId":  instID,
		"tdMode":  "cross",
		"side":    req.Side,
		"ordType": "market",
		"sz":      formatQty(contracts),
		"posSide": posSide,
	}

	raw, err := o.doRequest(ctx, http.MethodPost, "/api/v5/trade/order", nil, body, true)
	if err != nil {
		var exErr *ExchangeError
		if errors.As(err, &exErr) && exErr.Code == "51000" {
			retryBody := map[string]interface{}{
				"instId":  instID,
				"tdMode":  "cross",
				"side":    req.Side,
				"ordType": "market",
				"sz":      formatQty(contracts),
				"posSide": "net",
			}
			if req.ReduceOnly {
				retryBody["reduceOnly"] = true
			}
			retryRaw, retryErr := o.doRequest(ctx, http.MethodPost, "/api/v5/trade/order", nil, retryBody, true)
			if retryErr != nil {
				return nil, orderDispatchError(ExchangeOKX, retryErr)
			}
			result, parseErr := o.parseOrderResult(ctx, retryRaw, req, instID, ctVal)
			if parseErr != nil {
				return nil, parseErr
			}
			result.Note = "posSide rejected (51000), retried with posSide=net"
			return result, nil
		}
		return nil, orderDispatchError(ExchangeOKX, err)
	}
	return o.parseOrderResult(ctx, raw, req, instID, ctVal)
}

func (o *OKX) parseOrderResult(ctx context.Context, raw []byte, req OrderRequest, instID string, ctVal float64) (*OrderResult, error) {
	var resp struct {
		Data []struct {
			OrdID string `json:"ordId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || len(resp.Data) == 0 {
		return nil, fault.Wrap(fault.KindInternal, "okx order decode failed", err)
	}

	var rawMap models.JSONMap
	_ = json.Unmarshal(raw, &rawMap)

	result := &OrderResult{
		OrderID:   resp.Data[0].OrdID,
		FilledQty: req.Quantity,
		Raw:       rawMap,
	}

	// Детали исполнения добираются отдельным запросом, сбой не критичен
	if filled, avgPrice, err := o.fetchOrderFill(ctx, instID, result.OrderID); err == nil {
		if filled > 0 {
			result.FilledQty = FromContracts(filled, ctVal)
		}
		result.AvgPrice = avgPrice
	}
	return result, nil
}

// fetchOrderFill возвращает исполненный объем в контрактах и среднюю цену
func (o *OKX) fetchOrderFill(ctx context.Context, instID, orderID string) (float64, float64, error) {
	query := url.Values{}
	query.Set("instId", instID)
	query.Set("ordId", orderID)
	raw, err := o.doRequest(ctx, http.MethodGet, "/api/v5/trade/order", query, nil, true)
	if err != nil {
		return 0, 0, err
	}
	var resp struct {
		Data []struct {
			AccFillSz string `json:"accFillSz"`
			AvgPx     string `json:"avgPx"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || len(resp.Data) == 0 {
		return 0, 0, fault.Wrap(fault.KindInternal, "okx order detail decode failed", err)
	}
	filled, _ := strconv.ParseFloat(resp.Data[0].AccFillSz, 64)
	avgPrice, _ := strconv.ParseFloat(resp.Data[0].AvgPx, 64)
	return filled, avgPrice, nil
}

// CancelOrder отменяет ордер по биржевому идентификатору
func (o *OKX) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]interface{}{
		"instId": okxInstID(symbol),
		"ordId":  orderID,
	}
	_, err := o.doRequest(ctx, http.MethodPost, "/api/v5/trade/cancel-order", nil, body, true)
	return err
}

// SetLeverage устанавливает плечо кросс-маржи
func (o *OKX) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	body := map[string]interface{}{
		"instId":  okxInstID(symbol),
		"lever":   formatQty(leverage),
		"mgnMode": "cross",
	}
	_, err := o.doRequest(ctx, http.MethodPost, "/api/v5/account/set-leverage", nil, body, true)
	return err
}
