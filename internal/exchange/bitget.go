package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"fundingarb/internal/models"
	"fundingarb/pkg/fault"
	"fundingarb/pkg/ratelimit"
)

const (
	bitgetBaseURL         = "https://api.bitget.com"
	bitgetProductType     = "USDT-FUTURES"
	bitgetDemoProductType = "SUSDT-FUTURES"
)

// Коды Bitget, означающие проблему ключей или подписи
var bitgetAuthCodes = map[string]struct{}{
	"40006": {},
	"40009": {},
	"40012": {},
	"40037": {},
}

// Bitget реализует интерфейс Adapter для биржи Bitget (USDT-M фьючерсы)
type Bitget struct {
	apiKey     string
	secretKey  string
	passphrase string
	testnet    bool

	httpClient *http.Client
	limiter    *ratelimit.RateLimiter
	baseURL    string
}

// NewBitget создает новый адаптер Bitget
func NewBitget(opts Options) *Bitget {
	b := &Bitget{
		httpClient: opts.httpClient(),
		limiter:    ratelimit.ForVenue(ExchangeBitget),
		baseURL:    bitgetBaseURL,
	}
	if opts.Credential != nil {
		b.apiKey = opts.Credential.APIKey
		b.secretKey = opts.Credential.APISecret
		b.passphrase = opts.Credential.Passphrase
		b.testnet = opts.Credential.Testnet
	}
	return b
}

func (b *Bitget) Name() string {
	return ExchangeBitget
}

// tradeProductType возвращает продукт для торговых запросов.
// Демо-трейдинг Bitget живет на том же хосте, но под продуктом
// SUSDT-FUTURES и заголовком paptrading.
func (b *Bitget) tradeProductType() string {
	if b.testnet {
		return bitgetDemoProductType
	}
	return bitgetProductType
}

// sign создает подпись для запроса к Bitget API v2
func (b *Bitget) sign(timestamp, method, requestPath, body string) string {
	message := timestamp + method + requestPath + body
	h := hmac.New(sha256.New, []byte(b.secretKey))
	h.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// doRequest выполняет HTTP запрос к Bitget API
func (b *Bitget) doRequest(ctx context.Context, method, path string, query url.Values, body interface{}, signed bool) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, transportError(ExchangeBitget, err)
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
			return nil, fault.Wrap(fault.KindInternal, "bitget request encode failed", err)
		}
		bodyText = string(payload)
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+requestPath, reader)
	if err != nil {
		return nil, transportError(ExchangeBitget, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("locale", "en-US")

	if signed {
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		req.Header.Set("ACCESS-KEY", b.apiKey)
		req.Header.Set("ACCESS-SIGN", b.sign(timestamp, method, requestPath, bodyText))
		req.Header.Set("ACCESS-TIMESTAMP", timestamp)
		req.Header.Set("ACCESS-PASSPHRASE", b.passphrase)
		if b.testnet {
			req.Header.Set("paptrading", "1")
		}
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, transportError(ExchangeBitget, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(ExchangeBitget, err)
	}

	var env struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 400 {
			return nil, httpStatusError(ExchangeBitget, resp.StatusCode)
		}
		return nil, fault.Wrap(fault.KindInternal, "bitget response decode failed", err)
	}
	if env.Code != "00000" {
		return nil, apiError(ExchangeBitget, env.Code, env.Msg, bitgetAuthCodes)
	}
	return raw, nil
}

// FetchSnapshots собирает снимки фандинга по всем USDT-M контрактам.
// Тикеры и справочник контрактов запрашиваются параллельно; открытый
// интерес считается как markPrice * holdingAmount, момент следующей
// выплаты Bitget в тикерах не отдает.
func (b *Bitget) FetchSnapshots(ctx context.Context) ([]models.FundingSnapshot, error) {
	var (
		tickers   []bitgetTicker
		contracts map[string]bitgetContract
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		tickers, err = b.fetchTickers(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		contracts, err = b.fetchContracts(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	snapshots := make([]models.FundingSnapshot, 0, len(tickers))
	for _, row := range tickers {
		if !strings.HasSuffix(row.Symbol, "USDT") {
			continue
		}
		rate, err := strconv.ParseFloat(row.FundingRate, 64)
		if err != nil {
			continue
		}
		normalized, err := NormalizeUSDTSymbol(row.Symbol)
		if err != nil {
			continue
		}

		contract := contracts[row.Symbol]

		interval := 0
		if hours, err := strconv.ParseFloat(contract.FundInterval, 64); err == nil && hours > 0 {
			interval = int(hours)
		}
		if interval <= 0 {
			interval = 8
		}

		markPrice, _ := strconv.ParseFloat(row.MarkPrice, 64)

		snap := models.FundingSnapshot{
			Exchange:             ExchangeBitget,
			Symbol:               normalized,
			FundingRateRaw:       rate,
			FundingIntervalHours: interval,
			MarkPrice:            markPrice,
			SourceTag:            models.SourceRest,
			FetchedAt:            now,
		}
		if holding, err := strconv.ParseFloat(row.HoldingAmount, 64); err == nil && holding > 0 && markPrice > 0 {
			oi := holding * markPrice
			snap.OpenInterestUSD = &oi
		}
		if vol, err := strconv.ParseFloat(row.USDTVolume, 64); err == nil && vol > 0 {
			snap.Volume24hUSD = &vol
		} else if vol, err := strconv.ParseFloat(row.QuoteVolume, 64); err == nil && vol > 0 {
			snap.Volume24hUSD = &vol
		}
		if lev, err := strconv.ParseFloat(contract.MaxLever, 64); err == nil && lev > 0 {
			snap.MaxLeverage = &lev
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}

type bitgetTicker struct {
	Symbol        string `json:"symbol"`
	FundingRate   string `json:"fundingRate"`
	MarkPrice     string `json:"markPrice"`
	HoldingAmount string `json:"holdingAmount"`
	USDTVolume    string `json:"usdtVolume"`
	QuoteVolume   string `json:"quoteVolume"`
}

func (b *Bitget) fetchTickers(ctx context.Context) ([]bitgetTicker, error) {
	query := url.Values{}
	query.Set("productType", bitgetProductType)
	raw, err := b.doRequest(ctx, http.MethodGet, "/api/v2/mix/market/tickers", query, nil, false)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Data []bitgetTicker `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "bitget tickers decode failed", err)
	}
	return resp.Data, nil
}

type bitgetContract struct {
	Symbol       string `json:"symbol"`
	FundInterval string `json:"fundInterval"` // в часах
	MaxLever     string `json:"maxLever"`
}

func (b *Bitget) fetchContracts(ctx context.Context) (map[string]bitgetContract, error) {
	query := url.Values{}
	query.Set("productType", bitgetProductType)
	raw, err := b.doRequest(ctx, http.MethodGet, "/api/v2/mix/market/contracts", query, nil, false)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Data []bitgetContract `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "bitget contracts decode failed", err)
	}
	contracts := make(map[string]bitgetContract, len(resp.Data))
	for _, row := range resp.Data {
		if row.Symbol != "" {
			contracts[row.Symbol] = row
		}
	}
	return contracts, nil
}

// MarkPrice возвращает отметочную цену символа
func (b *Bitget) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	query := url.Values{}
	query.Set("productType", bitgetProductType)
	query.Set("symbol", symbol)
	raw, err := b.doRequest(ctx, http.MethodGet, "/api/v2/mix/market/ticker", query, nil, false)
	if err != nil {
		return 0, err
	}
	var resp struct {
		Data []struct {
			MarkPrice string `json:"markPrice"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || len(resp.Data) == 0 {
		return 0, fault.Newf(fault.KindNotSupported, "bitget: no mark price for %s", symbol)
	}
	price, err := strconv.ParseFloat(resp.Data[0].MarkPrice, 64)
	if err != nil || price <= 0 {
		return 0, fault.Newf(fault.KindNotSupported, "bitget: no mark price for %s", symbol)
	}
	return price, nil
}

// MaxLeverage возвращает максимальное плечо символа
func (b *Bitget) MaxLeverage(ctx context.Context, symbol string) (float64, error) {
	query := url.Values{}
	query.Set("productType", bitgetProductType)
	query.Set("symbol", symbol)
	raw, err := b.doRequest(ctx, http.MethodGet, "/api/v2/mix/market/contracts", query, nil, false)
	if err != nil {
		return 0, err
	}
	var resp struct {
		Data []bitgetContract `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || len(resp.Data) == 0 {
		return 0, fault.Newf(fault.KindNotSupported, "bitget: unknown contract %s", symbol)
	}
	lev, err := strconv.ParseFloat(resp.Data[0].MaxLever, 64)
	if err != nil || lev <= 0 {
		return 0, fault.Newf(fault.KindNotSupported, "bitget: no leverage data for %s", symbol)
	}
	return lev, nil
}

// ContractSize возвращает 1: bitget принимает размер в базовом активе
func (b *Bitget) ContractSize(ctx context.Context, symbol string) (float64, error) {
	return 1, nil
}

// PlaceMarketOrder размещает рыночный ордер в one-way режиме
func (b *Bitget) PlaceMarketOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	reduceOnly := "NO"
	if req.ReduceOnly {
		reduceOnly = "YES"
	}

	body := map[string]interface{}{
		"symbol":      req.Symbol,
		"productType": b.tradeProductType(),
		"marginMode":  "crossed",
		"marginCoin":  "USDT",
		"size":        formatQty(req.Quantity),
		"side":        req.Side,
		"orderType":   "market",
		"reduceOnly":  reduceOnly,
	}

	raw, err := b.doRequest(ctx, http.MethodPost, "/api/v2/mix/order/place-order", nil, body, true)
	if err != nil {
		return nil, orderDispatchError(ExchangeBitget, err)
	}

	var resp struct {
		Data struct {
			OrderID string `json:"orderId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "bitget order decode failed", err)
	}

	var rawMap models.JSONMap
	_ = json.Unmarshal(raw, &rawMap)

	result := &OrderResult{
		OrderID:   resp.Data.OrderID,
		FilledQty: req.Quantity,
		Raw:       rawMap,
	}

	// Детали исполнения добираются отдельным запросом, его сбой не критичен
	if filled, avgPrice, err := b.fetchOrderFill(ctx, req.Symbol, result.OrderID); err == nil {
		if filled > 0 {
			result.FilledQty = filled
		}
		result.AvgPrice = avgPrice
	}
	return result, nil
}

// fetchOrderFill получает информацию об исполнении ордера
func (b *Bitget) fetchOrderFill(ctx context.Context, symbol, orderID string) (float64, float64, error) {
	query := url.Values{}
	query.Set("productType", b.tradeProductType())
	query.Set("symbol", symbol)
	query.Set("orderId", orderID)
	raw, err := b.doRequest(ctx, http.MethodGet, "/api/v2/mix/order/detail", query, nil, true)
	if err != nil {
		return 0, 0, err
	}
	var resp struct {
		Data struct {
			BaseVolume string `json:"baseVolume"`
			PriceAvg   string `json:"priceAvg"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, 0, fault.Wrap(fault.KindInternal, "bitget order detail decode failed", err)
	}
	filled, _ := strconv.ParseFloat(resp.Data.BaseVolume, 64)
	avgPrice, _ := strconv.ParseFloat(resp.Data.PriceAvg, 64)
	return filled, avgPrice, nil
}

// CancelOrder отменяет ордер по биржевому идентификатору
func (b *Bitget) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]interface{}{
		"symbol":      symbol,
		"productType": b.tradeProductType(),
		"orderId":     orderID,
	}
	_, err := b.doRequest(ctx, http.MethodPost, "/api/v2/mix/order/cancel-order", nil, body, true)
	return err
}

// SetLeverage устанавливает плечо для кросс-маржи
func (b *Bitget) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	body := map[string]interface{}{
		"symbol":      symbol,
		"productType": b.tradeProductType(),
		"marginCoin":  "USDT",
		"leverage":    formatQty(leverage),
	}
	_, err := b.doRequest(ctx, http.MethodPost, "/api/v2/mix/account/set-leverage", nil, body, true)
	return err
}
