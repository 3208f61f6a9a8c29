package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fundingarb/internal/models"
	"fundingarb/pkg/fault"
	"fundingarb/pkg/ratelimit"
)

const (
	bybitBaseURL    = "https://api.bybit.com"
	bybitTestnetURL = "https://api-testnet.bybit.com"
	bybitRecvWindow = "5000"
)

// Коды Bybit, означающие проблему ключей или подписи
var bybitAuthCodes = map[string]struct{}{
	"10003": {},
	"10004": {},
	"10005": {},
	"33004": {},
}

// Bybit реализует интерфейс Adapter для биржи Bybit (linear перпетуалы)
type Bybit struct {
	apiKey    string
	secretKey string

	httpClient *http.Client
	limiter    *ratelimit.RateLimiter
	baseURL    string
}

// NewBybit создает новый адаптер Bybit
func NewBybit(opts Options) *Bybit {
	b := &Bybit{
		httpClient: opts.httpClient(),
		limiter:    ratelimit.ForVenue(ExchangeBybit),
		baseURL:    bybitBaseURL,
	}
	if opts.Credential != nil {
		b.apiKey = opts.Credential.APIKey
		b.secretKey = opts.Credential.APISecret
		if opts.Credential.Testnet {
			b.baseURL = bybitTestnetURL
		}
	}
	return b
}

func (b *Bybit) Name() string {
	return ExchangeBybit
}

// sign создает подпись для запроса к Bybit API v5
func (b *Bybit) sign(timestamp string, params string) string {
	message := timestamp + b.apiKey + bybitRecvWindow + params
	h := hmac.New(sha256.New, []byte(b.secretKey))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

// doRequest выполняет HTTP запрос к Bybit API.
// Для GET подписывается query string, для POST тело в JSON.
func (b *Bybit) doRequest(ctx context.Context, method, endpoint string, query url.Values, body map[string]interface{}, signed bool) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, transportError(ExchangeBybit, err)
	}

	var signPayload string
	var reqBody string
	reqURL := b.baseURL + endpoint
	if method == http.MethodGet {
		signPayload = query.Encode()
		if signPayload != "" {
			reqURL += "?" + signPayload
		}
	} else if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fault.Wrap(fault.KindInternal, "bybit request encode failed", err)
		}
		reqBody = string(payload)
		signPayload = reqBody
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, strings.NewReader(reqBody))
	if err != nil {
		return nil, transportError(ExchangeBybit, err)
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		req.Header.Set("X-BAPI-API-KEY", b.apiKey)
		req.Header.Set("X-BAPI-SIGN", b.sign(timestamp, signPayload))
		req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
		req.Header.Set("X-BAPI-RECV-WINDOW", bybitRecvWindow)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, transportError(ExchangeBybit, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(ExchangeBybit, err)
	}

	var baseResp struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	if err := json.Unmarshal(raw, &baseResp); err != nil {
		if resp.StatusCode >= 400 {
			return nil, httpStatusError(ExchangeBybit, resp.StatusCode)
		}
		return nil, fault.Wrap(fault.KindInternal, "bybit response decode failed", err)
	}
	if baseResp.RetCode != 0 {
		return nil, apiError(ExchangeBybit, strconv.Itoa(baseResp.RetCode), baseResp.RetMsg, bybitAuthCodes)
	}
	return raw, nil
}

// FetchSnapshots собирает снимки фандинга по всем linear USDT перпетуалам.
// Интервал берется из тикера (fundingIntervalHour), иначе из инструмента
// (fundingInterval в минутах), иначе 8 часов.
func (b *Bybit) FetchSnapshots(ctx context.Context) ([]models.FundingSnapshot, error) {
	tickers, err := b.fetchTickers(ctx)
	if err != nil {
		return nil, err
	}
	instruments, err := b.fetchInstruments(ctx)
	if err != nil {
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

		instrument := instruments[row.Symbol]

		interval := 0
		if hours, err := strconv.ParseFloat(row.FundingIntervalHour, 64); err == nil && hours > 0 {
			interval = int(hours)
		} else if minutes, err := strconv.ParseFloat(instrument.FundingInterval, 64); err == nil && minutes > 0 {
			interval = int(minutes / 60)
		}
		if interval <= 0 {
			interval = 8
		}

		markPrice, _ := strconv.ParseFloat(row.MarkPrice, 64)
		nextFunding, _ := strconv.ParseInt(row.NextFundingTime, 10, 64)

		snap := models.FundingSnapshot{
			Exchange:             ExchangeBybit,
			Symbol:               normalized,
			FundingRateRaw:       rate,
			FundingIntervalHours: interval,
			NextFundingTime:      nextFunding,
			MarkPrice:            markPrice,
			SourceTag:            models.SourceRest,
			FetchedAt:            now,
		}
		if oi, err := strconv.ParseFloat(row.OpenInterestValue, 64); err == nil && oi > 0 {
			snap.OpenInterestUSD = &oi
		}
		if vol, err := strconv.ParseFloat(row.Turnover24h, 64); err == nil && vol > 0 {
			snap.Volume24hUSD = &vol
		}
		if lev, err := strconv.ParseFloat(instrument.LeverageFilter.MaxLeverage, 64); err == nil && lev > 0 {
			snap.MaxLeverage = &lev
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}

type bybitTicker struct {
	Symbol              string `json:"symbol"`
	FundingRate         string `json:"fundingRate"`
	FundingIntervalHour string `json:"fundingIntervalHour"`
	NextFundingTime     string `json:"nextFundingTime"`
	MarkPrice           string `json:"markPrice"`
	OpenInterestValue   string `json:"openInterestValue"`
	Turnover24h         string `json:"turnover24h"`
}

func (b *Bybit) fetchTickers(ctx context.Context) ([]bybitTicker, error) {
	query := url.Values{}
	query.Set("category", "linear")
	raw, err := b.doRequest(ctx, http.MethodGet, "/v5/market/tickers", query, nil, false)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Result struct {
			List []bybitTicker `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "bybit tickers decode failed", err)
	}
	return resp.Result.List, nil
}

type bybitInstrument struct {
	Symbol          string `json:"symbol"`
	FundingInterval string `json:"fundingInterval"` // в минутах
	LeverageFilter  struct {
		MaxLeverage string `json:"maxLeverage"`
	} `json:"leverageFilter"`
}

// fetchInstruments выгружает весь список инструментов по курсорной пагинации
func (b *Bybit) fetchInstruments(ctx context.Context) (map[string]bybitInstrument, error) {
	instruments := make(map[string]bybitInstrument)
	cursor := ""
	for {
		query := url.Values{}
		query.Set("category", "linear")
		query.Set("limit", "1000")
		if cursor != "" {
			query.Set("cursor", cursor)
		}
		raw, err := b.doRequest(ctx, http.MethodGet, "/v5/market/instruments-info", query, nil, false)
		if err != nil {
			return nil, err
		}
		var resp struct {
			Result struct {
				List           []bybitInstrument `json:"list"`
				NextPageCursor string            `json:"nextPageCursor"`
			} `json:"result"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fault.Wrap(fault.KindInternal, "bybit instruments decode failed", err)
		}
		if len(resp.Result.List) == 0 {
			break
		}
		for _, row := range resp.Result.List {
			if row.Symbol != "" {
				instruments[row.Symbol] = row
			}
		}
		cursor = resp.Result.NextPageCursor
		if cursor == "" {
			break
		}
	}
	return instruments, nil
}

// MarkPrice возвращает отметочную цену символа
func (b *Bybit) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	query := url.Values{}
	query.Set("category", "linear")
	query.Set("symbol", symbol)
	raw, err := b.doRequest(ctx, http.MethodGet, "/v5/market/tickers", query, nil, false)
	if err != nil {
		return 0, err
	}
	var resp struct {
		Result struct {
			List []struct {
				MarkPrice string `json:"markPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || len(resp.Result.List) == 0 {
		return 0, fault.Newf(fault.KindNotSupported, "bybit: no mark price for %s", symbol)
	}
	price, err := strconv.ParseFloat(resp.Result.List[0].MarkPrice, 64)
	if err != nil || price <= 0 {
		return 0, fault.Newf(fault.KindNotSupported, "bybit: no mark price for %s", symbol)
	}
	return price, nil
}

// MaxLeverage возвращает максимальное плечо символа
func (b *Bybit) MaxLeverage(ctx context.Context, symbol string) (float64, error) {
	query := url.Values{}
	query.Set("category", "linear")
	query.Set("symbol", symbol)
	raw, err := b.doRequest(ctx, http.MethodGet, "/v5/market/instruments-info", query, nil, false)
	if err != nil {
		return 0, err
	}
	var resp struct {
		Result struct {
			List []bybitInstrument `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || len(resp.Result.List) == 0 {
		return 0, fault.Newf(fault.KindNotSupported, "bybit: unknown instrument %s", symbol)
	}
	lev, err := strconv.ParseFloat(resp.Result.List[0].LeverageFilter.MaxLeverage, 64)
	if err != nil || lev <= 0 {
		return 0, fault.Newf(fault.KindNotSupported, "bybit: no leverage data for %s", symbol)
	}
	return lev, nil
}

// ContractSize возвращает 1: bybit принимает количество в базовом активе
func (b *Bybit) ContractSize(ctx context.Context, symbol string) (float64, error) {
	return 1, nil
}

// PlaceMarketOrder размещает рыночный ордер в one-way режиме (positionIdx 0)
func (b *Bybit) PlaceMarketOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	side := "Buy"
	if req.Side == SideSell {
		side = "Sell"
	}

	body := map[string]interface{}{
		"category":    "linear",
		"symbol":      req.Symbol,
		"side":        side,
		"orderType":   "Market",
		"qty":         formatQty(req.Quantity),
		"timeInForce": "IOC",
		"positionIdx": 0,
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}

	raw, err := b.doRequest(ctx, http.MethodPost, "/v5/order/create", nil, body, true)
	if err != nil {
		return nil, orderDispatchError(ExchangeBybit, err)
	}

	var resp struct {
		Result struct {
			OrderID string `json:"orderId"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "bybit order decode failed", err)
	}

	var rawMap models.JSONMap
	_ = json.Unmarshal(raw, &rawMap)

	result := &OrderResult{
		OrderID:   resp.Result.OrderID,
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
func (b *Bybit) fetchOrderFill(ctx context.Context, symbol, orderID string) (float64, float64, error) {
	query := url.Values{}
	query.Set("category", "linear")
	query.Set("symbol", symbol)
	query.Set("orderId", orderID)
	raw, err := b.doRequest(ctx, http.MethodGet, "/v5/order/realtime", query, nil, true)
	if err != nil {
		return 0, 0, err
	}
	var resp struct {
		Result struct {
			List []struct {
				CumExecQty string `json:"cumExecQty"`
				AvgPrice   string `json:"avgPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, 0, fault.Wrap(fault.KindInternal, "bybit order detail decode failed", err)
	}
	if len(resp.Result.List) == 0 {
		return 0, 0, fault.Newf(fault.KindInternal, "bybit: order %s not in realtime list", orderID)
	}
	filled, _ := strconv.ParseFloat(resp.Result.List[0].CumExecQty, 64)
	avgPrice, _ := strconv.ParseFloat(resp.Result.List[0].AvgPrice, 64)
	return filled, avgPrice, nil
}

// CancelOrder отменяет ордер по биржевому идентификатору
func (b *Bybit) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  orderID,
	}
	_, err := b.doRequest(ctx, http.MethodPost, "/v5/order/cancel", nil, body, true)
	return err
}

// SetLeverage устанавливает одинаковое плечо на обе стороны позиции.
// Код 110043 (leverage not modified) означает, что плечо уже выставлено,
// и ошибкой не считается.
func (b *Bybit) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	body := map[string]interface{}{
		"category":     "linear",
		"symbol":       symbol,
		"buyLeverage":  formatQty(leverage),
		"sellLeverage": formatQty(leverage),
	}
	_, err := b.doRequest(ctx, http.MethodPost, "/v5/position/set-leverage", nil, body, true)
	if err != nil {
		var exErr *ExchangeError
		if errors.As(err, &exErr) && exErr.Code == "110043" {
			return nil
		}
		return err
	}
	return nil
}
