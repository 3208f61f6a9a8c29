package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/errgroup"

	"fundingarb/internal/models"
	"fundingarb/pkg/fault"
	"fundingarb/pkg/ratelimit"
)

const (
	gateBaseURL    = "https://api.gateio.ws"
	gateTestnetURL = "https://fx-api-testnet.gateio.ws"
	gateWSURL      = "wss://fx-ws.gateio.ws/v4/ws/usdt"

	// Запас бюджета на сборку результата после WS захвата
	gateWSBudgetReserve = 500 * time.Millisecond
	// Размер пачки контрактов в одном subscribe сообщении
	gateWSSubscribeBatch = 100
)

// Метки Gate, означающие проблему ключей или подписи
var gateAuthCodes = map[string]struct{}{
	"INVALID_KEY":       {},
	"INVALID_SIGNATURE": {},
	"FORBIDDEN":         {},
}

// Gate реализует интерфейс Adapter для биржи Gate.io (USDT фьючерсы).
//
// Снимки фандинга собираются по цепочке деградации: объединенный проход
// contracts+tickers, затем только тикеры по REST, затем одноразовый
// захват канала futures.tickers по WebSocket. Каждый ярус помечает
// строки своим source_tag.
type Gate struct {
	apiKey    string
	secretKey string

	httpClient *http.Client
	limiter    *ratelimit.RateLimiter
	baseURL    string
	wsURL      string

	// Справочник контрактов с последнего удачного прохода.
	// Деградированные ярусы берут из него multiplier, интервал и плечо.
	metaMu   sync.RWMutex
	lastMeta map[string]gateContract
}

// NewGate создает новый адаптер Gate.io
func NewGate(opts Options) *Gate {
	g := &Gate{
		httpClient: opts.httpClient(),
		limiter:    ratelimit.ForVenue(ExchangeGate),
		baseURL:    gateBaseURL,
		wsURL:      gateWSURL,
	}
	if opts.Credential != nil {
		g.apiKey = opts.Credential.APIKey
		g.secretKey = opts.Credential.APISecret
		if opts.Credential.Testnet {
			g.baseURL = gateTestnetURL
		}
	}
	return g
}

func (g *Gate) Name() string {
	return ExchangeGate
}

// gateContractName переводит нормализованный символ в имя контракта Gate
func gateContractName(symbol string) string {
	return BaseAsset(symbol) + "_USDT"
}

// sign создает подпись запроса по схеме Gate API v4:
// HMAC-SHA512 от канонической строки с SHA-512 хэшем тела
func (g *Gate) sign(method, path, query, body, timestamp string) string {
	bodyHash := sha512.Sum512([]byte(body))
	payload := method + "\n" + path + "\n" + query + "\n" + hex.EncodeToString(bodyHash[:]) + "\n" + timestamp
	h := hmac.New(sha512.New, []byte(g.secretKey))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// doRequest выполняет HTTP запрос к Gate API.
// Об ошибках Gate сообщает HTTP статусом с меткой label в теле.
func (g *Gate) doRequest(ctx context.Context, method, path string, query url.Values, body interface{}, signed bool) ([]byte, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, transportError(ExchangeGate, err)
	}

	queryString := query.Encode()
	requestURL := g.baseURL + path
	if queryString != "" {
		requestURL += "?" + queryString
	}

	var bodyText string
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fault.Wrap(fault.KindInternal, "gateio request encode failed", err)
		}
		bodyText = string(payload)
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
	if err != nil {
		return nil, transportError(ExchangeGate, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if signed {
		timestamp := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set("KEY", g.apiKey)
		req.Header.Set("Timestamp", timestamp)
		req.Header.Set("SIGN", g.sign(method, path, queryString, bodyText, timestamp))
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, transportError(ExchangeGate, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(ExchangeGate, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, httpStatusError(ExchangeGate, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Label   string `json:"label"`
			Message string `json:"message"`
			Detail  string `json:"detail"`
		}
		if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Label != "" {
			message := apiErr.Message
			if message == "" {
				message = apiErr.Detail
			}
			return nil, apiError(ExchangeGate, apiErr.Label, message, gateAuthCodes)
		}
		return nil, httpStatusError(ExchangeGate, resp.StatusCode)
	}
	return raw, nil
}

type gateContract struct {
	Name             string `json:"name"`
	Status           string `json:"status"`
	QuantoMultiplier string `json:"quanto_multiplier"`
	FundingRate      string `json:"funding_rate"`
	FundingInterval  int64  `json:"funding_interval"`   // секунды
	FundingNextApply int64  `json:"funding_next_apply"` // unix секунды
	LeverageMax      string `json:"leverage_max"`
	MarkPrice        string `json:"mark_price"`
}

type gateTicker struct {
	Contract       string `json:"contract"`
	FundingRate    string `json:"funding_rate"`
	MarkPrice      string `json:"mark_price"`
	TotalSize      string `json:"total_size"`
	Volume24hQuote string `json:"volume_24h_quote"`
	Volume24hSettl string `json:"volume_24h_settle"`
}

// FetchSnapshots собирает снимки фандинга по всем USDT контрактам.
// Ярусы пробуются по порядку, ошибка возвращается от основного прохода.
func (g *Gate) FetchSnapshots(ctx context.Context) ([]models.FundingSnapshot, error) {
	snapshots, primaryErr := g.fetchUnified(ctx)
	if primaryErr == nil {
		return snapshots, nil
	}

	if snapshots, err := g.fetchTickersOnly(ctx); err == nil {
		return snapshots, nil
	}

	if snapshots, err := g.fetchViaWS(ctx); err == nil {
		return snapshots, nil
	}
	return nil, primaryErr
}

// fetchUnified - основной ярус: параллельный запрос справочника контрактов
// и тикеров с последующим объединением
func (g *Gate) fetchUnified(ctx context.Context) ([]models.FundingSnapshot, error) {
	var (
		contracts []gateContract
		tickers   []gateTicker
	)

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		contracts, err = g.fetchContracts(gctx)
		return err
	})
	eg.Go(func() error {
		var err error
		tickers, err = g.fetchTickers(gctx)
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	tickerMap := make(map[string]gateTicker, len(tickers))
	for _, row := range tickers {
		if row.Contract != "" {
			tickerMap[row.Contract] = row
		}
	}

	meta := make(map[string]gateContract, len(contracts))
	now := time.Now().UTC()
	snapshots := make([]models.FundingSnapshot, 0, len(contracts))
	for _, contract := range contracts {
		if !strings.HasSuffix(contract.Name, "_USDT") {
			continue
		}
		if !strings.EqualFold(contract.Status, "trading") {
			continue
		}
		meta[contract.Name] = contract

		snap, ok := g.buildRow(contract.Name, tickerMap[contract.Name], contract, models.SourceCCXT, now)
		if !ok {
			continue
		}
		snapshots = append(snapshots, snap)
	}

	g.metaMu.Lock()
	g.lastMeta = meta
	g.metaMu.Unlock()

	return snapshots, nil
}

// fetchTickersOnly - деградированный ярус: только тикеры по REST,
// метаданные контрактов берутся из справочника прошлого прохода
func (g *Gate) fetchTickersOnly(ctx context.Context) ([]models.FundingSnapshot, error) {
	tickers, err := g.fetchTickers(ctx)
	if err != nil {
		return nil, err
	}
	return g.rowsFromTickers(tickers, models.SourceRest)
}

// buildRow собирает один снимок из тикера и справочника контракта.
// Ставка берется из тикера, при его отсутствии из контракта; строка
// без ставки отбрасывается.
func (g *Gate) buildRow(name string, ticker gateTicker, contract gateContract, tag string, now time.Time) (models.FundingSnapshot, bool) {
	rate, err := strconv.ParseFloat(ticker.FundingRate, 64)
	if err != nil {
		if rate, err = strconv.ParseFloat(contract.FundingRate, 64); err != nil {
			return models.FundingSnapshot{}, false
		}
	}
	normalized, err := NormalizeUSDTSymbol(name)
	if err != nil {
		return models.FundingSnapshot{}, false
	}

	markPrice, err := strconv.ParseFloat(ticker.MarkPrice, 64)
	if err != nil || markPrice <= 0 {
		markPrice, _ = strconv.ParseFloat(contract.MarkPrice, 64)
	}

	multiplier := 1.0
	if m, err := strconv.ParseFloat(contract.QuantoMultiplier, 64); err == nil && m > 0 {
		multiplier = m
	}

	interval := 0
	if contract.FundingInterval > 0 {
		interval = int(contract.FundingInterval / 3600)
	}
	if interval <= 0 {
		interval = 8
	}

	snap := models.FundingSnapshot{
		Exchange:             ExchangeGate,
		Symbol:               normalized,
		FundingRateRaw:       rate,
		FundingIntervalHours: interval,
		MarkPrice:            markPrice,
		SourceTag:            tag,
		FetchedAt:            now,
	}
	if contract.FundingNextApply > 0 {
		snap.NextFundingTime = contract.FundingNextApply * 1000
	}
	if size, err := strconv.ParseFloat(ticker.TotalSize, 64); err == nil && size > 0 && markPrice > 0 {
		oi := size * markPrice * multiplier
		snap.OpenInterestUSD = &oi
	}
	if vol, err := strconv.ParseFloat(ticker.Volume24hQuote, 64); err == nil && vol > 0 {
		snap.Volume24hUSD = &vol
	} else if vol, err := strconv.ParseFloat(ticker.Volume24hSettl, 64); err == nil && vol > 0 {
		snap.Volume24hUSD = &vol
	}
	if lev, err := strconv.ParseFloat(contract.LeverageMax, 64); err == nil && lev > 0 {
		snap.MaxLeverage = &lev
	}
	return snap, true
}

// rowsFromTickers строит снимки, когда драйвером выступают тикеры
func (g *Gate) rowsFromTickers(tickers []gateTicker, tag string) ([]models.FundingSnapshot, error) {
	meta := g.snapshotMeta()

	now := time.Now().UTC()
	snapshots := make([]models.FundingSnapshot, 0, len(tickers))
	for _, row := range tickers {
		if !strings.HasSuffix(row.Contract, "_USDT") {
			continue
		}
		contract := meta[row.Contract]
		if contract.Status != "" && !strings.EqualFold(contract.Status, "trading") {
			continue
		}
		snap, ok := g.buildRow(row.Contract, row, contract, tag, now)
		if !ok {
			continue
		}
		snapshots = append(snapshots, snap)
	}
	if len(snapshots) == 0 {
		return nil, fault.New(fault.KindTransient, "gateio: ticker pass yielded no rows")
	}
	return snapshots, nil
}

func (g *Gate) snapshotMeta() map[string]gateContract {
	g.metaMu.RLock()
	defer g.metaMu.RUnlock()
	return g.lastMeta
}

func (g *Gate) fetchContracts(ctx context.Context) ([]gateContract, error) {
	raw, err := g.doRequest(ctx, http.MethodGet, "/api/v4/futures/usdt/contracts", nil, nil, false)
	if err != nil {
		return nil, err
	}
	var contracts []gateContract
	if err := json.Unmarshal(raw, &contracts); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "gateio contracts decode failed", err)
	}
	return contracts, nil
}

func (g *Gate) fetchTickers(ctx context.Context) ([]gateTicker, error) {
	raw, err := g.doRequest(ctx, http.MethodGet, "/api/v4/futures/usdt/tickers", nil, nil, false)
	if err != nil {
		return nil, err
	}
	var tickers []gateTicker
	if err := json.Unmarshal(raw, &tickers); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "gateio tickers decode failed", err)
	}
	return tickers, nil
}

// fetchViaWS - последний ярус: одноразовый захват канала futures.tickers.
// Требует справочника контрактов с прошлого прохода, иначе подписываться
// не на что.
func (g *Gate) fetchViaWS(ctx context.Context) ([]models.FundingSnapshot, error) {
	meta := g.snapshotMeta()
	if len(meta) == 0 {
		return nil, fault.New(fault.KindNotSupported, "gateio: ws capture requires a known contract list")
	}
	names := make([]string, 0, len(meta))
	for name := range meta {
		names = append(names, name)
	}

	deadline := time.Now().Add(3 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		if remaining := time.Until(d) - gateWSBudgetReserve; remaining > 0 {
			deadline = time.Now().Add(remaining)
		} else {
			deadline = time.Now().Add(gateWSBudgetReserve)
		}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, g.wsURL, nil)
	if err != nil {
		return nil, transportError(ExchangeGate, err)
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(deadline)
	for start := 0; start < len(names); start += gateWSSubscribeBatch {
		end := start + gateWSSubscribeBatch
		if end > len(names) {
			end = len(names)
		}
		sub := map[string]interface{}{
			"time":    time.Now().Unix(),
			"channel": "futures.tickers",
			"event":   "subscribe",
			"payload": names[start:end],
		}
		if err := conn.WriteJSON(sub); err != nil {
			return nil, transportError(ExchangeGate, err)
		}
	}

	collected := make(map[string]gateTicker)
	_ = conn.SetReadDeadline(deadline)
	for time.Now().Before(deadline) && len(collected) < len(names) {
		var msg struct {
			Channel string          `json:"channel"`
			Event   string          `json:"event"`
			Result  jsoniter.RawMessage `json:"result"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		if msg.Channel != "futures.tickers" || msg.Event != "update" {
			continue
		}
		var rows []gateTicker
		if err := json.Unmarshal(msg.Result, &rows); err != nil {
			continue
		}
		for _, row := range rows {
			if row.Contract != "" {
				collected[row.Contract] = row
			}
		}
	}
	if len(collected) == 0 {
		return nil, fault.New(fault.KindTransient, "gateio: ws capture returned no tickers")
	}

	tickers := make([]gateTicker, 0, len(collected))
	for _, row := range collected {
		tickers = append(tickers, row)
	}
	return g.rowsFromTickers(tickers, models.SourceWS)
}

// MarkPrice возвращает отметочную цену контракта
func (g *Gate) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	contract, err := g.fetchContract(ctx, symbol)
	if err != nil {
		return 0, err
	}
	price, err := strconv.ParseFloat(contract.MarkPrice, 64)
	if err != nil || price <= 0 {
		return 0, fault.Newf(fault.KindNotSupported, "gateio: no mark price for %s", symbol)
	}
	return price, nil
}

// MaxLeverage возвращает максимальное плечо контракта
func (g *Gate) MaxLeverage(ctx context.Context, symbol string) (float64, error) {
	contract, err := g.fetchContract(ctx, symbol)
	if err != nil {
		return 0, err
	}
	lev, err := strconv.ParseFloat(contract.LeverageMax, 64)
	if err != nil || lev <= 0 {
		return 0, fault.Newf(fault.KindNotSupported, "gateio: no leverage data for %s", symbol)
	}
	return lev, nil
}

// ContractSize возвращает размер контракта (quanto_multiplier)
func (g *Gate) ContractSize(ctx context.Context, symbol string) (float64, error) {
	contract, err := g.fetchContract(ctx, symbol)
	if err != nil {
		return 0, err
	}
	size, err := strconv.ParseFloat(contract.QuantoMultiplier, 64)
	if err != nil || size <= 0 {
		return 0, fault.Newf(fault.KindNotSupported, "gateio: no contract size for %s", symbol)
	}
	return size, nil
}

func (g *Gate) fetchContract(ctx context.Context, symbol string) (*gateContract, error) {
	raw, err := g.doRequest(ctx, http.MethodGet, "/api/v4/futures/usdt/contracts/"+gateContractName(symbol), nil, nil, false)
	if err != nil {
		return nil, err
	}
	var contract gateContract
	if err := json.Unmarshal(raw, &contract); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "gateio contract decode failed", err)
	}
	return &contract, nil
}

// PlaceMarketOrder размещает рыночный ордер (price=0, tif=ioc).
// Размер передается в контрактах со знаком: покупка положительная,
// продажа отрицательная.
func (g *Gate) PlaceMarketOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	contractSize, err := g.ContractSize(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	contracts, err := ToContracts(req.Quantity, contractSize)
	if err != nil {
		return nil, err
	}

	size := int64(contracts)
	if req.Side == SideSell {
		size = -size
	}

	body := map[string]interface{}{
		"contract":    gateContractName(req.Symbol),
		"size":        size,
		"price":       "0",
		"tif":         "ioc",
		"reduce_only": req.ReduceOnly,
	}

	raw, err := g.doRequest(ctx, http.MethodPost, "/api/v4/futures/usdt/orders", nil, body, true)
	if err != nil {
		return nil, orderDispatchError(ExchangeGate, err)
	}

	var resp struct {
		ID        int64  `json:"id"`
		Size      int64  `json:"size"`
		Left      int64  `json:"left"`
		FillPrice string `json:"fill_price"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "gateio order decode failed", err)
	}

	var rawMap models.JSONMap
	_ = json.Unmarshal(raw, &rawMap)

	result := &OrderResult{
		OrderID:   strconv.FormatInt(resp.ID, 10),
		FilledQty: req.Quantity,
		Raw:       rawMap,
	}
	if filled := math.Abs(float64(resp.Size - resp.Left)); filled > 0 {
		result.FilledQty = FromContracts(filled, contractSize)
	}
	if price, err := strconv.ParseFloat(resp.FillPrice, 64); err == nil {
		result.AvgPrice = price
	}
	return result, nil
}

// CancelOrder отменяет ордер по биржевому идентификатору
func (g *Gate) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := g.doRequest(ctx, http.MethodDelete, "/api/v4/futures/usdt/orders/"+orderID, nil, nil, true)
	return err
}

// SetLeverage устанавливает плечо контракта
func (g *Gate) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	query := url.Values{}
	query.Set("leverage", formatQty(leverage))
	path := "/api/v4/futures/usdt/positions/" + gateContractName(symbol) + "/leverage"
	_, err := g.doRequest(ctx, http.MethodPost, path, query, nil, true)
	return err
}
