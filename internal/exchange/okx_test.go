package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"fundingarb/internal/models"
)

// ============ OKX Adapter Tests ============

func newTestOKX(t *testing.T, handler http.Handler) *OKX {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	o := NewOKX(Options{
		Credential: &models.Credential{Exchange: ExchangeOKX, APIKey: "test-key", APISecret: "test-secret", Passphrase: "test-pass"},
		HTTPClient: server.Client(),
	})
	o.baseURL = server.URL
	return o
}

func okxMarketMux() *http.ServeMux {
	mux := http.NewServeMux()
	instrumentRows := map[string]string{
		"BTC-USDT-SWAP": `{"instId":"BTC-USDT-SWAP","instType":"SWAP","settleCcy":"USDT","state":"live","lever":"125","ctVal":"0.01"}`,
		"ETH-USDT-SWAP": `{"instId":"ETH-USDT-SWAP","instType":"SWAP","settleCcy":"USDT","state":"live","lever":"100","ctVal":"0.1"}`,
		"BTC-USD-SWAP":  `{"instId":"BTC-USD-SWAP","instType":"SWAP","settleCcy":"BTC","state":"live","lever":"125","ctVal":"100"}`,
	}
	mux.HandleFunc("/api/v5/public/instruments", func(w http.ResponseWriter, r *http.Request) {
		if instID := r.URL.Query().Get("instId"); instID != "" {
			if row, ok := instrumentRows[instID]; ok {
				w.Write([]byte(`{"code":"0","msg":"","data":[` + row + `]}`))
			} else {
				w.Write([]byte(`{"code":"0","msg":"","data":[]}`))
			}
			return
		}
		w.Write([]byte(`{"code":"0","msg":"","data":[` +
			instrumentRows["BTC-USDT-SWAP"] + `,` +
			instrumentRows["ETH-USDT-SWAP"] + `,` +
			instrumentRows["BTC-USD-SWAP"] + `]}`))
	})
	mux.HandleFunc("/api/v5/market/tickers", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"0","msg":"","data":[
			{"instId":"BTC-USDT-SWAP","last":"50000","volCcy24h":"1000"},
			{"instId":"ETH-USDT-SWAP","last":"3000","volCcy24h":"500"}
		]}`))
	})
	mux.HandleFunc("/api/v5/public/open-interest", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"0","msg":"","data":[
			{"instId":"BTC-USDT-SWAP","oiUsd":"7500000"}
		]}`))
	})
	mux.HandleFunc("/api/v5/public/funding-rate", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("instId") {
		case "BTC-USDT-SWAP":
			w.Write([]byte(`{"code":"0","msg":"","data":[
				{"fundingRate":"0.0001","fundingTime":"1699971200000","nextFundingTime":"1700000000000"}
			]}`))
		case "ETH-USDT-SWAP":
			w.Write([]byte(`{"code":"0","msg":"","data":[
				{"fundingRate":"-0.0002","fundingTime":"1699996400000","nextFundingTime":"1700000000000"}
			]}`))
		default:
			w.Write([]byte(`{"code":"0","msg":"","data":[]}`))
		}
	})
	return mux
}

// TestOKX_FetchSnapshots проверяет сборку снимков с поконтрактным фандингом
func TestOKX_FetchSnapshots(t *testing.T) {
	o := newTestOKX(t, okxMarketMux())

	snapshots, err := o.FetchSnapshots(context.Background())
	if err != nil {
		t.Fatalf("FetchSnapshots returned error: %v", err)
	}

	// BTC-USD-SWAP отфильтрован по settleCcy
	if len(snapshots) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snapshots))
	}

	byLabel := make(map[string]models.FundingSnapshot)
	for _, snap := range snapshots {
		byLabel[snap.Symbol] = snap
	}

	btc := byLabel["BTCUSDT"]
	if btc.FundingRateRaw != 0.0001 {
		t.Errorf("BTC funding rate = %v, want 0.0001", btc.FundingRateRaw)
	}
	// 1700000000000 - 1699971200000 = 8 часов
	if btc.FundingIntervalHours != 8 {
		t.Errorf("BTC interval = %d, want 8", btc.FundingIntervalHours)
	}
	if btc.NextFundingTime != 1700000000000 {
		t.Errorf("BTC next funding = %d, want 1700000000000", btc.NextFundingTime)
	}
	if btc.MarkPrice != 50000 {
		t.Errorf("BTC mark price = %v, want 50000 (last)", btc.MarkPrice)
	}
	if btc.OpenInterestUSD == nil || *btc.OpenInterestUSD != 7500000 {
		t.Errorf("BTC open interest = %v, want 7500000", btc.OpenInterestUSD)
	}
	if btc.Volume24hUSD == nil || *btc.Volume24hUSD != 50000*1000 {
		t.Errorf("BTC volume = %v, want 50000000", btc.Volume24hUSD)
	}
	if btc.MaxLeverage == nil || *btc.MaxLeverage != 125 {
		t.Errorf("BTC max leverage = %v, want 125", btc.MaxLeverage)
	}

	eth := byLabel["ETHUSDT"]
	// 1700000000000 - 1699996400000 = 1 час
	if eth.FundingIntervalHours != 1 {
		t.Errorf("ETH interval = %d, want 1", eth.FundingIntervalHours)
	}
	if eth.FundingRateRaw != -0.0002 {
		t.Errorf("ETH funding rate = %v, want -0.0002", eth.FundingRateRaw)
	}
	if eth.OpenInterestUSD != nil {
		t.Errorf("ETH open interest = %v, want nil", eth.OpenInterestUSD)
	}
}

// TestInferOKXFundingInterval проверяет выведение интервала из пары таймстемпов
func TestInferOKXFundingInterval(t *testing.T) {
	tests := []struct {
		name        string
		fundingTime int64
		nextFunding int64
		want        int
	}{
		{name: "8 hour gap", fundingTime: 1699971200000, nextFunding: 1700000000000, want: 8},
		{name: "4 hour gap", fundingTime: 1699985600000, nextFunding: 1700000000000, want: 4},
		{name: "1 hour gap", fundingTime: 1699996400000, nextFunding: 1700000000000, want: 1},
		{name: "missing funding time", fundingTime: 0, nextFunding: 1700000000000, want: 8},
		{name: "inverted pair", fundingTime: 1700000000000, nextFunding: 1699971200000, want: 8},
		{name: "both missing", fundingTime: 0, nextFunding: 0, want: 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := inferOKXFundingInterval(tt.fundingTime, tt.nextFunding); got != tt.want {
				t.Errorf("inferOKXFundingInterval(%d, %d) = %d, want %d", tt.fundingTime, tt.nextFunding, got, tt.want)
			}
		})
	}
}

// TestOKX_PlaceMarketOrder_PosSideRetry проверяет повтор с posSide=net на 51000
// и пересчет количества в контракты через ctVal
func TestOKX_PlaceMarketOrder_PosSideRetry(t *testing.T) {
	type orderBody struct {
		InstID     string      `json:"instId"`
		Side       string      `json:"side"`
		Sz         string      `json:"sz"`
		PosSide    string      `json:"posSide"`
		ReduceOnly interface{} `json:"reduceOnly"`
	}
	var orders []orderBody

	mux := okxMarketMux()
	mux.HandleFunc("/api/v5/trade/order", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte(`{"code":"0","msg":"","data":[{"accFillSz":"2","avgPx":"50000"}]}`))
			return
		}
		if r.Header.Get("OK-ACCESS-KEY") == "" || r.Header.Get("OK-ACCESS-SIGN") == "" ||
			r.Header.Get("OK-ACCESS-TIMESTAMP") == "" || r.Header.Get("OK-ACCESS-PASSPHRASE") == "" {
			t.Errorf("order request is missing auth headers")
		}
		var body orderBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		orders = append(orders, body)
		if len(orders) == 1 {
			w.Write([]byte(`{"code":"1","msg":"Operation failed.","data":[{"sCode":"51000","sMsg":"Parameter posSide error"}]}`))
			return
		}
		w.Write([]byte(`{"code":"0","msg":"","data":[{"ordId":"999"}]}`))
	})

	o := newTestOKX(t, mux)

	result, err := o.PlaceMarketOrder(context.Background(), OrderRequest{
		Symbol:     "BTCUSDT",
		Side:       SideSell,
		Quantity:   0.025,
		ReduceOnly: true,
	})
	if err != nil {
		t.Fatalf("PlaceMarketOrder returned error: %v", err)
	}

	if len(orders) != 2 {
		t.Fatalf("expected 2 order submissions, got %d", len(orders))
	}
	// Закрытие long ноги: sell + reduceOnly - posSide long
	if orders[0].PosSide != "long" {
		t.Errorf("first posSide = %q, want long", orders[0].PosSide)
	}
	if orders[0].ReduceOnly != nil {
		t.Errorf("first attempt must not carry reduceOnly, got %v", orders[0].ReduceOnly)
	}
	if orders[1].PosSide != "net" {
		t.Errorf("retry posSide = %q, want net", orders[1].PosSide)
	}
	if orders[1].ReduceOnly != true {
		t.Errorf("retry reduceOnly = %v, want true", orders[1].ReduceOnly)
	}
	// 0.025 / ctVal 0.01 = 2 контракта с округлением вниз
	if orders[0].Sz != "2" {
		t.Errorf("sz = %q, want 2", orders[0].Sz)
	}
	if orders[0].InstID != "BTC-USDT-SWAP" {
		t.Errorf("instId = %q, want BTC-USDT-SWAP", orders[0].InstID)
	}

	if result.OrderID != "999" {
		t.Errorf("order id = %q, want 999", result.OrderID)
	}
	// Заполнение 2 контракта * 0.01 = 0.02 базового актива
	if result.FilledQty != 0.02 {
		t.Errorf("filled qty = %v, want 0.02", result.FilledQty)
	}
	if result.AvgPrice != 50000 {
		t.Errorf("avg price = %v, want 50000", result.AvgPrice)
	}
	if result.Note == "" {
		t.Error("expected diagnostic note about 51000 retry")
	}
}

// TestOKX_SetLeverage проверяет тело запроса установки плеча
func TestOKX_SetLeverage(t *testing.T) {
	var body map[string]interface{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v5/account/set-leverage", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Write([]byte(`{"code":"0","msg":"","data":[{"lever":"5"}]}`))
	})

	o := newTestOKX(t, mux)
	if err := o.SetLeverage(context.Background(), "BTCUSDT", 5); err != nil {
		t.Fatalf("SetLeverage returned error: %v", err)
	}
	if body["instId"] != "BTC-USDT-SWAP" {
		t.Errorf("instId = %v, want BTC-USDT-SWAP", body["instId"])
	}
	if body["lever"] != "5" {
		t.Errorf("lever = %v, want 5", body["lever"])
	}
	if body["mgnMode"] != "cross" {
		t.Errorf("mgnMode = %v, want cross", body["mgnMode"])
	}
}

// TestOKX_TestnetHeader проверяет заголовок демо-трейдинга
func TestOKX_TestnetHeader(t *testing.T) {
	var header string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v5/account/set-leverage", func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("x-simulated-trading")
		w.Write([]byte(`{"code":"0","msg":"","data":[]}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	o := NewOKX(Options{
		Credential: &models.Credential{Exchange: ExchangeOKX, APIKey: "k", APISecret: "s", Passphrase: "p", Testnet: true},
		HTTPClient: server.Client(),
	})
	o.baseURL = server.URL

	if err := o.SetLeverage(context.Background(), "BTCUSDT", 5); err != nil {
		t.Fatalf("SetLeverage returned error: %v", err)
	}
	if header != "1" {
		t.Errorf("x-simulated-trading = %q, want 1", header)
	}
}
