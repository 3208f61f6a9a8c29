package exchange

import (
	"net/http"
	"strings"
	"time"

	"fundingarb/internal/models"
	"fundingarb/pkg/fault"
)

// Options - настройки создания адаптера
type Options struct {
	// Credential - ключи для торговых операций. nil для публичных данных.
	Credential *models.Credential

	// HTTPClient - переопределение HTTP клиента. nil - глобальный клиент.
	HTTPClient *http.Client

	// LeverageCacheTTL - время жизни кэша карты максимального плеча
	// (публичный эндпоинт брекетов binance). 0 - значение по умолчанию.
	LeverageCacheTTL time.Duration

	// DisableLeverage отключает обогащение снимков максимальным плечом
	// там, где оно требует отдельного запроса
	DisableLeverage bool
}

func (o Options) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return GetGlobalHTTPClient().GetClient()
}

// NewAdapter создает адаптер биржи по имени
func NewAdapter(name string, opts Options) (Adapter, error) {
	switch strings.ToLower(name) {
	case ExchangeBinance:
		return NewBinance(opts), nil
	case ExchangeOKX:
		return NewOKX(opts), nil
	case ExchangeBybit:
		return NewBybit(opts), nil
	case ExchangeBitget:
		return NewBitget(opts), nil
	case ExchangeGate:
		return NewGate(opts), nil
	default:
		return nil, fault.Newf(fault.KindNotSupported, "unsupported exchange: %s", name)
	}
}
