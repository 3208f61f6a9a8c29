// Package exchange реализует адаптеры бирж: публичные данные фандинга
// по USDT перпетуалам и торговые операции по обеим ногам арбитража.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"fundingarb/internal/models"
	"fundingarb/pkg/fault"
)

// json - общий кодек пакета, совместимый со стандартной библиотекой
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Названия поддерживаемых бирж
const (
	ExchangeBinance = "binance"
	ExchangeOKX     = "okx"
	ExchangeBybit   = "bybit"
	ExchangeBitget  = "bitget"
	ExchangeGate    = "gateio"
)

// SupportedExchanges перечисляет биржи в каноническом порядке
var SupportedExchanges = []string{
	ExchangeBinance,
	ExchangeOKX,
	ExchangeBybit,
	ExchangeBitget,
	ExchangeGate,
}

// IsSupported проверяет, что имя биржи известно системе
func IsSupported(name string) bool {
	for _, e := range SupportedExchanges {
		if e == name {
			return true
		}
	}
	return false
}

// Side constants for orders (используются при размещении ордеров)
const (
	SideBuy  = "buy"  // покупка (открытие long или закрытие short)
	SideSell = "sell" // продажа (открытие short или закрытие long)
)

// ErrOrderStatusUnknown означает, что ордер был отправлен, но результат
// неизвестен (таймаут после отправки). Такой ордер записывается со статусом
// pending и никогда не откатывается автоматически.
var ErrOrderStatusUnknown = errors.New("order status unknown")

// Adapter определяет унифицированный интерфейс для работы с любой биржей.
// Публичные методы не требуют ключей, торговые требуют Credential.
type Adapter interface {
	// Name возвращает имя биржи
	Name() string

	// FetchSnapshots возвращает снимки фандинга по всем USDT перпетуалам биржи.
	// Пустой результат считается сбоем на уровне провайдера.
	FetchSnapshots(ctx context.Context) ([]models.FundingSnapshot, error)

	// MarkPrice возвращает текущую отметочную цену символа
	MarkPrice(ctx context.Context, symbol string) (float64, error)

	// MaxLeverage возвращает максимальное плечо по символу
	MaxLeverage(ctx context.Context, symbol string) (float64, error)

	// ContractSize возвращает размер одного контракта в базовом активе.
	// 1 для бирж, принимающих количество напрямую в базовом активе.
	ContractSize(ctx context.Context, symbol string) (float64, error)

	// PlaceMarketOrder размещает рыночный ордер.
	// Количество в запросе и в результате в базовом активе,
	// пересчет в контракты выполняет сам адаптер.
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)

	// CancelOrder отменяет ордер по его биржевому идентификатору
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// SetLeverage устанавливает плечо. Вызывается до ордера,
	// ошибка здесь блокирует размещение.
	SetLeverage(ctx context.Context, symbol string, leverage float64) error
}

// OrderRequest - параметры рыночного ордера в нормализованных терминах
type OrderRequest struct {
	Symbol     string  // нормализованный BASEUSDT
	Side       string  // buy | sell
	Quantity   float64 // базовый актив
	ReduceOnly bool    // закрывающий ордер
}

// OrderResult - результат размещения ордера
type OrderResult struct {
	OrderID   string
	FilledQty float64 // базовый актив
	AvgPrice  float64 // 0, если биржа не вернула среднюю цену
	Note      string  // диагностика адаптера (retry режима позиций и т.п.)
	Raw       models.JSONMap
}

// ExchangeError представляет ошибку от биржи
type ExchangeError struct {
	Exchange string
	Code     string
	Message  string
	Original error
}

func (e *ExchangeError) Error() string {
	return e.Exchange + ": " + e.Code + ": " + e.Message
}

// Unwrap возвращает оригинальную ошибку для поддержки errors.Is() и errors.As()
func (e *ExchangeError) Unwrap() error {
	return e.Original
}

// apiError оборачивает отказ API биржи в таксономию fault.
// Коды из authCodes означают проблему ключей и никогда не retry'ятся.
func apiError(exchange, code, message string, authCodes map[string]struct{}) error {
	exErr := &ExchangeError{Exchange: exchange, Code: code, Message: message}
	kind := fault.KindValidation
	if _, ok := authCodes[code]; ok {
		kind = fault.KindAuth
	}
	return fault.Wrap(kind, exchange+" api error", exErr)
}

// transportError оборачивает сбой транспорта до или во время HTTP обмена
func transportError(exchange string, err error) error {
	return fault.Wrap(fault.KindTransient, exchange+" request failed", err)
}

// httpStatusError оборачивает неуспешный HTTP статус без кода биржи в теле
func httpStatusError(exchange string, status int) error {
	exErr := &ExchangeError{
		Exchange: exchange,
		Code:     fmt.Sprintf("http_%d", status),
		Message:  http.StatusText(status),
	}
	return fault.Wrap(kindForHTTPStatus(status), exchange+" http error", exErr)
}

// kindForHTTPStatus классифицирует транспортный HTTP статус
func kindForHTTPStatus(status int) fault.Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fault.KindAuth
	case status == http.StatusTooManyRequests || status >= 500:
		return fault.KindTransient
	default:
		return fault.KindValidation
	}
}

// orderDispatchError переклассифицирует сбой на пути ордера.
// Таймаут после отправки не означает отказ биржи: статус неизвестен,
// вызывающий обязан записать ордер как pending. Остальные ошибки
// уже классифицированы в doRequest и проходят без изменений.
func orderDispatchError(exchange string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.KindTransient, exchange+" market order timed out", ErrOrderStatusUnknown)
	}
	return err
}
