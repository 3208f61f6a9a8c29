package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики
// ============================================================
//
// Три подсистемы:
// - market:    сбор снимков ставок финансирования с бирж
// - execution: исполнение двуногих позиций
// - risk:      события риска
//
// Использование:
// - Grafana дашборды для визуализации
// - Alertmanager для уведомлений о rollback_failed и залипших ногах

// ============ Метрики сбора рыночных данных ============

// FetchDuration - длительность опроса одной биржи
// Buckets подобраны под REST-раунды к биржам (50ms - 10s)
var FetchDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "fundingarb",
		Subsystem: "market",
		Name:      "fetch_duration_ms",
		Help:      "Duration of a single exchange snapshot fetch in milliseconds",
		Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 4000, 10000},
	},
	[]string{"exchange"},
)

// FetchErrors - ошибки опроса бирж по причинам
var FetchErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fundingarb",
		Subsystem: "market",
		Name:      "fetch_errors_total",
		Help:      "Total number of failed exchange fetches",
	},
	[]string{"exchange", "reason"}, // timeout, http, breaker_open, empty
)

// SnapshotsServed - отданные снимки по источникам
var SnapshotsServed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fundingarb",
		Subsystem: "market",
		Name:      "snapshots_served_total",
		Help:      "Number of funding snapshots served by source tag",
	},
	[]string{"exchange", "source"}, // ccxt, rest, ws, stale
)

// CacheRequests - попадания и промахи кеша снимков
var CacheRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fundingarb",
		Subsystem: "market",
		Name:      "cache_requests_total",
		Help:      "Snapshot cache lookups by result",
	},
	[]string{"result"}, // hit, miss, stale
)

// BreakerState - состояние circuit breaker по биржам (0=closed, 1=half-open, 2=open)
var BreakerState = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "fundingarb",
		Subsystem: "market",
		Name:      "breaker_state",
		Help:      "Circuit breaker state per exchange (0=closed, 1=half-open, 2=open)",
	},
	[]string{"exchange"},
)

// BoardRows - количество строк в последней доске возможностей
var BoardRows = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "fundingarb",
		Subsystem: "market",
		Name:      "board_rows",
		Help:      "Number of opportunity rows in the most recent board build",
	},
)

// ============ Метрики исполнения ============

// OrdersTotal - количество ордеров по биржам и исходам
var OrdersTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fundingarb",
		Subsystem: "execution",
		Name:      "orders_total",
		Help:      "Total number of orders dispatched to exchanges",
	},
	[]string{"exchange", "action", "status"}, // action: open, close, hedge, rollback; status: ok, failed, pending
)

// OrderLatency - время исполнения маркет-ордера на бирже
var OrderLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "fundingarb",
		Subsystem: "execution",
		Name:      "order_latency_ms",
		Help:      "Time to execute a market order on exchange in milliseconds",
		Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000},
	},
	[]string{"exchange"},
)

// PositionsByStatus - текущее количество позиций по статусам
var PositionsByStatus = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "fundingarb",
		Subsystem: "execution",
		Name:      "positions",
		Help:      "Current number of positions by status",
	},
	[]string{"status"}, // opening, open, closed, risk_exposed, open_failed, close_failed
)

// RollbacksTotal - попытки отката первой ноги после провала второй
var RollbacksTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fundingarb",
		Subsystem: "execution",
		Name:      "rollbacks_total",
		Help:      "Number of first-leg rollback attempts by result",
	},
	[]string{"result"}, // ok, failed
)

// ============ HTTP метрики ============

// HTTPRequests - обработанные HTTP запросы.
// path содержит шаблон маршрута ({id} вместо конкретного UUID).
var HTTPRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fundingarb",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of handled HTTP requests",
	},
	[]string{"method", "path", "status"},
)

// HTTPDuration - длительность обработки HTTP запросов
var HTTPDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "fundingarb",
		Subsystem: "http",
		Name:      "request_duration_ms",
		Help:      "HTTP request handling duration in milliseconds",
		Buckets:   []float64{5, 25, 100, 250, 500, 1000, 2500, 5000, 15000},
	},
	[]string{"method", "path"},
)

// ============ Метрики риска ============

// RiskEventsTotal - зарегистрированные события риска
var RiskEventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fundingarb",
		Subsystem: "risk",
		Name:      "events_total",
		Help:      "Total number of recorded risk events",
	},
	[]string{"event_type", "severity"},
)

// ============ Вспомогательные функции ============

// RecordFetch записывает итог опроса биржи
func RecordFetch(exchange string, durationMs float64, err error, reason string) {
	FetchDuration.WithLabelValues(exchange).Observe(durationMs)
	if err != nil {
		FetchErrors.WithLabelValues(exchange, reason).Inc()
	}
}

// RecordSnapshots записывает отданные снимки
func RecordSnapshots(exchange, source string, count int) {
	if count > 0 {
		SnapshotsServed.WithLabelValues(exchange, source).Add(float64(count))
	}
}

// RecordCache записывает результат обращения к кешу
func RecordCache(result string) {
	CacheRequests.WithLabelValues(result).Inc()
}

// RecordOrder записывает отправленный ордер
func RecordOrder(exchange, action, status string, latencyMs float64) {
	OrdersTotal.WithLabelValues(exchange, action, status).Inc()
	OrderLatency.WithLabelValues(exchange).Observe(latencyMs)
}

// RecordRollback записывает попытку отката первой ноги
func RecordRollback(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	RollbacksTotal.WithLabelValues(result).Inc()
}

// RecordRiskEvent записывает событие риска
func RecordRiskEvent(eventType, severity string) {
	RiskEventsTotal.WithLabelValues(eventType, severity).Inc()
}

// RecordHTTP записывает обработанный HTTP запрос
func RecordHTTP(method, path string, status int, durationMs float64) {
	HTTPRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	HTTPDuration.WithLabelValues(method, path).Observe(durationMs)
}

// SetBreakerState обновляет состояние circuit breaker биржи
func SetBreakerState(exchange string, state float64) {
	BreakerState.WithLabelValues(exchange).Set(state)
}
