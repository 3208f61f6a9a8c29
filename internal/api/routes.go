package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"fundingarb/internal/api/handlers"
	"fundingarb/internal/api/middleware"
)

// Dependencies содержит все зависимости HTTP слоя
type Dependencies struct {
	Market        *handlers.MarketHandler
	Opportunities *handlers.OpportunitiesHandler
	Execution     *handlers.ExecutionHandler
	Credentials   *handlers.CredentialHandler
	Records       *handlers.RecordHandler
	Risk          *handlers.RiskHandler
	Templates     *handlers.TemplateHandler

	Logger      *zap.Logger
	CORSOrigins []string
}

// SetupRoutes настраивает все HTTP маршруты приложения.
//
// Структура:
//
//	/healthz                 GET  - проверка живости
//	/metrics                 GET  - prometheus
//	/api/
//	├── /market/
//	│   ├── GET /snapshots   - снимки фандинга всех бирж
//	│   └── GET /board       - ранжированная доска пар
//	├── GET /opportunities   - устаревший плоский список
//	├── /execution/
//	│   ├── POST /preview    - оценка PnL без ордеров
//	│   ├── POST /open       - открытие позиции
//	│   ├── POST /close      - закрытие позиции
//	│   ├── POST /hedge      - одиночная нога
//	│   ├── POST /emergency-close - массовое закрытие
//	│   └── POST /convert    - notional -> количество
//	├── /credentials/
//	│   ├── GET /            - маскированные статусы
//	│   ├── PUT /{exchange}  - сохранение ключей
//	│   └── DELETE /{exchange} - удаление ключей
//	├── GET /positions       - журнал позиций
//	├── GET /orders          - журнал ордеров
//	├── /risk-events/
//	│   ├── GET /            - журнал рисков
//	│   └── POST /{id}/resolve - отметка "обработано"
//	└── /templates/          - CRUD пресетов стратегий
//
// Middleware: Recovery и Logging на роутере, CORS оборачивает роутер
// целиком, чтобы preflight OPTIONS работал на любом пути.
func SetupRoutes(deps *Dependencies) http.Handler {
	router := mux.NewRouter()

	router.Use(middleware.Recovery(deps.Logger))
	router.Use(middleware.Logging(deps.Logger))

	// Служебные endpoints
	router.HandleFunc("/healthz", healthz).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()

	// Рыночные данные
	api.HandleFunc("/market/snapshots", deps.Market.GetSnapshots).Methods(http.MethodGet)
	api.HandleFunc("/market/board", deps.Market.GetBoard).Methods(http.MethodGet)
	api.HandleFunc("/opportunities", deps.Opportunities.GetOpportunities).Methods(http.MethodGet)

	// Торговые операции
	api.HandleFunc("/execution/preview", deps.Execution.Preview).Methods(http.MethodPost)
	api.HandleFunc("/execution/open", deps.Execution.Open).Methods(http.MethodPost)
	api.HandleFunc("/execution/close", deps.Execution.Close).Methods(http.MethodPost)
	api.HandleFunc("/execution/hedge", deps.Execution.Hedge).Methods(http.MethodPost)
	api.HandleFunc("/execution/emergency-close", deps.Execution.EmergencyClose).Methods(http.MethodPost)
	api.HandleFunc("/execution/convert", deps.Execution.Convert).Methods(http.MethodPost)

	// Биржевые ключи
	api.HandleFunc("/credentials", deps.Credentials.GetCredentials).Methods(http.MethodGet)
	api.HandleFunc("/credentials/{exchange}", deps.Credentials.PutCredential).Methods(http.MethodPut)
	api.HandleFunc("/credentials/{exchange}", deps.Credentials.DeleteCredential).Methods(http.MethodDelete)

	// Журналы
	api.HandleFunc("/positions", deps.Records.GetPositions).Methods(http.MethodGet)
	api.HandleFunc("/orders", deps.Records.GetOrders).Methods(http.MethodGet)
	api.HandleFunc("/risk-events", deps.Risk.GetRiskEvents).Methods(http.MethodGet)
	api.HandleFunc("/risk-events/{id}/resolve", deps.Risk.ResolveRiskEvent).Methods(http.MethodPost)

	// Шаблоны стратегий
	api.HandleFunc("/templates", deps.Templates.GetTemplates).Methods(http.MethodGet)
	api.HandleFunc("/templates", deps.Templates.CreateTemplate).Methods(http.MethodPost)
	api.HandleFunc("/templates/{id}", deps.Templates.GetTemplate).Methods(http.MethodGet)
	api.HandleFunc("/templates/{id}", deps.Templates.UpdateTemplate).Methods(http.MethodPut)
	api.HandleFunc("/templates/{id}", deps.Templates.DeleteTemplate).Methods(http.MethodDelete)

	return middleware.CORS(deps.CORSOrigins)(router)
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok","ts":"` + time.Now().UTC().Format(time.RFC3339) + `"}`))
}
