package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"fundingarb/internal/board"
	"fundingarb/internal/market"
	"fundingarb/internal/models"
)

// SnapshotProvider отдает собранные снимки фандинга всех бирж
type SnapshotProvider interface {
	FetchAll(ctx context.Context, forceRefresh bool) (*market.Result, error)
}

// BoardBuilder строит строки доски из снимков
type BoardBuilder interface {
	BuildRows(snapshots []models.FundingSnapshot, q board.Query) ([]models.OpportunityRow, error)
}

// MarketHandler обрабатывает запросы рыночных данных.
//
// Endpoints:
// - GET /api/market/snapshots?force_refresh - снимки фандинга всех бирж
// - GET /api/market/board - ранжированная доска арбитражных пар
type MarketHandler struct {
	provider SnapshotProvider
	board    BoardBuilder
	log      *zap.Logger
}

// NewMarketHandler создает новый MarketHandler
func NewMarketHandler(provider SnapshotProvider, boardBuilder BoardBuilder, log *zap.Logger) *MarketHandler {
	return &MarketHandler{provider: provider, board: boardBuilder, log: log}
}

// snapshotsResponse - ответ /api/market/snapshots
type snapshotsResponse struct {
	AsOf      time.Time                `json:"as_of"`
	Snapshots []models.FundingSnapshot `json:"snapshots"`
	Errors    []market.VenueError      `json:"errors"`
	Meta      models.JSONMap           `json:"meta"`
}

// boardResponse - ответ /api/market/board
type boardResponse struct {
	AsOf   time.Time               `json:"as_of"`
	Total  int                     `json:"total"`
	Rows   []models.OpportunityRow `json:"rows"`
	Errors []market.VenueError     `json:"errors"`
	Meta   models.JSONMap          `json:"meta"`
}

// GetSnapshots возвращает снимки фандинга по всем биржам.
//
// GET /api/market/snapshots?force_refresh=true
//
// Сбой части бирж не валит ответ: их ошибки уходят в errors,
// источники выживших строк видны в meta.exchange_sources.
func (h *MarketHandler) GetSnapshots(w http.ResponseWriter, r *http.Request) {
	result, err := h.provider.FetchAll(r.Context(), queryBool(r, "force_refresh"))
	if err != nil {
		writeError(w, err)
		return
	}

	snapshots := result.Snapshots
	if snapshots == nil {
		snapshots = []models.FundingSnapshot{}
	}
	writeJSON(w, http.StatusOK, snapshotsResponse{
		AsOf:      time.Now().UTC(),
		Snapshots: snapshots,
		Errors:    venueErrors(result.Meta),
		Meta:      metaMap(result.Meta),
	})
}

// GetBoard возвращает ранжированную доску арбитражных пар.
//
// GET /api/market/board?limit=&min_spread_rate_1y_nominal=&min_next_cycle_score=
//
//	&force_refresh=&exchanges=&exchanges=&symbol=&sort=
//
// Повторяемый параметр exchanges требует обе ноги в наборе.
// symbol - регулярное выражение без учета регистра.
func (h *MarketHandler) GetBoard(w http.ResponseWriter, r *http.Request) {
	query := board.Query{
		Limit:                  queryInt(r, "limit", 500, 2000),
		MinSpreadRate1yNominal: queryFloat(r, "min_spread_rate_1y_nominal", 0),
		MinNextCycleScore:      queryFloat(r, "min_next_cycle_score", 0),
		Exchanges:              r.URL.Query()["exchanges"],
		Symbol:                 r.URL.Query().Get("symbol"),
		Sort:                   r.URL.Query().Get("sort"),
	}

	result, err := h.provider.FetchAll(r.Context(), queryBool(r, "force_refresh"))
	if err != nil {
		writeError(w, err)
		return
	}

	rows, err := h.board.BuildRows(result.Snapshots, query)
	if err != nil {
		writeError(w, err)
		return
	}
	if rows == nil {
		rows = []models.OpportunityRow{}
	}

	sortMode := query.Sort
	if sortMode == "" {
		sortMode = board.SortNextCycle
	}
	meta := metaMap(result.Meta)
	meta["board_sort"] = sortMode
	meta["board_limit"] = query.Limit
	meta["board_min_spread_rate_1y_nominal"] = query.MinSpreadRate1yNominal
	meta["board_min_next_cycle_score"] = query.MinNextCycleScore
	if len(query.Exchanges) > 0 {
		meta["board_exchanges_filter"] = query.Exchanges
	}
	if query.Symbol != "" {
		meta["board_symbol_filter"] = query.Symbol
	}

	writeJSON(w, http.StatusOK, boardResponse{
		AsOf:   time.Now().UTC(),
		Total:  len(rows),
		Rows:   rows,
		Errors: venueErrors(result.Meta),
		Meta:   meta,
	})
}

// metaMap раскладывает мету сборки снимков в JSON объект ответа
func metaMap(m market.Meta) models.JSONMap {
	exchangesOK := m.ExchangesOK
	if exchangesOK == nil {
		exchangesOK = []string{}
	}
	exchangesFailed := m.ExchangesFailed
	if exchangesFailed == nil {
		exchangesFailed = []string{}
	}
	return models.JSONMap{
		"fetch_ms":         m.FetchMS,
		"cache_hit":        m.CacheHit,
		"exchanges_ok":     exchangesOK,
		"exchanges_failed": exchangesFailed,
		"exchange_sources": m.ExchangeSources,
	}
}

func venueErrors(m market.Meta) []market.VenueError {
	if m.Errors == nil {
		return []market.VenueError{}
	}
	return m.Errors
}
