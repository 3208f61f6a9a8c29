package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"fundingarb/internal/market"
	"fundingarb/internal/models"
)

// OpportunityScanner спаривает снимки в плоский список возможностей
type OpportunityScanner interface {
	ScanOpportunities(snapshots []models.FundingSnapshot, minSpread float64) []models.Opportunity
}

// OpportunitiesHandler обрабатывает устаревший плоский список пар.
// Новый UI ходит в /api/market/board, этот endpoint оставлен для
// старых клиентов.
type OpportunitiesHandler struct {
	provider SnapshotProvider
	scanner  OpportunityScanner
	log      *zap.Logger
}

// NewOpportunitiesHandler создает новый OpportunitiesHandler
func NewOpportunitiesHandler(provider SnapshotProvider, scanner OpportunityScanner, log *zap.Logger) *OpportunitiesHandler {
	return &OpportunitiesHandler{provider: provider, scanner: scanner, log: log}
}

// opportunitiesResponse - ответ /api/opportunities
type opportunitiesResponse struct {
	AsOf          time.Time            `json:"as_of"`
	Total         int                  `json:"total"`
	Opportunities []models.Opportunity `json:"opportunities"`
	Errors        []market.VenueError  `json:"errors"`
}

// GetOpportunities возвращает арбитражные пары по убыванию спреда.
//
// GET /api/opportunities?limit=100&min_spread_rate_1y_nominal=0
func (h *OpportunitiesHandler) GetOpportunities(w http.ResponseWriter, r *http.Request) {
	result, err := h.provider.FetchAll(r.Context(), false)
	if err != nil {
		writeError(w, err)
		return
	}

	opportunities := h.scanner.ScanOpportunities(
		result.Snapshots,
		queryFloat(r, "min_spread_rate_1y_nominal", 0),
	)
	limit := queryInt(r, "limit", 100, 5000)
	if len(opportunities) > limit {
		opportunities = opportunities[:limit]
	}
	if opportunities == nil {
		opportunities = []models.Opportunity{}
	}

	writeJSON(w, http.StatusOK, opportunitiesResponse{
		AsOf:          time.Now().UTC(),
		Total:         len(opportunities),
		Opportunities: opportunities,
		Errors:        venueErrors(result.Meta),
	})
}
