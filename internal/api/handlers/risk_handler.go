package handlers

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"fundingarb/internal/models"
	"fundingarb/internal/repository"
)

// RiskLedgerReader читает и помечает события журнала рисков
type RiskLedgerReader interface {
	List(ctx context.Context, filter repository.RiskEventFilter) ([]*models.RiskEvent, error)
	Resolve(ctx context.Context, id string) (*models.RiskEvent, error)
}

// RiskHandler отдает журнал рисков оператору.
//
// Endpoints:
// - GET /api/risk-events?resolved=&severity=&limit= - события, новые первыми
// - POST /api/risk-events/{id}/resolve - отметка "обработано"
type RiskHandler struct {
	ledger RiskLedgerReader
	log    *zap.Logger
}

// NewRiskHandler создает новый RiskHandler
func NewRiskHandler(ledger RiskLedgerReader, log *zap.Logger) *RiskHandler {
	return &RiskHandler{ledger: ledger, log: log}
}

type riskEventsResponse struct {
	Total int                 `json:"total"`
	Items []*models.RiskEvent `json:"items"`
}

// GetRiskEvents возвращает события журнала рисков.
// Параметр resolved трехзначный: отсутствует - без фильтра.
// GET /api/risk-events?resolved=false&severity=critical&limit=200
func (h *RiskHandler) GetRiskEvents(w http.ResponseWriter, r *http.Request) {
	resolved, err := queryOptionalBool(r, "resolved")
	if err != nil {
		writeError(w, err)
		return
	}

	items, err := h.ledger.List(r.Context(), repository.RiskEventFilter{
		Resolved: resolved,
		Severity: r.URL.Query().Get("severity"),
		Limit:    queryInt(r, "limit", 200, 2000),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []*models.RiskEvent{}
	}
	writeJSON(w, http.StatusOK, riskEventsResponse{Total: len(items), Items: items})
}

// ResolveRiskEvent помечает событие обработанным и возвращает его
// POST /api/risk-events/{id}/resolve
func (h *RiskHandler) ResolveRiskEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.ledger.Resolve(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}
