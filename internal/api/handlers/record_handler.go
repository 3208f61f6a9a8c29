package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"fundingarb/internal/models"
)

// PositionLister читает журнал позиций
type PositionLister interface {
	List(ctx context.Context, limit int) ([]*models.Position, error)
	ListByStatus(ctx context.Context, status string, limit int) ([]*models.Position, error)
}

// OrderLister читает журнал ордеров
type OrderLister interface {
	List(ctx context.Context, limit int) ([]*models.Order, error)
	ListByAction(ctx context.Context, action string, limit int) ([]*models.Order, error)
}

// RecordHandler отдает историю позиций и ордеров.
//
// Endpoints:
// - GET /api/positions?status=&limit= - позиции, новые первыми
// - GET /api/orders?action=&limit= - ордера по ногам, новые первыми
type RecordHandler struct {
	positions PositionLister
	orders    OrderLister
	log       *zap.Logger
}

// NewRecordHandler создает новый RecordHandler
func NewRecordHandler(positions PositionLister, orders OrderLister, log *zap.Logger) *RecordHandler {
	return &RecordHandler{positions: positions, orders: orders, log: log}
}

type positionsResponse struct {
	Total int                `json:"total"`
	Items []*models.Position `json:"items"`
}

type ordersResponse struct {
	Total int             `json:"total"`
	Items []*models.Order `json:"items"`
}

// GetPositions возвращает позиции с опциональным фильтром по статусу
// GET /api/positions?status=open&limit=200
func (h *RecordHandler) GetPositions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 200, 2000)

	var (
		items []*models.Position
		err   error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		items, err = h.positions.ListByStatus(r.Context(), status, limit)
	} else {
		items, err = h.positions.List(r.Context(), limit)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []*models.Position{}
	}
	writeJSON(w, http.StatusOK, positionsResponse{Total: len(items), Items: items})
}

// GetOrders возвращает ордера с опциональным фильтром по действию
// GET /api/orders?action=close&limit=500
func (h *RecordHandler) GetOrders(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 500, 5000)

	var (
		items []*models.Order
		err   error
	)
	if action := r.URL.Query().Get("action"); action != "" {
		items, err = h.orders.ListByAction(r.Context(), action, limit)
	} else {
		items, err = h.orders.List(r.Context(), limit)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []*models.Order{}
	}
	writeJSON(w, http.StatusOK, ordersResponse{Total: len(items), Items: items})
}
