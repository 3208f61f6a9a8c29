package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"fundingarb/internal/exchange"
	"fundingarb/internal/models"
	"fundingarb/pkg/fault"
)

// TemplateStore - CRUD хранилища шаблонов стратегий
type TemplateStore interface {
	Create(ctx context.Context, tpl *models.StrategyTemplate) error
	GetByID(ctx context.Context, id string) (*models.StrategyTemplate, error)
	List(ctx context.Context) ([]*models.StrategyTemplate, error)
	Update(ctx context.Context, tpl *models.StrategyTemplate) error
	Delete(ctx context.Context, id string) error
}

// TemplateHandler обрабатывает пресеты параметров стратегий.
//
// Endpoints:
// - GET /api/templates - список, недавно измененные первыми
// - POST /api/templates - создание
// - GET /api/templates/{id} - чтение
// - PUT /api/templates/{id} - частичное обновление
// - DELETE /api/templates/{id} - удаление
type TemplateHandler struct {
	store TemplateStore
	log   *zap.Logger
}

// NewTemplateHandler создает новый TemplateHandler
func NewTemplateHandler(store TemplateStore, log *zap.Logger) *TemplateHandler {
	return &TemplateHandler{store: store, log: log}
}

// templateCreateBody - тело POST /api/templates
type templateCreateBody struct {
	Name          string   `json:"name"`
	Symbol        string   `json:"symbol"`
	LongExchange  string   `json:"long_exchange"`
	ShortExchange string   `json:"short_exchange"`
	Quantity      *float64 `json:"quantity"`
	NotionalUSD   *float64 `json:"notional_usd"`
	Leverage      *float64 `json:"leverage"`
	HoldHours     *float64 `json:"hold_hours"`
	Note          string   `json:"note"`
}

// templateUpdateBody - тело PUT /api/templates/{id}. Все поля
// опциональны, отсутствующие не трогаются.
type templateUpdateBody struct {
	Name          *string  `json:"name"`
	Symbol        *string  `json:"symbol"`
	LongExchange  *string  `json:"long_exchange"`
	ShortExchange *string  `json:"short_exchange"`
	Quantity      *float64 `json:"quantity"`
	NotionalUSD   *float64 `json:"notional_usd"`
	Leverage      *float64 `json:"leverage"`
	HoldHours     *float64 `json:"hold_hours"`
	Note          *string  `json:"note"`
}

type templatesResponse struct {
	Total int                        `json:"total"`
	Items []*models.StrategyTemplate `json:"items"`
}

type templateDeleteResponse struct {
	Success bool `json:"success"`
}

// GetTemplates возвращает сохраненные шаблоны
// GET /api/templates?limit=200
func (h *TemplateHandler) GetTemplates(w http.ResponseWriter, r *http.Request) {
	items, err := h.store.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if limit := queryInt(r, "limit", 200, 2000); len(items) > limit {
		items = items[:limit]
	}
	if items == nil {
		items = []*models.StrategyTemplate{}
	}
	writeJSON(w, http.StatusOK, templatesResponse{Total: len(items), Items: items})
}

// CreateTemplate сохраняет новый шаблон
// POST /api/templates
func (h *TemplateHandler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var body templateCreateBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	tpl := &models.StrategyTemplate{
		Name:          strings.TrimSpace(body.Name),
		Symbol:        body.Symbol,
		LongExchange:  body.LongExchange,
		ShortExchange: body.ShortExchange,
		Quantity:      body.Quantity,
		NotionalUSD:   body.NotionalUSD,
		Leverage:      body.Leverage,
		HoldHours:     body.HoldHours,
		Note:          body.Note,
	}
	if err := validateTemplate(tpl); err != nil {
		writeError(w, err)
		return
	}
	if err := h.store.Create(r.Context(), tpl); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tpl)
}

// GetTemplate возвращает шаблон по ID
// GET /api/templates/{id}
func (h *TemplateHandler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.store.GetByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

// UpdateTemplate меняет указанные поля шаблона
// PUT /api/templates/{id}
func (h *TemplateHandler) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	var body templateUpdateBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	tpl, err := h.store.GetByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}

	if body.Name != nil {
		tpl.Name = strings.TrimSpace(*body.Name)
	}
	if body.Symbol != nil {
		tpl.Symbol = *body.Symbol
	}
	if body.LongExchange != nil {
		tpl.LongExchange = *body.LongExchange
	}
	if body.ShortExchange != nil {
		tpl.ShortExchange = *body.ShortExchange
	}
	if body.Quantity != nil {
		tpl.Quantity = body.Quantity
	}
	if body.NotionalUSD != nil {
		tpl.NotionalUSD = body.NotionalUSD
	}
	if body.Leverage != nil {
		tpl.Leverage = body.Leverage
	}
	if body.HoldHours != nil {
		tpl.HoldHours = body.HoldHours
	}
	if body.Note != nil {
		tpl.Note = *body.Note
	}

	if err := validateTemplate(tpl); err != nil {
		writeError(w, err)
		return
	}
	if err := h.store.Update(r.Context(), tpl); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

// DeleteTemplate удаляет шаблон
// DELETE /api/templates/{id}
func (h *TemplateHandler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, templateDeleteResponse{Success: true})
}

// validateTemplate нормализует и проверяет поля шаблона перед записью
func validateTemplate(tpl *models.StrategyTemplate) error {
	if tpl.Name == "" {
		return fault.New(fault.KindValidation, "name is required")
	}
	tpl.Symbol = strings.ToUpper(strings.TrimSpace(tpl.Symbol))
	if tpl.Symbol == "" {
		return fault.New(fault.KindValidation, "symbol is required")
	}
	if !exchange.IsSupported(tpl.LongExchange) {
		return fault.Newf(fault.KindValidation, "unsupported long exchange: %s", tpl.LongExchange)
	}
	if !exchange.IsSupported(tpl.ShortExchange) {
		return fault.Newf(fault.KindValidation, "unsupported short exchange: %s", tpl.ShortExchange)
	}
	if tpl.Quantity != nil && *tpl.Quantity <= 0 {
		return fault.New(fault.KindValidation, "quantity must be positive")
	}
	if tpl.NotionalUSD != nil && *tpl.NotionalUSD <= 0 {
		return fault.New(fault.KindValidation, "notional_usd must be positive")
	}
	if tpl.Leverage != nil && *tpl.Leverage <= 0 {
		return fault.New(fault.KindValidation, "leverage must be positive")
	}
	if tpl.HoldHours != nil && *tpl.HoldHours <= 0 {
		return fault.New(fault.KindValidation, "hold_hours must be positive")
	}
	return nil
}
