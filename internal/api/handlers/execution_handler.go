package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"fundingarb/internal/execution"
)

// ExecutionService исполняет торговые операции координатора
type ExecutionService interface {
	Preview(ctx context.Context, req *execution.PreviewRequest) (*execution.PreviewReport, error)
	Open(ctx context.Context, req *execution.OpenRequest) (*execution.Report, error)
	Close(ctx context.Context, req *execution.CloseRequest) (*execution.Report, error)
	Hedge(ctx context.Context, req *execution.HedgeRequest) (*execution.Report, error)
	EmergencyClose(ctx context.Context, req *execution.EmergencyCloseRequest) (*execution.Report, error)
	ConvertNotional(ctx context.Context, req *execution.ConvertRequest) (*execution.ConvertReport, error)
}

// ExecutionHandler обрабатывает торговые операции.
//
// Endpoints:
// - POST /api/execution/preview - оценка PnL без ордеров
// - POST /api/execution/open - открытие дельта-нейтральной позиции
// - POST /api/execution/close - закрытие обеих ног
// - POST /api/execution/hedge - одиночная ребалансирующая нога
// - POST /api/execution/emergency-close - массовое закрытие
// - POST /api/execution/convert - пересчет notional в количество
//
// Частичные исполнения не являются ошибкой HTTP: координатор
// возвращает отчет с success=false, статус остается 200.
type ExecutionHandler struct {
	service ExecutionService
	log     *zap.Logger
}

// NewExecutionHandler создает новый ExecutionHandler
func NewExecutionHandler(service ExecutionService, log *zap.Logger) *ExecutionHandler {
	return &ExecutionHandler{service: service, log: log}
}

// Preview оценивает позицию до открытия
// POST /api/execution/preview
func (h *ExecutionHandler) Preview(w http.ResponseWriter, r *http.Request) {
	var req execution.PreviewRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	report, err := h.service.Preview(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Open открывает позицию на двух биржах
// POST /api/execution/open
func (h *ExecutionHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req execution.OpenRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	report, err := h.service.Open(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Close закрывает позицию reduce-only ордерами
// POST /api/execution/close
func (h *ExecutionHandler) Close(w http.ResponseWriter, r *http.Request) {
	var req execution.CloseRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	report, err := h.service.Close(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Hedge исполняет одиночную ногу для ручной ребалансировки
// POST /api/execution/hedge
func (h *ExecutionHandler) Hedge(w http.ResponseWriter, r *http.Request) {
	var req execution.HedgeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	report, err := h.service.Hedge(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// EmergencyClose закрывает все открытые и зависшие позиции
// POST /api/execution/emergency-close
func (h *ExecutionHandler) EmergencyClose(w http.ResponseWriter, r *http.Request) {
	var req execution.EmergencyCloseRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	report, err := h.service.EmergencyClose(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Convert пересчитывает notional USD в количество базовой монеты
// POST /api/execution/convert
func (h *ExecutionHandler) Convert(w http.ResponseWriter, r *http.Request) {
	var req execution.ConvertRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	report, err := h.service.ConvertNotional(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
