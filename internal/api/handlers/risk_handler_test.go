package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"fundingarb/internal/models"
	"fundingarb/internal/repository"
	"fundingarb/pkg/logger"
)

// Репозиторий журнала обязан удовлетворять интерфейсу хендлера
var _ RiskLedgerReader = (*repository.RiskEventRepository)(nil)

type fakeRiskLedger struct {
	events     []*models.RiskEvent
	listErr    error
	resolved   *models.RiskEvent
	resolveErr error

	gotFilter repository.RiskEventFilter
	gotID     string
}

func (f *fakeRiskLedger) List(_ context.Context, filter repository.RiskEventFilter) ([]*models.RiskEvent, error) {
	f.gotFilter = filter
	return f.events, f.listErr
}

func (f *fakeRiskLedger) Resolve(_ context.Context, id string) (*models.RiskEvent, error) {
	f.gotID = id
	return f.resolved, f.resolveErr
}

func TestGetRiskEvents(t *testing.T) {
	t.Run("фильтры уходят в репозиторий", func(t *testing.T) {
		ledger := &fakeRiskLedger{events: []*models.RiskEvent{{
			ID:        "risk-1",
			EventType: models.RiskRollbackFailed,
			Severity:  models.SeverityCritical,
			Message:   "rollback failed: connection reset",
			CreatedAt: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
		}}}
		h := NewRiskHandler(ledger, logger.NewNop())

		req := httptest.NewRequest(http.MethodGet, "/api/risk-events?resolved=false&severity=critical&limit=10", nil)
		rr := httptest.NewRecorder()
		h.GetRiskEvents(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rr.Code)
		}
		if ledger.gotFilter.Resolved == nil || *ledger.gotFilter.Resolved != false {
			t.Errorf("resolved filter = %v, want false", ledger.gotFilter.Resolved)
		}
		if ledger.gotFilter.Severity != "critical" || ledger.gotFilter.Limit != 10 {
			t.Errorf("filter = %+v, want severity critical limit 10", ledger.gotFilter)
		}

		var body riskEventsResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		if body.Total != 1 || body.Items[0].EventType != models.RiskRollbackFailed {
			t.Errorf("body = %+v, want single rollback_failed", body)
		}
	})

	t.Run("без resolved фильтр трехзначный", func(t *testing.T) {
		ledger := &fakeRiskLedger{}
		h := NewRiskHandler(ledger, logger.NewNop())

		req := httptest.NewRequest(http.MethodGet, "/api/risk-events", nil)
		h.GetRiskEvents(httptest.NewRecorder(), req)

		if ledger.gotFilter.Resolved != nil {
			t.Errorf("resolved filter = %v, want nil", *ledger.gotFilter.Resolved)
		}
		if ledger.gotFilter.Limit != 200 {
			t.Errorf("default limit = %d, want 200", ledger.gotFilter.Limit)
		}
	})

	t.Run("кривой resolved дает 400", func(t *testing.T) {
		h := NewRiskHandler(&fakeRiskLedger{}, logger.NewNop())

		req := httptest.NewRequest(http.MethodGet, "/api/risk-events?resolved=maybe", nil)
		rr := httptest.NewRecorder()
		h.GetRiskEvents(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rr.Code)
		}
		if body := decodeErrorBody(t, rr); body.Kind != "validation" {
			t.Errorf("kind = %q, want validation", body.Kind)
		}
	})

	t.Run("пустой журнал сериализуется массивом", func(t *testing.T) {
		h := NewRiskHandler(&fakeRiskLedger{}, logger.NewNop())

		rr := httptest.NewRecorder()
		h.GetRiskEvents(rr, httptest.NewRequest(http.MethodGet, "/api/risk-events", nil))

		if !strings.Contains(rr.Body.String(), `"items":[]`) {
			t.Errorf("items must be [] not null: %s", rr.Body.String())
		}
	})

	t.Run("ошибка репозитория дает 500", func(t *testing.T) {
		h := NewRiskHandler(&fakeRiskLedger{listErr: errors.New("db down")}, logger.NewNop())

		rr := httptest.NewRecorder()
		h.GetRiskEvents(rr, httptest.NewRequest(http.MethodGet, "/api/risk-events", nil))

		if rr.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500", rr.Code)
		}
	})
}

func TestResolveRiskEvent(t *testing.T) {
	t.Run("успех возвращает событие", func(t *testing.T) {
		resolvedAt := time.Date(2026, 8, 25, 13, 0, 0, 0, time.UTC)
		ledger := &fakeRiskLedger{resolved: &models.RiskEvent{
			ID:         "risk-1",
			EventType:  models.RiskHedgeExecuted,
			Severity:   models.SeverityWarning,
			Resolved:   true,
			ResolvedAt: &resolvedAt,
		}}
		h := NewRiskHandler(ledger, logger.NewNop())

		req := httptest.NewRequest(http.MethodPost, "/api/risk-events/risk-1/resolve", nil)
		req = mux.SetURLVars(req, map[string]string{"id": "risk-1"})
		rr := httptest.NewRecorder()
		h.ResolveRiskEvent(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rr.Code)
		}
		if ledger.gotID != "risk-1" {
			t.Errorf("id = %q, want risk-1", ledger.gotID)
		}
		var body models.RiskEvent
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		if !body.Resolved || body.ResolvedAt == nil {
			t.Errorf("body = %+v, want resolved with timestamp", body)
		}
	})

	t.Run("неизвестное событие дает 404", func(t *testing.T) {
		ledger := &fakeRiskLedger{resolveErr: repository.ErrRiskEventNotFound}
		h := NewRiskHandler(ledger, logger.NewNop())

		req := httptest.NewRequest(http.MethodPost, "/api/risk-events/missing/resolve", nil)
		req = mux.SetURLVars(req, map[string]string{"id": "missing"})
		rr := httptest.NewRecorder()
		h.ResolveRiskEvent(rr, req)

		if rr.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rr.Code)
		}
		if body := decodeErrorBody(t, rr); body.Kind != "validation" {
			t.Errorf("kind = %q, want validation", body.Kind)
		}
	})
}
