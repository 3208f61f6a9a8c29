package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fundingarb/internal/models"
	"fundingarb/internal/repository"
	"fundingarb/pkg/logger"
)

// Репозитории обязаны удовлетворять интерфейсам хендлера
var (
	_ PositionLister = (*repository.PositionRepository)(nil)
	_ OrderLister    = (*repository.OrderRepository)(nil)
)

type fakePositionLister struct {
	items []*models.Position
	err   error

	listCalled     bool
	byStatusCalled bool
	gotStatus      string
	gotLimit       int
}

func (f *fakePositionLister) List(_ context.Context, limit int) ([]*models.Position, error) {
	f.listCalled = true
	f.gotLimit = limit
	return f.items, f.err
}

func (f *fakePositionLister) ListByStatus(_ context.Context, status string, limit int) ([]*models.Position, error) {
	f.byStatusCalled = true
	f.gotStatus = status
	f.gotLimit = limit
	return f.items, f.err
}

type fakeOrderLister struct {
	items []*models.Order
	err   error

	listCalled     bool
	byActionCalled bool
	gotAction      string
	gotLimit       int
}

func (f *fakeOrderLister) List(_ context.Context, limit int) ([]*models.Order, error) {
	f.listCalled = true
	f.gotLimit = limit
	return f.items, f.err
}

func (f *fakeOrderLister) ListByAction(_ context.Context, action string, limit int) ([]*models.Order, error) {
	f.byActionCalled = true
	f.gotAction = action
	f.gotLimit = limit
	return f.items, f.err
}

func recordPosition(id, status string) *models.Position {
	return &models.Position{
		ID:            id,
		Symbol:        "BTCUSDT",
		LongExchange:  "binance",
		ShortExchange: "okx",
		LongQty:       0.02,
		ShortQty:      0.02,
		Leverage:      3,
		Status:        status,
		CreatedAt:     time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
		UpdatedAt:     time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
	}
}

func TestGetPositions(t *testing.T) {
	t.Run("без фильтра зовет общий список с дефолтным лимитом", func(t *testing.T) {
		positions := &fakePositionLister{items: []*models.Position{
			recordPosition("pos-1", models.PositionStatusOpen),
			recordPosition("pos-2", models.PositionStatusClosed),
		}}
		h := NewRecordHandler(positions, &fakeOrderLister{}, logger.NewNop())

		rr := httptest.NewRecorder()
		h.GetPositions(rr, httptest.NewRequest(http.MethodGet, "/api/positions", nil))

		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rr.Code)
		}
		if !positions.listCalled || positions.byStatusCalled {
			t.Error("expected List without a status filter")
		}
		if positions.gotLimit != 200 {
			t.Errorf("limit = %d, want 200", positions.gotLimit)
		}

		var body positionsResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		if body.Total != 2 || len(body.Items) != 2 {
			t.Fatalf("total = %d, items = %d, want 2 each", body.Total, len(body.Items))
		}
		if body.Items[0].ID != "pos-1" || body.Items[0].Status != models.PositionStatusOpen {
			t.Errorf("first item = %+v, want pos-1 open", body.Items[0])
		}
	})

	t.Run("фильтр по статусу уходит в репозиторий", func(t *testing.T) {
		positions := &fakePositionLister{}
		h := NewRecordHandler(positions, &fakeOrderLister{}, logger.NewNop())

		req := httptest.NewRequest(http.MethodGet, "/api/positions?status=risk_exposed&limit=10", nil)
		h.GetPositions(httptest.NewRecorder(), req)

		if !positions.byStatusCalled {
			t.Fatal("expected ListByStatus to be called")
		}
		if positions.gotStatus != "risk_exposed" || positions.gotLimit != 10 {
			t.Errorf("status/limit = %q/%d, want risk_exposed/10", positions.gotStatus, positions.gotLimit)
		}
	})

	t.Run("лимит режется потолком", func(t *testing.T) {
		positions := &fakePositionLister{}
		h := NewRecordHandler(positions, &fakeOrderLister{}, logger.NewNop())

		req := httptest.NewRequest(http.MethodGet, "/api/positions?limit=99999", nil)
		h.GetPositions(httptest.NewRecorder(), req)

		if positions.gotLimit != 2000 {
			t.Errorf("limit = %d, want capped 2000", positions.gotLimit)
		}
	})

	t.Run("пустой список сериализуется массивом", func(t *testing.T) {
		h := NewRecordHandler(&fakePositionLister{}, &fakeOrderLister{}, logger.NewNop())

		rr := httptest.NewRecorder()
		h.GetPositions(rr, httptest.NewRequest(http.MethodGet, "/api/positions", nil))

		if !strings.Contains(rr.Body.String(), `"items":[]`) {
			t.Errorf("items must be [] not null: %s", rr.Body.String())
		}
	})

	t.Run("ошибка репозитория дает 500", func(t *testing.T) {
		positions := &fakePositionLister{err: errors.New("db down")}
		h := NewRecordHandler(positions, &fakeOrderLister{}, logger.NewNop())

		rr := httptest.NewRecorder()
		h.GetPositions(rr, httptest.NewRequest(http.MethodGet, "/api/positions", nil))

		if rr.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500", rr.Code)
		}
	})
}

func TestGetOrders(t *testing.T) {
	t.Run("без фильтра зовет общий список с дефолтным лимитом", func(t *testing.T) {
		positionID := "pos-1"
		orders := &fakeOrderLister{items: []*models.Order{{
			ID:         "ord-1",
			PositionID: &positionID,
			Action:     models.OrderActionOpen,
			Status:     models.OrderStatusOK,
			Exchange:   "binance",
			Symbol:     "BTCUSDT",
			Side:       models.OrderSideBuy,
			Quantity:   0.02,
			CreatedAt:  time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
		}}}
		h := NewRecordHandler(&fakePositionLister{}, orders, logger.NewNop())

		rr := httptest.NewRecorder()
		h.GetOrders(rr, httptest.NewRequest(http.MethodGet, "/api/orders", nil))

		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rr.Code)
		}
		if !orders.listCalled || orders.byActionCalled {
			t.Error("expected List without an action filter")
		}
		if orders.gotLimit != 500 {
			t.Errorf("limit = %d, want 500", orders.gotLimit)
		}

		var body ordersResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		if body.Total != 1 || body.Items[0].ID != "ord-1" {
			t.Errorf("body = %+v, want single ord-1", body)
		}
		if body.Items[0].PositionID == nil || *body.Items[0].PositionID != "pos-1" {
			t.Errorf("position_id = %v, want pos-1", body.Items[0].PositionID)
		}
	})

	t.Run("фильтр по действию уходит в репозиторий", func(t *testing.T) {
		orders := &fakeOrderLister{}
		h := NewRecordHandler(&fakePositionLister{}, orders, logger.NewNop())

		req := httptest.NewRequest(http.MethodGet, "/api/orders?action=rollback&limit=25", nil)
		h.GetOrders(httptest.NewRecorder(), req)

		if !orders.byActionCalled {
			t.Fatal("expected ListByAction to be called")
		}
		if orders.gotAction != models.OrderActionRollback || orders.gotLimit != 25 {
			t.Errorf("action/limit = %q/%d, want rollback/25", orders.gotAction, orders.gotLimit)
		}
	})

	t.Run("потолок лимита ордеров выше", func(t *testing.T) {
		orders := &fakeOrderLister{}
		h := NewRecordHandler(&fakePositionLister{}, orders, logger.NewNop())

		req := httptest.NewRequest(http.MethodGet, "/api/orders?limit=99999", nil)
		h.GetOrders(httptest.NewRecorder(), req)

		if orders.gotLimit != 5000 {
			t.Errorf("limit = %d, want capped 5000", orders.gotLimit)
		}
	})

	t.Run("ошибка репозитория дает 500", func(t *testing.T) {
		orders := &fakeOrderLister{err: errors.New("db down")}
		h := NewRecordHandler(&fakePositionLister{}, orders, logger.NewNop())

		rr := httptest.NewRecorder()
		h.GetOrders(rr, httptest.NewRequest(http.MethodGet, "/api/orders", nil))

		if rr.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500", rr.Code)
		}
	})
}
