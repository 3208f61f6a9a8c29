package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"fundingarb/internal/repository"
	"fundingarb/pkg/fault"
)

func decodeErrorBody(t *testing.T, rr *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body
}

func TestWriteErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{"validation дает 400", fault.New(fault.KindValidation, "quantity must be positive"), http.StatusBadRequest, "validation"},
		{"auth дает 401", fault.New(fault.KindAuth, "no credentials configured for okx"), http.StatusUnauthorized, "auth"},
		{"not_supported дает 422", fault.New(fault.KindNotSupported, "symbol is not listed"), http.StatusUnprocessableEntity, "not_supported"},
		{"transient дает 503", fault.New(fault.KindTransient, "request timed out"), http.StatusServiceUnavailable, "transient"},
		{"risk дает 409", fault.New(fault.KindRisk, "position is one-sided"), http.StatusConflict, "risk"},
		{"неклассифицированная ошибка дает 500", errors.New("boom"), http.StatusInternalServerError, "internal"},
		{"сентинель позиции дает 404", repository.ErrPositionNotFound, http.StatusNotFound, "validation"},
		{"сентинель шаблона дает 404", repository.ErrTemplateNotFound, http.StatusNotFound, "validation"},
		{"сентинель ключей дает 404", repository.ErrCredentialNotFound, http.StatusNotFound, "validation"},
		{"обернутый сентинель дает 404", fmt.Errorf("load position: %w", repository.ErrOrderNotFound), http.StatusNotFound, "validation"},
		{"занятое имя шаблона дает 409", repository.ErrTemplateNameTaken, http.StatusConflict, "validation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			writeError(rr, tt.err)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			body := decodeErrorBody(t, rr)
			if body.Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", body.Kind, tt.wantKind)
			}
			if body.Detail == "" {
				t.Error("detail must not be empty")
			}
		})
	}
}

func TestDecodeBody(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	t.Run("отсутствие тела дает ошибку валидации", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		var dst payload
		err := decodeBody(req, &dst)
		if !fault.Is(err, fault.KindValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})

	t.Run("кривой JSON дает ошибку валидации", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{not json"))
		var dst payload
		err := decodeBody(req, &dst)
		if !fault.Is(err, fault.KindValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})

	t.Run("корректное тело декодируется", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"btc"}`))
		var dst payload
		if err := decodeBody(req, &dst); err != nil {
			t.Fatalf("decodeBody returned error: %v", err)
		}
		if dst.Name != "btc" {
			t.Errorf("name = %q, want btc", dst.Name)
		}
	})
}

func TestQueryInt(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"отсутствие дает дефолт", "", 200},
		{"значение в границах", "limit=50", 50},
		{"мусор дает дефолт", "limit=abc", 200},
		{"ноль дает дефолт", "limit=0", 200},
		{"отрицательное дает дефолт", "limit=-5", 200},
		{"выше потолка режется", "limit=99999", 2000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
			if got := queryInt(req, "limit", 200, 2000); got != tt.want {
				t.Errorf("queryInt(%q) = %d, want %d", tt.query, got, tt.want)
			}
		})
	}
}

func TestQueryFloat(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  float64
	}{
		{"отсутствие дает дефолт", "", 0},
		{"значение парсится", "min=0.25", 0.25},
		{"мусор дает дефолт", "min=abc", 0},
		{"отрицательное проходит как есть", "min=-1.5", -1.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
			if got := queryFloat(req, "min", 0); got != tt.want {
				t.Errorf("queryFloat(%q) = %v, want %v", tt.query, got, tt.want)
			}
		})
	}
}

func TestQueryOptionalBool(t *testing.T) {
	t.Run("отсутствие дает nil", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		got, err := queryOptionalBool(req, "resolved")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != nil {
			t.Errorf("expected nil, got %v", *got)
		}
	})

	t.Run("явное false отличимо от отсутствия", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/?resolved=false", nil)
		got, err := queryOptionalBool(req, "resolved")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got == nil || *got != false {
			t.Errorf("expected false, got %v", got)
		}
	})

	t.Run("мусор дает ошибку валидации", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/?resolved=maybe", nil)
		_, err := queryOptionalBool(req, "resolved")
		if !fault.Is(err, fault.KindValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})
}
