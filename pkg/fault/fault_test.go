package fault

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf_ClassifiedError(t *testing.T) {
	err := New(KindAuth, "credentials missing for okx")
	if KindOf(err) != KindAuth {
		t.Errorf("ожидали auth, получили %s", KindOf(err))
	}
}

func TestKindOf_WrappedChain(t *testing.T) {
	// Kind должен находиться через промежуточные fmt.Errorf обертки
	inner := New(KindTransient, "venue timeout")
	wrapped := fmt.Errorf("fetch binance: %w", inner)

	if KindOf(wrapped) != KindTransient {
		t.Errorf("ожидали transient через обертку, получили %s", KindOf(wrapped))
	}
	if !IsTransient(wrapped) {
		t.Error("IsTransient должен видеть обернутую ошибку")
	}
}

func TestKindOf_UnclassifiedDefaultsInternal(t *testing.T) {
	err := errors.New("plain error")
	if KindOf(err) != KindInternal {
		t.Errorf("неклассифицированная ошибка должна быть internal, получили %s", KindOf(err))
	}
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindTransient, "okx request failed", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is должен находить причину через Unwrap")
	}
	if err.Error() != "okx request failed: connection refused" {
		t.Errorf("неожиданный текст ошибки: %s", err.Error())
	}
}

func TestHTTPStatus_Mapping(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindAuth, http.StatusUnauthorized},
		{KindNotSupported, http.StatusUnprocessableEntity},
		{KindTransient, http.StatusServiceUnavailable},
		{KindRisk, http.StatusConflict},
		{KindInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := New(tt.kind, "boom")
			if got := HTTPStatus(err); got != tt.expected {
				t.Errorf("статус для %s: ожидали %d, получили %d", tt.kind, tt.expected, got)
			}
		})
	}
}

func TestHTTPStatus_PlainErrorIs500(t *testing.T) {
	if got := HTTPStatus(errors.New("boom")); got != http.StatusInternalServerError {
		t.Errorf("ожидали 500, получили %d", got)
	}
}

func TestNewf_Formatting(t *testing.T) {
	err := Newf(KindValidation, "unknown exchange %q", "kraken")
	if err.Error() != `unknown exchange "kraken"` {
		t.Errorf("неожиданный текст: %s", err.Error())
	}
}
