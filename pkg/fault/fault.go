// Package fault определяет таксономию ошибок приложения.
//
// Каждая ошибка несет Kind, по которому HTTP слой выбирает статус,
// а путь данных решает, можно ли деградировать до stale кэша.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind классифицирует ошибку
type Kind string

const (
	// KindValidation - некорректный запрос, исправляется пользователем
	KindValidation Kind = "validation"

	// KindAuth - отсутствующие или невалидные ключи, ошибка расшифровки.
	// Никогда не retry'ится.
	KindAuth Kind = "auth"

	// KindNotSupported - биржа не поддерживает символ или операцию
	KindNotSupported Kind = "not_supported"

	// KindTransient - сетевой таймаут, 5xx от биржи.
	// Путь данных retry'ит один раз, путь ордеров отдает наверх.
	KindTransient Kind = "transient"

	// KindRisk - односторонняя позиция, провал отката.
	// Зеркалируется в журнал рисков.
	KindRisk Kind = "risk"

	// KindInternal - ошибки программиста и неожиданные формы данных
	KindInternal Kind = "internal"
)

// Error - ошибка с классификацией
type Error struct {
	Kind    Kind
	Message string
	Err     error // обернутая причина, может быть nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap возвращает причину для errors.Is() и errors.As()
func (e *Error) Unwrap() error {
	return e.Err
}

// New создает ошибку указанного вида
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf создает ошибку с форматированием
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap оборачивает причину, сохраняя ее в цепочке
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf возвращает вид ошибки из цепочки.
// Неклассифицированные ошибки считаются internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Is проверяет что ошибка имеет указанный вид
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTransient сообщает, допустим ли retry или stale фолбэк
func IsTransient(err error) bool {
	return Is(err, KindTransient)
}

// IsAuth сообщает об ошибке ключей или расшифровки
func IsAuth(err error) bool {
	return Is(err, KindAuth)
}

// HTTPStatus возвращает HTTP статус для вида ошибки
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotSupported:
		return http.StatusUnprocessableEntity
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindRisk:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
