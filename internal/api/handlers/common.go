// Package handlers реализует HTTP слой: по файлу на ресурс,
// общие помощники ответов здесь.
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	jsoniter "github.com/json-iterator/go"

	"fundingarb/internal/repository"
	"fundingarb/pkg/fault"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrorResponse - единый формат ошибки всех endpoints
type ErrorResponse struct {
	Detail string `json:"detail"`
	Kind   string `json:"kind"`
}

// writeJSON сериализует payload с указанным статусом
func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// writeError отображает ошибку в {detail, kind} со статусом из таксономии.
// Сентинели репозитория не несут Kind и маппятся здесь отдельно: kind у них
// validation, статус точнее дефолтного (404 и 409 вместо 400).
func writeError(w http.ResponseWriter, err error) {
	status := fault.HTTPStatus(err)
	kind := string(fault.KindOf(err))
	switch {
	case isNotFound(err):
		status = http.StatusNotFound
		kind = string(fault.KindValidation)
	case errors.Is(err, repository.ErrTemplateNameTaken):
		status = http.StatusConflict
		kind = string(fault.KindValidation)
	}
	writeJSON(w, status, ErrorResponse{Detail: err.Error(), Kind: kind})
}

func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrPositionNotFound) ||
		errors.Is(err, repository.ErrOrderNotFound) ||
		errors.Is(err, repository.ErrRiskEventNotFound) ||
		errors.Is(err, repository.ErrTemplateNotFound) ||
		errors.Is(err, repository.ErrCredentialNotFound)
}

// decodeBody читает JSON тело запроса в dst
func decodeBody(r *http.Request, dst interface{}) error {
	if r.Body == nil || r.Body == http.NoBody {
		return fault.New(fault.KindValidation, "request body is required")
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fault.Wrap(fault.KindValidation, "malformed request body", err)
	}
	return nil
}

// queryInt читает целочисленный параметр с значением по умолчанию и потолком
func queryInt(r *http.Request, key string, def, max int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 {
		return def
	}
	if value > max {
		return max
	}
	return value
}

// queryFloat читает дробный параметр, отрицательные и мусор дают значение
// по умолчанию
func queryFloat(r *http.Request, key string, def float64) float64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return value
}

// queryBool читает булев параметр; пустое значение дает false
func queryBool(r *http.Request, key string) bool {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return false
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false
	}
	return value
}

// queryOptionalBool различает отсутствие параметра и явное значение
func queryOptionalBool(r *http.Request, key string) (*bool, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fault.Newf(fault.KindValidation, "%s must be a boolean, got %q", key, raw)
	}
	return &value, nil
}
