package models

import (
	"database/sql/driver"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONMap - произвольный JSON объект, хранится в колонке TEXT/JSONB
type JSONMap map[string]interface{}

// Value сериализует карту для записи в БД
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	data, err := jsonAPI.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json column: %w", err)
	}
	return string(data), nil
}

// Scan читает карту из значения БД (NULL дает nil карту)
func (m *JSONMap) Scan(src interface{}) error {
	if src == nil {
		*m = nil
		return nil
	}

	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for json column: %T", src)
	}

	if len(data) == 0 {
		*m = nil
		return nil
	}

	out := JSONMap{}
	if err := jsonAPI.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("failed to unmarshal json column: %w", err)
	}
	*m = out
	return nil
}
