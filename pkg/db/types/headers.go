package dbtypes

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Headers stores response headers as a JSON object column.
type Headers map[string]string

func (h *Headers) Scan(src any) error {
	if src == nil {
		*h = nil
		return nil
	}

	var raw []byte
	switch v := src.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("Headers: unsupported Scan type %T", src)
	}
	if len(raw) == 0 {
		*h = Headers{}
		return nil
	}

	out := Headers{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("Headers: decode: %w", err)
	}
	*h = out
	return nil
}

func (h Headers) Value() (driver.Value, error) {
	if h == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(map[string]string(h))
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}
